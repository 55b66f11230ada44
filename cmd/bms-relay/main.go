// bms-relay consumes session events from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, SESSION_EVENTS_TOPIC, KAFKA_GROUP_ID and LOKI_URL.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"ultra-bms/client/internal/config"
	"ultra-bms/client/internal/logger"
	"ultra-bms/client/internal/telemetry/loki"
	"ultra-bms/client/internal/telemetry/relay"
)

var (
	errNoBrokers = errors.New("relay: KAFKA_BROKERS is required")
	errNoLoki    = errors.New("relay: LOKI_URL is required")
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New("info", false, os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	log := logger.New(cfg.LogLevel, cfg.LogPretty, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("relay: stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		return errNoBrokers
	}
	sink := loki.NewClient(cfg.LokiURL, nil)
	if sink == nil {
		return errNoLoki
	}

	reader := relay.NewReader(brokers, cfg.SessionEventsTopic, cfg.KafkaGroupID)
	defer reader.Close()

	log.Info().
		Str("topic", cfg.SessionEventsTopic).
		Str("group", cfg.KafkaGroupID).
		Str("loki", cfg.LokiURL).
		Msg("relay: consuming")
	return relay.Run(ctx, reader, sink, log)
}
