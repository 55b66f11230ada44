// Package relay forwards session events published to Kafka by clients into Loki.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const pushTimeout = 10 * time.Second

// Reader is the part of *kafka.Reader the relay uses.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Sink receives raw event JSON. *loki.Client implements it.
type Sink interface {
	PushEventJSON(ctx context.Context, raw []byte) error
}

// NewReader returns a consumer-group reader for topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
	})
}

// Run copies messages from r to sink until ctx is cancelled. Read and push failures are
// logged and the loop continues; a failed push drops that message.
func Run(ctx context.Context, r Reader, sink Sink, log zerolog.Logger) error {
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("relay: stopped")
				return nil
			}
			log.Warn().Err(err).Msg("relay: kafka read failed")
			continue
		}

		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		if err := sink.PushEventJSON(pushCtx, msg.Value); err != nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("relay: loki push failed")
		}
		cancel()
	}
}
