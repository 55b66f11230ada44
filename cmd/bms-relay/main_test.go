package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"ultra-bms/client/internal/config"
)

func TestRun_RequiresBrokersAndLoki(t *testing.T) {
	ctx := context.Background()

	err := run(ctx, &config.Config{LokiURL: "http://loki:3100"}, zerolog.Nop())
	assert.ErrorIs(t, err, errNoBrokers)

	err = run(ctx, &config.Config{KafkaBrokers: "kafka:9092"}, zerolog.Nop())
	assert.ErrorIs(t, err, errNoLoki)
}
