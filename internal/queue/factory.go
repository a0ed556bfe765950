package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const (
	DriverRedis = "redis"
	DriverAMQP  = "amqp"
	DriverNone  = "none"
)

// Config selects and addresses the broker.
type Config struct {
	Driver   string
	RedisURL string
	AMQPURL  string
	Name     string
}

// Open returns the broker named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Broker, error) {
	name := cfg.Name
	if name == "" {
		name = "processQueue"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("queue: REDIS_URL is required for the redis driver")
		}
		return NewRedisQueue(ctx, cfg.RedisURL, name, logger)
	case DriverAMQP:
		return NewAMQPQueue(ctx, cfg.AMQPURL, name, logger)
	case DriverNone, "":
		logger.Warn().Msg("no queue configured, submissions will be refused")
		return NullQueue{}, nil
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", cfg.Driver)
	}
}
