package queue

import (
	"context"
	"time"
)

// NullQueue is used when no broker is configured. It is never ready, so
// submissions are refused with 503 instead of being silently dropped.
type NullQueue struct{}

func (NullQueue) Ready() bool { return false }

func (NullQueue) Publish(context.Context, Message) error { return ErrUnavailable }

func (NullQueue) Close() error { return nil }

// Consume blocks until ctx is done.
func (NullQueue) Consume(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return nil
}

func (NullQueue) Watch(context.Context, time.Duration) {}
