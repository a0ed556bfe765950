// Package queue carries dispatch messages from the API to the workers.
//
// Every broker implementation delivers a message at least once and applies
// the RetryPolicy that travels inside the message: a handler error schedules
// a delayed redelivery until the policy is exhausted, after which the message
// is parked in the broker's failed set.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrUnavailable is returned by Publish when the broker cannot be reached.
var ErrUnavailable = errors.New("queue: broker unavailable")

// BackoffKind selects how the redelivery delay grows between attempts.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// RetryPolicy bounds redelivery of a failed message.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     BackoffKind
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is three attempts with exponential backoff from 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: BackoffExponential, BaseDelay: 5 * time.Second}
}

// Delay returns how long to wait before the next delivery once attemptsMade
// attempts have failed.
func (p RetryPolicy) Delay(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	if p.Backoff != BackoffExponential {
		return p.BaseDelay
	}
	shift := attemptsMade - 1
	if shift > 16 {
		shift = 16
	}
	return p.BaseDelay * time.Duration(1<<shift)
}

// Exhausted reports whether no further delivery is allowed.
func (p RetryPolicy) Exhausted(attemptsMade int) bool {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return attemptsMade >= max
}

type policyJSON struct {
	Attempts int `json:"attempts"`
	Backoff  struct {
		Type  BackoffKind `json:"type"`
		Delay int64       `json:"delay"`
	} `json:"backoff"`
}

// MarshalJSON encodes the policy with the delay in milliseconds.
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	var out policyJSON
	out.Attempts = p.MaxAttempts
	out.Backoff.Type = p.Backoff
	out.Backoff.Delay = p.BaseDelay.Milliseconds()
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var in policyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.MaxAttempts = in.Attempts
	p.Backoff = in.Backoff.Type
	p.BaseDelay = time.Duration(in.Backoff.Delay) * time.Millisecond
	return nil
}

// Message is the unit of dispatch. JobID is the only payload.
type Message struct {
	ID           string      `json:"id"`
	JobID        string      `json:"jobId"`
	AttemptsMade int         `json:"attemptsMade"`
	Policy       RetryPolicy `json:"opts"`
}

// NewMessage builds a first-delivery message for jobID.
func NewMessage(jobID string, policy RetryPolicy) Message {
	return Message{ID: uuid.NewString(), JobID: jobID, Policy: policy}
}

// Encode returns the JSON wire form of m.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a wire message and rejects one without a job id.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("queue: decode message: %w", err)
	}
	if m.JobID == "" {
		return Message{}, errors.New("queue: message has no jobId")
	}
	if m.Policy.MaxAttempts == 0 {
		m.Policy = DefaultRetryPolicy()
	}
	return m, nil
}

// Handler processes one delivery. A nil error acknowledges the message.
type Handler func(ctx context.Context, msg Message) error

// WorkQueue is the publishing side used by the API.
type WorkQueue interface {
	Ready() bool
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Consumer is the receiving side used by workers. Consume processes one
// message at a time and blocks until ctx is done or the broker connection is
// lost.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

// Broker is a queue that can both publish and consume, and keep its
// readiness flag current.
type Broker interface {
	WorkQueue
	Consumer
	Watch(ctx context.Context, interval time.Duration)
}

// ConnectionState is the readiness flag observed by the dispatcher. It is
// safe for concurrent use.
type ConnectionState struct {
	ready atomic.Bool
}

// Ready reports whether the broker connection is currently usable.
func (s *ConnectionState) Ready() bool {
	return s.ready.Load()
}

// MarkReady flips the flag on and reports whether it changed.
func (s *ConnectionState) MarkReady() bool {
	return s.ready.CompareAndSwap(false, true)
}

// MarkDown flips the flag off and reports whether it changed.
func (s *ConnectionState) MarkDown() bool {
	return s.ready.CompareAndSwap(true, false)
}
