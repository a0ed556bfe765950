package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPQueue publishes to a durable RabbitMQ queue. Retries go through
// <name>.retry, whose messages carry a per-message TTL and dead-letter back
// into <name> once it expires. Exhausted messages go to <name>.failed.
type AMQPQueue struct {
	ConnectionState

	url    string
	name   string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	pub  *amqp.Channel
}

// NewAMQPQueue dials url (amqp://…) and declares the queue topology. A failed
// dial is not fatal; Watch keeps reconnecting.
func NewAMQPQueue(_ context.Context, url, name string, logger zerolog.Logger) (*AMQPQueue, error) {
	if url == "" {
		return nil, errors.New("queue: amqp url is required")
	}
	q := newAMQPQueue(url, name, logger)
	if err := q.connect(); err != nil {
		q.logger.Warn().Err(err).Msg("amqp connect failed, will retry")
	}
	return q, nil
}

func newAMQPQueue(url, name string, logger zerolog.Logger) *AMQPQueue {
	return &AMQPQueue{
		url:    url,
		name:   name,
		logger: logger.With().Str("queue", name).Str("driver", "amqp").Logger(),
	}
}

func (q *AMQPQueue) retryName() string  { return q.name + ".retry" }
func (q *AMQPQueue) failedName() string { return q.name + ".failed" }

func (q *AMQPQueue) connect() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("queue: dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue: open channel: %w", err)
	}
	if err := q.declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	q.mu.Lock()
	q.conn, q.pub = conn, ch
	q.mu.Unlock()
	if q.MarkReady() {
		q.logger.Info().Msg("queue connection ready")
	}
	return nil
}

func (q *AMQPQueue) declare(ch *amqp.Channel) error {
	queues := []struct {
		name string
		args amqp.Table
	}{
		{q.name, nil},
		{q.retryName(), retryQueueArgs(q.name)},
		{q.failedName(), nil},
	}
	for _, decl := range queues {
		if _, err := ch.QueueDeclare(decl.name, true, false, false, false, decl.args); err != nil {
			return fmt.Errorf("queue: declare %s: %w", decl.name, err)
		}
	}
	return nil
}

// retryQueueArgs dead-letters expired retry messages back into target
// through the default exchange.
func retryQueueArgs(target string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": target,
	}
}

func publishing(msg Message, body []byte, delay time.Duration) amqp.Publishing {
	p := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    msg.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if delay > 0 {
		p.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	return p
}

// Publish sends msg to the work queue.
func (q *AMQPQueue) Publish(ctx context.Context, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("queue: encode message: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub == nil || q.pub.IsClosed() {
		return ErrUnavailable
	}
	if err := q.pub.PublishWithContext(ctx, "", q.name, false, false, publishing(msg, body, 0)); err != nil {
		return fmt.Errorf("queue: publish %s: %w", msg.JobID, err)
	}
	q.logger.Debug().Str("job_id", msg.JobID).Str("message_id", msg.ID).Msg("message published")
	return nil
}

// Close shuts the publishing channel and the connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		_ = q.pub.Close()
		q.pub = nil
	}
	if q.conn != nil {
		err := q.conn.Close()
		q.conn = nil
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

func (q *AMQPQueue) connection() *amqp.Connection {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn
}

// Watch follows the connection through NotifyClose and redials every
// interval while it is down.
func (q *AMQPQueue) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		conn := q.connection()
		if conn == nil {
			if q.MarkDown() {
				q.logger.Warn().Msg("queue connection lost")
			}
			if err := q.connect(); err != nil {
				q.logger.Debug().Err(err).Msg("amqp reconnect failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(interval):
				}
			}
			continue
		}

		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-ctx.Done():
			return
		case amqpErr := <-closed:
			if q.MarkDown() {
				q.logger.Warn().Interface("reason", amqpErr).Msg("queue connection lost")
			}
			q.mu.Lock()
			q.conn, q.pub = nil, nil
			q.mu.Unlock()
		}
	}
}

// Consume opens a dedicated channel with prefetch 1 and processes deliveries
// until ctx is done or the channel closes.
func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	conn := q.connection()
	if conn == nil {
		return ErrUnavailable
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("queue: set qos: %w", err)
	}
	deliveries, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume: %w", err)
	}
	q.logger.Info().Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("queue: delivery channel closed")
			}
			q.handleDelivery(ctx, ch, d, handler)
		}
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, handler Handler) {
	msg, err := Decode(d.Body)
	if err != nil {
		q.logger.Error().Err(err).Msg("dropping undecodable message")
		q.settle(ctx, ch, d, q.failedName(), failedBody(d.Body, err), Message{}, 0)
		return
	}

	handleErr := handler(ctx, msg)
	if handleErr == nil {
		if err := d.Ack(false); err != nil {
			q.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("ack failed")
		}
		return
	}
	if ctx.Err() != nil {
		_ = d.Nack(false, true)
		return
	}

	msg.AttemptsMade++
	log := q.logger.With().Str("job_id", msg.JobID).Int("attempts_made", msg.AttemptsMade).Logger()
	body, err := Encode(msg)
	if err != nil {
		_ = d.Nack(false, true)
		return
	}
	if msg.Policy.Exhausted(msg.AttemptsMade) {
		log.Warn().Err(handleErr).Msg("message exhausted its retries")
		q.settle(ctx, ch, d, q.failedName(), failedBody(body, handleErr), msg, 0)
		return
	}
	delay := msg.Policy.Delay(msg.AttemptsMade)
	log.Info().Err(handleErr).Dur("delay", delay).Msg("message scheduled for retry")
	q.settle(ctx, ch, d, q.retryName(), body, msg, delay)
}

// settle republishes body to target and acks the original delivery; if the
// republish fails the delivery is requeued instead.
func (q *AMQPQueue) settle(ctx context.Context, ch *amqp.Channel, d amqp.Delivery, target string, body []byte, msg Message, delay time.Duration) {
	if err := ch.PublishWithContext(ctx, "", target, false, false, publishing(msg, body, delay)); err != nil {
		q.logger.Error().Err(err).Str("target", target).Msg("republish failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	if err := d.Ack(false); err != nil {
		q.logger.Error().Err(err).Msg("ack failed")
	}
}

func failedBody(body []byte, cause error) []byte {
	payload := json.RawMessage(body)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(body))
	}
	out, _ := json.Marshal(failedEntry{Message: payload, Error: cause.Error(), FailedAt: time.Now().UTC()})
	return out
}
