package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultBlockTimeout = 2 * time.Second
	defaultStaleAfter   = 60 * time.Second
)

// RedisQueue keeps messages in plain Redis structures:
//
//	<name>:wait              list of ready messages (LPUSH / BLMOVE from the right)
//	<name>:delayed           zset of retries scored by due time (unix ms)
//	<name>:failed            list of exhausted or undecodable messages
//	<name>:active:<consumer> list of messages a consumer is processing
//	<name>:consumers         zset of consumer heartbeats (unix ms)
type RedisQueue struct {
	ConnectionState

	rdb          *redis.Client
	name         string
	logger       zerolog.Logger
	blockTimeout time.Duration
	staleAfter   time.Duration
	now          func() time.Time
}

// NewRedisQueue connects to url (redis://…) and pings once to seed the
// readiness flag. A failed ping is not fatal; Watch keeps retrying.
func NewRedisQueue(ctx context.Context, url, name string, logger zerolog.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	q := newRedisQueue(redis.NewClient(opts), name, logger)
	q.ping(ctx)
	return q, nil
}

func newRedisQueue(rdb *redis.Client, name string, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		rdb:          rdb,
		name:         name,
		logger:       logger.With().Str("queue", name).Str("driver", "redis").Logger(),
		blockTimeout: defaultBlockTimeout,
		staleAfter:   defaultStaleAfter,
		now:          time.Now,
	}
}

func (q *RedisQueue) waitKey() string      { return q.name + ":wait" }
func (q *RedisQueue) delayedKey() string   { return q.name + ":delayed" }
func (q *RedisQueue) failedKey() string    { return q.name + ":failed" }
func (q *RedisQueue) consumersKey() string { return q.name + ":consumers" }
func (q *RedisQueue) activeKey(consumer string) string {
	return q.name + ":active:" + consumer
}

func (q *RedisQueue) nowMillis() int64 { return q.now().UnixMilli() }

// Publish appends msg to the wait list.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return fmt.Errorf("queue: encode message: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.waitKey(), body).Err(); err != nil {
		return fmt.Errorf("queue: publish %s: %w", msg.JobID, err)
	}
	q.logger.Debug().Str("job_id", msg.JobID).Str("message_id", msg.ID).Msg("message published")
	return nil
}

// Close releases the Redis client.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

// Watch pings Redis every interval and keeps the readiness flag current.
func (q *RedisQueue) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.ping(ctx)
		}
	}
}

func (q *RedisQueue) ping(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := q.rdb.Ping(pingCtx).Err(); err != nil {
		if q.MarkDown() {
			q.logger.Warn().Err(err).Msg("queue connection lost")
		}
		return
	}
	if q.MarkReady() {
		q.logger.Info().Msg("queue connection ready")
	}
}

// Consume registers a new consumer and processes messages one at a time
// until ctx is done.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	consumer := uuid.NewString()
	log := q.logger.With().Str("consumer", consumer).Logger()
	log.Info().Msg("consumer started")
	defer func() {
		cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// give anything still active back to the wait list
		q.requeueActive(cleanup, consumer)
		q.rdb.ZRem(cleanup, q.consumersKey(), consumer)
		log.Info().Msg("consumer stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := q.processNext(ctx, consumer, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("queue poll failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// processNext runs one poll cycle: heartbeat, housekeeping, claim and handle.
// It reports whether a message was claimed.
func (q *RedisQueue) processNext(ctx context.Context, consumer string, handler Handler) (bool, error) {
	if err := q.heartbeat(ctx, consumer); err != nil {
		return false, err
	}
	if _, err := q.promoteDue(ctx); err != nil {
		return false, err
	}
	if _, err := q.recoverStale(ctx); err != nil {
		return false, err
	}

	raw, err := q.rdb.BLMove(ctx, q.waitKey(), q.activeKey(consumer), "RIGHT", "LEFT", q.blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("queue: claim message: %w", err)
	}

	msg, err := Decode([]byte(raw))
	if err != nil {
		q.logger.Error().Err(err).Str("raw", raw).Msg("dropping undecodable message")
		return true, q.park(ctx, consumer, raw, raw, err)
	}

	handleErr := q.handleWithHeartbeat(ctx, consumer, msg, handler)
	if handleErr == nil {
		if err := q.rdb.LRem(ctx, q.activeKey(consumer), 1, raw).Err(); err != nil {
			return true, fmt.Errorf("queue: ack %s: %w", msg.JobID, err)
		}
		return true, nil
	}
	if ctx.Err() != nil {
		// shutting down mid-job; the deferred requeue hands it back
		return true, nil
	}
	return true, q.retry(ctx, consumer, raw, msg, handleErr)
}

func (q *RedisQueue) handleWithHeartbeat(ctx context.Context, consumer string, msg Message, handler Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(q.staleAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = q.heartbeat(ctx, consumer)
			}
		}
	}()
	return handler(ctx, msg)
}

func (q *RedisQueue) retry(ctx context.Context, consumer, raw string, msg Message, cause error) error {
	msg.AttemptsMade++
	log := q.logger.With().Str("job_id", msg.JobID).Int("attempts_made", msg.AttemptsMade).Logger()
	if msg.Policy.Exhausted(msg.AttemptsMade) {
		log.Warn().Err(cause).Msg("message exhausted its retries")
		body, err := Encode(msg)
		if err != nil {
			return err
		}
		return q.park(ctx, consumer, raw, string(body), cause)
	}

	body, err := Encode(msg)
	if err != nil {
		return err
	}
	delay := msg.Policy.Delay(msg.AttemptsMade)
	due := q.now().Add(delay).UnixMilli()
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(due), Member: string(body)})
	pipe.LRem(ctx, q.activeKey(consumer), 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: schedule retry %s: %w", msg.JobID, err)
	}
	log.Info().Err(cause).Dur("delay", delay).Msg("message scheduled for retry")
	return nil
}

type failedEntry struct {
	Message  json.RawMessage `json:"message"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failedAt"`
}

// park moves a claimed message to the failed list.
func (q *RedisQueue) park(ctx context.Context, consumer, raw, body string, cause error) error {
	payload := json.RawMessage(body)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(body)
		payload = quoted
	}
	entry, err := json.Marshal(failedEntry{Message: payload, Error: cause.Error(), FailedAt: q.now().UTC()})
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.failedKey(), entry)
	pipe.LRem(ctx, q.activeKey(consumer), 1, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: park message: %w", err)
	}
	return nil
}

func (q *RedisQueue) heartbeat(ctx context.Context, consumer string) error {
	err := q.rdb.ZAdd(ctx, q.consumersKey(), redis.Z{Score: float64(q.nowMillis()), Member: consumer}).Err()
	if err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	return nil
}

// promoteDue moves retries whose delay has elapsed back to the wait list.
// ZREM decides which poller owns a due entry, so each one moves once.
func (q *RedisQueue) promoteDue(ctx context.Context) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.nowMillis(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: read delayed: %w", err)
	}
	moved := 0
	for _, member := range due {
		removed, err := q.rdb.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return moved, fmt.Errorf("queue: promote delayed: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.waitKey(), member).Err(); err != nil {
			return moved, fmt.Errorf("queue: promote delayed: %w", err)
		}
		moved++
	}
	return moved, nil
}

// recoverStale hands the active messages of consumers whose heartbeat is
// older than staleAfter back to the wait list.
func (q *RedisQueue) recoverStale(ctx context.Context) (int, error) {
	cutoff := q.now().Add(-q.staleAfter).UnixMilli()
	stale, err := q.rdb.ZRangeByScore(ctx, q.consumersKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: read consumers: %w", err)
	}
	recovered := 0
	for _, consumer := range stale {
		removed, err := q.rdb.ZRem(ctx, q.consumersKey(), consumer).Result()
		if err != nil || removed == 0 {
			continue
		}
		n := q.requeueActive(ctx, consumer)
		if n > 0 {
			q.logger.Warn().Str("consumer", consumer).Int("messages", n).Msg("recovered messages from stale consumer")
		}
		recovered += n
	}
	return recovered, nil
}

func (q *RedisQueue) requeueActive(ctx context.Context, consumer string) int {
	n := 0
	for {
		err := q.rdb.LMove(ctx, q.activeKey(consumer), q.waitKey(), "RIGHT", "RIGHT").Err()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				q.logger.Error().Err(err).Str("consumer", consumer).Msg("requeue active messages failed")
			}
			return n
		}
		n++
	}
}

// Failed returns up to limit parked entries, newest first.
func (q *RedisQueue) Failed(ctx context.Context, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.rdb.LRange(ctx, q.failedKey(), 0, limit-1).Result()
}
