// Package bus wraps the Redis-backed message fabric: pub/sub channels,
// persistent direct queues with retry and dead-lettering, and the stream
// work queue consumed with consumer groups.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/envelope"
)

const (
	// GlobalQueue is the canonical work-queue stream.
	GlobalQueue = "sos:queue:global"

	// directRetries is how many delivery attempts a direct message gets
	// before dead-lettering.
	directRetries = 3
)

// directBackoff returns the sleep before retry attempt n (0-based).
func directBackoff(n int) time.Duration {
	return time.Duration(1<<n) * time.Second // 1s, 2s, 4s
}

// DirectQueue names the point-to-point queue for an agent.
func DirectQueue(agentID string) string { return "agent:" + agentID + ":inbox" }

// DeadLetterQueue names the DLQ for an agent's direct queue.
func DeadLetterQueue(agentID string) string { return "dlq:agent:" + agentID }

// SquadChannel names the pub/sub channel for a cohort.
func SquadChannel(squadID string) string { return "squad:" + squadID }

// HeartbeatChannel names the liveness channel for an agent.
func HeartbeatChannel(agentID string) string { return "heartbeat:" + agentID }

// Bus is the shared message fabric client. Safe for concurrent use.
type Bus struct {
	rdb   *redis.Client
	log   *zap.Logger
	sleep func(context.Context, time.Duration) error
}

// Config carries the Redis connection settings.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// New connects to the Redis-compatible substrate.
func New(cfg Config, log *zap.Logger) *Bus {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Bus{rdb: rdb, log: log, sleep: sleepCtx}
}

// NewWithClient wraps an existing client; tests hand in a miniredis-backed
// one.
func NewWithClient(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{rdb: rdb, log: log, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ping checks connectivity; used by the health endpoint.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error { return b.rdb.Close() }

// Publish fires an envelope at a pub/sub channel. Fire-and-forget: no
// retries, no delivery guarantee.
func (b *Bus) Publish(ctx context.Context, channel string, e *envelope.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on literal channels and/or glob patterns
// (patterns contain '*'). Envelopes arrive on the returned channel until
// ctx is cancelled; undecodable messages are logged and dropped.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (<-chan *envelope.Envelope, error) {
	var literals, patterns []string
	for _, c := range channels {
		if containsGlob(c) {
			patterns = append(patterns, c)
		} else {
			literals = append(literals, c)
		}
	}

	var sub *redis.PubSub
	switch {
	case len(patterns) > 0 && len(literals) > 0:
		sub = b.rdb.PSubscribe(ctx, patterns...)
		if err := sub.Subscribe(ctx, literals...); err != nil {
			sub.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	case len(patterns) > 0:
		sub = b.rdb.PSubscribe(ctx, patterns...)
	default:
		sub = b.rdb.Subscribe(ctx, literals...)
	}
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan *envelope.Envelope, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				e, err := envelope.Decode([]byte(m.Payload))
				if err != nil {
					b.log.Warn("dropping undecodable message",
						zap.String("channel", m.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func containsGlob(s string) bool {
	for _, r := range s {
		if r == '*' || r == '?' || r == '[' {
			return true
		}
	}
	return false
}

// Send delivers an envelope to an agent's direct queue with at-least-once
// semantics: up to 3 attempts with exponential backoff, then the dead
// letter queue.
func (b *Bus) Send(ctx context.Context, agentID string, e *envelope.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	queue := DirectQueue(agentID)
	var lastErr error
	for attempt := 0; attempt < directRetries; attempt++ {
		if attempt > 0 {
			if err := b.sleep(ctx, directBackoff(attempt-1)); err != nil {
				return err
			}
		}
		if lastErr = b.rdb.RPush(ctx, queue, data).Err(); lastErr == nil {
			return nil
		}
		b.log.Warn("direct send failed",
			zap.String("queue", queue),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	if dlqErr := b.rdb.RPush(ctx, DeadLetterQueue(agentID), data).Err(); dlqErr != nil {
		return fmt.Errorf("send to %s failed (%v) and dead-letter failed: %w", queue, lastErr, dlqErr)
	}
	b.log.Error("message dead-lettered",
		zap.String("agent", agentID),
		zap.String("envelope", e.ID))
	return fmt.Errorf("send to %s: %w", queue, lastErr)
}

// Receive pops the next envelope from an agent's direct queue, blocking up
// to timeout. Returns nil, nil when the queue stays empty.
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) (*envelope.Envelope, error) {
	res, err := b.rdb.BLPop(ctx, timeout, DirectQueue(agentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive for %s: %w", agentID, err)
	}
	// BLPop returns [key, value].
	return envelope.Decode([]byte(res[1]))
}

// Enqueue appends an envelope to a persistent stream.
func (b *Bus) Enqueue(ctx context.Context, stream string, e *envelope.Envelope) (string, error) {
	data, err := e.Encode()
	if err != nil {
		return "", err
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"envelope": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", stream, err)
	}
	return id, nil
}

// QueueDepth reports the stream length, for claim-loop backpressure.
func (b *Bus) QueueDepth(ctx context.Context, stream string) (int64, error) {
	n, err := b.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth of %s: %w", stream, err)
	}
	return n, nil
}

// EnsureGroup creates a consumer group at the stream head if it does not
// already exist.
func (b *Bus) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// StreamMessage is one delivered stream entry awaiting acknowledgement.
type StreamMessage struct {
	ID       string
	Envelope *envelope.Envelope
}

// Consume reads the next batch for a consumer-group member, blocking up to
// block. Undecodable entries are acked and dropped so they cannot wedge the
// group.
func (b *Bus) Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]StreamMessage, error) {
	res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", stream, err)
	}

	var out []StreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			raw, _ := m.Values["envelope"].(string)
			e, err := envelope.Decode([]byte(raw))
			if err != nil {
				b.log.Warn("acking undecodable stream entry",
					zap.String("stream", stream),
					zap.String("id", m.ID),
					zap.Error(err))
				b.rdb.XAck(ctx, stream, group, m.ID)
				continue
			}
			out = append(out, StreamMessage{ID: m.ID, Envelope: e})
		}
	}
	return out, nil
}

// Ack acknowledges a processed stream entry.
func (b *Bus) Ack(ctx context.Context, stream, group, id string) error {
	if err := b.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, stream, err)
	}
	return nil
}
