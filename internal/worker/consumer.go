package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/bus"
)

const (
	consumerGroup     = "sos:workers"
	submitMaxAttempts = 5
)

// ConsumerConfig tunes the queue consumer.
type ConsumerConfig struct {
	// Queue is the stream to consume (default bus.GlobalQueue).
	Queue string

	// WorkerID identifies this consumer in the group and the reputation
	// registry.
	WorkerID string

	// SubmitURL is the engine base URL results are POSTed to.
	SubmitURL string

	// Token is the encoded capability presented on submit. Without it the
	// engine rejects results when strict capability checking is on.
	Token string

	// Block is how long each read blocks when the queue is empty.
	Block time.Duration
}

// Consumer drains the work-queue stream, executes tasks, and submits the
// results back to the engine over HTTP.
type Consumer struct {
	cfg      ConsumerConfig
	bus      *bus.Bus
	registry *Registry
	executor Executor
	client   *http.Client
	log      *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewConsumer wires a consumer. The worker is registered in the reputation
// registry on construction.
func NewConsumer(cfg ConsumerConfig, b *bus.Bus, reg *Registry, exec Executor, log *zap.Logger) (*Consumer, error) {
	if cfg.Queue == "" {
		cfg.Queue = bus.GlobalQueue
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.WorkerID == "" {
		return nil, fmt.Errorf("consumer requires a worker id")
	}
	if _, err := reg.Register(cfg.WorkerID, cfg.WorkerID); err != nil {
		return nil, err
	}
	return &Consumer{
		cfg:      cfg,
		bus:      b,
		registry: reg,
		executor: exec,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}, nil
}

// Run consumes until ctx is cancelled. Consume errors are logged and
// retried after a short backoff; the loop never exits on its own.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.bus.EnsureGroup(ctx, c.cfg.Queue, consumerGroup); err != nil {
		return err
	}
	c.log.Info("worker consumer started",
		zap.String("worker", c.cfg.WorkerID),
		zap.String("queue", c.cfg.Queue))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := c.bus.Consume(ctx, c.cfg.Queue, consumerGroup, c.cfg.WorkerID, 1, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("consume failed, backing off", zap.Error(err))
			if err := c.sleep(ctx, 2*time.Second); err != nil {
				return err
			}
			continue
		}
		for _, m := range msgs {
			c.handle(ctx, m)
		}
	}
}

// handle executes one queue entry. The entry is always acked: executor
// failures are recorded against the worker and left for the maintenance
// loop rather than redelivered, and submit failures are acked after the
// retry budget to avoid redelivery storms.
func (c *Consumer) handle(ctx context.Context, m bus.StreamMessage) {
	defer func() {
		if err := c.bus.Ack(ctx, c.cfg.Queue, consumerGroup, m.ID); err != nil {
			c.log.Warn("ack failed", zap.String("entry", m.ID), zap.Error(err))
		}
	}()

	var payload TaskPayload
	if err := m.Envelope.DecodeContent(&payload); err != nil {
		c.log.Warn("dropping malformed task payload",
			zap.String("envelope", m.Envelope.ID), zap.Error(err))
		return
	}

	c.log.Info("executing task",
		zap.String("task", payload.TaskID),
		zap.String("worker", c.cfg.WorkerID))

	result, err := c.executor.Execute(ctx, payload)
	if err != nil {
		c.log.Error("executor failed",
			zap.String("task", payload.TaskID), zap.Error(err))
		if _, rerr := c.registry.RecordFailure(c.cfg.WorkerID); rerr != nil {
			c.log.Warn("recording failure failed", zap.Error(rerr))
		}
		return
	}

	if err := c.submit(ctx, payload.TaskID, result); err != nil {
		c.log.Error("submit exhausted retries",
			zap.String("task", payload.TaskID), zap.Error(err))
		if _, rerr := c.registry.RecordFailure(c.cfg.WorkerID); rerr != nil {
			c.log.Warn("recording failure failed", zap.Error(rerr))
		}
		return
	}

	if _, err := c.registry.RecordCompletion(c.cfg.WorkerID, 0); err != nil {
		c.log.Warn("recording completion failed", zap.Error(err))
	}
}

// submit POSTs the result to the engine with exponential backoff, up to 5
// attempts.
func (c *Consumer) submit(ctx context.Context, taskID string, result *ExecResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	url := fmt.Sprintf("%s/tasks/%s/submit", c.cfg.SubmitURL, taskID)

	var lastErr error
	for attempt := 0; attempt < submitMaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, time.Duration(1<<(attempt-1))*time.Second); err != nil {
				return err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("submit returned status %d", resp.StatusCode)
		// 4xx will not improve with retries.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return fmt.Errorf("submit task %s: %w", taskID, lastErr)
}
