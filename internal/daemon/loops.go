package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/bus"
	"github.com/sos-labs/sos/internal/envelope"
	"github.com/sos-labs/sos/internal/memory"
	"github.com/sos-labs/sos/internal/notify"
	"github.com/sos-labs/sos/internal/task"
	"github.com/sos-labs/sos/internal/telemetry"
	"github.com/sos-labs/sos/internal/worker"
)

// heartbeatContent is the liveness payload published every heartbeat tick.
type heartbeatContent struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	LoopsRunning int       `json:"loops_running"`
}

func (d *Daemon) heartbeatTick(ctx context.Context) error {
	e, err := envelope.New(envelope.MsgHeartbeat,
		"agent:"+d.deps.Cfg.AgentID,
		bus.HeartbeatChannel(d.deps.Cfg.AgentID),
		heartbeatContent{
			Status:       "alive",
			Timestamp:    time.Now().UTC(),
			LoopsRunning: d.LoopsRunning(),
		})
	if err != nil {
		return err
	}
	return d.deps.Bus.Publish(ctx, bus.HeartbeatChannel(d.deps.Cfg.AgentID), e)
}

// pulseTick samples the substrate and attaches an observation to memory.
func (d *Daemon) pulseTick(ctx context.Context) error {
	ctx, span := telemetry.StartLoopSpan(ctx, "pulse")
	defer span.End()

	depth, err := d.deps.Bus.QueueDepth(ctx, d.deps.Cfg.Worker.Queue)
	if err != nil {
		return err
	}
	d.deps.Metrics.QueueDepth.Set(float64(depth))

	states := d.deps.Registry.BreakerStates()
	d.deps.Metrics.SetBreakerStates(states)

	open := 0
	for _, s := range states {
		if s == "open" {
			open++
		}
	}
	observation := fmt.Sprintf("queue depth %d, %d/%d provider breakers open", depth, open, len(states))
	if err := d.deps.Memory.Store(ctx, &memory.Entry{
		AgentID: d.deps.Cfg.AgentID,
		Kind:    memory.KindObservation,
		Content: observation,
	}); err != nil {
		d.log.Debug("pulse observation not stored", zap.Error(err))
	}

	if err := d.DriftCheck(ctx); err != nil {
		d.log.Debug("drift check skipped", zap.Error(err))
	}
	return nil
}

// claimTick moves pending tasks onto the work queue: claim, then publish.
// Publishing is skipped while the queue is above the configured depth.
func (d *Daemon) claimTick(ctx context.Context) error {
	ctx, span := telemetry.StartLoopSpan(ctx, "task-claim")
	defer span.End()

	depth, err := d.deps.Bus.QueueDepth(ctx, d.deps.Cfg.Worker.Queue)
	if err != nil {
		return err
	}
	if depth >= d.deps.Cfg.Loops.MaxQueueDepth {
		d.log.Warn("queue above depth limit, claim loop idling",
			zap.Int64("depth", depth),
			zap.Int64("limit", d.deps.Cfg.Loops.MaxQueueDepth))
		return nil
	}

	pending, err := d.deps.Tasks.List(task.StatePending)
	if err != nil {
		return err
	}
	for _, t := range pending {
		claimed, err := d.deps.Tasks.Claim(t.ID, d.deps.Cfg.Worker.ID)
		if err != nil {
			// Lost the race to another claimer; not an error.
			d.log.Debug("claim skipped", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		d.deps.Metrics.TaskTransitions.WithLabelValues(string(task.ActionClaim)).Inc()

		e, err := envelope.New(envelope.MsgTaskCreate,
			"service:daemon", d.deps.Cfg.Worker.Queue,
			worker.TaskPayload{
				TaskID:      claimed.ID,
				Title:       claimed.Title,
				Description: claimed.Description,
				Priority:    claimed.Priority,
			})
		if err != nil {
			return err
		}
		if _, err := d.deps.Bus.Enqueue(ctx, d.deps.Cfg.Worker.Queue, e); err != nil {
			// Unclaim so the task is not stranded until the 24 h sweep.
			if _, uerr := d.deps.Tasks.Transition(claimed.ID, task.ActionUnclaim, "service:daemon", "publish failed"); uerr != nil {
				d.log.Warn("unclaim after publish failure failed", zap.String("task", claimed.ID), zap.Error(uerr))
			}
			return err
		}
		d.log.Info("task published to queue", zap.String("task", claimed.ID))
	}
	return nil
}

// maintenanceTick enforces the time-based task constraints and reaps
// in-process accumulations.
func (d *Daemon) maintenanceTick(ctx context.Context) error {
	ctx, span := telemetry.StartLoopSpan(ctx, "maintenance")
	defer span.End()

	expired, err := d.deps.Tasks.ExpireClaims()
	if err != nil {
		return err
	}
	for _, t := range expired {
		d.deps.Metrics.TaskTransitions.WithLabelValues(string(task.ActionUnclaim)).Inc()
		d.log.Info("claim expired", zap.String("task", t.ID))
	}

	abandoned, err := d.deps.Tasks.AbandonStale()
	if err != nil {
		return err
	}
	for _, t := range abandoned {
		d.deps.Metrics.TaskTransitions.WithLabelValues(string(task.ActionAbandon)).Inc()
		d.log.Info("stale task abandoned", zap.String("task", t.ID))
	}

	stale, err := d.deps.Tasks.StaleReviews()
	if err != nil {
		return err
	}
	for _, t := range stale {
		e, err := envelope.New(envelope.MsgEvent,
			"service:maintenance", bus.SquadChannel("maintenance"),
			map[string]string{"event": "review_escalation", "task_id": t.ID})
		if err != nil {
			return err
		}
		if err := d.deps.Bus.Publish(ctx, bus.SquadChannel("maintenance"), e); err != nil {
			d.log.Warn("escalation publish failed", zap.String("task", t.ID), zap.Error(err))
		}
	}

	if reaped := d.deps.Limiter.Reap(time.Duration(d.deps.Cfg.RateLimit.IdleReapSeconds) * time.Second); reaped > 0 {
		d.log.Debug("rate limit buckets reaped", zap.Int("count", reaped))
	}
	if pruned, err := d.deps.Workers.PruneRetired(); err != nil {
		return err
	} else if pruned > 0 {
		d.log.Info("retired workers pruned", zap.Int("count", pruned))
	}
	if d.deps.Audit != nil {
		if err := d.deps.Audit.Prune(); err != nil {
			return err
		}
	}
	d.deps.Engine.Waves().Reap(24 * time.Hour)

	// Refresh the per-state task gauges while we hold the full listing.
	all, err := d.deps.Tasks.List("")
	if err != nil {
		return err
	}
	counts := map[task.State]int{}
	for _, t := range all {
		counts[t.State]++
	}
	for _, s := range []task.State{task.StatePending, task.StateClaimed, task.StateInProgress,
		task.StateReview, task.StateCompleted, task.StateRejected, task.StateAbandoned} {
		d.deps.Metrics.TasksByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return nil
}

// reportTick notifies originating adapters about completed, unreported
// tasks and flags them reported.
func (d *Daemon) reportTick(ctx context.Context) error {
	if !d.deps.Cfg.Loops.AutoReportEnabled {
		return nil
	}
	ctx, span := telemetry.StartLoopSpan(ctx, "report")
	defer span.End()

	unreported, err := d.deps.Tasks.Unreported()
	if err != nil {
		return err
	}
	for _, t := range unreported {
		output := ""
		if t.Result != nil {
			output = t.Result.Output
		}

		e, err := envelope.New(envelope.MsgTaskResult,
			"service:daemon", t.Origin,
			map[string]string{"task_id": t.ID, "title": t.Title, "output": output})
		if err != nil {
			return err
		}
		if t.ConversationID != "" {
			e.WithCorrelation(t.ConversationID)
		}
		agent := originAgent(t.Origin, d.deps.Cfg.AgentID)
		if err := d.deps.Bus.Send(ctx, agent, e); err != nil {
			d.log.Warn("result delivery failed", zap.String("task", t.ID), zap.Error(err))
			continue // retried next tick; reported stays false
		}

		if d.deps.Notify != nil {
			d.deps.Notify.Notify(ctx, notify.TaskCompleted(agent, t.ID, t.Title, output))
		}
		if err := d.deps.Tasks.MarkReported(t.ID); err != nil {
			return err
		}
		d.log.Info("task reported", zap.String("task", t.ID), zap.String("agent", agent))
	}
	return nil
}

// originAgent extracts the agent name from an origin subject like
// "agent:kasra"; service origins report to the daemon's own agent.
func originAgent(origin, fallback string) string {
	const prefix = "agent:"
	if len(origin) > len(prefix) && origin[:len(prefix)] == prefix {
		return origin[len(prefix):]
	}
	return fallback
}
