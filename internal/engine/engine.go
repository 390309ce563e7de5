// Package engine orchestrates chat handling: it decides between answering
// synchronously through the provider chain and spawning a deferred task,
// computes the omega coherence signal, and mirrors salient exchanges into
// external memory.
package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/artifacts"
	"github.com/sos-labs/sos/internal/config"
	"github.com/sos-labs/sos/internal/memory"
	"github.com/sos-labs/sos/internal/metrics"
	"github.com/sos-labs/sos/internal/provider"
	"github.com/sos-labs/sos/internal/task"
	"github.com/sos-labs/sos/internal/telemetry"
)

// omegaLambda gives omega a half-life of roughly one second of latency.
const omegaLambda = 0.693

// Omega maps response latency to the coherence signal in (0, 1].
func Omega(latency time.Duration) float64 {
	return math.Exp(-omegaLambda * latency.Seconds())
}

// ChatRequest is one incoming chat message.
type ChatRequest struct {
	Message        string `json:"message"`
	AgentID        string `json:"agent_id,omitempty"`
	Task           bool   `json:"task,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ChatResponse is a synchronous answer.
type ChatResponse struct {
	Content string  `json:"content"`
	Omega   float64 `json:"omega"`
	TraceID string  `json:"trace_id,omitempty"`
}

// TaskAccepted is the deferred-work handle returned when the auto-task
// heuristic fires.
type TaskAccepted struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// Engine wires the chat path together.
type Engine struct {
	cfg      config.EngineConfig
	agentID  string
	registry *provider.Registry
	tasks    *task.Store
	memory   *memory.Client
	metrics  *metrics.Metrics
	log      *zap.Logger
	waves    *WaveBoard
	archive  *artifacts.Store
	now      func() time.Time
}

// New builds an engine.
func New(cfg config.EngineConfig, agentID string, registry *provider.Registry, tasks *task.Store, mem *memory.Client, m *metrics.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		agentID:  agentID,
		registry: registry,
		tasks:    tasks,
		memory:   mem,
		metrics:  m,
		log:      log,
		waves:    NewWaveBoard(),
		now:      time.Now,
	}
}

// Waves exposes the witness board for the HTTP surface.
func (e *Engine) Waves() *WaveBoard { return e.waves }

// WithArchive attaches the content-addressed artifact store; accepted
// results are archived into it.
func (e *Engine) WithArchive(a *artifacts.Store) *Engine {
	e.archive = a
	return e
}

// shouldSpawnTask applies the auto-task heuristic: explicit request, long
// message, or an imperative verb from the configured set. An explicit
// request always spawns, even with an empty message; the heuristics need
// text to work with.
func (e *Engine) shouldSpawnTask(req ChatRequest) bool {
	if req.Task {
		return true
	}
	if req.Message == "" {
		return false
	}
	if len(req.Message) > e.cfg.TaskLengthThreshold {
		return true
	}
	lower := strings.ToLower(req.Message)
	for _, verb := range e.cfg.TaskVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

// taskTitle derives a short title from the message.
func taskTitle(message string) string {
	const maxTitle = 64
	title := strings.TrimSpace(message)
	if i := strings.IndexByte(title, '\n'); i > 0 {
		title = title[:i]
	}
	if len(title) > maxTitle {
		title = title[:maxTitle]
	}
	if title == "" {
		return "untitled task"
	}
	return title
}

// HandleChat processes one chat message. It returns either a ChatResponse
// (synchronous answer) or a TaskAccepted (deferred), never both.
func (e *Engine) HandleChat(ctx context.Context, req ChatRequest) (*ChatResponse, *TaskAccepted, error) {
	agentID := req.AgentID
	if agentID == "" {
		agentID = e.agentID
	}
	ctx, span := telemetry.StartChatSpan(ctx, agentID)
	defer span.End()

	if e.shouldSpawnTask(req) {
		t := task.New(taskTitle(req.Message), req.Message, task.PriorityNormal, "agent:"+agentID)
		t.ConversationID = req.ConversationID
		if err := e.tasks.Create(t); err != nil {
			return nil, nil, fmt.Errorf("spawn task: %w", err)
		}
		e.metrics.TaskTransitions.WithLabelValues("create").Inc()
		e.log.Info("chat spawned task",
			zap.String("task", t.ID),
			zap.String("agent", agentID))
		return nil, &TaskAccepted{TaskID: t.ID, Status: "accepted"}, nil
	}

	timeout := time.Duration(e.cfg.ModelTimeoutSeconds) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := e.now()
	resp, err := e.registry.Generate(callCtx, req.Message, provider.Options{})
	if err != nil {
		return nil, nil, err
	}
	latency := e.now().Sub(start)
	omega := Omega(latency)
	e.metrics.ChatOmega.Observe(omega)

	// Every handled chat opens a witness wave for the conversation; the
	// front-end collapses it with a vote.
	if req.ConversationID != "" {
		e.waves.Open(agentID, req.ConversationID)
	}

	if err := e.memory.StoreExchange(ctx, agentID, req.Message, resp.Content, omega, req.ConversationID); err != nil {
		// Memory is a collaborator, not a dependency: losing an exchange
		// does not fail the chat.
		e.log.Warn("storing exchange failed", zap.Error(err))
	}

	return &ChatResponse{
		Content: resp.Content,
		Omega:   omega,
		TraceID: telemetry.TraceID(ctx),
	}, nil, nil
}

// Submit accepts a worker's result for a task: in_progress → review, then
// immediate auto-approve (v1 has no human review gate).
func (e *Engine) Submit(ctx context.Context, taskID string, result *task.Result) (*task.Task, error) {
	_, span := telemetry.StartTaskSpan(ctx, taskID, "submit")
	defer span.End()

	t, err := e.tasks.Get(taskID)
	if err != nil {
		return nil, err
	}
	// Workers submit without an explicit start transition; catch up the
	// state machine on their behalf.
	if t.State == task.StateClaimed {
		if _, err := e.tasks.Transition(taskID, task.ActionStart, t.Worker, ""); err != nil {
			return nil, err
		}
		e.metrics.TaskTransitions.WithLabelValues(string(task.ActionStart)).Inc()
	}
	if _, err := e.tasks.SetResult(taskID, result); err != nil {
		return nil, err
	}
	if _, err := e.tasks.Transition(taskID, task.ActionSubmit, t.Worker, ""); err != nil {
		return nil, err
	}
	e.metrics.TaskTransitions.WithLabelValues(string(task.ActionSubmit)).Inc()

	approved, err := e.tasks.Transition(taskID, task.ActionApprove, "service:engine", "auto-approve")
	if err != nil {
		return nil, err
	}
	e.metrics.TaskTransitions.WithLabelValues(string(task.ActionApprove)).Inc()

	if e.archive != nil && result != nil && result.Output != "" {
		m, err := e.archive.Put(taskID, "worker:"+t.Worker,
			map[string][]byte{"output.txt": []byte(result.Output)},
			map[string]string{"model": result.ModelUsed})
		if err != nil {
			// Archival is best effort; the result already lives on the task.
			e.log.Warn("result archival failed", zap.String("task", taskID), zap.Error(err))
		} else {
			e.log.Debug("result archived", zap.String("task", taskID), zap.String("cid", m.CID))
		}
	}

	e.log.Info("task completed",
		zap.String("task", taskID),
		zap.String("worker", t.Worker))
	return approved, nil
}

// ARF proxies the external memory service's coherence field state,
// overlaying the engine's own pending-witness count.
func (e *Engine) ARF(ctx context.Context) (*memory.ARFState, error) {
	st, err := e.memory.ARF(ctx)
	if err != nil {
		return nil, err
	}
	if n := e.waves.Pending(); n > st.PendingWitness {
		st.PendingWitness = n
	}
	return st, nil
}

// UnavailableMessage is the human-readable reply when every provider fails.
const UnavailableMessage = "all language model providers are currently unavailable; please retry"
