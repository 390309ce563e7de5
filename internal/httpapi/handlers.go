package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/audit"
	"github.com/sos-labs/sos/internal/engine"
	"github.com/sos-labs/sos/internal/provider"
	"github.com/sos-labs/sos/internal/task"
	"github.com/sos-labs/sos/internal/worker"
)

// chatBody is the chat request plus the optional embedded capability,
// which the gatekeeper consumed before the handler ran.
type chatBody struct {
	engine.ChatRequest
	Capability any `json:"capability,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	select {
	case s.chatSlots <- struct{}{}:
		defer func() { <-s.chatSlots }()
	default:
		w.Header().Set("Retry-After", "1")
		writeError(w, errKind(http.StatusTooManyRequests, "Overloaded", "chat capacity exhausted"))
		return
	}

	var body chatBody
	if apiErr := decodeBody(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if body.Message == "" && !body.Task {
		writeError(w, errKind(http.StatusBadRequest, "Validation", "message is required"))
		return
	}

	resp, accepted, err := s.deps.Engine.HandleChat(r.Context(), body.ChatRequest)
	if err != nil {
		var failed *provider.AllProvidersFailedError
		if errors.As(err, &failed) {
			// The chat surface answers in prose even when every provider
			// is down; the status code carries the failure.
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"content": engine.UnavailableMessage,
				"kind":    "AllProvidersFailed",
			})
			return
		}
		s.log.Error("chat failed", zap.Error(err))
		writeError(w, mapError(err))
		return
	}
	if accepted != nil {
		writeJSON(w, http.StatusAccepted, accepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

var validStates = map[task.State]bool{
	task.StatePending: true, task.StateClaimed: true, task.StateInProgress: true,
	task.StateReview: true, task.StateCompleted: true, task.StateRejected: true,
	task.StateAbandoned: true,
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	state := task.State(r.URL.Query().Get("state"))
	if state != "" && !validStates[state] {
		writeError(w, errKind(http.StatusBadRequest, "Validation", "unknown state "+string(state)))
		return
	}
	tasks, err := s.deps.Tasks.List(state)
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// submitBody is a worker's result POST.
type submitBody struct {
	Output     string `json:"output"`
	ModelUsed  string `json:"model_used,omitempty"`
	Status     string `json:"status,omitempty"`
	Capability any    `json:"capability,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if apiErr := decodeBody(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if body.Output == "" {
		writeError(w, errKind(http.StatusBadRequest, "Validation", "output is required"))
		return
	}

	t, err := s.deps.Engine.Submit(r.Context(), r.PathValue("id"), &task.Result{
		Output:    body.Output,
		ModelUsed: body.ModelUsed,
		Status:    body.Status,
	})
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.deps.Registry.Models()})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	tier := worker.Tier(r.URL.Query().Get("tier"))
	records := s.deps.Workers.List(tier)
	if records == nil {
		records = []*worker.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": records, "count": len(records)})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, errKind(http.StatusServiceUnavailable, "NotConfigured", "audit trail not configured"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, errKind(http.StatusBadRequest, "Validation", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	requests, err := s.deps.Audit.RecentRequests(limit)
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	decisions, err := s.deps.Audit.RecentDecisions(r.URL.Query().Get("subject"), limit)
	if err != nil {
		writeError(w, mapError(err))
		return
	}
	if requests == nil {
		requests = []audit.RequestEntry{}
	}
	if decisions == nil {
		decisions = []audit.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests, "decisions": decisions})
}

// witnessBody collapses a pending witness wave with a vote.
type witnessBody struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	Vote           int    `json:"vote"` // -1 or 1
	Capability     any    `json:"capability,omitempty"`
}

func (s *Server) handleWitness(w http.ResponseWriter, r *http.Request) {
	var body witnessBody
	if apiErr := decodeBody(r, &body); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if body.ConversationID == "" {
		writeError(w, errKind(http.StatusBadRequest, "Validation", "conversation_id is required"))
		return
	}
	if body.Vote != -1 && body.Vote != 1 {
		writeError(w, errKind(http.StatusBadRequest, "Validation", "vote must be -1 or 1"))
		return
	}
	if !s.deps.Engine.Waves().Collapse(body.ConversationID, body.Vote) {
		writeError(w, errKind(http.StatusNotFound, "NotFound", "no pending wave for conversation "+body.ConversationID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collapsed": true, "conversation_id": body.ConversationID})
}
