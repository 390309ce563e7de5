// Package task implements the durable task lifecycle store: one JSON file
// per task, atomic state transitions via write-then-rename, and the
// time-based maintenance sweeps.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a task lifecycle state.
type State string

const (
	StatePending    State = "pending"
	StateClaimed    State = "claimed"
	StateInProgress State = "in_progress"
	StateReview     State = "review"
	StateCompleted  State = "completed"
	StateRejected   State = "rejected"
	StateAbandoned  State = "abandoned"
)

// Terminal reports whether s admits no further transitions except reopen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateAbandoned:
		return true
	}
	return false
}

// Priority levels for tasks.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Action is a state-machine action name recorded in history.
type Action string

const (
	ActionClaim   Action = "claim"
	ActionStart   Action = "start"
	ActionUnclaim Action = "unclaim"
	ActionSubmit  Action = "submit"
	ActionAbandon Action = "abandon"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionReopen  Action = "reopen"
)

// transitions maps (state, action) to the next state. Anything absent is an
// invalid transition.
var transitions = map[State]map[Action]State{
	StatePending:    {ActionClaim: StateClaimed},
	StateClaimed:    {ActionStart: StateInProgress, ActionUnclaim: StatePending},
	StateInProgress: {ActionSubmit: StateReview, ActionAbandon: StateAbandoned},
	StateReview:     {ActionApprove: StateCompleted, ActionReject: StateRejected},
	StateRejected:   {ActionReopen: StatePending},
	StateAbandoned:  {ActionReopen: StatePending},
}

// InvalidTransitionError reports a state-machine rejection. The HTTP layer
// maps it to 409.
type InvalidTransitionError struct {
	TaskID string
	From   State
	Action Action
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot %s from state %s", e.TaskID, e.Action, e.From)
}

// HistoryEntry records one applied transition.
type HistoryEntry struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Action    Action    `json:"action"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Result is the output of a completed execution.
type Result struct {
	Output    string `json:"output"`
	ModelUsed string `json:"model_used,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Task is one unit of deferred work.
type Task struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Priority       string         `json:"priority"`
	State          State          `json:"state"`
	Origin         string         `json:"origin,omitempty"`          // "agent:<name>" or "service:<name>"
	ConversationID string         `json:"conversation_id,omitempty"` // originating chat
	CreatedAt      time.Time      `json:"created_at"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Worker         string         `json:"worker,omitempty"`
	Bounty         int64          `json:"bounty,omitempty"` // micro-units
	Result         *Result        `json:"result,omitempty"`
	Reported       bool           `json:"reported,omitempty"`
	History        []HistoryEntry `json:"history,omitempty"`
}

// New creates a pending task with a fresh ID.
func New(title, description, priority, origin string) *Task {
	if priority == "" {
		priority = PriorityNormal
	}
	return &Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Priority:    priority,
		State:       StatePending,
		Origin:      origin,
		CreatedAt:   time.Now().UTC(),
	}
}

// apply performs one transition in place, appending a history entry.
// Timestamps and worker assignment follow the action.
func (t *Task) apply(action Action, actor, reason string, now time.Time) error {
	next, ok := transitions[t.State][action]
	if !ok {
		return &InvalidTransitionError{TaskID: t.ID, From: t.State, Action: action}
	}
	t.History = append(t.History, HistoryEntry{
		From: t.State, To: next, Action: action,
		Actor: actor, Timestamp: now, Reason: reason,
	})
	t.State = next

	switch action {
	case ActionClaim:
		ts := now
		t.ClaimedAt = &ts
		t.Worker = actor
	case ActionUnclaim:
		t.ClaimedAt = nil
		t.Worker = ""
	case ActionApprove:
		ts := now
		t.CompletedAt = &ts
	case ActionReopen:
		t.ClaimedAt = nil
		t.CompletedAt = nil
		t.Worker = ""
		t.Result = nil
		t.Reported = false
	}
	return nil
}
