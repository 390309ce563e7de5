package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no task file exists for an ID.
var ErrNotFound = errors.New("task not found")

// Sweep thresholds enforced by the maintenance loop.
const (
	ClaimTimeout      = 24 * time.Hour
	InProgressTimeout = 168 * time.Hour
	ReviewEscalation  = 48 * time.Hour
)

// Store is the file-per-task repository. Every write goes through a temp
// file and an atomic rename, so a crashed writer never leaves a torn task
// on disk and concurrent claims race safely.
type Store struct {
	dir string
	log *zap.Logger

	// mu serializes read-modify-write within this process. Cross-process
	// safety rests on the rename.
	mu  sync.Mutex
	now func() time.Time
}

// NewStore opens (creating if needed) a task directory.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	return &Store{dir: dir, log: log, now: time.Now}, nil
}

// WithClock overrides the store clock for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// write persists a task atomically: temp file in the same directory, fsync,
// rename over the final path.
func (s *Store) write(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+t.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for task %s: %w", t.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync task %s: %w", t.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for task %s: %w", t.ID, err)
	}
	if err := os.Rename(tmpName, s.path(t.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename task %s: %w", t.ID, err)
	}
	return nil
}

// Create persists a new task. Fails if the ID already exists.
func (s *Store) Create(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(t.ID)); err == nil {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	return s.write(t)
}

// Get loads a single task by ID.
func (s *Store) Get(id string) (*Task, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse task %s: %w", id, err)
	}
	return &t, nil
}

// List returns all tasks, optionally filtered by state, newest first.
func (s *Store) List(state State) ([]*Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list task dir: %w", err)
	}
	var out []*Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		t, err := s.Get(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.log.Warn("skipping unreadable task file", zap.String("file", name), zap.Error(err))
			continue
		}
		if state != "" && t.State != state {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Transition applies one state-machine action under the store lock and
// persists the result. Invalid actions return InvalidTransitionError with
// the task unchanged on disk.
func (s *Store) Transition(id string, action Action, actor, reason string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := t.apply(action, actor, reason, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Claim transitions a pending task to claimed for a worker. Idempotent per
// (task, worker): claiming a task you already hold succeeds without a new
// history entry. Claims on tasks held by another worker, or not pending,
// return InvalidTransitionError.
func (s *Store) Claim(id, workerID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t.State == StateClaimed && t.Worker == workerID {
		return t, nil
	}
	if err := t.apply(ActionClaim, workerID, "", s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetResult attaches an execution result without changing state.
func (s *Store) SetResult(id string, r *Result) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	t.Result = r
	if err := s.write(t); err != nil {
		return nil, err
	}
	return t, nil
}

// MarkReported flags a terminal-success task as reported to its originator.
func (s *Store) MarkReported(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if t.State != StateCompleted {
		return fmt.Errorf("task %s: reported flag requires completed state, have %s", id, t.State)
	}
	t.Reported = true
	return s.write(t)
}

// Unreported returns completed tasks that have not yet been reported.
func (s *Store) Unreported() ([]*Task, error) {
	completed, err := s.List(StateCompleted)
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range completed {
		if !t.Reported {
			out = append(out, t)
		}
	}
	return out, nil
}

// ExpireClaims unclaims tasks held longer than ClaimTimeout and returns
// them. Called by the maintenance loop.
func (s *Store) ExpireClaims() ([]*Task, error) {
	claimed, err := s.List(StateClaimed)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-ClaimTimeout)
	var expired []*Task
	for _, t := range claimed {
		if t.ClaimedAt == nil || t.ClaimedAt.After(cutoff) {
			continue
		}
		updated, err := s.Transition(t.ID, ActionUnclaim, "service:maintenance", "claim timeout")
		if err != nil {
			s.log.Warn("claim expiry failed", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		expired = append(expired, updated)
	}
	return expired, nil
}

// AbandonStale abandons tasks in progress longer than InProgressTimeout.
func (s *Store) AbandonStale() ([]*Task, error) {
	inProgress, err := s.List(StateInProgress)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-InProgressTimeout)
	var abandoned []*Task
	for _, t := range inProgress {
		// The budget runs from when work actually started, not the claim.
		started := t.CreatedAt
		for i := len(t.History) - 1; i >= 0; i-- {
			if t.History[i].To == StateInProgress {
				started = t.History[i].Timestamp
				break
			}
		}
		if started.After(cutoff) {
			continue
		}
		updated, err := s.Transition(t.ID, ActionAbandon, "service:maintenance", "in-progress timeout")
		if err != nil {
			s.log.Warn("stale abandon failed", zap.String("task", t.ID), zap.Error(err))
			continue
		}
		abandoned = append(abandoned, updated)
	}
	return abandoned, nil
}

// StaleReviews returns tasks sitting in review longer than ReviewEscalation.
// They are not auto-transitioned; the maintenance loop publishes an
// escalation event for each.
func (s *Store) StaleReviews() ([]*Task, error) {
	reviews, err := s.List(StateReview)
	if err != nil {
		return nil, err
	}
	cutoff := s.now().UTC().Add(-ReviewEscalation)
	var stale []*Task
	for _, t := range reviews {
		entered := t.CreatedAt
		for i := len(t.History) - 1; i >= 0; i-- {
			if t.History[i].To == StateReview {
				entered = t.History[i].Timestamp
				break
			}
		}
		if !entered.After(cutoff) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}
