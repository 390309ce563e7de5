// Package worker implements the executor side of the platform: the
// reputation registry, the queue consumer, and the default model-calling
// executor.
package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tier is a worker reputation tier.
type Tier string

const (
	TierNovice     Tier = "novice"
	TierApprentice Tier = "apprentice"
	TierJourneyman Tier = "journeyman"
	TierExpert     Tier = "expert"
	TierMaster     Tier = "master"
)

// Record is one registered executor's history.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tier      Tier      `json:"tier"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	Earnings  int64     `json:"earnings"` // micro-units
	Retired   bool      `json:"retired,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuccessRate computes completed/(completed+failed). Workers with fewer
// than 5 outcomes score 1.0 so a single early failure does not bury them.
func (r *Record) SuccessRate() float64 {
	total := r.Completed + r.Failed
	if total < 5 {
		return 1.0
	}
	return float64(r.Completed) / float64(total)
}

// computeTier applies the tier ladder to a record's history.
func computeTier(completed int64, successRate float64) Tier {
	switch {
	case completed >= 500 && successRate >= 0.92:
		return TierMaster
	case completed >= 200 && successRate >= 0.85:
		return TierExpert
	case completed >= 50 && successRate >= 0.75:
		return TierJourneyman
	case completed >= 10 && successRate >= 0.6:
		return TierApprentice
	default:
		return TierNovice
	}
}

// Registry persists worker records in a single registry.json, written
// atomically like task files. Records are never deleted; retirement is a
// flag.
type Registry struct {
	path string
	log  *zap.Logger

	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewRegistry loads (or initializes) the registry file under dir.
func NewRegistry(dir string, log *zap.Logger) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker dir: %w", err)
	}
	r := &Registry{
		path:    filepath.Join(dir, "registry.json"),
		log:     log,
		records: make(map[string]*Record),
		now:     time.Now,
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read worker registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.records); err != nil {
		return nil, fmt.Errorf("parse worker registry: %w", err)
	}
	return r, nil
}

// WithClock overrides the registry clock for tests.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// save writes the registry atomically. Callers hold r.mu.
func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal worker registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write worker registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename worker registry: %w", err)
	}
	return nil
}

// Register creates a record on first sight; repeat registration refreshes
// the display name only.
func (r *Registry) Register(id, name string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		if name != "" && name != rec.Name {
			rec.Name = name
			rec.UpdatedAt = r.now().UTC()
			if err := r.save(); err != nil {
				return nil, err
			}
		}
		return rec, nil
	}
	now := r.now().UTC()
	rec := &Record{
		ID: id, Name: name, Tier: TierNovice,
		CreatedAt: now, UpdatedAt: now,
	}
	r.records[id] = rec
	if err := r.save(); err != nil {
		return nil, err
	}
	r.log.Info("worker registered", zap.String("worker", id), zap.String("name", name))
	return rec, nil
}

// RecordCompletion counts a success and credits earnings, recomputing the
// tier.
func (r *Registry) RecordCompletion(id string, earnings int64) (*Record, error) {
	return r.mutate(id, func(rec *Record) {
		rec.Completed++
		rec.Earnings += earnings
	})
}

// RecordFailure counts a failure, recomputing the tier.
func (r *Registry) RecordFailure(id string) (*Record, error) {
	return r.mutate(id, func(rec *Record) {
		rec.Failed++
	})
}

// Retire tombstones a worker. The maintenance loop prunes retired workers
// with no history.
func (r *Registry) Retire(id string) error {
	_, err := r.mutate(id, func(rec *Record) {
		rec.Retired = true
	})
	return err
}

func (r *Registry) mutate(id string, fn func(*Record)) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("worker %s not registered", id)
	}
	fn(rec)
	before := rec.Tier
	rec.Tier = computeTier(rec.Completed, rec.SuccessRate())
	rec.UpdatedAt = r.now().UTC()
	if err := r.save(); err != nil {
		return nil, err
	}
	if rec.Tier != before {
		r.log.Info("worker tier changed",
			zap.String("worker", id),
			zap.String("from", string(before)),
			zap.String("to", string(rec.Tier)))
	}
	return rec, nil
}

// Get returns one worker record.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// List returns records, optionally filtered by tier, ordered by ID.
func (r *Registry) List(tier Tier) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Record
	for _, rec := range r.records {
		if tier != "" && rec.Tier != tier {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PruneRetired removes retired workers that never completed anything.
// Workers with history stay tombstoned for the record.
func (r *Registry) PruneRetired() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, rec := range r.records {
		if rec.Retired && rec.Completed == 0 && rec.Failed == 0 {
			delete(r.records, id)
			pruned++
		}
	}
	if pruned > 0 {
		if err := r.save(); err != nil {
			return 0, err
		}
	}
	return pruned, nil
}
