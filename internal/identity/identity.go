// Package identity manages durable agent identities: hatching, lineage,
// and the optional sixteen-dimensional state vector.
package identity

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

	"github.com/google/uuid"
)

// StateVectorDim is the fixed dimensionality of an agent's state vector.
const StateVectorDim = 16

// Polarity is an agent's energy polarity.
type Polarity string

const (
	PolarityYin  Polarity = "yin"
	PolarityYang Polarity = "yang"
)

// ErrNotFound is returned when no identity exists for an ID.
var ErrNotFound = errors.New("identity not found")

// Identity is a durable agent identity. Immutable after hatching except
// for the state vector; removed only by explicit administrative action.
type Identity struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Role        string    `json:"role,omitempty"`
	Polarity    Polarity  `json:"polarity"`
	Lineage     []string  `json:"lineage"` // ancestor ids, genesis first
	Generation  int       `json:"generation"`
	StateVector []float64 `json:"state_vector,omitempty"`
	HatchedAt   time.Time `json:"hatched_at"`
}

// Store is the file-per-identity repository.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore opens (creating if needed) an identity directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) write(ident *Identity) error {
	data, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity %s: %w", ident.ID, err)
	}
	tmp := s.path(ident.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write identity %s: %w", ident.ID, err)
	}
	if err := os.Rename(tmp, s.path(ident.ID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename identity %s: %w", ident.ID, err)
	}
	return nil
}

// Genesis creates the root identity if it does not already exist, and
// returns it either way.
func (s *Store) Genesis(name string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, err := s.get(name); err == nil {
		return existing, nil
	}
	ident := &Identity{
		ID:         name,
		Name:       name,
		Role:       "genesis",
		Polarity:   PolarityYang,
		Lineage:    []string{},
		Generation: 0,
		HatchedAt:  time.Now().UTC(),
	}
	if err := s.write(ident); err != nil {
		return nil, err
	}
	return ident, nil
}

// Hatch creates a child identity from a parent. The child's lineage is the
// parent's lineage plus the parent; polarity alternates from the parent.
func (s *Store) Hatch(parentID, name, role string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parent, err := s.get(parentID)
	if err != nil {
		return nil, fmt.Errorf("hatch from %s: %w", parentID, err)
	}
	polarity := PolarityYin
	if parent.Polarity == PolarityYin {
		polarity = PolarityYang
	}
	lineage := make([]string, 0, len(parent.Lineage)+1)
	lineage = append(lineage, parent.Lineage...)
	lineage = append(lineage, parent.ID)

	ident := &Identity{
		ID:         uuid.NewString(),
		Name:       name,
		Role:       role,
		Polarity:   polarity,
		Lineage:    lineage,
		Generation: parent.Generation + 1,
		HatchedAt:  time.Now().UTC(),
	}
	if err := s.write(ident); err != nil {
		return nil, err
	}
	return ident, nil
}

func (s *Store) get(id string) (*Identity, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read identity %s: %w", id, err)
	}
	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", id, err)
	}
	return &ident, nil
}

// Get loads one identity.
func (s *Store) Get(id string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

// List returns all identities ordered by generation, then name.
func (s *Store) List() ([]*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list identity dir: %w", err)
	}
	var out []*Identity
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ident, err := s.get(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, ident)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Generation != out[j].Generation {
			return out[i].Generation < out[j].Generation
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// SetStateVector replaces the identity's state vector. The vector must be
// exactly sixteen-dimensional.
func (s *Store) SetStateVector(id string, v []float64) error {
	if len(v) != StateVectorDim {
		return fmt.Errorf("state vector must have %d dimensions, got %d", StateVectorDim, len(v))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, err := s.get(id)
	if err != nil {
		return err
	}
	ident.StateVector = append([]float64(nil), v...)
	return s.write(ident)
}

// Terminate removes an identity. Administrative action only.
func (s *Store) Terminate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("terminate identity %s: %w", id, err)
	}
	return nil
}
