// Package artifacts is the content-addressed store for task deliverables:
// one directory per content ID holding a manifest and the stored files.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// ErrNotFound is returned for an absent artifact.
var ErrNotFound = errors.New("artifact not found")

var fileNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// File describes one stored file inside an artifact.
type File struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Manifest describes an artifact bundle.
type Manifest struct {
	CID       string            `json:"cid"`
	TaskID    string            `json:"task_id,omitempty"`
	Creator   string            `json:"creator,omitempty"`
	Files     []File            `json:"files"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store lays artifacts out under root as <cid>/{manifest.json, files/...}.
type Store struct {
	root string
}

// NewStore opens (creating if needed) the artifact root.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put stores a set of named file contents as one artifact. The CID is the
// hex SHA-256 over the sorted (name, content-hash) pairs, so identical
// bundles share an ID and Put is idempotent.
func (s *Store) Put(taskID, creator string, files map[string][]byte, labels map[string]string) (*Manifest, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("artifact needs at least one file")
	}

	names := make([]string, 0, len(files))
	for name := range files {
		if !fileNamePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid artifact file name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	bundle := sha256.New()
	manifest := &Manifest{
		TaskID:    taskID,
		Creator:   creator,
		Labels:    labels,
		CreatedAt: time.Now().UTC(),
	}
	for _, name := range names {
		sum := sha256.Sum256(files[name])
		fmt.Fprintf(bundle, "%s\x00%x\x00", name, sum)
		manifest.Files = append(manifest.Files, File{
			Name:   name,
			Size:   int64(len(files[name])),
			SHA256: hex.EncodeToString(sum[:]),
		})
	}
	manifest.CID = hex.EncodeToString(bundle.Sum(nil))

	dir := filepath.Join(s.root, manifest.CID)
	if _, err := os.Stat(filepath.Join(dir, "manifest.json")); err == nil {
		return s.Get(manifest.CID) // already stored
	}

	tmp, err := os.MkdirTemp(s.root, ".put-*")
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	defer os.RemoveAll(tmp)

	filesDir := filepath.Join(tmp, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, fmt.Errorf("stage artifact files: %w", err)
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(filesDir, name), files[name], 0o644); err != nil {
			return nil, fmt.Errorf("stage %s: %w", name, err)
		}
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "manifest.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err := os.Rename(tmp, dir); err != nil {
		if _, statErr := os.Stat(dir); statErr == nil {
			return s.Get(manifest.CID) // concurrent Put won the rename
		}
		return nil, fmt.Errorf("commit artifact %s: %w", manifest.CID, err)
	}
	return manifest, nil
}

// Get loads an artifact manifest by CID.
func (s *Store) Get(cid string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.root, cid, "manifest.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
		}
		return nil, fmt.Errorf("read manifest %s: %w", cid, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", cid, err)
	}
	return &m, nil
}

// Open returns the content of one file inside an artifact, verifying its
// recorded hash.
func (s *Store) Open(cid, name string) ([]byte, error) {
	m, err := s.Get(cid)
	if err != nil {
		return nil, err
	}
	var want string
	for _, f := range m.Files {
		if f.Name == name {
			want = f.SHA256
			break
		}
	}
	if want == "" {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, name, cid)
	}
	data, err := os.ReadFile(filepath.Join(s.root, cid, "files", name))
	if err != nil {
		return nil, fmt.Errorf("read artifact file %s: %w", name, err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != want {
		return nil, fmt.Errorf("artifact file %s in %s is corrupt", name, cid)
	}
	return data, nil
}

// List returns all stored manifests, newest first.
func (s *Store) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list artifact root: %w", err)
	}
	var out []*Manifest
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		m, err := s.Get(e.Name())
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
