// Package secrets stores small secrets encrypted at rest under
// ${SOS_HOME}/secrets, one .enc file per key. Values are sealed with
// NaCl secretbox under a key derived from the daemon master key via HKDF.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrNotFound is returned for an absent secret key.
var ErrNotFound = errors.New("secret not found")

var keyNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

const (
	nonceSize = 24
	keySize   = 32
)

// Store seals and opens secrets on disk.
type Store struct {
	dir string
	key [keySize]byte
	mu  sync.Mutex
}

// NewStore derives the sealing key from masterKey and opens the directory.
// The master key comes from the environment; it is never written to disk.
func NewStore(dir string, masterKey []byte) (*Store, error) {
	if len(masterKey) == 0 {
		return nil, fmt.Errorf("secret store requires a master key")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	s := &Store{dir: dir}
	kdf := hkdf.New(sha256.New, masterKey, []byte("sos-secret-store"), nil)
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return s, nil
}

func (s *Store) path(key string) (string, error) {
	if !keyNamePattern.MatchString(key) {
		return "", fmt.Errorf("invalid secret key %q", key)
	}
	return filepath.Join(s.dir, key+".enc"), nil
}

// Put seals and stores a secret value under key.
func (s *Store) Put(key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], value, &nonce, &s.key)

	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write secret %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename secret %s: %w", key, err)
	}
	return nil
}

// Get opens and returns a secret value.
func (s *Store) Get(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	sealed, err := os.ReadFile(path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read secret %s: %w", key, err)
	}
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("secret %s is truncated", key)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	value, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("secret %s failed authentication", key)
	}
	return value, nil
}

// Delete removes a secret.
func (s *Store) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("delete secret %s: %w", key, err)
	}
	return nil
}

// List returns all secret key names, sorted. Values are never listed.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list secrets dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".enc") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), ".enc"))
	}
	sort.Strings(out)
	return out, nil
}
