package secrets

import (
	"bytes"
	"errors"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir(), []byte("master"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Put("openai-key", []byte("sk-secret")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("openai-key")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("sk-secret")) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestWrongMasterKeyFailsAuthentication(t *testing.T) {
	dir := t.TempDir()
	s1, _ := NewStore(dir, []byte("master"))
	s1.Put("k", []byte("v"))

	s2, _ := NewStore(dir, []byte("wrong"))
	if _, err := s2.Get("k"); err == nil {
		t.Fatal("opening with the wrong master key must fail")
	}
}

func TestMissingAndInvalidKeys(t *testing.T) {
	s, _ := NewStore(t.TempDir(), []byte("master"))

	if _, err := s.Get("absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.Put("../escape", []byte("v")); err == nil {
		t.Fatal("path-traversal key names must be rejected")
	}
	if err := s.Delete("absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound on delete, got %v", err)
	}
}

func TestListNamesOnly(t *testing.T) {
	s, _ := NewStore(t.TempDir(), []byte("master"))
	s.Put("b", []byte("2"))
	s.Put("a", []byte("1"))

	names, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestEmptyMasterKeyRejected(t *testing.T) {
	if _, err := NewStore(t.TempDir(), nil); err == nil {
		t.Fatal("empty master key must be rejected")
	}
}
