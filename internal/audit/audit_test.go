package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryDecisions(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		err := s.RecordDecision(Decision{
			Subject:  "agent:kasra",
			Action:   "memory:read",
			Resource: "memory:agent:kasra/*",
			Allowed:  i != 0,
			Reason:   "OK",
			Strict:   true,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	s.RecordDecision(Decision{Subject: "agent:other", Action: "tool:execute", Resource: "x", Allowed: true, Reason: "OK"})

	decisions, err := s.RecentDecisions("agent:kasra", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 3 {
		t.Fatalf("want 3 decisions for subject, got %d", len(decisions))
	}
	for _, d := range decisions {
		if d.Subject != "agent:kasra" {
			t.Fatal("subject filter leaked another agent's decisions")
		}
	}

	denied, err := s.DeniedCount("agent:kasra", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if denied != 1 {
		t.Fatalf("want 1 denial, got %d", denied)
	}
}

func TestRecordRequest(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordRequest(RequestEntry{
		Method:    "POST",
		Route:     "/chat",
		Subject:   "agent:kasra",
		Status:    200,
		LatencyMS: 42,
		TraceID:   "abc",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(); err != nil {
		t.Fatal(err)
	}
}

func TestPruneKeepsRecent(t *testing.T) {
	s := newTestStore(t)
	s.RecordDecision(Decision{Subject: "a", Action: "x", Resource: "r", Allowed: true, Reason: "OK"})

	if err := s.Prune(); err != nil {
		t.Fatal(err)
	}
	decisions, _ := s.RecentDecisions("a", 10)
	if len(decisions) != 1 {
		t.Fatal("prune must not drop recent entries")
	}
}
