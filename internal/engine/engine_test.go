package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/config"
	"github.com/sos-labs/sos/internal/memory"
	"github.com/sos-labs/sos/internal/metrics"
	"github.com/sos-labs/sos/internal/provider"
	"github.com/sos-labs/sos/internal/resilience"
	"github.com/sos-labs/sos/internal/task"
)

func testEngine(t *testing.T, mock *provider.Mock) (*Engine, *task.Store) {
	t.Helper()
	reg := provider.NewRegistry(zap.NewNop(), resilience.DefaultBreakerConfig())
	if mock != nil {
		reg.Register("mock", mock)
	}
	tasks, err := task.NewStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default().Engine
	e := New(cfg, "genesis", reg, tasks, memory.NewClient(""), metrics.New(), zap.NewNop())
	return e, tasks
}

func TestOmega(t *testing.T) {
	cases := []struct {
		latency time.Duration
		want    float64
	}{
		{0, 1.0},
		{time.Second, math.Exp(-0.693)},
		{2 * time.Second, math.Exp(-1.386)},
	}
	for _, c := range cases {
		if got := Omega(c.latency); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("Omega(%v) = %v, want %v", c.latency, got, c.want)
		}
	}
}

func TestChatAnswersSynchronously(t *testing.T) {
	e, tasks := testEngine(t, &provider.Mock{Tier: 1, Reply: "hello there"})

	resp, accepted, err := e.HandleChat(context.Background(), ChatRequest{Message: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if accepted != nil {
		t.Fatal("short greeting must not spawn a task")
	}
	if resp.Content != "hello there" {
		t.Fatalf("unexpected content %q", resp.Content)
	}
	if resp.Omega <= 0 || resp.Omega > 1 {
		t.Fatalf("omega out of range: %v", resp.Omega)
	}

	pending, _ := tasks.List(task.StatePending)
	if len(pending) != 0 {
		t.Fatal("no task should exist after a synchronous chat")
	}
}

func TestChatSpawnsTaskOnVerb(t *testing.T) {
	e, tasks := testEngine(t, &provider.Mock{Tier: 1})

	resp, accepted, err := e.HandleChat(context.Background(), ChatRequest{
		Message: "Build a Python script that lists files",
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil || accepted == nil {
		t.Fatal("imperative message must spawn a task")
	}
	if accepted.Status != "accepted" {
		t.Fatalf("unexpected status %q", accepted.Status)
	}

	got, err := tasks.Get(accepted.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StatePending || got.Origin != "agent:genesis" {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestChatSpawnHeuristics(t *testing.T) {
	e, _ := testEngine(t, &provider.Mock{Tier: 1})

	cases := []struct {
		req  ChatRequest
		want bool
	}{
		{ChatRequest{Message: "hi"}, false},
		{ChatRequest{Message: ""}, false},
		{ChatRequest{Message: "", Task: true}, true}, // the explicit flag wins
		{ChatRequest{Message: "hi", Task: true}, true},
		{ChatRequest{Message: "please DEPLOY the new version"}, true},
		{ChatRequest{Message: string(make([]byte, 401))}, true},
	}
	for i, c := range cases {
		if got := e.shouldSpawnTask(c.req); got != c.want {
			t.Errorf("case %d: shouldSpawnTask = %v, want %v", i, got, c.want)
		}
	}
}

func TestChatExplicitTaskWithEmptyMessage(t *testing.T) {
	e, tasks := testEngine(t, &provider.Mock{Tier: 1})

	resp, accepted, err := e.HandleChat(context.Background(), ChatRequest{Task: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp != nil || accepted == nil {
		t.Fatal("explicit task request must spawn even without a message")
	}

	got, err := tasks.Get(accepted.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "untitled task" {
		t.Fatalf("empty message must get the placeholder title, got %q", got.Title)
	}
}

func TestChatAllProvidersFailed(t *testing.T) {
	e, _ := testEngine(t, nil) // empty registry

	_, _, err := e.HandleChat(context.Background(), ChatRequest{Message: "hi"})
	if _, ok := err.(*provider.AllProvidersFailedError); !ok {
		t.Fatalf("want AllProvidersFailedError, got %v", err)
	}
}

func TestSubmitAutoApproves(t *testing.T) {
	e, tasks := testEngine(t, &provider.Mock{Tier: 1})

	tk := task.New("t", "d", "", "agent:genesis")
	tasks.Create(tk)
	tasks.Claim(tk.ID, "worker:w1")

	got, err := e.Submit(context.Background(), tk.ID, &task.Result{Output: "done", Status: "success"})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != task.StateCompleted {
		t.Fatalf("want completed, got %s", got.State)
	}
	if got.Result == nil || got.Result.Output != "done" {
		t.Fatalf("result missing: %+v", got.Result)
	}
	// claimed → in_progress → review → completed, on top of the claim.
	if len(got.History) != 4 {
		t.Fatalf("want 4 transitions, got %d: %+v", len(got.History), got.History)
	}
}

func TestSubmitUnknownTask(t *testing.T) {
	e, _ := testEngine(t, &provider.Mock{Tier: 1})
	if _, err := e.Submit(context.Background(), "ghost", &task.Result{}); err == nil {
		t.Fatal("submitting an unknown task must fail")
	}
}

func TestWitnessWaveLifecycle(t *testing.T) {
	e, _ := testEngine(t, &provider.Mock{Tier: 1, Reply: "ok"})

	_, _, err := e.HandleChat(context.Background(), ChatRequest{Message: "hi", ConversationID: "conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if e.Waves().Pending() != 1 {
		t.Fatal("handled chat must open a pending wave")
	}

	if !e.Waves().Collapse("conv-1", 1) {
		t.Fatal("collapse of a pending wave must succeed")
	}
	if e.Waves().Collapse("conv-1", -1) {
		t.Fatal("double collapse must fail")
	}
	if e.Waves().Pending() != 0 {
		t.Fatal("collapsed wave must not count as pending")
	}

	if reaped := e.Waves().Reap(time.Hour); reaped != 1 {
		t.Fatalf("want 1 reaped wave, got %d", reaped)
	}
}

func TestARFOverlaysPendingWitness(t *testing.T) {
	e, _ := testEngine(t, &provider.Mock{Tier: 1, Reply: "ok"})
	e.Waves().Open("genesis", "conv-1")
	e.Waves().Open("genesis", "conv-2")

	st, err := e.ARF(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.PendingWitness != 2 {
		t.Fatalf("want 2 pending witnesses, got %d", st.PendingWitness)
	}
}
