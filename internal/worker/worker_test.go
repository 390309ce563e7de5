package worker

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/bus"
	"github.com/sos-labs/sos/internal/capability"
	"github.com/sos-labs/sos/internal/envelope"
	"github.com/sos-labs/sos/internal/provider"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestTierLadder(t *testing.T) {
	cases := []struct {
		completed int64
		rate      float64
		want      Tier
	}{
		{0, 1.0, TierNovice},
		{9, 1.0, TierNovice},
		{10, 0.6, TierApprentice},
		{10, 0.59, TierNovice},
		{50, 0.75, TierJourneyman},
		{50, 0.74, TierApprentice},
		{200, 0.85, TierExpert},
		{500, 0.92, TierMaster},
		{500, 0.91, TierExpert},
	}
	for _, c := range cases {
		if got := computeTier(c.completed, c.rate); got != c.want {
			t.Errorf("computeTier(%d, %v) = %s, want %s", c.completed, c.rate, got, c.want)
		}
	}
}

func TestSuccessRateSmoothing(t *testing.T) {
	// Under 5 outcomes a worker scores 1.0 regardless of failures.
	r := &Record{Completed: 1, Failed: 3}
	if r.SuccessRate() != 1.0 {
		t.Fatalf("want smoothed 1.0, got %v", r.SuccessRate())
	}
	r = &Record{Completed: 3, Failed: 2}
	if r.SuccessRate() != 0.6 {
		t.Fatalf("want 0.6 at 5 outcomes, got %v", r.SuccessRate())
	}
}

func TestRegistryLifecycle(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRegistry(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	rec, err := r.Register("w1", "atlas")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Tier != TierNovice {
		t.Fatalf("new worker must be novice, got %s", rec.Tier)
	}

	for i := 0; i < 10; i++ {
		if rec, err = r.RecordCompletion("w1", 1000); err != nil {
			t.Fatal(err)
		}
	}
	if rec.Tier != TierApprentice || rec.Earnings != 10000 {
		t.Fatalf("after 10 completions: %+v", rec)
	}

	// Tier holds invariant 4 after failures too.
	for i := 0; i < 10; i++ {
		rec, _ = r.RecordFailure("w1")
	}
	want := computeTier(rec.Completed, rec.SuccessRate())
	if rec.Tier != want {
		t.Fatalf("tier %s diverged from computed %s", rec.Tier, want)
	}

	// Registry survives a reload.
	r2, err := NewRegistry(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := r2.Get("w1")
	if !ok || got.Completed != 10 || got.Failed != 10 {
		t.Fatalf("reload lost history: %+v", got)
	}
}

func TestMutateUnknownWorker(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.RecordCompletion("ghost", 0); err == nil {
		t.Fatal("mutating an unregistered worker must fail")
	}
}

func TestListByTier(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("a", "a")
	r.Register("b", "b")
	for i := 0; i < 10; i++ {
		r.RecordCompletion("b", 0)
	}

	novices := r.List(TierNovice)
	if len(novices) != 1 || novices[0].ID != "a" {
		t.Fatalf("unexpected novices: %+v", novices)
	}
	if len(r.List("")) != 2 {
		t.Fatal("unfiltered list must return everyone")
	}
}

func TestPruneRetired(t *testing.T) {
	r := newTestRegistry(t)
	r.Register("idle", "idle")
	r.Register("veteran", "veteran")
	r.RecordCompletion("veteran", 0)
	r.Retire("idle")
	r.Retire("veteran")

	pruned, err := r.PruneRetired()
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Fatalf("want 1 pruned, got %d", pruned)
	}
	if _, ok := r.Get("veteran"); !ok {
		t.Fatal("retired worker with history must stay tombstoned")
	}
}

type scriptedExecutor struct {
	result *ExecResult
	err    error
	calls  atomic.Int32
}

func (s *scriptedExecutor) Execute(ctx context.Context, p TaskPayload) (*ExecResult, error) {
	s.calls.Add(1)
	return s.result, s.err
}

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.NewWithClient(rdb, zap.NewNop())
	t.Cleanup(func() { b.Close() })
	return b
}

func enqueueTask(t *testing.T, b *bus.Bus, payload TaskPayload) {
	t.Helper()
	e, err := envelope.New(envelope.MsgTaskCreate, "service:daemon", bus.GlobalQueue, payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Enqueue(context.Background(), bus.GlobalQueue, e); err != nil {
		t.Fatal(err)
	}
}

func TestConsumerSubmitsResult(t *testing.T) {
	var submitted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/task-1/submit" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		submitted.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := newTestBus(t)
	reg := newTestRegistry(t)
	exec := &scriptedExecutor{result: &ExecResult{Output: "done", Status: "success"}}
	c, err := NewConsumer(ConsumerConfig{
		WorkerID:  "w1",
		SubmitURL: srv.URL,
		Block:     20 * time.Millisecond,
	}, b, reg, exec, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	enqueueTask(t, b, TaskPayload{TaskID: "task-1", Description: "do it"})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for submitted.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if submitted.Load() != 1 {
		t.Fatal("result was never submitted")
	}

	rec, _ := reg.Get("w1")
	if rec.Completed != 1 {
		t.Fatalf("completion not recorded: %+v", rec)
	}
}

func TestConsumerRecordsExecutorFailure(t *testing.T) {
	b := newTestBus(t)
	reg := newTestRegistry(t)
	exec := &scriptedExecutor{err: errors.New("model exploded")}
	c, err := NewConsumer(ConsumerConfig{
		WorkerID:  "w1",
		SubmitURL: "http://127.0.0.1:0",
		Block:     20 * time.Millisecond,
	}, b, reg, exec, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	enqueueTask(t, b, TaskPayload{TaskID: "task-1", Description: "do it"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, _ := reg.Get("w1"); rec != nil && rec.Failed == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("executor failure never recorded against the worker")
}

func TestSubmitStopsOnClientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	b := newTestBus(t)
	reg := newTestRegistry(t)
	c, err := NewConsumer(ConsumerConfig{
		WorkerID:  "w1",
		SubmitURL: srv.URL,
	}, b, reg, &scriptedExecutor{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }

	if err := c.submit(context.Background(), "t", &ExecResult{}); err == nil {
		t.Fatal("409 must surface as an error")
	}
	if hits.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", hits.Load())
	}
}

func TestSubmitPresentsCapability(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	issuer := capability.NewIssuer("genesis", priv)
	verifier := capability.NewVerifier(priv.Public().(ed25519.PublicKey))

	tok, err := issuer.Issue("worker:w1", capability.ActionToolExecute, "engine:genesis/submit", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := tok.Encode()
	if err != nil {
		t.Fatal(err)
	}

	// The server enforces the capability the way the engine does in
	// strict mode: no valid token, no submit.
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		decoded, err := capability.Decode(raw)
		if err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if ok, _ := verifier.Verify(decoded, capability.ActionToolExecute, "engine:genesis/submit"); !ok {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		accepted.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := newTestBus(t)
	reg := newTestRegistry(t)

	withToken, err := NewConsumer(ConsumerConfig{
		WorkerID:  "w1",
		SubmitURL: srv.URL,
		Token:     encoded,
	}, b, reg, &scriptedExecutor{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := withToken.submit(context.Background(), "task-1", &ExecResult{Output: "done"}); err != nil {
		t.Fatalf("submit with a valid capability must be accepted: %v", err)
	}
	if accepted.Load() != 1 {
		t.Fatalf("want 1 accepted submit, got %d", accepted.Load())
	}

	withoutToken, err := NewConsumer(ConsumerConfig{
		WorkerID:  "w2",
		SubmitURL: srv.URL,
	}, b, reg, &scriptedExecutor{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	withoutToken.sleep = func(context.Context, time.Duration) error { return nil }
	if err := withoutToken.submit(context.Background(), "task-1", &ExecResult{Output: "done"}); err == nil {
		t.Fatal("tokenless submit must be refused by the enforcing server")
	}
}

func TestSubmitRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := newTestBus(t)
	reg := newTestRegistry(t)
	c, err := NewConsumer(ConsumerConfig{WorkerID: "w1", SubmitURL: srv.URL}, b, reg, &scriptedExecutor{}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }

	if err := c.submit(context.Background(), "t", &ExecResult{Output: "x"}); err != nil {
		t.Fatalf("submit should succeed on the third attempt: %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("want 3 attempts, got %d", hits.Load())
	}
}

type fakeGenerator struct {
	lastPrompt string
	lastOpts   provider.Options
	err        error
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts provider.Options) (*provider.Response, error) {
	f.lastPrompt = prompt
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Response{Content: "deliverable", Model: "cheap-model"}, nil
}

func TestModelExecutorPrompts(t *testing.T) {
	gen := &fakeGenerator{}
	exec := NewModelExecutor(gen, "cheap-model", time.Second)

	res, err := exec.Execute(context.Background(), TaskPayload{TaskID: "t1", Description: "write a haiku"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "deliverable" || res.ModelUsed != "cheap-model" || res.Status != "success" {
		t.Fatalf("unexpected result %+v", res)
	}
	if gen.lastPrompt != "write a haiku" || gen.lastOpts.Model != "cheap-model" {
		t.Fatalf("prompt or model preference not forwarded: %q %+v", gen.lastPrompt, gen.lastOpts)
	}
}

func TestModelExecutorRejectsEmptyTask(t *testing.T) {
	exec := NewModelExecutor(&fakeGenerator{}, "", time.Second)
	if _, err := exec.Execute(context.Background(), TaskPayload{TaskID: "t"}); err == nil {
		t.Fatal("empty payload must not be executed")
	}
}

func TestModelExecutorPropagatesProviderFailure(t *testing.T) {
	gen := &fakeGenerator{err: &provider.AllProvidersFailedError{}}
	exec := NewModelExecutor(gen, "", time.Second)
	_, err := exec.Execute(context.Background(), TaskPayload{TaskID: "t", Title: "x"})
	var all *provider.AllProvidersFailedError
	if !errors.As(err, &all) {
		t.Fatalf("provider failure must propagate, got %v", err)
	}
}
