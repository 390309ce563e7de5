package daemon

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/bus"
	"github.com/sos-labs/sos/internal/config"
	"github.com/sos-labs/sos/internal/engine"
	"github.com/sos-labs/sos/internal/envelope"
	"github.com/sos-labs/sos/internal/memory"
	"github.com/sos-labs/sos/internal/metrics"
	"github.com/sos-labs/sos/internal/provider"
	"github.com/sos-labs/sos/internal/resilience"
	"github.com/sos-labs/sos/internal/task"
	"github.com/sos-labs/sos/internal/worker"
)

type harness struct {
	daemon *Daemon
	tasks  *task.Store
	bus    *bus.Bus
	mock   *provider.Mock
}

func newHarness(t *testing.T, memoryURL string) *harness {
	t.Helper()
	log := zap.NewNop()

	mr := miniredis.RunT(t)
	b := bus.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), log)
	t.Cleanup(func() { b.Close() })

	tasks, err := task.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	workers, err := worker.NewRegistry(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}

	mock := &provider.Mock{Tier: 1, Reply: "synthesized insight"}
	registry := provider.NewRegistry(log, resilience.DefaultBreakerConfig())
	registry.Register("mock", mock)

	cfg := config.Default()
	cfg.AgentID = "genesis"
	cfg.Worker.ID = "genesis-worker"
	cfg.MemoryURL = memoryURL

	mem := memory.NewClient(memoryURL)
	m := metrics.New()
	eng := engine.New(cfg.Engine, cfg.AgentID, registry, tasks, mem, m, log)

	d := New(Deps{
		Cfg:      cfg,
		Bus:      b,
		Tasks:    tasks,
		Workers:  workers,
		Engine:   eng,
		Memory:   mem,
		Registry: registry,
		Limiter:  resilience.NewLimiter(resilience.LimiterConfig{Capacity: 5, RefillPerSecond: 1}),
		Metrics:  m,
		Log:      log,
	})
	return &harness{daemon: d, tasks: tasks, bus: b, mock: mock}
}

func TestCosine(t *testing.T) {
	cases := []struct {
		a, b []float64
		want float64
	}{
		{[]float64{1, 0}, []float64{1, 0}, 1},
		{[]float64{1, 0}, []float64{0, 1}, 0},
		{[]float64{1, 1}, []float64{1, 1}, 1},
		{[]float64{1, 0}, []float64{-1, 0}, -1},
		{nil, []float64{1}, 0},
		{[]float64{1, 2}, []float64{1}, 0},
	}
	for i, c := range cases {
		if got := cosine(c.a, c.b); math.Abs(got-c.want) > 1e-9 {
			t.Errorf("case %d: cosine = %v, want %v", i, got, c.want)
		}
	}
}

func TestClusterBySimilarity(t *testing.T) {
	entries := []memory.Entry{
		{ID: "a", Embedding: []float64{1, 0, 0}},
		{ID: "b", Embedding: []float64{0.99, 0.05, 0}},
		{ID: "c", Embedding: []float64{0.98, 0.1, 0}},
		{ID: "d", Embedding: []float64{0, 1, 0}},
		{ID: "e"}, // no embedding: never clustered
	}
	clusters := clusterBySimilarity(entries, 0.78)
	if len(clusters) != 2 {
		t.Fatalf("want 2 clusters, got %d", len(clusters))
	}
	if len(clusters[0]) != 3 {
		t.Fatalf("similar trio must cluster together: %d members", len(clusters[0]))
	}
	if len(clusters[1]) != 1 || clusters[1][0].ID != "d" {
		t.Fatalf("orthogonal entry must stand alone: %+v", clusters[1])
	}
}

func TestDreamTickStoresSynthesis(t *testing.T) {
	var mu sync.Mutex
	var stored []memory.Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/memories/recent":
			json.NewEncoder(w).Encode([]memory.Entry{
				{ID: "m1", Content: "saw queue spike", Embedding: []float64{1, 0}},
				{ID: "m2", Content: "queue spiked again", Embedding: []float64{0.99, 0.02}},
				{ID: "m3", Content: "queue pressure rising", Embedding: []float64{0.98, 0.04}},
				{ID: "m4", Content: "unrelated", Embedding: []float64{0, 1}},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/memories":
			var e memory.Entry
			json.NewDecoder(r.Body).Decode(&e)
			mu.Lock()
			stored = append(stored, e)
			mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/arf/state":
			json.NewEncoder(w).Encode(memory.ARFState{AlphaDrift: 0.01, Regime: "stable"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	if err := h.daemon.dreamTick(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stored) != 1 {
		t.Fatalf("want exactly 1 dream (cluster of 3), got %d", len(stored))
	}
	dream := stored[0]
	if dream.Kind != memory.KindDream || dream.Content != "synthesized insight" {
		t.Fatalf("unexpected dream %+v", dream)
	}
	if len(dream.Refs) != 3 {
		t.Fatalf("dream must reference all cluster members: %v", dream.Refs)
	}
}

func TestClaimTickPublishesAndClaims(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	tk := task.New("t", "do something", "", "agent:kasra")
	h.tasks.Create(tk)

	if err := h.daemon.claimTick(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := h.tasks.Get(tk.ID)
	if got.State != task.StateClaimed || got.Worker != "genesis-worker" {
		t.Fatalf("task not claimed by the loop: %+v", got)
	}

	depth, _ := h.bus.QueueDepth(ctx, bus.GlobalQueue)
	if depth != 1 {
		t.Fatalf("want 1 queued entry, got %d", depth)
	}

	// Second tick: nothing pending, nothing double-published.
	if err := h.daemon.claimTick(ctx); err != nil {
		t.Fatal(err)
	}
	depth, _ = h.bus.QueueDepth(ctx, bus.GlobalQueue)
	if depth != 1 {
		t.Fatal("claim tick must not republish claimed work")
	}
}

func TestClaimTickBackpressure(t *testing.T) {
	h := newHarness(t, "")
	h.daemon.deps.Cfg.Loops.MaxQueueDepth = 1
	ctx := context.Background()

	// Pre-fill the stream to the limit.
	e, _ := envelope.New(envelope.MsgTaskCreate, "service:test", bus.GlobalQueue, map[string]string{})
	h.bus.Enqueue(ctx, bus.GlobalQueue, e)

	tk := task.New("t", "d", "", "")
	h.tasks.Create(tk)

	if err := h.daemon.claimTick(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := h.tasks.Get(tk.ID)
	if got.State != task.StatePending {
		t.Fatal("backpressure must leave pending tasks unclaimed")
	}
}

func TestHeartbeatTickPublishes(t *testing.T) {
	h := newHarness(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := h.bus.Subscribe(ctx, bus.HeartbeatChannel("genesis"))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.daemon.heartbeatTick(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-msgs:
		if e.Type != envelope.MsgHeartbeat {
			t.Fatalf("want heartbeat, got %s", e.Type)
		}
		var content heartbeatContent
		if err := e.DecodeContent(&content); err != nil {
			t.Fatal(err)
		}
		if content.Status != "alive" {
			t.Fatalf("unexpected heartbeat %+v", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat never arrived")
	}
}

func TestReportTickDeliversAndMarks(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	tk := task.New("list files", "d", "", "agent:kasra")
	h.tasks.Create(tk)
	h.tasks.Claim(tk.ID, "w")
	h.tasks.Transition(tk.ID, task.ActionStart, "w", "")
	h.tasks.Transition(tk.ID, task.ActionSubmit, "w", "")
	h.tasks.SetResult(tk.ID, &task.Result{Output: "files listed"})
	h.tasks.Transition(tk.ID, task.ActionApprove, "service:engine", "")

	if err := h.daemon.reportTick(ctx); err != nil {
		t.Fatal(err)
	}

	// Delivered to the originating agent's direct queue.
	e, err := h.bus.Receive(ctx, "kasra", 100*time.Millisecond)
	if err != nil || e == nil {
		t.Fatalf("no report delivered: %v", err)
	}
	if e.Type != envelope.MsgTaskResult {
		t.Fatalf("want task_result, got %s", e.Type)
	}

	got, _ := h.tasks.Get(tk.ID)
	if !got.Reported {
		t.Fatal("reported flag must be set after delivery")
	}

	// Second tick is a no-op.
	if err := h.daemon.reportTick(ctx); err != nil {
		t.Fatal(err)
	}
	if e, _ := h.bus.Receive(ctx, "kasra", 50*time.Millisecond); e != nil {
		t.Fatal("reported task must not be re-delivered")
	}
}

func TestMaintenanceTickExpiresClaims(t *testing.T) {
	h := newHarness(t, "")
	now := time.Now().UTC()
	h.tasks.WithClock(func() time.Time { return now })

	tk := task.New("t", "d", "", "")
	h.tasks.Create(tk)
	h.tasks.Claim(tk.ID, "w")
	now = now.Add(25 * time.Hour)

	if err := h.daemon.maintenanceTick(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := h.tasks.Get(tk.ID)
	if got.State != task.StatePending {
		t.Fatalf("stale claim must be released, got %s", got.State)
	}
}

func TestRunStopsCleanly(t *testing.T) {
	h := newHarness(t, "")
	// Long intervals so only the immediate first iterations run.
	h.daemon.deps.Cfg.Loops = config.Default().Loops

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- h.daemon.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if h.daemon.LoopsRunning() == 0 {
		t.Fatal("loops should be running")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	if h.daemon.LoopsRunning() != 0 {
		t.Fatal("all loops must be down after stop")
	}
}

func TestOriginAgent(t *testing.T) {
	if originAgent("agent:kasra", "genesis") != "kasra" {
		t.Error("agent origin must extract the name")
	}
	if originAgent("service:engine", "genesis") != "genesis" {
		t.Error("service origin must fall back to the daemon agent")
	}
}
