// Package daemon runs the always-on control loops: heartbeat, pulse,
// task-claim, worker-start, dream synthesis, maintenance, and result
// reporting. Loops share no mutable state except through the task store,
// worker registry, and queue bus.
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/audit"
	"github.com/sos-labs/sos/internal/bus"
	"github.com/sos-labs/sos/internal/config"
	"github.com/sos-labs/sos/internal/engine"
	"github.com/sos-labs/sos/internal/memory"
	"github.com/sos-labs/sos/internal/metrics"
	"github.com/sos-labs/sos/internal/notify"
	"github.com/sos-labs/sos/internal/provider"
	"github.com/sos-labs/sos/internal/resilience"
	"github.com/sos-labs/sos/internal/task"
	"github.com/sos-labs/sos/internal/worker"
)

// loopBackoff is how long a loop sleeps after a failed iteration.
const loopBackoff = 10 * time.Second

// Deps bundles everything the loops touch. Constructed once at startup;
// no component owns another.
type Deps struct {
	Cfg      config.Config
	Bus      *bus.Bus
	Tasks    *task.Store
	Workers  *worker.Registry
	Consumer *worker.Consumer
	Engine   *engine.Engine
	Memory   *memory.Client
	Registry *provider.Registry
	Limiter  *resilience.Limiter
	Metrics  *metrics.Metrics
	Notify   *notify.Router
	Audit    *audit.Store
	Log      *zap.Logger
}

// Daemon hosts the loop set.
type Daemon struct {
	deps Deps
	log  *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cron     *cron.Cron

	mu      sync.Mutex
	running map[string]bool
}

// New builds a daemon around its dependencies.
func New(deps Deps) *Daemon {
	return &Daemon{
		deps:    deps,
		log:     deps.Log,
		stop:    make(chan struct{}),
		running: make(map[string]bool),
	}
}

// loop is one scheduled responsibility.
type loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
}

// Run starts every loop and blocks until Stop is called or ctx is
// cancelled. The worker consumer is started, and observed running, before
// the claim loop's first tick so published work always has a consumer.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.deps.Cfg.Loops

	if d.deps.Cfg.Loops.AutoExecuteEnabled && d.deps.Consumer != nil {
		d.startWorker(ctx)
	}

	loops := []loop{
		{"heartbeat", seconds(cfg.HeartbeatInterval), d.heartbeatTick},
		{"pulse", seconds(cfg.PulseInterval), d.pulseTick},
		{"report", seconds(cfg.ReportInterval), d.reportTick},
	}
	if cfg.AutoClaimEnabled {
		loops = append(loops, loop{"task-claim", seconds(cfg.TaskPollingInterval), d.claimTick})
	}

	// Dream and maintenance run on their interval unless a cron override
	// is configured.
	var cronJobs bool
	c := cron.New()
	if cfg.DreamCron != "" {
		if _, err := c.AddFunc(cfg.DreamCron, func() { d.runOnce(ctx, "dream", d.dreamTick) }); err != nil {
			return err
		}
		cronJobs = true
	} else {
		loops = append(loops, loop{"dream", seconds(cfg.DreamInterval), d.dreamTick})
	}
	if cfg.MaintenanceCron != "" {
		if _, err := c.AddFunc(cfg.MaintenanceCron, func() { d.runOnce(ctx, "maintenance", d.maintenanceTick) }); err != nil {
			return err
		}
		cronJobs = true
	} else {
		loops = append(loops, loop{"maintenance", seconds(cfg.MaintenanceInterval), d.maintenanceTick})
	}
	if cronJobs {
		d.cron = c
		c.Start()
	}

	for _, l := range loops {
		d.startLoop(ctx, l)
	}
	d.log.Info("daemon started", zap.Int("loops", len(loops)))

	select {
	case <-ctx.Done():
		d.Stop()
	case <-d.stop:
	}
	d.wg.Wait()
	d.log.Info("daemon stopped")
	return nil
}

// Stop signals every loop to exit at its next sleep boundary.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		if d.cron != nil {
			d.cron.Stop()
		}
	})
}

// LoopsRunning reports the currently live loop names, for heartbeats and
// health checks.
func (d *Daemon) LoopsRunning() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, up := range d.running {
		if up {
			n++
		}
	}
	return n
}

func (d *Daemon) setRunning(name string, up bool) {
	d.mu.Lock()
	d.running[name] = up
	d.mu.Unlock()
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// startLoop runs one loop goroutine: tick, run, sleep. A failed iteration
// logs and backs off; it never takes the loop down.
func (d *Daemon) startLoop(ctx context.Context, l loop) {
	d.setRunning(l.name, true)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.setRunning(l.name, false)

		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()

		// First iteration immediately so a freshly started daemon is not
		// silent for a full interval.
		d.runOnce(ctx, l.name, l.fn)
		for {
			select {
			case <-d.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !d.runOnce(ctx, l.name, l.fn) {
					// Back off after an error without blocking shutdown.
					select {
					case <-d.stop:
						return
					case <-ctx.Done():
						return
					case <-time.After(loopBackoff):
					}
				}
			}
		}
	}()
}

// runOnce executes one iteration and reports success.
func (d *Daemon) runOnce(ctx context.Context, name string, fn func(context.Context) error) bool {
	if err := fn(ctx); err != nil {
		d.deps.Metrics.LoopErrors.WithLabelValues(name).Inc()
		d.log.Error("loop iteration failed", zap.String("loop", name), zap.Error(err))
		return false
	}
	d.deps.Metrics.LoopTicks.WithLabelValues(name).Inc()
	return true
}

// startWorker launches the queue consumer once, before the claim loop
// starts publishing.
func (d *Daemon) startWorker(ctx context.Context) {
	d.setRunning("worker", true)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.setRunning("worker", false)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			<-d.stop
			cancel()
		}()
		if err := d.deps.Consumer.Run(runCtx); err != nil && runCtx.Err() == nil {
			d.log.Error("worker consumer exited", zap.Error(err))
		}
	}()
}
