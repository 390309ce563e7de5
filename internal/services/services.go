// Package services assembles the daemon's component graph: stores, queue
// bus, provider chain, engine, worker consumer, and the capability
// key material. Construction order matters only where noted; components
// otherwise share nothing but their dependencies.
package services

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sos-labs/sos/internal/artifacts"
	"github.com/sos-labs/sos/internal/audit"
	"github.com/sos-labs/sos/internal/bus"
	"github.com/sos-labs/sos/internal/capability"
	"github.com/sos-labs/sos/internal/config"
	"github.com/sos-labs/sos/internal/daemon"
	"github.com/sos-labs/sos/internal/engine"
	"github.com/sos-labs/sos/internal/httpapi"
	"github.com/sos-labs/sos/internal/identity"
	"github.com/sos-labs/sos/internal/memory"
	"github.com/sos-labs/sos/internal/metrics"
	"github.com/sos-labs/sos/internal/notify"
	"github.com/sos-labs/sos/internal/provider"
	"github.com/sos-labs/sos/internal/resilience"
	"github.com/sos-labs/sos/internal/secrets"
	"github.com/sos-labs/sos/internal/task"
	"github.com/sos-labs/sos/internal/worker"
)

// Bundle is the fully wired daemon: every long-lived component plus the
// two run surfaces (loop daemon and HTTP server).
type Bundle struct {
	Cfg config.Config
	Log *zap.Logger

	Bus        *bus.Bus
	Tasks      *task.Store
	Workers    *worker.Registry
	Identities *identity.Store
	Audit      *audit.Store
	Secrets    *secrets.Store
	Artifacts  *artifacts.Store
	Memory     *memory.Client
	Metrics    *metrics.Metrics
	Registry   *provider.Registry
	Engine     *engine.Engine
	Consumer   *worker.Consumer
	Limiter    *resilience.Limiter
	Notify     *notify.Router
	Issuer     *capability.Issuer
	Verifier   *capability.Verifier

	Daemon *daemon.Daemon
	HTTP   *httpapi.Server
}

// Build constructs the component graph. Optional collaborators (audit
// trail, secret store, notification channels) degrade to absent with a
// warning rather than failing startup; the queue bus, task store, and
// key material are load-bearing and their errors abort.
func Build(ctx context.Context, cfg config.Config, version string, log *zap.Logger) (*Bundle, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	b := &Bundle{Cfg: cfg, Log: log}

	b.Bus = bus.New(bus.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, log)

	tasks, err := task.NewStore(cfg.TasksDir(), log)
	if err != nil {
		return nil, err
	}
	b.Tasks = tasks

	workers, err := worker.NewRegistry(cfg.WorkersDir(), log)
	if err != nil {
		return nil, err
	}
	b.Workers = workers

	idents, err := identity.NewStore(filepath.Join(cfg.Home, "identities"))
	if err != nil {
		return nil, err
	}
	b.Identities = idents
	if _, err := idents.Genesis(cfg.AgentID); err != nil {
		return nil, err
	}

	// The audit trail is an optional collaborator: a broken database
	// degrades the daemon, it does not stop it.
	auditStore, err := audit.NewStore(filepath.Join(cfg.Home, "data", "audit.db"))
	if err != nil {
		log.Warn("audit trail unavailable, continuing without it", zap.Error(err))
	} else {
		b.Audit = auditStore
	}

	if masterKey := os.Getenv("SOS_MASTER_KEY"); masterKey != "" {
		sec, err := secrets.NewStore(cfg.SecretsDir(), []byte(masterKey))
		if err != nil {
			log.Warn("secret store unavailable, continuing without it", zap.Error(err))
		} else {
			b.Secrets = sec
		}
	}

	arts, err := artifacts.NewStore(cfg.ArtifactsDir())
	if err != nil {
		return nil, err
	}
	b.Artifacts = arts

	b.Memory = memory.NewClient(cfg.MemoryURL)
	b.Metrics = metrics.New()

	if err := b.buildProviders(); err != nil {
		return nil, err
	}

	b.Limiter = resilience.NewLimiter(resilience.LimiterConfig{
		Capacity:        cfg.RateLimit.Capacity,
		RefillPerSecond: cfg.RateLimit.RefillPerSecond,
	})

	priv, err := capability.LoadOrGenerateKey(cfg.SecretsDir())
	if err != nil {
		return nil, err
	}
	b.Issuer = capability.NewIssuer(cfg.AgentID, priv)
	b.Verifier = capability.NewVerifier(priv.Public().(ed25519.PublicKey))

	b.Engine = engine.New(cfg.Engine, cfg.AgentID, b.Registry, b.Tasks, b.Memory, b.Metrics, log).
		WithArchive(b.Artifacts)

	// The in-process worker submits through the gated HTTP surface, so it
	// carries its own capability. Minted for the daemon's lifetime.
	submitToken, err := b.Issuer.Issue("worker:"+cfg.Worker.ID, capability.ActionToolExecute,
		"engine:"+cfg.AgentID+"/submit", nil, 365*24*time.Hour)
	if err != nil {
		return nil, err
	}
	encodedToken, err := submitToken.Encode()
	if err != nil {
		return nil, err
	}

	executor := worker.NewModelExecutor(b.Registry, "", cfg.WorkerTimeout())
	consumer, err := worker.NewConsumer(worker.ConsumerConfig{
		Queue:     cfg.Worker.Queue,
		WorkerID:  cfg.Worker.ID,
		SubmitURL: cfg.Worker.SubmitURL,
		Token:     encodedToken,
	}, b.Bus, b.Workers, executor, log)
	if err != nil {
		return nil, err
	}
	b.Consumer = consumer

	b.Notify = buildNotifier(cfg, log)

	b.Daemon = daemon.New(daemon.Deps{
		Cfg:      cfg,
		Bus:      b.Bus,
		Tasks:    b.Tasks,
		Workers:  b.Workers,
		Consumer: b.Consumer,
		Engine:   b.Engine,
		Memory:   b.Memory,
		Registry: b.Registry,
		Limiter:  b.Limiter,
		Metrics:  b.Metrics,
		Notify:   b.Notify,
		Audit:    b.Audit,
		Log:      log,
	})

	b.HTTP = httpapi.New(httpapi.Deps{
		Cfg:      cfg,
		Engine:   b.Engine,
		Tasks:    b.Tasks,
		Workers:  b.Workers,
		Registry: b.Registry,
		Bus:      b.Bus,
		Memory:   b.Memory,
		Audit:    b.Audit,
		Limiter:  b.Limiter,
		Metrics:  b.Metrics,
		Verifier: b.Verifier,
		Log:      log,
	}, version)

	// A Redis that is down at startup is reported, not fatal: the bus
	// reconnects on use and /health carries the state meanwhile.
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := b.Bus.Ping(pingCtx); err != nil {
		log.Warn("queue bus unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	return b, nil
}

// buildProviders loads the adapter roster, hydrates missing API keys from
// the secret store, and hooks call observation into the metrics.
func (b *Bundle) buildProviders() error {
	cfgs := provider.DefaultConfigs()
	if b.Cfg.ModelsFile != "" {
		loaded, err := provider.LoadConfigFile(b.Cfg.ModelsFile)
		if err != nil {
			return err
		}
		cfgs = loaded
	}

	// Adapters read keys from the environment at construction, so sealed
	// keys must land in the environment first.
	if b.Secrets != nil {
		for _, cfg := range cfgs {
			if cfg.KeyEnv == "" || os.Getenv(cfg.KeyEnv) != "" {
				continue
			}
			value, err := b.Secrets.Get(cfg.KeyEnv)
			if err != nil {
				if !errors.Is(err, secrets.ErrNotFound) {
					b.Log.Warn("reading sealed provider key failed",
						zap.String("key", cfg.KeyEnv), zap.Error(err))
				}
				continue
			}
			os.Setenv(cfg.KeyEnv, string(value))
			b.Log.Info("provider key hydrated from secret store", zap.String("key", cfg.KeyEnv))
		}
	}

	reg := provider.NewRegistry(b.Log, resilience.DefaultBreakerConfig())
	if err := reg.LoadConfigs(cfgs); err != nil {
		return err
	}
	ready := 0
	for _, m := range reg.Models() {
		if m.Ready {
			ready++
		}
	}
	if ready == 0 {
		return fmt.Errorf("no provider adapter is ready; set an API key or configure a local model")
	}
	reg.OnCall(b.Metrics.ObserveProviderCall)
	b.Registry = reg
	return nil
}

// buildNotifier assembles the notification router from the environment.
// No configured channel means a router that drops everything, which is
// the correct default for local runs.
func buildNotifier(cfg config.Config, log *zap.Logger) *notify.Router {
	var channels []notify.Channel
	if url := os.Getenv("SOS_SLACK_WEBHOOK"); url != "" {
		channels = append(channels, notify.NewSlackChannel(url, cfg.LogEmojis))
	}
	if token := os.Getenv("SOS_TELEGRAM_BOT_TOKEN"); token != "" {
		if chatID := os.Getenv("SOS_TELEGRAM_CHAT_ID"); chatID != "" {
			channels = append(channels, notify.NewTelegramChannel(token, chatID, cfg.LogEmojis))
		} else {
			log.Warn("SOS_TELEGRAM_BOT_TOKEN set without SOS_TELEGRAM_CHAT_ID, channel skipped")
		}
	}
	if url := os.Getenv("SOS_WEBHOOK_URL"); url != "" {
		channels = append(channels, notify.NewWebhookChannel(url, nil))
	}
	if len(channels) > 0 {
		log.Info("notification channels configured", zap.Int("channels", len(channels)))
	}
	return notify.NewRouter(log, channels...)
}

// Close releases everything Build opened, in reverse dependency order.
func (b *Bundle) Close() {
	if b.Audit != nil {
		if err := b.Audit.Close(); err != nil {
			b.Log.Warn("closing audit trail failed", zap.Error(err))
		}
	}
	if b.Bus != nil {
		if err := b.Bus.Close(); err != nil {
			b.Log.Warn("closing queue bus failed", zap.Error(err))
		}
	}
}
