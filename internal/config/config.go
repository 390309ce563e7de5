// Package config provides configuration loading for the SOS daemon.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	// Listen address for the engine HTTP surface (default "127.0.0.1:6060")
	ListenAddr string `json:"listen_addr"`

	// Home is the root for task files, secrets, artifacts (default "~/.sos")
	Home string `json:"home"`

	// AgentID is the identity this daemon runs as (default "genesis")
	AgentID string `json:"agent_id"`

	// StrictCapabilities returns 403 on capability failure instead of logging.
	StrictCapabilities bool `json:"strict_capabilities"`

	// LogEmojis keeps decorative glyphs in notification text.
	LogEmojis bool `json:"log_emojis"`

	// LogLevel (debug, info, warn, error)
	LogLevel string `json:"log_level"`

	// Redis connection for the queue bus.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db"`

	// Loop configuration.
	Loops LoopConfig `json:"loops,omitempty"`

	// Worker configuration.
	Worker WorkerConfig `json:"worker,omitempty"`

	// ModelsFile is an optional YAML file declaring provider layers.
	ModelsFile string `json:"models_file,omitempty"`

	// External collaborator endpoints.
	MemoryURL   string            `json:"memory_url,omitempty"`
	EconomyURL  string            `json:"economy_url,omitempty"`
	ToolsURL    string            `json:"tools_url,omitempty"`
	AdapterURLs map[string]string `json:"adapter_urls,omitempty"`

	// OTLPEndpoint enables tracing when set (host:port).
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// RateLimit configures the per-subject token buckets.
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`

	// Engine heuristics.
	Engine EngineConfig `json:"engine,omitempty"`
}

// LoopConfig holds scheduled-loop intervals and kill switches.
type LoopConfig struct {
	// TaskPollingInterval is the claim-loop period in seconds (default 60).
	TaskPollingInterval int `json:"task_polling_interval"`

	// HeartbeatInterval in seconds (default 300).
	HeartbeatInterval int `json:"heartbeat_interval"`

	// PulseInterval in seconds (default 60).
	PulseInterval int `json:"pulse_interval"`

	// DreamInterval in seconds (default 1800).
	DreamInterval int `json:"dream_interval"`

	// MaintenanceInterval in seconds (default 86400).
	MaintenanceInterval int `json:"maintenance_interval"`

	// ReportInterval in seconds (default 300).
	ReportInterval int `json:"report_interval"`

	// MaintenanceCron, when set, overrides MaintenanceInterval with a
	// standard cron expression (e.g. "0 4 * * *").
	MaintenanceCron string `json:"maintenance_cron,omitempty"`

	// DreamCron, when set, overrides DreamInterval.
	DreamCron string `json:"dream_cron,omitempty"`

	// Kill switches (default all true).
	AutoClaimEnabled   bool `json:"auto_claim_enabled"`
	AutoExecuteEnabled bool `json:"auto_execute_enabled"`
	AutoReportEnabled  bool `json:"auto_report_enabled"`

	// MaxQueueDepth suspends claim-loop publishing above this stream length.
	MaxQueueDepth int64 `json:"max_queue_depth"`
}

// WorkerConfig configures the in-process queue consumer.
type WorkerConfig struct {
	// Queue is the stream the worker consumes (default "sos:queue:global").
	Queue string `json:"queue"`

	// TimeoutSeconds bounds a single task execution (default 300).
	TimeoutSeconds int `json:"timeout_seconds"`

	// ID identifies this worker in the registry (default "<agent_id>-worker").
	ID string `json:"id,omitempty"`

	// SubmitURL is where results are POSTed (default derived from ListenAddr).
	SubmitURL string `json:"submit_url,omitempty"`
}

// RateLimitConfig configures the per-(subject,action) token buckets.
type RateLimitConfig struct {
	// Capacity is the bucket size (default 30).
	Capacity float64 `json:"capacity"`

	// RefillPerSecond is the sustained rate (default 0.5).
	RefillPerSecond float64 `json:"refill_per_second"`

	// IdleReap is how long an untouched bucket survives, seconds (default 3600).
	IdleReapSeconds int `json:"idle_reap_seconds"`
}

// EngineConfig holds chat-orchestration heuristics.
type EngineConfig struct {
	// TaskLengthThreshold auto-spawns a task for longer messages (default 400).
	TaskLengthThreshold int `json:"task_length_threshold"`

	// TaskVerbs are imperative verbs that auto-spawn a task.
	TaskVerbs []string `json:"task_verbs,omitempty"`

	// ModelTimeoutSeconds bounds a single model call (default 30).
	ModelTimeoutSeconds int `json:"model_timeout_seconds"`

	// MaxInFlightChat bounds concurrent /chat requests (default 64).
	MaxInFlightChat int `json:"max_in_flight_chat"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ListenAddr: "127.0.0.1:6060",
		Home:       filepath.Join(home, ".sos"),
		AgentID:    "genesis",
		LogLevel:   "info",
		LogEmojis:  true,
		RedisAddr:  "127.0.0.1:6379",
		Loops: LoopConfig{
			TaskPollingInterval: 60,
			HeartbeatInterval:   300,
			PulseInterval:       60,
			DreamInterval:       1800,
			MaintenanceInterval: 86400,
			ReportInterval:      300,
			AutoClaimEnabled:    true,
			AutoExecuteEnabled:  true,
			AutoReportEnabled:   true,
			MaxQueueDepth:       1000,
		},
		Worker: WorkerConfig{
			Queue:          "sos:queue:global",
			TimeoutSeconds: 300,
		},
		RateLimit: RateLimitConfig{
			Capacity:        30,
			RefillPerSecond: 0.5,
			IdleReapSeconds: 3600,
		},
		Engine: EngineConfig{
			TaskLengthThreshold: 400,
			TaskVerbs:           []string{"build", "implement", "deploy", "refactor", "create", "write", "fix", "migrate"},
			ModelTimeoutSeconds: 30,
			MaxInFlightChat:     64,
		},
	}
}

// Load reads configuration from a file, then overlays environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Worker.ID == "" {
		cfg.Worker.ID = cfg.AgentID + "-worker"
	}
	if cfg.Worker.SubmitURL == "" {
		cfg.Worker.SubmitURL = "http://" + cfg.ListenAddr
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SOS_HOME"); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv("SOS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SOS_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("SOS_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SOS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SOS_MEMORY_URL"); v != "" {
		cfg.MemoryURL = v
	}
	if v := os.Getenv("SOS_STRICT_CAPABILITIES"); v != "" {
		cfg.StrictCapabilities = v == "1" || v == "true"
	}
	if v := os.Getenv("SOS_LOG_EMOJIS"); v != "" {
		cfg.LogEmojis = v == "1" || v == "true"
	}
	if v := os.Getenv("SOS_TASK_POLLING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Loops.TaskPollingInterval = n
		}
	}
	if v := os.Getenv("SOS_AUTO_CLAIM_ENABLED"); v != "" {
		cfg.Loops.AutoClaimEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("SOS_AUTO_EXECUTE_ENABLED"); v != "" {
		cfg.Loops.AutoExecuteEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("SOS_AUTO_REPORT_ENABLED"); v != "" {
		cfg.Loops.AutoReportEnabled = v == "1" || v == "true"
	}
	if v := os.Getenv("SOS_WORKER_QUEUE"); v != "" {
		cfg.Worker.Queue = v
	}
	if v := os.Getenv("SOS_WORKER_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("SOS_MODELS_FILE"); v != "" {
		cfg.ModelsFile = v
	}
	if v := os.Getenv("SOS_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
}

// TasksDir returns the task store directory under Home.
func (c Config) TasksDir() string { return filepath.Join(c.Home, "tasks") }

// WorkersDir returns the worker registry directory under Home.
func (c Config) WorkersDir() string { return filepath.Join(c.Home, "workers") }

// SecretsDir returns the secret store directory under Home.
func (c Config) SecretsDir() string { return filepath.Join(c.Home, "secrets") }

// ArtifactsDir returns the artifact store directory under Home.
func (c Config) ArtifactsDir() string { return filepath.Join(c.Home, "data", "artifacts") }

// WorkerTimeout returns the execution timeout as a duration.
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

// EnsureDirs creates the persistent layout under Home.
func (c Config) EnsureDirs() error {
	for _, dir := range []string{c.TasksDir(), c.WorkersDir(), c.SecretsDir(), c.ArtifactsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
