// Package config loads the sandbox orchestrator's TOML configuration, with
// environment-variable overrides applied on top, following the same
// override-after-parse shape the rest of the codebase uses for layered
// config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration for the orchestrator process.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Sandbox     SandboxConfig     `toml:"sandbox"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Database    DatabaseConfig    `toml:"database"`
	EventBus    EventBusConfig    `toml:"event_bus"`
	Reaper      ReaperConfig      `toml:"reaper"`
	Policy      PolicyConfig      `toml:"policy"`
	Logging     LoggingConfig     `toml:"logging"`
	Auth        AuthConfig        `toml:"auth"`
	Accounting  AccountingConfig  `toml:"accounting"`
	RunLog      RunLogConfig      `toml:"run_log"`
	Tracing     TracingConfig     `toml:"tracing"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Addr            string        `toml:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	// MaxConcurrentRuns bounds how many Agent Graph Driver runs the
	// goroutineRunner will have in flight at once; Launch blocks a new run
	// until a slot frees up, per the §5 worker-scheduling model.
	MaxConcurrentRuns int64 `toml:"max_concurrent_runs"`
}

// SandboxConfig configures the runtime adapters.
type SandboxConfig struct {
	DefaultBackend  string        `toml:"default_backend"` // "local" or "cluster"
	Image           string        `toml:"image"`
	WorkspacePath   string        `toml:"workspace_path"`
	IdleTimeout     time.Duration `toml:"idle_timeout"`
	MaxLifetime     time.Duration `toml:"max_lifetime"`
	DockerHost      string        `toml:"docker_host"`
	DockerNetwork   string        `toml:"docker_network"`
	DockerUser      string        `toml:"docker_user"`
	DockerReadOnly  bool          `toml:"docker_read_only"`
	ClusterEndpoint string        `toml:"cluster_endpoint"`
	ClusterNamespace string       `toml:"cluster_namespace"`
	CPULimit        float64       `toml:"cpu_limit"`
	MemoryLimitMB   int64         `toml:"memory_limit_mb"`
	PidsLimit       int64         `toml:"pids_limit"`
	// ExecuteCommands gates whether the cmdrunner.Runner touches the real
	// runtime at all; false keeps it in dry-run. Named after the source's
	// own ASTRAFORGE_EXECUTE_COMMANDS switch used to make CI and sandboxed
	// dev environments safe by default.
	ExecuteCommands bool `toml:"execute_commands"`
}

// ObjectStoreConfig configures the S3-compatible snapshot/artifact offload target.
type ObjectStoreConfig struct {
	Enabled  bool   `toml:"enabled"`
	Bucket   string `toml:"bucket"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"` // non-empty for S3-compatible stores (minio etc.)
	Prefix   string `toml:"prefix"`
}

// DatabaseConfig configures the persistence backend. Driver "sqlite" uses
// modernc.org/sqlite for local/dev; "postgres" uses jackc/pgx/v5 in production.
type DatabaseConfig struct {
	Driver          string `toml:"driver"`
	DSN             string `toml:"dsn"`
	MigrationsPath  string `toml:"migrations_path"`
	MaxOpenConns    int    `toml:"max_open_conns"`
}

// EventBusConfig configures per-session event fan-out.
type EventBusConfig struct {
	BacklogSize     int           `toml:"backlog_size"`
	BacklogTTL      time.Duration `toml:"backlog_ttl"`
	HeartbeatPeriod time.Duration `toml:"heartbeat_period"`
}

// ReaperConfig configures the idle/lifetime sweep.
type ReaperConfig struct {
	Interval time.Duration `toml:"interval"`
}

// PolicyConfig configures computer-use policy defaults, overridable per session.
type PolicyConfig struct {
	ApprovalMode            string   `toml:"approval_mode"` // "always", "on_risk", "never"
	AllowedDomains          []string `toml:"allowed_domains"`
	BlockedDomains          []string `toml:"blocked_domains"`
	AllowLogin              bool     `toml:"allow_login"`
	AllowPayments           bool     `toml:"allow_payments"`
	AllowIrreversible       bool     `toml:"allow_irreversible"`
	AllowCredentials        bool     `toml:"allow_credentials"`
	DefaultDeny             bool     `toml:"default_deny"`
	PromptInjectionDetection bool    `toml:"prompt_injection_detection"`
	// TraceDir is the root directory computer-use run traces are written
	// under, laid out <run_id>/{config.json, timeline.jsonl, steps/..., replay/...}.
	TraceDir string `toml:"trace_dir"`
}

// RunLogConfig bounds the request-scoped `/runs/<id>/logs/stream` topics,
// distinct from the per-session Event Bus backlog/TTL in EventBusConfig.
type RunLogConfig struct {
	StreamMaxLen      int           `toml:"stream_maxlen"`
	RetentionDuration time.Duration `toml:"retention"`
}

// LoggingConfig mirrors the observability package's LogConfig.
type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	AddSource bool   `toml:"add_source"`
}

// TracingConfig mirrors the observability package's TraceConfig. Endpoint
// empty (the default) disables tracing entirely: NewTracer falls back to a
// no-op tracer in that case, so every Start/StartSpan call in the graph
// driver and sandbox manager stays a cheap no-op until an OTLP collector is
// configured.
type TracingConfig struct {
	Endpoint       string            `toml:"endpoint"`
	ServiceName    string            `toml:"service_name"`
	ServiceVersion string            `toml:"service_version"`
	Environment    string            `toml:"environment"`
	SamplingRate   float64           `toml:"sampling_rate"`
	Insecure       bool              `toml:"insecure"`
	Attributes     map[string]string `toml:"attributes"`
}

// AuthConfig selects and configures the Authenticator the HTTP layer wraps
// every request in. Mode "none" should only ever be used in local dev.
type AuthConfig struct {
	Mode         string            `toml:"mode"` // "static", "jwt", or "none"
	StaticTokens map[string]string `toml:"static_tokens"` // token -> user id
	JWTSecret    string            `toml:"jwt_secret"`
}

// AccountingConfig configures the CPU/storage sampler and per-workspace
// quota ledger.
type AccountingConfig struct {
	SampleInterval       time.Duration `toml:"sample_interval"`
	QuotaPeriod          time.Duration `toml:"quota_period"`
	MaxCPUSecondsPerPeriod     float64 `toml:"max_cpu_seconds_per_period"`
	MaxStorageBytesPerWorkspace int64  `toml:"max_storage_bytes_per_workspace"`
	MaxConcurrentSessions       int    `toml:"max_concurrent_sessions"`
}

// Default returns a Config with conservative defaults suitable for local
// development against a single Docker daemon.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      0, // SSE streams must not be write-deadlined
			ShutdownTimeout:   15 * time.Second,
			MaxConcurrentRuns: 64,
		},
		Sandbox: SandboxConfig{
			DefaultBackend: "local",
			Image:          "astraforge/sandbox-runtime:latest",
			WorkspacePath:  "/workspace",
			IdleTimeout:    30 * time.Minute,
			MaxLifetime:    4 * time.Hour,
			CPULimit:       2,
			MemoryLimitMB:  2048,
			PidsLimit:      512,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			DSN:          "file:astraforge.db?_pragma=busy_timeout(5000)",
			MaxOpenConns: 8,
		},
		EventBus: EventBusConfig{
			BacklogSize:     512,
			BacklogTTL:      6 * time.Hour,
			HeartbeatPeriod: 15 * time.Second,
		},
		Reaper: ReaperConfig{
			Interval: 30 * time.Second,
		},
		Policy: PolicyConfig{
			ApprovalMode:             "on_risk",
			DefaultDeny:              false,
			PromptInjectionDetection: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			Mode: "static",
		},
		Accounting: AccountingConfig{
			SampleInterval:              30 * time.Second,
			QuotaPeriod:                 24 * time.Hour,
			MaxCPUSecondsPerPeriod:      3600 * 8,
			MaxStorageBytesPerWorkspace: 10 * 1024 * 1024 * 1024,
			MaxConcurrentSessions:       5,
		},
		RunLog: RunLogConfig{
			StreamMaxLen:      1000,
			RetentionDuration: 6 * time.Hour,
		},
		Tracing: TracingConfig{
			ServiceName:  "astraforge-sandbox-core",
			SamplingRate: 1.0,
		},
	}
}

// Load reads a TOML file at path into Default(), then applies ASTRAFORGE_*
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment-specific secrets and endpoints (db DSN,
// object store bucket, listen addr) come from the environment instead of
// being checked into the TOML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ASTRAFORGE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ASTRAFORGE_SERVER_MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("ASTRAFORGE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ASTRAFORGE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("ASTRAFORGE_OBJECT_STORE_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
		cfg.ObjectStore.Enabled = true
	}
	if v := os.Getenv("ASTRAFORGE_OBJECT_STORE_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("ASTRAFORGE_SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.DefaultBackend = v
	}
	if v := os.Getenv("ASTRAFORGE_SANDBOX_DOCKER_HOST"); v != "" {
		cfg.Sandbox.DockerHost = v
	}
	if v := os.Getenv("ASTRAFORGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ASTRAFORGE_EVENT_BACKLOG_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EventBus.BacklogSize = n
		}
	}
	if v := os.Getenv("ASTRAFORGE_POLICY_ALLOWED_DOMAINS"); v != "" {
		cfg.Policy.AllowedDomains = splitCSV(v)
	}
	if v := os.Getenv("ASTRAFORGE_AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
		cfg.Auth.Mode = "jwt"
	}

	// The remaining names are contractual deployment variables that stand
	// alongside (not instead of) the ASTRAFORGE_* family above, matching the
	// source's own mix of component-prefixed and ASTRAFORGE_-prefixed
	// environment variables.
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("SANDBOX_DOCKER_NETWORK"); v != "" {
		cfg.Sandbox.DockerNetwork = v
	}
	if v := os.Getenv("SANDBOX_DOCKER_USER"); v != "" {
		cfg.Sandbox.DockerUser = v
	}
	if v := os.Getenv("SANDBOX_DOCKER_READ_ONLY"); v != "" {
		cfg.Sandbox.DockerReadOnly = parseBool(v, cfg.Sandbox.DockerReadOnly)
	}
	if v := os.Getenv("SANDBOX_DOCKER_PIDS_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Sandbox.PidsLimit = n
		}
	}
	if v := os.Getenv("SANDBOX_S3_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
		cfg.ObjectStore.Enabled = true
	}
	if v := os.Getenv("SANDBOX_S3_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("COMPUTER_USE_TRACE_DIR"); v != "" {
		cfg.Policy.TraceDir = v
	}
	if v := os.Getenv("COMPUTER_USE_APPROVAL_MODE"); v != "" {
		cfg.Policy.ApprovalMode = v
	}
	if v := os.Getenv("COMPUTER_USE_ALLOWED_DOMAINS"); v != "" {
		cfg.Policy.AllowedDomains = splitCSV(v)
	}
	if v := os.Getenv("COMPUTER_USE_BLOCKED_DOMAINS"); v != "" {
		cfg.Policy.BlockedDomains = splitCSV(v)
	}
	cfg.Policy.AllowLogin = parseBoolEnv("COMPUTER_USE_ALLOW_LOGIN", cfg.Policy.AllowLogin)
	cfg.Policy.AllowPayments = parseBoolEnv("COMPUTER_USE_ALLOW_PAYMENTS", cfg.Policy.AllowPayments)
	cfg.Policy.AllowIrreversible = parseBoolEnv("COMPUTER_USE_ALLOW_IRREVERSIBLE", cfg.Policy.AllowIrreversible)
	cfg.Policy.AllowCredentials = parseBoolEnv("COMPUTER_USE_ALLOW_CREDENTIALS", cfg.Policy.AllowCredentials)
	cfg.Sandbox.ExecuteCommands = parseBoolEnv("ASTRAFORGE_EXECUTE_COMMANDS", cfg.Sandbox.ExecuteCommands)

	if v := os.Getenv("RUN_LOG_STREAM_MAXLEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunLog.StreamMaxLen = n
		}
	}
	if v := os.Getenv("RUN_LOG_RETENTION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RunLog.RetentionDuration = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("ASTRAFORGE_OTEL_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("ASTRAFORGE_OTEL_ENVIRONMENT"); v != "" {
		cfg.Tracing.Environment = v
	}
	if v := os.Getenv("ASTRAFORGE_OTEL_SAMPLING_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SamplingRate = f
		}
	}
	cfg.Tracing.Insecure = parseBoolEnv("ASTRAFORGE_OTEL_INSECURE", cfg.Tracing.Insecure)
}

func parseBoolEnv(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	return parseBool(v, fallback)
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
