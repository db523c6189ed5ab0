// Package config handles loading and validating kazi configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/invoker"
	"github.com/jkaninda/kazi/internal/notification"
	"github.com/jkaninda/kazi/internal/orchestrator"
	"github.com/jkaninda/kazi/internal/pipeline"
	"github.com/jkaninda/kazi/internal/router"
	"github.com/jkaninda/kazi/internal/supervisor"
	"github.com/jkaninda/kazi/internal/ticket"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for kazi.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty" toml:"log_level,omitempty"` // debug, info, warn, error. Override: KAZI_LOG_LEVEL.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`    // Default: ~/.kazi/data. Override: KAZI_DATA_DIR.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty" toml:"storage,omitempty"`       // nil = SQLite under data_dir
	Scheduler     SchedulerConfig      `json:"scheduler" yaml:"scheduler" toml:"scheduler"`
	Breaker       BreakerConfig        `json:"breaker" yaml:"breaker" toml:"breaker"`
	Hold          HoldConfig           `json:"hold" yaml:"hold" toml:"hold"`
	Boss          *BossConfig          `json:"boss,omitempty" yaml:"boss,omitempty" toml:"boss,omitempty"` // nil = no supervisory cycle
	Routing       RoutingConfig        `json:"routing" yaml:"routing" toml:"routing"`
	Agents        AgentsConfig         `json:"agents" yaml:"agents" toml:"agents"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty" toml:"http,omitempty"` // nil = HTTP API disabled
	Approval      ApprovalConfig       `json:"approval" yaml:"approval" toml:"approval"`
	Notification  *NotificationConfig  `json:"notification,omitempty" yaml:"notification,omitempty" toml:"notification,omitempty"`    // nil = notifications disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty" toml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver" toml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty" toml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty" toml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"` // Default: <data_dir>/kazi.db
	JournalMode string `json:"journal_mode" yaml:"journal_mode" toml:"journal_mode"`       // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn" toml:"dsn"` // Override: KAZI_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns" toml:"max_open_conns"`                // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns"`                // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s" toml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SchedulerConfig sizes the slot pool and sets the retry policy.
type SchedulerConfig struct {
	MaxSlots               int            `json:"max_slots" yaml:"max_slots" toml:"max_slots"` // Default: 4
	Teams                  map[string]int `json:"teams,omitempty" yaml:"teams,omitempty" toml:"teams,omitempty"`
	AIMode                 string         `json:"ai_mode" yaml:"ai_mode" toml:"ai_mode"` // manual, suggest, hybrid, smart. Override: KAZI_AI_MODE.
	MaxTicketRetries       int            `json:"max_ticket_retries" yaml:"max_ticket_retries" toml:"max_ticket_retries"`
	MaxErrorRetries        int            `json:"max_error_retries" yaml:"max_error_retries" toml:"max_error_retries"`
	StepTimeoutSeconds     int            `json:"step_timeout_seconds" yaml:"step_timeout_seconds" toml:"step_timeout_seconds"`
	StaleProcessingMinutes int            `json:"stale_processing_minutes" yaml:"stale_processing_minutes" toml:"stale_processing_minutes"`
	RejectBackoffSeconds   int            `json:"reject_backoff_seconds" yaml:"reject_backoff_seconds" toml:"reject_backoff_seconds"`
	RecoverySchedule       string         `json:"recovery_schedule" yaml:"recovery_schedule" toml:"recovery_schedule"` // Cron spec. Default: "@every 5m"; "off" = startup scan only.
}

// Recovery returns the periodic recovery scan schedule. Empty when the
// scan is switched off.
func (s SchedulerConfig) Recovery() string {
	switch s.RecoverySchedule {
	case "":
		return "@every 5m"
	case "off":
		return ""
	}
	return s.RecoverySchedule
}

// StepTimeout returns the per-agent-call timeout with a default of 5m.
func (s SchedulerConfig) StepTimeout() time.Duration {
	if s.StepTimeoutSeconds > 0 {
		return time.Duration(s.StepTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// Allocations converts team names to typed teams. Nil when unset so the
// scheduler applies its default of one slot per team.
func (s SchedulerConfig) Allocations() map[ticket.Team]int {
	if len(s.Teams) == 0 {
		return nil
	}
	out := make(map[ticket.Team]int, len(s.Teams))
	for name, n := range s.Teams {
		out[ticket.Team(name)] = n
	}
	return out
}

// BreakerConfig configures the consecutive-failure circuit breaker.
type BreakerConfig struct {
	Threshold       int `json:"threshold" yaml:"threshold" toml:"threshold"`                      // Default: 5
	CooldownSeconds int `json:"cooldown_seconds" yaml:"cooldown_seconds" toml:"cooldown_seconds"` // Default: 60
}

// HoldConfig configures resource holds and swaps.
type HoldConfig struct {
	DefaultTimeoutSeconds int    `json:"default_timeout_seconds" yaml:"default_timeout_seconds" toml:"default_timeout_seconds"` // Default: 1800
	MaxSwapsPerCycle      int    `json:"max_swaps_per_cycle" yaml:"max_swaps_per_cycle" toml:"max_swaps_per_cycle"`             // Default: 1
	ActiveResource        string `json:"active_resource,omitempty" yaml:"active_resource,omitempty" toml:"active_resource,omitempty"`
}

// BossConfig configures the supervisory cycle and which hooks it backs
// with an agent.
type BossConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Agent        string `json:"agent" yaml:"agent" toml:"agent"`                         // Default: "boss"
	IdleSchedule string `json:"idle_schedule" yaml:"idle_schedule" toml:"idle_schedule"` // Default: "@every 5m"
	Select       bool   `json:"select" yaml:"select" toml:"select"`
	Validate     bool   `json:"validate" yaml:"validate" toml:"validate"`
	Assess       bool   `json:"assess" yaml:"assess" toml:"assess"`
	Review       bool   `json:"review" yaml:"review" toml:"review"`
}

// AgentName returns the supervising agent, defaulting to "boss".
func (b *BossConfig) AgentName() string {
	if b != nil && b.Agent != "" {
		return b.Agent
	}
	return "boss"
}

// RoutingConfig selects the execution strategy.
type RoutingConfig struct {
	Strategy string `json:"strategy" yaml:"strategy" toml:"strategy"`                            // linear (default) or tree
	TreeFile string `json:"tree_file,omitempty" yaml:"tree_file,omitempty" toml:"tree_file,omitempty"` // YAML or JSONC hierarchy. Empty = built-in tree.
}

// AgentsConfig names the helper agents and the MCP servers that host them.
type AgentsConfig struct {
	Review  string                 `json:"review,omitempty" yaml:"review,omitempty" toml:"review,omitempty"`   // Default: "reviewer"
	Clarity string                 `json:"clarity,omitempty" yaml:"clarity,omitempty" toml:"clarity,omitempty"` // Default: "clarity"
	MCP     []invoker.ServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty" toml:"mcp,omitempty"`
}

// HTTPConfig configures the HTTP control API.
type HTTPConfig struct {
	Listen     string          `json:"listen" yaml:"listen" toml:"listen"`          // Default: ":8090"
	APIToken   string          `json:"api_token" yaml:"api_token" toml:"api_token"` // Override: KAZI_API_TOKEN. Empty = no auth.
	EnableDocs bool            `json:"enable_docs" yaml:"enable_docs" toml:"enable_docs"`
	RateLimit  RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

// ListenAddr returns the listen address with a default of ":8090".
func (h *HTTPConfig) ListenAddr() string {
	if h != nil && h.Listen != "" {
		return h.Listen
	}
	return ":8090"
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"` // 0 = unlimited
	Burst             int `json:"burst" yaml:"burst" toml:"burst"`
}

// ApprovalConfig configures dispatch and review approvals.
type ApprovalConfig struct {
	TTLMinutes int                          `json:"ttl_minutes" yaml:"ttl_minutes" toml:"ttl_minutes"` // Default: 1440
	Auto       *approval.AutoApprovalConfig `json:"auto,omitempty" yaml:"auto,omitempty" toml:"auto,omitempty"`
}

// TTL returns how long a pending approval stays valid.
func (a ApprovalConfig) TTL() time.Duration {
	if a.TTLMinutes > 0 {
		return time.Duration(a.TTLMinutes) * time.Minute
	}
	return 24 * time.Hour
}

// NotificationConfig lists escalation and review alert channels.
type NotificationConfig struct {
	Channels          []notification.Channel `json:"channels" yaml:"channels" toml:"channels"`
	AllowPrivateHosts bool                   `json:"allow_private_hosts" yaml:"allow_private_hosts" toml:"allow_private_hosts"` // Allow webhook URLs on private networks.
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty" toml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty" toml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty" toml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`             // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" toml:"protocol"`             // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name" toml:"service_name"` // Default: "kazi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" toml:"sample_rate"`    // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
}

// AnomalyConfig configures agent error-rate alerts.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" toml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" toml:"window_seconds"`                   // Default: 300
}

// DefaultConfigPath returns the default config file path (~/.kazi/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kazi.yaml"
	}
	return filepath.Join(home, ".kazi", "config.yaml")
}

// Load reads a config file and returns a validated Config. The format is
// picked by extension: .yml/.yaml, .toml, .jsonc, everything else JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	cfg.applyEnv()

	if cfg.DataDir == "" {
		cfg.DataDir = cfg.ResolvedDataDir()
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes config bytes in the format named by ext (".yaml", ".toml",
// ".jsonc", ".json"). It does not apply environment overrides or validate.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("TOML: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("JSON: %w", err)
		}
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = goutils.Env("KAZI_DATA_DIR", c.DataDir)
	c.LogLevel = goutils.Env("KAZI_LOG_LEVEL", c.LogLevel)
	c.Scheduler.AIMode = goutils.Env("KAZI_AI_MODE", c.Scheduler.AIMode)

	if dsn := os.Getenv("KAZI_DB_DSN"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	if token := os.Getenv("KAZI_API_TOKEN"); token != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.APIToken = token
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".kazi", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "kazi.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// Orchestrator maps the file settings onto the scheduler config.
func (c *Config) Orchestrator() orchestrator.Config {
	oc := orchestrator.Config{
		MaxSlots:         c.Scheduler.MaxSlots,
		Allocations:      c.Scheduler.Allocations(),
		AIMode:           orchestrator.AIMode(c.Scheduler.AIMode),
		MaxTicketRetries: c.Scheduler.MaxTicketRetries,
		MaxErrorRetries:  c.Scheduler.MaxErrorRetries,
		BreakerThreshold: c.Breaker.Threshold,
		BreakerCooldown:  time.Duration(c.Breaker.CooldownSeconds) * time.Second,
		HoldTimeout:      time.Duration(c.Hold.DefaultTimeoutSeconds) * time.Second,
		MaxSwapsPerCycle: c.Hold.MaxSwapsPerCycle,
		ActiveResource:   c.Hold.ActiveResource,
		StaleProcessing:  time.Duration(c.Scheduler.StaleProcessingMinutes) * time.Minute,
		RejectBackoff:    time.Duration(c.Scheduler.RejectBackoffSeconds) * time.Second,
		RecoverySchedule: c.Scheduler.Recovery(),
	}
	if c.Boss != nil && c.Boss.Enabled {
		oc.BossEnabled = true
		oc.IdleSchedule = c.Boss.IdleSchedule
	}
	return oc
}

// Pipeline maps the file settings onto the executor config.
func (c *Config) Pipeline() pipeline.Config {
	return pipeline.Config{StepTimeout: c.Scheduler.StepTimeout()}
}

// Supervisor selects which hooks are backed by agents.
func (c *Config) Supervisor() supervisor.Options {
	opts := supervisor.Options{
		ReviewAgent:  c.Agents.Review,
		ClarityAgent: c.Agents.Clarity,
	}
	if opts.ReviewAgent == "" {
		opts.ReviewAgent = "reviewer"
	}
	if opts.ClarityAgent == "" {
		opts.ClarityAgent = "clarity"
	}
	if c.Boss != nil && c.Boss.Enabled {
		opts.SupervisorAgent = c.Boss.AgentName()
		opts.Health = true
		opts.Select = c.Boss.Select
		opts.Validate = c.Boss.Validate
		opts.Assess = c.Boss.Assess
		opts.Review = c.Boss.Review
	}
	return opts
}

func (c *Config) validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set KAZI_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Scheduler.MaxSlots < 0 {
		return fmt.Errorf("scheduler.max_slots must not be negative")
	}
	if c.Breaker.Threshold < 0 || c.Breaker.CooldownSeconds < 0 {
		return fmt.Errorf("breaker settings must not be negative")
	}
	if c.Hold.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("hold.default_timeout_seconds must not be negative")
	}
	if err := c.Orchestrator().Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := router.ParseStrategy(c.Routing.Strategy); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	names := make(map[string]bool, len(c.Agents.MCP))
	for i, srv := range c.Agents.MCP {
		if srv.Name == "" {
			return fmt.Errorf("agents.mcp[%d].name is required", i)
		}
		if names[srv.Name] {
			return fmt.Errorf("agents.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		names[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("agents.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("agents.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("agents.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	if c.Notification != nil {
		for i, ch := range c.Notification.Channels {
			if ch.Name == "" || ch.URL == "" {
				return fmt.Errorf("notification.channels[%d]: name and url are required", i)
			}
			switch ch.Type {
			case "webhook", "slack":
			default:
				return fmt.Errorf("notification.channels[%d] (%q): type must be webhook or slack", i, ch.Name)
			}
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}
	return nil
}
