// Package config handles loading and validating Crucible configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Crucible.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.crucible/data. Override: CRUCIBLE_DATA_DIR.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under DataDir
	Pricing       PricingConfig        `json:"pricing" yaml:"pricing"`
	Budget        BudgetConfig         `json:"budget" yaml:"budget"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	HTTP          HTTPConfig           `json:"http" yaml:"http"`
	Sweeper       *SweeperConfig       `json:"sweeper,omitempty" yaml:"sweeper,omitempty"`
	Agents        AgentsConfig         `json:"agents" yaml:"agents"`
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env:// and file:// references only
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // "wal" (default)
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800
}

// ModelPrice is credits per 1000 tokens.
type ModelPrice struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// PricingConfig maps provider -> model -> price.
type PricingConfig map[string]map[string]ModelPrice

// BudgetConfig tunes estimation and pre-authorization.
type BudgetConfig struct {
	ReservationMultiplier float64 `json:"reservation_multiplier" yaml:"reservation_multiplier"` // Default: 1.5
	NominalInputTokens    int     `json:"nominal_input_tokens" yaml:"nominal_input_tokens"`     // Default: 1000
	SoftThreshold         float64 `json:"soft_threshold" yaml:"soft_threshold"`                 // Default: 1.0
	SoftPolicy            string  `json:"soft_policy" yaml:"soft_policy"`                       // "deny" (default) or "warn"
	ReservationTTLSeconds int     `json:"reservation_ttl_seconds" yaml:"reservation_ttl_seconds"`
}

func (b *BudgetConfig) Multiplier() float64 {
	if b.ReservationMultiplier > 0 {
		return b.ReservationMultiplier
	}
	return 1.5
}

func (b *BudgetConfig) NominalInput() int {
	if b.NominalInputTokens > 0 {
		return b.NominalInputTokens
	}
	return 1000
}

func (b *BudgetConfig) Threshold() float64 {
	if b.SoftThreshold > 0 {
		return b.SoftThreshold
	}
	return 1.0
}

func (b *BudgetConfig) Policy() string {
	if b.SoftPolicy != "" {
		return b.SoftPolicy
	}
	return "deny"
}

func (b *BudgetConfig) ReservationTTL() time.Duration {
	if b.ReservationTTLSeconds > 0 {
		return time.Duration(b.ReservationTTLSeconds) * time.Second
	}
	return 5 * time.Minute
}

// GatewayConfig configures the AI gateway pipeline.
type GatewayConfig struct {
	ProviderTimeoutSeconds int `json:"provider_timeout_seconds" yaml:"provider_timeout_seconds"` // Default: 60
	IdempotencyTTLSeconds  int `json:"idempotency_ttl_seconds" yaml:"idempotency_ttl_seconds"`   // Default: 86400
	RequestsPerMinute      int `json:"requests_per_minute" yaml:"requests_per_minute"`           // 0 = no rate limit
	BurstSize              int `json:"burst_size" yaml:"burst_size"`
}

func (g *GatewayConfig) ProviderTimeout() time.Duration {
	if g.ProviderTimeoutSeconds > 0 {
		return time.Duration(g.ProviderTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}

func (g *GatewayConfig) IdempotencyTTL() time.Duration {
	if g.IdempotencyTTLSeconds > 0 {
		return time.Duration(g.IdempotencyTTLSeconds) * time.Second
	}
	return 24 * time.Hour
}

// ProvidersConfig holds credentials for the model providers the gateway can route to.
type ProvidersConfig struct {
	Anthropic *AnthropicConfig `json:"anthropic,omitempty" yaml:"anthropic,omitempty"`
	OpenAI    *OpenAIConfig    `json:"openai,omitempty" yaml:"openai,omitempty"`
	Ollama    *OllamaConfig    `json:"ollama,omitempty" yaml:"ollama,omitempty"`
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

type OllamaConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// HTTPConfig configures the REST API.
type HTTPConfig struct {
	ListenAddr      string         `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	APIKeys         []APIKeyConfig `json:"api_keys" yaml:"api_keys"`
	MaxRequestBytes int64          `json:"max_request_bytes" yaml:"max_request_bytes"`
}

func (h *HTTPConfig) Addr() string {
	if h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// APIKeyConfig binds a bearer token to a user within a team.
type APIKeyConfig struct {
	Key    string `json:"key" yaml:"key"`
	UserID string `json:"user_id" yaml:"user_id"`
	TeamID string `json:"team_id" yaml:"team_id"`
}

// SweeperConfig configures the background reservation sweep.
type SweeperConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // robfig/cron spec. Default: "@every 1m"
}

func (s *SweeperConfig) Spec() string {
	if s != nil && s.Schedule != "" {
		return s.Schedule
	}
	return "@every 1m"
}

// AgentsConfig configures agent liveness tracking.
type AgentsConfig struct {
	HeartbeatCheckSeconds int `json:"heartbeat_check_seconds" yaml:"heartbeat_check_seconds"` // Default: 30
	StaleAfterSeconds     int `json:"stale_after_seconds" yaml:"stale_after_seconds"`         // Default: 120. Negative disables the checker.
}

func (a *AgentsConfig) CheckInterval() time.Duration {
	if a.HeartbeatCheckSeconds > 0 {
		return time.Duration(a.HeartbeatCheckSeconds) * time.Second
	}
	return 30 * time.Second
}

func (a *AgentsConfig) StaleAfter() time.Duration {
	if a.StaleAfterSeconds > 0 {
		return time.Duration(a.StaleAfterSeconds) * time.Second
	}
	return 2 * time.Minute
}

// StaleCheckEnabled reports whether silent agents should be marked offline.
func (a *AgentsConfig) StaleCheckEnabled() bool { return a.StaleAfterSeconds >= 0 }

// ObservabilityConfig configures metrics, tracing and health checks.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "crucible"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// DefaultConfigPath returns the default config file path (~/.crucible/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/crucible.yaml"
	}
	return filepath.Join(home, ".crucible", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
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
	return cfg, nil
}

// Parse decodes raw config bytes, applies env overrides and validates.
// ext selects the format (".yaml"/".yml" for YAML, anything else for JSON).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		if c.Providers.Anthropic == nil {
			c.Providers.Anthropic = &AnthropicConfig{}
		}
		c.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		if c.Providers.OpenAI == nil {
			c.Providers.OpenAI = &OpenAIConfig{}
		}
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("CRUCIBLE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CRUCIBLE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("CRUCIBLE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
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
		return filepath.Join(home, ".crucible", "data")
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
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "crucible.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set CRUCIBLE_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}

	for provider, models := range c.Pricing {
		for model, p := range models {
			if p.Input < 0 || p.Output < 0 {
				return fmt.Errorf("pricing.%s.%s: prices must not be negative", provider, model)
			}
		}
	}

	if c.Budget.ReservationMultiplier < 0 {
		return fmt.Errorf("budget.reservation_multiplier must not be negative")
	}
	if c.Budget.SoftThreshold < 0 || c.Budget.SoftThreshold > 1 {
		return fmt.Errorf("budget.soft_threshold must be within [0, 1]")
	}
	switch c.Budget.Policy() {
	case "deny", "warn":
	default:
		return fmt.Errorf("budget.soft_policy %q is not supported (use deny or warn)", c.Budget.SoftPolicy)
	}
	if c.Gateway.RequestsPerMinute < 0 || c.Gateway.BurstSize < 0 {
		return fmt.Errorf("gateway rate limits must not be negative")
	}

	keys := make(map[string]bool, len(c.HTTP.APIKeys))
	for i, k := range c.HTTP.APIKeys {
		if k.Key == "" || k.TeamID == "" || k.UserID == "" {
			return fmt.Errorf("http.api_keys[%d]: key, user_id and team_id are required", i)
		}
		if keys[k.Key] {
			return fmt.Errorf("http.api_keys[%d]: duplicate key", i)
		}
		keys[k.Key] = true
	}

	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol must be grpc or http")
		}
	}
	return nil
}
