// Package config loads the supportmesh daemon configuration from YAML with
// SUPPORTMESH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
	Database    DatabaseConfig    `yaml:"database"`
	Cache       CacheConfig       `yaml:"cache"`
	Engine      EngineConfig      `yaml:"engine"`
	Models      ModelsConfig      `yaml:"models"`
	Auth        AuthConfig        `yaml:"auth"`
	Calls       CallsConfig       `yaml:"calls"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Packages    PackagesConfig    `yaml:"packages"`
	MCP         MCPConfig         `yaml:"mcp"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	RateLimitRPM    float64       `yaml:"rate_limit_rpm"` // per client, 0 disables
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, postgres
	DSN    string `yaml:"dsn"`
}

// CacheConfig selects the TTL cache backend.
type CacheConfig struct {
	Backend   string        `yaml:"backend"` // memory, redis
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	TTL       time.Duration `yaml:"ttl"`
}

// EngineConfig tunes turn execution.
type EngineConfig struct {
	EventBuffer       int           `yaml:"event_buffer"`
	MaxModelCalls     int           `yaml:"max_model_calls"`
	HistoryWindow     int           `yaml:"history_window"`
	ToolParallelism   int           `yaml:"tool_parallelism"`
	ToolTimeout       time.Duration `yaml:"tool_timeout"`
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
	MaxWorkerHandoffs int           `yaml:"max_worker_handoffs"`
}

// ModelsConfig lists the language models agents may reference.
type ModelsConfig struct {
	Default string        `yaml:"default"`
	Breaker BreakerConfig `yaml:"breaker"`
	List    []ModelConfig `yaml:"list"`
}

// BreakerConfig configures the per-model circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ModelConfig defines one model id.
type ModelConfig struct {
	ID           string  `yaml:"id"`
	Provider     string  `yaml:"provider"` // anthropic, openai, bedrock, mock
	Model        string  `yaml:"model"`
	APIKey       string  `yaml:"api_key"`
	Region       string  `yaml:"region"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	RateLimitRPM float64 `yaml:"rate_limit_rpm"`
}

// AuthConfig holds auth gate settings.
type AuthConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// CallsConfig holds call session settings.
type CallsConfig struct {
	Retention      time.Duration `yaml:"retention"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// EscalationConfig holds escalation router settings.
type EscalationConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RequestKeywords  []string      `yaml:"request_keywords"`
	UrgentKeywords   []string      `yaml:"urgent_keywords"`
	SlackToken       string        `yaml:"slack_token"`
	SlackChannel     string        `yaml:"slack_channel"`
	NotifyTimeout    time.Duration `yaml:"notify_timeout"`
}

// MaintenanceConfig holds cron specs of the background jobs.
type MaintenanceConfig struct {
	Enabled     bool          `yaml:"enabled"`
	CallSweep   string        `yaml:"call_sweep"`
	AuthPurge   string        `yaml:"auth_purge"`
	IdleAbandon string        `yaml:"idle_abandon"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// PackagesConfig points to the package definition files and binds tenant
// chatbots to them.
type PackagesConfig struct {
	Dir         string             `yaml:"dir"`
	Deployments []DeploymentConfig `yaml:"deployments"`
}

// DeploymentConfig deploys a package to one tenant chatbot.
type DeploymentConfig struct {
	TenantID  string `yaml:"tenant_id"`
	ChatbotID string `yaml:"chatbot_id"`
	Package   string `yaml:"package"`
}

// MCPConfig lists MCP servers whose tools are bridged into the registry.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig defines one MCP server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio, http
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimitRPM:    120,
			RateLimitBurst:  20,
			ShutdownTimeout: 15 * time.Second,
		},
		Logger:   LoggerConfig{Level: "info", Format: "json", Output: "stderr"},
		Tracer:   TracerConfig{Enabled: false, Exporter: "noop"},
		Database: DatabaseConfig{Driver: "memory"},
		Cache:    CacheConfig{Backend: "memory", TTL: 5 * time.Minute},
		Engine: EngineConfig{
			EventBuffer:       64,
			MaxModelCalls:     12,
			HistoryWindow:     20,
			ToolParallelism:   4,
			ToolTimeout:       30 * time.Second,
			TurnTimeout:       2 * time.Minute,
			MaxWorkerHandoffs: 1,
		},
		Models: ModelsConfig{
			Default: "mock",
			Breaker: BreakerConfig{MaxFailures: 5, Timeout: 30 * time.Second, Interval: 60 * time.Second},
			List:    []ModelConfig{{ID: "mock", Provider: "mock"}},
		},
		Auth:  AuthConfig{SessionTTL: 24 * time.Hour},
		Calls: CallsConfig{Retention: time.Hour, ConnectTimeout: time.Minute},
		Escalation: EscalationConfig{
			FailureThreshold: 3,
			NotifyTimeout:    10 * time.Second,
		},
		Maintenance: MaintenanceConfig{
			Enabled:     true,
			CallSweep:   "@every 1m",
			AuthPurge:   "@every 10m",
			IdleAbandon: "@every 5m",
			IdleTimeout: 24 * time.Hour,
		},
		Packages: PackagesConfig{Dir: "packages"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides applies SUPPORTMESH_* environment variables.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SUPPORTMESH_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SUPPORTMESH_SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(v, ",")
	}
	if v := os.Getenv("SUPPORTMESH_SERVER_RATE_LIMIT_RPM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Server.RateLimitRPM = f
		}
	}
	if v := os.Getenv("SUPPORTMESH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SUPPORTMESH_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SUPPORTMESH_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SUPPORTMESH_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SUPPORTMESH_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("SUPPORTMESH_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SUPPORTMESH_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("SUPPORTMESH_CACHE_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("SUPPORTMESH_ENGINE_TURN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Engine.TurnTimeout = d
		}
	}
	if v := os.Getenv("SUPPORTMESH_ENGINE_MAX_MODEL_CALLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxModelCalls = n
		}
	}
	if v := os.Getenv("SUPPORTMESH_MODELS_DEFAULT"); v != "" {
		cfg.Models.Default = v
	}
	if v := os.Getenv("SUPPORTMESH_ANTHROPIC_API_KEY"); v != "" {
		setProviderKey(cfg, "anthropic", v)
	}
	if v := os.Getenv("SUPPORTMESH_OPENAI_API_KEY"); v != "" {
		setProviderKey(cfg, "openai", v)
	}
	if v := os.Getenv("SUPPORTMESH_ESCALATION_SLACK_TOKEN"); v != "" {
		cfg.Escalation.SlackToken = v
	}
	if v := os.Getenv("SUPPORTMESH_ESCALATION_SLACK_CHANNEL"); v != "" {
		cfg.Escalation.SlackChannel = v
	}
	if v := os.Getenv("SUPPORTMESH_PACKAGES_DIR"); v != "" {
		cfg.Packages.Dir = v
	}
}

// setProviderKey fills the API key of every model of provider that has none.
func setProviderKey(cfg *Config, provider, key string) {
	for i := range cfg.Models.List {
		if cfg.Models.List[i].Provider == provider && cfg.Models.List[i].APIKey == "" {
			cfg.Models.List[i].APIKey = key
		}
	}
}

// Validate rejects unknown drivers and providers and non-positive limits.
func Validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unknown database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver != "memory" && cfg.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required for driver %q", cfg.Database.Driver)
	}

	switch cfg.Cache.Backend {
	case "memory":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return errors.New("config: cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q", cfg.Cache.Backend)
	}

	if cfg.Engine.EventBuffer <= 0 || cfg.Engine.MaxModelCalls <= 0 || cfg.Engine.HistoryWindow <= 0 || cfg.Engine.ToolParallelism <= 0 {
		return errors.New("config: engine limits must be positive")
	}
	if cfg.Engine.MaxWorkerHandoffs < 0 {
		return errors.New("config: engine.max_worker_handoffs must not be negative")
	}

	if len(cfg.Models.List) == 0 {
		return errors.New("config: at least one model is required")
	}
	ids := map[string]bool{}
	for _, m := range cfg.Models.List {
		if m.ID == "" {
			return errors.New("config: model without id")
		}
		if ids[m.ID] {
			return fmt.Errorf("config: duplicate model id %q", m.ID)
		}
		ids[m.ID] = true

		switch m.Provider {
		case "anthropic", "openai", "bedrock", "mock":
		default:
			return fmt.Errorf("config: model %s: unknown provider %q", m.ID, m.Provider)
		}
		if m.RateLimitRPM < 0 {
			return fmt.Errorf("config: model %s: rate_limit_rpm must not be negative", m.ID)
		}
	}
	if cfg.Models.Default != "" && !ids[cfg.Models.Default] {
		return fmt.Errorf("config: default model %q is not defined", cfg.Models.Default)
	}

	if cfg.Auth.SessionTTL <= 0 {
		return errors.New("config: auth.session_ttl must be positive")
	}
	if cfg.Escalation.FailureThreshold <= 0 {
		return errors.New("config: escalation.failure_threshold must be positive")
	}

	for _, d := range cfg.Packages.Deployments {
		if d.TenantID == "" || d.ChatbotID == "" || d.Package == "" {
			return errors.New("config: deployments need tenant_id, chatbot_id and package")
		}
	}

	for _, s := range cfg.MCP.Servers {
		switch s.Transport {
		case "stdio", "http":
		default:
			return fmt.Errorf("config: mcp server %s: unknown transport %q", s.Name, s.Transport)
		}
	}

	return nil
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
