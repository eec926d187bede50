// Package config defines the kernel's configuration tree and a static
// YAML loader. The file-system watcher that turns this into a
// hot-reloadable service is an external collaborator (spec §1, §5):
// this package only publishes the immutable snapshot the reloader
// would otherwise swap in, via Store.
package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree (spec §6).
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Log       LogConfig               `yaml:"log"`
	QoS       QoSConfig               `yaml:"qos"`
	Ensemble  EnsembleConfig          `yaml:"ensemble"`
	Breaker   BreakerConfig           `yaml:"breaker"`
	Cache     CacheConfig             `yaml:"cache"`
	Providers []ProviderConfig        `yaml:"providers"`
	Judge     JudgeConfig             `yaml:"judge"`
	Tenancy   map[string]TenantConfig `yaml:"tenancy"`
	Auth      AuthConfig              `yaml:"auth"`
	Redis     RedisConfig             `yaml:"redis"`
}

// ServerConfig configures the (out-of-scope) transport front ends.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// LogConfig configures the zap logger (spec ambient stack: logging).
type LogConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"` // "json" | "console"
	OutputPaths []string `yaml:"output_paths"`
}

// AuthConfig carries the JWT bearer secret; API keys live per-tenant.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RedisConfig configures the optional distributed rate-limit bucket
// (package ratelimit). Left unset, tenants fall back to the local
// in-process limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QoSConfig bounds request-level quality of service (spec §6).
type QoSConfig struct {
	MaxDeadlineMS    int `yaml:"max_deadline_ms"`
	HedgeAfterMS     int `yaml:"hedge_after_ms"`
	MaxPromptBytes   int `yaml:"max_prompt_bytes"`
	MaxTokensDefault int `yaml:"max_tokens_default"`

	// MaxContextTokens bounds estimated-prompt-tokens + max_tokens
	// (tokenest package), rejecting with InvalidQuery before any
	// backend call. Spec.md is silent on this; it's the domain-
	// standard context-window guard every LLM front end carries.
	MaxContextTokens int `yaml:"max_context_tokens"`
}

// EnsembleConfig resolves the default strategy and per-task overrides.
type EnsembleConfig struct {
	DefaultStrategy  string            `yaml:"default_strategy"`
	StrategyByTask   map[string]string `yaml:"strategy_by_task"`
}

// BreakerConfig parameterizes every provider's circuit breaker.
type BreakerConfig struct {
	FailRate       float64 `yaml:"fail_rate"`
	WindowSize     int     `yaml:"window_size"`
	OpenCooldownMS int     `yaml:"open_cooldown_ms"`
}

// CacheConfig controls the fingerprint cache.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	TTLSeconds int  `yaml:"ttl_seconds"`
	Capacity   int  `yaml:"capacity"`
}

// ProviderConfig describes one backend registration (spec §3, §6).
type ProviderConfig struct {
	Name      string   `yaml:"name"`
	Driver    string   `yaml:"driver"`
	BaseURL   string   `yaml:"base_url"`
	Model     string   `yaml:"model"`
	Tasks     []string `yaml:"tasks"`
	Weight    float64  `yaml:"weight"`
	TimeoutMS int      `yaml:"timeout_ms"`
}

// JudgeConfig configures the Judge ensemble strategy (spec §4.7).
type JudgeConfig struct {
	ModelProvider    string `yaml:"model_provider"`
	MaxTokens        int    `yaml:"max_tokens"`
	DeadlineMS       int    `yaml:"deadline_ms"`
	FallbackStrategy string `yaml:"fallback_strategy"`
}

// TenantConfig describes one tenant's auth and quota (spec §6).
type TenantConfig struct {
	APIKey         string `yaml:"api_key"`
	JWTSubject     string `yaml:"jwt_subject"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	Distributed    bool    `yaml:"distributed"`
}

// defaults mirrors the original prototype's defaults (original_source
// src/config.rs), translated to Go zero-value backfill.
func defaults() Config {
	return Config{
		Server: ServerConfig{HTTPAddr: "0.0.0.0:7071", GRPCAddr: "0.0.0.0:7070"},
		QoS: QoSConfig{
			MaxDeadlineMS:    1500,
			HedgeAfterMS:     300,
			MaxPromptBytes:   16384,
			MaxTokensDefault: 256,
			MaxContextTokens: 8192,
		},
		Ensemble: EnsembleConfig{DefaultStrategy: "FASTEST"},
		Breaker: BreakerConfig{
			FailRate:       0.10,
			WindowSize:     50,
			OpenCooldownMS: 300000,
		},
		Cache: CacheConfig{Enabled: true, TTLSeconds: 900, Capacity: 10000},
		Judge: JudgeConfig{MaxTokens: 128, DeadlineMS: 700, FallbackStrategy: "VOTING"},
	}
}

// Load reads and parses a YAML config file, applying defaults() for
// any zero-valued section and validating the minimal invariants the
// kernel depends on.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if len(cfg.Providers) == 0 {
		return fmt.Errorf("config: no providers configured")
	}
	if cfg.QoS.MaxDeadlineMS <= 0 {
		return fmt.Errorf("config: qos.max_deadline_ms must be positive")
	}
	if cfg.QoS.MaxPromptBytes <= 0 {
		return fmt.Errorf("config: qos.max_prompt_bytes must be positive")
	}
	seen := make(map[string]struct{}, len(cfg.Providers))
	for _, p := range cfg.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// Store publishes an immutable *Config snapshot for read-mostly
// consumers. A config reloader (external, spec §5) calls Swap after
// re-parsing; readers call Load and never see a torn write.
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore seeds a Store with an initial snapshot.
func NewStore(initial *Config) *Store {
	s := &Store{}
	s.ptr.Store(initial)
	return s
}

// Load returns the current snapshot.
func (s *Store) Load() *Config { return s.ptr.Load() }

// Swap atomically publishes a new snapshot.
func (s *Store) Swap(next *Config) { s.ptr.Store(next) }
