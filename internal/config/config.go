package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration for the lectern service.
// Resolution order: environment variables, then the optional YAML file named
// by CONFIG_PATH (or ./lectern.yaml if present), then defaults.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Embeddings EmbeddingsConfig `mapstructure:"embeddings"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Session    SessionConfig    `mapstructure:"session"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// TuningPath points at the optional retrieval tuning YAML; watched for
	// changes at runtime (see tuning.go).
	TuningPath string `mapstructure:"tuning_path"`
	// PricingPath points at the optional model pricing YAML.
	PricingPath string `mapstructure:"pricing_path"`
}

// ServiceConfig contains the HTTP server knobs.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`
	MaxRequestBytes int64         `mapstructure:"max_request_bytes"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// StoreConfig points at the Postgres corpus store.
type StoreConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig points at the Redis used for sessions, the embedding L2 cache,
// and distributed rate limiting. The service starts without Redis; callers
// degrade through the circuit breaker when it is down.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// LLMConfig describes the chat-completion provider.
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmbeddingsConfig describes the text-to-vector provider and the client's
// batching/rate-limit envelope.
type EmbeddingsConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Provider    string        `mapstructure:"provider"`
	Dimension   int           `mapstructure:"dimension"`
	RatePerMin  int           `mapstructure:"rate_per_min"`
	Concurrency int           `mapstructure:"concurrency"`
	BaseBatch   int           `mapstructure:"base_batch"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// MaxChars is the truncation limit for a single embedding input,
// approximated as four characters per token.
func (e EmbeddingsConfig) MaxChars() int {
	return e.MaxTokens * 4
}

// CacheConfig bounds the in-process cache.
type CacheConfig struct {
	MaxBytes int64         `mapstructure:"max_bytes"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// SessionConfig bounds conversational state.
type SessionConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxHistory int           `mapstructure:"max_history"`
	LocalCache int           `mapstructure:"local_cache"`
}

// AgentConfig bounds a single conversational turn.
type AgentConfig struct {
	TurnTimeout        time.Duration `mapstructure:"turn_timeout"`
	ToolTimeout        time.Duration `mapstructure:"tool_timeout"`
	MaxToolCalls       int           `mapstructure:"max_tool_calls"`
	HistoryMessages    int           `mapstructure:"history_messages"`
	HistoryTokenBudget int           `mapstructure:"history_token_budget"`
	SystemPrompt       string        `mapstructure:"system_prompt"`
}

// AuthConfig controls the optional bearer-auth middleware.
type AuthConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	APIKeysPath string `mapstructure:"api_keys_path"`
}

// RateLimitConfig controls per-client request limiting. RPM of zero disables.
type RateLimitConfig struct {
	RPM int `mapstructure:"rpm"`
}

// GraphConfig points at the optional entity-graph service. Empty URL disables
// the graph tools.
type GraphConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PolicyConfig points at the optional Rego policy directory gating tool calls.
type PolicyConfig struct {
	Path string `mapstructure:"path"`
}

// TracingConfig controls the OTLP exporter. Empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// LoggingConfig controls zap construction.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// envBindings maps config keys to the flat environment variables the service
// documents. Environment always wins over the file.
var envBindings = map[string]string{
	"service.port":              "PORT",
	"service.max_request_bytes": "MAX_REQUEST_BYTES",
	"service.cors_origins":      "CORS_ORIGINS",
	"service.shutdown_grace":    "SHUTDOWN_GRACE_SECS",
	"store.url":                 "STORE_URL",
	"redis.url":                 "REDIS_URL",
	"llm.base_url":              "LLM_BASE_URL",
	"llm.api_key":               "LLM_API_KEY",
	"llm.model":                 "LLM_MODEL",
	"embeddings.base_url":       "EMBED_BASE_URL",
	"embeddings.api_key":        "EMBED_API_KEY",
	"embeddings.model":          "EMBED_MODEL",
	"embeddings.provider":       "EMBED_PROVIDER",
	"embeddings.dimension":      "EMBED_DIM",
	"embeddings.rate_per_min":   "EMBED_RATE_PER_MIN",
	"embeddings.concurrency":    "EMBED_CONCURRENCY",
	"embeddings.base_batch":     "EMBED_BASE_BATCH",
	"cache.max_bytes":           "CACHE_BYTES",
	"cache.ttl":                 "CACHE_TTL_SECS",
	"session.ttl":               "SESSION_TTL_SECS",
	"auth.enabled":              "AUTH_ENABLED",
	"auth.jwt_secret":           "AUTH_JWT_SECRET",
	"auth.api_keys_path":        "API_KEYS_PATH",
	"rate_limit.rpm":            "RATE_LIMIT_RPM",
	"graph.url":                 "GRAPH_URL",
	"policy.path":               "POLICY_PATH",
	"tracing.endpoint":          "OTEL_EXPORTER_OTLP_ENDPOINT",
	"tuning_path":               "TUNING_PATH",
	"pricing_path":              "PRICING_PATH",
	"logging.level":             "LOG_LEVEL",
	"logging.development":       "LOG_DEV",
}

// secondsKeys are bound to env vars expressed in whole seconds rather than
// Go duration syntax.
var secondsKeys = map[string]bool{
	"service.shutdown_grace": true,
	"cache.ttl":              true,
	"session.ttl":            true,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.read_timeout", 30*time.Second)
	v.SetDefault("service.idle_timeout", 300*time.Second)
	v.SetDefault("service.shutdown_grace", 10*time.Second)
	v.SetDefault("service.max_request_bytes", int64(1<<20))
	v.SetDefault("service.cors_origins", []string{})

	// Secrets and URLs default to empty so Unmarshal always sees the key.
	v.SetDefault("store.url", "")
	v.SetDefault("store.max_connections", 25)
	v.SetDefault("store.idle_connections", 5)
	v.SetDefault("store.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.api_key", "")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.provider", "openai")
	v.SetDefault("embeddings.dimension", 1536)
	v.SetDefault("embeddings.rate_per_min", 60)
	v.SetDefault("embeddings.concurrency", 3)
	v.SetDefault("embeddings.base_batch", 100)
	v.SetDefault("embeddings.max_tokens", 8000)
	v.SetDefault("embeddings.timeout", 30*time.Second)

	v.SetDefault("cache.max_bytes", int64(100<<20))
	v.SetDefault("cache.ttl", time.Hour)

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.max_history", 100)
	v.SetDefault("session.local_cache", 1000)

	v.SetDefault("agent.turn_timeout", 90*time.Second)
	v.SetDefault("agent.tool_timeout", 10*time.Second)
	v.SetDefault("agent.max_tool_calls", 8)
	v.SetDefault("agent.history_messages", 50)
	v.SetDefault("agent.history_token_budget", 8000)
	v.SetDefault("agent.system_prompt", "")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.api_keys_path", "")

	v.SetDefault("rate_limit.rpm", 120)

	v.SetDefault("graph.url", "")
	v.SetDefault("graph.timeout", 10*time.Second)

	v.SetDefault("policy.path", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "lectern")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("tuning_path", "")
	v.SetDefault("pricing_path", "")
}

// Load reads configuration from the environment and the optional config file.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("lectern.yaml"); err == nil {
			cfgPath = "lectern.yaml"
		}
	}
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	normalizeSeconds(v)
	normalizeOrigins(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// normalizeSeconds rewrites bare-integer duration keys as seconds so both
// "3600" and "1h" parse.
func normalizeSeconds(v *viper.Viper) {
	for key := range secondsKeys {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			continue
		}
		allDigits := true
		for _, r := range raw {
			if r < '0' || r > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			v.Set(key, raw+"s")
		}
	}
}

// normalizeOrigins splits CORS_ORIGINS on commas when it arrives as a single
// string from the environment.
func normalizeOrigins(v *viper.Viper) {
	raw := v.GetString("service.cors_origins")
	if !strings.Contains(raw, ",") {
		return
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	v.Set("service.cors_origins", origins)
}

// Validate reports the first missing required setting. A failure here is a
// configuration error (exit code 1), not a startup failure.
func (c *Config) Validate() error {
	if c.Store.URL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	if c.Embeddings.APIKey == "" {
		return fmt.Errorf("EMBED_API_KEY is required")
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("EMBED_DIM must be positive, got %d", c.Embeddings.Dimension)
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Service.Port)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" && c.Auth.APIKeysPath == "" {
		return fmt.Errorf("auth enabled but neither AUTH_JWT_SECRET nor API_KEYS_PATH is set")
	}
	return nil
}
