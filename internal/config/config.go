package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/research-orchestrator/internal/agents"
	"github.com/Kocoro-lab/research-orchestrator/internal/db"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
	"github.com/Kocoro-lab/research-orchestrator/internal/policy"
	"github.com/Kocoro-lab/research-orchestrator/internal/providers"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ProvidersConfig selects the search adapters. Keys come from the
// environment only.
type ProvidersConfig struct {
	Enabled        []string           `mapstructure:"enabled"`
	MaxResults     int                `mapstructure:"max_results"`
	HTTPTimeout    time.Duration      `mapstructure:"http_timeout"`
	FetchPages     bool               `mapstructure:"fetch_pages"`
	Simulated      bool               `mapstructure:"simulated"`
	CircuitBreaker bool               `mapstructure:"circuit_breaker"`
	RateLimitsPath string             `mapstructure:"rate_limits_path"`
	TrustWeights   map[string]float64 `mapstructure:"trust_weights"`
	BraveAPIKey    string             `mapstructure:"brave_api_key"`
	SerperAPIKey   string             `mapstructure:"serper_api_key"`
}

type PlannerConfig struct {
	Expand     bool `mapstructure:"expand"`
	MaxQueries int  `mapstructure:"max_queries"`
}

type ScoringConfig struct {
	CorroborationBonus float64 `mapstructure:"corroboration_bonus"`
	DefaultTrust       float64 `mapstructure:"default_trust"`
	ContentHeuristics  bool    `mapstructure:"content_heuristics"`
}

type StreamingConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	Retain       time.Duration `mapstructure:"retain"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	StreamMaxLen int64         `mapstructure:"stream_maxlen"`
	StreamTTL    time.Duration `mapstructure:"stream_ttl"`
}

type ReportCacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
	SkipAuth    bool          `mapstructure:"skip_auth"`
}

// Config is the complete service configuration.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Server      ServerConfig        `mapstructure:"server"`
	Research    orchestrator.Config `mapstructure:"research"`
	Planner     PlannerConfig       `mapstructure:"planner"`
	Scoring     ScoringConfig       `mapstructure:"scoring"`
	Providers   ProvidersConfig     `mapstructure:"providers"`
	Streaming   StreamingConfig     `mapstructure:"streaming"`
	ReportCache ReportCacheConfig   `mapstructure:"report_cache"`
	Database    db.Config           `mapstructure:"database"`
	Policy      policy.Config       `mapstructure:"policy"`
	Auth        AuthConfig          `mapstructure:"auth"`
	Tracing     tracing.Config      `mapstructure:"tracing"`
}

func setDefaults(v *viper.Viper) {
	d := orchestrator.DefaultConfig()
	v.SetDefault("environment", "dev")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("research.planning_timeout", d.PlanningTimeout)
	v.SetDefault("research.gathering_timeout", d.GatheringTimeout)
	v.SetDefault("research.analysis_timeout", d.AnalysisTimeout)
	v.SetDefault("research.validation_timeout", d.ValidationTimeout)
	v.SetDefault("research.synthesis_timeout", d.SynthesisTimeout)
	v.SetDefault("research.max_regather_cycles", d.MaxReGatherCycles)
	v.SetDefault("research.max_active_tasks", d.MaxActiveTasks)
	v.SetDefault("research.retain_finished", d.RetainFinished)
	v.SetDefault("research.retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("research.retry.attempt_timeout", d.Retry.AttemptTimeout)
	v.SetDefault("research.retry.initial_interval", d.Retry.InitialInterval)
	v.SetDefault("research.retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("research.retry.multiplier", d.Retry.Multiplier)
	v.SetDefault("research.researcher.max_concurrent_requests", d.Researcher.MaxConcurrentRequests)
	v.SetDefault("research.researcher.max_sources_per_pass", d.Researcher.MaxSourcesPerPass)
	v.SetDefault("research.researcher.skip_low_quality", d.Researcher.SkipLowQuality)
	v.SetDefault("research.researcher.min_content_length", d.Researcher.MinContentLength)
	v.SetDefault("research.critic.min_corroboration", d.Critic.MinCorroboration)
	v.SetDefault("research.critic.min_confidence", d.Critic.MinConfidence)
	v.SetDefault("research.critic.support_threshold", d.Critic.SupportThreshold)
	v.SetDefault("research.critic.contradiction_threshold", d.Critic.ContradictionThreshold)

	v.SetDefault("planner.expand", true)
	v.SetDefault("planner.max_queries", 3)
	v.SetDefault("scoring.corroboration_bonus", 0.1)
	v.SetDefault("scoring.default_trust", 0.6)
	v.SetDefault("scoring.content_heuristics", true)

	v.SetDefault("providers.enabled", []string{"brave", "serper"})
	v.SetDefault("providers.max_results", 10)
	v.SetDefault("providers.http_timeout", 10*time.Second)
	v.SetDefault("providers.simulated", false)
	v.SetDefault("providers.circuit_breaker", true)
	v.SetDefault("providers.rate_limits_path", "config/rate_limits.yaml")

	v.SetDefault("streaming.capacity", 256)
	v.SetDefault("streaming.retain", 10*time.Minute)
	v.SetDefault("streaming.stream_maxlen", 256)
	v.SetDefault("streaming.stream_ttl", 24*time.Hour)
	v.SetDefault("report_cache.ttl", time.Hour)

	v.SetDefault("database.driver", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.workers", 4)

	p := policy.DefaultConfig()
	v.SetDefault("policy.enabled", p.Enabled)
	v.SetDefault("policy.mode", string(p.Mode))
	v.SetDefault("policy.path", p.Path)
	v.SetDefault("policy.fail_closed", p.FailClosed)
	v.SetDefault("policy.environment", p.Environment)

	v.SetDefault("auth.token_expiry", time.Hour)
	v.SetDefault("auth.skip_auth", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "research-orchestrator")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
}

// Load reads the YAML file at path (CONFIG_PATH when empty, then
// config/research.yaml). A missing file is not an error; RESEARCH_*
// environment variables override file values, e.g.
// RESEARCH_RESEARCH_MAX_REGATHER_CYCLES.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config/research.yaml"
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("RESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names for secrets and endpoints.
	_ = v.BindEnv("providers.brave_api_key", "BRAVE_API_KEY")
	_ = v.BindEnv("providers.serper_api_key", "SERPER_API_KEY")
	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("streaming.redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("report_cache.redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = v.BindEnv("server.metrics_port", "METRICS_PORT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ProviderSettings converts the provider section for providers.Build.
func (c *Config) ProviderSettings() providers.Settings {
	p := c.Providers
	return providers.Settings{
		Enabled:        p.Enabled,
		BraveAPIKey:    p.BraveAPIKey,
		SerperAPIKey:   p.SerperAPIKey,
		MaxResults:     p.MaxResults,
		HTTPTimeout:    p.HTTPTimeout,
		FetchPages:     p.FetchPages,
		Simulated:      p.Simulated,
		CircuitBreaker: p.CircuitBreaker,
	}
}

// Credibility builds the source scorer.
func (c *Config) Credibility() agents.CredibilityScorer {
	trust := agents.TrustScorer{
		Weights:            c.Providers.TrustWeights,
		DefaultWeight:      c.Scoring.DefaultTrust,
		CorroborationBonus: c.Scoring.CorroborationBonus,
	}
	if !c.Scoring.ContentHeuristics {
		return trust
	}
	return agents.HeuristicScorer{Trust: trust}
}

// Planner builds the query planner.
func (c *Config) Planner() agents.Planner {
	if !c.Planner.Expand {
		return agents.SingleQuery{}
	}
	return agents.ExpandingPlanner{MaxQueries: c.Planner.MaxQueries}
}
