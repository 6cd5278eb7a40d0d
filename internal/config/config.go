// Package config loads TokenShield configuration from YAML files and
// environment variables and translates it into a shield Config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/amerfu/tokenshield/internal/breaker"
	"github.com/amerfu/tokenshield/internal/budget"
	"github.com/amerfu/tokenshield/internal/router"
	"github.com/amerfu/tokenshield/pkg/tokenshield"
)

// Config is the on-disk configuration shape.
type Config struct {
	Modules    ModulesConfig    `mapstructure:"modules"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Context    ContextConfig    `mapstructure:"context"`
	Router     RouterConfig     `mapstructure:"router"`
	Prefix     PrefixConfig     `mapstructure:"prefix"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	UserBudget UserBudgetConfig `mapstructure:"user_budget"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ModulesConfig struct {
	Guard   bool `mapstructure:"guard"`
	Cache   bool `mapstructure:"cache"`
	Context bool `mapstructure:"context"`
	Router  bool `mapstructure:"router"`
	Prefix  bool `mapstructure:"prefix"`
	Ledger  bool `mapstructure:"ledger"`
}

type GuardConfig struct {
	Debounce             time.Duration `mapstructure:"debounce"`
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	MaxCostPerHour       float64       `mapstructure:"max_cost_per_hour"`
	DeduplicateWindow    time.Duration `mapstructure:"deduplicate_window"`
	DeduplicateInFlight  bool          `mapstructure:"deduplicate_in_flight"`
	MinInputLength       int           `mapstructure:"min_input_length"`
	MaxInputTokens       int           `mapstructure:"max_input_tokens"`
}

type CacheConfig struct {
	MaxEntries          int           `mapstructure:"max_entries"`
	TTL                 time.Duration `mapstructure:"ttl"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	Encoding            string        `mapstructure:"encoding"`
	NumHashes           int           `mapstructure:"num_hashes"`
	Bands               int           `mapstructure:"bands"`
	Persist             bool          `mapstructure:"persist"`
}

type ContextConfig struct {
	MaxInputTokens   int  `mapstructure:"max_input_tokens"`
	ReserveForOutput int  `mapstructure:"reserve_for_output"`
	Summarize        bool `mapstructure:"summarize"`
}

type RouterConfig struct {
	Tiers               []router.Tier `mapstructure:"tiers"`
	ComplexityThreshold float64       `mapstructure:"complexity_threshold"`
}

type PrefixConfig struct {
	Provider string `mapstructure:"provider"`
}

type LedgerConfig struct {
	Persist   bool   `mapstructure:"persist"`
	Feature   string `mapstructure:"feature"`
	HashChain bool   `mapstructure:"hash_chain"`
}

type BreakerConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	PerSession *float64 `mapstructure:"per_session"`
	PerHour    *float64 `mapstructure:"per_hour"`
	PerDay     *float64 `mapstructure:"per_day"`
	Action     string   `mapstructure:"action"`
	Persist    bool     `mapstructure:"persist"`
}

type UserBudgetConfig struct {
	Enabled        bool                         `mapstructure:"enabled"`
	Users          map[string]budget.UserLimits `mapstructure:"users"`
	DefaultDaily   float64                      `mapstructure:"default_daily"`
	DefaultMonthly float64                      `mapstructure:"default_monthly"`
	TierModels     map[string]string            `mapstructure:"tier_models"`
	Persist        bool                         `mapstructure:"persist"`
}

type StorageConfig struct {
	Backend  string        `mapstructure:"backend"`
	Dir      string        `mapstructure:"dir"`
	RedisURL string        `mapstructure:"redis_url"`
	RedisTTL time.Duration `mapstructure:"redis_ttl"`
}

// ServerConfig applies to the demo HTTP surface only.
type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load reads configuration from configPath (or the default search
// paths), applies defaults, and overlays TOKENSHIELD_* environment
// variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("tokenshield")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tokenshield")
	}

	setDefaults(v)

	v.SetEnvPrefix("TOKENSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("modules.guard", true)
	v.SetDefault("modules.cache", true)
	v.SetDefault("modules.context", true)
	v.SetDefault("modules.router", false)
	v.SetDefault("modules.prefix", true)
	v.SetDefault("modules.ledger", true)

	v.SetDefault("guard.min_input_length", 2)
	v.SetDefault("guard.deduplicate_window", "5s")

	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.similarity_threshold", 0.85)
	v.SetDefault("cache.encoding", "minhash")

	v.SetDefault("context.reserve_for_output", 500)

	v.SetDefault("ledger.feature", "default")

	v.SetDefault("breaker.action", "stop")

	v.SetDefault("storage.backend", "memory")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.graceful_shutdown", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")
}

// ShieldConfig translates the on-disk shape into the library's
// configuration.
func (c *Config) ShieldConfig() tokenshield.Config {
	modules := tokenshield.Modules(c.Modules)

	cfg := tokenshield.Config{
		Modules: &modules,
		Guard:   tokenshield.GuardConfig(c.Guard),
		Cache:   tokenshield.CacheConfig(c.Cache),
		Context: tokenshield.ContextConfig(c.Context),
		Router: tokenshield.RouterConfig{
			Tiers:               c.Router.Tiers,
			ComplexityThreshold: c.Router.ComplexityThreshold,
		},
		Prefix: tokenshield.PrefixConfig(c.Prefix),
		Ledger: tokenshield.LedgerConfig(c.Ledger),
		Storage: tokenshield.StorageConfig{
			Backend:  c.Storage.Backend,
			Dir:      c.Storage.Dir,
			RedisURL: c.Storage.RedisURL,
			RedisTTL: c.Storage.RedisTTL,
		},
	}

	if c.Breaker.Enabled {
		cfg.Breaker = &tokenshield.BreakerConfig{
			Limits: tokenshield.BreakerLimits{
				PerSession: c.Breaker.PerSession,
				PerHour:    c.Breaker.PerHour,
				PerDay:     c.Breaker.PerDay,
			},
			Action:  breaker.Action(c.Breaker.Action),
			Persist: c.Breaker.Persist,
		}
	}
	if c.UserBudget.Enabled {
		cfg.UserBudget = &tokenshield.UserBudgetConfig{
			Users: c.UserBudget.Users,
			DefaultLimits: budget.UserLimits{
				Daily:   c.UserBudget.DefaultDaily,
				Monthly: c.UserBudget.DefaultMonthly,
			},
			TierModels: c.UserBudget.TierModels,
			Persist:    c.UserBudget.Persist,
		}
	}
	return cfg
}
