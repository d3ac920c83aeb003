// Package config loads service configuration from defaults, an optional
// YAML file and AUTHCORE_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"authcore/internal/cache/badger"
	"authcore/internal/cache/valkey"
	"authcore/internal/db"
	"authcore/internal/mailer"
	"authcore/internal/observability"
	"authcore/internal/ratelimit"
	"authcore/internal/token"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "AUTHCORE_"

const (
	DriverMemory = "memory"
	DriverValkey = "valkey"
	DriverBadger = "badger"
)

type Config struct {
	Env         string                     `koanf:"env"`
	HTTP        HTTPConfig                 `koanf:"http"`
	Database    DatabaseConfig             `koanf:"database"`
	Cache       CacheConfig                `koanf:"cache"`
	Token       token.Config               `koanf:"token"`
	Reset       ResetConfig                `koanf:"reset"`
	RateLimit   RateLimitConfig            `koanf:"ratelimit"`
	Mail        mailer.Config              `koanf:"mail"`
	Sentry      observability.SentryConfig `koanf:"sentry"`
	Log         observability.LogConfig    `koanf:"log"`
	Maintenance MaintenanceConfig          `koanf:"maintenance"`
	Admin       AdminConfig                `koanf:"admin"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	TrustProxy      bool          `koanf:"trust_proxy"`
}

type DatabaseConfig struct {
	db.PoolConfig `koanf:",squash"`
	RunMigrations bool `koanf:"run_migrations"`
}

type CacheConfig struct {
	Driver          string        `koanf:"driver"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
	Valkey          valkey.Config `koanf:"valkey"`
	Badger          badger.Config `koanf:"badger"`
}

type ResetConfig struct {
	TicketTTL time.Duration `koanf:"ticket_ttl"`
}

type RateLimitConfig struct {
	Login          ratelimit.Rule `koanf:"login"`
	ForgotPassword ratelimit.Rule `koanf:"forgot_password"`
	ResetPassword  ratelimit.Rule `koanf:"reset_password"`
}

// Rules returns the limits keyed by category.
func (c RateLimitConfig) Rules() map[ratelimit.Category]ratelimit.Rule {
	return map[ratelimit.Category]ratelimit.Rule{
		ratelimit.Login:          c.Login,
		ratelimit.ForgotPassword: c.ForgotPassword,
		ratelimit.ResetPassword:  c.ResetPassword,
	}
}

type MaintenanceConfig struct {
	CronSecret string `koanf:"cron_secret"`
}

type AdminConfig struct {
	Email    string `koanf:"email"`
	Password string `koanf:"password"`
}

func Default() Config {
	rules := ratelimit.DefaultRules()
	return Config{
		Env: "development",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			PoolConfig: db.PoolConfig{
				MaxConns:        10,
				MinConns:        1,
				ConnMaxLifetime: 30 * time.Minute,
				ConnMaxIdleTime: 10 * time.Minute,
				ConnectAttempts: 5,
			},
			RunMigrations: true,
		},
		Cache: CacheConfig{
			Driver:          DriverMemory,
			JanitorInterval: time.Minute,
			Valkey:          valkey.Config{Address: "localhost:6379", KeyPrefix: "authcore:"},
			Badger:          badger.Config{Dir: "data/cache", GCThreshold: 0.5},
		},
		Token: token.Config{
			AccessTTL:      15 * time.Minute,
			RefreshTTL:     7 * 24 * time.Hour,
			Issuer:         "authcore",
			ReuseDetection: true,
		},
		Reset: ResetConfig{TicketTTL: 10 * time.Minute},
		RateLimit: RateLimitConfig{
			Login:          rules[ratelimit.Login],
			ForgotPassword: rules[ratelimit.ForgotPassword],
			ResetPassword:  rules[ratelimit.ResetPassword],
		},
		Mail: mailer.Config{
			From:       "no-reply@localhost",
			ResetURL:   "http://localhost:3000/reset-password",
			RatePerSec: 5,
			Burst:      5,
			QueueSize:  64,
		},
		Log: observability.LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads .env (if present), then the YAML file at path (if set), then
// AUTHCORE_ variables. Nested keys use a double underscore:
// AUTHCORE_TOKEN__ACCESS_SECRET sets token.access_secret.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if len(c.Token.AccessSecret) < 32 {
		errs = append(errs, errors.New("token.access_secret must be at least 32 bytes"))
	}
	if len(c.Token.RefreshSecret) < 32 {
		errs = append(errs, errors.New("token.refresh_secret must be at least 32 bytes"))
	}
	if c.Token.AccessSecret != "" && c.Token.AccessSecret == c.Token.RefreshSecret {
		errs = append(errs, errors.New("token.access_secret and token.refresh_secret must differ"))
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token ttls must be positive"))
	} else if c.Token.AccessTTL >= c.Token.RefreshTTL {
		errs = append(errs, errors.New("token.access_ttl must be shorter than token.refresh_ttl"))
	}

	switch c.Cache.Driver {
	case DriverMemory:
	case DriverValkey:
		if strings.TrimSpace(c.Cache.Valkey.Address) == "" {
			errs = append(errs, errors.New("cache.valkey.address is required for the valkey driver"))
		}
	case DriverBadger:
		if !c.Cache.Badger.InMemory && strings.TrimSpace(c.Cache.Badger.Dir) == "" {
			errs = append(errs, errors.New("cache.badger.dir is required unless cache.badger.in_memory is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.driver %q", c.Cache.Driver))
	}

	for category, rule := range c.RateLimit.Rules() {
		if rule.Limit <= 0 || rule.Window <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit.%s needs a positive limit and window", category))
		}
	}

	if c.Reset.TicketTTL <= 0 {
		errs = append(errs, errors.New("reset.ticket_ttl must be positive"))
	}
	if strings.TrimSpace(c.Mail.ResetURL) == "" {
		errs = append(errs, errors.New("mail.reset_url is required"))
	}
	if (c.Admin.Email == "") != (c.Admin.Password == "") {
		errs = append(errs, errors.New("admin.email and admin.password must be set together"))
	}

	return errors.Join(errs...)
}

// UsesDatabase reports whether accounts live in PostgreSQL rather than in
// process memory.
func (c Config) UsesDatabase() bool {
	return strings.TrimSpace(c.Database.URL) != ""
}
