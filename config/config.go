// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/warp/checkin-engine/checkin"
	"github.com/warp/checkin-engine/ledger"
	"golang.org/x/text/language"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is read once at startup and treated as immutable.
type Config struct {
	// Server
	Port               int
	CORSAllowedOrigins []string

	// Storage
	DBDriver    string
	SQLitePath  string
	DatabaseURL string

	// Check-in
	Cooldown         time.Duration
	ConsumptionOrder ledger.PurchaseOrder
	StoreTimeout     time.Duration
	DefaultLocale    language.Tag

	// Rate limit on POST /api/checkins, per client IP
	CheckInsPerMinute int

	// Reconciliation cron schedule; empty disables the job
	ReconcileSchedule string

	// Logging
	LogLevel  zerolog.Level
	LogPretty bool
}

// Load reads an optional .env file, then the environment. A value that is
// present but invalid is an error naming its key.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup without touching .env files.
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	e := env{lookup: lookup}
	cfg := &Config{
		Port:               e.int("PORT", 8080),
		CORSAllowedOrigins: e.list("CORS_ALLOWED_ORIGINS", []string{"*"}),
		DBDriver:           e.string("DB_DRIVER", DriverSQLite),
		SQLitePath:         e.string("SQLITE_PATH", "checkin.db"),
		DatabaseURL:        e.string("DATABASE_URL", ""),
		Cooldown:           e.duration("CHECKIN_COOLDOWN", ledger.DefaultCooldown),
		StoreTimeout:       e.duration("STORE_TIMEOUT", 5*time.Second),
		CheckInsPerMinute:  e.int("RATE_LIMIT_CHECKINS_PER_MINUTE", 30),
		ReconcileSchedule:  e.raw("RECONCILE_SCHEDULE", "@every 1h"),
		LogPretty:          e.bool("LOG_PRETTY", false),
	}

	switch cfg.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			e.fail("DATABASE_URL", "required when DB_DRIVER=postgres")
		}
	default:
		e.fail("DB_DRIVER", fmt.Sprintf("unknown driver %q", cfg.DBDriver))
	}

	order := e.string("CONSUMPTION_ORDER", string(ledger.NewestFirst))
	if o, ok := ledger.ParsePurchaseOrder(order); ok {
		cfg.ConsumptionOrder = o
	} else {
		e.fail("CONSUMPTION_ORDER", fmt.Sprintf("want newest or oldest, got %q", order))
	}

	locale := e.string("DEFAULT_LOCALE", "en")
	if tag, ok := checkin.ParseLocale(locale); ok {
		cfg.DefaultLocale = tag
	} else {
		e.fail("DEFAULT_LOCALE", fmt.Sprintf("unsupported locale %q", locale))
	}

	level, err := zerolog.ParseLevel(e.string("LOG_LEVEL", "info"))
	if err != nil {
		e.fail("LOG_LEVEL", err.Error())
	}
	cfg.LogLevel = level

	if cfg.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(cfg.ReconcileSchedule); err != nil {
			e.fail("RECONCILE_SCHEDULE", err.Error())
		}
	}
	if cfg.Cooldown <= 0 {
		e.fail("CHECKIN_COOLDOWN", "must be positive")
	}
	if cfg.CheckInsPerMinute < 0 {
		e.fail("RATE_LIMIT_CHECKINS_PER_MINUTE", "must not be negative")
	}

	if len(e.errs) > 0 {
		return nil, errors.Join(e.errs...)
	}
	return cfg, nil
}

// Addr is the listen address for Port.
func (c *Config) Addr() string { return ":" + strconv.Itoa(c.Port) }

// =============================================================================
// ENV PARSING
// =============================================================================

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) get(key string) string {
	v, _ := e.lookup(key)
	return v
}

func (e *env) fail(key, reason string) {
	e.errs = append(e.errs, fmt.Errorf("config %s: %s", key, reason))
}

// raw distinguishes an unset key from one set to the empty string.
func (e *env) raw(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) string(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, fmt.Sprintf("not an integer: %q", v))
		return def
	}
	return i
}

func (e *env) bool(key string, def bool) bool {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, fmt.Sprintf("not a boolean: %q", v))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, fmt.Sprintf("not a duration: %q", v))
		return def
	}
	return d
}

func (e *env) list(key string, def []string) []string {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
