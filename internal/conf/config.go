// Package conf loads and validates the relance engine settings.
package conf

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"github.com/tourcraft/relances/internal/errors"
)

// Settings is the root configuration tree.
type Settings struct {
	Log          Log          `mapstructure:"log" yaml:"log" json:"log"`
	Database     Database     `mapstructure:"database" yaml:"database" json:"database"`
	Engine       Engine       `mapstructure:"engine" yaml:"engine" json:"engine"`
	Migration    Migration    `mapstructure:"migration" yaml:"migration" json:"migration"`
	Server       Server       `mapstructure:"server" yaml:"server" json:"server"`
	MQTT         MQTT         `mapstructure:"mqtt" yaml:"mqtt" json:"mqtt"`
	Redis        Redis        `mapstructure:"redis" yaml:"redis" json:"redis"`
	Queue        Queue        `mapstructure:"queue" yaml:"queue" json:"queue"`
	Notification Notification `mapstructure:"notification" yaml:"notification" json:"notification"`
	Sentry       Sentry       `mapstructure:"sentry" yaml:"sentry" json:"sentry"`
}

// Log configures the zap backend.
type Log struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"` // json or console
}

// Database selects the relance store backend.
type Database struct {
	Type         string `mapstructure:"type" yaml:"type" json:"type"` // sqlite, mysql or postgres
	Path         string `mapstructure:"path" yaml:"path" json:"path"` // sqlite file
	DSN          string `mapstructure:"dsn" yaml:"dsn" json:"-"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns" json:"max_open_conns"`
	Debug        bool   `mapstructure:"debug" yaml:"debug" json:"debug"`
}

// Engine tunes evaluation and materialization.
type Engine struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	// GuardTTL is the loop guard suppression window.
	GuardTTL Duration `mapstructure:"guard_ttl" yaml:"guard_ttl" json:"guard_ttl"`
	// GuardBackend is "memory" or "redis".
	GuardBackend string `mapstructure:"guard_backend" yaml:"guard_backend" json:"guard_backend"`
	// EvaluationCooldown skips repeated evaluations of one entity. Zero disables it.
	EvaluationCooldown Duration `mapstructure:"evaluation_cooldown" yaml:"evaluation_cooldown" json:"evaluation_cooldown"`
	BatchTimeout       Duration `mapstructure:"batch_timeout" yaml:"batch_timeout" json:"batch_timeout"`
	Retry              Retry    `mapstructure:"retry" yaml:"retry" json:"retry"`
	SweepInterval      Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" json:"sweep_interval"`
	SweepConcurrency   int      `mapstructure:"sweep_concurrency" yaml:"sweep_concurrency" json:"sweep_concurrency"`
	// StampProcessedMarker writes the processed marker back onto evaluated entities.
	StampProcessedMarker bool     `mapstructure:"stamp_processed_marker" yaml:"stamp_processed_marker" json:"stamp_processed_marker"`
	UpcomingHorizon      Duration `mapstructure:"upcoming_horizon" yaml:"upcoming_horizon" json:"upcoming_horizon"`
	// StrictSuppression skips data-changing mutations of suppressed entities too.
	StrictSuppression bool `mapstructure:"strict_suppression" yaml:"strict_suppression" json:"strict_suppression"`
}

// Retry bounds the in-process retry of a failed evaluation.
type Retry struct {
	MaxAttempts     int      `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	InitialInterval Duration `mapstructure:"initial_interval" yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     Duration `mapstructure:"max_interval" yaml:"max_interval" json:"max_interval"`
}

// Migration tunes the backfill runner.
type Migration struct {
	PageSize       int     `mapstructure:"page_size" yaml:"page_size" json:"page_size"`
	PagesPerSecond float64 `mapstructure:"pages_per_second" yaml:"pages_per_second" json:"pages_per_second"`
	// DuplicateAction is "complete" or "delete".
	DuplicateAction string `mapstructure:"duplicate_action" yaml:"duplicate_action" json:"duplicate_action"`
}

// Server configures the HTTP query surface.
type Server struct {
	Listen string `mapstructure:"listen" yaml:"listen" json:"listen"`
}

// MQTT configures the entity mutation subscription.
type MQTT struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Broker      string `mapstructure:"broker" yaml:"broker" json:"broker"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id" json:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix" json:"topic_prefix"`
	Username    string `mapstructure:"username" yaml:"username" json:"username"`
	Password    string `mapstructure:"password" yaml:"password" json:"-"`
	QoS         byte   `mapstructure:"qos" yaml:"qos" json:"qos"`
}

// Redis is shared by the job queue and the distributed loop guard.
type Redis struct {
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`
}

// Queue enables asynq-driven evaluation.
type Queue struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Concurrency int      `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	UniqueFor   Duration `mapstructure:"unique_for" yaml:"unique_for" json:"unique_for"`
}

// Notification configures the overdue digest.
type Notification struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	URLs           []string `mapstructure:"urls" yaml:"urls" json:"-"`
	DigestInterval Duration `mapstructure:"digest_interval" yaml:"digest_interval" json:"digest_interval"`
}

// Sentry configures error reporting.
type Sentry struct {
	DSN         string  `mapstructure:"dsn" yaml:"dsn" json:"-"`
	Environment string  `mapstructure:"environment" yaml:"environment" json:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
}

const envPrefix = "RELANCES"

// setDefaults registers every key so environment overrides are picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "relances.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.debug", false)

	v.SetDefault("engine.enabled", true)
	v.SetDefault("engine.guard_ttl", "5m")
	v.SetDefault("engine.guard_backend", "memory")
	v.SetDefault("engine.evaluation_cooldown", "0s")
	v.SetDefault("engine.batch_timeout", "5s")
	v.SetDefault("engine.retry.max_attempts", 3)
	v.SetDefault("engine.retry.initial_interval", "200ms")
	v.SetDefault("engine.retry.max_interval", "5s")
	v.SetDefault("engine.sweep_interval", "1h")
	v.SetDefault("engine.sweep_concurrency", 4)
	v.SetDefault("engine.stamp_processed_marker", true)
	v.SetDefault("engine.strict_suppression", false)
	v.SetDefault("engine.upcoming_horizon", "7d")

	v.SetDefault("migration.page_size", 200)
	v.SetDefault("migration.pages_per_second", 0)
	v.SetDefault("migration.duplicate_action", "complete")

	v.SetDefault("server.listen", ":8080")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "relances")
	v.SetDefault("mqtt.topic_prefix", "entities")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.concurrency", 10)
	v.SetDefault("queue.unique_for", "30s")

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.urls", []string{})
	v.SetDefault("notification.digest_interval", "24h")

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("sentry.sample_rate", 1.0)
}

// Load reads settings from path (or relances.yaml in the usual locations when
// path is empty), applies RELANCES_* environment overrides and validates them.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relances")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/relances")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to read config")
		}
	}

	var s Settings
	if err := v.Unmarshal(&s, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, errors.Wrap(err, errors.CategoryConfiguration, "failed to decode config")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate reports every invalid field at once.
func (s *Settings) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch s.Database.Type {
	case "sqlite":
		if s.Database.Path == "" {
			add("database.path is required for sqlite")
		}
	case "mysql", "postgres":
		if s.Database.DSN == "" {
			add("database.dsn is required for %s", s.Database.Type)
		}
	default:
		add("database.type %q is not one of sqlite, mysql, postgres", s.Database.Type)
	}

	if s.Engine.GuardTTL.Std() <= 0 {
		add("engine.guard_ttl must be positive")
	}
	if s.Engine.BatchTimeout.Std() <= 0 {
		add("engine.batch_timeout must be positive")
	}
	if s.Engine.GuardBackend != "memory" && s.Engine.GuardBackend != "redis" {
		add("engine.guard_backend %q is not one of memory, redis", s.Engine.GuardBackend)
	}
	if s.Engine.Retry.MaxAttempts < 1 {
		add("engine.retry.max_attempts must be at least 1")
	}
	if s.Engine.SweepConcurrency < 1 {
		add("engine.sweep_concurrency must be at least 1")
	}
	if s.Engine.UpcomingHorizon.Std() < time.Hour {
		add("engine.upcoming_horizon must be at least 1h")
	}

	if s.Migration.PageSize < 1 || s.Migration.PageSize > 500 {
		add("migration.page_size must be between 1 and 500")
	}
	if s.Migration.PagesPerSecond < 0 {
		add("migration.pages_per_second must not be negative")
	}
	if s.Migration.DuplicateAction != "complete" && s.Migration.DuplicateAction != "delete" {
		add("migration.duplicate_action %q is not one of complete, delete", s.Migration.DuplicateAction)
	}

	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		add("mqtt.broker is required when mqtt is enabled")
	}
	if s.MQTT.QoS > 2 {
		add("mqtt.qos must be 0, 1 or 2")
	}
	if s.Notification.Enabled && len(s.Notification.URLs) == 0 {
		add("notification.urls is required when notifications are enabled")
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(errors.Join(errs...), errors.CategoryValidation, "invalid settings")
}

var (
	current   *Settings
	currentMu sync.RWMutex
)

// SetSettings publishes the loaded settings process-wide.
func SetSettings(s *Settings) {
	currentMu.Lock()
	defer currentMu.Unlock()
	current = s
}

// GetSettings returns the published settings or nil before startup.
func GetSettings() *Settings {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}
