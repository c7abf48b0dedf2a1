// Package config provides Viper-based configuration loading for the campus server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the WebSocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the HTTP/WebSocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the HTTP/WebSocket listener.
	Port int `mapstructure:"port"`
	// AllowedOrigin restricts WebSocket upgrades to the given Origin ("*" allows any).
	AllowedOrigin string `mapstructure:"allowed_origin"`
	// WriteTimeout is the per-message write deadline for client connections.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PongTimeout is the duration without a pong after which a connection is dropped.
	PongTimeout time.Duration `mapstructure:"pong_timeout"`
	// SendBuffer is the per-connection outbound event buffer size.
	SendBuffer int `mapstructure:"send_buffer"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds the Redis broker settings for the points task queue.
type RedisConfig struct {
	// Addr is the "host:port" address of the Redis instance.
	Addr string `mapstructure:"addr"`
	// Password is the Redis AUTH password (empty disables AUTH).
	Password string `mapstructure:"password"`
	// DB is the Redis logical database number.
	DB int `mapstructure:"db"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// ProximityConfig holds the proximity room derivation settings.
type ProximityConfig struct {
	// Radius is the distance in world units within which two connections are proximate.
	Radius float64 `mapstructure:"radius"`
	// Interval is the minimum time between membership recomputations.
	Interval time.Duration `mapstructure:"interval"`
}

// ChallengeConfig holds the coding-duel lifecycle settings.
type ChallengeConfig struct {
	// OfferWindow is how long an unanswered offer stays open before expiring.
	OfferWindow time.Duration `mapstructure:"offer_window"`
	// DefaultTimeLimit applies when a question carries no time limit of its own.
	DefaultTimeLimit time.Duration `mapstructure:"default_time_limit"`
	// CompletionReward is the points delta for winning a duel.
	CompletionReward int `mapstructure:"completion_reward"`
	// CompletionPenalty is the points delta for losing a completed duel.
	CompletionPenalty int `mapstructure:"completion_penalty"`
	// SurrenderPenalty is the points delta for the surrendering party.
	SurrenderPenalty int `mapstructure:"surrender_penalty"`
	// SurrenderReward is the points delta for the opponent of a surrendering party.
	SurrenderReward int `mapstructure:"surrender_reward"`
	// QuestionsDir is the directory of question catalog YAML files.
	QuestionsDir string `mapstructure:"questions_dir"`
}

// RoomsConfig holds persistent-room settings.
type RoomsConfig struct {
	// MaxOwnedPerUser caps how many rooms a single user may be primary admin of.
	MaxOwnedPerUser int `mapstructure:"max_owned_per_user"`
	// IdleRetention is how long a room may go without activity before the sweep reclaims it.
	IdleRetention time.Duration `mapstructure:"idle_retention"`
	// SweepInterval is how often the stale-room sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// WhiteboardConfig holds whiteboard retention settings.
type WhiteboardConfig struct {
	// IdleRetention is how long an unsubscribed board snapshot is kept in memory.
	IdleRetention time.Duration `mapstructure:"idle_retention"`
	// SweepInterval is how often the idle-board sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Proximity  ProximityConfig  `mapstructure:"proximity"`
	Challenge  ChallengeConfig  `mapstructure:"challenge"`
	Rooms      RoomsConfig      `mapstructure:"rooms"`
	Whiteboard WhiteboardConfig `mapstructure:"whiteboard"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRedis(c.Redis); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateProximity(c.Proximity); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateChallenge(c.Challenge); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRooms(c.Rooms); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.AllowedOrigin == "" {
		errs = append(errs, "server.allowed_origin must not be empty")
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout must not be negative")
	}
	if s.PongTimeout <= 0 {
		errs = append(errs, "server.pong_timeout must be positive")
	}
	if s.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("server.send_buffer must be >= 1, got %d", s.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRedis(r RedisConfig) error {
	var errs []string
	if r.Addr == "" {
		errs = append(errs, "redis.addr must not be empty")
	}
	if r.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateProximity(p ProximityConfig) error {
	var errs []string
	if p.Radius <= 0 {
		errs = append(errs, fmt.Sprintf("proximity.radius must be positive, got %g", p.Radius))
	}
	if p.Interval <= 0 {
		errs = append(errs, "proximity.interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateChallenge(c ChallengeConfig) error {
	var errs []string
	if c.OfferWindow <= 0 {
		errs = append(errs, "challenge.offer_window must be positive")
	}
	if c.DefaultTimeLimit <= 0 {
		errs = append(errs, "challenge.default_time_limit must be positive")
	}
	if c.SurrenderPenalty > 0 {
		errs = append(errs, fmt.Sprintf("challenge.surrender_penalty must be <= 0, got %d", c.SurrenderPenalty))
	}
	if c.SurrenderReward < 0 {
		errs = append(errs, fmt.Sprintf("challenge.surrender_reward must be >= 0, got %d", c.SurrenderReward))
	}
	if c.CompletionReward < 0 {
		errs = append(errs, fmt.Sprintf("challenge.completion_reward must be >= 0, got %d", c.CompletionReward))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRooms(r RoomsConfig) error {
	var errs []string
	if r.MaxOwnedPerUser < 1 {
		errs = append(errs, fmt.Sprintf("rooms.max_owned_per_user must be >= 1, got %d", r.MaxOwnedPerUser))
	}
	if r.IdleRetention <= 0 {
		errs = append(errs, "rooms.idle_retention must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with CAMPUS_ prefix
	v.SetEnvPrefix("CAMPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origin", "*")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.pong_timeout", "60s")
	v.SetDefault("server.send_buffer", 256)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "campus")
	v.SetDefault("database.password", "campus")
	v.SetDefault("database.name", "campus")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("proximity.radius", 20.0)
	v.SetDefault("proximity.interval", "300ms")

	v.SetDefault("challenge.offer_window", "10s")
	v.SetDefault("challenge.default_time_limit", "10m")
	v.SetDefault("challenge.completion_reward", 100)
	v.SetDefault("challenge.completion_penalty", 0)
	v.SetDefault("challenge.surrender_penalty", -50)
	v.SetDefault("challenge.surrender_reward", 25)
	v.SetDefault("challenge.questions_dir", "content/questions")

	v.SetDefault("rooms.max_owned_per_user", 2)
	v.SetDefault("rooms.idle_retention", "720h")
	v.SetDefault("rooms.sweep_interval", "1h")

	v.SetDefault("whiteboard.idle_retention", "1h")
	v.SetDefault("whiteboard.sweep_interval", "10m")
}
