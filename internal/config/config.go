// Package config provides Viper-based configuration loading for the codeshare server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig holds the HTTP listener settings.
type HTTPConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the "host:port" listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. Its directory is created on open.
	Path string `mapstructure:"path"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// RoomConfig holds room session settings.
type RoomConfig struct {
	// DefaultLanguage is used when a room is created without a language.
	DefaultLanguage string `mapstructure:"default_language"`
	// SaveTimeout bounds a single snapshot save.
	SaveTimeout time.Duration `mapstructure:"save_timeout"`
	// MaxParticipants caps clients per room. Zero means unlimited.
	MaxParticipants int `mapstructure:"max_participants"`
}

// WebSocketConfig holds transport settings.
type WebSocketConfig struct {
	WriteWait         time.Duration `mapstructure:"write_wait"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	MessagesPerSecond float64       `mapstructure:"messages_per_second"`
	MessageBurst      int           `mapstructure:"message_burst"`
}

// AutosaveConfig holds periodic snapshot settings.
type AutosaveConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	KeepAutoVersions int           `mapstructure:"keep_auto_versions"`
	// IdleRoomTTL is how long a created room may stay registered without ever being joined.
	IdleRoomTTL time.Duration `mapstructure:"idle_room_ttl"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	CreatePerSecond float64 `mapstructure:"create_per_second"`
	CreateBurst     int     `mapstructure:"create_burst"`
}

// Config is the top-level application configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Room      RoomConfig      `mapstructure:"room"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Autosave  AutosaveConfig  `mapstructure:"autosave"`
	API       APIConfig       `mapstructure:"api"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	for _, check := range []func() []string{
		c.validateHTTP,
		c.validateDatabase,
		c.validateLogging,
		c.validateRoom,
		c.validateWebSocket,
		c.validateAutosave,
		c.validateAPI,
	} {
		errs = append(errs, check()...)
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c Config) validateHTTP() []string {
	var errs []string
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", c.HTTP.Port))
	}
	if c.HTTP.ReadHeaderTimeout < 0 {
		errs = append(errs, "http.read_header_timeout must not be negative")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, "http.shutdown_timeout must be positive")
	}
	return errs
}

func (c Config) validateDatabase() []string {
	if strings.TrimSpace(c.Database.Path) == "" {
		return []string{"database.path must not be empty"}
	}
	return nil
}

func (c Config) validateLogging() []string {
	var errs []string
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format must be one of [json, console], got %q", c.Logging.Format))
	}
	return errs
}

func (c Config) validateRoom() []string {
	var errs []string
	if strings.TrimSpace(c.Room.DefaultLanguage) == "" {
		errs = append(errs, "room.default_language must not be empty")
	}
	if c.Room.SaveTimeout <= 0 {
		errs = append(errs, "room.save_timeout must be positive")
	}
	if c.Room.MaxParticipants < 0 {
		errs = append(errs, fmt.Sprintf("room.max_participants must be >= 0, got %d", c.Room.MaxParticipants))
	}
	return errs
}

func (c Config) validateWebSocket() []string {
	var errs []string
	w := c.WebSocket
	if w.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if w.MaxMessageSize < 1 {
		errs = append(errs, fmt.Sprintf("websocket.max_message_size must be >= 1, got %d", w.MaxMessageSize))
	}
	if w.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("websocket.send_buffer must be >= 1, got %d", w.SendBuffer))
	}
	if w.MessagesPerSecond <= 0 {
		errs = append(errs, "websocket.messages_per_second must be positive")
	}
	if w.MessageBurst < 1 {
		errs = append(errs, fmt.Sprintf("websocket.message_burst must be >= 1, got %d", w.MessageBurst))
	}
	return errs
}

func (c Config) validateAutosave() []string {
	var errs []string
	if c.Autosave.Interval <= 0 {
		errs = append(errs, "autosave.interval must be positive")
	}
	if c.Autosave.KeepAutoVersions < 1 {
		errs = append(errs, fmt.Sprintf("autosave.keep_auto_versions must be >= 1, got %d", c.Autosave.KeepAutoVersions))
	}
	if c.Autosave.IdleRoomTTL <= 0 {
		errs = append(errs, "autosave.idle_room_ttl must be positive")
	}
	return errs
}

func (c Config) validateAPI() []string {
	var errs []string
	if c.API.CreatePerSecond <= 0 {
		errs = append(errs, "api.create_per_second must be positive")
	}
	if c.API.CreateBurst < 1 {
		errs = append(errs, fmt.Sprintf("api.create_burst must be >= 1, got %d", c.API.CreateBurst))
	}
	return errs
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with CODESHARE_ prefix
	v.SetEnvPrefix("CODESHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
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

// SetDefaults registers every default on v. Defaults also make the keys
// visible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_header_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "15s")

	v.SetDefault("database.path", "./data/codeshare.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("room.default_language", "javascript")
	v.SetDefault("room.save_timeout", "5s")
	v.SetDefault("room.max_participants", 0)

	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.max_message_size", 1024*1024)
	v.SetDefault("websocket.send_buffer", 512)
	v.SetDefault("websocket.messages_per_second", 100)
	v.SetDefault("websocket.message_burst", 200)

	v.SetDefault("autosave.interval", "1m")
	v.SetDefault("autosave.keep_auto_versions", 20)
	v.SetDefault("autosave.idle_room_ttl", "10m")

	v.SetDefault("api.create_per_second", 1)
	v.SetDefault("api.create_burst", 10)
}
