// Package config provides configuration management for liveedge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultAPIPort          = 8090
	defaultPublishPort      = 8080
	defaultServerTimeout    = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultDialTimeout      = 10 * time.Second
	defaultEventLogSize     = 256
	defaultMaxMessageSize   = 16 * 1024 * 1024
	defaultStallLookahead   = 3.0
	defaultTrimTrailing     = 10.0
	defaultTrimTo           = 3.0
	defaultAppendLatency    = 5 * time.Millisecond
	defaultEvictLatency     = 2 * time.Millisecond
	defaultMaxBufferedBytes = 256 * 1024 * 1024
	defaultFrameRate        = 25
	defaultFragmentDuration = 2 * time.Second
	defaultPayloadSize      = 2048
	defaultViewerBuffer     = 8
	defaultCertValidity     = 7 * 24 * time.Hour
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LIVEEDGE"

// Config holds all configuration for the application.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Player  PlayerConfig  `mapstructure:"player" yaml:"player"`
	Sink    SinkConfig    `mapstructure:"sink" yaml:"sink"`
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	Publish PublishConfig `mapstructure:"publish" yaml:"publish"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// PlayerConfig holds playback session configuration.
type PlayerConfig struct {
	URL                string        `mapstructure:"url" yaml:"url"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	// CertFingerprint pins the publisher certificate (base64 SHA-256).
	CertFingerprint string       `mapstructure:"cert_fingerprint" yaml:"cert_fingerprint"`
	MaxMessageSize  ByteSize     `mapstructure:"max_message_size" yaml:"max_message_size"`
	EventLogSize    int          `mapstructure:"event_log_size" yaml:"event_log_size"`
	Window          WindowConfig `mapstructure:"window" yaml:"window"`
}

// WindowConfig holds the buffer window thresholds in seconds.
type WindowConfig struct {
	StallLookahead float64 `mapstructure:"stall_lookahead" yaml:"stall_lookahead"`
	TrimTrailing   float64 `mapstructure:"trim_trailing" yaml:"trim_trailing"`
	TrimTo         float64 `mapstructure:"trim_to" yaml:"trim_to"`
}

// SinkConfig holds in-memory sink configuration.
type SinkConfig struct {
	AppendLatency time.Duration `mapstructure:"append_latency" yaml:"append_latency"`
	EvictLatency  time.Duration `mapstructure:"evict_latency" yaml:"evict_latency"`
	// MaxBufferedBytes refuses appends past this size. Zero disables the quota.
	// Supports human-readable values like "64MB" or "1GiB".
	MaxBufferedBytes ByteSize `mapstructure:"max_buffered_bytes" yaml:"max_buffered_bytes"`
}

// APIConfig holds status API server configuration.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PublishConfig holds synthetic publisher configuration.
type PublishConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// QUICAddr enables the QUIC publisher when set (e.g. ":4443").
	QUICAddr         string        `mapstructure:"quic_addr" yaml:"quic_addr"`
	CertValidity     time.Duration `mapstructure:"cert_validity" yaml:"cert_validity"`
	Streams          []string      `mapstructure:"streams" yaml:"streams"`
	FragmentDuration time.Duration `mapstructure:"fragment_duration" yaml:"fragment_duration"`
	FrameRate        int           `mapstructure:"frame_rate" yaml:"frame_rate"`
	Audio            bool          `mapstructure:"audio" yaml:"audio"`
	PayloadSize      ByteSize      `mapstructure:"payload_size" yaml:"payload_size"`
	ViewerBuffer     int           `mapstructure:"viewer_buffer" yaml:"viewer_buffer"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LIVEEDGE_ and use underscores for nesting.
// Example: LIVEEDGE_PLAYER_WINDOW_TRIM_TO=2.5.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("liveedge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/liveedge")
		v.AddConfigPath("$HOME/.liveedge")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHook parses durations, comma-separated lists and text-unmarshalable
// values such as ByteSize from strings.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Player defaults
	v.SetDefault("player.url", "")
	v.SetDefault("player.dial_timeout", defaultDialTimeout)
	v.SetDefault("player.insecure_skip_verify", false)
	v.SetDefault("player.cert_fingerprint", "")
	v.SetDefault("player.max_message_size", defaultMaxMessageSize)
	v.SetDefault("player.event_log_size", defaultEventLogSize)
	v.SetDefault("player.window.stall_lookahead", defaultStallLookahead)
	v.SetDefault("player.window.trim_trailing", defaultTrimTrailing)
	v.SetDefault("player.window.trim_to", defaultTrimTo)

	// Sink defaults
	v.SetDefault("sink.append_latency", defaultAppendLatency)
	v.SetDefault("sink.evict_latency", defaultEvictLatency)
	v.SetDefault("sink.max_buffered_bytes", defaultMaxBufferedBytes)

	// API defaults
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("api.read_timeout", defaultServerTimeout)
	v.SetDefault("api.write_timeout", defaultServerTimeout)
	v.SetDefault("api.shutdown_timeout", defaultShutdownTimeout)

	// Publish defaults
	v.SetDefault("publish.host", "0.0.0.0")
	v.SetDefault("publish.port", defaultPublishPort)
	v.SetDefault("publish.quic_addr", "")
	v.SetDefault("publish.cert_validity", defaultCertValidity)
	v.SetDefault("publish.streams", []string{"demo"})
	v.SetDefault("publish.fragment_duration", defaultFragmentDuration)
	v.SetDefault("publish.frame_rate", defaultFrameRate)
	v.SetDefault("publish.audio", true)
	v.SetDefault("publish.payload_size", defaultPayloadSize)
	v.SetDefault("publish.viewer_buffer", defaultViewerBuffer)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// Player validation
	w := c.Player.Window
	if w.StallLookahead <= 0 {
		return fmt.Errorf("player.window.stall_lookahead must be positive")
	}
	if w.TrimTrailing <= 0 {
		return fmt.Errorf("player.window.trim_trailing must be positive")
	}
	if w.TrimTo < 0 || w.TrimTo >= w.TrimTrailing {
		return fmt.Errorf("player.window.trim_to must be in [0, trim_trailing)")
	}
	if c.Player.EventLogSize < 1 {
		return fmt.Errorf("player.event_log_size must be at least 1")
	}
	if c.Player.MaxMessageSize < 1 {
		return fmt.Errorf("player.max_message_size must be positive")
	}

	// Sink validation
	if c.Sink.AppendLatency < 0 || c.Sink.EvictLatency < 0 {
		return fmt.Errorf("sink latencies must not be negative")
	}
	if c.Sink.MaxBufferedBytes < 0 {
		return fmt.Errorf("sink.max_buffered_bytes must not be negative")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > maxPort {
		return fmt.Errorf("api.port must be between 1 and %d", maxPort)
	}

	// Publish validation
	if c.Publish.Port < 1 || c.Publish.Port > maxPort {
		return fmt.Errorf("publish.port must be between 1 and %d", maxPort)
	}
	if c.Publish.FrameRate < 1 {
		return fmt.Errorf("publish.frame_rate must be at least 1")
	}
	if c.Publish.FragmentDuration < time.Second/time.Duration(c.Publish.FrameRate) {
		return fmt.Errorf("publish.fragment_duration must cover at least one frame")
	}
	if len(c.Publish.Streams) == 0 {
		return fmt.Errorf("publish.streams must name at least one stream")
	}
	if c.Publish.ViewerBuffer < 1 {
		return fmt.Errorf("publish.viewer_buffer must be at least 1")
	}

	return nil
}

// Address returns the API server address in host:port format.
func (c *APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the publisher HTTP address in host:port format.
func (c *PublishConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
