package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CALLCORE"

// Config holds all application configuration
type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	ICE       ICEConfig       `mapstructure:"ice"`
	Session   SessionConfig   `mapstructure:"session"`
	Video     VideoConfig     `mapstructure:"video"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Effects   EffectsConfig   `mapstructure:"effects"`
	Journal   JournalConfig   `mapstructure:"journal"`
}

type SignalingConfig struct {
	URL         string        `mapstructure:"url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type ICEConfig struct {
	STUNURLs          []string      `mapstructure:"stun_urls"`
	TURNURLs          []string      `mapstructure:"turn_urls"`
	TURNSecret        string        `mapstructure:"turn_secret"`
	TURNCredentialTTL time.Duration `mapstructure:"turn_credential_ttl"`
	GatherTimeout     time.Duration `mapstructure:"gather_timeout"`
}

type SessionConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBackoff     string        `mapstructure:"reconnect_backoff"` // constant or exponential
	DeviceWatchInterval  time.Duration `mapstructure:"device_watch_interval"`
}

type VideoConfig struct {
	Width            int     `mapstructure:"width"`
	Height           int     `mapstructure:"height"`
	FrameRate        float64 `mapstructure:"frame_rate"`
	BitRate          int     `mapstructure:"bit_rate"`
	KeyFrameInterval int     `mapstructure:"key_frame_interval"`
}

type AudioConfig struct {
	SampleRate   int `mapstructure:"sample_rate"`
	ChannelCount int `mapstructure:"channel_count"`
	BitRate      int `mapstructure:"bit_rate"`
}

type EffectsConfig struct {
	ProcessingDelay  time.Duration `mapstructure:"processing_delay"`
	DefaultBlurLevel int           `mapstructure:"default_blur_level"`
}

// JournalConfig points at the PostgreSQL database receiving session events.
// The journal is off when Enabled is false.
type JournalConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BufferSize      int           `mapstructure:"buffer_size"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Signaling: SignalingConfig{
			URL:         "ws://localhost:7000/ws",
			DialTimeout: 10 * time.Second,
		},
		ICE: ICEConfig{
			STUNURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			TURNCredentialTTL: 24 * time.Hour,
			GatherTimeout:     5 * time.Second,
		},
		Session: SessionConfig{
			PollInterval:         5 * time.Second,
			ReconnectDelay:       3 * time.Second,
			MaxReconnectAttempts: 3,
			ReconnectBackoff:     "constant",
			DeviceWatchInterval:  2 * time.Second,
		},
		Video: VideoConfig{
			Width:            1280,
			Height:           720,
			FrameRate:        30,
			BitRate:          500_000,
			KeyFrameInterval: 30,
		},
		Audio: AudioConfig{
			SampleRate:   48000,
			ChannelCount: 1,
			BitRate:      32_000,
		},
		Effects: EffectsConfig{
			ProcessingDelay:  500 * time.Millisecond,
			DefaultBlurLevel: 5,
		},
		Journal: JournalConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "callcore",
			Username:        "callcore",
			SSLMode:         "disable",
			MaxConnections:  4,
			ConnMaxLifetime: 30 * time.Minute,
			BufferSize:      256,
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("signaling.url", d.Signaling.URL)
	v.SetDefault("signaling.dial_timeout", d.Signaling.DialTimeout)

	v.SetDefault("ice.stun_urls", d.ICE.STUNURLs)
	v.SetDefault("ice.turn_urls", d.ICE.TURNURLs)
	v.SetDefault("ice.turn_secret", d.ICE.TURNSecret)
	v.SetDefault("ice.turn_credential_ttl", d.ICE.TURNCredentialTTL)
	v.SetDefault("ice.gather_timeout", d.ICE.GatherTimeout)

	v.SetDefault("session.poll_interval", d.Session.PollInterval)
	v.SetDefault("session.reconnect_delay", d.Session.ReconnectDelay)
	v.SetDefault("session.max_reconnect_attempts", d.Session.MaxReconnectAttempts)
	v.SetDefault("session.reconnect_backoff", d.Session.ReconnectBackoff)
	v.SetDefault("session.device_watch_interval", d.Session.DeviceWatchInterval)

	v.SetDefault("video.width", d.Video.Width)
	v.SetDefault("video.height", d.Video.Height)
	v.SetDefault("video.frame_rate", d.Video.FrameRate)
	v.SetDefault("video.bit_rate", d.Video.BitRate)
	v.SetDefault("video.key_frame_interval", d.Video.KeyFrameInterval)

	v.SetDefault("audio.sample_rate", d.Audio.SampleRate)
	v.SetDefault("audio.channel_count", d.Audio.ChannelCount)
	v.SetDefault("audio.bit_rate", d.Audio.BitRate)

	v.SetDefault("effects.processing_delay", d.Effects.ProcessingDelay)
	v.SetDefault("effects.default_blur_level", d.Effects.DefaultBlurLevel)

	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.host", d.Journal.Host)
	v.SetDefault("journal.port", d.Journal.Port)
	v.SetDefault("journal.database", d.Journal.Database)
	v.SetDefault("journal.username", d.Journal.Username)
	v.SetDefault("journal.password", d.Journal.Password)
	v.SetDefault("journal.ssl_mode", d.Journal.SSLMode)
	v.SetDefault("journal.max_connections", d.Journal.MaxConnections)
	v.SetDefault("journal.conn_max_lifetime", d.Journal.ConnMaxLifetime)
	v.SetDefault("journal.buffer_size", d.Journal.BufferSize)
}

// Load reads the YAML file at path, if any, over the defaults and applies
// CALLCORE_* environment overrides (CALLCORE_SESSION_POLL_INTERVAL=2s).
// A missing file is not an error when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, NewDefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("callcore")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
