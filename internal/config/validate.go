package config

import (
	"fmt"
	"net/url"

	"go.uber.org/zap/zapcore"
)

// ValidateConfig validates the configuration
func ValidateConfig(config *Config) error {
	if _, err := zapcore.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", config.LogLevel)
	}

	// Signaling
	if config.Signaling.URL == "" {
		return fmt.Errorf("signaling.url is required")
	}
	u, err := url.Parse(config.Signaling.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("invalid signaling.url %q: must be ws:// or wss://", config.Signaling.URL)
	}
	if config.Signaling.DialTimeout <= 0 {
		return fmt.Errorf("invalid signaling.dial_timeout: must be positive")
	}

	// ICE
	if len(config.ICE.TURNURLs) > 0 && config.ICE.TURNSecret == "" {
		return fmt.Errorf("ice.turn_secret is required when ice.turn_urls is set")
	}

	// Session
	if config.Session.PollInterval <= 0 {
		return fmt.Errorf("invalid session.poll_interval: must be positive")
	}
	if config.Session.ReconnectDelay < 0 {
		return fmt.Errorf("invalid session.reconnect_delay: must not be negative")
	}
	if config.Session.MaxReconnectAttempts < 1 {
		return fmt.Errorf("invalid session.max_reconnect_attempts: must be at least 1")
	}
	switch config.Session.ReconnectBackoff {
	case "constant", "exponential":
	default:
		return fmt.Errorf("invalid session.reconnect_backoff %q: must be constant or exponential", config.Session.ReconnectBackoff)
	}
	if config.Session.DeviceWatchInterval <= 0 {
		return fmt.Errorf("invalid session.device_watch_interval: must be positive")
	}

	// Media
	if config.Video.Width <= 0 || config.Video.Height <= 0 {
		return fmt.Errorf("invalid video dimensions: %dx%d", config.Video.Width, config.Video.Height)
	}
	if config.Video.FrameRate <= 0 {
		return fmt.Errorf("invalid video.frame_rate: must be positive")
	}
	if config.Video.BitRate <= 0 {
		return fmt.Errorf("invalid video.bit_rate: must be positive")
	}
	if config.Audio.SampleRate <= 0 {
		return fmt.Errorf("invalid audio.sample_rate: must be positive")
	}
	if config.Audio.ChannelCount < 1 || config.Audio.ChannelCount > 2 {
		return fmt.Errorf("invalid audio.channel_count %d: must be 1 or 2", config.Audio.ChannelCount)
	}

	// Effects
	if config.Effects.ProcessingDelay < 0 {
		return fmt.Errorf("invalid effects.processing_delay: must not be negative")
	}
	if config.Effects.DefaultBlurLevel < 0 || config.Effects.DefaultBlurLevel > 10 {
		return fmt.Errorf("invalid effects.default_blur_level %d: must be between 0 and 10", config.Effects.DefaultBlurLevel)
	}

	// Journal
	if config.Journal.Enabled {
		if config.Journal.Host == "" {
			return fmt.Errorf("journal.host is required")
		}
		if config.Journal.Database == "" {
			return fmt.Errorf("journal.database is required")
		}
		if config.Journal.Username == "" {
			return fmt.Errorf("journal.username is required")
		}
		if config.Journal.BufferSize < 1 {
			return fmt.Errorf("invalid journal.buffer_size: must be at least 1")
		}
	}

	return nil
}

// GetDatabaseDSN returns the PostgreSQL connection string for the journal
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Journal.Host,
		c.Journal.Port,
		c.Journal.Username,
		c.Journal.Password,
		c.Journal.Database,
		c.Journal.SSLMode,
	)
}
