// Package config loads playsync settings from defaults, an optional YAML
// file, PLAYSYNC_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zsiec/playsync/internal/playback"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// PLAYSYNC_PLAYBACK_SPEED.
const EnvPrefix = "PLAYSYNC"

// Audio outputs.
const (
	OutputSpeaker = "speaker"
	OutputNull    = "null"
	OutputNone    = "none"
)

// ConfigError reports an invalid setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Field + ": " + e.Message
}

// Config holds all configuration for the application.
type Config struct {
	Playback PlaybackConfig `mapstructure:"playback"`
	Audio    AudioConfig    `mapstructure:"audio"`
	SRT      SRTConfig      `mapstructure:"srt"`
	RTP      RTPConfig      `mapstructure:"rtp"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PlaybackConfig tunes the session engine.
type PlaybackConfig struct {
	QueueWindow     time.Duration `mapstructure:"queue_window"`
	QueueBytes      int           `mapstructure:"queue_bytes"`
	Prebuffer       time.Duration `mapstructure:"prebuffer"`
	GapThreshold    time.Duration `mapstructure:"gap_threshold"`
	GapTolerance    time.Duration `mapstructure:"gap_tolerance"`
	Speed           float64       `mapstructure:"speed"`
	Loop            bool          `mapstructure:"loop"`
	MaxReadErrors   int           `mapstructure:"max_read_errors"`
	MaxDecodeErrors int           `mapstructure:"max_decode_errors"`
}

// AudioConfig selects and tunes the audio output.
type AudioConfig struct {
	Output     string        `mapstructure:"output"` // speaker, null or none
	SampleRate int           `mapstructure:"sample_rate"`
	Buffer     time.Duration `mapstructure:"buffer"`
	Volume     float64       `mapstructure:"volume"`
}

// SRTConfig holds SRT caller and listener settings.
type SRTConfig struct {
	StreamID  string `mapstructure:"stream_id"`
	StreamKey string `mapstructure:"stream_key"`
	Listen    bool   `mapstructure:"listen"`
}

// RTPConfig describes the payload types an RTP source receives.
type RTPConfig struct {
	VideoPayloadType int  `mapstructure:"video_payload_type"`
	AudioPayloadType int  `mapstructure:"audio_payload_type"`
	Audio            bool `mapstructure:"audio"`
	SampleRate       int  `mapstructure:"sample_rate"`
	Channels         int  `mapstructure:"channels"`
}

// MonitorConfig configures the QUIC monitor link.
type MonitorConfig struct {
	// Addr is the receiver a player streams to; empty disables it.
	Addr        string `mapstructure:"addr"`
	Fingerprint string `mapstructure:"fingerprint"`
	Name        string `mapstructure:"name"`
	// Listen is the address the monitor command receives on.
	Listen string   `mapstructure:"listen"`
	Hosts  []string `mapstructure:"hosts"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	d := playback.DefaultOptions()
	v.SetDefault("playback.queue_window", d.QueueWindow)
	v.SetDefault("playback.queue_bytes", d.QueueBytes)
	v.SetDefault("playback.prebuffer", d.Prebuffer)
	v.SetDefault("playback.gap_threshold", d.GapThreshold)
	v.SetDefault("playback.gap_tolerance", d.GapTolerance)
	v.SetDefault("playback.speed", d.Speed)
	v.SetDefault("playback.loop", false)
	v.SetDefault("playback.max_read_errors", d.MaxReadErrors)
	v.SetDefault("playback.max_decode_errors", d.MaxDecodeErrors)

	v.SetDefault("audio.output", OutputSpeaker)
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.buffer", "200ms")
	v.SetDefault("audio.volume", 1.0)

	v.SetDefault("rtp.video_payload_type", 96)
	v.SetDefault("rtp.audio_payload_type", 97)
	v.SetDefault("rtp.audio", false)
	v.SetDefault("rtp.sample_rate", 48000)
	v.SetDefault("rtp.channels", 2)

	v.SetDefault("monitor.name", "playsync")
	v.SetDefault("monitor.listen", ":4450")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Load reads configuration into a Config. file names an explicit config
// file; when empty, playsync.yaml is looked up in the working directory and
// $HOME/.playsync, and a missing file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("playsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.playsync")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		slog.Debug("no config file found, using defaults and environment")
	} else {
		slog.Debug("using config file", "file", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Validate checks every field and returns the first problem as a
// *ConfigError.
func (c *Config) Validate() error {
	p := c.Playback
	switch {
	case p.QueueWindow <= 0:
		return &ConfigError{Field: "playback.queue_window", Message: "must be positive"}
	case p.QueueBytes <= 0:
		return &ConfigError{Field: "playback.queue_bytes", Message: "must be positive"}
	case p.Prebuffer < 0 || p.Prebuffer > p.QueueWindow:
		return &ConfigError{Field: "playback.prebuffer", Message: "must be between 0 and the queue window"}
	case p.GapTolerance <= 0 || p.GapTolerance >= p.GapThreshold:
		return &ConfigError{Field: "playback.gap_tolerance", Message: "must be positive and below gap_threshold"}
	case p.Speed <= 0 || p.Speed > playback.MaxSpeed:
		return &ConfigError{Field: "playback.speed", Message: fmt.Sprintf("must be within (0, %v]", playback.MaxSpeed)}
	}

	switch c.Audio.Output {
	case OutputSpeaker, OutputNull, OutputNone:
	default:
		return &ConfigError{Field: "audio.output", Message: fmt.Sprintf("unknown output %q", c.Audio.Output)}
	}
	if c.Audio.Volume < 0 || c.Audio.Volume > 1 {
		return &ConfigError{Field: "audio.volume", Message: "must be within [0, 1]"}
	}
	if c.Audio.SampleRate <= 0 {
		return &ConfigError{Field: "audio.sample_rate", Message: "must be positive"}
	}

	if c.SRT.Listen && c.SRT.StreamKey == "" {
		return &ConfigError{Field: "srt.stream_key", Message: "required when listening"}
	}

	for field, pt := range map[string]int{
		"rtp.video_payload_type": c.RTP.VideoPayloadType,
		"rtp.audio_payload_type": c.RTP.AudioPayloadType,
	} {
		if pt < 0 || pt > 127 {
			return &ConfigError{Field: field, Message: "must be within [0, 127]"}
		}
	}
	if c.RTP.Audio && c.RTP.VideoPayloadType == c.RTP.AudioPayloadType {
		return &ConfigError{Field: "rtp.audio_payload_type", Message: "must differ from the video payload type"}
	}

	if c.Monitor.Addr != "" && c.Monitor.Fingerprint == "" {
		return &ConfigError{Field: "monitor.fingerprint", Message: "required with monitor.addr"}
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return &ConfigError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}
	return nil
}

// PlaybackOptions maps the playback settings onto session options.
func (c *Config) PlaybackOptions(log *slog.Logger) playback.Options {
	p := c.Playback
	opts := playback.Options{
		QueueWindow:     p.QueueWindow,
		QueueBytes:      p.QueueBytes,
		Prebuffer:       p.Prebuffer,
		GapThreshold:    p.GapThreshold,
		GapTolerance:    p.GapTolerance,
		MaxReadErrors:   p.MaxReadErrors,
		MaxDecodeErrors: p.MaxDecodeErrors,
		Speed:           p.Speed,
		Logger:          log,
	}
	if p.Loop {
		opts.Flags |= playback.FlagLoop
	}
	return opts
}
