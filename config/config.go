// Package config loads the YAML configuration for the specto binary.
// A missing file falls back to defaults so development needs no setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full file layout.
type Config struct {
	Mode string `yaml:"mode"` // "camera" or "viewer"

	Capture struct {
		Device string `yaml:"device"` // "testpattern" or a /dev/video* path
		Format string `yaml:"format"` // fourcc name, e.g. "YUYV"
		Width  int    `yaml:"width"`
		Height int    `yaml:"height"`
		FPS    int    `yaml:"fps"`
	} `yaml:"capture"`

	Codec struct {
		Backends  []string `yaml:"backends"` // preference order
		GOPLength int      `yaml:"gop_length"`
	} `yaml:"codec"`

	Bitrate struct {
		Min   int64 `yaml:"min"`
		Max   int64 `yaml:"max"`
		Start int64 `yaml:"start"`
	} `yaml:"bitrate"`

	Transport struct {
		Kind     string `yaml:"kind"` // "quic" or "srt"
		Listen   string `yaml:"listen"`
		Dial     string `yaml:"dial"`
		StreamID string `yaml:"stream_id"` // srt only
	} `yaml:"transport"`

	Identity struct {
		CertFile        string `yaml:"cert_file"`
		KeyFile         string `yaml:"key_file"`
		TrustAnchorFile string `yaml:"trust_anchor_file"`
	} `yaml:"identity"`

	Session struct {
		HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
		HandshakeAttempts int           `yaml:"handshake_attempts"`
		ReorderDeadline   time.Duration `yaml:"reorder_deadline"`
		FeedbackInterval  time.Duration `yaml:"feedback_interval"`
		DrainTimeout      time.Duration `yaml:"drain_timeout"`
	} `yaml:"session"`

	Signaling struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"` // ws:// exchange endpoint
	} `yaml:"signaling"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		PrometheusAddress string `yaml:"prometheus_address"`
	} `yaml:"monitoring"`
}

// Load reads configPath, falling back to defaults when the file does not
// exist.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Default(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present: a
// testpattern camera over QUIC on localhost.
func Default() *Config {
	cfg := &Config{}
	cfg.Mode = "camera"

	cfg.Capture.Device = "testpattern"
	cfg.Capture.Format = "YUYV"
	cfg.Capture.Width = 640
	cfg.Capture.Height = 480
	cfg.Capture.FPS = 30

	cfg.Codec.Backends = []string{"delta", "mjpeg"}
	cfg.Codec.GOPLength = 30

	cfg.Bitrate.Min = 100_000
	cfg.Bitrate.Max = 8_000_000
	cfg.Bitrate.Start = 1_000_000

	cfg.Transport.Kind = "quic"
	cfg.Transport.Listen = ":4600"

	cfg.Identity.CertFile = "device.crt"
	cfg.Identity.KeyFile = "device.key"
	cfg.Identity.TrustAnchorFile = "anchor.crt"

	cfg.Session.HandshakeTimeout = 5 * time.Second
	cfg.Session.HandshakeAttempts = 3
	cfg.Session.ReorderDeadline = 120 * time.Millisecond
	cfg.Session.FeedbackInterval = 500 * time.Millisecond
	cfg.Session.DrainTimeout = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = false
	cfg.Monitoring.PrometheusAddress = ":9090"
	return cfg
}

// Validate checks values are usable before wiring the pipeline.
func (c *Config) Validate() error {
	if c.Mode != "camera" && c.Mode != "viewer" {
		return fmt.Errorf("mode must be camera or viewer, got %q", c.Mode)
	}

	if c.Mode == "camera" {
		if c.Capture.Device == "" {
			return fmt.Errorf("capture.device must not be empty")
		}
		if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
			return fmt.Errorf("capture resolution %dx%d invalid", c.Capture.Width, c.Capture.Height)
		}
		if c.Capture.FPS <= 0 {
			return fmt.Errorf("capture.fps must be > 0")
		}
		if len(c.Codec.Backends) == 0 {
			return fmt.Errorf("codec.backends must name at least one backend")
		}
		if c.Codec.GOPLength <= 0 {
			return fmt.Errorf("codec.gop_length must be > 0")
		}
	}

	if c.Bitrate.Min <= 0 || c.Bitrate.Max < c.Bitrate.Min {
		return fmt.Errorf("bitrate bounds [%d, %d] invalid", c.Bitrate.Min, c.Bitrate.Max)
	}
	if c.Bitrate.Start < c.Bitrate.Min || c.Bitrate.Start > c.Bitrate.Max {
		return fmt.Errorf("bitrate.start %d outside [%d, %d]", c.Bitrate.Start, c.Bitrate.Min, c.Bitrate.Max)
	}

	switch c.Transport.Kind {
	case "quic", "srt":
	default:
		return fmt.Errorf("transport.kind must be quic or srt, got %q", c.Transport.Kind)
	}
	if c.Transport.Listen == "" && c.Transport.Dial == "" {
		return fmt.Errorf("transport needs a listen or dial address")
	}

	if c.Identity.CertFile == "" || c.Identity.KeyFile == "" {
		return fmt.Errorf("identity.cert_file and identity.key_file are required")
	}
	if c.Identity.TrustAnchorFile == "" {
		return fmt.Errorf("identity.trust_anchor_file is required")
	}

	if c.Session.HandshakeTimeout <= 0 {
		return fmt.Errorf("session.handshake_timeout must be > 0")
	}
	if c.Session.HandshakeAttempts <= 0 {
		return fmt.Errorf("session.handshake_attempts must be > 0")
	}
	if c.Session.ReorderDeadline <= 0 {
		return fmt.Errorf("session.reorder_deadline must be > 0")
	}

	if c.Signaling.Enabled && c.Signaling.URL == "" {
		return fmt.Errorf("signaling.url required when signaling.enabled=true")
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusAddress == "" {
		return fmt.Errorf("monitoring.prometheus_address required when prometheus_enabled=true")
	}
	return nil
}
