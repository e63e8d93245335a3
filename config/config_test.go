package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "camera", cfg.Mode)
	assert.Equal(t, "testpattern", cfg.Capture.Device)
	assert.Equal(t, "quic", cfg.Transport.Kind)
	assert.Equal(t, []string{"delta", "mjpeg"}, cfg.Codec.Backends)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "specto.yaml")
	doc := `
mode: viewer
transport:
  kind: srt
  dial: "203.0.113.9:4700"
  stream_id: "front-door"
session:
  handshake_timeout: 10s
  reorder_deadline: 250ms
monitoring:
  prometheus_enabled: true
  prometheus_address: ":9200"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "viewer", cfg.Mode)
	assert.Equal(t, "srt", cfg.Transport.Kind)
	assert.Equal(t, "203.0.113.9:4700", cfg.Transport.Dial)
	assert.Equal(t, "front-door", cfg.Transport.StreamID)
	assert.Equal(t, 10*time.Second, cfg.Session.HandshakeTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.ReorderDeadline)
	assert.Equal(t, ":9200", cfg.Monitoring.PrometheusAddress)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Session.HandshakeAttempts)
	assert.Equal(t, int64(1_000_000), cfg.Bitrate.Start)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		doc  string
	}{
		{"bad mode", "mode: relay\n"},
		{"bad transport", "transport:\n  kind: tcp\n"},
		{"inverted bitrate", "bitrate:\n  min: 500\n  max: 100\n  start: 200\n"},
		{"zero fps", "capture:\n  fps: -5\n"},
		{"signaling without url", "signaling:\n  enabled: true\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.doc), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: [unterminated"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
