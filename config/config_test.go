package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "0.0.0.0:9000"
loops: 4
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, 4, cfg.Loops)
	assert.Equal(t, Default().HighWaterMarkBytes, cfg.HighWaterMarkBytes)
}

func TestLoadDecodesNestedSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "127.0.0.1:0"
idle_timeout_seconds: 30
tls:
  cert_file: /etc/engine/cert.pem
  key_file: /etc/engine/key.pem
log:
  level: debug
  file: /var/log/engine.log
  max_size_mb: 50
socket:
  reuse_addr: true
  tcp_no_delay: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.IdleTimeoutSeconds)
	assert.Equal(t, "/etc/engine/cert.pem", cfg.TLS.CertFile)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Log.MaxSizeMB)
	assert.True(t, cfg.Socket.ReuseAddr)
	assert.True(t, cfg.Socket.TCPNoDelay)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/engine.yaml")
	assert.Error(t, err)
}
