// Package config loads the engine's YAML configuration file: listen
// address, loop topology, idle/high-water tuning, optional TLS
// material and log rotation settings.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level document a deployment ships alongside the
// binary.
type Config struct {
	Listen string `yaml:"listen"`

	// Loops is the number of event loops the engine runs; accepted
	// connections are handed out round-robin across them. Zero means
	// one loop per GOMAXPROCS.
	Loops int `yaml:"loops"`

	// IdleTimeoutSeconds, if nonzero, arms a timing-wheel entry per
	// connection; expiration triggers a forced close.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`

	// HighWaterMarkBytes is the size of the egress queue's tail node
	// (plus any unsent TLS ciphertext) above which the high-water
	// callback fires.
	HighWaterMarkBytes int `yaml:"high_water_mark_bytes"`

	// ReadChunkBytes sizes the per-event nonblocking read buffer.
	ReadChunkBytes int `yaml:"read_chunk_bytes"`

	TLS TLSConfig `yaml:"tls"`
	Log LogConfig `yaml:"log"`

	Socket SocketConfig `yaml:"socket"`
}

// TLSConfig names the certificate material for an optional TLS shim.
// Empty CertFile means TLS is disabled.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

// LogConfig mirrors logging.Config's YAML-facing fields.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

// SocketConfig mirrors socket.Options' YAML-facing fields.
type SocketConfig struct {
	ReuseAddr       bool `yaml:"reuse_addr"`
	ReusePort       bool `yaml:"reuse_port"`
	TCPNoDelay      bool `yaml:"tcp_no_delay"`
	RecvBufferBytes int  `yaml:"recv_buffer_bytes"`
	SendBufferBytes int  `yaml:"send_buffer_bytes"`
}

// Default returns a Config with every size/timeout field set to the
// value the engine falls back to when the document omits it.
func Default() Config {
	return Config{
		Listen:             "0.0.0.0:0",
		Loops:              0,
		IdleTimeoutSeconds: 0,
		HighWaterMarkBytes: 64 * 1024 * 1024,
		ReadChunkBytes:     16 * 1024,
	}
}

// Load reads and decodes a YAML document from path, applying Default's
// values for anything the document omits. A field the document sets
// explicitly, even to zero, keeps the document's value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "decode config %s", path)
	}
	return cfg, nil
}
