// Package config parses the YAML configuration consumed by cmd/server: how
// the engine's data directory and WAL are configured, which peers make up
// the mesh, how often the sync manager gossips, the ring's virtual node
// count, and the ambient logging/tracing stack. The engine package itself
// never opens a config file; only the server binary owns this.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig configures the sharded document store.
type EngineConfig struct {
	DataDir string    `yaml:"data_dir"`
	NodeID  uint32    `yaml:"node_id"`
	WAL     WALConfig `yaml:"wal"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	FlushInterval       string `yaml:"flush_interval"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
}

// MeshPeer names one other node reachable over the peer mesh.
type MeshPeer struct {
	NodeID uint32 `yaml:"node_id"`
	Addr   string `yaml:"addr"`
}

// MeshConfig configures this node's peer transport.
type MeshConfig struct {
	ListenAddr string     `yaml:"listen_addr"`
	Peers      []MeshPeer `yaml:"peers"`
}

// SyncConfig configures the anti-entropy gossip loop.
type SyncConfig struct {
	Enabled      bool   `yaml:"enabled"`
	TickInterval string `yaml:"tick_interval"`
	TickJitter   string `yaml:"tick_jitter"`
}

// RingNode names one physical node's position in the consistent-hash ring.
type RingNode struct {
	NodeID uint32 `yaml:"node_id"`
}

// RingConfig configures the consistent-hash routing table. An empty Nodes
// list disables sharded-mode ownership checks: every node owns every key.
type RingConfig struct {
	Enabled       bool       `yaml:"enabled"`
	VNodesPerNode int        `yaml:"vnodes_per_node"`
	Nodes         []RingNode `yaml:"nodes"`
}

// LoggingConfig configures the root slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "file"
	File   string `yaml:"file"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g. "localhost:4317"
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// AdminConfig configures the l3kvctl-facing admin listener exposed by the
// server for out-of-band inspection (root hash dump, bucket listings).
type AdminConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the top-level configuration for cmd/server.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Mesh    MeshConfig    `yaml:"mesh"`
	Sync    SyncConfig    `yaml:"sync"`
	Ring    RingConfig    `yaml:"ring"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
	Admin   AdminConfig   `yaml:"admin"`
}

// ParseDuration parses a duration string, returning defaultDuration if the
// string is empty or invalid. Logs a warning on an invalid non-empty
// string if logger is non-nil.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

func defaults() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir: "./data",
			NodeID:  1,
			WAL: WALConfig{
				FlushInterval:       "1s",
				MaxSegmentSizeBytes: 128 * 1024 * 1024,
			},
		},
		Mesh: MeshConfig{
			ListenAddr: ":7420",
		},
		Sync: SyncConfig{
			Enabled:      true,
			TickInterval: "2s",
			TickJitter:   "250ms",
		},
		Ring: RingConfig{
			Enabled:       false,
			VNodesPerNode: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Admin: AdminConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:7421",
		},
	}
}

// Load reads configuration from an io.Reader, applying defaults for any
// field the YAML document leaves unset. A nil or empty reader yields
// defaults unchanged.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields defaults, matching the teacher's tolerant startup behaviour.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
