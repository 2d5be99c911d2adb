// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "FRAMERELAY_CONFIG"

// Compression names accepted by transport.compression.
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
	CompressionZstd = "zstd"
)

// Config is the complete relay configuration.
type Config struct {
	// Listen is where the relay accepts viewer connections.
	Listen ListenConfig `yaml:"listen"`

	// SharedMemory locates the ring shared with the capture agent.
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`

	// Timing controls polling and liveness.
	Timing TimingConfig `yaml:"timing"`

	// Transport tunes the fabric carrying frames to the viewer.
	Transport TransportConfig `yaml:"transport"`

	// Once serves a single viewer session and exits.
	Once bool `yaml:"once"`

	// Synthetic drives the in-process test-pattern producer instead of
	// waiting for a capture agent. Used to validate a link end to end.
	Synthetic bool `yaml:"synthetic"`
}

// ListenConfig configures the listening socket.
type ListenConfig struct {
	// Address is the local interface address. Default: 0.0.0.0
	Address string `yaml:"address"`

	// Port is the TCP port both channels connect to. Default: 5900
	Port int `yaml:"port"`
}

// SharedMemoryConfig configures the ring mapping.
type SharedMemoryConfig struct {
	// Path is the shared-memory file. Default: /dev/shm/looking-glass
	Path string `yaml:"path"`

	// Size is the number of bytes to map. Zero maps the whole file.
	Size int64 `yaml:"size"`
}

// TimingConfig configures loop pacing and deadlines.
type TimingConfig struct {
	// Interval is how long a channel loop sleeps after an iteration
	// that did no work. Zero selects the default. Default: 100us
	Interval time.Duration `yaml:"interval"`

	// Timeout is both the peer liveness deadline and the ring session
	// initialization deadline. Default: 3s
	Timeout time.Duration `yaml:"timeout"`

	// Keepalive is how long a channel may stay silent before it sends a
	// KEEPALIVE. Zero means Timeout/3.
	Keepalive time.Duration `yaml:"keepalive"`
}

// TransportConfig configures write payload handling.
type TransportConfig struct {
	// Compression applies to one-sided write payloads: none, lz4 or
	// zstd. Default: none
	Compression string `yaml:"compression"`

	// Integrity appends a blake3 digest to every write payload and has
	// the receiver verify it.
	Integrity bool `yaml:"integrity"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address: "0.0.0.0",
			Port:    5900,
		},
		SharedMemory: SharedMemoryConfig{
			Path: "/dev/shm/looking-glass",
		},
		Timing: TimingConfig{
			Interval: 100 * time.Microsecond,
			Timeout:  3 * time.Second,
		},
		Transport: TransportConfig{
			Compression: CompressionNone,
		},
	}
}

// Load loads the file named by FRAMERELAY_CONFIG, or returns Default()
// when the variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over Default() and expands
// variables in the shared-memory path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.decode(path, data); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.SharedMemory.Path = expandVars(cfg.SharedMemory.Path)
	return cfg, nil
}

// decode merges data into c. JSON is a subset of YAML, so JSONC files
// are stripped of comments and decoded by the same YAML decoder, which
// keeps duration strings ("3s") working in both formats.
func (c *Config) decode(path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	// An empty file means all defaults.
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// KeepaliveInterval returns Timing.Keepalive, or Timeout/3 when unset.
func (c *Config) KeepaliveInterval() time.Duration {
	if c.Timing.Keepalive > 0 {
		return c.Timing.Keepalive
	}
	return c.Timing.Timeout / 3
}

// ListenAddress returns the host:port to listen on.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port out of range: %d", c.Listen.Port))
	}
	if c.SharedMemory.Path == "" && !c.Synthetic {
		errs = append(errs, errors.New("shared_memory.path is required"))
	}
	if c.SharedMemory.Size < 0 {
		errs = append(errs, fmt.Errorf("shared_memory.size is negative: %d", c.SharedMemory.Size))
	}
	if c.Timing.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timing.timeout must be positive, got %v", c.Timing.Timeout))
	}
	if c.Timing.Interval < 0 {
		errs = append(errs, fmt.Errorf("timing.interval is negative: %v", c.Timing.Interval))
	}
	if c.Timing.Keepalive < 0 {
		errs = append(errs, fmt.Errorf("timing.keepalive is negative: %v", c.Timing.Keepalive))
	}
	if c.Timing.Keepalive > 0 && c.Timing.Keepalive >= c.Timing.Timeout {
		errs = append(errs, fmt.Errorf("timing.keepalive (%v) must be shorter than timing.timeout (%v)",
			c.Timing.Keepalive, c.Timing.Timeout))
	}
	switch c.Transport.Compression {
	case CompressionNone, CompressionLZ4, CompressionZstd:
	default:
		errs = append(errs, fmt.Errorf("transport.compression: unknown value %q (want none, lz4 or zstd)",
			c.Transport.Compression))
	}

	return errors.Join(errs...)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}
