// Package config loads the YAML server configuration a reactor-based
// binary reads at startup.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LogConfig controls the logging package's New call.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration wraps time.Duration with YAML unmarshaling from Go duration
// strings ("5m", "30s"), since yaml.v3 has no built-in notion of
// time.Duration. It has no MarshalYAML, so marshaling writes the plain
// nanosecond integer.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler by parsing the scalar node's
// string value with time.ParseDuration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// ServerConfig is the full set of knobs a TcpServer-backed binary loads
// from disk.
type ServerConfig struct {
	Listen        string    `yaml:"listen"`
	IOLoops       int       `yaml:"io_loops"`
	ReusePort     bool      `yaml:"reuse_port"`
	TCPNoDelay    bool      `yaml:"tcp_no_delay"`
	KeepAlive     Duration  `yaml:"keep_alive"`
	HighWaterMark int       `yaml:"high_water_mark"`
	Log           LogConfig `yaml:"log"`
	Poller        string    `yaml:"poller"`
}

// defaults returns the values Load starts from before unmarshaling, so a
// field the file leaves out keeps the value given here. These are the
// config's own defaults: HighWaterMark here is 1MiB, while a TcpConnection
// with no high-water-mark callback installed keeps its 64MiB default.
func defaults() ServerConfig {
	return ServerConfig{
		Listen:        "0.0.0.0:9000",
		IOLoops:       0,
		HighWaterMark: 1 << 20,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads and parses a ServerConfig from path, applying defaults for any
// field the file leaves unset.
func Load(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, errors.Wrapf(err, "read config %s", path)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.Poller != "" {
		os.Setenv("REACTOR_POLLER", cfg.Poller)
	}
	return cfg, nil
}
