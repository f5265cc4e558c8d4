// Package config loads relay configuration from a YAML file. Command-line
// flags override anything set here.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "250ms" decode directly.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config describes one relay instance.
type Config struct {
	// Name labels log lines and the stats session.
	Name string `yaml:"name"`

	// ListenHost/ListenPort are the bind address for the ingest socket.
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	// TargetHost is a literal IP, or a tailnet hostname when
	// TargetViaTailnet is set. TargetPort is the destination port.
	TargetHost       string `yaml:"target_host"`
	TargetPort       int    `yaml:"target_port"`
	TargetViaTailnet bool   `yaml:"target_via_tailnet"`

	// Whitelist lists allowed source IPs; empty disables filtering.
	Whitelist []string `yaml:"whitelist"`

	// ParseJSON validates each payload as JSON before buffering.
	ParseJSON bool `yaml:"parse_json"`
	// TrackSource records sender addresses (required for whitelisting).
	TrackSource bool `yaml:"track_source"`

	// Capacity is the ring buffer size.
	Capacity int `yaml:"capacity"`

	ReadTimeout  Duration `yaml:"read_timeout"`
	PollInterval Duration `yaml:"poll_interval"`
	LogInterval  Duration `yaml:"log_interval"`

	// MetricsAddr, when set, serves /metrics and /debug on this address.
	MetricsAddr string `yaml:"metrics_addr"`

	// StatsDB, when set, is the SQLite file recording session counters.
	StatsDB       string   `yaml:"stats_db"`
	StatsInterval Duration `yaml:"stats_interval"`
}

// Default returns a config with sensible defaults applied.
func Default() *Config {
	return &Config{
		Name:          "udp-relay",
		ListenHost:    "0.0.0.0",
		Capacity:      1,
		ReadTimeout:   Duration(time.Second),
		PollInterval:  Duration(time.Millisecond),
		LogInterval:   Duration(time.Second),
		StatsInterval: Duration(time.Minute),
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for internally inconsistent values.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port %d out of range", c.ListenPort)
	}
	if c.TargetHost == "" {
		return fmt.Errorf("target_host is required")
	}
	if c.TargetPort < 1 || c.TargetPort > 65535 {
		return fmt.Errorf("target_port %d out of range", c.TargetPort)
	}
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be >= 1, got %d", c.Capacity)
	}
	if len(c.Whitelist) > 0 && !c.TrackSource {
		return fmt.Errorf("whitelist requires track_source")
	}
	return nil
}
