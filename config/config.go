// Package config loads the server configuration from TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/fleetconf/artifact"
	"github.com/vinayprograms/fleetconf/logging"
)

// ErrInsecurePermissions is returned when a file holding the API password is
// readable by group or others.
var ErrInsecurePermissions = fmt.Errorf("config file has insecure permissions")

// Environment variables that override the file.
const (
	EnvUsername = "FLEETCONF_USERNAME"
	EnvPassword = "FLEETCONF_PASSWORD"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Registry  RegistryConfig  `toml:"registry"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Bus       BusConfig       `toml:"bus"`
	Tracing   TracingConfig   `toml:"tracing"`
	Log       LogConfig       `toml:"log"`
	Seeds     []Seed          `toml:"seed"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr     string `toml:"addr"`
	Username string `toml:"username"`
	Password string `toml:"password"`

	ReadHeaderTimeoutSeconds int `toml:"read_header_timeout_seconds"`
}

// ReadHeaderTimeout returns the header timeout as a duration.
func (s ServerConfig) ReadHeaderTimeout() time.Duration {
	return time.Duration(s.ReadHeaderTimeoutSeconds) * time.Second
}

// RegistryConfig configures the configuration registry.
type RegistryConfig struct {
	// StrictUpdate rejects updates of unknown identifiers instead of
	// inserting them.
	StrictUpdate bool `toml:"strict_update"`

	// Search keeps a full-text index of configurations.
	Search bool `toml:"search"`
}

// TelemetryConfig configures heartbeat metrics publishing.
type TelemetryConfig struct {
	Enabled   bool   `toml:"enabled"`
	Sink      string `toml:"sink"`
	Namespace string `toml:"namespace"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`

	IntervalSeconds       int `toml:"interval_seconds"`
	BatchSize             int `toml:"batch_size"`
	PublishTimeoutSeconds int `toml:"publish_timeout_seconds"`
}

// Interval returns the publish interval as a duration.
func (t TelemetryConfig) Interval() time.Duration {
	return time.Duration(t.IntervalSeconds) * time.Second
}

// PublishTimeout returns the per-batch timeout as a duration.
func (t TelemetryConfig) PublishTimeout() time.Duration {
	return time.Duration(t.PublishTimeoutSeconds) * time.Second
}

// BusConfig selects the heartbeat bus.
type BusConfig struct {
	// Kind is "memory" or "nats".
	Kind  string `toml:"kind"`
	URL   string `toml:"url"`
	Name  string `toml:"name"`
	Queue string `toml:"queue"`
}

// TracingConfig configures OpenTelemetry export. An empty endpoint disables
// export.
type TracingConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// Seed is a configuration stored and bound at startup.
type Seed struct {
	ClientID    string `toml:"client_id"`
	Name        string `toml:"name"`
	Repository  string `toml:"repository"`
	Channel     string `toml:"channel"`
	GroupID     string `toml:"group_id"`
	ArtifactID  string `toml:"artifact_id"`
	Version     string `toml:"version"`
	StartScript string `toml:"start_script"`
}

// Coordinates returns the seed's artifact coordinates.
func (s Seed) Coordinates() artifact.Coordinates {
	return artifact.Coordinates{GroupID: s.GroupID, ArtifactID: s.ArtifactID, Version: s.Version}
}

// ResolvedChannel returns the configured channel, or the one implied by the
// version when none is set.
func (s Seed) ResolvedChannel() artifact.Channel {
	if s.Channel != "" {
		return artifact.Channel(s.Channel)
	}
	return artifact.ChannelFor(s.Version)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:                     ":8086",
			ReadHeaderTimeoutSeconds: 10,
		},
		Telemetry: TelemetryConfig{
			Sink:                  "cloudwatch",
			IntervalSeconds:       60,
			BatchSize:             20,
			PublishTimeoutSeconds: 10,
		},
		Bus: BusConfig{
			Kind: "memory",
			Name: "fleetconf",
		},
		Tracing: TracingConfig{
			Protocol:    "grpc",
			ServiceName: "fleetconf",
			SampleRatio: 1.0,
		},
		Log: LogConfig{Level: "info"},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"fleetconf.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "fleetconf", "fleetconf.toml"))
	}
	paths = append(paths, "/etc/fleetconf/fleetconf.toml")
	return paths
}

// Find returns the first standard path that exists, or "".
func Find() string {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. An empty path loads the defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if cfg.Server.Password != "" {
			if err := checkPermissions(path); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML content on top of the defaults and validates it.
// Environment overrides are not applied.
func Parse(content string) (*Config, error) {
	cfg := Default()
	if err := decode(content, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(content string, cfg *Config) error {
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// checkPermissions rejects password files readable by group or others.
func checkPermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o (must not be group or world accessible)",
			ErrInsecurePermissions, path, mode)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvUsername); v != "" {
		c.Server.Username = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		c.Server.Password = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if (c.Server.Username == "") != (c.Server.Password == "") {
		return fmt.Errorf("server.username and server.password must be set together")
	}
	if c.Server.ReadHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("server.read_header_timeout_seconds must not be negative")
	}

	t := c.Telemetry
	if t.IntervalSeconds <= 0 {
		return fmt.Errorf("telemetry.interval_seconds must be positive")
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("telemetry.batch_size must be positive")
	}
	if t.PublishTimeoutSeconds <= 0 {
		return fmt.Errorf("telemetry.publish_timeout_seconds must be positive")
	}
	if t.Enabled {
		if t.Namespace == "" {
			return fmt.Errorf("telemetry.namespace is required when telemetry is enabled")
		}
		switch t.Sink {
		case "cloudwatch", "bus", "noop":
		case "http", "file":
			if t.Endpoint == "" {
				return fmt.Errorf("telemetry.endpoint is required for the %s sink", t.Sink)
			}
		default:
			return fmt.Errorf("telemetry.sink: unknown sink %q", t.Sink)
		}
	}

	switch c.Bus.Kind {
	case "memory":
	case "nats":
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.url is required for nats")
		}
	default:
		return fmt.Errorf("bus.kind: unknown bus %q", c.Bus.Kind)
	}

	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol: unknown protocol %q", c.Tracing.Protocol)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	for i, s := range c.Seeds {
		if s.ClientID == "" {
			return fmt.Errorf("seed[%d]: client_id is required", i)
		}
		if err := s.Coordinates().Validate(); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
		if s.Repository == "" {
			return fmt.Errorf("seed[%d]: repository is required", i)
		}
		if s.Channel != "" && s.Channel != string(artifact.Releases) && s.Channel != string(artifact.Snapshots) {
			return fmt.Errorf("seed[%d]: channel must be %q or %q", i, artifact.Releases, artifact.Snapshots)
		}
	}

	return nil
}
