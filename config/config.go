// Package config defines the deployment configuration: which instrument
// streams to run, how each one is harvested and parsed, and where particles
// and checkpoints go. Configs are YAML files loaded at startup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Format names accepted in stream configs.
const (
	FormatSIO    = "sio"
	FormatCSPP   = "cspp"
	FormatGlider = "glider"
	FormatORB    = "orb"
)

// Harvester kinds accepted in stream configs.
const (
	HarvesterFile      = "file"
	HarvesterWebsocket = "websocket"
)

// State store backends.
const (
	StateStoreFile = "file"
	StateStoreKV   = "kv"
)

// Duration wraps time.Duration so YAML files can use "2s" / "500ms" forms.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete deployment configuration.
type Config struct {
	Deployment string         `yaml:"deployment" json:"deployment"`
	NATS       NATSConfig     `yaml:"nats" json:"nats"`
	Metrics    MetricsConfig  `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	State      StateConfig    `yaml:"state" json:"state"`
	Streams    []StreamConfig `yaml:"streams" json:"streams"`
}

// NATSConfig defines NATS connection settings.
type NATSConfig struct {
	URL           string        `yaml:"url" json:"url"`
	MaxReconnects int      `yaml:"max_reconnects,omitempty" json:"max_reconnects,omitempty"`
	ReconnectWait Duration `yaml:"reconnect_wait,omitempty" json:"reconnect_wait,omitempty"`
	Username      string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string        `yaml:"password,omitempty" json:"password,omitempty"`
	Token         string        `yaml:"token,omitempty" json:"token,omitempty"`
	TLS           TLSConfig     `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TLSConfig for secure NATS connections.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
}

// MetricsConfig controls the prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr,omitempty" json:"addr,omitempty"`
}

// StateConfig selects where parse-state checkpoints are persisted.
type StateConfig struct {
	Backend string `yaml:"backend" json:"backend"`                   // "file" or "kv"
	Dir     string `yaml:"dir,omitempty" json:"dir,omitempty"`       // file backend
	Bucket  string `yaml:"bucket,omitempty" json:"bucket,omitempty"` // kv backend
}

// StreamConfig configures one instrument stream.
type StreamConfig struct {
	Name      string          `yaml:"name" json:"name"`
	Format    string          `yaml:"format" json:"format"`
	Harvester HarvesterConfig `yaml:"harvester" json:"harvester"`

	// Rollover overrides the format's default hardware-timer rollover; zero
	// values mean "use the format default".
	Rollover RolloverConfig `yaml:"rollover,omitempty" json:"rollover,omitempty"`

	SIO    *SIOConfig    `yaml:"sio,omitempty" json:"sio,omitempty"`
	CSPP   *CSPPConfig   `yaml:"cspp,omitempty" json:"cspp,omitempty"`
	Glider *GliderConfig `yaml:"glider,omitempty" json:"glider,omitempty"`
	ORB    *ORBConfig    `yaml:"orb,omitempty" json:"orb,omitempty"`
}

// HarvesterConfig selects and configures the stream's data source.
type HarvesterConfig struct {
	Kind string `yaml:"kind" json:"kind"`

	// File harvester
	Path         string   `yaml:"path,omitempty" json:"path,omitempty"`
	Tail         bool     `yaml:"tail,omitempty" json:"tail,omitempty"`
	PollInterval Duration `yaml:"poll_interval,omitempty" json:"poll_interval,omitempty"`
	ArchiveDir   string   `yaml:"archive_dir,omitempty" json:"archive_dir,omitempty"`

	// Websocket harvester
	URL           string `yaml:"url,omitempty" json:"url,omitempty"`
	BufferSize    int    `yaml:"buffer_size,omitempty" json:"buffer_size,omitempty"`
	MaxReconnects int    `yaml:"max_reconnects,omitempty" json:"max_reconnects,omitempty"`
}

// RolloverConfig mirrors state.RolloverConfig for deployment files.
type RolloverConfig struct {
	Period float64 `yaml:"period,omitempty" json:"period,omitempty"`
	Slack  float64 `yaml:"slack,omitempty" json:"slack,omitempty"`
}

// SIOConfig configures the SIO framed-block builder.
type SIOConfig struct {
	MetadataType   string   `yaml:"metadata_type" json:"metadata_type"`
	MetadataFields []string `yaml:"metadata_fields" json:"metadata_fields"`
	DataType       string   `yaml:"data_type" json:"data_type"`
	DataFields     []string `yaml:"data_fields" json:"data_fields"`
	TimerField     string   `yaml:"timer_field,omitempty" json:"timer_field,omitempty"`
}

// CSPPConfig configures the CSPP tab-delimited builder.
type CSPPConfig struct {
	MetadataType string   `yaml:"metadata_type" json:"metadata_type"`
	DataType     string   `yaml:"data_type" json:"data_type"`
	DataFields   []string `yaml:"data_fields" json:"data_fields"`
}

// GliderConfig configures the glider ASCII builder.
type GliderConfig struct {
	HeaderLines int      `yaml:"header_lines,omitempty" json:"header_lines,omitempty"`
	Columns     []string `yaml:"columns,omitempty" json:"columns,omitempty"`
	TimeColumn  string   `yaml:"time_column" json:"time_column"`

	MetadataType   string       `yaml:"metadata_type" json:"metadata_type"`
	MetadataFields []string     `yaml:"metadata_fields" json:"metadata_fields"`
	Particles      []GliderSpec `yaml:"particles" json:"particles"`
}

// GliderSpec declares one particle type assembled from glider columns.
type GliderSpec struct {
	Type   string   `yaml:"type" json:"type"`
	Fields []string `yaml:"fields" json:"fields"`
}

// ORBConfig configures the ORB live-packet builder.
type ORBConfig struct {
	Type string `yaml:"type" json:"type"`
}

// Load reads and validates a YAML deployment config. Environment variables in
// ${VAR} form are expanded before parsing so credentials stay out of files.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses and validates YAML config bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config is complete and consistent.
func (c *Config) Validate() error {
	if c.Deployment == "" {
		return errors.New("deployment name is required")
	}
	if c.NATS.URL == "" {
		return errors.New("nats.url is required")
	}

	switch c.State.Backend {
	case StateStoreFile:
		if c.State.Dir == "" {
			return errors.New("state.dir is required for the file backend")
		}
	case StateStoreKV:
		// Bucket defaults downstream.
	case "":
		return errors.New("state.backend is required")
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}

	if len(c.Streams) == 0 {
		return errors.New("at least one stream is required")
	}

	seen := make(map[string]bool, len(c.Streams))
	for i := range c.Streams {
		s := &c.Streams[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("stream %d (%s): %w", i, s.Name, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stream name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Validate checks one stream config.
func (s *StreamConfig) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(s.Name, " .>*") {
		return fmt.Errorf("name %q is not valid in NATS subjects", s.Name)
	}

	switch s.Format {
	case FormatSIO:
		if s.SIO == nil {
			return errors.New("sio section is required for format sio")
		}
	case FormatCSPP:
		if s.CSPP == nil {
			return errors.New("cspp section is required for format cspp")
		}
	case FormatGlider:
		if s.Glider == nil {
			return errors.New("glider section is required for format glider")
		}
		if s.Glider.TimeColumn == "" {
			return errors.New("glider.time_column is required")
		}
		if s.Glider.MetadataType != "" && len(s.Glider.MetadataFields) == 0 {
			return errors.New("glider.metadata_fields is required when metadata_type is set")
		}
		if len(s.Glider.Particles) == 0 {
			return errors.New("glider.particles must declare at least one particle type")
		}
	case FormatORB:
		if s.ORB == nil {
			return errors.New("orb section is required for format orb")
		}
	case "":
		return errors.New("format is required")
	default:
		return fmt.Errorf("unknown format %q", s.Format)
	}

	switch s.Harvester.Kind {
	case HarvesterFile:
		if s.Harvester.Path == "" {
			return errors.New("harvester.path is required for the file harvester")
		}
	case HarvesterWebsocket:
		if s.Harvester.URL == "" {
			return errors.New("harvester.url is required for the websocket harvester")
		}
	case "":
		return errors.New("harvester.kind is required")
	default:
		return fmt.Errorf("unknown harvester kind %q", s.Harvester.Kind)
	}

	if s.Rollover.Period < 0 || s.Rollover.Slack < 0 {
		return errors.New("rollover period and slack must be non-negative")
	}
	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Redacted returns a copy with credentials blanked for logging.
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = "[REDACTED]"
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = "[REDACTED]"
	}
	return clone
}

// SafeConfig provides thread-safe access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
