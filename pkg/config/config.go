package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Growth profile names
const (
	ProfileGradual    = "gradual"
	ProfileAggressive = "aggressive"
	ProfileCustom     = "custom"
)

// Environment overrides applied after the YAML file
const (
	EnvProfile  = "MEMGROWTH_PROFILE"
	EnvHTTPPort = "MEMGROWTH_HTTP_PORT"
	EnvLogLevel = "MEMGROWTH_LOG_LEVEL"
)

// Config represents the main configuration structure
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Network   NetworkConfig   `yaml:"network"`
	Growth    GrowthConfig    `yaml:"growth"`
	Retention RetentionConfig `yaml:"retention"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	ID string `yaml:"id"`
}

// NetworkConfig contains the HTTP listener configuration
type NetworkConfig struct {
	HTTPBindAddr string `yaml:"http_bind_addr"`
	HTTPPort     int    `yaml:"http_port"`
	RESPPort     int    `yaml:"resp_port"` // 0 disables the RESP listener
}

// GrowthConfig describes how much memory one process request creates.
// Ranges are inclusive.
type GrowthConfig struct {
	Profile        string        `yaml:"profile"` // "gradual", "aggressive", "custom"
	ObjectsMin     int           `yaml:"objects_min"`
	ObjectsMax     int           `yaml:"objects_max"`
	PayloadMin     int           `yaml:"payload_min"` // bytes
	PayloadMax     int           `yaml:"payload_max"`
	TagsMin        int           `yaml:"tags_min"`
	TagsMax        int           `yaml:"tags_max"`
	PropsMin       int           `yaml:"props_min"`
	PropsMax       int           `yaml:"props_max"`
	MetadataRepeat int           `yaml:"metadata_repeat"`
	BucketWindow   time.Duration `yaml:"bucket_window"`
	MaxMemory      string        `yaml:"max_memory"` // allocation budget, "" = unbounded

	// Fractions of max_memory at which the payload pool reports pressure
	PoolWarning  float64 `yaml:"pool_warning"`
	PoolCritical float64 `yaml:"pool_critical"`
	PoolPanic    float64 `yaml:"pool_panic"`
}

// RetentionConfig tunes the staggered insertion and partial cleanup rules
type RetentionConfig struct {
	SequenceEvery     uint64  `yaml:"sequence_every"`
	QueueEvery        uint64  `yaml:"queue_every"`
	BucketEvery       uint64  `yaml:"bucket_every"`
	CleanupEvery      uint64  `yaml:"cleanup_every"`
	ByIDThreshold     int     `yaml:"by_id_threshold"`
	SequenceThreshold int     `yaml:"sequence_threshold"`
	QueueThreshold    int     `yaml:"queue_threshold"`
	BucketThreshold   int     `yaml:"bucket_threshold"`
	ByIDFraction      float64 `yaml:"by_id_fraction"`
	SequenceFraction  float64 `yaml:"sequence_fraction"`
	QueueFraction     float64 `yaml:"queue_fraction"`
	BucketFraction    float64 `yaml:"bucket_fraction"`
}

// HealthConfig holds the usage percentages that separate OK/WARNING/CRITICAL
type HealthConfig struct {
	WarningPercent  float64 `yaml:"warning_percent"`
	CriticalPercent float64 `yaml:"critical_percent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`          // debug, info, warn, error, fatal
	EnableConsole bool   `yaml:"enable_console"` // Enable console output
	EnableFile    bool   `yaml:"enable_file"`    // Enable file output
	LogFile       string `yaml:"log_file"`       // Log file path
	BufferSize    int    `yaml:"buffer_size"`    // Async log buffer size
	LogDir        string `yaml:"log_dir"`        // Log directory
}

// Default returns the built-in configuration: gradual profile, standard
// retention rules, 75/90 health thresholds.
func Default() *Config {
	cfg := &Config{
		Node: NodeConfig{
			ID: "memgrowth-1",
		},
		Network: NetworkConfig{
			HTTPBindAddr: "0.0.0.0",
			HTTPPort:     8080,
		},
		Growth: GrowthConfig{
			BucketWindow: 10 * time.Second,
			PoolWarning:  0.75,
			PoolCritical: 0.90,
			PoolPanic:    0.95,
		},
		Retention: RetentionConfig{
			SequenceEvery:     3,
			QueueEvery:        5,
			BucketEvery:       10,
			CleanupEvery:      25,
			ByIDThreshold:     500,
			SequenceThreshold: 300,
			QueueThreshold:    200,
			BucketThreshold:   50,
			ByIDFraction:      0.30,
			SequenceFraction:  0.40,
			QueueFraction:     0.33,
			BucketFraction:    0.25,
		},
		Health: HealthConfig{
			WarningPercent:  75,
			CriticalPercent: 90,
		},
		Logging: LoggingConfig{
			Level:         "info",
			EnableConsole: true,
			EnableFile:    false,
			BufferSize:    1000,
			LogDir:        "logs",
		},
	}
	cfg.Growth.ApplyProfile(ProfileGradual)
	return cfg
}

// ApplyProfile overwrites the object count and size ranges with the named
// preset. "custom" leaves the ranges alone.
func (g *GrowthConfig) ApplyProfile(profile string) {
	g.Profile = profile
	switch profile {
	case ProfileGradual:
		g.ObjectsMin, g.ObjectsMax = 1, 3
	case ProfileAggressive:
		g.ObjectsMin, g.ObjectsMax = 10, 50
	default:
		return
	}
	g.PayloadMin, g.PayloadMax = 1024, 10239
	g.TagsMin, g.TagsMax = 50, 199
	g.PropsMin, g.PropsMax = 20, 99
	g.MetadataRepeat = 1000
}

// Load reads and parses the configuration file. A missing file yields the
// defaults; environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// A profile named in the file decides the ranges, explicit range keys
		// in the same file still win.
		var header struct {
			Growth struct {
				Profile string `yaml:"profile"`
			} `yaml:"growth"`
		}
		if err := yaml.Unmarshal(data, &header); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if header.Growth.Profile != "" {
			cfg.Growth.ApplyProfile(header.Growth.Profile)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if profile := os.Getenv(EnvProfile); profile != "" {
		c.Growth.ApplyProfile(profile)
	}
	if port := os.Getenv(EnvHTTPPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvHTTPPort, port, err)
		}
		c.Network.HTTPPort = p
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.Network.HTTPPort <= 0 || c.Network.HTTPPort > 65535 {
		return fmt.Errorf("network.http_port must be between 1 and 65535")
	}
	if c.Network.RESPPort < 0 || c.Network.RESPPort > 65535 {
		return fmt.Errorf("network.resp_port must be between 0 and 65535")
	}
	if c.Network.RESPPort == c.Network.HTTPPort {
		return fmt.Errorf("network.resp_port must differ from network.http_port")
	}
	if !isValidProfile(c.Growth.Profile) {
		return fmt.Errorf("invalid growth profile: %s", c.Growth.Profile)
	}

	g := c.Growth
	ranges := []struct {
		name     string
		min, max int
		floor    int
	}{
		{"growth.objects", g.ObjectsMin, g.ObjectsMax, 1},
		{"growth.payload", g.PayloadMin, g.PayloadMax, 0},
		{"growth.tags", g.TagsMin, g.TagsMax, 0},
		{"growth.props", g.PropsMin, g.PropsMax, 0},
	}
	for _, r := range ranges {
		if r.min < r.floor {
			return fmt.Errorf("%s_min must be >= %d", r.name, r.floor)
		}
		if r.max < r.min {
			return fmt.Errorf("%s_max must be >= %s_min", r.name, r.name)
		}
	}
	if g.MetadataRepeat < 0 {
		return fmt.Errorf("growth.metadata_repeat cannot be negative")
	}
	if g.BucketWindow < time.Millisecond {
		return fmt.Errorf("growth.bucket_window must be at least 1ms")
	}
	if _, err := c.MaxMemoryBytes(); err != nil {
		return err
	}
	if g.PoolWarning <= 0 || g.PoolPanic > 1 || g.PoolWarning >= g.PoolCritical || g.PoolCritical >= g.PoolPanic {
		return fmt.Errorf("pool thresholds must satisfy 0 < pool_warning < pool_critical < pool_panic <= 1")
	}

	r := c.Retention
	if r.SequenceEvery == 0 || r.QueueEvery == 0 || r.BucketEvery == 0 || r.CleanupEvery == 0 {
		return fmt.Errorf("retention moduli must be >= 1")
	}
	for name, f := range map[string]float64{
		"by_id_fraction":    r.ByIDFraction,
		"sequence_fraction": r.SequenceFraction,
		"queue_fraction":    r.QueueFraction,
		"bucket_fraction":   r.BucketFraction,
	} {
		if f < 0 || f > 1 {
			return fmt.Errorf("retention.%s must be between 0 and 1", name)
		}
	}

	if c.Health.WarningPercent <= 0 || c.Health.CriticalPercent > 100 || c.Health.WarningPercent >= c.Health.CriticalPercent {
		return fmt.Errorf("health thresholds must satisfy 0 < warning < critical <= 100")
	}

	return nil
}

// MaxMemoryBytes parses growth.max_memory. Zero means unbounded.
func (c *Config) MaxMemoryBytes() (int64, error) {
	if c.Growth.MaxMemory == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(c.Growth.MaxMemory)
	if err != nil {
		return 0, fmt.Errorf("invalid growth.max_memory %q: %w", c.Growth.MaxMemory, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("growth.max_memory %q exceeds %d bytes", c.Growth.MaxMemory, int64(math.MaxInt64))
	}
	return int64(n), nil
}

// ListenAddr returns the HTTP listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Network.HTTPBindAddr, c.Network.HTTPPort)
}

// RESPAddr returns the RESP listen address, "" when disabled
func (c *Config) RESPAddr() string {
	if c.Network.RESPPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Network.HTTPBindAddr, c.Network.RESPPort)
}

func isValidProfile(profile string) bool {
	switch profile {
	case ProfileGradual, ProfileAggressive, ProfileCustom:
		return true
	}
	return false
}
