package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/hkcontrol/querytap/internal/inject"
	"github.com/hkcontrol/querytap/internal/tail"
)

// EnvPrefix prefixes every environment override, e.g. QUERYTAP_TARGET_NAME
const EnvPrefix = "QUERYTAP"

// Config is the complete querytap configuration
type Config struct {
	Target    TargetConfig    `yaml:"target" mapstructure:"target"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Intervals IntervalsConfig `yaml:"intervals" mapstructure:"intervals"`
	Policy    PolicyConfig    `yaml:"policy" mapstructure:"policy"`
	Capture   CaptureConfig   `yaml:"capture" mapstructure:"capture"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" mapstructure:"tracing"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// TargetConfig names the process and the payload loaded into it
type TargetConfig struct {
	Name    string `yaml:"name" mapstructure:"name"`       // exact process name, e.g. "Workflow_API.exe"
	Payload string `yaml:"payload" mapstructure:"payload"` // absolute path of the payload module
}

// LogConfig is the file the payload appends captured queries to
type LogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// IntervalsConfig holds every fixed wait
type IntervalsConfig struct {
	Search     time.Duration `yaml:"search" mapstructure:"search"`
	Tail       time.Duration `yaml:"tail" mapstructure:"tail"`
	Backoff    time.Duration `yaml:"backoff" mapstructure:"backoff"`
	BackoffMax time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"` // 0 = fixed backoff
	Liveness   time.Duration `yaml:"liveness" mapstructure:"liveness"`
}

// PolicyConfig holds the behaviour switches
type PolicyConfig struct {
	TailOnInjectFailure bool   `yaml:"tail_on_inject_failure" mapstructure:"tail_on_inject_failure"`
	WatchTarget         bool   `yaml:"watch_target" mapstructure:"watch_target"`
	Truncate            string `yaml:"truncate" mapstructure:"truncate"` // restart or fail
}

// CaptureConfig configures the optional line archive
type CaptureConfig struct {
	DB string `yaml:"db" mapstructure:"db"` // SQLite path or postgres:// DSN, empty = console only
}

// MetricsConfig configures the status endpoint and the textfile export
type MetricsConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`             // empty = disabled
	Textfile  string `yaml:"textfile" mapstructure:"textfile"`     // .prom file for a textfile collector, empty = disabled
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash"` // bcrypt hash from "querytap token", empty = open
}

// TracingConfig configures OTLP span export
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"` // OTLP HTTP host:port, empty = disabled
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"` // 0 or 1 = every cycle
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
	File  string `yaml:"file" mapstructure:"file"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Target: TargetConfig{
			Name: "Workflow_API.exe",
		},
		Log: LogConfig{
			Path: "captured_queries.sql",
		},
		Intervals: IntervalsConfig{
			Search:   5 * time.Second,
			Tail:     time.Second,
			Backoff:  5 * time.Second,
			Liveness: 5 * time.Second,
		},
		Policy: PolicyConfig{
			WatchTarget: true,
			Truncate:    "restart",
		},
		Tracing: TracingConfig{
			ServiceName: "querytap",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every key with its default so that env overrides
// and Unmarshal see the full key set.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("target.name", d.Target.Name)
	v.SetDefault("target.payload", d.Target.Payload)
	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("intervals.search", d.Intervals.Search)
	v.SetDefault("intervals.tail", d.Intervals.Tail)
	v.SetDefault("intervals.backoff", d.Intervals.Backoff)
	v.SetDefault("intervals.backoff_max", d.Intervals.BackoffMax)
	v.SetDefault("intervals.liveness", d.Intervals.Liveness)
	v.SetDefault("policy.tail_on_inject_failure", d.Policy.TailOnInjectFailure)
	v.SetDefault("policy.watch_target", d.Policy.WatchTarget)
	v.SetDefault("policy.truncate", d.Policy.Truncate)
	v.SetDefault("capture.db", d.Capture.DB)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("metrics.textfile", d.Metrics.Textfile)
	v.SetDefault("metrics.token_hash", d.Metrics.TokenHash)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.json", d.Logging.JSON)
	v.SetDefault("logging.file", d.Logging.File)
}

// BindEnv makes QUERYTAP_SECTION_KEY override section.key
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load builds a Config from v (file, env and bound flags) and validates it
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration. An empty payload is allowed here; the
// commands that inject require it.
func (c *Config) Validate() error {
	var err error

	if c.Target.Name == "" {
		err = multierr.Append(err, errors.New("target.name is required"))
	}
	if c.Target.Payload != "" && !inject.IsAbsPath(c.Target.Payload) {
		err = multierr.Append(err, fmt.Errorf("target.payload must be an absolute path, got %q", c.Target.Payload))
	}
	if c.Log.Path == "" {
		err = multierr.Append(err, errors.New("log.path is required"))
	}

	for _, iv := range []struct {
		key string
		d   time.Duration
	}{
		{"intervals.search", c.Intervals.Search},
		{"intervals.tail", c.Intervals.Tail},
		{"intervals.backoff", c.Intervals.Backoff},
		{"intervals.liveness", c.Intervals.Liveness},
	} {
		if iv.d <= 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be positive, got %v", iv.key, iv.d))
		}
	}
	if c.Intervals.BackoffMax < 0 {
		err = multierr.Append(err, fmt.Errorf("intervals.backoff_max must not be negative, got %v", c.Intervals.BackoffMax))
	}

	if c.Tracing.Endpoint != "" && c.Tracing.ServiceName == "" {
		err = multierr.Append(err, errors.New("tracing.service_name is required when tracing.endpoint is set"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		err = multierr.Append(err, fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio))
	}

	if _, perr := tail.ParseTruncatePolicy(c.Policy.Truncate); perr != nil {
		err = multierr.Append(err, fmt.Errorf("policy.truncate: %w", perr))
	}

	return err
}

// TruncatePolicy returns the parsed policy.truncate value
func (c *Config) TruncatePolicy() tail.TruncatePolicy {
	p, _ := tail.ParseTruncatePolicy(c.Policy.Truncate)
	return p
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
