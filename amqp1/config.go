package amqp1

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultEnvPrefix is the prefix of environment variables read by LoadConfig
const DefaultEnvPrefix = "AMQP1_"

// Config is the file and environment representation of a ConnectionFactory
type Config struct {
	// ConnectionString, when set, is parsed first; the other fields override it
	ConnectionString string `koanf:"connection_string"`

	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	Namespace string `koanf:"namespace"`
	UseTLS    *bool  `koanf:"use_tls"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`

	SharedAccessKeyName string `koanf:"shared_access_key_name"`
	SharedAccessKey     string `koanf:"shared_access_key"`

	OperationTimeout time.Duration `koanf:"operation_timeout"`
	MaxFrameSize     uint32        `koanf:"max_frame_size"`

	Retry RetryConfig `koanf:"retry"`
}

// RetryConfig configures the built-in retry policy
type RetryConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	Delay      time.Duration `koanf:"delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	TryTimeout time.Duration `koanf:"try_timeout"`
	Mode       string        `koanf:"mode"`
	Jitter     *bool         `koanf:"jitter"`
}

// ConfigOption configures LoadConfig
type ConfigOption func(*configLoader)

type configLoader struct {
	filePath  string
	envPrefix string
}

// WithConfigFile sets the YAML file to read
func WithConfigFile(path string) ConfigOption {
	return func(l *configLoader) {
		l.filePath = path
	}
}

// WithEnvPrefix sets the environment variable prefix
func WithEnvPrefix(prefix string) ConfigOption {
	return func(l *configLoader) {
		l.envPrefix = prefix
	}
}

// LoadConfig loads configuration from a YAML file (if set) and then from
// environment variables, which take precedence. Nested keys are separated by
// a double underscore: AMQP1_RETRY__MAX_RETRIES sets retry.max_retries.
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	l := &configLoader{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		opt(l)
	}

	k := koanf.New(".")

	// Load from file first (if specified)
	if l.filePath != "" {
		if err := k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}

	// AMQP1_RETRY__MAX_RETRIES -> retry.max_retries
	prefix := l.envPrefix
	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, prefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(prefix, ".", envTransformer), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// FactoryOptions converts the configuration to ConnectionFactory options
func (c *Config) FactoryOptions() ([]FactoryOption, error) {
	var opts []FactoryOption

	if c.ConnectionString != "" {
		cs, err := ParseConnectionString(c.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("connection_string: %w", err)
		}
		opts = append(opts, cs.FactoryOptions()...)
	}

	if c.UseTLS != nil && !*c.UseTLS {
		opts = append(opts, WithoutTLS())
	}
	if c.Host != "" {
		opts = append(opts, WithHost(c.Host))
	}
	if c.Port != 0 {
		opts = append(opts, WithPort(c.Port))
	}
	if c.Namespace != "" {
		opts = append(opts, WithNamespace(c.Namespace))
	}
	if c.Username != "" {
		opts = append(opts, WithCredentials(c.Username, c.Password))
	}
	if c.SharedAccessKeyName != "" {
		if c.SharedAccessKey == "" {
			return nil, fmt.Errorf("shared_access_key is required with shared_access_key_name")
		}
		opts = append(opts, WithTokenProvider(NewSharedAccessKeyTokenProvider(c.SharedAccessKeyName, c.SharedAccessKey)))
	}
	if c.OperationTimeout != 0 {
		opts = append(opts, WithOperationTimeout(c.OperationTimeout))
	}
	if c.MaxFrameSize != 0 {
		opts = append(opts, WithMaxFrameSize(c.MaxFrameSize))
	}

	retry, set, err := c.Retry.options()
	if err != nil {
		return nil, err
	}
	if set {
		opts = append(opts, WithRetryOptions(retry))
	}

	return opts, nil
}

// options returns the retry options and whether any field was configured
func (r RetryConfig) options() (RetryOptions, bool, error) {
	opts := DefaultRetryOptions()
	set := false

	if r.MaxRetries != 0 {
		opts.MaxRetries = r.MaxRetries
		set = true
	}
	if r.Delay != 0 {
		opts.Delay = r.Delay
		set = true
	}
	if r.MaxDelay != 0 {
		opts.MaxDelay = r.MaxDelay
		set = true
	}
	if r.TryTimeout != 0 {
		opts.TryTimeout = r.TryTimeout
		set = true
	}
	if r.Jitter != nil {
		opts.Jitter = *r.Jitter
		set = true
	}

	switch strings.ToLower(r.Mode) {
	case "":
	case "exponential":
		opts.Mode = RetryModeExponential
		set = true
	case "fixed":
		opts.Mode = RetryModeFixed
		set = true
	default:
		return RetryOptions{}, false, fmt.Errorf("retry.mode: unknown mode %q", r.Mode)
	}

	return opts, set, nil
}
