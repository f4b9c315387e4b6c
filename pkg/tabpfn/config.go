package tabpfn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/tabpfn-client/internal/errors"
	"github.com/PentesterFlow/tabpfn-client/internal/logger"
	"github.com/PentesterFlow/tabpfn-client/internal/state"
	"github.com/PentesterFlow/tabpfn-client/internal/transport"
	"github.com/PentesterFlow/tabpfn-client/pkg/registry"
)

// Environment variables read by ApplyEnv.
const (
	EnvEnvironment = "TABPFN_ENV"
	EnvAccessToken = "TABPFN_ACCESS_TOKEN"
	EnvCacheDir    = "TABPFN_CACHE_DIR"
	EnvBaseURL     = "TABPFN_BASE_URL"
	EnvLogLevel    = "TABPFN_LOG_LEVEL"
)

// Config holds all client configuration.
type Config struct {
	// Environment selects the server: "testing" or "production".
	Environment string `json:"environment" yaml:"environment" toml:"environment"`

	// BaseURL overrides the protocol, host and port of the environment.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty" toml:"base_url,omitempty"`

	// Request timeout
	Timeout time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`

	UserAgent string `json:"user_agent" yaml:"user_agent" toml:"user_agent"`

	RateLimit      RateLimitConfig      `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Retry          RetryConfig          `json:"retry" yaml:"retry" toml:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker" toml:"circuit_breaker"`

	// Token and registration state
	CacheDir string `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	Store    string `json:"store" yaml:"store" toml:"store"`

	// AccessToken is used instead of the cached token when set.
	AccessToken string `json:"access_token,omitempty" yaml:"access_token,omitempty" toml:"access_token,omitempty"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogPretty bool   `json:"log_pretty" yaml:"log_pretty" toml:"log_pretty"`
}

// RateLimitConfig holds client-side rate limiting configuration.
// PerEndpoint adds limits for single endpoints, keyed by endpoint name.
type RateLimitConfig struct {
	RequestsPerSecond float64                      `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int                          `json:"burst" yaml:"burst" toml:"burst"`
	PerEndpoint       map[string]EndpointRateLimit `json:"per_endpoint,omitempty" yaml:"per_endpoint,omitempty" toml:"per_endpoint,omitempty"`
}

// EndpointRateLimit is the limit of one endpoint.
type EndpointRateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst" toml:"burst"`
}

// RetryConfig holds retry configuration for idempotent requests.
type RetryConfig struct {
	MaxRetries   int           `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
}

// CircuitBreakerConfig holds per-endpoint circuit breaker configuration.
// A zero FailureThreshold disables the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold" toml:"success_threshold"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	tc := transport.DefaultConfig()
	return &Config{
		Environment: string(registry.Production),
		Timeout:     tc.Timeout,
		UserAgent:   "tabpfn-client-go/" + Version,
		RateLimit: RateLimitConfig{
			RequestsPerSecond: tc.RequestsPerSecond,
			Burst:             tc.Burst,
		},
		Retry: RetryConfig{
			MaxRetries:   tc.Retry.MaxRetries,
			InitialDelay: tc.Retry.InitialDelay,
			MaxDelay:     tc.Retry.MaxDelay,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: tc.Breaker.FailureThreshold,
			SuccessThreshold: tc.Breaker.SuccessThreshold,
			Timeout:          tc.Breaker.Timeout,
		},
		CacheDir:  state.DefaultCacheDir(),
		Store:     state.KindBolt,
		LogLevel:  "warn",
		LogPretty: true,
	}
}

// LoadFromFile loads configuration from a YAML, JSON or TOML file, chosen by
// extension. Unknown extensions are parsed as YAML.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, config)
	case ".toml":
		_, err = toml.Decode(string(data), config)
	default:
		err = yaml.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a file, in the format chosen by extension.
// The access token is never written.
func (c *Config) SaveToFile(path string) error {
	out := c.Clone()
	out.AccessToken = ""

	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(out, "", "  ")
	case ".toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(out)
		data = buf.Bytes()
	default:
		data, err = yaml.Marshal(out)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}

// ApplyEnv overrides fields from TABPFN_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvEnvironment); v != "" {
		c.Environment = v
	}
	if v := os.Getenv(EnvAccessToken); v != "" {
		c.AccessToken = v
	}
	if v := os.Getenv(EnvCacheDir); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if _, err := registry.ParseEnvironment(c.Environment); err != nil {
		return err
	}

	if c.BaseURL != "" {
		if _, err := registry.ParseBaseURL(c.BaseURL); err != nil {
			return err
		}
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	for name, r := range c.RateLimit.PerEndpoint {
		if r.RequestsPerSecond < 0 {
			return fmt.Errorf("rate limit of %s must not be negative", name)
		}
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}

	switch c.Store {
	case state.KindBolt, state.KindFile, state.KindMemory:
	default:
		return fmt.Errorf("%w: %q", state.ErrUnknownKind, c.Store)
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)
	return clone
}

// String returns a one-line description with the access token masked.
func (c *Config) String() string {
	token := "unset"
	if c.AccessToken != "" {
		token = "set"
	}
	return fmt.Sprintf("environment=%s timeout=%s store=%s cache_dir=%s token=%s rps=%s",
		c.Environment, c.Timeout, c.Store, c.CacheDir, token,
		strconv.FormatFloat(c.RateLimit.RequestsPerSecond, 'f', -1, 64))
}

func (c *Config) transportConfig() transport.Config {
	tc := transport.DefaultConfig()
	tc.Timeout = c.Timeout
	if c.UserAgent != "" {
		tc.UserAgent = c.UserAgent
	}
	tc.RequestsPerSecond = c.RateLimit.RequestsPerSecond
	tc.Burst = c.RateLimit.Burst
	if len(c.RateLimit.PerEndpoint) > 0 {
		tc.EndpointRates = make(map[string]transport.EndpointRate, len(c.RateLimit.PerEndpoint))
		for name, r := range c.RateLimit.PerEndpoint {
			tc.EndpointRates[name] = transport.EndpointRate{RequestsPerSecond: r.RequestsPerSecond, Burst: r.Burst}
		}
	}

	tc.Retry = errors.DefaultRetryConfig()
	tc.Retry.MaxRetries = c.Retry.MaxRetries
	if c.Retry.InitialDelay > 0 {
		tc.Retry.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		tc.Retry.MaxDelay = c.Retry.MaxDelay
	}

	tc.Breaker = errors.DefaultCircuitBreakerConfig()
	tc.Breaker.FailureThreshold = c.CircuitBreaker.FailureThreshold
	if c.CircuitBreaker.SuccessThreshold > 0 {
		tc.Breaker.SuccessThreshold = c.CircuitBreaker.SuccessThreshold
	}
	if c.CircuitBreaker.Timeout > 0 {
		tc.Breaker.Timeout = c.CircuitBreaker.Timeout
	}
	return tc
}

func (c *Config) loggerConfig() logger.Config {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		level = logger.WarnLevel
	}
	cfg := logger.DefaultConfig()
	cfg.Level = level
	cfg.Pretty = c.LogPretty
	cfg.Component = "tabpfn"
	cfg.Environment = c.Environment
	return cfg
}
