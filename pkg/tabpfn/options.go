package tabpfn

import (
	"fmt"
	"net/http"

	"github.com/PentesterFlow/tabpfn-client/internal/logger"
	"github.com/PentesterFlow/tabpfn-client/internal/metrics"
	"github.com/PentesterFlow/tabpfn-client/internal/state"
	"github.com/PentesterFlow/tabpfn-client/pkg/registry"
)

// Option is a functional option for configuring the client.
type Option func(*Client) error

// WithConfig sets the configuration.
func WithConfig(config *Config) Option {
	return func(c *Client) error {
		if config == nil {
			return fmt.Errorf("config cannot be nil")
		}
		c.config = config.Clone()
		return nil
	}
}

// WithEnvironment selects the server environment.
func WithEnvironment(env string) Option {
	return func(c *Client) error {
		if _, err := registry.ParseEnvironment(env); err != nil {
			return err
		}
		c.config.Environment = env
		return nil
	}
}

// WithBaseURL points the client at another server of the selected environment.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		if _, err := registry.ParseBaseURL(raw); err != nil {
			return err
		}
		c.config.BaseURL = raw
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithAccessToken uses token instead of the cached one.
func WithAccessToken(token string) Option {
	return func(c *Client) error {
		c.config.AccessToken = token
		return nil
	}
}

// WithStore sets the store for the access token and registration state.
// The client does not close a store passed this way.
func WithStore(s state.Store) Option {
	return func(c *Client) error {
		c.store = s
		c.ownsStore = false
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) error {
		c.metrics = m
		return nil
	}
}

// WithCatalog replaces the embedded endpoint catalog.
func WithCatalog(catalog *registry.Catalog) Option {
	return func(c *Client) error {
		if catalog == nil {
			return fmt.Errorf("catalog cannot be nil")
		}
		c.catalog = catalog
		return nil
	}
}
