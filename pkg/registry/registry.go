// Package registry provides the static endpoint registry of the TabPFN service.
//
// A Catalog holds one Registry per deployment environment. Each Registry maps a
// symbolic endpoint name to its path, allowed HTTP methods and description, and
// carries the connection parameters (protocol, host, port) of its environment.
//
// Catalogs are built once from static configuration and never mutated, so they
// are safe for concurrent use without locking.
package registry

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed server_config.yaml
var serverConfig []byte

// Environment identifies a deployment target.
type Environment string

const (
	// Testing is a locally running server.
	Testing Environment = "testing"
	// Production is the hosted TabPFN service.
	Production Environment = "production"
)

// Environments lists every known environment.
func Environments() []Environment {
	return []Environment{Testing, Production}
}

// Protocol is the URL scheme used to reach a server.
type Protocol string

// Protocols.
const (
	HTTP  Protocol = "http"
	HTTPS Protocol = "https"
)

// HTTP methods an endpoint may allow.
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodDelete = "DELETE"
)

var allowedMethods = map[string]bool{
	MethodGet:    true,
	MethodPost:   true,
	MethodDelete: true,
}

// ConnectionParams are the base connection parameters of an environment.
type ConnectionParams struct {
	Protocol Protocol `json:"protocol" yaml:"protocol"`
	Host     string   `json:"host" yaml:"host"`
	Port     string   `json:"port" yaml:"port"`
	GUIURL   string   `json:"gui_url,omitempty" yaml:"gui_url,omitempty"`
}

// BaseURL returns protocol://host:port.
func (c ConnectionParams) BaseURL() string {
	return string(c.Protocol) + "://" + c.Host + ":" + c.Port
}

// Endpoint describes one remote operation.
type Endpoint struct {
	Name        string   `json:"name" yaml:"name"`
	Path        string   `json:"path" yaml:"path"`
	Methods     []string `json:"methods" yaml:"methods"`
	Description string   `json:"description" yaml:"description"`
}

// Method returns the primary HTTP method of the endpoint.
func (e Endpoint) Method() string {
	if len(e.Methods) == 0 {
		return ""
	}
	return e.Methods[0]
}

// Allows reports whether the endpoint accepts the given method.
func (e Endpoint) Allows(method string) bool {
	method = strings.ToUpper(method)
	for _, m := range e.Methods {
		if m == method {
			return true
		}
	}
	return false
}

func (e Endpoint) clone() Endpoint {
	e.Methods = append([]string(nil), e.Methods...)
	return e
}

// Registry is the endpoint table of a single environment.
type Registry struct {
	env       Environment
	conn      ConnectionParams
	endpoints map[string]Endpoint
	names     []string
}

// Environment returns the environment this registry belongs to.
func (r *Registry) Environment() Environment {
	return r.env
}

// Connection returns the connection parameters of the environment.
func (r *Registry) Connection() ConnectionParams {
	return r.conn
}

// Lookup returns the descriptor of the named endpoint.
func (r *Registry) Lookup(name string) (Endpoint, error) {
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, &NotFoundError{Environment: r.env, Name: name}
	}
	return ep.clone(), nil
}

// BuildURL composes protocol://host:port with the path of the named endpoint.
func (r *Registry) BuildURL(name string) (string, error) {
	ep, ok := r.endpoints[name]
	if !ok {
		return "", &NotFoundError{Environment: r.env, Name: name}
	}
	return r.conn.BaseURL() + ep.Path, nil
}

// Names returns the endpoint names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Endpoints returns all descriptors sorted by name.
func (r *Registry) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.endpoints[name].clone())
	}
	return out
}

// Len returns the number of endpoints.
func (r *Registry) Len() int {
	return len(r.names)
}

// WithConnection returns a copy of r that reaches the same endpoints through
// different connection parameters. The GUI URL is kept only for production.
func (r *Registry) WithConnection(conn ConnectionParams) (*Registry, error) {
	if err := conn.validate(r.env); err != nil {
		return nil, err
	}
	out := &Registry{
		env:       r.env,
		conn:      conn,
		endpoints: make(map[string]Endpoint, len(r.endpoints)),
		names:     append([]string(nil), r.names...),
	}
	for name, ep := range r.endpoints {
		out.endpoints[name] = ep.clone()
	}
	return out, nil
}

// ParseBaseURL splits a base URL such as "http://localhost:8000" into
// connection parameters. The port defaults to 80 or 443.
func ParseBaseURL(raw string) (ConnectionParams, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ConnectionParams{}, &ConfigurationError{Field: "base_url", Reason: "malformed URL", Cause: err}
	}
	conn := ConnectionParams{
		Protocol: Protocol(strings.ToLower(u.Scheme)),
		Host:     u.Hostname(),
		Port:     u.Port(),
	}
	if conn.Port == "" {
		switch conn.Protocol {
		case HTTP:
			conn.Port = "80"
		case HTTPS:
			conn.Port = "443"
		}
	}
	if err := conn.validate(""); err != nil {
		return ConnectionParams{}, err
	}
	return conn, nil
}

func (c ConnectionParams) validate(env Environment) error {
	fail := func(field, reason string) error {
		return &ConfigurationError{Environment: env, Field: field, Reason: reason}
	}
	if c.Protocol != HTTP && c.Protocol != HTTPS {
		return fail("protocol", fmt.Sprintf("must be %q or %q, got %q", HTTP, HTTPS, c.Protocol))
	}
	if strings.TrimSpace(c.Host) == "" {
		return fail("host", "must not be empty")
	}
	if strings.TrimSpace(c.Port) == "" {
		return fail("port", "must not be empty")
	}
	if c.GUIURL != "" && env != Production {
		return fail("gui_url", "is only allowed for the production environment")
	}
	return nil
}

// Catalog holds the registries of all configured environments.
type Catalog struct {
	registries map[Environment]*Registry
}

// Environment returns the registry for the given selector.
func (c *Catalog) Environment(selector string) (*Registry, error) {
	env, err := ParseEnvironment(selector)
	if err != nil {
		return nil, err
	}
	reg, ok := c.registries[env]
	if !ok {
		return nil, &ConfigurationError{
			Environment: env,
			Reason:      "environment is not configured",
		}
	}
	return reg, nil
}

// Resolve returns the connection parameters for the given selector.
func (c *Catalog) Resolve(selector string) (ConnectionParams, error) {
	reg, err := c.Environment(selector)
	if err != nil {
		return ConnectionParams{}, err
	}
	return reg.Connection(), nil
}

// Environments returns the configured environments in a stable order.
func (c *Catalog) Environments() []Environment {
	var out []Environment
	for _, env := range Environments() {
		if _, ok := c.registries[env]; ok {
			out = append(out, env)
		}
	}
	return out
}

// ParseEnvironment validates an environment selector.
func ParseEnvironment(selector string) (Environment, error) {
	switch env := Environment(selector); env {
	case Testing, Production:
		return env, nil
	default:
		return "", &ConfigurationError{
			Environment: env,
			Reason:      fmt.Sprintf("unknown environment %q (want %q or %q)", selector, Testing, Production),
		}
	}
}

type rawEndpoint struct {
	Path        string   `yaml:"path"`
	Methods     []string `yaml:"methods"`
	Description string   `yaml:"description"`
}

type rawEnvironment struct {
	Protocol  string                 `yaml:"protocol"`
	Host      string                 `yaml:"host"`
	Port      string                 `yaml:"port"`
	GUIURL    string                 `yaml:"gui_url"`
	Endpoints map[string]rawEndpoint `yaml:"endpoints"`
}

type rawConfig struct {
	Environments map[string]rawEnvironment `yaml:"environments"`
}

// Load parses and validates a registry configuration document.
func Load(data []byte) (*Catalog, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigurationError{Reason: "malformed registry configuration", Cause: err}
	}
	if len(raw.Environments) == 0 {
		return nil, &ConfigurationError{Reason: "no environments defined"}
	}

	c := &Catalog{registries: make(map[Environment]*Registry, len(raw.Environments))}
	for selector, re := range raw.Environments {
		env, err := ParseEnvironment(selector)
		if err != nil {
			return nil, err
		}
		reg, err := buildRegistry(env, re)
		if err != nil {
			return nil, err
		}
		c.registries[env] = reg
	}
	return c, nil
}

// LoadFile reads and parses a registry configuration file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Reason: "failed to read registry configuration", Cause: err}
	}
	return Load(data)
}

var loadDefault = sync.OnceValues(func() (*Catalog, error) {
	return Load(serverConfig)
})

// Default returns the catalog built from the embedded server configuration.
// It is parsed on first use and shared afterwards.
func Default() (*Catalog, error) {
	return loadDefault()
}

// MustDefault is like Default but panics if the embedded configuration is invalid.
func MustDefault() *Catalog {
	c, err := Default()
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultConfig returns a copy of the embedded configuration document.
func DefaultConfig() []byte {
	return append([]byte(nil), serverConfig...)
}

func buildRegistry(env Environment, re rawEnvironment) (*Registry, error) {
	fail := func(field, reason string) error {
		return &ConfigurationError{Environment: env, Field: field, Reason: reason}
	}

	conn := ConnectionParams{
		Protocol: Protocol(strings.ToLower(strings.TrimSpace(re.Protocol))),
		Host:     re.Host,
		Port:     re.Port,
		GUIURL:   re.GUIURL,
	}
	if err := conn.validate(env); err != nil {
		return nil, err
	}
	if len(re.Endpoints) == 0 {
		return nil, fail("endpoints", "must define at least one endpoint")
	}

	reg := &Registry{
		env:       env,
		conn:      conn,
		endpoints: make(map[string]Endpoint, len(re.Endpoints)),
		names:     make([]string, 0, len(re.Endpoints)),
	}

	for name, raw := range re.Endpoints {
		field := "endpoints." + name
		if name == "" {
			return nil, fail("endpoints", "endpoint name must not be empty")
		}
		if !strings.HasPrefix(raw.Path, "/") {
			return nil, fail(field+".path", fmt.Sprintf("must be an absolute path, got %q", raw.Path))
		}
		if len(raw.Methods) == 0 {
			return nil, fail(field+".methods", "must not be empty")
		}

		methods := make([]string, 0, len(raw.Methods))
		seen := make(map[string]bool, len(raw.Methods))
		for _, m := range raw.Methods {
			m = strings.ToUpper(strings.TrimSpace(m))
			if !allowedMethods[m] {
				return nil, fail(field+".methods", fmt.Sprintf("unsupported method %q", m))
			}
			if seen[m] {
				return nil, fail(field+".methods", fmt.Sprintf("duplicate method %q", m))
			}
			seen[m] = true
			methods = append(methods, m)
		}

		reg.endpoints[name] = Endpoint{
			Name:        name,
			Path:        raw.Path,
			Methods:     methods,
			Description: raw.Description,
		}
		reg.names = append(reg.names, name)
	}
	sort.Strings(reg.names)

	return reg, nil
}
