// Package transport sends requests to the TabPFN service. Every request names
// a registry endpoint; the URL and allowed methods come from the registry.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/PentesterFlow/tabpfn-client/internal/errors"
	"github.com/PentesterFlow/tabpfn-client/internal/logger"
	"github.com/PentesterFlow/tabpfn-client/internal/metrics"
	"github.com/PentesterFlow/tabpfn-client/internal/ratelimit"
	"github.com/PentesterFlow/tabpfn-client/pkg/registry"
)

// Config holds configuration for the transport.
type Config struct {
	Timeout             time.Duration
	UserAgent           string
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxBodyBytes        int64
	RequestsPerSecond   float64
	Burst               int
	EndpointRates       map[string]EndpointRate
	Retry               errors.RetryConfig
	Breaker             errors.CircuitBreakerConfig
}

// EndpointRate is a limit for one endpoint on top of the global one.
type EndpointRate struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns defaults suited to the TabPFN service.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		UserAgent:           "tabpfn-client-go",
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		MaxBodyBytes:        64 << 20,
		RequestsPerSecond:   10,
		Burst:               5,
		Retry:               errors.DefaultRetryConfig(),
		Breaker:             errors.DefaultCircuitBreakerConfig(),
	}
}

// TokenSource supplies the bearer token for authenticated requests.
type TokenSource interface {
	Token() string
}

// File is a multipart upload.
type File struct {
	Field    string
	Filename string
	Data     []byte
}

// Request describes a call to a registry endpoint.
type Request struct {
	Endpoint string
	Method   string // defaults to the endpoint's primary method
	Query    url.Values
	Form     url.Values
	Files    []File
	Auth     bool      // attach the bearer token from the TokenSource
	Token    string    // explicit bearer token, overrides Auth
	Sink     io.Writer // receives a successful body instead of buffering it
}

// Response is the outcome of a call that reached the server.
type Response struct {
	Endpoint   string
	Method     string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
	Attempts   int
	Duration   time.Duration
	Written    int64 // bytes copied to Request.Sink
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.NewParseError(r.Endpoint, "decode", err)
	}
	return nil
}

// Detail extracts the "detail" message of an error body. Validation errors
// carry a list of objects; their "msg" fields are joined.
func (r *Response) Detail() string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil || len(body.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(body.Detail, &s); err == nil {
		return s
	}

	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(body.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}

	return string(body.Detail)
}

// Check converts a non-2xx response into a categorized *errors.APIError.
func Check(resp *Response) error {
	if resp.OK() {
		return nil
	}

	var apiErr *errors.APIError
	if resp.StatusCode == http.StatusTooManyRequests {
		apiErr = errors.NewRateLimitError(resp.Endpoint, int(retryAfter(resp.Header).Seconds()))
	} else {
		apiErr = errors.CategorizeHTTPStatus(resp.StatusCode, resp.Endpoint)
		if apiErr == nil {
			apiErr = errors.NewClientError(resp.Endpoint, resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
		}
	}
	apiErr.Detail = resp.Detail()
	return apiErr
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}

// Client sends registry-driven requests.
type Client struct {
	reg      *registry.Registry
	http     *http.Client
	config   Config
	limiter  *ratelimit.Limiter
	breakers *errors.Breakers
	retrier  *errors.Retrier
	metrics  *metrics.Collector
	log      *logger.Logger
	tokens   TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLimiter shares a rate limiter between clients.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// New creates a transport bound to one environment's registry.
func New(reg *registry.Registry, config Config, opts ...Option) *Client {
	c := &Client{
		reg:     reg,
		config:  config,
		metrics: metrics.New(),
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		c.http = newHTTPClient(config)
	}
	if c.limiter == nil {
		c.limiter = ratelimit.NewLimiter(config.RequestsPerSecond, config.Burst)
	}
	for name, r := range config.EndpointRates {
		c.limiter.SetEndpointRate(name, r.RequestsPerSecond, r.Burst)
	}
	c.log = c.log.WithComponent("transport").WithEnvironment(string(reg.Environment()))

	c.breakers = errors.NewBreakers(config.Breaker)
	c.breakers.OnStateChange(func(name string, from, to errors.CircuitState) {
		if to == errors.Open {
			c.metrics.RecordBreakerTrip()
		}
		c.log.WithEndpoint(name).Warnf("circuit breaker %s -> %s", from, to)
	})

	c.retrier = errors.NewRetrier(config.Retry)
	c.retrier.OnRetry(func(endpoint string, attempt int, err error) {
		c.metrics.RecordRetry()
		c.log.RetryEvent(endpoint, attempt, err)
	})

	return c
}

func newHTTPClient(config Config) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}

	// A nil jar only disables cookies; New never fails with these options.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
		Jar:       jar,
	}
}

// Registry returns the registry requests are resolved against.
func (c *Client) Registry() *registry.Registry {
	return c.reg
}

// Metrics returns the metrics collector.
func (c *Client) Metrics() *metrics.Collector {
	return c.metrics
}

// Limiter returns the rate limiter.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Breakers returns the per-endpoint circuit breakers.
func (c *Client) Breakers() *errors.Breakers {
	return c.breakers
}

// SetTokenSource sets where bearer tokens come from.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

type preparedRequest struct {
	endpoint    string
	method      string
	url         string
	body        []byte
	contentType string
	token       string
	requestID   string
}

func (c *Client) prepare(req Request) (*preparedRequest, error) {
	ep, err := c.reg.Lookup(req.Endpoint)
	if err != nil {
		return nil, errors.NewConfigurationError(req.Endpoint, "unknown endpoint", err)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = ep.Method()
	}
	if !ep.Allows(method) {
		return nil, errors.NewConfigurationError(req.Endpoint,
			fmt.Sprintf("method %s not allowed (allowed: %s)", method, strings.Join(ep.Methods, ", ")), nil)
	}

	target, err := c.reg.BuildURL(req.Endpoint)
	if err != nil {
		return nil, errors.NewConfigurationError(req.Endpoint, "cannot build URL", err)
	}
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	p := &preparedRequest{
		endpoint:  req.Endpoint,
		method:    method,
		url:       target,
		requestID: uuid.NewString(),
	}

	switch {
	case len(req.Files) > 0:
		p.body, p.contentType, err = encodeMultipart(req.Form, req.Files)
		if err != nil {
			return nil, errors.NewUserInputError(req.Endpoint, "cannot encode upload: "+err.Error())
		}
	case len(req.Form) > 0:
		p.body = []byte(req.Form.Encode())
		p.contentType = "application/x-www-form-urlencoded"
	}

	p.token = req.Token
	if p.token == "" && req.Auth {
		if c.tokens != nil {
			p.token = c.tokens.Token()
		}
		if p.token == "" {
			return nil, errors.NewAuthError(req.Endpoint, 0, "no access token set")
		}
	}

	return p, nil
}

func encodeMultipart(fields url.Values, files []File) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for key, values := range fields {
		for _, v := range values {
			if err := w.WriteField(key, v); err != nil {
				return nil, "", err
			}
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.Field, f.Filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodDelete
}

// Do sends req. A non-nil Response is returned whenever the server answered,
// together with a categorized error for non-2xx statuses. GET and DELETE
// calls are retried on transient failures; POST calls are sent once.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	p, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	var last *Response
	attempts := 0
	attempt := func(ctx context.Context) error {
		attempts++
		var err error
		last, err = c.send(ctx, p, req.Sink)
		return err
	}

	start := time.Now()
	if idempotent(p.method) && req.Sink == nil {
		result := c.retrier.Do(ctx, "request", p.endpoint, attempt)
		err = result.LastError
	} else {
		err = attempt(ctx)
	}

	if last != nil {
		last.Attempts = attempts
		last.Duration = time.Since(start)
	}
	return last, err
}

// DoJSON sends req and decodes a successful JSON body into out.
func (c *Client) DoJSON(ctx context.Context, req Request, out interface{}) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return resp, err
	}
	if out != nil {
		if err := resp.Decode(out); err != nil {
			c.metrics.RecordError(req.Endpoint, errors.Parse.String())
			return resp, err
		}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, p *preparedRequest, sink io.Writer) (*Response, error) {
	if err := c.limiter.WaitEndpoint(ctx, p.endpoint); err != nil {
		return nil, errors.Categorize(err, p.endpoint)
	}

	breaker := c.breakers.Get(p.endpoint)
	if err := breaker.Allow(); err != nil {
		c.metrics.RecordError(p.endpoint, "circuit_open")
		return nil, err
	}

	var body io.Reader
	if p.body != nil {
		body = bytes.NewReader(p.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, p.method, p.url, body)
	if err != nil {
		breaker.RecordSuccess()
		return nil, errors.NewConfigurationError(p.endpoint, "cannot create request", err)
	}
	httpReq.Header.Set("User-Agent", c.config.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", p.requestID)
	if p.contentType != "" {
		httpReq.Header.Set("Content-Type", p.contentType)
	}
	if p.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.token)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		apiErr := errors.Categorize(err, p.endpoint)
		c.record(p, 0, time.Since(start), int64(len(p.body)), 0)
		c.metrics.RecordError(p.endpoint, apiErr.Type.String())
		if apiErr.Type != errors.Cancelled {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
		return nil, apiErr
	}
	defer httpResp.Body.Close()

	resp := &Response{
		Endpoint:   p.endpoint,
		Method:     p.method,
		URL:        p.url,
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		RequestID:  p.requestID,
	}

	var readErr error
	if sink != nil && resp.OK() {
		resp.Written, readErr = io.Copy(sink, httpResp.Body)
	} else {
		resp.Body, readErr = io.ReadAll(io.LimitReader(httpResp.Body, c.config.maxBody()))
	}
	c.record(p, resp.StatusCode, time.Since(start), int64(len(p.body)), int64(len(resp.Body))+resp.Written)

	if readErr != nil {
		breaker.RecordFailure()
		apiErr := errors.NewNetworkError(p.endpoint, "read_body", readErr)
		apiErr.StatusCode = resp.StatusCode
		c.metrics.RecordError(p.endpoint, apiErr.Type.String())
		return resp, apiErr
	}

	if err := Check(resp); err != nil {
		apiErr := err.(*errors.APIError)
		c.metrics.RecordError(p.endpoint, apiErr.Type.String())
		switch apiErr.Type {
		case errors.RateLimit:
			c.metrics.RecordThrottle()
			c.limiter.Throttle(retryAfter(resp.Header))
			breaker.RecordSuccess()
		case errors.ServerError:
			breaker.RecordFailure()
		default:
			breaker.RecordSuccess()
		}
		return resp, apiErr
	}

	breaker.RecordSuccess()
	c.limiter.RecordSuccess()
	return resp, nil
}

func (c *Client) record(p *preparedRequest, status int, d time.Duration, sent, received int64) {
	c.metrics.RecordRequest(p.endpoint, status, d)
	c.metrics.RecordBytes(sent, received)
	c.log.RequestEvent(p.method, p.endpoint, p.url, status, d, p.requestID)
}

func (cfg Config) maxBody() int64 {
	if cfg.MaxBodyBytes <= 0 {
		return 64 << 20
	}
	return cfg.MaxBodyBytes
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
