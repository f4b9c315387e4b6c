// Package metrics collects call statistics for the TabPFN client.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// histogramBounds are the upper bounds (ms) of the latency buckets; the last
// bucket collects everything above. Inference calls are slow, so the range is wide.
var histogramBounds = [...]int64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

const numBuckets = len(histogramBounds) + 1

// Collector collects and aggregates metrics.
type Collector struct {
	requestsTotal atomic.Int64
	errorsTotal   atomic.Int64
	retriesTotal  atomic.Int64
	throttled     atomic.Int64
	breakerTrips  atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	responseTimesSum atomic.Int64
	responseTimesNum atomic.Int64
	responseBuckets  [numBuckets]atomic.Int64

	mu          sync.RWMutex
	errorCounts map[string]int64
	statusCodes map[int]int64
	endpoints   map[string]*endpointStats

	startTime time.Time
}

type endpointStats struct {
	requests int64
	errors   int64
	totalMs  int64
}

// New creates a new metrics collector.
func New() *Collector {
	return &Collector{
		errorCounts: make(map[string]int64),
		statusCodes: make(map[int]int64),
		endpoints:   make(map[string]*endpointStats),
		startTime:   time.Now(),
	}
}

// RecordRequest records a completed call to an endpoint. A status of 0 means
// no response was received.
func (c *Collector) RecordRequest(endpoint string, status int, d time.Duration) {
	c.requestsTotal.Add(1)

	ms := d.Milliseconds()
	c.responseTimesSum.Add(ms)
	c.responseTimesNum.Add(1)
	c.responseBuckets[bucketFor(ms)].Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	if status > 0 {
		c.statusCodes[status]++
	}
	es := c.endpoints[endpoint]
	if es == nil {
		es = &endpointStats{}
		c.endpoints[endpoint] = es
	}
	es.requests++
	es.totalMs += ms
}

// RecordError records a failed call by endpoint and error category.
func (c *Collector) RecordError(endpoint, errorType string) {
	c.errorsTotal.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorCounts[errorType]++
	es := c.endpoints[endpoint]
	if es == nil {
		es = &endpointStats{}
		c.endpoints[endpoint] = es
	}
	es.errors++
}

func bucketFor(ms int64) int {
	for i, bound := range histogramBounds {
		if ms < bound {
			return i
		}
	}
	return numBuckets - 1
}

// RecordRetry records a retry attempt.
func (c *Collector) RecordRetry() {
	c.retriesTotal.Add(1)
}

// RecordThrottle records a 429 answer.
func (c *Collector) RecordThrottle() {
	c.throttled.Add(1)
}

// RecordBreakerTrip records a circuit breaker opening.
func (c *Collector) RecordBreakerTrip() {
	c.breakerTrips.Add(1)
}

// RecordBytes records uploaded and downloaded payload sizes.
func (c *Collector) RecordBytes(sent, received int64) {
	c.bytesSent.Add(sent)
	c.bytesReceived.Add(received)
}

// AverageResponseTime returns the mean call latency.
func (c *Collector) AverageResponseTime() time.Duration {
	sum := c.responseTimesSum.Load()
	num := c.responseTimesNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(sum/num) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:           time.Now(),
		Uptime:              time.Since(c.startTime),
		RequestsTotal:       c.requestsTotal.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
		RetriesTotal:        c.retriesTotal.Load(),
		Throttled:           c.throttled.Load(),
		BreakerTrips:        c.breakerTrips.Load(),
		BytesSent:           c.bytesSent.Load(),
		BytesReceived:       c.bytesReceived.Load(),
		AverageResponseTime: c.AverageResponseTime(),
		ErrorCounts:         make(map[string]int64),
		StatusCodes:         make(map[int]int64),
		ResponseTimeHist:    make([]int64, numBuckets),
	}

	for i := range c.responseBuckets {
		s.ResponseTimeHist[i] = c.responseBuckets[i].Load()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for k, v := range c.errorCounts {
		s.ErrorCounts[k] = v
	}
	for k, v := range c.statusCodes {
		s.StatusCodes[k] = v
	}
	for name, es := range c.endpoints {
		e := EndpointSnapshot{Endpoint: name, Requests: es.requests, Errors: es.errors}
		if es.requests > 0 {
			e.AverageResponseTime = time.Duration(es.totalMs/es.requests) * time.Millisecond
		}
		s.Endpoints = append(s.Endpoints, e)
	}
	sort.Slice(s.Endpoints, func(i, j int) bool { return s.Endpoints[i].Endpoint < s.Endpoints[j].Endpoint })

	return s
}

// Reset resets all metrics.
func (c *Collector) Reset() {
	c.requestsTotal.Store(0)
	c.errorsTotal.Store(0)
	c.retriesTotal.Store(0)
	c.throttled.Store(0)
	c.breakerTrips.Store(0)
	c.bytesSent.Store(0)
	c.bytesReceived.Store(0)
	c.responseTimesSum.Store(0)
	c.responseTimesNum.Store(0)
	for i := range c.responseBuckets {
		c.responseBuckets[i].Store(0)
	}

	c.mu.Lock()
	c.errorCounts = make(map[string]int64)
	c.statusCodes = make(map[int]int64)
	c.endpoints = make(map[string]*endpointStats)
	c.startTime = time.Now()
	c.mu.Unlock()
}

// EndpointSnapshot holds the statistics of a single endpoint.
type EndpointSnapshot struct {
	Endpoint            string        `json:"endpoint"`
	Requests            int64         `json:"requests"`
	Errors              int64         `json:"errors"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp           time.Time          `json:"timestamp"`
	Uptime              time.Duration      `json:"uptime"`
	RequestsTotal       int64              `json:"requests_total"`
	ErrorsTotal         int64              `json:"errors_total"`
	RetriesTotal        int64              `json:"retries_total"`
	Throttled           int64              `json:"throttled"`
	BreakerTrips        int64              `json:"breaker_trips"`
	BytesSent           int64              `json:"bytes_sent"`
	BytesReceived       int64              `json:"bytes_received"`
	AverageResponseTime time.Duration      `json:"average_response_time"`
	ErrorCounts         map[string]int64   `json:"error_counts"`
	StatusCodes         map[int]int64      `json:"status_codes"`
	ResponseTimeHist    []int64            `json:"response_time_histogram"`
	Endpoints           []EndpointSnapshot `json:"endpoints"`
}

// ErrorRate returns the error rate (errors/requests).
func (s *Snapshot) ErrorRate() float64 {
	if s.RequestsTotal == 0 {
		return 0
	}
	return float64(s.ErrorsTotal) / float64(s.RequestsTotal)
}

// Summary returns the headline numbers as loggable fields.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":               s.Uptime.String(),
		"requests_total":       s.RequestsTotal,
		"errors_total":         s.ErrorsTotal,
		"error_rate":           s.ErrorRate(),
		"retries_total":        s.RetriesTotal,
		"throttled":            s.Throttled,
		"bytes_sent":           s.BytesSent,
		"bytes_received":       s.BytesReceived,
		"avg_response_time_ms": s.AverageResponseTime.Milliseconds(),
	}
}
