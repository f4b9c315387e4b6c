// Package usage estimates the credit cost of inference calls and checks it
// against the API usage reported by the server.
package usage

import (
	"fmt"
	"math"
	"strconv"
	"sync"
)

// Task is the kind of prediction problem.
type Task string

// Tasks.
const (
	Classification Task = "classification"
	Regression     Task = "regression"
)

// Cost model constants.
const (
	constantComputeOverhead = 8000
	numSamplesFactor        = 4
	numSamplesPlusFeatures  = 6.5
	cellsFactor             = 0.25
	cellsSquaredFactor      = 1.3e-7
	embeddingSize           = 192
	numHeads                = 6
	numLayers               = 12
	featuresPerGroup        = 2
	gpuFactor               = 1e-11
	latencyOffset           = 1.0
)

// DefaultEstimators returns the ensemble size used by the server when none is configured.
func DefaultEstimators(task Task) int {
	if task == Regression {
		return 8
	}
	return 4
}

func estimators(task Task, n int) int {
	if n <= 0 {
		return DefaultEstimators(task)
	}
	return n
}

// EstimateDuration estimates the server-side duration in seconds of a
// prediction over rows samples (train plus test) with the given feature count.
func EstimateDuration(rows, features int, task Task, nEstimators int) float64 {
	n := float64(estimators(task, nEstimators))
	samples := float64(rows)
	groups := math.Ceil(float64(features) / featuresPerGroup)

	cells := (groups + 1) * samples
	computeCost := float64(embeddingSize*embeddingSize) * numHeads * numLayers

	base := n * computeCost * (constantComputeOverhead +
		samples*numSamplesFactor +
		(samples+groups)*numSamplesPlusFeatures +
		cells*cellsFactor +
		cells*cells*cellsSquaredFactor)

	return math.Round((base*gpuFactor+latencyOffset)*1000) / 1000
}

// EstimateCost returns the credits charged for predicting testRows samples
// against a train set of trainRows samples.
func EstimateCost(trainRows, testRows, features int, task Task, nEstimators int) float64 {
	return float64((trainRows + testRows) * features * estimators(task, nEstimators))
}

// Plan accumulates the estimated cost and duration of several calls.
// It is safe for concurrent use.
type Plan struct {
	mu       sync.Mutex
	cost     float64
	duration float64
	calls    int
}

// Add records one planned prediction.
func (p *Plan) Add(trainRows, testRows, features int, task Task, nEstimators int) {
	cost := EstimateCost(trainRows, testRows, features, task, nEstimators)
	dur := EstimateDuration(trainRows+testRows, features, task, nEstimators)

	p.mu.Lock()
	p.cost += cost
	p.duration += dur
	p.calls++
	p.mu.Unlock()
}

// Cost returns the total estimated credits.
func (p *Plan) Cost() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cost
}

// Duration returns the total estimated seconds.
func (p *Plan) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// Calls returns the number of planned predictions.
func (p *Plan) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Unlimited is the usage limit reported for accounts without a credit cap.
const Unlimited = -1

// Usage is the API usage reported by the get_api_usage endpoint.
type Usage struct {
	CurrentUsage float64 `json:"current_usage"`
	UsageLimit   float64 `json:"usage_limit"`
	ResetTime    string  `json:"reset_time"`
}

// Unlimited reports whether the account has no credit cap.
func (u Usage) Unlimited() bool {
	return int64(u.UsageLimit) == Unlimited
}

// Remaining returns the credits left, or +Inf for unlimited accounts.
func (u Usage) Remaining() float64 {
	if u.Unlimited() {
		return math.Inf(1)
	}
	return u.UsageLimit - u.CurrentUsage
}

// Summary formats the usage the way the service documents it.
func (u Usage) Summary() string {
	limit := "Unlimited"
	if !u.Unlimited() {
		limit = formatCredits(u.UsageLimit)
	}
	return fmt.Sprintf("Currently, you have used %s of the allowed limit of %s credits. The limit will reset at %s.",
		formatCredits(u.CurrentUsage), limit, u.ResetTime)
}

func formatCredits(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// InsufficientCreditsError is returned when a planned call would exceed the
// remaining credits.
type InsufficientCreditsError struct {
	Estimate  float64
	Remaining float64
}

// Error implements the error interface.
func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("not enough credits left: estimated credit usage %s, credits left %s",
		formatCredits(e.Estimate), formatCredits(e.Remaining))
}

// Check returns an *InsufficientCreditsError when estimate exceeds the
// remaining credits of u. Unlimited accounts always pass.
func Check(u Usage, estimate float64) error {
	if u.Unlimited() {
		return nil
	}
	if remaining := u.Remaining(); remaining < estimate {
		return &InsufficientCreditsError{Estimate: estimate, Remaining: remaining}
	}
	return nil
}
