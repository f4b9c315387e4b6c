package tabpfn

import (
	"context"
	stderrors "errors"
	"sort"
	"strconv"
	"sync"

	"github.com/PentesterFlow/tabpfn-client/internal/dataset"
	"github.com/PentesterFlow/tabpfn-client/internal/usage"
)

// ErrNotFitted is returned by Predict and PredictProba before Fit.
var ErrNotFitted = stderrors.New("classifier is not fitted, call Fit first")

// ClassifierOption configures a Classifier.
type ClassifierOption func(*Classifier)

// WithArgmaxPredict makes Predict return the most probable class of
// PredictProba instead of calling the predict endpoint.
func WithArgmaxPredict() ClassifierOption {
	return func(cl *Classifier) { cl.argmax = true }
}

// WithCreditCheck checks the remaining credits before every prediction.
func WithCreditCheck() ClassifierOption {
	return func(cl *Classifier) { cl.checkCredits = true }
}

// WithEstimators sets the ensemble size sent with every prediction and used
// for credit estimates. Zero keeps the server default.
func WithEstimators(n int) ClassifierOption {
	return func(cl *Classifier) { cl.estimators = n }
}

// Classifier is a fit/predict wrapper that remembers the uploaded train set.
type Classifier struct {
	client *Client

	argmax       bool
	checkCredits bool
	estimators   int

	mu          sync.RWMutex
	trainSetUID string
	trainRows   int
	classes     []string

	plan usage.Plan
}

// NewClassifier creates a classifier backed by c.
func NewClassifier(c *Client, opts ...ClassifierOption) *Classifier {
	cl := &Classifier{client: c}
	for _, opt := range opts {
		opt(cl)
	}
	return cl
}

// Fit uploads the train set. The model itself is fitted on the server at
// prediction time.
func (cl *Classifier) Fit(ctx context.Context, x Matrix, y Labels) error {
	uid, err := cl.client.UploadTrainSet(ctx, x, y)
	if err != nil {
		return err
	}

	cl.mu.Lock()
	cl.trainSetUID = uid
	cl.trainRows = x.Rows()
	cl.classes = sortedClasses(y)
	cl.mu.Unlock()
	return nil
}

// TrainSetUID returns the UID of the fitted train set, or "".
func (cl *Classifier) TrainSetUID() string {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.trainSetUID
}

// Classes returns the distinct training labels in sorted order.
func (cl *Classifier) Classes() []string {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return append([]string(nil), cl.classes...)
}

// Predict returns the predicted class of every row of x.
func (cl *Classifier) Predict(ctx context.Context, x Matrix) ([]string, error) {
	if !cl.argmax {
		uid, err := cl.prepare(ctx, x)
		if err != nil {
			return nil, err
		}
		return cl.client.Predict(ctx, uid, x, WithNEstimators(cl.estimators))
	}

	proba, err := cl.PredictProba(ctx, x)
	if err != nil {
		return nil, err
	}
	classes := cl.Classes()
	out := make([]string, len(proba))
	for i, idx := range dataset.Argmax(proba) {
		if idx < len(classes) {
			out[i] = classes[idx]
		}
	}
	return out, nil
}

// PredictProba returns the class probabilities of every row of x.
func (cl *Classifier) PredictProba(ctx context.Context, x Matrix) ([][]float64, error) {
	uid, err := cl.prepare(ctx, x)
	if err != nil {
		return nil, err
	}
	return cl.client.PredictProba(ctx, uid, x, WithNEstimators(cl.estimators))
}

// Estimate is the accumulated estimate of the predictions made so far.
type Estimate struct {
	Calls   int
	Credits float64
	Seconds float64
}

// Estimate returns the estimated credits and server time of every prediction
// this classifier has sent.
func (cl *Classifier) Estimate() Estimate {
	return Estimate{
		Calls:   cl.plan.Calls(),
		Credits: cl.plan.Cost(),
		Seconds: cl.plan.Duration(),
	}
}

func (cl *Classifier) prepare(ctx context.Context, x Matrix) (string, error) {
	cl.mu.RLock()
	uid, rows := cl.trainSetUID, cl.trainRows
	cl.mu.RUnlock()

	if uid == "" {
		return "", ErrNotFitted
	}
	if cl.checkCredits {
		if err := cl.client.CheckCredits(ctx, rows, x.Rows(), x.Cols(), Classification, cl.estimators); err != nil {
			return "", err
		}
	}
	cl.plan.Add(rows, x.Rows(), x.Cols(), Classification, cl.estimators)
	return uid, nil
}

// sortedClasses returns the distinct labels of y, numerically sorted when
// every label is a number.
func sortedClasses(y Labels) []string {
	seen := make(map[string]bool, len(y))
	var classes []string
	for _, l := range y {
		if !seen[l] {
			seen[l] = true
			classes = append(classes, l)
		}
	}

	if _, err := Labels(classes).Floats(); err == nil {
		sort.Slice(classes, func(i, j int) bool {
			a, _ := strconv.ParseFloat(classes[i], 64)
			b, _ := strconv.ParseFloat(classes[j], 64)
			return a < b
		})
	} else {
		sort.Strings(classes)
	}
	return classes
}
