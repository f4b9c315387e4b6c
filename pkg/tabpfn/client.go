// Package tabpfn is a client for the TabPFN inference service.
//
// Every request is built from the endpoint registry of the selected
// environment. The client caches the access token between runs and exposes
// the inference, data management and usage operations of the service.
package tabpfn

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/PentesterFlow/tabpfn-client/internal/auth"
	"github.com/PentesterFlow/tabpfn-client/internal/dataset"
	"github.com/PentesterFlow/tabpfn-client/internal/errors"
	"github.com/PentesterFlow/tabpfn-client/internal/logger"
	"github.com/PentesterFlow/tabpfn-client/internal/metrics"
	"github.com/PentesterFlow/tabpfn-client/internal/state"
	"github.com/PentesterFlow/tabpfn-client/internal/transport"
	"github.com/PentesterFlow/tabpfn-client/internal/usage"
	"github.com/PentesterFlow/tabpfn-client/pkg/registry"
)

// Version is the client version sent in the User-Agent header.
const Version = "0.1.0"

// Matrix is a dense feature matrix, one slice per row.
type Matrix = dataset.Matrix

// Labels are target values.
type Labels = dataset.Labels

// Task is the kind of prediction problem.
type Task = usage.Task

// Tasks.
const (
	Classification = usage.Classification
	Regression     = usage.Regression
)

// Errors returned by Init.
var (
	ErrServerUnreachable = stderrors.New("TabPFN server is not reachable, check your network connection")
	ErrNotAuthenticated  = stderrors.New("no valid access token, log in or register first")
	// ErrEmailNotVerified leaves the token in place so VerifyEmail and
	// SendVerificationEmail can use it.
	ErrEmailNotVerified = stderrors.New("email not verified")
)

// Multipart field and file names expected by the service.
const (
	fieldX        = "x_file"
	fieldY        = "y_file"
	fileTrainX    = "x_train_filename"
	fileTrainY    = "y_train_filename"
	fileTestX     = "x_test_filename"
	downloadStamp = "20060102_150405"
)

// Client is a TabPFN service client.
type Client struct {
	config  *Config
	catalog *registry.Catalog
	reg     *registry.Registry

	tr   *transport.Client
	auth *auth.Authenticator

	store     state.Store
	ownsStore bool

	httpClient *http.Client
	metrics    *metrics.Collector
	log        *logger.Logger

	closeOnce sync.Once
	closeErr  error
}

// New creates a client. Without options it talks to production and caches
// its token in a bbolt file under ~/.tabpfn.
func New(opts ...Option) (*Client, error) {
	c := &Client{config: DefaultConfig()}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := c.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if c.log == nil {
		c.log = logger.New(c.config.loggerConfig())
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.catalog == nil {
		catalog, err := registry.Default()
		if err != nil {
			return nil, err
		}
		c.catalog = catalog
	}

	reg, err := c.catalog.Environment(c.config.Environment)
	if err != nil {
		return nil, err
	}
	if c.config.BaseURL != "" {
		conn, err := registry.ParseBaseURL(c.config.BaseURL)
		if err != nil {
			return nil, err
		}
		if reg, err = reg.WithConnection(conn); err != nil {
			return nil, err
		}
	}
	c.reg = reg

	for name := range c.config.RateLimit.PerEndpoint {
		if _, err := reg.Lookup(name); err != nil {
			return nil, fmt.Errorf("invalid rate limit: %w", err)
		}
	}

	trOpts := []transport.Option{
		transport.WithMetrics(c.metrics),
		transport.WithLogger(c.log),
	}
	if c.httpClient != nil {
		trOpts = append(trOpts, transport.WithHTTPClient(c.httpClient))
	}
	c.tr = transport.New(reg, c.config.transportConfig(), trOpts...)

	if c.store == nil {
		store, err := state.Open(c.config.Store, c.config.CacheDir)
		if err != nil {
			c.tr.Close()
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
		c.store = store
		c.ownsStore = true
	}

	c.auth = auth.New(c.tr, c.store, auth.NewSession(c.config.AccessToken), c.log)

	c.log.WithFields(map[string]interface{}{
		"base_url": reg.Connection().BaseURL(),
		"store":    c.config.Store,
	}).Debug("client created")

	return c, nil
}

// Config returns a copy of the client configuration.
func (c *Client) Config() *Config {
	return c.config.Clone()
}

// Registry returns the endpoint registry of the selected environment.
func (c *Client) Registry() *registry.Registry {
	return c.reg
}

// Environment returns the selected environment.
func (c *Client) Environment() registry.Environment {
	return c.reg.Environment()
}

// Logger returns the client logger.
func (c *Client) Logger() *logger.Logger {
	return c.log
}

// Init checks that the server answers, then reuses the configured or cached
// access token and returns the greeting messages of the service. It returns
// ErrServerUnreachable, ErrNotAuthenticated, or ErrEmailNotVerified when the
// account still awaits verification.
func (c *Client) Init(ctx context.Context) ([]string, error) {
	if !c.auth.IsAccessible(ctx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w (%s)", ErrServerUnreachable, c.reg.Connection().BaseURL())
	}

	status, err := c.auth.TryReuseExistingToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	}
	switch status {
	case auth.TokenValid:
	case auth.TokenUnverified:
		return nil, ErrEmailNotVerified
	default:
		return nil, ErrNotAuthenticated
	}

	messages, err := c.auth.RetrieveGreetingMessages(ctx)
	if err != nil {
		c.log.WithError(err).Debug("failed to retrieve greeting messages")
		return nil, nil
	}
	return messages, nil
}

// IsAccessible reports whether the server answers on its root endpoint.
func (c *Client) IsAccessible(ctx context.Context) bool {
	return c.auth.IsAccessible(ctx)
}

// Reset forgets the access token and any registration in progress.
func (c *Client) Reset() error {
	return c.auth.Reset()
}

// AccessToken returns the current access token.
func (c *Client) AccessToken() string {
	return c.auth.Session().Token()
}

// SetAccessToken sets and caches the access token.
func (c *Client) SetAccessToken(token string) error {
	return c.auth.SetToken(token)
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	return c.auth.Login(ctx, email, password)
}

// Register creates an account and logs in.
func (c *Client) Register(ctx context.Context, email, password, passwordConfirm string, extra map[string]string) (string, error) {
	return c.auth.Register(ctx, email, password, passwordConfirm, extra)
}

// PasswordPolicy fetches the password rules for new accounts.
func (c *Client) PasswordPolicy(ctx context.Context) (*auth.PasswordPolicy, error) {
	return c.auth.PasswordPolicy(ctx)
}

// ValidateEmail reports whether email can be used for a new account.
func (c *Client) ValidateEmail(ctx context.Context, email string) (bool, string, error) {
	return c.auth.ValidateEmail(ctx, email)
}

// SendVerificationEmail (re)sends the account verification email.
func (c *Client) SendVerificationEmail(ctx context.Context) (string, error) {
	return c.auth.SendVerificationEmail(ctx)
}

// VerifyEmail submits the token from the verification email.
func (c *Client) VerifyEmail(ctx context.Context, token string) (string, error) {
	return c.auth.VerifyEmail(ctx, token)
}

// SendResetPasswordEmail sends a password reset link.
func (c *Client) SendResetPasswordEmail(ctx context.Context, email string) (string, error) {
	return c.auth.SendResetPasswordEmail(ctx, email)
}

// GreetingMessages returns the messages the service wants shown to the user.
func (c *Client) GreetingMessages(ctx context.Context) ([]string, error) {
	return c.auth.RetrieveGreetingMessages(ctx)
}

// RegistrationProgress returns the sign-up in progress, or nil.
func (c *Client) RegistrationProgress() (*state.Registration, error) {
	return c.auth.Progress()
}

// =============================================================================
// Data and inference
// =============================================================================

// UploadTrainSet uploads a training set and returns its UID.
func (c *Client) UploadTrainSet(ctx context.Context, x Matrix, y Labels) (string, error) {
	if err := dataset.CheckTrainSet(x, y); err != nil {
		return "", errors.NewUserInputError("upload_train_set", err.Error())
	}
	xData, err := dataset.EncodeMatrix(x)
	if err != nil {
		return "", err
	}
	yData, err := dataset.EncodeLabels(y)
	if err != nil {
		return "", err
	}

	var out struct {
		TrainSetUID string `json:"train_set_uid"`
	}
	if _, err := c.tr.DoJSON(ctx, transport.Request{
		Endpoint: registry.EndpointUploadTrainSet,
		Files: []transport.File{
			{Field: fieldX, Filename: fileTrainX, Data: xData},
			{Field: fieldY, Filename: fileTrainY, Data: yData},
		},
		Auth: true,
	}, &out); err != nil {
		return "", fmt.Errorf("failed to upload train set: %w", err)
	}
	if out.TrainSetUID == "" {
		return "", errors.NewParseError(registry.EndpointUploadTrainSet, "upload_train_set",
			fmt.Errorf("response has no train_set_uid"))
	}

	c.log.WithField("train_set_uid", out.TrainSetUID).Debug("train set uploaded")
	return out.TrainSetUID, nil
}

// UploadTestSet uploads a test set and returns its UID.
func (c *Client) UploadTestSet(ctx context.Context, x Matrix) (string, error) {
	files, err := testFiles(x)
	if err != nil {
		return "", err
	}

	var out struct {
		TestSetUID string `json:"test_set_uid"`
	}
	if _, err := c.tr.DoJSON(ctx, transport.Request{
		Endpoint: registry.EndpointUploadTestSet,
		Files:    files,
		Auth:     true,
	}, &out); err != nil {
		return "", fmt.Errorf("failed to upload test set: %w", err)
	}
	if out.TestSetUID == "" {
		return "", errors.NewParseError(registry.EndpointUploadTestSet, "upload_test_set",
			fmt.Errorf("response has no test_set_uid"))
	}
	return out.TestSetUID, nil
}

// Fit asks the server to fit the model on an uploaded train set.
func (c *Client) Fit(ctx context.Context, trainSetUID string) error {
	if trainSetUID == "" {
		return errors.NewUserInputError("fit", "train set UID is required")
	}
	if _, err := c.tr.Do(ctx, transport.Request{
		Endpoint: registry.EndpointFit,
		Query:    url.Values{"train_set_uid": {trainSetUID}},
		Auth:     true,
	}); err != nil {
		return fmt.Errorf("failed to fit: %w", err)
	}
	return nil
}

// PredictOption configures a single prediction request.
type PredictOption func(url.Values)

// WithNEstimators asks the server for an ensemble of n members. Values
// below one leave the server default in place.
func WithNEstimators(n int) PredictOption {
	return func(q url.Values) {
		if n > 0 {
			q.Set("n_estimators", strconv.Itoa(n))
		}
	}
}

// Predict returns the predicted label of every row of x.
func (c *Client) Predict(ctx context.Context, trainSetUID string, x Matrix, opts ...PredictOption) ([]string, error) {
	var out struct {
		YPred []dataset.Label `json:"y_pred"`
	}
	if err := c.infer(ctx, registry.EndpointPredict, trainSetUID, x, &out, opts); err != nil {
		return nil, err
	}
	if len(out.YPred) != x.Rows() {
		return nil, errors.NewParseError(registry.EndpointPredict, "predict",
			fmt.Errorf("got %d predictions for %d rows", len(out.YPred), x.Rows()))
	}
	return dataset.Strings(out.YPred), nil
}

// PredictProba returns the class probabilities of every row of x.
func (c *Client) PredictProba(ctx context.Context, trainSetUID string, x Matrix, opts ...PredictOption) ([][]float64, error) {
	var out struct {
		YPredProba [][]float64 `json:"y_pred_proba"`
	}
	if err := c.infer(ctx, registry.EndpointPredictProba, trainSetUID, x, &out, opts); err != nil {
		return nil, err
	}
	if len(out.YPredProba) != x.Rows() {
		return nil, errors.NewParseError(registry.EndpointPredictProba, "predict_proba",
			fmt.Errorf("got %d predictions for %d rows", len(out.YPredProba), x.Rows()))
	}
	return out.YPredProba, nil
}

func (c *Client) infer(ctx context.Context, endpoint, trainSetUID string, x Matrix, out interface{}, opts []PredictOption) error {
	if trainSetUID == "" {
		return errors.NewUserInputError(endpoint, "train set UID is required")
	}
	files, err := testFiles(x)
	if err != nil {
		return err
	}
	query := url.Values{"train_set_uid": {trainSetUID}}
	for _, opt := range opts {
		opt(query)
	}
	if _, err := c.tr.DoJSON(ctx, transport.Request{
		Endpoint: endpoint,
		Query:    query,
		Files:    files,
		Auth:     true,
	}, out); err != nil {
		return fmt.Errorf("failed to %s: %w", endpoint, err)
	}
	return nil
}

func testFiles(x Matrix) ([]transport.File, error) {
	if err := x.Validate(); err != nil {
		return nil, errors.NewUserInputError("upload_test_set", err.Error())
	}
	data, err := dataset.EncodeMatrix(x)
	if err != nil {
		return nil, err
	}
	return []transport.File{{Field: fieldX, Filename: fileTestX, Data: data}}, nil
}

// DataSummary returns the server's summary of all data uploaded by the user.
func (c *Client) DataSummary(ctx context.Context) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if _, err := c.tr.DoJSON(ctx, transport.Request{
		Endpoint: registry.EndpointGetDataSummary,
		Auth:     true,
	}, &out); err != nil {
		return nil, fmt.Errorf("failed to get data summary: %w", err)
	}
	return out, nil
}

// DownloadOption configures DownloadAllData.
type DownloadOption func(*downloadOptions)

type downloadOptions struct {
	progress io.Writer
}

// WithProgress tees the downloaded bytes into w, e.g. a progress display.
func WithProgress(w io.Writer) DownloadOption {
	return func(o *downloadOptions) { o.progress = w }
}

// DownloadAllData saves a zip archive of all user data into dir and returns
// the path of the written file.
func (c *Client) DownloadAllData(ctx context.Context, dir string, opts ...DownloadOption) (string, error) {
	var o downloadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tabpfn-download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var sink io.Writer = tmp
	if o.progress != nil {
		sink = io.MultiWriter(tmp, o.progress)
	}

	resp, err := c.tr.Do(ctx, transport.Request{
		Endpoint: registry.EndpointDownloadAllData,
		Auth:     true,
		Sink:     sink,
	})
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("failed to download data: %w", err)
	}

	path := filepath.Join(dir, downloadName(resp.Header, time.Now()))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to save download: %w", err)
	}

	c.log.WithFields(map[string]interface{}{
		"path":  path,
		"bytes": resp.Written,
	}).Info("data downloaded")
	return path, nil
}

// downloadName takes the file name from Content-Disposition, falling back to
// a timestamped name.
func downloadName(h http.Header, now time.Time) string {
	if _, params, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil {
		if name := filepath.Base(params["filename"]); name != "." && name != "/" && name != ".." && name != "" {
			return name
		}
	}
	return "tabpfn_data_" + now.Format(downloadStamp) + ".zip"
}

// DeleteDataset deletes a dataset and every dataset derived from it. It
// returns the UIDs of the deleted datasets.
func (c *Client) DeleteDataset(ctx context.Context, datasetUID string) ([]string, error) {
	if datasetUID == "" {
		return nil, errors.NewUserInputError("delete_dataset", "dataset UID is required")
	}
	return c.deleteDatasets(ctx, transport.Request{
		Endpoint: registry.EndpointDeleteDataset,
		Query:    url.Values{"dataset_uid": {datasetUID}},
		Auth:     true,
	})
}

// DeleteAllDatasets deletes every dataset of the user.
func (c *Client) DeleteAllDatasets(ctx context.Context) ([]string, error) {
	return c.deleteDatasets(ctx, transport.Request{
		Endpoint: registry.EndpointDeleteAllDatasets,
		Auth:     true,
	})
}

func (c *Client) deleteDatasets(ctx context.Context, req transport.Request) ([]string, error) {
	var out struct {
		DeletedDatasetUIDs []string `json:"deleted_dataset_uids"`
	}
	if _, err := c.tr.DoJSON(ctx, req, &out); err != nil {
		return nil, fmt.Errorf("failed to delete datasets: %w", err)
	}
	c.log.WithField("count", len(out.DeletedDatasetUIDs)).Info("datasets deleted")
	return out.DeletedDatasetUIDs, nil
}

// DeleteUserAccount deletes the account and all its data, then forgets the
// cached token.
func (c *Client) DeleteUserAccount(ctx context.Context, confirmPassword string) error {
	if confirmPassword == "" {
		return errors.NewUserInputError("delete_user_account", "password confirmation is required")
	}
	if _, err := c.tr.Do(ctx, transport.Request{
		Endpoint: registry.EndpointDeleteUserAccount,
		Query:    url.Values{"confirm_password": {confirmPassword}},
		Auth:     true,
	}); err != nil {
		return fmt.Errorf("failed to delete user account: %w", err)
	}
	c.log.Info("user account deleted")
	return c.auth.Reset()
}

// =============================================================================
// Usage
// =============================================================================

// APIUsage returns the current credit usage of the user.
func (c *Client) APIUsage(ctx context.Context) (usage.Usage, error) {
	var out usage.Usage
	if _, err := c.tr.DoJSON(ctx, transport.Request{
		Endpoint: registry.EndpointGetAPIUsage,
		Auth:     true,
	}, &out); err != nil {
		return usage.Usage{}, fmt.Errorf("failed to get api usage: %w", err)
	}
	return out, nil
}

// APIUsageSummary returns the usage as a sentence for display.
func (c *Client) APIUsageSummary(ctx context.Context) (string, error) {
	u, err := c.APIUsage(ctx)
	if err != nil {
		return "", err
	}
	return u.Summary(), nil
}

// CheckCredits estimates the cost of a prediction and returns a
// *usage.InsufficientCreditsError when the account cannot cover it.
func (c *Client) CheckCredits(ctx context.Context, trainRows, testRows, features int, task Task, nEstimators int) error {
	u, err := c.APIUsage(ctx)
	if err != nil {
		return err
	}
	return usage.Check(u, usage.EstimateCost(trainRows, testRows, features, task, nEstimators))
}

// Stats returns a snapshot of the request metrics.
func (c *Client) Stats() *metrics.Snapshot {
	return c.metrics.Snapshot()
}

// OpenCircuits returns the endpoints whose circuit breaker is not closed,
// sorted by name.
func (c *Client) OpenCircuits() []string {
	var names []string
	for _, st := range c.tr.Breakers().AllStats() {
		if st.State != errors.Closed {
			names = append(names, st.Name)
		}
	}
	return names
}

// LogStats writes the headline request metrics and any open circuit to the
// logger.
func (c *Client) LogStats() {
	c.log.StatsEvent(c.Stats().Summary())
	for _, st := range c.tr.Breakers().AllStats() {
		if st.State == errors.Closed {
			continue
		}
		c.log.WithEndpoint(st.Name).WithField("failures", st.Failures).
			Warnf("circuit breaker %s since %s", st.State, st.OpenedAt.Format(time.RFC3339))
	}
}

// Close releases the transport and, when the client opened it, the store.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.tr.Close()
		if c.ownsStore {
			c.closeErr = c.store.Close()
		}
	})
	return c.closeErr
}
