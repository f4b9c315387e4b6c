// Package shutdown cancels in-flight requests on SIGINT/SIGTERM and releases
// client resources such as the state store.
package shutdown

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Handler manages graceful shutdown.
type Handler struct {
	mu sync.Mutex

	callbacks     []Callback
	callbackNames []string

	isShuttingDown atomic.Bool
	done           chan struct{}
	timeout        time.Duration
	result         Result

	ctx    context.Context
	cancel context.CancelFunc

	sigChan  chan os.Signal
	stopOnce sync.Once

	onShutdownStart func()
	onShutdownDone  func(Result)
}

// Callback is a function called during shutdown.
type Callback func(ctx context.Context) error

// Config holds shutdown configuration.
type Config struct {
	Timeout         time.Duration
	Signals         []os.Signal
	OnShutdownStart func()
	OnShutdownDone  func(Result)
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// New creates a shutdown handler whose context derives from parent.
func New(parent context.Context, cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	ctx, cancel := context.WithCancel(parent)

	h := &Handler{
		done:            make(chan struct{}),
		timeout:         cfg.Timeout,
		ctx:             ctx,
		cancel:          cancel,
		sigChan:         make(chan os.Signal, 1),
		onShutdownStart: cfg.OnShutdownStart,
		onShutdownDone:  cfg.OnShutdownDone,
	}

	signal.Notify(h.sigChan, cfg.Signals...)

	return h
}

// Register registers a shutdown callback with a name.
func (h *Handler) Register(name string, callback Callback) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.callbacks = append(h.callbacks, callback)
	h.callbackNames = append(h.callbackNames, name)
}

// RegisterCloser registers c.Close as a shutdown callback.
func (h *Handler) RegisterCloser(name string, c io.Closer) {
	h.Register(name, func(context.Context) error {
		return c.Close()
	})
}

// Context returns a context that is cancelled when shutdown begins.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// IsShuttingDown returns whether shutdown is in progress.
func (h *Handler) IsShuttingDown() bool {
	return h.isShuttingDown.Load()
}

// Done returns a channel that is closed when shutdown completes.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Listen starts a goroutine that shuts down on the first signal or when the
// parent context is cancelled.
func (h *Handler) Listen() {
	go func() {
		select {
		case <-h.sigChan:
			h.Shutdown()
		case <-h.ctx.Done():
			h.Shutdown()
		case <-h.done:
		}
	}()
}

// Shutdown cancels the context and runs the callbacks in reverse
// registration order. Only the first call does any work.
func (h *Handler) Shutdown() Result {
	if !h.isShuttingDown.CompareAndSwap(false, true) {
		<-h.done
		return h.result
	}
	defer h.stop()

	start := time.Now()
	if h.onShutdownStart != nil {
		h.onShutdownStart()
	}

	h.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), h.timeout)
	defer shutdownCancel()

	h.mu.Lock()
	callbacks := append([]Callback(nil), h.callbacks...)
	names := append([]string(nil), h.callbackNames...)
	h.mu.Unlock()

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := h.executeCallback(shutdownCtx, names[i], callbacks[i]); err != nil {
			errs = append(errs, err)
		}
	}

	h.result = Result{Elapsed: time.Since(start), Errors: errs}
	if h.onShutdownDone != nil {
		h.onShutdownDone(h.result)
	}

	close(h.done)
	return h.result
}

func (h *Handler) executeCallback(ctx context.Context, name string, callback Callback) error {
	done := make(chan error, 1)

	go func() {
		done <- callback(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{CallbackName: name}
	}
}

// Trigger simulates a received signal.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
	}
}

func (h *Handler) stop() {
	h.stopOnce.Do(func() {
		signal.Stop(h.sigChan)
	})
}

// TimeoutError is returned when a callback times out.
type TimeoutError struct {
	CallbackName string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out: " + e.CallbackName
}

// Result holds the result of a shutdown.
type Result struct {
	Elapsed time.Duration
	Errors  []error
}

// HasErrors returns whether any errors occurred during shutdown.
func (r Result) HasErrors() bool {
	return len(r.Errors) > 0
}
