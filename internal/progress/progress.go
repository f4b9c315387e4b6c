// Package progress renders a single-line transfer display for downloads.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const minRedraw = 100 * time.Millisecond

// Display counts the bytes written to it and redraws a status line on out.
// It implements io.Writer so it can be teed next to the real destination.
type Display struct {
	mu      sync.Mutex
	out     io.Writer
	label   string
	started bool
	stopped bool

	written atomic.Int64

	startTime  time.Time
	lastUpdate time.Time
	lastLine   string

	now func() time.Time
}

// New creates a display that draws on out, typically os.Stderr.
func New(out io.Writer, label string) *Display {
	return &Display{out: out, label: label, now: time.Now}
}

// Start begins the display.
func (d *Display) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}
	d.started = true
	d.startTime = d.now()
}

// Write counts p and redraws at most every 100ms.
func (d *Display) Write(p []byte) (int, error) {
	total := d.written.Add(int64(len(p)))

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return len(p), nil
	}
	if now := d.now(); now.Sub(d.lastUpdate) >= minRedraw {
		d.draw(total, now)
	}
	return len(p), nil
}

func (d *Display) draw(total int64, now time.Time) {
	elapsed := now.Sub(d.startTime)
	speed := float64(0)
	if elapsed.Seconds() > 0 {
		speed = float64(total) / elapsed.Seconds()
	}

	line := fmt.Sprintf("\r%s %s | %s/s | %s",
		d.label, FormatBytes(total), FormatBytes(int64(speed)), formatDuration(elapsed))

	// Clear previous line when the new one is shorter
	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
	d.lastUpdate = now
}

// Stop draws the final state and ends the line.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}
	d.stopped = true
	d.draw(d.written.Load(), d.now())
	fmt.Fprintln(d.out)
}

// Written returns the number of bytes counted so far.
func (d *Display) Written() int64 {
	return d.written.Load()
}

// FormatBytes formats n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
