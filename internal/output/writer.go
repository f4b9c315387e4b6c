// Package output formats CLI results as text or JSON.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/PentesterFlow/tabpfn-client/internal/usage"
	"github.com/PentesterFlow/tabpfn-client/pkg/registry"
)

// Format is an output format.
type Format string

// Formats.
const (
	Text Format = "text"
	JSON Format = "json"
)

// ParseFormat validates a format name. An empty name yields Text.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case Text, "":
		return Text, nil
	case JSON:
		return JSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

// Config holds output configuration.
type Config struct {
	Format Format
	Pretty bool
}

// Writer writes results in the configured format. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	writer io.Writer
	config Config
}

// NewWriter creates a new output writer.
func NewWriter(w io.Writer, config Config) *Writer {
	if config.Format == "" {
		config.Format = Text
	}
	return &Writer{writer: w, config: config}
}

// Format returns the output format.
func (w *Writer) Format() Format {
	return w.config.Format
}

// JSON writes v as JSON regardless of the format.
func (w *Writer) JSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeJSON(v)
}

func (w *Writer) writeJSON(v interface{}) error {
	enc := json.NewEncoder(w.writer)
	if w.config.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// emit writes text in text mode and v in JSON mode.
func (w *Writer) emit(text func(io.Writer) error, v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.config.Format == JSON {
		return w.writeJSON(v)
	}
	return text(w.writer)
}

// Message writes a status message.
func (w *Writer) Message(msg string) error {
	return w.emit(func(out io.Writer) error {
		_, err := fmt.Fprintln(out, msg)
		return err
	}, map[string]string{"message": msg})
}

// Predictions writes one label per line.
func (w *Writer) Predictions(labels []string) error {
	return w.emit(func(out io.Writer) error {
		for _, l := range labels {
			if _, err := fmt.Fprintln(out, l); err != nil {
				return err
			}
		}
		return nil
	}, map[string]interface{}{"predictions": labels})
}

// Probabilities writes one CSV row of class probabilities per sample.
func (w *Writer) Probabilities(proba [][]float64) error {
	return w.emit(func(out io.Writer) error {
		cw := csv.NewWriter(out)
		for _, row := range proba {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			if err := cw.Write(cells); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	}, map[string]interface{}{"probabilities": proba})
}

// Endpoints writes the endpoint table of a registry.
func (w *Writer) Endpoints(reg *registry.Registry) error {
	conn := reg.Connection()
	endpoints := reg.Endpoints()

	return w.emit(func(out io.Writer) error {
		fmt.Fprintf(out, "Environment: %s\n", reg.Environment())
		fmt.Fprintf(out, "Server:      %s\n", conn.BaseURL())
		if conn.GUIURL != "" {
			fmt.Fprintf(out, "GUI:         %s\n", conn.GUIURL)
		}
		fmt.Fprintln(out)

		for _, ep := range endpoints {
			if _, err := fmt.Fprintf(out, "  %-28s %-12s %-28s %s\n",
				ep.Name, strings.Join(ep.Methods, ","), ep.Path, ep.Description); err != nil {
				return err
			}
		}
		return nil
	}, struct {
		Environment registry.Environment      `json:"environment"`
		Connection  registry.ConnectionParams `json:"connection"`
		Endpoints   []registry.Endpoint       `json:"endpoints"`
	}{reg.Environment(), conn, endpoints})
}

// Usage writes the API usage.
func (w *Writer) Usage(u usage.Usage) error {
	return w.emit(func(out io.Writer) error {
		_, err := fmt.Fprintln(out, u.Summary())
		return err
	}, u)
}

// Deleted writes the UIDs of deleted datasets.
func (w *Writer) Deleted(uids []string) error {
	if uids == nil {
		uids = []string{}
	}
	return w.emit(func(out io.Writer) error {
		fmt.Fprintf(out, "Deleted %d dataset(s)\n", len(uids))
		for _, uid := range uids {
			if _, err := fmt.Fprintf(out, "  %s\n", uid); err != nil {
				return err
			}
		}
		return nil
	}, map[string]interface{}{"deleted_dataset_uids": uids})
}
