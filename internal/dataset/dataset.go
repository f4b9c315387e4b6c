// Package dataset converts tabular data to and from the CSV payloads
// exchanged with the TabPFN service.
package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Matrix is a dense feature table, one slice per sample.
type Matrix [][]float64

// Rows returns the number of samples.
func (m Matrix) Rows() int {
	return len(m)
}

// Cols returns the number of features.
func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// Validation errors.
var (
	ErrEmpty          = errors.New("dataset is empty")
	ErrRagged         = errors.New("rows have different lengths")
	ErrLengthMismatch = errors.New("number of labels does not match number of rows")
)

// Validate checks that m is non-empty and rectangular.
func (m Matrix) Validate() error {
	if len(m) == 0 || len(m[0]) == 0 {
		return ErrEmpty
	}
	cols := len(m[0])
	for i, row := range m {
		if len(row) != cols {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrRagged, i, len(row), cols)
		}
	}
	return nil
}

// Labels are target values. Numeric targets are kept in their textual form.
type Labels []string

// FloatLabels converts numeric targets to Labels.
func FloatLabels(values []float64) Labels {
	out := make(Labels, len(values))
	for i, v := range values {
		out[i] = formatFloat(v)
	}
	return out
}

// Floats parses every label as a number.
func (l Labels) Floats() ([]float64, error) {
	out := make([]float64, len(l))
	for i, s := range l {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("label %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// CheckTrainSet validates a feature matrix against its labels.
func CheckTrainSet(x Matrix, y Labels) error {
	if err := x.Validate(); err != nil {
		return err
	}
	if len(y) != x.Rows() {
		return fmt.Errorf("%w: %d labels for %d rows", ErrLengthMismatch, len(y), x.Rows())
	}
	return nil
}

// formatFloat renders v the way pandas writes floats: NaN as an empty field.
func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return ""
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func header(cols int) []string {
	h := make([]string, cols)
	for i := range h {
		h[i] = strconv.Itoa(i)
	}
	return h
}

// EncodeMatrix writes m as CSV with a header row of column indices.
func EncodeMatrix(m Matrix) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header(m.Cols())); err != nil {
		return nil, err
	}

	record := make([]string, m.Cols())
	for _, row := range m {
		for j, v := range row {
			record[j] = formatFloat(v)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// EncodeLabels writes y as a single-column CSV with header "0".
func EncodeLabels(y Labels) ([]byte, error) {
	if len(y) == 0 {
		return nil, ErrEmpty
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header(1)); err != nil {
		return nil, err
	}
	for _, label := range y {
		if err := w.Write([]string{label}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func readRecords(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("invalid CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmpty
	}
	return records, nil
}

func parseRow(record []string) ([]float64, error) {
	row := make([]float64, len(record))
	for j, field := range record {
		field = strings.TrimSpace(field)
		if field == "" {
			row[j] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, err
		}
		row[j] = v
	}
	return row, nil
}

// Header says whether a CSV file starts with a header row.
type Header int

const (
	// HeaderAuto skips a first row that is not numeric or that holds the
	// column indices 0..n-1 written by EncodeMatrix and pandas.
	HeaderAuto Header = iota
	// HeaderPresent always skips the first row.
	HeaderPresent
	// HeaderAbsent reads the first row as data.
	HeaderAbsent
)

// ParseHeader parses "auto", "yes" or "no".
func ParseHeader(s string) (Header, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return HeaderAuto, nil
	case "yes", "true":
		return HeaderPresent, nil
	case "no", "false":
		return HeaderAbsent, nil
	}
	return HeaderAuto, fmt.Errorf("invalid header mode %q (want auto, yes or no)", s)
}

func (h Header) String() string {
	switch h {
	case HeaderPresent:
		return "yes"
	case HeaderAbsent:
		return "no"
	}
	return "auto"
}

// isIndexHeader reports whether record is 0,1,...,n-1.
func isIndexHeader(record []string) bool {
	for j, field := range record {
		if strings.TrimSpace(field) != strconv.Itoa(j) {
			return false
		}
	}
	return len(record) > 0
}

// ReadMatrix parses a numeric CSV table.
func ReadMatrix(r io.Reader, h Header) (Matrix, error) {
	records, err := readRecords(r)
	if err != nil {
		return nil, err
	}

	switch {
	case h == HeaderPresent:
		records = records[1:]
	case h == HeaderAuto && len(records) > 1 && isIndexHeader(records[0]):
		records = records[1:]
	case h == HeaderAuto:
		if _, err := parseRow(records[0]); err != nil {
			records = records[1:]
		}
	}

	var m Matrix
	for i, record := range records {
		row, err := parseRow(record)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		m = append(m, row)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadLabels parses the first column of a CSV file. In auto mode a header is
// skipped when the file has more than one row and the first value is the
// index header "0" or differs in kind (text vs number) from the second.
func ReadLabels(r io.Reader, h Header) (Labels, error) {
	records, err := readRecords(r)
	if err != nil {
		return nil, err
	}

	start := 0
	switch h {
	case HeaderPresent:
		start = 1
	case HeaderAuto:
		if len(records) > 1 && (isIndexHeader(records[0][:1]) ||
			isNumber(records[0][0]) != isNumber(records[1][0])) {
			start = 1
		}
	}

	out := make(Labels, 0, len(records)-start)
	for _, record := range records[start:] {
		out = append(out, strings.TrimSpace(record[0]))
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

// ReadMatrixFile opens path and parses it with ReadMatrix.
func ReadMatrixFile(path string, h Header) (Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadMatrix(f, h)
}

// ReadLabelsFile opens path and parses it with ReadLabels.
func ReadLabelsFile(path string, h Header) (Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadLabels(f, h)
}

// Label is a predicted target decoded from JSON. The service returns numbers
// for numeric targets and strings otherwise; both are kept as text.
type Label string

// UnmarshalJSON accepts a JSON string or number.
func (l *Label) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Label(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("label must be a string or number: %s", data)
	}
	*l = Label(n.String())
	return nil
}

// Strings converts predicted labels to plain strings.
func Strings(labels []Label) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = string(l)
	}
	return out
}

// Argmax returns the index of the largest value in each row.
func Argmax(proba [][]float64) []int {
	out := make([]int, len(proba))
	for i, row := range proba {
		best := 0
		for j := range row {
			if row[j] > row[best] {
				best = j
			}
		}
		out[i] = best
	}
	return out
}
