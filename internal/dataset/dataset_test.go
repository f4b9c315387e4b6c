package dataset

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrix_Validate(t *testing.T) {
	assert.ErrorIs(t, Matrix(nil).Validate(), ErrEmpty)
	assert.ErrorIs(t, Matrix{{}}.Validate(), ErrEmpty)
	assert.ErrorIs(t, Matrix{{1, 2}, {3}}.Validate(), ErrRagged)
	assert.NoError(t, Matrix{{1, 2}, {3, 4}}.Validate())

	m := Matrix{{1, 2, 3}, {4, 5, 6}}
	assert.Equal(t, 2, m.Rows())
	assert.Equal(t, 3, m.Cols())
	assert.Equal(t, 0, Matrix(nil).Cols())
}

func TestCheckTrainSet(t *testing.T) {
	x := Matrix{{1}, {2}}
	assert.NoError(t, CheckTrainSet(x, Labels{"a", "b"}))
	assert.ErrorIs(t, CheckTrainSet(x, Labels{"a"}), ErrLengthMismatch)
	assert.ErrorIs(t, CheckTrainSet(Matrix{{1}, {}}, Labels{"a", "b"}), ErrRagged)
}

func TestEncodeMatrix(t *testing.T) {
	got, err := EncodeMatrix(Matrix{
		{1, 2.5, -3},
		{math.NaN(), math.Inf(1), 1e-7},
	})
	require.NoError(t, err)
	assert.Equal(t, "0,1,2\n1,2.5,-3\n,inf,1e-07\n", string(got))

	_, err = EncodeMatrix(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEncodeLabels(t *testing.T) {
	got, err := EncodeLabels(Labels{"cat", "dog, big", "1"})
	require.NoError(t, err)
	assert.Equal(t, "0\ncat\n\"dog, big\"\n1\n", string(got))

	_, err = EncodeLabels(nil)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFloatLabels(t *testing.T) {
	l := FloatLabels([]float64{0, 1, 2.5})
	assert.Equal(t, Labels{"0", "1", "2.5"}, l)

	f, err := l.Floats()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 2.5}, f)

	_, err = Labels{"x"}.Floats()
	assert.Error(t, err)
}

func TestParseHeader(t *testing.T) {
	for in, want := range map[string]Header{"": HeaderAuto, "auto": HeaderAuto, "YES": HeaderPresent, "no": HeaderAbsent} {
		got, err := ParseHeader(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseHeader("maybe")
	assert.Error(t, err)
}

func TestReadMatrix(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		header  Header
		want    Matrix
		wantErr bool
	}{
		{"no header", "1,2\n3,4\n", HeaderAuto, Matrix{{1, 2}, {3, 4}}, false},
		{"named header", "a,b\n1,2\n", HeaderAuto, Matrix{{1, 2}}, false},
		{"index header", "0,1\n5,6\n", HeaderAuto, Matrix{{5, 6}}, false},
		{"index header as data", "0,1\n5,6\n", HeaderAbsent, Matrix{{0, 1}, {5, 6}}, false},
		{"numeric header forced", "7,8\n5,6\n", HeaderPresent, Matrix{{5, 6}}, false},
		{"single index row is data", "0,1\n", HeaderAuto, Matrix{{0, 1}}, false},
		{"spaces", "1, 2\n 3,4\n", HeaderAuto, Matrix{{1, 2}, {3, 4}}, false},
		{"text in body", "1,2\nx,4\n", HeaderAuto, nil, true},
		{"text header as data", "a,b\n1,2\n", HeaderAbsent, nil, true},
		{"ragged", "1,2\n3\n", HeaderAuto, nil, true},
		{"empty", "", HeaderAuto, nil, true},
		{"header only", "a,b\n", HeaderAuto, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadMatrix(strings.NewReader(tt.input), tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadMatrix_MissingValues(t *testing.T) {
	got, err := ReadMatrix(strings.NewReader("1,\n2,3\n"), HeaderAuto)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got[0][1]))
}

func TestReadLabels(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		header Header
		want   Labels
	}{
		{"numeric", "1\n0\n1\n", HeaderAuto, Labels{"1", "0", "1"}},
		{"index header", "0\n1\n1\n", HeaderAuto, Labels{"1", "1"}},
		{"leading zero label", "0\n1\n1\n", HeaderAbsent, Labels{"0", "1", "1"}},
		{"header over numbers", "target\n0\n1\n", HeaderAuto, Labels{"0", "1"}},
		{"text labels", "cat\ndog\n", HeaderAuto, Labels{"cat", "dog"}},
		{"text header forced", "label\ncat\ndog\n", HeaderPresent, Labels{"cat", "dog"}},
		{"first column only", "a,9\nb,8\n", HeaderAuto, Labels{"a", "b"}},
		{"single value", "7\n", HeaderAuto, Labels{"7"}},
		{"single zero", "0\n", HeaderAuto, Labels{"0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadLabels(strings.NewReader(tt.input), tt.header)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ReadLabels(strings.NewReader(""), HeaderAuto)
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = ReadLabels(strings.NewReader("y\n"), HeaderPresent)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEncodeRead_RoundTrip(t *testing.T) {
	x := Matrix{{0, 1.5}, {2, -3}, {4, 5}}
	data, err := EncodeMatrix(x)
	require.NoError(t, err)
	gotX, err := ReadMatrix(strings.NewReader(string(data)), HeaderAuto)
	require.NoError(t, err)
	assert.Equal(t, x, gotX)

	y := Labels{"1", "0"}
	data, err = EncodeLabels(y)
	require.NoError(t, err)
	gotY, err := ReadLabels(strings.NewReader(string(data)), HeaderAuto)
	require.NoError(t, err)
	assert.Equal(t, y, gotY)
}

func TestReadFiles(t *testing.T) {
	dir := t.TempDir()
	xPath := filepath.Join(dir, "x.csv")
	yPath := filepath.Join(dir, "y.csv")
	require.NoError(t, os.WriteFile(xPath, []byte("f1,f2\n1,2\n3,4\n"), 0o600))
	require.NoError(t, os.WriteFile(yPath, []byte("y\nyes\nno\n"), 0o600))

	x, err := ReadMatrixFile(xPath, HeaderAuto)
	require.NoError(t, err)
	y, err := ReadLabelsFile(yPath, HeaderAuto)
	require.NoError(t, err)

	// "y" and "yes" are both text, so no header is detected.
	assert.Equal(t, Labels{"y", "yes", "no"}, y)
	assert.ErrorIs(t, CheckTrainSet(x, y), ErrLengthMismatch)

	y, err = ReadLabelsFile(yPath, HeaderPresent)
	require.NoError(t, err)
	assert.NoError(t, CheckTrainSet(x, y))

	_, err = ReadMatrixFile(filepath.Join(dir, "missing.csv"), HeaderAuto)
	assert.Error(t, err)
}

func TestLabel_UnmarshalJSON(t *testing.T) {
	var got []Label
	require.NoError(t, json.Unmarshal([]byte(`["cat", 1, 2.5, -3e2]`), &got))
	assert.Equal(t, []string{"cat", "1", "2.5", "-3e2"}, Strings(got))

	var bad []Label
	assert.Error(t, json.Unmarshal([]byte(`[true]`), &bad))
}

func TestArgmax(t *testing.T) {
	got := Argmax([][]float64{
		{0.1, 0.7, 0.2},
		{0.6, 0.4},
		{0.5, 0.5},
		{},
	})
	assert.Equal(t, []int{1, 0, 0, 0}, got)
}
