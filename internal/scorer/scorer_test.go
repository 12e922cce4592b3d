package scorer

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dssg/vibrant-routing-public/internal/features"
)

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

func TestLogistic_Score(t *testing.T) {
	l, err := NewLogistic(LogisticModel{
		Intercept: -1,
		Cutoff:    true,
		Terms: []Term{
			{Name: "hour", Min: 0, Max: 20, Coefficient: 2},
			{Name: "rate", Min: 0, Max: 1, Coefficient: 1},
		},
	})
	require.NoError(t, err)

	p, err := l.Score(context.Background(), features.Row{"hour": 10, "rate": 0.5})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(-1+2*0.5+0.5), p, 1e-12)

	// hour 40 is clipped to the top of its range
	p, err = l.Score(context.Background(), features.Row{"hour": 40, "rate": 0})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(-1+2), p, 1e-12)
}

func TestLogistic_NoCutoff(t *testing.T) {
	l, err := NewLogistic(LogisticModel{Terms: []Term{{Name: "x", Min: 0, Max: 10, Coefficient: 1}}})
	require.NoError(t, err)

	p, err := l.Score(context.Background(), features.Row{"x": 20})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(2), p, 1e-12)
}

func TestLogistic_ConstantColumn(t *testing.T) {
	l, err := NewLogistic(LogisticModel{Intercept: 0.3, Terms: []Term{{Name: "x", Min: 5, Max: 5, Coefficient: 9}}})
	require.NoError(t, err)

	p, err := l.Score(context.Background(), features.Row{"x": 5})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(0.3), p, 1e-12)
}

func TestLogistic_MissingFeature(t *testing.T) {
	l, err := NewLogistic(LogisticModel{Terms: []Term{{Name: "x", Max: 1, Coefficient: 1}}})
	require.NoError(t, err)

	_, err = l.Score(context.Background(), features.Row{})
	assert.ErrorIs(t, err, ErrMissingFeature)
}

func TestNewLogistic_Invalid(t *testing.T) {
	_, err := NewLogistic(LogisticModel{})
	assert.ErrorIs(t, err, ErrEmptyModel)

	_, err = NewLogistic(LogisticModel{Terms: []Term{{Name: "x", Min: 2, Max: 1}}})
	assert.Error(t, err)

	_, err = NewLogistic(LogisticModel{Terms: []Term{{Min: 0, Max: 1}}})
	assert.Error(t, err)
}

func TestLoadLogistic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
intercept: 0.5
cutoff: true
terms:
  - name: arrived_hour_of_day_numeric
    min: 0
    max: 23
    coefficient: -0.2
`), 0644))

	l, err := LoadLogistic(path)
	require.NoError(t, err)
	p, err := l.Score(context.Background(), features.Row{features.ArrivedHourOfDay: 0})
	require.NoError(t, err)
	assert.InDelta(t, sigmoid(0.5), p, 1e-12)
}

func TestCenterRate(t *testing.T) {
	s, err := NewCenterRate("center_answer_rate", 0.6)
	require.NoError(t, err)

	p, err := s.Score(context.Background(), features.Row{"center_answer_rate": 0.9})
	require.NoError(t, err)
	assert.Equal(t, 0.9, p)

	p, err = s.Score(context.Background(), features.Row{})
	require.NoError(t, err)
	assert.Equal(t, 0.6, p, "mean imputation")

	_, err = NewCenterRate("", 0)
	assert.Error(t, err)
}

func TestConstantAndFunc(t *testing.T) {
	p, err := Constant(0.25).Score(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.25, p)

	f := Func(func(_ context.Context, row features.Row) (float64, error) { return row["x"], nil })
	p, err = f.Score(context.Background(), features.Row{"x": 0.4})
	require.NoError(t, err)
	assert.Equal(t, 0.4, p)
}

func TestNew(t *testing.T) {
	s, closeFn, err := New(Config{Kind: "constant", Constant: 1})
	require.NoError(t, err)
	require.NotNil(t, closeFn)
	assert.NoError(t, closeFn())
	p, _ := s.Score(context.Background(), nil)
	assert.Equal(t, 1.0, p)

	_, _, err = New(Config{Kind: "center_rate", Feature: "rate", Mean: 0.5})
	assert.NoError(t, err)

	_, _, err = New(Config{Kind: "oracle"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, closeFn, err = New(Config{Kind: "logistic", ModelPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
	assert.NotNil(t, closeFn)
}

func TestRowStructRoundTrip(t *testing.T) {
	row := features.Row{"a": 1.5, "b": 0}
	s, err := RowToStruct(row)
	require.NoError(t, err)

	back, err := StructToRow(s)
	require.NoError(t, err)
	assert.Equal(t, row, back)

	bad, err := structpb.NewStruct(map[string]any{"a": "text"})
	require.NoError(t, err)
	_, err = StructToRow(bad)
	assert.Error(t, err)
}
