package scorer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dssg/vibrant-routing-public/internal/features"
)

var ErrEmptyModel = errors.New("logistic model has no coefficients")

// Term is one model input: min-max scaling bounds and a coefficient.
type Term struct {
	Name        string  `yaml:"name"`
	Min         float64 `yaml:"min"`
	Max         float64 `yaml:"max"`
	Coefficient float64 `yaml:"coefficient"`
}

// LogisticModel is a min-max scaled logistic regression. Scaled values are
// clipped to [0,1] when Cutoff is set, so rows outside the training range
// are treated as the nearest bound.
type LogisticModel struct {
	Intercept float64 `yaml:"intercept"`
	Cutoff    bool    `yaml:"cutoff"`
	Terms     []Term  `yaml:"terms"`
}

// Logistic scores rows with a LogisticModel.
type Logistic struct {
	model LogisticModel
}

// NewLogistic validates model.
func NewLogistic(model LogisticModel) (*Logistic, error) {
	if len(model.Terms) == 0 {
		return nil, ErrEmptyModel
	}
	for _, t := range model.Terms {
		if t.Name == "" {
			return nil, fmt.Errorf("logistic model: term with empty name")
		}
		if t.Max < t.Min {
			return nil, fmt.Errorf("logistic model: term %s has max < min", t.Name)
		}
	}
	return &Logistic{model: model}, nil
}

// LoadLogistic reads a YAML model file.
func LoadLogistic(path string) (*Logistic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	var model LogisticModel
	if err := yaml.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to parse model YAML: %w", err)
	}
	return NewLogistic(model)
}

func (l *Logistic) Score(_ context.Context, row features.Row) (float64, error) {
	z := l.model.Intercept
	for _, t := range l.model.Terms {
		x, ok := row[t.Name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingFeature, t.Name)
		}
		z += t.Coefficient * l.scale(t, x)
	}
	return 1 / (1 + math.Exp(-z)), nil
}

func (l *Logistic) scale(t Term, x float64) float64 {
	span := t.Max - t.Min
	if span == 0 {
		return 0
	}
	s := (x - t.Min) / span
	if l.model.Cutoff {
		s = math.Max(0, math.Min(1, s))
	}
	return s
}
