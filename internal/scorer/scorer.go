// Package scorer provides pickup-probability models. A Scorer maps a feature
// row to the probability that the attempt is answered. Scorers are pure: they
// never touch the ledger, and the simulator rejects any result outside [0,1].
package scorer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dssg/vibrant-routing-public/internal/features"
)

var (
	ErrMissingFeature = errors.New("feature missing from row")
	ErrUnknownKind    = errors.New("unknown scorer kind")
)

// Scorer returns a pickup probability for one attempt.
type Scorer interface {
	Score(ctx context.Context, row features.Row) (float64, error)
}

// Func adapts a plain function to Scorer.
type Func func(ctx context.Context, row features.Row) (float64, error)

func (f Func) Score(ctx context.Context, row features.Row) (float64, error) {
	return f(ctx, row)
}

// Constant always returns the same probability.
type Constant float64

func (c Constant) Score(context.Context, features.Row) (float64, error) {
	return float64(c), nil
}

// CenterRate is the answer-rate baseline: the probability is the center's
// historical answer rate read from a pre-aggregated feature, imputed with the
// mean rate when the center has none.
type CenterRate struct {
	feature string
	mean    float64
}

// NewCenterRate scores with row[feature], falling back to mean.
func NewCenterRate(feature string, mean float64) (*CenterRate, error) {
	if feature == "" {
		return nil, fmt.Errorf("center rate scorer: %w: empty feature name", ErrMissingFeature)
	}
	return &CenterRate{feature: feature, mean: mean}, nil
}

func (c *CenterRate) Score(_ context.Context, row features.Row) (float64, error) {
	if v, ok := row[c.feature]; ok {
		return v, nil
	}
	return c.mean, nil
}
