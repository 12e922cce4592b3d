package scorer

import "fmt"

// Config selects and parameterizes a scorer.
type Config struct {
	Kind      string  `yaml:"kind"` // logistic | center_rate | constant | remote
	ModelPath string  `yaml:"model_path"`
	Address   string  `yaml:"address"`
	Constant  float64 `yaml:"constant"`
	Feature   string  `yaml:"feature"`
	Mean      float64 `yaml:"mean"`
}

// New builds the configured scorer. The returned close function releases
// remote connections and is never nil.
func New(cfg Config) (Scorer, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case "logistic":
		s, err := LoadLogistic(cfg.ModelPath)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "center_rate":
		s, err := NewCenterRate(cfg.Feature, cfg.Mean)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "constant":
		return Constant(cfg.Constant), noop, nil
	case "remote":
		r, err := NewRemote(cfg.Address)
		if err != nil {
			return nil, noop, err
		}
		return r, r.Close, nil
	}
	return nil, noop, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
}
