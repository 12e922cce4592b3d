package lookup

import (
	"errors"
	"math"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

var ErrEmptyDispositionStats = errors.New("center disposition stats are empty")

// CenterStats are the historical averages of answered calls at one center.
type CenterStats struct {
	AvgTimeToLeave  float64 `yaml:"answered_avg_time_to_leave"`
	AvgTimeToAnswer float64 `yaml:"answered_avg_time_to_answer"`
}

// DispositionStats answers (time_to_leave, time_to_answer) per center pair.
// Unseen pairs get the mean over all known pairs.
type DispositionStats struct {
	byPair   map[types.CenterPair]CenterStats
	fallback CenterStats
}

// NewDispositionStats copies stats and precomputes the global fallback.
func NewDispositionStats(stats map[types.CenterPair]CenterStats) (*DispositionStats, error) {
	if len(stats) == 0 {
		return nil, ErrEmptyDispositionStats
	}

	d := &DispositionStats{byPair: make(map[types.CenterPair]CenterStats, len(stats))}
	var sumLeave, sumAnswer float64
	for pair, s := range stats {
		d.byPair[pair] = s
		sumLeave += s.AvgTimeToLeave
		sumAnswer += s.AvgTimeToAnswer
	}
	n := float64(len(stats))
	d.fallback = CenterStats{AvgTimeToLeave: sumLeave / n, AvgTimeToAnswer: sumAnswer / n}
	return d, nil
}

// Answered returns the rounded average time to leave and time to answer, in
// seconds, and whether the pair was known.
func (d *DispositionStats) Answered(pair types.CenterPair) (timeToLeave, timeToAnswer int64, known bool) {
	s, known := d.byPair[pair]
	if !known {
		s = d.fallback
	}
	return int64(math.Round(s.AvgTimeToLeave)), int64(math.Round(s.AvgTimeToAnswer)), known
}

// Len returns the number of known pairs.
func (d *DispositionStats) Len() int {
	return len(d.byPair)
}
