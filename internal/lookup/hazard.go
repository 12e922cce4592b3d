package lookup

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrEmptyHazardTable = errors.New("hazard table is empty")
	ErrZeroMaxBucket    = errors.New("hazard table maximum bucket is zero")
	ErrHazardGap        = errors.New("hazard table buckets are not contiguous from 1")
	ErrUnknownTail      = errors.New("unknown hazard tail policy")
)

// TailPolicy decides how minutes past the last bucket are handled.
type TailPolicy string

const (
	// TailRepeat applies the maximum bucket's hazard to every remaining
	// minute of the horizon.
	TailRepeat TailPolicy = "repeat"
	// TailOnce applies the maximum bucket's hazard a single time as soon as
	// the maximum bucket is reached, then stops.
	TailOnce TailPolicy = "once"
)

// ParseTailPolicy maps a config value to a policy. Empty means TailRepeat.
func ParseTailPolicy(s string) (TailPolicy, error) {
	switch TailPolicy(s) {
	case "", TailRepeat:
		return TailRepeat, nil
	case TailOnce:
		return TailOnce, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTail, s)
}

// HazardTable holds per-minute abandonment hazards. Bucket m is the
// probability of abandoning during waiting minute m (1-based) given the
// caller was still waiting at its start. Values are assumed to lie in [0,1];
// they are not validated.
type HazardTable struct {
	hazard []float64 // hazard[m-1] for bucket m
	tail   TailPolicy
}

// NewHazardTable builds a table from 1-based minute buckets.
func NewHazardTable(buckets map[int]float64, tail TailPolicy) (*HazardTable, error) {
	if len(buckets) == 0 {
		return nil, ErrEmptyHazardTable
	}
	if tail != TailRepeat && tail != TailOnce {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTail, tail)
	}

	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	if keys[len(keys)-1] <= 0 {
		return nil, ErrZeroMaxBucket
	}
	for i, k := range keys {
		if k != i+1 {
			return nil, fmt.Errorf("%w: expected bucket %d, found %d", ErrHazardGap, i+1, k)
		}
	}

	h := &HazardTable{hazard: make([]float64, len(keys)), tail: tail}
	for _, k := range keys {
		h.hazard[k-1] = buckets[k]
	}
	return h, nil
}

// NewHazardTableFromOrdered builds a table from hazards ordered by bucket
// start, the first value being minute 1.
func NewHazardTableFromOrdered(values []float64, tail TailPolicy) (*HazardTable, error) {
	buckets := make(map[int]float64, len(values))
	for i, v := range values {
		buckets[i+1] = v
	}
	return NewHazardTable(buckets, tail)
}

// MaxBucket returns the last minute with an explicit hazard.
func (h *HazardTable) MaxBucket() int {
	return len(h.hazard)
}

// Hazard returns the hazard of minute m, extrapolating the last bucket past
// the end of the table.
func (h *HazardTable) Hazard(m int) float64 {
	if m < 1 {
		m = 1
	}
	if m > len(h.hazard) {
		m = len(h.hazard)
	}
	return h.hazard[m-1]
}

// ProbabilityOfAbandon returns the probability of abandoning within the next
// horizon minutes after already waiting current minutes.
//
// Each minute m contributes survival*hazard(m), after which survival shrinks
// by (1-hazard(m)).
func (h *HazardTable) ProbabilityOfAbandon(current, horizon int) float64 {
	if horizon <= 0 {
		return 0
	}

	maxBucket := len(h.hazard)
	hMax := h.hazard[maxBucket-1]
	total, survival := 0.0, 1.0

	for i := 1; i <= horizon; i++ {
		m := current + i

		switch h.tail {
		case TailOnce:
			if m >= maxBucket {
				return total + survival*hMax
			}
		default:
			if m > maxBucket {
				remaining := float64(horizon - i + 1)
				return total + survival*(1-math.Pow(1-hMax, remaining))
			}
		}

		hz := h.hazard[m-1]
		total += survival * hz
		survival *= 1 - hz
	}
	return total
}
