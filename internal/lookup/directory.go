package lookup

import (
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

var ErrUnknownCenter = errors.New("center not found in directory")

// CenterInfo holds the static attributes of a center termination.
type CenterInfo struct {
	State    string `yaml:"center_state_abbrev"`
	TimeZone string `yaml:"center_time_zone"`
	UsesDST  bool   `yaml:"center_uses_dst"`
}

// CenterDirectory resolves center attributes, local-center counts per state
// and pre-aggregated per-center feature values.
type CenterDirectory struct {
	centers     map[types.CenterPair]CenterInfo
	nspl        map[string]int
	precomputed map[types.CenterPair]map[string]float64

	mu        sync.Mutex
	locations map[string]*time.Location
}

// NewCenterDirectory validates every center time zone up front.
func NewCenterDirectory(
	centers map[types.CenterPair]CenterInfo,
	nsplByState map[string]int,
	precomputed map[types.CenterPair]map[string]float64,
) (*CenterDirectory, error) {
	d := &CenterDirectory{
		centers:     make(map[types.CenterPair]CenterInfo, len(centers)),
		nspl:        make(map[string]int, len(nsplByState)),
		precomputed: make(map[types.CenterPair]map[string]float64, len(precomputed)),
		locations:   make(map[string]*time.Location),
	}
	for pair, info := range centers {
		if info.TimeZone == "" {
			return nil, fmt.Errorf("center %s: missing time zone", pair)
		}
		if _, err := d.Location(info.TimeZone); err != nil {
			return nil, fmt.Errorf("center %s: %w", pair, err)
		}
		d.centers[pair] = info
	}
	for state, n := range nsplByState {
		d.nspl[state] = n
	}
	for pair, values := range precomputed {
		cp := make(map[string]float64, len(values))
		for k, v := range values {
			cp[k] = v
		}
		d.precomputed[pair] = cp
	}
	return d, nil
}

// Center returns the attributes of pair.
func (d *CenterDirectory) Center(pair types.CenterPair) (CenterInfo, error) {
	info, ok := d.centers[pair]
	if !ok {
		return CenterInfo{}, fmt.Errorf("%w: %s", ErrUnknownCenter, pair)
	}
	return info, nil
}

// NSPLCenters returns the number of local centers in state, 0 when unknown.
func (d *CenterDirectory) NSPLCenters(state string) int {
	return d.nspl[state]
}

// Precomputed returns the pre-aggregated feature values of pair. The map must
// not be modified.
func (d *CenterDirectory) Precomputed(pair types.CenterPair) map[string]float64 {
	return d.precomputed[pair]
}

// Location loads and caches an IANA time zone.
func (d *CenterDirectory) Location(name string) (*time.Location, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if loc, ok := d.locations[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone %q: %w", name, err)
	}
	d.locations[name] = loc
	return loc, nil
}

// Missing returns the pairs that have no directory entry.
func (d *CenterDirectory) Missing(pairs []types.CenterPair) []types.CenterPair {
	var out []types.CenterPair
	for _, p := range pairs {
		if _, ok := d.centers[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
