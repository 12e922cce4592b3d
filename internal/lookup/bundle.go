// Package lookup holds the read-only historical lookups a simulation run is
// computed against: the abandonment hazard table, per-center disposition
// averages, expected wait times and the center directory.
//
// A Bundle is built once at run start, either from a YAML file or from the
// Postgres tables the historical pipeline produces, and is passed explicitly
// to the simulator. Nothing in this package is process-global.
package lookup

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// Options tune how raw lookup rows become a Bundle.
type Options struct {
	Tail               TailPolicy
	DefaultWaitMinutes int
}

// Bundle groups every lookup the simulator consults.
type Bundle struct {
	Hazard    *HazardTable
	Stats     *DispositionStats
	Wait      *WaitTimeOracle
	Directory *CenterDirectory
}

// ============================================================================
// raw rows (shared by the YAML and Postgres loaders)
// ============================================================================

type hazardRow struct {
	BucketStartSec int     `yaml:"bucket_start_sec"`
	ProbAbandon    float64 `yaml:"prob_abandon"`
}

type statsRow struct {
	Center      string `yaml:"center_key"`
	Termination string `yaml:"termination_number"`
	CenterStats `yaml:",inline"`
}

type waitRow struct {
	Center      string `yaml:"center_key"`
	Termination string `yaml:"termination_number"`
	WaitTime    int    `yaml:"wait_time"`
}

type centerRow struct {
	Center      string `yaml:"center_key"`
	Termination string `yaml:"termination_number"`
	CenterInfo  `yaml:",inline"`
}

type stateRow struct {
	State string `yaml:"state_abbrev"`
	NSPL  int    `yaml:"num_nspl_centers_in_center_state"`
}

type precomputedRow struct {
	Center      string             `yaml:"center_key"`
	Termination string             `yaml:"termination_number"`
	Features    map[string]float64 `yaml:"features"`
}

type rawBundle struct {
	Hazard      []hazardRow      `yaml:"abandon_prob_by_bucket"`
	Stats       []statsRow       `yaml:"center_historical_disposition_stat"`
	WaitTimes   []waitRow        `yaml:"center_waiting_times"`
	Centers     []centerRow      `yaml:"center_lookup"`
	States      []stateRow       `yaml:"state_center_data"`
	Precomputed []precomputedRow `yaml:"precomputed_center_features"`
}

// LoadBundle reads a YAML lookup file.
func LoadBundle(path string, opts Options) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lookup file: %w", err)
	}
	return ParseBundle(data, opts)
}

// ParseBundle parses YAML lookup data.
func ParseBundle(data []byte, opts Options) (*Bundle, error) {
	var raw rawBundle
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse lookup YAML: %w", err)
	}
	return raw.build(opts)
}

func (r *rawBundle) build(opts Options) (*Bundle, error) {
	tail := opts.Tail
	if tail == "" {
		tail = TailRepeat
	}

	// Rows are ordered by bucket start; the first one is minute 1.
	sortHazardRows(r.Hazard)
	values := make([]float64, len(r.Hazard))
	for i, row := range r.Hazard {
		values[i] = row.ProbAbandon
	}
	hazard, err := NewHazardTableFromOrdered(values, tail)
	if err != nil {
		return nil, fmt.Errorf("abandon_prob_by_bucket: %w", err)
	}

	statsByPair := make(map[types.CenterPair]CenterStats, len(r.Stats))
	for _, row := range r.Stats {
		statsByPair[pairOf(row.Center, row.Termination)] = row.CenterStats
	}
	stats, err := NewDispositionStats(statsByPair)
	if err != nil {
		return nil, fmt.Errorf("center_historical_disposition_stat: %w", err)
	}

	waits := make(map[types.CenterPair]int, len(r.WaitTimes))
	for _, row := range r.WaitTimes {
		waits[pairOf(row.Center, row.Termination)] = row.WaitTime
	}

	centers := make(map[types.CenterPair]CenterInfo, len(r.Centers))
	for _, row := range r.Centers {
		centers[pairOf(row.Center, row.Termination)] = row.CenterInfo
	}
	nspl := make(map[string]int, len(r.States))
	for _, row := range r.States {
		nspl[row.State] = row.NSPL
	}
	pre := make(map[types.CenterPair]map[string]float64, len(r.Precomputed))
	for _, row := range r.Precomputed {
		p := pairOf(row.Center, row.Termination)
		if pre[p] == nil {
			pre[p] = make(map[string]float64, len(row.Features))
		}
		for k, v := range row.Features {
			pre[p][k] = v
		}
	}
	dir, err := NewCenterDirectory(centers, nspl, pre)
	if err != nil {
		return nil, fmt.Errorf("center_lookup: %w", err)
	}

	return &Bundle{
		Hazard:    hazard,
		Stats:     stats,
		Wait:      NewWaitTimeOracle(waits, opts.DefaultWaitMinutes),
		Directory: dir,
	}, nil
}

func pairOf(center, termination string) types.CenterPair {
	return types.CenterPair{Center: center, Termination: termination}
}

func sortHazardRows(rows []hazardRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].BucketStartSec < rows[j].BucketStartSec
	})
}
