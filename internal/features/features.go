// Package features assembles the static attributes of a routing attempt and
// the feature row the pickup scorer consumes.
package features

import (
	"context"
	"sort"
	"time"

	"github.com/dssg/vibrant-routing-public/internal/lookup"
	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// Feature names shared with the trained model.
const (
	ArrivedHourOfDay        = "arrived_hour_of_day_numeric"
	ArrivedDayOfWeek        = "arrived_day_of_week_numeric"
	ArrivedDayOfMonth       = "arrived_day_of_month_numeric"
	ArrivedDayOfYear        = "arrived_day_of_year_numeric"
	ArrivedWeekOfYear       = "arrived_week_of_year_numeric"
	ArrivedInMorning        = "arrived_in_morning"
	ArrivedInAfternoon      = "arrived_in_afternoon"
	ArrivedInEvening        = "arrived_in_evening"
	ArrivedInNight          = "arrived_in_night"
	CallerIsCellPhone       = "caller_is_cell_phone"
	CallerInCenterState     = "caller_in_center_state"
	NSPLCentersInState      = "num_nspl_centers_in_center_state"
	CenterUsesDST           = "center_uses_dst"
	CallerTotalRingTimeSecs = "caller_total_ring_time_sec"
)

// PartOfDay buckets a local hour: (6,12] morning, (12,18] afternoon,
// (18,24) evening, anything else night. Hour 24 is the same instant as hour 0
// and is therefore night.
func PartOfDay(hour int) types.PartOfDay {
	switch {
	case hour > 6 && hour <= 12:
		return types.Morning
	case hour > 12 && hour <= 18:
		return types.Afternoon
	case hour > 18 && hour < 24:
		return types.Evening
	default:
		return types.Night
	}
}

// Row is one scorer input keyed by feature name.
type Row map[string]float64

// Names returns the row's feature names, sorted.
func (r Row) Names() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Request describes the attempt being built.
type Request struct {
	Call            types.InitialCall
	Candidate       types.RoutingCandidate
	Attempt         int
	ArrivedAt       time.Time
	AccumulatedWait int64
}

// Attempt is the builder's output: ledger attributes plus the scorer row.
type Attempt struct {
	Attributes types.AttemptAttributes
	Row        Row
}

// Builder produces the attributes and features of one routing attempt.
type Builder interface {
	Build(ctx context.Context, req Request) (Attempt, error)
}

// CallerAttributes fills the caller half of an attempt's attributes. Backup
// attempts carry only these plus the backup network flag.
func CallerAttributes(call types.InitialCall, accumulatedWait int64) types.AttemptAttributes {
	return types.AttemptAttributes{
		CallerState:            call.CallerState,
		CallerTimeZone:         call.CallerTimeZone,
		CallerIsCellPhone:      call.CallerIsCellPhone,
		Network:                types.NetworkFlags{LocalLinkBackup: true},
		AccumulatedWaitSeconds: accumulatedWait,
	}
}

// DirectoryBuilder builds attempts from a CenterDirectory.
type DirectoryBuilder struct {
	dir *lookup.CenterDirectory
}

// NewDirectoryBuilder returns a Builder backed by dir.
func NewDirectoryBuilder(dir *lookup.CenterDirectory) *DirectoryBuilder {
	return &DirectoryBuilder{dir: dir}
}

// Build resolves the center, converts the arrival into center-local time and
// derives the feature row. It fails when the center is not in the directory.
func (b *DirectoryBuilder) Build(ctx context.Context, req Request) (Attempt, error) {
	pair := req.Candidate.CenterPair
	info, err := b.dir.Center(pair)
	if err != nil {
		return Attempt{}, err
	}
	loc, err := b.dir.Location(info.TimeZone)
	if err != nil {
		return Attempt{}, err
	}

	local := req.ArrivedAt.In(loc)
	part := PartOfDay(local.Hour())
	nspl := b.dir.NSPLCenters(info.State)

	attrs := CallerAttributes(req.Call, req.AccumulatedWait)
	attrs.CenterState = info.State
	attrs.CenterTimeZone = info.TimeZone
	attrs.CenterUsesDST = info.UsesDST
	attrs.ArrivedLocal = local
	attrs.ArrivedPartOfDay = part
	attrs.NSPLCentersInState = nspl
	attrs.Network = types.NetworkFlags{LocalLink: true}

	_, week := local.ISOWeek()
	row := Row{
		ArrivedHourOfDay:        float64(local.Hour()),
		ArrivedDayOfWeek:        float64((int(local.Weekday()) + 6) % 7),
		ArrivedDayOfMonth:       float64(local.Day()),
		ArrivedDayOfYear:        float64(local.YearDay()),
		ArrivedWeekOfYear:       float64(week),
		ArrivedInMorning:        indicator(part == types.Morning),
		ArrivedInAfternoon:      indicator(part == types.Afternoon),
		ArrivedInEvening:        indicator(part == types.Evening),
		ArrivedInNight:          indicator(part == types.Night),
		CallerIsCellPhone:       indicator(req.Call.CallerIsCellPhone),
		CallerInCenterState:     indicator(req.Call.CallerState != "" && req.Call.CallerState == info.State),
		NSPLCentersInState:      float64(nspl),
		CenterUsesDST:           indicator(info.UsesDST),
		CallerTotalRingTimeSecs: float64(req.AccumulatedWait),
	}
	for k, v := range b.dir.Precomputed(pair) {
		row[k] = v
	}

	return Attempt{Attributes: attrs, Row: row}, nil
}

func indicator(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
