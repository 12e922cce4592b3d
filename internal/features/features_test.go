package features

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dssg/vibrant-routing-public/internal/lookup"
	"github.com/dssg/vibrant-routing-public/pkg/types"
)

func TestPartOfDay(t *testing.T) {
	tests := []struct {
		hour int
		want types.PartOfDay
	}{
		{0, types.Night},
		{1, types.Night},
		{6, types.Night},
		{7, types.Morning},
		{12, types.Morning},
		{13, types.Afternoon},
		{18, types.Afternoon},
		{19, types.Evening},
		{23, types.Evening},
		{24, types.Night},
		{25, types.Night},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PartOfDay(tt.hour), "hour %d", tt.hour)
	}
}

func TestPartOfDay_Boundaries(t *testing.T) {
	assert.Equal(t, types.Night, PartOfDay(6))
	assert.Equal(t, types.Morning, PartOfDay(7))
	assert.Equal(t, types.Morning, PartOfDay(12))
	assert.Equal(t, types.Afternoon, PartOfDay(13))
	assert.Equal(t, types.Night, PartOfDay(24))
	assert.Equal(t, types.Night, PartOfDay(0))
}

func newDirectory(t *testing.T) *lookup.CenterDirectory {
	t.Helper()
	dir, err := lookup.NewCenterDirectory(
		map[types.CenterPair]lookup.CenterInfo{
			{Center: "CA1", Termination: "1"}: {State: "CA", TimeZone: "America/Los_Angeles", UsesDST: true},
		},
		map[string]int{"CA": 12},
		map[types.CenterPair]map[string]float64{
			{Center: "CA1", Termination: "1"}: {"center_answer_rate_past_30d": 0.75},
		},
	)
	require.NoError(t, err)
	return dir
}

func TestDirectoryBuilder_Build(t *testing.T) {
	eastern, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	b := NewDirectoryBuilder(newDirectory(t))
	arrived := time.Date(2022, 5, 26, 10, 30, 0, 0, eastern) // 07:30 in Los Angeles, a Thursday

	got, err := b.Build(context.Background(), Request{
		Call: types.InitialCall{
			CallID:            "c1",
			CallerState:       "CA",
			CallerTimeZone:    "America/Los_Angeles",
			CallerIsCellPhone: true,
		},
		Candidate:       types.RoutingCandidate{CenterPair: types.CenterPair{Center: "CA1", Termination: "1"}},
		ArrivedAt:       arrived,
		AccumulatedWait: 120,
	})
	require.NoError(t, err)

	attrs := got.Attributes
	assert.Equal(t, "CA", attrs.CenterState)
	assert.Equal(t, 7, attrs.ArrivedLocal.Hour())
	assert.Equal(t, types.Morning, attrs.ArrivedPartOfDay)
	assert.Equal(t, 12, attrs.NSPLCentersInState)
	assert.True(t, attrs.Network.LocalLink)
	assert.False(t, attrs.Network.LocalLinkBackup)
	assert.Equal(t, int64(120), attrs.AccumulatedWaitSeconds)

	row := got.Row
	assert.Equal(t, 7.0, row[ArrivedHourOfDay])
	assert.Equal(t, 3.0, row[ArrivedDayOfWeek], "Monday is 0")
	assert.Equal(t, 26.0, row[ArrivedDayOfMonth])
	assert.Equal(t, 1.0, row[ArrivedInMorning])
	assert.Equal(t, 0.0, row[ArrivedInNight])
	assert.Equal(t, 1.0, row[CallerIsCellPhone])
	assert.Equal(t, 1.0, row[CallerInCenterState])
	assert.Equal(t, 12.0, row[NSPLCentersInState])
	assert.Equal(t, 1.0, row[CenterUsesDST])
	assert.Equal(t, 120.0, row[CallerTotalRingTimeSecs])
	assert.Equal(t, 0.75, row["center_answer_rate_past_30d"])
	assert.Contains(t, row.Names(), ArrivedWeekOfYear)
}

func TestDirectoryBuilder_UnknownCenter(t *testing.T) {
	b := NewDirectoryBuilder(newDirectory(t))
	_, err := b.Build(context.Background(), Request{
		Candidate: types.RoutingCandidate{CenterPair: types.CenterPair{Center: "NOPE", Termination: "9"}},
		ArrivedAt: time.Now(),
	})
	assert.ErrorIs(t, err, lookup.ErrUnknownCenter)
}

func TestCallerAttributes(t *testing.T) {
	attrs := CallerAttributes(types.InitialCall{CallerState: "NY", CallerIsCellPhone: true}, 360)
	assert.Equal(t, "NY", attrs.CallerState)
	assert.True(t, attrs.CallerIsCellPhone)
	assert.True(t, attrs.Network.LocalLinkBackup)
	assert.False(t, attrs.Network.LocalLink)
	assert.Equal(t, int64(360), attrs.AccumulatedWaitSeconds)
}
