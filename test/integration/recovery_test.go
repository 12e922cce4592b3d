// ============================================================================
// routesim 整合測試
// ============================================================================
//
// Package: test/integration
// File: recovery_test.go
// Purpose: 以真實的路由表、查詢資料與通話名單跑完整模擬
//
// TestJournalMatchesMemory:
//   同一種子下，journal 帳本與記憶體帳本產生完全相同的列
//
// TestJournalCrashRecovery:
//   模擬中途當機（不 checkpoint、不關閉），重新開啟後 WAL 重播出相同狀態
//
// BenchmarkSimulationThroughput:
//   每次迭代模擬 500 通來電
//
// ============================================================================

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dssg/vibrant-routing-public/internal/cohort"
	"github.com/dssg/vibrant-routing-public/internal/features"
	"github.com/dssg/vibrant-routing-public/internal/ledger"
	"github.com/dssg/vibrant-routing-public/internal/lookup"
	"github.com/dssg/vibrant-routing-public/internal/routing"
	"github.com/dssg/vibrant-routing-public/internal/scorer"
	"github.com/dssg/vibrant-routing-public/internal/simulator"
	"github.com/dssg/vibrant-routing-public/pkg/types"
)

const tableCSV = `npanxx,center1id,center1termination,center1role,center2id,center2termination,center2role,center3id,center3termination,center3role,center4id,center4termination,center4role
212555,NY100,2125550000,primary,IL460000,6304823616,backup,,,,,,
312555,IL460000,6304823616,primary,,,,,,,,,
`

const lookupsYAML = `
abandon_prob_by_bucket:
  - bucket_start_sec: 0
    prob_abandon: 0.05
  - bucket_start_sec: 60
    prob_abandon: 0.1
  - bucket_start_sec: 120
    prob_abandon: 0.15
center_historical_disposition_stat:
  - center_key: NY100
    termination_number: "2125550000"
    answered_avg_time_to_leave: 420
    answered_avg_time_to_answer: 25
  - center_key: IL460000
    termination_number: "6304823616"
    answered_avg_time_to_leave: 600
    answered_avg_time_to_answer: 30
center_waiting_times:
  - center_key: NY100
    termination_number: "2125550000"
    wait_time: 1
  - center_key: IL460000
    termination_number: "6304823616"
    wait_time: 2
center_lookup:
  - center_key: NY100
    termination_number: "2125550000"
    center_state_abbrev: NY
    center_time_zone: America/New_York
    center_uses_dst: true
  - center_key: IL460000
    termination_number: "6304823616"
    center_state_abbrev: IL
    center_time_zone: US/Central
    center_uses_dst: true
state_center_data:
  - state_abbrev: NY
    num_nspl_centers_in_center_state: 7
  - state_abbrev: IL
    num_nspl_centers_in_center_state: 4
`

// generateCalls 產生 n 通來電，每 20 秒一通，交換碼輪流使用
func generateCalls(t testing.TB, n int) []types.InitialCall {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	var b strings.Builder
	b.WriteString("call_key,caller_npanxx,arrived_datetime_est,caller_state_abbrev,caller_time_zone,caller_is_cell_phone\n")
	start := time.Date(2022, 5, 26, 8, 0, 0, 0, loc)
	codes := []string{"212555", "312555", "999999"}
	for i := 0; i < n; i++ {
		at := start.Add(time.Duration(i) * 20 * time.Second)
		fmt.Fprintf(&b, "call-%04d,%s,%s,NY,America/New_York,%d\n", i, codes[i%len(codes)], at.Format(ledger.TimeLayout), i%2)
	}

	calls, err := cohort.Load(strings.NewReader(b.String()), loc)
	require.NoError(t, err)
	return calls
}

func newSimulator(t testing.TB, led ledger.Ledger) *simulator.Simulator {
	t.Helper()
	table, err := routing.Load(strings.NewReader(tableCSV))
	require.NoError(t, err)
	bundle, err := lookup.ParseBundle([]byte(lookupsYAML), lookup.Options{})
	require.NoError(t, err)

	sim, err := simulator.New(simulator.Deps{
		Router:  table,
		Builder: features.NewDirectoryBuilder(bundle.Directory),
		Scorer:  scorer.Constant(0.3),
		Abandon: bundle.Hazard,
		Stats:   bundle.Stats,
		Wait:    bundle.Wait,
		Ledger:  led,
	}, simulator.DefaultConfig())
	require.NoError(t, err)
	return sim
}

func seed(v int64) *int64 { return &v }

func TestJournalMatchesMemory(t *testing.T) {
	ctx := context.Background()
	calls := generateCalls(t, 60)

	mem := ledger.NewMemory(nil)
	memResult, err := newSimulator(t, mem).Run(ctx, calls, seed(42))
	require.NoError(t, err)

	j, err := ledger.OpenJournal(t.TempDir(), nil, ledger.JournalOptions{})
	require.NoError(t, err)
	defer j.Close()
	jResult, err := newSimulator(t, j).Run(ctx, calls, seed(42))
	require.NoError(t, err)

	assert.Equal(t, memResult.Attempts, jResult.Attempts)
	assert.Equal(t, memResult.Outcomes, jResult.Outcomes)

	want, err := mem.Records(ctx)
	require.NoError(t, err)
	got, err := j.Records(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// 每通來電至少一列
	assert.GreaterOrEqual(t, len(got), len(calls))
}

func TestJournalCrashRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	calls := generateCalls(t, 40)

	// 第一階段：執行後直接「當機」（不 checkpoint、不 Close）
	crashed, err := ledger.OpenJournal(dir, nil, ledger.JournalOptions{SyncOnAppend: true})
	require.NoError(t, err)
	t.Cleanup(func() { crashed.Close() })

	_, err = newSimulator(t, crashed).Run(ctx, calls, seed(7))
	require.NoError(t, err)
	before, err := crashed.Records(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	// 第二階段：從同一目錄恢復
	recovered, err := ledger.OpenJournal(dir, nil, ledger.JournalOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { recovered.Close() })

	after, err := recovered.Records(ctx)
	require.NoError(t, err)
	// 重播後時間的 Location 不同，以 JSON 比較
	assert.JSONEq(t, mustJSON(t, before), mustJSON(t, after), "replayed WAL must rebuild every row")
	assert.JSONEq(t, mustJSON(t, crashed.Memory().Flagged()), mustJSON(t, recovered.Memory().Flagged()))
}

func mustJSON(t testing.TB, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func BenchmarkSimulationThroughput(b *testing.B) {
	calls := generateCalls(b, 500)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sim := newSimulator(b, ledger.NewMemory(nil))
		if _, err := sim.Run(context.Background(), calls, seed(int64(i))); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
}
