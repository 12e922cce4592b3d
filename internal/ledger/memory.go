package ledger

// ============================================================================
// 記憶體帳本
// ============================================================================
//
// 資料結構設計:
//   records []*AttemptRecord - 依插入順序保存所有列
//   ├─ index  map[AttemptKey] - 單列更新的快速查詢
//   └─ byCall map[CallID]     - update-all 的快速查詢
//
//   summaries map[CallID] - 最新的 CallerSummary，之後插入的列也會繼承
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// Memory is an in-process ledger.
type Memory struct {
	mu        sync.RWMutex
	records   []*types.AttemptRecord
	index     map[types.AttemptKey]*types.AttemptRecord
	byCall    map[types.CallID][]*types.AttemptRecord
	summaries map[types.CallID]types.CallerSummary
	flagged   []types.FlaggedCall
	flagSet   map[types.CallID]bool
	active    []types.InitialCall
}

// NewMemory returns an empty ledger whose active-call lookup serves calls.
func NewMemory(calls []types.InitialCall) *Memory {
	active := make([]types.InitialCall, len(calls))
	copy(active, calls)
	sort.SliceStable(active, func(i, j int) bool {
		if !active[i].ArrivedAt.Equal(active[j].ArrivedAt) {
			return active[i].ArrivedAt.Before(active[j].ArrivedAt)
		}
		return active[i].CallID < active[j].CallID
	})

	m := &Memory{active: active}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.records = nil
	m.index = make(map[types.AttemptKey]*types.AttemptRecord)
	m.byCall = make(map[types.CallID][]*types.AttemptRecord)
	m.summaries = make(map[types.CallID]types.CallerSummary)
	m.flagged = nil
	m.flagSet = make(map[types.CallID]bool)
}

// ============================================================================
// Ledger 介面
// ============================================================================

func (m *Memory) Insert(_ context.Context, rec types.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkInsertLocked(rec.AttemptKey); err != nil {
		return err
	}
	m.insertLocked(rec)
	return nil
}

func (m *Memory) UpdateOne(_ context.Context, key types.AttemptKey, d types.Disposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkUpdateLocked(key, d); err != nil {
		return err
	}
	m.index[key].Disposition = cloneDisposition(d)
	return nil
}

func (m *Memory) UpdateAllForCall(_ context.Context, id types.CallID, s types.CallerSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.summarizeLocked(id, s)
	return nil
}

func (m *Memory) LookupActiveCalls(_ context.Context, w Window) ([]types.InitialCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.InitialCall
	for _, c := range m.active {
		if w.Contains(c.ArrivedAt) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) Flag(_ context.Context, f types.FlaggedCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flagLocked(f)
	return nil
}

func (m *Memory) Records(_ context.Context) ([]types.AttemptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.AttemptRecord, len(m.records))
	for i, r := range m.records {
		out[i] = cloneRecord(*r)
	}
	return out, nil
}

// ============================================================================
// 查詢與統計
// ============================================================================

// Get returns a copy of one row.
func (m *Memory) Get(key types.AttemptKey) (types.AttemptRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.index[key]
	if !ok {
		return types.AttemptRecord{}, false
	}
	return cloneRecord(*r), true
}

// Flagged returns the flagged calls in the order they were flagged.
func (m *Memory) Flagged() []types.FlaggedCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.FlaggedCall, len(m.flagged))
	copy(out, m.flagged)
	return out
}

// Stats counts rows per disposition kind, plus the total and flagged calls.
func (m *Memory) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := map[string]int{
		"records": len(m.records),
		"calls":   len(m.byCall),
		"flagged": len(m.flagSet),
	}
	for _, kind := range []types.DispositionKind{
		types.DispositionPending,
		types.DispositionAnswered,
		types.DispositionAbandoned,
		types.DispositionFlowedOut,
		types.DispositionBackupRouted,
	} {
		stats[string(kind)] = 0
	}
	for _, r := range m.records {
		kind := r.Disposition.Kind
		if kind == "" {
			kind = types.DispositionPending
		}
		stats[string(kind)]++
	}
	return stats
}

// ============================================================================
// 快照支持
// ============================================================================

// Snapshot captures every row, summary and flag. LastSeq is left for the
// caller to fill in.
func (m *Memory) Snapshot() types.LedgerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := types.LedgerSnapshot{
		Records:   make([]types.AttemptRecord, len(m.records)),
		Summaries: make(map[types.CallID]types.CallerSummary, len(m.summaries)),
		Flagged:   make([]types.FlaggedCall, len(m.flagged)),
	}
	for i, r := range m.records {
		snap.Records[i] = cloneRecord(*r)
	}
	for id, s := range m.summaries {
		snap.Summaries[id] = s
	}
	copy(snap.Flagged, m.flagged)
	return snap
}

// Restore replaces the ledger state with snap. The active-call set is kept.
func (m *Memory) Restore(snap types.LedgerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	for _, r := range snap.Records {
		if _, exists := m.index[r.AttemptKey]; exists {
			return fmt.Errorf("restore %s: %w", r.AttemptKey, ErrDuplicateAttempt)
		}
		rec := cloneRecord(r)
		m.records = append(m.records, &rec)
		m.index[rec.AttemptKey] = &rec
		m.byCall[rec.CallID] = append(m.byCall[rec.CallID], &rec)
	}
	for id, s := range snap.Summaries {
		m.summaries[id] = s
	}
	for _, f := range snap.Flagged {
		m.flagLocked(f)
	}
	return nil
}

// ============================================================================
// 內部輔助方法（假設調用者已持有鎖）
// ============================================================================

func (m *Memory) checkInsertLocked(key types.AttemptKey) error {
	if _, exists := m.index[key]; exists {
		return fmt.Errorf("insert %s: %w", key, ErrDuplicateAttempt)
	}
	return nil
}

func (m *Memory) checkUpdateLocked(key types.AttemptKey, d types.Disposition) error {
	if d.Pending() {
		return fmt.Errorf("update %s: %w", key, ErrInvalidDisposition)
	}
	r, ok := m.index[key]
	if !ok {
		return fmt.Errorf("update %s: %w", key, ErrAttemptNotFound)
	}
	if !r.Disposition.Pending() {
		return fmt.Errorf("update %s: %w", key, ErrAlreadyResolved)
	}
	return nil
}

func (m *Memory) insertLocked(rec types.AttemptRecord) {
	r := cloneRecord(rec)
	if r.Disposition.Kind == "" {
		r.Disposition.Kind = types.DispositionPending
	}
	if s, ok := m.summaries[r.CallID]; ok {
		r.Summary = s
	}
	if m.flagSet[r.CallID] {
		r.Flagged = true
	}
	m.records = append(m.records, &r)
	m.index[r.AttemptKey] = &r
	m.byCall[r.CallID] = append(m.byCall[r.CallID], &r)
}

func (m *Memory) summarizeLocked(id types.CallID, s types.CallerSummary) {
	m.summaries[id] = s
	for _, r := range m.byCall[id] {
		r.Summary = s
	}
}

func (m *Memory) flagLocked(f types.FlaggedCall) {
	for _, existing := range m.flagged {
		if existing == f {
			return
		}
	}
	m.flagged = append(m.flagged, f)
	m.flagSet[f.CallID] = true
	for _, r := range m.byCall[f.CallID] {
		r.Flagged = true
	}
}

func cloneDisposition(d types.Disposition) types.Disposition {
	if d.Timing != nil {
		t := *d.Timing
		d.Timing = &t
	}
	return d
}

func cloneRecord(r types.AttemptRecord) types.AttemptRecord {
	r.Disposition = cloneDisposition(r.Disposition)
	return r
}
