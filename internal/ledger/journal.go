package ledger

// ============================================================================
// 帳本持久化：WAL + 快照
// ============================================================================
//
// 恢復流程:
//   1. 載入快照 → Memory.Restore
//   2. 重放 WAL 中的事件
//
// 寫入流程:
//   驗證 → 追加 WAL → 套用到記憶體
//
// Checkpoint:
//   寫入快照（保留備份）→ 旋轉 WAL（舊檔壓縮歸檔）
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dssg/vibrant-routing-public/internal/snapshot"
	"github.com/dssg/vibrant-routing-public/internal/storage/wal"
	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// JournalOptions configures a journaled ledger.
type JournalOptions struct {
	SyncOnAppend bool
	KeepBackups  int
}

type updateOnePayload struct {
	Key         types.AttemptKey  `json:"key"`
	Disposition types.Disposition `json:"disposition"`
}

type updateAllPayload struct {
	CallID  types.CallID        `json:"call_key"`
	Summary types.CallerSummary `json:"summary"`
}

// Journal is a Memory ledger whose mutations are journaled to a WAL and
// periodically checkpointed to a snapshot.
type Journal struct {
	mu   sync.Mutex
	mem  *Memory
	wal  *wal.WAL
	snap *snapshot.Manager
	opts JournalOptions
}

// OpenJournal opens (or creates) the journal in dir and recovers any state
// left there by a previous run.
func OpenJournal(dir string, calls []types.InitialCall, opts JournalOptions) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}

	w, err := wal.NewWAL(filepath.Join(dir, "ledger.wal"), opts.SyncOnAppend)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		mem:  NewMemory(calls),
		wal:  w,
		snap: snapshot.NewManager(filepath.Join(dir, "ledger.snapshot.json")),
		opts: opts,
	}
	if err := j.recover(); err != nil {
		w.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) recover() error {
	data, err := j.snap.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := j.mem.Restore(data); err != nil {
		return err
	}

	replayed := 0
	err = j.wal.Replay(func(e wal.Event) error {
		if err := j.apply(e); err != nil {
			// events already captured by the snapshot
			if errors.Is(err, ErrDuplicateAttempt) || errors.Is(err, ErrAlreadyResolved) {
				return nil
			}
			return fmt.Errorf("replay seq %d: %w", e.Seq, err)
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}

	if len(data.Records) > 0 || replayed > 0 {
		slog.Info("Ledger recovered", "records", len(data.Records), "replayed", replayed)
	}
	return nil
}

func (j *Journal) apply(e wal.Event) error {
	ctx := context.Background()
	switch e.Type {
	case wal.EventInsert:
		var rec types.AttemptRecord
		if err := e.Decode(&rec); err != nil {
			return err
		}
		return j.mem.Insert(ctx, rec)
	case wal.EventUpdateOne:
		var p updateOnePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return j.mem.UpdateOne(ctx, p.Key, p.Disposition)
	case wal.EventUpdateAll:
		var p updateAllPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return j.mem.UpdateAllForCall(ctx, p.CallID, p.Summary)
	case wal.EventFlag:
		var f types.FlaggedCall
		if err := e.Decode(&f); err != nil {
			return err
		}
		return j.mem.Flag(ctx, f)
	}
	return fmt.Errorf("unknown event type %q", e.Type)
}

// ============================================================================
// Ledger 介面
// ============================================================================

func (j *Journal) Insert(ctx context.Context, rec types.AttemptRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.mem.mu.RLock()
	err := j.mem.checkInsertLocked(rec.AttemptKey)
	j.mem.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := j.wal.Append(wal.EventInsert, rec.AttemptKey.String(), rec, false); err != nil {
		return fmt.Errorf("journal insert %s: %w", rec.AttemptKey, err)
	}
	return j.mem.Insert(ctx, rec)
}

func (j *Journal) UpdateOne(ctx context.Context, key types.AttemptKey, d types.Disposition) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.mem.mu.RLock()
	err := j.mem.checkUpdateLocked(key, d)
	j.mem.mu.RUnlock()
	if err != nil {
		return err
	}
	p := updateOnePayload{Key: key, Disposition: d}
	if err := j.wal.Append(wal.EventUpdateOne, key.String(), p, false); err != nil {
		return fmt.Errorf("journal update %s: %w", key, err)
	}
	return j.mem.UpdateOne(ctx, key, d)
}

func (j *Journal) UpdateAllForCall(ctx context.Context, id types.CallID, s types.CallerSummary) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	p := updateAllPayload{CallID: id, Summary: s}
	if err := j.wal.Append(wal.EventUpdateAll, string(id), p, false); err != nil {
		return fmt.Errorf("journal summary %s: %w", id, err)
	}
	return j.mem.UpdateAllForCall(ctx, id, s)
}

func (j *Journal) LookupActiveCalls(ctx context.Context, w Window) ([]types.InitialCall, error) {
	return j.mem.LookupActiveCalls(ctx, w)
}

// Flag is journaled with a forced flush.
func (j *Journal) Flag(ctx context.Context, f types.FlaggedCall) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.wal.Append(wal.EventFlag, string(f.CallID), f, true); err != nil {
		return fmt.Errorf("journal flag %s: %w", f.CallID, err)
	}
	return j.mem.Flag(ctx, f)
}

func (j *Journal) Records(ctx context.Context) ([]types.AttemptRecord, error) {
	return j.mem.Records(ctx)
}

// ============================================================================
// Checkpoint / Close
// ============================================================================

// Checkpoint writes a snapshot and rotates the WAL. The archived WAL path is
// returned.
func (j *Journal) Checkpoint() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.wal.Flush(); err != nil {
		return "", err
	}
	data := j.mem.Snapshot()
	data.LastSeq = j.wal.GetLastSeq()
	if err := j.snap.WriteWithBackup(data, j.opts.KeepBackups); err != nil {
		return "", err
	}
	archive, err := j.wal.Rotate()
	if err != nil {
		return "", err
	}
	slog.Info("Ledger checkpoint", "records", len(data.Records), "lastSeq", data.LastSeq, "archive", archive)
	return archive, nil
}

// Memory exposes the in-process state for export and stats.
func (j *Journal) Memory() *Memory {
	return j.mem
}

func (j *Journal) Close() error {
	return j.wal.Close()
}
