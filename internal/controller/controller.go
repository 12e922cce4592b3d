// ============================================================================
// Routing Simulation 控制器 - 多次試驗協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 按運行參數（路由表、試驗次數、隨機種子）重複執行完整模擬
//
// 每次試驗:
//   1. 分配新的 evaluation id (uuid)
//   2. 打開該試驗專屬的 ledger (memory / journal / postgres)
//   3. 以 seed + k 運行模擬器（未指定種子時由模擬器自行抽取）
//   4. journal ledger 做 checkpoint（快照 + WAL 輪轉歸檔）
//   5. 寫入 evaluation entry，導出 CSV，發布到 NATS
//   6. 記錄 Prometheus 指標
//
// 所有試驗共用同一組初始來電，按試驗順序依次執行，不並行：
// 每個 ledger 在運行期間只有模擬器一個寫入者。
//
// ============================================================================

package controller

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dssg/vibrant-routing-public/internal/artifact"
	"github.com/dssg/vibrant-routing-public/internal/features"
	"github.com/dssg/vibrant-routing-public/internal/ledger"
	"github.com/dssg/vibrant-routing-public/internal/metrics"
	"github.com/dssg/vibrant-routing-public/internal/publish"
	"github.com/dssg/vibrant-routing-public/internal/registry"
	"github.com/dssg/vibrant-routing-public/internal/scorer"
	"github.com/dssg/vibrant-routing-public/internal/simulator"
	"github.com/dssg/vibrant-routing-public/pkg/types"
)

var (
	ErrNoTrials          = errors.New("trials must be at least 1")
	ErrUnknownLedgerKind = errors.New("unknown ledger kind")
	ErrNoCalls           = errors.New("no active calls in window")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// CallSource supplies the initial calls of a run.
type CallSource interface {
	LookupActiveCalls(ctx context.Context, w ledger.Window) ([]types.InitialCall, error)
}

// Config Controller 配置
type Config struct {
	Trials           int
	Seed             *int64 // trial k uses Seed+k
	Window           ledger.Window
	RoutingTablePath string
	ModelPath        string
	ConfigHash       string
	LogPath          string

	LedgerKind   string // memory | journal | postgres
	LedgerDir    string // journal ledgers live in LedgerDir/<evaluation id>
	SyncOnAppend bool
	KeepBackups  int
	Postgres     ledger.PostgresOptions

	Simulation simulator.Config

	PushURL string
	PushJob string
}

// Deps are the collaborators shared by every trial. Registry is required;
// DB is required for the postgres ledger; the rest are optional.
type Deps struct {
	Source  CallSource
	Router  simulator.Router
	Builder features.Builder
	Scorer  scorer.Scorer
	Abandon simulator.AbandonModel
	Stats   simulator.DispositionSource
	Wait    simulator.WaitSource

	DB        *sql.DB
	Registry  registry.Store
	Publisher publish.Publisher
	Exporter  *artifact.Exporter
	Metrics   *metrics.Collector
}

// TrialResult is the outcome of one trial.
type TrialResult struct {
	Trial          int
	EvaluationID   uuid.UUID
	Result         simulator.Result
	Records        int
	ExportPath     string
	CheckpointPath string
}

// Controller 多次試驗控制器
type Controller struct {
	mu     sync.Mutex
	cfg    Config
	deps   Deps
	done   []TrialResult
	start  time.Time
	closed bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller 實例
func New(cfg Config, deps Deps) (*Controller, error) {
	if cfg.Trials < 1 {
		return nil, ErrNoTrials
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("%w: call source", simulator.ErrMissingDependency)
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("%w: registry", simulator.ErrMissingDependency)
	}
	switch cfg.LedgerKind {
	case "":
		cfg.LedgerKind = "memory"
	case "memory", "journal":
	case "postgres":
		if deps.DB == nil {
			return nil, fmt.Errorf("%w: postgres ledger needs a database", simulator.ErrMissingDependency)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLedgerKind, cfg.LedgerKind)
	}
	if cfg.PushJob == "" {
		cfg.PushJob = "routesim"
	}
	return &Controller{cfg: cfg, deps: deps}, nil
}

// RunTrials 依次執行所有試驗
//
// 流程：
//  1. 從 CallSource 讀取窗口內的初始來電（所有試驗共用）
//  2. 每次試驗使用新的 evaluation id 和新的 ledger
//  3. 全部完成後推送指標（如已配置 Pushgateway）
//
// ctx 只在試驗之間檢查；已開始的試驗總會運行到佇列清空。
func (c *Controller) RunTrials(ctx context.Context) ([]TrialResult, error) {
	c.mu.Lock()
	c.start = time.Now()
	c.mu.Unlock()

	calls, err := c.deps.Source.LookupActiveCalls(ctx, c.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to load active calls: %w", err)
	}
	if len(calls) == 0 {
		return nil, ErrNoCalls
	}
	slog.Info("Active calls loaded", "calls", len(calls), "trials", c.cfg.Trials)

	results := make([]TrialResult, 0, c.cfg.Trials)
	for k := 0; k < c.cfg.Trials; k++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := c.runTrial(ctx, k, calls)
		if err != nil {
			return results, fmt.Errorf("trial %d: %w", k, err)
		}
		results = append(results, res)

		c.mu.Lock()
		c.done = append(c.done, res)
		c.mu.Unlock()
	}

	if c.deps.Metrics != nil && c.cfg.PushURL != "" {
		if err := c.deps.Metrics.Push(c.cfg.PushURL, c.cfg.PushJob); err != nil {
			slog.Warn("Metrics push failed", "error", err)
		}
	}
	return results, nil
}

// runTrial 執行單次試驗
func (c *Controller) runTrial(ctx context.Context, trial int, calls []types.InitialCall) (TrialResult, error) {
	id := uuid.New()
	var seed *int64
	if c.cfg.Seed != nil {
		s := *c.cfg.Seed + int64(trial)
		seed = &s
	}

	led, closeLedger, err := c.openLedger(ctx, id)
	if err != nil {
		return TrialResult{}, err
	}
	defer closeLedger()

	simDeps := simulator.Deps{
		Router:  c.deps.Router,
		Builder: c.deps.Builder,
		Scorer:  c.deps.Scorer,
		Abandon: c.deps.Abandon,
		Stats:   c.deps.Stats,
		Wait:    c.deps.Wait,
		Ledger:  led,
	}
	if c.deps.Metrics != nil {
		simDeps.Recorder = c.deps.Metrics
	}
	sim, err := simulator.New(simDeps, c.cfg.Simulation)
	if err != nil {
		return TrialResult{}, err
	}

	slog.Info("Trial started", "trial", trial, "evaluationID", id)
	res, err := sim.Run(ctx, calls, seed)
	if err != nil {
		return TrialResult{}, err
	}
	out := TrialResult{Trial: trial, EvaluationID: id, Result: res}

	if j, ok := led.(*ledger.Journal); ok {
		if out.CheckpointPath, err = j.Checkpoint(); err != nil {
			return out, fmt.Errorf("checkpoint failed: %w", err)
		}
	}

	records, err := led.Records(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to read ledger: %w", err)
	}
	out.Records = len(records)

	entry := registry.NewEntry(id, trial, calls)
	entry.RoutingTablePath = c.cfg.RoutingTablePath
	entry.ModelPath = c.cfg.ModelPath
	entry.ConfigHash = c.cfg.ConfigHash
	entry.Seed = res.Seed
	entry.FlaggedCount = len(res.Flagged)
	entry.LogPath = c.cfg.LogPath
	if err := c.deps.Registry.Add(ctx, entry); err != nil {
		return out, err
	}

	if c.deps.Exporter != nil {
		if out.ExportPath, err = c.deps.Exporter.Export(ctx, id, records); err != nil {
			return out, err
		}
	}
	if c.deps.Publisher != nil {
		if err := c.deps.Publisher.Publish(ctx, id, records, res.Flagged); err != nil {
			return out, err
		}
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.RecordTrial(res.Calls, res.Elapsed)
	}

	slog.Info("Trial completed",
		"trial", trial,
		"evaluationID", id,
		"seed", res.Seed,
		"attempts", res.Attempts,
		"flagged", len(res.Flagged),
		"elapsed", res.Elapsed)
	return out, nil
}

// openLedger 為一次試驗打開新的 ledger
func (c *Controller) openLedger(ctx context.Context, id uuid.UUID) (ledger.Ledger, func(), error) {
	noop := func() {}

	switch c.cfg.LedgerKind {
	case "memory":
		return ledger.NewMemory(nil), noop, nil

	case "journal":
		start := time.Now()
		j, err := ledger.OpenJournal(filepath.Join(c.cfg.LedgerDir, id.String()), nil, ledger.JournalOptions{
			SyncOnAppend: c.cfg.SyncOnAppend,
			KeepBackups:  c.cfg.KeepBackups,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open journal ledger: %w", err)
		}
		if c.deps.Metrics != nil {
			c.deps.Metrics.SetRecoveryTime(time.Since(start).Seconds())
		}
		return j, func() {
			if err := j.Close(); err != nil {
				slog.Error("Failed to close journal ledger", "evaluationID", id, "error", err)
			}
		}, nil

	case "postgres":
		opts := c.cfg.Postgres
		opts.EvaluationID = id.String()
		p := ledger.NewPostgres(c.deps.DB, opts)
		if err := p.EnsureTable(ctx); err != nil {
			return nil, noop, err
		}
		return p, noop, nil
	}
	return nil, noop, fmt.Errorf("%w: %q", ErrUnknownLedgerKind, c.cfg.LedgerKind)
}

// Status 返回已完成試驗的統計
func (c *Controller) Status() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.done))
	attempts, flagged := 0, 0
	for _, r := range c.done {
		ids = append(ids, r.EvaluationID.String())
		attempts += r.Result.Attempts
		flagged += len(r.Result.Flagged)
	}
	status := map[string]interface{}{
		"trials_planned":   c.cfg.Trials,
		"trials_completed": len(c.done),
		"evaluation_ids":   ids,
		"attempts":         attempts,
		"flagged":          flagged,
		"ledger":           c.cfg.LedgerKind,
	}
	if !c.start.IsZero() {
		status["uptime"] = time.Since(c.start).String()
	}
	return status
}

// Close releases the shared publisher. It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.deps.Publisher != nil {
		return c.deps.Publisher.Close()
	}
	return nil
}
