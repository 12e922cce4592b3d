// Package registry records one evaluation entry per simulation trial so the
// external evaluator can find the trial's ledger rows and reproduce the run.
package registry

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

var (
	ErrUnknownKind = errors.New("unknown registry kind")
	ErrNoDatabase  = errors.New("postgres registry requires a database handle")
)

// Entry describes one trial.
type Entry struct {
	EvaluationID     uuid.UUID      `json:"evaluation_id"`
	Trial            int            `json:"trial"`
	CreatedAt        time.Time      `json:"created_at"`
	RoutingTablePath string         `json:"routing_table_path"`
	ModelPath        string         `json:"model_path,omitempty"`
	ConfigHash       string         `json:"config_hash"`
	Seed             int64          `json:"seed"`
	WindowStart      time.Time      `json:"active_calls_min_arrival"`
	WindowEnd        time.Time      `json:"active_calls_max_arrival"`
	CallKeys         []types.CallID `json:"active_call_keys"`
	CallCount        int            `json:"active_call_count"`
	FlaggedCount     int            `json:"flagged_count"`
	LogPath          string         `json:"log_path,omitempty"`
}

// NewEntry fills the identifying fields and the active-call window of an
// entry. Call keys are sorted.
func NewEntry(id uuid.UUID, trial int, calls []types.InitialCall) Entry {
	e := Entry{
		EvaluationID: id,
		Trial:        trial,
		CreatedAt:    time.Now().UTC(),
		CallKeys:     make([]types.CallID, 0, len(calls)),
		CallCount:    len(calls),
	}
	for i, c := range calls {
		e.CallKeys = append(e.CallKeys, c.CallID)
		if i == 0 || c.ArrivedAt.Before(e.WindowStart) {
			e.WindowStart = c.ArrivedAt
		}
		if i == 0 || c.ArrivedAt.After(e.WindowEnd) {
			e.WindowEnd = c.ArrivedAt
		}
	}
	sort.Slice(e.CallKeys, func(i, j int) bool { return e.CallKeys[i] < e.CallKeys[j] })
	return e
}

// HashConfig returns the hex sha256 of a raw config file.
func HashConfig(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store persists entries. List returns the newest entries first.
type Store interface {
	Add(ctx context.Context, e Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
}

// Config selects a store.
type Config struct {
	Kind      string `yaml:"kind"` // file | redis | postgres
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
	Keep      int64  `yaml:"keep"`
}

// New builds the configured store. db is only used by the postgres kind.
// The returned close function is never nil.
func New(ctx context.Context, cfg Config, db *sql.DB, schema string) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Kind {
	case "", "file":
		path := cfg.Path
		if path == "" {
			path = "evaluations.json"
		}
		return NewFileStore(path), noop, nil
	case "redis":
		s, err := DialRedis(ctx, cfg.RedisAddr, cfg.RedisKey, cfg.Keep)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "postgres":
		if db == nil {
			return nil, noop, ErrNoDatabase
		}
		s := NewPostgresStore(db, schema)
		if err := s.EnsureTable(ctx); err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}
	return nil, noop, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
}
