package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// PostgresStore keeps entries in <schema>.routing_evaluation.
type PostgresStore struct {
	db     *sql.DB
	schema string
	table  string
}

// NewPostgresStore returns a store writing to schema. An empty schema means
// "public".
func NewPostgresStore(db *sql.DB, schema string) *PostgresStore {
	if schema == "" {
		schema = "public"
	}
	return &PostgresStore{
		db:     db,
		schema: schema,
		table:  pq.QuoteIdentifier(schema) + ".routing_evaluation",
	}
}

// EnsureTable creates routing_evaluation when it does not exist yet.
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(s.schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			evaluation_id uuid PRIMARY KEY,
			trial integer NOT NULL,
			created_at timestamptz NOT NULL,
			routing_table_path text NOT NULL,
			model_path text,
			config_hash text NOT NULL,
			seed bigint NOT NULL,
			active_calls_min_arrival timestamptz,
			active_calls_max_arrival timestamptz,
			active_call_keys text[] NOT NULL,
			active_call_count integer NOT NULL,
			flagged_count integer NOT NULL,
			log_path text
		)`, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create registry table: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, e Entry) error {
	keys := make([]string, len(e.CallKeys))
	for i, k := range e.CallKeys {
		keys[i] = string(k)
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (
		evaluation_id, trial, created_at, routing_table_path, model_path, config_hash, seed,
		active_calls_min_arrival, active_calls_max_arrival, active_call_keys, active_call_count,
		flagged_count, log_path
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, s.table),
		e.EvaluationID.String(), e.Trial, e.CreatedAt, e.RoutingTablePath, e.ModelPath, e.ConfigHash, e.Seed,
		nullTime(e.WindowStart), nullTime(e.WindowEnd), pq.Array(keys), e.CallCount,
		e.FlaggedCount, e.LogPath,
	)
	if err != nil {
		return fmt.Errorf("failed to register evaluation %s: %w", e.EvaluationID, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]Entry, error) {
	query := fmt.Sprintf(`SELECT evaluation_id, trial, created_at, routing_table_path,
		coalesce(model_path, ''), config_hash, seed, active_calls_min_arrival, active_calls_max_arrival,
		active_call_keys, active_call_count, flagged_count, coalesce(log_path, '')
		FROM %s ORDER BY created_at DESC, trial DESC`, s.table)
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var id string
		var minArrival, maxArrival sql.NullTime
		var keys []string
		if err := rows.Scan(&id, &e.Trial, &e.CreatedAt, &e.RoutingTablePath,
			&e.ModelPath, &e.ConfigHash, &e.Seed, &minArrival, &maxArrival,
			pq.Array(&keys), &e.CallCount, &e.FlaggedCount, &e.LogPath); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		if e.EvaluationID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad evaluation id %q: %w", id, err)
		}
		e.WindowStart = minArrival.Time
		e.WindowEnd = maxArrival.Time
		e.CallKeys = make([]types.CallID, len(keys))
		for i, k := range keys {
			e.CallKeys[i] = types.CallID(k)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
