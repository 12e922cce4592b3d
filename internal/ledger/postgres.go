package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

// columnTypes maps Columns to Postgres column types.
var columnTypes = map[string]string{
	"call_key":                     "text",
	"caller_npanxx":                "text",
	"arrived_datetime_est":         "timestamp",
	"attempt_number":               "integer",
	"center_key":                   "text",
	"termination_number":           "text",
	"caller_state_abbrev":          "text",
	"caller_time_zone":             "text",
	"center_state_abbrev":          "text",
	"center_time_zone":             "text",
	"arrived_datetime_local":       "timestamp",
	"arrived_part_of_day":          "text",
	"disposition":                  "text",
	"datetime_to_disposition_est":  "timestamp",
	"datetime_to_leave_center_est": "timestamp",
	"initiated_datetime_est":       "timestamp",
	"initiated_part_of_day":        "text",
}

// disposition columns are the contiguous run disposition..datetime_to_leave_center_est
var (
	dispositionFrom = columnIndex("disposition")
	dispositionTo   = columnIndex("datetime_to_leave_center_est") + 1
)

func columnIndex(name string) int {
	for i, c := range Columns {
		if c == name {
			return i
		}
	}
	panic("ledger: unknown column " + name)
}

// PostgresOptions locates the ledger tables.
type PostgresOptions struct {
	// Schema holds routing_simulation.
	Schema string
	// SourceSchema holds active_calls_in_queue.
	SourceSchema string
	// EvaluationID keys every row this ledger writes.
	EvaluationID string
	// Location is the zone of the EST wall-clock columns.
	Location *time.Location
}

// Postgres is a ledger backed by the routing_simulation table. Summaries and
// flags are also cached in process so rows inserted after an update inherit
// them.
type Postgres struct {
	db     *sql.DB
	opts   PostgresOptions
	table  string
	source string

	mu        sync.Mutex
	summaries map[types.CallID]types.CallerSummary
	flagSet   map[types.CallID]bool
	flagged   []types.FlaggedCall
}

// NewPostgres returns a ledger writing rows for opts.EvaluationID.
func NewPostgres(db *sql.DB, opts PostgresOptions) *Postgres {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Postgres{
		db:        db,
		opts:      opts,
		table:     pq.QuoteIdentifier(opts.Schema) + ".routing_simulation",
		source:    pq.QuoteIdentifier(opts.SourceSchema) + ".active_calls_in_queue",
		summaries: make(map[types.CallID]types.CallerSummary),
		flagSet:   make(map[types.CallID]bool),
	}
}

// EnsureTable creates routing_simulation when it does not exist yet.
func (p *Postgres) EnsureTable(ctx context.Context) error {
	defs := []string{"evaluation_id text NOT NULL"}
	for _, c := range Columns {
		typ, ok := columnTypes[c]
		if !ok {
			typ = "integer"
		}
		defs = append(defs, c+" "+typ)
	}
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(p.opts.Schema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, p.table, strings.Join(defs, ", ")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS routing_simulation_attempt_idx ON %s (evaluation_id, call_key, attempt_number)`, p.table),
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to create ledger table: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Insert(ctx context.Context, rec types.AttemptRecord) error {
	p.mu.Lock()
	if s, ok := p.summaries[rec.CallID]; ok {
		rec.Summary = s
	}
	rec.Flagged = rec.Flagged || p.flagSet[rec.CallID]
	p.mu.Unlock()

	var n int
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE evaluation_id = $1 AND call_key = $2 AND attempt_number = $3`, p.table),
		p.opts.EvaluationID, string(rec.CallID), rec.Attempt+1,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.AttemptKey, err)
	}
	if n > 0 {
		return fmt.Errorf("insert %s: %w", rec.AttemptKey, ErrDuplicateAttempt)
	}

	cols := append([]string{"evaluation_id"}, Columns...)
	args := append([]any{p.opts.EvaluationID}, Values(rec)...)
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, p.table, strings.Join(cols, ", "), placeholders(1, len(cols)))
	if _, err := p.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("insert %s: %w", rec.AttemptKey, err)
	}
	return nil
}

// UpdateOne requires exactly one pending row to match the key.
func (p *Postgres) UpdateOne(ctx context.Context, key types.AttemptKey, d types.Disposition) error {
	if d.Pending() {
		return fmt.Errorf("update %s: %w", key, ErrInvalidDisposition)
	}

	vals := Values(types.AttemptRecord{AttemptKey: key, Disposition: d})[dispositionFrom:dispositionTo]
	sets := make([]string, len(vals))
	for i, c := range Columns[dispositionFrom:dispositionTo] {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+4)
	}
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE evaluation_id = $1 AND call_key = $2 AND attempt_number = $3 AND disposition = 'pending'`,
		p.table, strings.Join(sets, ", "))
	args := append([]any{p.opts.EvaluationID, string(key.CallID), key.Attempt + 1}, vals...)

	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	switch {
	case affected == 1:
		return nil
	case affected > 1:
		return fmt.Errorf("update %s: %w", key, ErrNotUnique)
	}

	var n int
	err = p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s WHERE evaluation_id = $1 AND call_key = $2 AND attempt_number = $3`, p.table),
		p.opts.EvaluationID, string(key.CallID), key.Attempt+1,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", key, ErrAttemptNotFound)
	}
	return fmt.Errorf("update %s: %w", key, ErrAlreadyResolved)
}

func (p *Postgres) UpdateAllForCall(ctx context.Context, id types.CallID, s types.CallerSummary) error {
	p.mu.Lock()
	p.summaries[id] = s
	p.mu.Unlock()

	q := fmt.Sprintf(`UPDATE %s SET max_attempt_num = $3, initiated_datetime_est = $4, initiated_part_of_day = $5 WHERE evaluation_id = $1 AND call_key = $2`, p.table)
	_, err := p.db.ExecContext(ctx, q, p.opts.EvaluationID, string(id), s.MaxAttempt+1, timeOrNil(s.InitiatedAt), string(s.InitiatedPartOfDay))
	if err != nil {
		return fmt.Errorf("update summary %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) LookupActiveCalls(ctx context.Context, w Window) ([]types.InitialCall, error) {
	var conds []string
	var args []any
	if !w.Start.IsZero() {
		args = append(args, w.Start.In(p.opts.Location).Format(TimeLayout))
		conds = append(conds, fmt.Sprintf("arrived_datetime_est >= $%d", len(args)))
	}
	if !w.End.IsZero() {
		args = append(args, w.End.In(p.opts.Location).Format(TimeLayout))
		conds = append(conds, fmt.Sprintf("arrived_datetime_est < $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	q := fmt.Sprintf(`SELECT call_key, caller_npanxx::text, arrived_datetime_est, caller_state_abbrev, caller_time_zone, caller_is_cell_phone FROM %s%s ORDER BY arrived_datetime_est, call_key`,
		p.source, where)
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query active calls: %w", err)
	}
	defer rows.Close()

	var calls []types.InitialCall
	for rows.Next() {
		var (
			c          types.InitialCall
			state, tz  sql.NullString
			cell       sql.NullBool
			arrived    time.Time
			id, prefix string
		)
		if err := rows.Scan(&id, &prefix, &arrived, &state, &tz, &cell); err != nil {
			return nil, fmt.Errorf("failed to scan active call: %w", err)
		}
		c.CallID = types.CallID(id)
		c.ExchangeCode = types.ExchangeCode(prefix)
		c.ArrivedAt = wallClock(arrived, p.opts.Location)
		c.CallerState = state.String
		c.CallerTimeZone = tz.String
		c.CallerIsCellPhone = cell.Bool
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (p *Postgres) Flag(ctx context.Context, f types.FlaggedCall) error {
	p.mu.Lock()
	p.flagSet[f.CallID] = true
	p.flagged = append(p.flagged, f)
	p.mu.Unlock()

	q := fmt.Sprintf(`UPDATE %s SET flagged = 1 WHERE evaluation_id = $1 AND call_key = $2`, p.table)
	if _, err := p.db.ExecContext(ctx, q, p.opts.EvaluationID, string(f.CallID)); err != nil {
		return fmt.Errorf("flag %s: %w", f.CallID, err)
	}
	return nil
}

// Flagged returns the calls flagged through this ledger.
func (p *Postgres) Flagged() []types.FlaggedCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.FlaggedCall, len(p.flagged))
	copy(out, p.flagged)
	return out
}

func (p *Postgres) Records(ctx context.Context) ([]types.AttemptRecord, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE evaluation_id = $1 ORDER BY arrived_datetime_est, call_key, attempt_number`,
		strings.Join(Columns, ", "), p.table)
	rows, err := p.db.QueryContext(ctx, q, p.opts.EvaluationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger rows: %w", err)
	}
	defer rows.Close()

	var out []types.AttemptRecord
	for rows.Next() {
		rec, err := p.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) scanRecord(rows *sql.Rows) (types.AttemptRecord, error) {
	var rec types.AttemptRecord
	a := &rec.Attributes

	var id, prefix, center, term string
	var attempt int
	var callerState, callerTZ, centerState, centerTZ, pod, kind, initPOD sql.NullString
	var arrived, local, dispAt, leftAt, initAt sql.NullTime
	var callerCell, centerDST, nspl, wait sql.NullInt64
	var ll, llBackup, llSpanish, va, ddh, ddhSpanish sql.NullInt64
	var completed, answered, abandoned, flowout, inState, outState sql.NullInt64
	var ring, talk, toAnswer, toLeave, toAbandon sql.NullInt64
	var maxAttempt, flagged sql.NullInt64

	err := rows.Scan(
		&id, &prefix, &arrived, &attempt, &center, &term,
		&callerState, &callerTZ, &callerCell, &centerState, &centerTZ, &centerDST,
		&local, &pod, &nspl,
		&ll, &llBackup, &llSpanish, &va, &ddh, &ddhSpanish,
		&wait, &kind, &completed, &answered, &abandoned, &flowout, &inState, &outState,
		&ring, &talk, &toAnswer, &toLeave, &toAbandon, &dispAt, &leftAt,
		&maxAttempt, &initAt, &initPOD, &flagged,
	)
	if err != nil {
		return rec, fmt.Errorf("failed to scan ledger row: %w", err)
	}

	loc := p.opts.Location
	rec.AttemptKey = types.AttemptKey{CallID: types.CallID(id), Attempt: attempt - 1}
	rec.ExchangeCode = types.ExchangeCode(prefix)
	rec.ArrivedAt = wallClock(arrived.Time, loc)
	rec.Center = types.CenterPair{Center: center, Termination: term}

	a.CallerState = callerState.String
	a.CallerTimeZone = callerTZ.String
	a.CallerIsCellPhone = callerCell.Int64 != 0
	a.CenterState = centerState.String
	a.CenterTimeZone = centerTZ.String
	a.CenterUsesDST = centerDST.Int64 != 0
	if local.Valid {
		centerLoc, err := time.LoadLocation(centerTZ.String)
		if err != nil {
			centerLoc = time.UTC
		}
		a.ArrivedLocal = wallClock(local.Time, centerLoc)
	}
	a.ArrivedPartOfDay = types.PartOfDay(pod.String)
	a.NSPLCentersInState = int(nspl.Int64)
	a.Network = types.NetworkFlags{
		LocalLink:        ll.Int64 != 0,
		LocalLinkBackup:  llBackup.Int64 != 0,
		LocalLinkSpanish: llSpanish.Int64 != 0,
		VeteransAffairs:  va.Int64 != 0,
		DeafHardHearing:  ddh.Int64 != 0,
		DeafHardSpanish:  ddhSpanish.Int64 != 0,
	}
	a.AccumulatedWaitSeconds = wait.Int64

	rec.Disposition.Kind = types.DispositionKind(kind.String)
	rec.Disposition.AnsweredInState = inState.Int64 != 0
	switch rec.Disposition.Kind {
	case types.DispositionAnswered, types.DispositionAbandoned, types.DispositionFlowedOut:
		rec.Disposition.Timing = &types.Timing{
			RingTime:      ring.Int64,
			TalkTime:      talk.Int64,
			TimeToAnswer:  toAnswer.Int64,
			TimeToLeave:   toLeave.Int64,
			TimeToAbandon: toAbandon.Int64,
		}
		if dispAt.Valid {
			rec.Disposition.Timing.DispositionAt = wallClock(dispAt.Time, loc)
		}
		if leftAt.Valid {
			rec.Disposition.Timing.LeftCenterAt = wallClock(leftAt.Time, loc)
		}
	}

	if initAt.Valid {
		rec.Summary = types.CallerSummary{
			MaxAttempt:         int(maxAttempt.Int64) - 1,
			InitiatedAt:        wallClock(initAt.Time, loc),
			InitiatedPartOfDay: types.PartOfDay(initPOD.String),
		}
	}
	rec.Flagged = flagged.Int64 != 0
	return rec, nil
}

// wallClock reinterprets the wall clock of a timestamp-without-zone value
// in loc.
func wallClock(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}
