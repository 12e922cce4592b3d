package lookup

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"
)

// PostgresSource names the schemas holding the historical lookup tables.
type PostgresSource struct {
	// RoutingSchema holds abandon_prob_by_bucket,
	// center_historical_disposition_stat and center_waiting_times.
	RoutingSchema string
	// SourceSchema holds center_lookup, state_center_data and
	// precomputed_center_features.
	SourceSchema string
}

// LoadPostgres reads the six lookup tables concurrently and builds a Bundle.
func LoadPostgres(ctx context.Context, db *sql.DB, src PostgresSource, opts Options) (*Bundle, error) {
	var raw rawBundle
	routing := pq.QuoteIdentifier(src.RoutingSchema)
	source := pq.QuoteIdentifier(src.SourceSchema)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		q := fmt.Sprintf(`SELECT bucket_start_sec, prob_abandon FROM %s.abandon_prob_by_bucket ORDER BY bucket_start_sec ASC`, routing)
		return queryRows(ctx, db, q, func(rows *sql.Rows) error {
			var r hazardRow
			if err := rows.Scan(&r.BucketStartSec, &r.ProbAbandon); err != nil {
				return err
			}
			raw.Hazard = append(raw.Hazard, r)
			return nil
		})
	})

	g.Go(func() error {
		q := fmt.Sprintf(`SELECT center_key, termination_number::text, answered_avg_time_to_leave, answered_avg_time_to_answer FROM %s.center_historical_disposition_stat`, routing)
		return queryRows(ctx, db, q, func(rows *sql.Rows) error {
			var r statsRow
			if err := rows.Scan(&r.Center, &r.Termination, &r.AvgTimeToLeave, &r.AvgTimeToAnswer); err != nil {
				return err
			}
			raw.Stats = append(raw.Stats, r)
			return nil
		})
	})

	g.Go(func() error {
		q := fmt.Sprintf(`SELECT center_key, termination_number::text, wait_time FROM %s.center_waiting_times`, routing)
		return queryRows(ctx, db, q, func(rows *sql.Rows) error {
			var r waitRow
			if err := rows.Scan(&r.Center, &r.Termination, &r.WaitTime); err != nil {
				return err
			}
			raw.WaitTimes = append(raw.WaitTimes, r)
			return nil
		})
	})

	g.Go(func() error {
		q := fmt.Sprintf(`SELECT center_key, termination_number::text, center_state_abbrev, center_time_zone, center_uses_dst FROM %s.center_lookup`, source)
		return queryRows(ctx, db, q, func(rows *sql.Rows) error {
			var r centerRow
			if err := rows.Scan(&r.Center, &r.Termination, &r.State, &r.TimeZone, &r.UsesDST); err != nil {
				return err
			}
			raw.Centers = append(raw.Centers, r)
			return nil
		})
	})

	g.Go(func() error {
		q := fmt.Sprintf(`SELECT state_abbrev, num_nspl_centers_in_center_state FROM %s.state_center_data`, source)
		return queryRows(ctx, db, q, func(rows *sql.Rows) error {
			var r stateRow
			if err := rows.Scan(&r.State, &r.NSPL); err != nil {
				return err
			}
			raw.States = append(raw.States, r)
			return nil
		})
	})

	g.Go(func() error {
		q := fmt.Sprintf(`SELECT center_key, termination_number::text, feature, value FROM %s.precomputed_center_features`, source)
		byPair := make(map[[2]string]int)
		return queryRows(ctx, db, q, func(rows *sql.Rows) error {
			var center, term, feature string
			var value float64
			if err := rows.Scan(&center, &term, &feature, &value); err != nil {
				return err
			}
			k := [2]string{center, term}
			i, ok := byPair[k]
			if !ok {
				i = len(raw.Precomputed)
				byPair[k] = i
				raw.Precomputed = append(raw.Precomputed, precomputedRow{
					Center: center, Termination: term, Features: make(map[string]float64),
				})
			}
			raw.Precomputed[i].Features[feature] = value
			return nil
		})
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load lookups from postgres: %w", err)
	}
	return raw.build(opts)
}

func queryRows(ctx context.Context, db *sql.DB, query string, scan func(*sql.Rows) error) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
