// Package publish streams a finished trial's attempt records to NATS for the
// external evaluator.
//
// Records go to <prefix>.<evaluation id>.records, one JSON message per row,
// followed by a single completion message on <prefix>.<evaluation id>.done.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/dssg/vibrant-routing-public/pkg/types"
)

const DefaultSubjectPrefix = "routesim.evaluations"

// Publisher sends trial output to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, evaluationID uuid.UUID, records []types.AttemptRecord, flagged []types.FlaggedCall) error
	Close() error
}

// Config holds NATS connection settings.
type Config struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	SubjectPrefix  string        `yaml:"subject_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Done is the completion message of one trial.
type Done struct {
	EvaluationID uuid.UUID           `json:"evaluation_id"`
	Records      int                 `json:"records"`
	Flagged      []types.FlaggedCall `json:"flagged"`
}

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATS publishes over a core NATS connection.
type NATS struct {
	conn   conn
	prefix string
}

// Connect dials cfg.URL.
func Connect(cfg Config) (*NATS, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("routesim"),
		nats.Timeout(timeout),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATS(nc, cfg.SubjectPrefix), nil
}

func newNATS(c conn, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{conn: c, prefix: prefix}
}

// Subject returns the subject for kind ("records" or "done") of a trial.
func (n *NATS) Subject(evaluationID uuid.UUID, kind string) string {
	return n.prefix + "." + evaluationID.String() + "." + kind
}

// Publish sends every record, then the completion message, then flushes.
func (n *NATS) Publish(ctx context.Context, evaluationID uuid.UUID, records []types.AttemptRecord, flagged []types.FlaggedCall) error {
	subject := n.Subject(evaluationID, "records")
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", rec.AttemptKey, err)
		}
		if err := n.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("failed to publish record %s: %w", rec.AttemptKey, err)
		}
	}

	if flagged == nil {
		flagged = []types.FlaggedCall{}
	}
	done, err := json.Marshal(Done{EvaluationID: evaluationID, Records: len(records), Flagged: flagged})
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}
	if err := n.conn.Publish(n.Subject(evaluationID, "done"), done); err != nil {
		return fmt.Errorf("failed to publish completion: %w", err)
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}

	slog.Info("Trial published", "evaluationID", evaluationID, "records", len(records), "subject", subject)
	return nil
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
