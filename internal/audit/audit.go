// Package audit records every processed action outcome for operators
// and, when a database is configured, durably in Postgres.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smartops/remediator/internal/action"
)

// Log keeps a bounded in-memory ring of recent outcomes and optionally
// mirrors each record into Postgres. A nil *sql.DB disables the
// database path; the ring always works.
type Log struct {
	mu     sync.Mutex
	ring   []action.Outcome
	max    int
	db     *sql.DB
	logger *zap.Logger
}

// NewLog builds an audit log keeping up to max outcomes in memory.
func NewLog(db *sql.DB, logger *zap.Logger, max int) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	if max <= 0 {
		max = 500
	}
	return &Log{max: max, db: db, logger: logger}
}

// Schema is the DDL for the durable audit table.
const Schema = `
CREATE TABLE IF NOT EXISTS remediation_audit (
    id          BIGSERIAL PRIMARY KEY,
    action_id   TEXT NOT NULL,
    action_type TEXT NOT NULL,
    target_ns   TEXT NOT NULL,
    target_name TEXT NOT NULL,
    status      TEXT NOT NULL,
    reason_code TEXT,
    attempts    INT NOT NULL,
    detail      JSONB,
    finished_at TIMESTAMPTZ NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS remediation_audit_target_idx
    ON remediation_audit (target_ns, target_name, finished_at DESC);
`

// Migrate creates the audit table. A nil database is a no-op.
func (l *Log) Migrate(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx, Schema)
	return err
}

// Record stores an outcome. Database failures are logged and swallowed
// so audit persistence never blocks the remediation path.
func (l *Log) Record(ctx context.Context, out action.Outcome) {
	l.mu.Lock()
	l.ring = append(l.ring, out)
	if len(l.ring) > l.max {
		l.ring = l.ring[len(l.ring)-l.max:]
	}
	l.mu.Unlock()

	if l.db == nil {
		return
	}
	detail, err := json.Marshal(out)
	if err != nil {
		l.logger.Warn("audit marshal failed", zap.Error(err))
		return
	}
	_, err = l.db.ExecContext(ctx, `
        INSERT INTO remediation_audit
            (action_id, action_type, target_ns, target_name, status, reason_code, attempts, detail, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		out.RequestID,
		string(out.Action.Type),
		out.Action.Target.Namespace,
		out.Action.Target.Name,
		string(out.Status),
		out.ReasonCode,
		out.Attempts,
		detail,
		out.FinishedAt,
	)
	if err != nil {
		l.logger.Warn("audit insert failed",
			zap.String("action_id", out.RequestID),
			zap.Error(err))
	}
}

// Recent returns up to limit outcomes, newest first.
func (l *Log) Recent(limit int) []action.Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	out := make([]action.Outcome, 0, limit)
	for i := len(l.ring) - 1; i >= len(l.ring)-limit; i-- {
		out = append(out, l.ring[i])
	}
	return out
}

// LastFor returns the most recent outcome for a target, if any.
func (l *Log) LastFor(namespace, name string) (action.Outcome, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.ring) - 1; i >= 0; i-- {
		o := l.ring[i]
		if o.Action.Target.Namespace == namespace && o.Action.Target.Name == name {
			return o, true
		}
	}
	return action.Outcome{}, false
}

// PruneBefore deletes durable rows older than cutoff. In-memory state
// is untouched; the ring is already bounded.
func (l *Log) PruneBefore(ctx context.Context, cutoff time.Time) error {
	if l.db == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM remediation_audit WHERE finished_at < $1`, cutoff)
	return err
}
