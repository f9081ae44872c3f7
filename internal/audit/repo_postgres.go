package audit

import (
	"context"
	"database/sql"
	"time"

	"switchboard/pkg/utils"
)

// NOTE: This repository assumes the following table exists:
//
// CREATE TABLE audit_events (
//   id          UUID PRIMARY KEY,
//   type        TEXT NOT NULL,
//   call_id     TEXT NOT NULL DEFAULT '',
//   room_id     TEXT NOT NULL DEFAULT '',
//   operator_id TEXT NOT NULL DEFAULT '',
//   detail      TEXT NOT NULL DEFAULT '',
//   created_at  TIMESTAMPTZ NOT NULL
// );
//
// INSERT-only; retention handled by time partitioning or periodic DELETE
// outside this process.

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const insertEventSQL = `
INSERT INTO audit_events (id, type, call_id, room_id, operator_id, detail, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, insertEventSQL,
		e.ID,
		e.Type,
		e.CallID,
		e.RoomID,
		e.OperatorID,
		e.Detail,
		e.CreatedAt,
	)
	return err
}

// AppendBatch writes related events in one transaction, so a partial
// audit trail for a multi-target change never persists.
func (r *PostgresRepo) AppendBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertEventSQL)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range events {
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.Type, e.CallID, e.RoomID, e.OperatorID, e.Detail, e.CreatedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns the newest events, capped at limit, for the admin
// audit endpoint.
func (r *PostgresRepo) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `
SELECT id, type, call_id, room_id, operator_id, detail, created_at
FROM audit_events
ORDER BY created_at DESC
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var created time.Time
		if err := rows.Scan(&e.ID, &e.Type, &e.CallID, &e.RoomID, &e.OperatorID, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = created
		out = append(out, e)
	}
	return out, rows.Err()
}
