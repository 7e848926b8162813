package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/draftsync/go/internal/draft/events"
	"github.com/sqlc-dev/pqtype"
)

// ChangeRow is one captured record change waiting in draft_change_log.
type ChangeRow struct {
	ID          uuid.UUID
	DraftID     uuid.UUID
	Entity      string
	Change      string
	Record      pqtype.NullRawMessage
	OldRecord   pqtype.NullRawMessage
	CommittedAt time.Time
	Attempts    int32
}

// Envelope converts the row into the wire envelope. The row id becomes the
// envelope id, so every republish of the row dedups downstream.
func (r ChangeRow) Envelope() events.Envelope {
	env := events.Envelope{
		ID:          r.ID,
		RoomID:      r.DraftID,
		Entity:      events.EntityKind(r.Entity),
		Change:      events.ChangeKind(r.Change),
		CommittedAt: r.CommittedAt,
	}
	if r.Record.Valid {
		env.Record = r.Record.RawMessage
	}
	if r.OldRecord.Valid {
		env.OldRecord = r.OldRecord.RawMessage
	}
	return env
}

// ChangeStore is what the relay needs from the change log.
type ChangeStore interface {
	FetchChangeByID(ctx context.Context, id uuid.UUID) (ChangeRow, error)
	FetchUnsentChanges(ctx context.Context, limit, maxAttempts int32) ([]ChangeRow, error)
	MarkChangeSent(ctx context.Context, id uuid.UUID) error
	RecordChangeFailure(ctx context.Context, id uuid.UUID, reason string) error
}

// Queries reads and updates draft_change_log.
type Queries struct {
	db *sql.DB
}

func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

const changeColumns = `id, draft_id, entity, change, record, old_record, committed_at, attempts`

func scanChange(row interface{ Scan(...any) error }) (ChangeRow, error) {
	var c ChangeRow
	err := row.Scan(&c.ID, &c.DraftID, &c.Entity, &c.Change, &c.Record, &c.OldRecord, &c.CommittedAt, &c.Attempts)
	return c, err
}

const fetchChangeByID = `SELECT ` + changeColumns + ` FROM draft_change_log WHERE id = $1`

func (q *Queries) FetchChangeByID(ctx context.Context, id uuid.UUID) (ChangeRow, error) {
	return scanChange(q.db.QueryRowContext(ctx, fetchChangeByID, id))
}

const fetchUnsentChanges = `
SELECT ` + changeColumns + `
FROM draft_change_log
WHERE sent_at IS NULL AND attempts < $2
ORDER BY committed_at
LIMIT $1
`

func (q *Queries) FetchUnsentChanges(ctx context.Context, limit, maxAttempts int32) ([]ChangeRow, error) {
	rows, err := q.db.QueryContext(ctx, fetchUnsentChanges, limit, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

const markChangeSent = `UPDATE draft_change_log SET sent_at = now() WHERE id = $1 AND sent_at IS NULL`

func (q *Queries) MarkChangeSent(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, markChangeSent, id)
	return err
}

const recordChangeFailure = `
UPDATE draft_change_log
SET attempts = attempts + 1, last_error = $2
WHERE id = $1
`

func (q *Queries) RecordChangeFailure(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := q.db.ExecContext(ctx, recordChangeFailure, id, reason)
	return err
}

const countBacklog = `
SELECT
	COUNT(*) FILTER (WHERE attempts < $1),
	COUNT(*) FILTER (WHERE attempts >= $1),
	MIN(committed_at) FILTER (WHERE attempts < $1)
FROM draft_change_log
WHERE sent_at IS NULL
`

// Backlog summarizes unsent rows. Dead rows exhausted their attempts and are
// no longer retried.
type Backlog struct {
	Pending      int64
	Dead         int64
	OldestUnsent sql.NullTime
}

func (q *Queries) CountBacklog(ctx context.Context, maxAttempts int32) (Backlog, error) {
	var b Backlog
	if err := q.db.QueryRowContext(ctx, countBacklog, maxAttempts).Scan(&b.Pending, &b.Dead, &b.OldestUnsent); err != nil {
		return Backlog{}, fmt.Errorf("count change backlog: %w", err)
	}
	return b, nil
}
