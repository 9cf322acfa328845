package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/persistence"
)

// SQLiteRepository implements Repository with SQLite for local mode.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const sqliteInsertMessage = `
	INSERT INTO outbox (
		event_id, aggregate_type, aggregate_id, event_type,
		routing_key, payload, metadata, created_at, next_retry_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	RETURNING id
`

// Save stores a message, joining an ambient transaction when present.
func (r *SQLiteRepository) Save(ctx context.Context, msg *Message) error {
	execer := persistence.SQLiteExec(ctx, r.db)
	return execer.QueryRowContext(ctx, sqliteInsertMessage,
		msg.EventID.String(),
		msg.AggregateType,
		msg.AggregateID.String(),
		msg.EventType,
		msg.RoutingKey,
		[]byte(msg.Payload),
		[]byte(msg.Metadata),
		msg.CreatedAt,
		msg.CreatedAt,
	).Scan(&msg.ID)
}

// SaveBatch stores multiple messages.
func (r *SQLiteRepository) SaveBatch(ctx context.Context, msgs []*Message) error {
	for _, msg := range msgs {
		if err := r.Save(ctx, msg); err != nil {
			return fmt.Errorf("save outbox message %s: %w", msg.EventID, err)
		}
	}
	return nil
}

// GetUnpublished retrieves pending messages due for delivery.
func (r *SQLiteRepository) GetUnpublished(ctx context.Context, limit int) ([]*Message, error) {
	query := `
		SELECT id, event_id, aggregate_type, aggregate_id, event_type,
		       routing_key, payload, metadata, created_at, published_at,
		       next_retry_at, retry_count, last_error, dead_lettered_at,
		       dead_letter_reason
		FROM outbox
		WHERE published_at IS NULL
		  AND dead_lettered_at IS NULL
		  AND next_retry_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`
	execer := persistence.SQLiteExec(ctx, r.db)
	rows, err := execer.QueryContext(ctx, query, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var msg Message
		var rawEventID, rawAggregateID string
		if err := rows.Scan(
			&msg.ID,
			&rawEventID,
			&msg.AggregateType,
			&rawAggregateID,
			&msg.EventType,
			&msg.RoutingKey,
			&msg.Payload,
			&msg.Metadata,
			&msg.CreatedAt,
			&msg.PublishedAt,
			&msg.NextRetryAt,
			&msg.RetryCount,
			&msg.LastError,
			&msg.DeadLetteredAt,
			&msg.DeadLetterReason,
		); err != nil {
			return nil, err
		}
		msg.EventID, err = uuid.Parse(rawEventID)
		if err != nil {
			return nil, fmt.Errorf("corrupt event_id in outbox row %d: %w", msg.ID, err)
		}
		msg.AggregateID, err = uuid.Parse(rawAggregateID)
		if err != nil {
			return nil, fmt.Errorf("corrupt aggregate_id in outbox row %d: %w", msg.ID, err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// MarkPublished marks a message as delivered.
func (r *SQLiteRepository) MarkPublished(ctx context.Context, id int64) error {
	execer := persistence.SQLiteExec(ctx, r.db)
	_, err := execer.ExecContext(ctx,
		`UPDATE outbox SET published_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return err
}

// MarkFailed records a delivery failure and schedules the next attempt.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id int64, errMsg string, nextRetryAt time.Time) error {
	execer := persistence.SQLiteExec(ctx, r.db)
	_, err := execer.ExecContext(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_error = ?, next_retry_at = ?
		WHERE id = ?
	`, errMsg, nextRetryAt, id)
	return err
}

// MarkDead moves a message out of the delivery loop permanently.
func (r *SQLiteRepository) MarkDead(ctx context.Context, id int64, reason string) error {
	execer := persistence.SQLiteExec(ctx, r.db)
	_, err := execer.ExecContext(ctx, `
		UPDATE outbox
		SET dead_lettered_at = ?, dead_letter_reason = ?
		WHERE id = ?
	`, time.Now().UTC(), reason, id)
	return err
}

// DeleteOld removes published messages past the retention window.
func (r *SQLiteRepository) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	execer := persistence.SQLiteExec(ctx, r.db)
	res, err := execer.ExecContext(ctx,
		`DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
