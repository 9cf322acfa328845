package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	sharedPersistence "github.com/cvmatch/cvmatch/internal/shared/infrastructure/persistence"
)

// SQLiteEventRepository implements ProcessedEventRepository with SQLite.
type SQLiteEventRepository struct {
	db *sql.DB
}

// NewSQLiteEventRepository creates a new repository.
func NewSQLiteEventRepository(db *sql.DB) *SQLiteEventRepository {
	return &SQLiteEventRepository{db: db}
}

// InsertProcessing claims the event id. Returns false when another
// delivery already claimed it.
func (r *SQLiteEventRepository) InsertProcessing(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	query := `
		INSERT INTO processed_provider_events (provider, event_id, event_type, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	res, err := execer.ExecContext(ctx, query,
		provider, eventID, eventType, string(domain.EventProcessing), time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkApplied records that the event's effects were committed.
func (r *SQLiteEventRepository) MarkApplied(ctx context.Context, provider, eventID string) error {
	query := `
		UPDATE processed_provider_events
		SET status = ?, applied_at = ?
		WHERE provider = ? AND event_id = ?
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	_, err := execer.ExecContext(ctx, query,
		string(domain.EventApplied), time.Now().UTC(), provider, eventID,
	)
	return err
}
