package persistence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	sharedPersistence "github.com/cvmatch/cvmatch/internal/shared/infrastructure/persistence"
)

// PostgresEventRepository implements ProcessedEventRepository with
// PostgreSQL. The (provider, event_id) uniqueness constraint is what
// makes the idempotency gate atomic.
type PostgresEventRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresEventRepository creates a new repository.
func NewPostgresEventRepository(pool *pgxpool.Pool) *PostgresEventRepository {
	return &PostgresEventRepository{pool: pool}
}

// InsertProcessing atomically inserts a processing marker. Returns false
// when the event id was already recorded.
func (r *PostgresEventRepository) InsertProcessing(ctx context.Context, provider, eventID, eventType string) (bool, error) {
	query := `
		INSERT INTO processed_provider_events (provider, event_id, event_type, status, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query, provider, eventID, eventType, "processing")
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkApplied promotes a processing marker to applied.
func (r *PostgresEventRepository) MarkApplied(ctx context.Context, provider, eventID string) error {
	query := `
		UPDATE processed_provider_events
		SET status = 'applied', applied_at = NOW()
		WHERE provider = $1 AND event_id = $2
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query, provider, eventID)
	return err
}
