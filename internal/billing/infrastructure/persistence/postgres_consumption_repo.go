package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	sharedPersistence "github.com/cvmatch/cvmatch/internal/shared/infrastructure/persistence"
)

// PostgresConsumptionRepository implements ConsumptionRepository with
// PostgreSQL. Rows are append-only.
type PostgresConsumptionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresConsumptionRepository creates a new repository.
func NewPostgresConsumptionRepository(pool *pgxpool.Pool) *PostgresConsumptionRepository {
	return &PostgresConsumptionRepository{pool: pool}
}

// Append stores one consumption audit row.
func (r *PostgresConsumptionRepository) Append(ctx context.Context, rec *domain.ConsumptionRecord) error {
	query := `
		INSERT INTO consumption_records (user_id, source, amount, resulting_balance, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	return execer.QueryRow(ctx, query,
		rec.UserID,
		string(rec.Source),
		rec.Amount,
		rec.ResultingBalance,
		rec.CreatedAt,
	).Scan(&rec.ID)
}

// ListByUser returns the most recent consumption rows for a user.
func (r *PostgresConsumptionRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.ConsumptionRecord, error) {
	query := `
		SELECT id, user_id, source, amount, resulting_balance, created_at
		FROM consumption_records
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	rows, err := execer.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.ConsumptionRecord, 0)
	for rows.Next() {
		var rec domain.ConsumptionRecord
		var source string
		if err := rows.Scan(&rec.ID, &rec.UserID, &source, &rec.Amount, &rec.ResultingBalance, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Source = domain.ConsumptionSource(source)
		records = append(records, rec)
	}
	return records, rows.Err()
}
