package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	sharedPersistence "github.com/cvmatch/cvmatch/internal/shared/infrastructure/persistence"
)

// SQLiteConsumptionRepository implements ConsumptionRepository with SQLite.
type SQLiteConsumptionRepository struct {
	db *sql.DB
}

// NewSQLiteConsumptionRepository creates a new repository.
func NewSQLiteConsumptionRepository(db *sql.DB) *SQLiteConsumptionRepository {
	return &SQLiteConsumptionRepository{db: db}
}

// Append records a consumption in the audit trail.
func (r *SQLiteConsumptionRepository) Append(ctx context.Context, record *domain.ConsumptionRecord) error {
	query := `
		INSERT INTO consumption_records (user_id, source, amount, resulting_balance, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	return execer.QueryRowContext(ctx, query,
		record.UserID.String(),
		string(record.Source),
		record.Amount,
		record.ResultingBalance,
		record.CreatedAt,
	).Scan(&record.ID)
}

// ListByUser returns the most recent consumptions for a user.
func (r *SQLiteConsumptionRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.ConsumptionRecord, error) {
	query := `
		SELECT id, user_id, source, amount, resulting_balance, created_at
		FROM consumption_records
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	rows, err := execer.QueryContext(ctx, query, userID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.ConsumptionRecord
	for rows.Next() {
		var rec domain.ConsumptionRecord
		var rawUserID, source string
		if err := rows.Scan(&rec.ID, &rawUserID, &source, &rec.Amount, &rec.ResultingBalance, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.UserID, err = uuid.Parse(rawUserID)
		if err != nil {
			return nil, fmt.Errorf("corrupt user_id in consumption row: %w", err)
		}
		rec.Source = domain.ConsumptionSource(source)
		records = append(records, rec)
	}
	return records, rows.Err()
}
