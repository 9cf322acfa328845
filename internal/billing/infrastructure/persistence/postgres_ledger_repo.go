// Package persistence provides PostgreSQL and SQLite implementations of
// the billing repositories.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	sharedPersistence "github.com/cvmatch/cvmatch/internal/shared/infrastructure/persistence"
)

// PostgresLedgerRepository implements LedgerRepository with PostgreSQL.
// Every mutation is one conditional statement; the row's atomicity is
// the only concurrency primitive relied on.
type PostgresLedgerRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresLedgerRepository creates a new repository.
func NewPostgresLedgerRepository(pool *pgxpool.Pool) *PostgresLedgerRepository {
	return &PostgresLedgerRepository{pool: pool}
}

const snapshotColumns = `
	user_id, is_pro, subscription_tier, subscription_status,
	stripe_customer_id, stripe_subscription_id,
	analyses_used_this_period, analyses_allowance, analyses_rollover,
	credits_remaining, credits_total, period_start, period_end,
	version, created_at, updated_at
`

// Find returns the snapshot for a user, or nil if none exists.
func (r *PostgresLedgerRepository) Find(ctx context.Context, userID uuid.UUID) (*domain.EntitlementSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM entitlement_snapshots WHERE user_id = $1`
	return r.scanOne(ctx, query, userID)
}

// FindByCustomerID returns the snapshot owning the provider customer id.
func (r *PostgresLedgerRepository) FindByCustomerID(ctx context.Context, customerID string) (*domain.EntitlementSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM entitlement_snapshots WHERE stripe_customer_id = $1`
	return r.scanOne(ctx, query, customerID)
}

func (r *PostgresLedgerRepository) scanOne(ctx context.Context, query string, arg any) (*domain.EntitlementSnapshot, error) {
	execer := sharedPersistence.Executor(ctx, r.pool)

	var snap domain.EntitlementSnapshot
	err := execer.QueryRow(ctx, query, arg).Scan(
		&snap.UserID,
		&snap.IsPro,
		&snap.SubscriptionTier,
		&snap.SubscriptionStatus,
		&snap.StripeCustomerID,
		&snap.StripeSubscriptionID,
		&snap.AnalysesUsedThisPeriod,
		&snap.AnalysesAllowance,
		&snap.AnalysesRollover,
		&snap.CreditsRemaining,
		&snap.CreditsTotal,
		&snap.PeriodStart,
		&snap.PeriodEnd,
		&snap.Version,
		&snap.CreatedAt,
		&snap.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// DebitSubscription debits one unit of subscription allowance. The
// allowance check and the increment are a single statement; zero rows
// affected means exhaustion (or no usable subscription) and returns nil.
func (r *PostgresLedgerRepository) DebitSubscription(ctx context.Context, userID uuid.UUID) (*domain.Consumption, error) {
	query := `
		UPDATE entitlement_snapshots
		SET analyses_used_this_period = analyses_used_this_period + 1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE user_id = $1
		  AND is_pro
		  AND subscription_status = $2
		  AND (subscription_tier = $3
		       OR analyses_used_this_period < analyses_allowance + analyses_rollover)
		RETURNING analyses_allowance + analyses_rollover - analyses_used_this_period,
		          subscription_tier
	`
	execer := sharedPersistence.Executor(ctx, r.pool)

	var remaining int
	var tier string
	err := execer.QueryRow(ctx, query, userID, string(domain.SubscriptionActive), domain.TierFlowUnlimited).
		Scan(&remaining, &tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if remaining < 0 {
		remaining = 0
	}
	return &domain.Consumption{
		UserID:    userID,
		Source:    domain.SourceSubscription,
		Remaining: remaining,
		Unlimited: tier == domain.TierFlowUnlimited,
	}, nil
}

// DebitCredit debits one purchased credit when the balance is positive.
func (r *PostgresLedgerRepository) DebitCredit(ctx context.Context, userID uuid.UUID) (*domain.Consumption, error) {
	query := `
		UPDATE entitlement_snapshots
		SET credits_remaining = credits_remaining - 1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE user_id = $1 AND credits_remaining > 0
		RETURNING credits_remaining
	`
	execer := sharedPersistence.Executor(ctx, r.pool)

	var remaining int
	err := execer.QueryRow(ctx, query, userID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &domain.Consumption{
		UserID:    userID,
		Source:    domain.SourceCredit,
		Remaining: remaining,
	}, nil
}

// GrantCredits adds purchased credits, creating the row on first purchase.
func (r *PostgresLedgerRepository) GrantCredits(ctx context.Context, userID uuid.UUID, customerID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("credit grant must be positive, got %d", amount)
	}
	query := `
		INSERT INTO entitlement_snapshots (
			user_id, stripe_customer_id, credits_remaining, credits_total,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $3, 1, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			credits_remaining = entitlement_snapshots.credits_remaining + EXCLUDED.credits_remaining,
			credits_total = entitlement_snapshots.credits_total + EXCLUDED.credits_total,
			stripe_customer_id = COALESCE(NULLIF(EXCLUDED.stripe_customer_id, ''), entitlement_snapshots.stripe_customer_id),
			version = entitlement_snapshots.version + 1,
			updated_at = NOW()
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query, userID, customerID, amount)
	return err
}

// ActivateSubscription upserts subscription fields and resets period usage.
func (r *PostgresLedgerRepository) ActivateSubscription(ctx context.Context, userID uuid.UUID, act domain.SubscriptionActivation) error {
	tier, ok := domain.TierByID(act.Tier)
	if !ok {
		return fmt.Errorf("unknown tier %q", act.Tier)
	}
	query := `
		INSERT INTO entitlement_snapshots (
			user_id, is_pro, subscription_tier, subscription_status,
			stripe_customer_id, stripe_subscription_id,
			analyses_used_this_period, analyses_allowance, analyses_rollover,
			credits_remaining, credits_total, period_start, period_end,
			version, created_at, updated_at
		) VALUES ($1, TRUE, $2, $3, $4, $5, 0, $6, 0, 0, 0, $7, $8, 1, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			is_pro = TRUE,
			subscription_tier = EXCLUDED.subscription_tier,
			subscription_status = EXCLUDED.subscription_status,
			stripe_customer_id = COALESCE(NULLIF(EXCLUDED.stripe_customer_id, ''), entitlement_snapshots.stripe_customer_id),
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			analyses_used_this_period = 0,
			analyses_allowance = EXCLUDED.analyses_allowance,
			analyses_rollover = 0,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			version = entitlement_snapshots.version + 1,
			updated_at = NOW()
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query,
		userID,
		act.Tier,
		string(act.Status),
		act.StripeCustomerID,
		act.StripeSubscriptionID,
		tier.Allowance,
		act.PeriodStart,
		act.PeriodEnd,
	)
	return err
}

// UpdateSubscription refreshes tier, status and period bounds. Usage
// and rollover reset only when the period actually advanced, so
// mid-period provider edits never re-grant allowance.
func (r *PostgresLedgerRepository) UpdateSubscription(ctx context.Context, userID uuid.UUID, act domain.SubscriptionActivation) error {
	tier, ok := domain.TierByID(act.Tier)
	if !ok {
		return fmt.Errorf("unknown tier %q", act.Tier)
	}
	query := `
		INSERT INTO entitlement_snapshots (
			user_id, is_pro, subscription_tier, subscription_status,
			stripe_customer_id, stripe_subscription_id,
			analyses_used_this_period, analyses_allowance, analyses_rollover,
			credits_remaining, credits_total, period_start, period_end,
			version, created_at, updated_at
		) VALUES ($1, TRUE, $2, $3, $4, $5, 0, $6, 0, 0, 0, $7, $8, 1, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			is_pro = TRUE,
			subscription_tier = EXCLUDED.subscription_tier,
			subscription_status = EXCLUDED.subscription_status,
			stripe_customer_id = COALESCE(NULLIF(EXCLUDED.stripe_customer_id, ''), entitlement_snapshots.stripe_customer_id),
			stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			analyses_allowance = EXCLUDED.analyses_allowance,
			analyses_used_this_period = CASE WHEN entitlement_snapshots.period_start IS NULL
			                                   OR EXCLUDED.period_start > entitlement_snapshots.period_start
			                                 THEN 0 ELSE entitlement_snapshots.analyses_used_this_period END,
			analyses_rollover = CASE WHEN entitlement_snapshots.period_start IS NULL
			                           OR EXCLUDED.period_start > entitlement_snapshots.period_start
			                         THEN 0 ELSE entitlement_snapshots.analyses_rollover END,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			version = entitlement_snapshots.version + 1,
			updated_at = NOW()
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query,
		userID,
		act.Tier,
		string(act.Status),
		act.StripeCustomerID,
		act.StripeSubscriptionID,
		tier.Allowance,
		act.PeriodStart,
		act.PeriodEnd,
	)
	return err
}

// RenewPeriod rolls unused allowance forward (capped), resets usage and
// advances the period bounds. Guarded by the optimistic version check.
func (r *PostgresLedgerRepository) RenewPeriod(ctx context.Context, userID uuid.UUID, renewal domain.PeriodRenewal, version int) error {
	query := `
		UPDATE entitlement_snapshots
		SET analyses_rollover = LEAST($2, GREATEST(analyses_allowance - analyses_used_this_period, 0)),
		    analyses_used_this_period = 0,
		    subscription_status = $3,
		    period_start = $4,
		    period_end = $5,
		    version = version + 1,
		    updated_at = NOW()
		WHERE user_id = $1 AND version = $6
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query,
		userID,
		renewal.RolloverLimit,
		string(domain.SubscriptionActive),
		renewal.PeriodStart,
		renewal.PeriodEnd,
		version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReconciliationConflict
	}
	return nil
}

// SetSubscriptionStatus updates the provider-reported status.
func (r *PostgresLedgerRepository) SetSubscriptionStatus(ctx context.Context, subscriptionID string, status domain.SubscriptionStatus) error {
	query := `
		UPDATE entitlement_snapshots
		SET subscription_status = $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query, subscriptionID, string(status))
	return err
}

// CancelSubscription clears the pro flag and tier. Credits are untouched.
func (r *PostgresLedgerRepository) CancelSubscription(ctx context.Context, subscriptionID string) error {
	query := `
		UPDATE entitlement_snapshots
		SET is_pro = FALSE,
		    subscription_tier = '',
		    subscription_status = $2,
		    period_start = NULL,
		    period_end = NULL,
		    version = version + 1,
		    updated_at = NOW()
		WHERE stripe_subscription_id = $1
	`
	execer := sharedPersistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query, subscriptionID, string(domain.SubscriptionCanceled))
	return err
}
