package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	sharedPersistence "github.com/cvmatch/cvmatch/internal/shared/infrastructure/persistence"
)

// SQLiteLedgerRepository implements LedgerRepository with SQLite for
// local mode. The same single-statement conditional updates apply; the
// serialized writer makes them atomic.
type SQLiteLedgerRepository struct {
	db *sql.DB
}

// NewSQLiteLedgerRepository creates a new repository.
func NewSQLiteLedgerRepository(db *sql.DB) *SQLiteLedgerRepository {
	return &SQLiteLedgerRepository{db: db}
}

// Find returns the snapshot for a user, or nil if none exists.
func (r *SQLiteLedgerRepository) Find(ctx context.Context, userID uuid.UUID) (*domain.EntitlementSnapshot, error) {
	return r.scanOne(ctx, `WHERE user_id = ?`, userID.String())
}

// FindByCustomerID returns the snapshot owning the provider customer id.
func (r *SQLiteLedgerRepository) FindByCustomerID(ctx context.Context, customerID string) (*domain.EntitlementSnapshot, error) {
	return r.scanOne(ctx, `WHERE stripe_customer_id = ?`, customerID)
}

func (r *SQLiteLedgerRepository) scanOne(ctx context.Context, where string, arg any) (*domain.EntitlementSnapshot, error) {
	query := `
		SELECT user_id, is_pro, subscription_tier, subscription_status,
		       stripe_customer_id, stripe_subscription_id,
		       analyses_used_this_period, analyses_allowance, analyses_rollover,
		       credits_remaining, credits_total, period_start, period_end,
		       version, created_at, updated_at
		FROM entitlement_snapshots ` + where

	execer := sharedPersistence.SQLiteExec(ctx, r.db)

	var snap domain.EntitlementSnapshot
	var rawUserID string
	err := execer.QueryRowContext(ctx, query, arg).Scan(
		&rawUserID,
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	snap.UserID, err = uuid.Parse(rawUserID)
	if err != nil {
		return nil, fmt.Errorf("corrupt user_id in ledger row: %w", err)
	}
	return &snap, nil
}

// DebitSubscription debits one unit of subscription allowance.
func (r *SQLiteLedgerRepository) DebitSubscription(ctx context.Context, userID uuid.UUID) (*domain.Consumption, error) {
	query := `
		UPDATE entitlement_snapshots
		SET analyses_used_this_period = analyses_used_this_period + 1,
		    version = version + 1,
		    updated_at = ?
		WHERE user_id = ?
		  AND is_pro = 1
		  AND subscription_status = ?
		  AND (subscription_tier = ?
		       OR analyses_used_this_period < analyses_allowance + analyses_rollover)
		RETURNING analyses_allowance + analyses_rollover - analyses_used_this_period,
		          subscription_tier
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)

	var remaining int
	var tier string
	err := execer.QueryRowContext(ctx, query,
		time.Now().UTC(), userID.String(), string(domain.SubscriptionActive), domain.TierFlowUnlimited,
	).Scan(&remaining, &tier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
func (r *SQLiteLedgerRepository) DebitCredit(ctx context.Context, userID uuid.UUID) (*domain.Consumption, error) {
	query := `
		UPDATE entitlement_snapshots
		SET credits_remaining = credits_remaining - 1,
		    version = version + 1,
		    updated_at = ?
		WHERE user_id = ? AND credits_remaining > 0
		RETURNING credits_remaining
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)

	var remaining int
	err := execer.QueryRowContext(ctx, query, time.Now().UTC(), userID.String()).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
func (r *SQLiteLedgerRepository) GrantCredits(ctx context.Context, userID uuid.UUID, customerID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("credit grant must be positive, got %d", amount)
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO entitlement_snapshots (
			user_id, stripe_customer_id, credits_remaining, credits_total,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			credits_remaining = credits_remaining + excluded.credits_remaining,
			credits_total = credits_total + excluded.credits_total,
			stripe_customer_id = CASE WHEN excluded.stripe_customer_id != ''
			                          THEN excluded.stripe_customer_id
			                          ELSE stripe_customer_id END,
			version = version + 1,
			updated_at = excluded.updated_at
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	_, err := execer.ExecContext(ctx, query, userID.String(), customerID, amount, amount, now, now)
	return err
}

// ActivateSubscription upserts subscription fields and resets period usage.
func (r *SQLiteLedgerRepository) ActivateSubscription(ctx context.Context, userID uuid.UUID, act domain.SubscriptionActivation) error {
	tier, ok := domain.TierByID(act.Tier)
	if !ok {
		return fmt.Errorf("unknown tier %q", act.Tier)
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO entitlement_snapshots (
			user_id, is_pro, subscription_tier, subscription_status,
			stripe_customer_id, stripe_subscription_id,
			analyses_used_this_period, analyses_allowance, analyses_rollover,
			credits_remaining, credits_total, period_start, period_end,
			version, created_at, updated_at
		) VALUES (?, 1, ?, ?, ?, ?, 0, ?, 0, 0, 0, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			is_pro = 1,
			subscription_tier = excluded.subscription_tier,
			subscription_status = excluded.subscription_status,
			stripe_customer_id = CASE WHEN excluded.stripe_customer_id != ''
			                          THEN excluded.stripe_customer_id
			                          ELSE stripe_customer_id END,
			stripe_subscription_id = excluded.stripe_subscription_id,
			analyses_used_this_period = 0,
			analyses_allowance = excluded.analyses_allowance,
			analyses_rollover = 0,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			version = version + 1,
			updated_at = excluded.updated_at
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	_, err := execer.ExecContext(ctx, query,
		userID.String(),
		act.Tier,
		string(act.Status),
		act.StripeCustomerID,
		act.StripeSubscriptionID,
		tier.Allowance,
		act.PeriodStart,
		act.PeriodEnd,
		now,
		now,
	)
	return err
}

// UpdateSubscription refreshes tier, status and period bounds. Usage
// and rollover reset only when the period actually advanced, so
// mid-period provider edits never re-grant allowance.
func (r *SQLiteLedgerRepository) UpdateSubscription(ctx context.Context, userID uuid.UUID, act domain.SubscriptionActivation) error {
	tier, ok := domain.TierByID(act.Tier)
	if !ok {
		return fmt.Errorf("unknown tier %q", act.Tier)
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO entitlement_snapshots (
			user_id, is_pro, subscription_tier, subscription_status,
			stripe_customer_id, stripe_subscription_id,
			analyses_used_this_period, analyses_allowance, analyses_rollover,
			credits_remaining, credits_total, period_start, period_end,
			version, created_at, updated_at
		) VALUES (?, 1, ?, ?, ?, ?, 0, ?, 0, 0, 0, ?, ?, 1, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			is_pro = 1,
			subscription_tier = excluded.subscription_tier,
			subscription_status = excluded.subscription_status,
			stripe_customer_id = CASE WHEN excluded.stripe_customer_id != ''
			                          THEN excluded.stripe_customer_id
			                          ELSE stripe_customer_id END,
			stripe_subscription_id = excluded.stripe_subscription_id,
			analyses_allowance = excluded.analyses_allowance,
			analyses_used_this_period = CASE WHEN period_start IS NULL OR excluded.period_start > period_start
			                                 THEN 0 ELSE analyses_used_this_period END,
			analyses_rollover = CASE WHEN period_start IS NULL OR excluded.period_start > period_start
			                         THEN 0 ELSE analyses_rollover END,
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			version = version + 1,
			updated_at = excluded.updated_at
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	_, err := execer.ExecContext(ctx, query,
		userID.String(),
		act.Tier,
		string(act.Status),
		act.StripeCustomerID,
		act.StripeSubscriptionID,
		tier.Allowance,
		act.PeriodStart,
		act.PeriodEnd,
		now,
		now,
	)
	return err
}

// RenewPeriod rolls unused allowance forward, guarded by the version check.
func (r *SQLiteLedgerRepository) RenewPeriod(ctx context.Context, userID uuid.UUID, renewal domain.PeriodRenewal, version int) error {
	query := `
		UPDATE entitlement_snapshots
		SET analyses_rollover = MIN(?, MAX(analyses_allowance - analyses_used_this_period, 0)),
		    analyses_used_this_period = 0,
		    subscription_status = ?,
		    period_start = ?,
		    period_end = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE user_id = ? AND version = ?
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	res, err := execer.ExecContext(ctx, query,
		renewal.RolloverLimit,
		string(domain.SubscriptionActive),
		renewal.PeriodStart,
		renewal.PeriodEnd,
		time.Now().UTC(),
		userID.String(),
		version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrReconciliationConflict
	}
	return nil
}

// SetSubscriptionStatus updates the provider-reported status.
func (r *SQLiteLedgerRepository) SetSubscriptionStatus(ctx context.Context, subscriptionID string, status domain.SubscriptionStatus) error {
	query := `
		UPDATE entitlement_snapshots
		SET subscription_status = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE stripe_subscription_id = ?
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	_, err := execer.ExecContext(ctx, query, string(status), time.Now().UTC(), subscriptionID)
	return err
}

// CancelSubscription clears the pro flag and tier. Credits are untouched.
func (r *SQLiteLedgerRepository) CancelSubscription(ctx context.Context, subscriptionID string) error {
	query := `
		UPDATE entitlement_snapshots
		SET is_pro = 0,
		    subscription_tier = '',
		    subscription_status = ?,
		    period_start = NULL,
		    period_end = NULL,
		    version = version + 1,
		    updated_at = ?
		WHERE stripe_subscription_id = ?
	`
	execer := sharedPersistence.SQLiteExec(ctx, r.db)
	_, err := execer.ExecContext(ctx, query, string(domain.SubscriptionCanceled), time.Now().UTC(), subscriptionID)
	return err
}
