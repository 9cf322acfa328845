package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionActivation carries the fields applied when a subscription
// is created or re-activated through checkout.
type SubscriptionActivation struct {
	StripeCustomerID     string
	StripeSubscriptionID string
	Tier                 string
	Status               SubscriptionStatus
	PeriodStart          time.Time
	PeriodEnd            time.Time
}

// PeriodRenewal carries the fields applied on a successful renewal
// invoice. The rollover written is min(RolloverLimit, unused allowance).
type PeriodRenewal struct {
	RolloverLimit int
	PeriodStart   time.Time
	PeriodEnd     time.Time
}

// LedgerRepository persists entitlement snapshots. Every mutation is a
// single conditional statement against the store; implementations must
// never read-check-write across round trips.
type LedgerRepository interface {
	// Find returns the snapshot for a user, or nil if none exists.
	Find(ctx context.Context, userID uuid.UUID) (*EntitlementSnapshot, error)

	// FindByCustomerID returns the snapshot owning the given provider
	// customer id, or nil if none exists.
	FindByCustomerID(ctx context.Context, customerID string) (*EntitlementSnapshot, error)

	// DebitSubscription debits one unit of subscription allowance if and
	// only if the allowance condition still holds at the store. Returns
	// nil when no row matched (exhausted or no active subscription).
	DebitSubscription(ctx context.Context, userID uuid.UUID) (*Consumption, error)

	// DebitCredit debits one purchased credit if the balance is positive.
	// Returns nil when no row matched.
	DebitCredit(ctx context.Context, userID uuid.UUID) (*Consumption, error)

	// GrantCredits adds purchased credits, creating the snapshot row on
	// first purchase. Additions are commutative, so no version check.
	GrantCredits(ctx context.Context, userID uuid.UUID, customerID string, amount int) error

	// ActivateSubscription upserts subscription fields and resets period
	// usage to zero.
	ActivateSubscription(ctx context.Context, userID uuid.UUID, act SubscriptionActivation) error

	// UpdateSubscription refreshes tier, status and period bounds for an
	// existing subscription. Period usage and rollover are preserved
	// unless the incoming period start is later than the stored one;
	// provider-side edits within a period must not re-grant allowance.
	UpdateSubscription(ctx context.Context, userID uuid.UUID, act SubscriptionActivation) error

	// RenewPeriod rolls unused allowance forward (capped), resets usage
	// and advances period bounds. Guarded by the optimistic version
	// check; returns ErrReconciliationConflict when the version moved.
	RenewPeriod(ctx context.Context, userID uuid.UUID, renewal PeriodRenewal, version int) error

	// SetSubscriptionStatus updates the provider-reported status of the
	// subscription with the given provider id.
	SetSubscriptionStatus(ctx context.Context, subscriptionID string, status SubscriptionStatus) error

	// CancelSubscription clears the pro flag and tier for the
	// subscription with the given provider id. Purchased credits are
	// untouched.
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// ProcessedEventRepository owns the idempotency marker set.
type ProcessedEventRepository interface {
	// InsertProcessing atomically inserts a processing marker. Returns
	// false when the (provider, event_id) pair was already recorded.
	InsertProcessing(ctx context.Context, provider, eventID, eventType string) (bool, error)

	// MarkApplied promotes a processing marker to applied.
	MarkApplied(ctx context.Context, provider, eventID string) error
}

// ConsumptionRepository appends audit rows for successful debits.
type ConsumptionRepository interface {
	Append(ctx context.Context, rec *ConsumptionRecord) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]ConsumptionRecord, error)
}
