package domain

import (
	"time"

	"github.com/google/uuid"
)

// Known subscription tiers.
const (
	TierFlowStarter   = "flow_starter"
	TierFlowPro       = "flow_pro"
	TierFlowUnlimited = "flow_unlimited"
)

// Tier describes the entitlement parameters of a subscription tier.
type Tier struct {
	ID            string
	Allowance     int
	RolloverLimit int
	Unlimited     bool
}

var tiers = map[string]Tier{
	TierFlowStarter:   {ID: TierFlowStarter, Allowance: 10, RolloverLimit: 5},
	TierFlowPro:       {ID: TierFlowPro, Allowance: 50, RolloverLimit: 25},
	TierFlowUnlimited: {ID: TierFlowUnlimited, Unlimited: true},
}

// TierByID returns the tier definition for the given id.
func TierByID(id string) (Tier, bool) {
	t, ok := tiers[id]
	return t, ok
}

// EntitlementSnapshot is the authoritative per-user entitlement record.
// It is exclusively owned by the billing ledger; no other component
// writes to it.
type EntitlementSnapshot struct {
	UserID                 uuid.UUID
	IsPro                  bool
	SubscriptionTier       string
	SubscriptionStatus     SubscriptionStatus
	StripeCustomerID       string
	StripeSubscriptionID   string
	AnalysesUsedThisPeriod int
	AnalysesAllowance      int
	AnalysesRollover       int
	CreditsRemaining       int
	CreditsTotal           int
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	Version                int
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// FreeSnapshot returns the zero-entitlement snapshot for a user without
// any ledger row.
func FreeSnapshot(userID uuid.UUID) *EntitlementSnapshot {
	return &EntitlementSnapshot{UserID: userID}
}

// Unlimited reports whether the snapshot belongs to an unlimited tier.
func (s *EntitlementSnapshot) Unlimited() bool {
	if !s.IsPro {
		return false
	}
	t, ok := TierByID(s.SubscriptionTier)
	return ok && t.Unlimited
}

// AnalysesAvailable returns how many subscription analyses remain this
// period. Unlimited tiers report zero here; callers check Unlimited first.
func (s *EntitlementSnapshot) AnalysesAvailable() int {
	available := s.AnalysesAllowance + s.AnalysesRollover - s.AnalysesUsedThisPeriod
	if available < 0 {
		return 0
	}
	return available
}

// HasActiveSubscription reports whether a non-free subscription is
// currently usable for consumption.
func (s *EntitlementSnapshot) HasActiveSubscription() bool {
	return s.IsPro && s.SubscriptionStatus == SubscriptionActive
}

// CanUseService reports whether any entitlement source would permit one
// more optimization.
func (s *EntitlementSnapshot) CanUseService() bool {
	if s.Unlimited() {
		return true
	}
	if s.HasActiveSubscription() && s.AnalysesAvailable() > 0 {
		return true
	}
	return s.CreditsRemaining > 0
}

// Overdrawn reports whether period usage exceeds allowance plus rollover.
// A reconciled ledger never permits this; it signals a missed debit and
// must be surfaced, not clamped.
func (s *EntitlementSnapshot) Overdrawn() bool {
	if s.Unlimited() {
		return false
	}
	return s.AnalysesUsedThisPeriod > s.AnalysesAllowance+s.AnalysesRollover
}
