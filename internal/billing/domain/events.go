package domain

import (
	"github.com/google/uuid"

	shared "github.com/cvmatch/cvmatch/internal/shared/domain"
)

// Routing keys for billing audit events published through the outbox.
const (
	RoutingKeyEntitlementConsumed = "billing.entitlement.consumed"
	RoutingKeyCreditsGranted      = "billing.credits.granted"
	RoutingKeySubscriptionUpdated = "billing.subscription.updated"
)

const aggregateEntitlement = "entitlement"

// EntitlementConsumedEvent is emitted after every successful debit.
type EntitlementConsumedEvent struct {
	shared.BaseEvent
	UserID    uuid.UUID         `json:"user_id"`
	Source    ConsumptionSource `json:"source"`
	Remaining int               `json:"remaining"`
}

// NewEntitlementConsumedEvent creates the audit event for one debit.
func NewEntitlementConsumedEvent(userID uuid.UUID, source ConsumptionSource, remaining int) *EntitlementConsumedEvent {
	return &EntitlementConsumedEvent{
		BaseEvent: shared.NewBaseEvent(userID, aggregateEntitlement, RoutingKeyEntitlementConsumed),
		UserID:    userID,
		Source:    source,
		Remaining: remaining,
	}
}

// CreditsGrantedEvent is emitted when a credit pack purchase is applied.
type CreditsGrantedEvent struct {
	shared.BaseEvent
	UserID          uuid.UUID `json:"user_id"`
	Amount          int       `json:"amount"`
	ProviderEventID string    `json:"provider_event_id"`
}

// NewCreditsGrantedEvent creates the audit event for a credit grant.
func NewCreditsGrantedEvent(userID uuid.UUID, amount int, providerEventID string) *CreditsGrantedEvent {
	return &CreditsGrantedEvent{
		BaseEvent:       shared.NewBaseEvent(userID, aggregateEntitlement, RoutingKeyCreditsGranted),
		UserID:          userID,
		Amount:          amount,
		ProviderEventID: providerEventID,
	}
}

// SubscriptionUpdatedEvent is emitted when reconciliation changes the
// subscription state of a snapshot.
type SubscriptionUpdatedEvent struct {
	shared.BaseEvent
	UserID uuid.UUID          `json:"user_id"`
	Tier   string             `json:"tier"`
	Status SubscriptionStatus `json:"status"`
}

// NewSubscriptionUpdatedEvent creates the audit event for a subscription
// state change.
func NewSubscriptionUpdatedEvent(userID uuid.UUID, tier string, status SubscriptionStatus) *SubscriptionUpdatedEvent {
	return &SubscriptionUpdatedEvent{
		BaseEvent: shared.NewBaseEvent(userID, aggregateEntitlement, RoutingKeySubscriptionUpdated),
		UserID:    userID,
		Tier:      tier,
		Status:    status,
	}
}
