package domain

import (
	"encoding/json"
	"time"
)

// ProviderStripe is the only payment provider currently wired.
const ProviderStripe = "stripe"

// Provider event types the reconciler understands. Anything else is
// acknowledged and ignored.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// ProviderEvent is the verified, typed envelope of an inbound webhook
// event. Produced by the webhook verifier, consumed by the reconciler.
type ProviderEvent struct {
	Provider  string
	EventID   string
	EventType string
	CreatedAt time.Time
	Payload   json.RawMessage
}

// ProcessedEventStatus tracks the lifecycle of an idempotency marker.
type ProcessedEventStatus string

const (
	EventProcessing ProcessedEventStatus = "processing"
	EventApplied    ProcessedEventStatus = "applied"
)

// ProcessedEvent is the append-only record answering "have we already
// applied this provider event?". Never updated after application, never
// deleted.
type ProcessedEvent struct {
	Provider  string
	EventID   string
	EventType string
	Status    ProcessedEventStatus
	AppliedAt time.Time
}
