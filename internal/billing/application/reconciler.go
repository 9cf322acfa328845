package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	sharedApplication "github.com/cvmatch/cvmatch/internal/shared/application"
	sharedDomain "github.com/cvmatch/cvmatch/internal/shared/domain"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/outbox"
)

// reconcileAttempts bounds the optimistic-version retry on renewal.
const reconcileAttempts = 3

// Reconciler maps verified provider events to ledger mutations. It runs
// inside the idempotency gate's transaction, so every mutation is
// applied at most once per event id.
type Reconciler struct {
	ledger     domain.LedgerRepository
	outboxRepo outbox.Repository
	logger     *slog.Logger
}

// NewReconciler creates a new Reconciler.
func NewReconciler(ledger domain.LedgerRepository, outboxRepo outbox.Repository, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{ledger: ledger, outboxRepo: outboxRepo, logger: logger}
}

// checkoutSession is the minimal shape of a checkout.session.completed
// payload the ledger cares about.
type checkoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// subscriptionPayload is the minimal shape of a customer.subscription.*
// payload.
type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// invoicePayload is the minimal shape of an invoice.payment_* payload.
type invoicePayload struct {
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	BillingReason string `json:"billing_reason"`
	PeriodStart   int64  `json:"period_start"`
	PeriodEnd     int64  `json:"period_end"`
}

// Apply dispatches one provider event to the matching ledger mutation.
// Unknown event types are acknowledged without mutation.
func (r *Reconciler) Apply(ctx context.Context, event *domain.ProviderEvent) error {
	switch event.EventType {
	case domain.EventCheckoutCompleted:
		return r.applyCheckoutCompleted(ctx, event)
	case domain.EventSubscriptionCreated:
		return r.applySubscriptionCreated(ctx, event)
	case domain.EventSubscriptionUpdated:
		return r.applySubscriptionUpdated(ctx, event)
	case domain.EventInvoicePaymentSucceeded:
		return r.applyInvoicePaid(ctx, event)
	case domain.EventInvoicePaymentFailed:
		return r.applyInvoiceFailed(ctx, event)
	case domain.EventSubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, event)
	default:
		r.logger.Info("ignoring unhandled provider event type",
			"event_type", event.EventType,
			"event_id", event.EventID,
		)
		return nil
	}
}

func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, event *domain.ProviderEvent) error {
	var session checkoutSession
	if err := json.Unmarshal(event.Payload, &session); err != nil {
		return fmt.Errorf("decode checkout.session: %w: %w", err, domain.ErrMalformedPayload)
	}

	userID, err := userIDFromMetadata(session.Metadata)
	if err != nil {
		return err
	}

	if session.Mode == "payment" {
		credits, err := creditsFromMetadata(session.Metadata)
		if err != nil {
			return err
		}
		if err := r.ledger.GrantCredits(ctx, userID, session.Customer, credits); err != nil {
			return fmt.Errorf("grant credits: %w", err)
		}
		return r.publish(ctx, domain.NewCreditsGrantedEvent(userID, credits, event.EventID), userID)
	}

	// Subscription checkout: the tier travels in the session metadata we
	// attach when creating the session.
	tier := session.Metadata["tier"]
	if _, ok := domain.TierByID(tier); !ok {
		return fmt.Errorf("checkout session %s carries unknown tier %q: %w", session.ID, tier, domain.ErrMalformedPayload)
	}

	now := event.CreatedAt
	act := domain.SubscriptionActivation{
		StripeCustomerID:     session.Customer,
		StripeSubscriptionID: session.Subscription,
		Tier:                 tier,
		Status:               domain.SubscriptionActive,
		PeriodStart:          now,
		PeriodEnd:            now.AddDate(0, 1, 0),
	}
	if err := r.ledger.ActivateSubscription(ctx, userID, act); err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}
	return r.publish(ctx, domain.NewSubscriptionUpdatedEvent(userID, tier, domain.SubscriptionActive), userID)
}

func (r *Reconciler) applySubscriptionCreated(ctx context.Context, event *domain.ProviderEvent) error {
	userID, act, err := decodeSubscriptionActivation(event.Payload)
	if err != nil {
		return err
	}
	if err := r.ledger.ActivateSubscription(ctx, userID, act); err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}
	return r.publish(ctx, domain.NewSubscriptionUpdatedEvent(userID, act.Tier, act.Status), userID)
}

// applySubscriptionUpdated refreshes subscription fields without touching
// period usage: Stripe emits customer.subscription.updated for mid-period
// edits (cancel_at_period_end, payment method, metadata), and only the
// renewal invoice resets the counter.
func (r *Reconciler) applySubscriptionUpdated(ctx context.Context, event *domain.ProviderEvent) error {
	userID, act, err := decodeSubscriptionActivation(event.Payload)
	if err != nil {
		return err
	}
	if err := r.ledger.UpdateSubscription(ctx, userID, act); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return r.publish(ctx, domain.NewSubscriptionUpdatedEvent(userID, act.Tier, act.Status), userID)
}

func decodeSubscriptionActivation(payload []byte) (uuid.UUID, domain.SubscriptionActivation, error) {
	var sub subscriptionPayload
	if err := json.Unmarshal(payload, &sub); err != nil {
		return uuid.Nil, domain.SubscriptionActivation{}, fmt.Errorf("decode subscription: %w: %w", err, domain.ErrMalformedPayload)
	}

	userID, err := userIDFromMetadata(sub.Metadata)
	if err != nil {
		return uuid.Nil, domain.SubscriptionActivation{}, err
	}
	tier := sub.Metadata["tier"]
	if _, ok := domain.TierByID(tier); !ok {
		return uuid.Nil, domain.SubscriptionActivation{}, fmt.Errorf("subscription %s carries unknown tier %q: %w", sub.ID, tier, domain.ErrMalformedPayload)
	}

	return userID, domain.SubscriptionActivation{
		StripeCustomerID:     sub.Customer,
		StripeSubscriptionID: sub.ID,
		Tier:                 tier,
		Status:               domain.SubscriptionStatus(sub.Status),
		PeriodStart:          time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:            time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}, nil
}

func (r *Reconciler) applyInvoicePaid(ctx context.Context, event *domain.ProviderEvent) error {
	var invoice invoicePayload
	if err := json.Unmarshal(event.Payload, &invoice); err != nil {
		return fmt.Errorf("decode invoice: %w: %w", err, domain.ErrMalformedPayload)
	}

	// Only renewal cycles roll the allowance forward. The initial
	// invoice arrives right after activation already reset the period.
	if invoice.BillingReason != "subscription_cycle" {
		r.logger.Debug("invoice is not a renewal, no ledger change",
			"billing_reason", invoice.BillingReason,
			"event_id", event.EventID,
		)
		return nil
	}

	renewal := domain.PeriodRenewal{
		PeriodStart: time.Unix(invoice.PeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(invoice.PeriodEnd, 0).UTC(),
	}

	// The rollover cap depends on the tier, so the renewal needs a read
	// followed by a version-checked conditional update. A concurrent
	// consumption moves the version; retry the whole read-update pair.
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		snap, err := r.ledger.FindByCustomerID(ctx, invoice.Customer)
		if err != nil {
			return fmt.Errorf("load snapshot for customer: %w", err)
		}
		if snap == nil {
			return fmt.Errorf("no ledger row for customer %q: %w", invoice.Customer, domain.ErrMalformedPayload)
		}

		tier, _ := domain.TierByID(snap.SubscriptionTier)
		renewal.RolloverLimit = tier.RolloverLimit

		err = r.ledger.RenewPeriod(ctx, snap.UserID, renewal, snap.Version)
		if err == nil {
			return r.publish(ctx, domain.NewSubscriptionUpdatedEvent(snap.UserID, snap.SubscriptionTier, domain.SubscriptionActive), snap.UserID)
		}
		if !errors.Is(err, domain.ErrReconciliationConflict) {
			return fmt.Errorf("renew period: %w", err)
		}

		r.logger.Warn("renewal hit concurrent snapshot mutation, retrying",
			"user_id", snap.UserID,
			"attempt", attempt+1,
		)
	}

	return domain.ErrReconciliationConflict
}

func (r *Reconciler) applyInvoiceFailed(ctx context.Context, event *domain.ProviderEvent) error {
	var invoice invoicePayload
	if err := json.Unmarshal(event.Payload, &invoice); err != nil {
		return fmt.Errorf("decode invoice: %w: %w", err, domain.ErrMalformedPayload)
	}
	if invoice.Subscription == "" {
		return fmt.Errorf("invoice without subscription id: %w", domain.ErrMalformedPayload)
	}

	// Access is not revoked here; the grace-period policy belongs to the
	// caller reading the snapshot, not to the ledger.
	if err := r.ledger.SetSubscriptionStatus(ctx, invoice.Subscription, domain.SubscriptionPastDue); err != nil {
		return fmt.Errorf("mark subscription past_due: %w", err)
	}
	return nil
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, event *domain.ProviderEvent) error {
	var sub subscriptionPayload
	if err := json.Unmarshal(event.Payload, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w: %w", err, domain.ErrMalformedPayload)
	}
	if sub.ID == "" {
		return fmt.Errorf("subscription event without id: %w", domain.ErrMalformedPayload)
	}

	// Purchased credits are an independent pool and survive cancellation.
	if err := r.ledger.CancelSubscription(ctx, sub.ID); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, event sharedDomain.DomainEvent, userID uuid.UUID) error {
	if setter, ok := event.(interface {
		SetMetadata(metadata sharedDomain.EventMetadata)
	}); ok {
		setter.SetMetadata(sharedApplication.NewEventMetadata(userID))
	}
	msg, err := outbox.NewMessage(event)
	if err != nil {
		return fmt.Errorf("build outbox message: %w", err)
	}
	if err := r.outboxRepo.Save(ctx, msg); err != nil {
		return fmt.Errorf("save outbox message: %w", err)
	}
	return nil
}

func userIDFromMetadata(metadata map[string]string) (uuid.UUID, error) {
	raw, ok := metadata["user_id"]
	if !ok || raw == "" {
		return uuid.Nil, fmt.Errorf("metadata missing user_id: %w", domain.ErrMalformedPayload)
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("metadata user_id %q: %w: %w", raw, err, domain.ErrMalformedPayload)
	}
	return userID, nil
}

func creditsFromMetadata(metadata map[string]string) (int, error) {
	raw, ok := metadata["credits"]
	if !ok || raw == "" {
		return 0, fmt.Errorf("metadata missing credits: %w", domain.ErrMalformedPayload)
	}
	credits, err := strconv.Atoi(raw)
	if err != nil || credits <= 0 {
		return 0, fmt.Errorf("metadata credits %q: %w", raw, domain.ErrMalformedPayload)
	}
	return credits, nil
}
