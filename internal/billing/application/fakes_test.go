package application

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/outbox"
)

// fakeLedger mirrors the store's conditional-update semantics in
// memory: every debit checks and mutates under one lock, so concurrent
// callers observe the same at-most-once behavior as the real SQL.
type fakeLedger struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]*domain.EntitlementSnapshot
	findErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[uuid.UUID]*domain.EntitlementSnapshot)}
}

func (f *fakeLedger) put(snap *domain.EntitlementSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[snap.UserID] = snap
}

func (f *fakeLedger) Find(_ context.Context, userID uuid.UUID) (*domain.EntitlementSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	snap, ok := f.rows[userID]
	if !ok {
		return nil, nil
	}
	copied := *snap
	return &copied, nil
}

func (f *fakeLedger) FindByCustomerID(_ context.Context, customerID string) (*domain.EntitlementSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snap := range f.rows {
		if snap.StripeCustomerID == customerID {
			copied := *snap
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) DebitSubscription(_ context.Context, userID uuid.UUID) (*domain.Consumption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.rows[userID]
	if !ok || !snap.IsPro || snap.SubscriptionStatus != domain.SubscriptionActive {
		return nil, nil
	}
	unlimited := snap.SubscriptionTier == domain.TierFlowUnlimited
	if !unlimited && snap.AnalysesUsedThisPeriod >= snap.AnalysesAllowance+snap.AnalysesRollover {
		return nil, nil
	}
	snap.AnalysesUsedThisPeriod++
	snap.Version++
	remaining := snap.AnalysesAllowance + snap.AnalysesRollover - snap.AnalysesUsedThisPeriod
	if remaining < 0 {
		remaining = 0
	}
	return &domain.Consumption{
		UserID:    userID,
		Source:    domain.SourceSubscription,
		Remaining: remaining,
		Unlimited: unlimited,
	}, nil
}

func (f *fakeLedger) DebitCredit(_ context.Context, userID uuid.UUID) (*domain.Consumption, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.rows[userID]
	if !ok || snap.CreditsRemaining <= 0 {
		return nil, nil
	}
	snap.CreditsRemaining--
	snap.Version++
	return &domain.Consumption{
		UserID:    userID,
		Source:    domain.SourceCredit,
		Remaining: snap.CreditsRemaining,
	}, nil
}

func (f *fakeLedger) GrantCredits(_ context.Context, userID uuid.UUID, customerID string, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.rows[userID]
	if !ok {
		snap = &domain.EntitlementSnapshot{UserID: userID, Version: 0}
		f.rows[userID] = snap
	}
	snap.CreditsRemaining += amount
	snap.CreditsTotal += amount
	if customerID != "" {
		snap.StripeCustomerID = customerID
	}
	snap.Version++
	return nil
}

func (f *fakeLedger) ActivateSubscription(_ context.Context, userID uuid.UUID, act domain.SubscriptionActivation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tier, _ := domain.TierByID(act.Tier)
	snap, ok := f.rows[userID]
	if !ok {
		snap = &domain.EntitlementSnapshot{UserID: userID}
		f.rows[userID] = snap
	}
	snap.IsPro = true
	snap.SubscriptionTier = act.Tier
	snap.SubscriptionStatus = act.Status
	if act.StripeCustomerID != "" {
		snap.StripeCustomerID = act.StripeCustomerID
	}
	snap.StripeSubscriptionID = act.StripeSubscriptionID
	snap.AnalysesUsedThisPeriod = 0
	snap.AnalysesAllowance = tier.Allowance
	snap.AnalysesRollover = 0
	start, end := act.PeriodStart, act.PeriodEnd
	snap.PeriodStart = &start
	snap.PeriodEnd = &end
	snap.Version++
	return nil
}

func (f *fakeLedger) UpdateSubscription(_ context.Context, userID uuid.UUID, act domain.SubscriptionActivation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tier, _ := domain.TierByID(act.Tier)
	snap, ok := f.rows[userID]
	if !ok {
		snap = &domain.EntitlementSnapshot{UserID: userID}
		f.rows[userID] = snap
	}
	snap.IsPro = true
	snap.SubscriptionTier = act.Tier
	snap.SubscriptionStatus = act.Status
	if act.StripeCustomerID != "" {
		snap.StripeCustomerID = act.StripeCustomerID
	}
	snap.StripeSubscriptionID = act.StripeSubscriptionID
	snap.AnalysesAllowance = tier.Allowance
	if snap.PeriodStart == nil || act.PeriodStart.After(*snap.PeriodStart) {
		snap.AnalysesUsedThisPeriod = 0
		snap.AnalysesRollover = 0
	}
	start, end := act.PeriodStart, act.PeriodEnd
	snap.PeriodStart = &start
	snap.PeriodEnd = &end
	snap.Version++
	return nil
}

func (f *fakeLedger) RenewPeriod(_ context.Context, userID uuid.UUID, renewal domain.PeriodRenewal, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.rows[userID]
	if !ok || snap.Version != version {
		return domain.ErrReconciliationConflict
	}
	unused := snap.AnalysesAllowance - snap.AnalysesUsedThisPeriod
	if unused < 0 {
		unused = 0
	}
	if unused > renewal.RolloverLimit {
		unused = renewal.RolloverLimit
	}
	snap.AnalysesRollover = unused
	snap.AnalysesUsedThisPeriod = 0
	snap.SubscriptionStatus = domain.SubscriptionActive
	start, end := renewal.PeriodStart, renewal.PeriodEnd
	snap.PeriodStart = &start
	snap.PeriodEnd = &end
	snap.Version++
	return nil
}

func (f *fakeLedger) SetSubscriptionStatus(_ context.Context, subscriptionID string, status domain.SubscriptionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snap := range f.rows {
		if snap.StripeSubscriptionID == subscriptionID {
			snap.SubscriptionStatus = status
			snap.Version++
		}
	}
	return nil
}

func (f *fakeLedger) CancelSubscription(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snap := range f.rows {
		if snap.StripeSubscriptionID == subscriptionID {
			snap.IsPro = false
			snap.SubscriptionTier = ""
			snap.SubscriptionStatus = domain.SubscriptionCanceled
			snap.PeriodStart = nil
			snap.PeriodEnd = nil
			snap.Version++
		}
	}
	return nil
}

type fakeConsumptions struct {
	mu      sync.Mutex
	records []domain.ConsumptionRecord
	err     error
}

func (f *fakeConsumptions) Append(_ context.Context, rec *domain.ConsumptionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeConsumptions) ListByUser(_ context.Context, userID uuid.UUID, limit int) ([]domain.ConsumptionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ConsumptionRecord
	for i := len(f.records) - 1; i >= 0 && len(out) < limit; i-- {
		if f.records[i].UserID == userID {
			out = append(out, f.records[i])
		}
	}
	return out, nil
}

type fakeOutbox struct {
	mu       sync.Mutex
	messages []*outbox.Message
	err      error
}

func (f *fakeOutbox) Save(_ context.Context, msg *outbox.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	msg.ID = int64(len(f.messages) + 1)
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeOutbox) SaveBatch(ctx context.Context, msgs []*outbox.Message) error {
	for _, msg := range msgs {
		if err := f.Save(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeOutbox) GetUnpublished(context.Context, int) ([]*outbox.Message, error) {
	return nil, nil
}
func (f *fakeOutbox) MarkPublished(context.Context, int64) error { return nil }
func (f *fakeOutbox) MarkFailed(context.Context, int64, string, time.Time) error {
	return nil
}
func (f *fakeOutbox) MarkDead(context.Context, int64, string) error { return nil }
func (f *fakeOutbox) DeleteOld(context.Context, int) (int64, error) { return 0, nil }

func (f *fakeOutbox) routingKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, len(f.messages))
	for i, msg := range f.messages {
		keys[i] = msg.RoutingKey
	}
	return keys
}

// passthroughUOW runs transaction bodies directly against the fakes.
type passthroughUOW struct{}

func (passthroughUOW) Begin(ctx context.Context) (context.Context, error) { return ctx, nil }
func (passthroughUOW) Commit(context.Context) error                       { return nil }
func (passthroughUOW) Rollback(context.Context) error                     { return nil }

type fakeEvents struct {
	mu        sync.Mutex
	seen      map[string]bool
	applied   map[string]bool
	insertErr error
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{seen: make(map[string]bool), applied: make(map[string]bool)}
}

func (f *fakeEvents) InsertProcessing(_ context.Context, provider, eventID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return false, f.insertErr
	}
	key := provider + "/" + eventID
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeEvents) MarkApplied(_ context.Context, provider, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[provider+"/"+eventID] = true
	return nil
}
