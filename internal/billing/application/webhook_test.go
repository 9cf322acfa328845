package application

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
)

type fakeVerifier struct {
	event *domain.ProviderEvent
	err   error
}

func (v *fakeVerifier) Verify(payload []byte, sigHeader string) (*domain.ProviderEvent, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.event, nil
}

func newWebhookService(verifier WebhookVerifier, events domain.ProcessedEventRepository, ledger domain.LedgerRepository) *WebhookService {
	gate := NewGate(events, passthroughUOW{}, nil)
	rec := NewReconciler(ledger, &fakeOutbox{}, nil)
	return NewWebhookService(verifier, gate, rec, nil)
}

func TestWebhookService_ProcessesValidEvent(t *testing.T) {
	userID := uuid.New()
	payload := fmt.Sprintf(`{"id":"cs_1","mode":"payment","customer":"cus_1","metadata":{"user_id":%q,"credits":"10"}}`, userID)
	event := stripeEvent(domain.EventCheckoutCompleted, payload)
	ledger := newFakeLedger()

	svc := newWebhookService(&fakeVerifier{event: event}, newFakeEvents(), ledger)

	result, err := svc.Process(context.Background(), []byte(payload), "sig")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Processed)
	assert.False(t, result.Idempotent)
	assert.Equal(t, event.EventID, result.EventID)
	assert.Equal(t, domain.EventCheckoutCompleted, result.EventType)

	snap, err := ledger.Find(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.CreditsRemaining)
}

func TestWebhookService_DuplicateDeliveryIsIdempotent(t *testing.T) {
	userID := uuid.New()
	payload := fmt.Sprintf(`{"id":"cs_2","mode":"payment","customer":"cus_2","metadata":{"user_id":%q,"credits":"10"}}`, userID)
	event := stripeEvent(domain.EventCheckoutCompleted, payload)
	ledger := newFakeLedger()

	svc := newWebhookService(&fakeVerifier{event: event}, newFakeEvents(), ledger)

	_, err := svc.Process(context.Background(), []byte(payload), "sig")
	require.NoError(t, err)

	result, err := svc.Process(context.Background(), []byte(payload), "sig")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.Processed)
	assert.True(t, result.Idempotent)

	snap, err := ledger.Find(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.CreditsRemaining, "credits granted exactly once")
}

func TestWebhookService_SignatureFailurePropagates(t *testing.T) {
	svc := newWebhookService(&fakeVerifier{err: domain.ErrSignatureInvalid}, newFakeEvents(), newFakeLedger())

	result, err := svc.Process(context.Background(), []byte("{}"), "bad")
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)
	assert.Nil(t, result)
}

func TestWebhookService_ApplicationFailureReportedNotReturned(t *testing.T) {
	event := stripeEvent(domain.EventCheckoutCompleted, `{not json`)

	svc := newWebhookService(&fakeVerifier{event: event}, newFakeEvents(), newFakeLedger())

	result, err := svc.Process(context.Background(), []byte("{}"), "sig")
	require.NoError(t, err, "post-verification failures are acknowledged, not retried by the provider")
	assert.False(t, result.Success)
	assert.False(t, result.Processed)
	assert.Equal(t, event.EventID, result.EventID)
}

func TestWebhookService_MarkerInsertFailurePropagatesAsResult(t *testing.T) {
	event := stripeEvent(domain.EventSubscriptionDeleted, `{"id":"sub_x"}`)
	events := newFakeEvents()
	events.insertErr = errors.New("database unavailable")

	svc := newWebhookService(&fakeVerifier{event: event}, events, newFakeLedger())

	result, err := svc.Process(context.Background(), []byte("{}"), "sig")
	require.NoError(t, err)
	assert.False(t, result.Success)
}
