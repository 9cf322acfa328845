// Package stripe adapts the Stripe API to the billing domain: inbound
// webhook verification and outbound checkout session creation.
package stripe

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
)

// MaxWebhookBodyBytes bounds the webhook request body. Stripe events
// are small; anything larger is hostile.
const MaxWebhookBodyBytes = 1 << 20

// Verifier authenticates inbound webhook payloads against the endpoint
// signing secret. Signature verification is the only authentication on
// the webhook endpoint, so nothing downstream runs before it passes.
type Verifier struct {
	secret string
}

// NewVerifier creates a verifier for the given endpoint secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify checks the signature header against the raw payload and
// returns the typed event envelope. The default 5 minute tolerance
// rejects replayed deliveries with ErrTimestampExpired; any other
// verification failure maps to ErrSignatureInvalid.
func (v *Verifier) Verify(payload []byte, sigHeader string) (*domain.ProviderEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", domain.ErrTimestampExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSignatureInvalid, err)
	}

	return &domain.ProviderEvent{
		Provider:  domain.ProviderStripe,
		EventID:   event.ID,
		EventType: string(event.Type),
		CreatedAt: time.Unix(event.Created, 0).UTC(),
		Payload:   event.Data.Raw,
	}, nil
}
