package domain

import "errors"

var (
	// ErrSignatureInvalid is returned when a webhook payload fails
	// signature verification. Rejected before any state change.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrTimestampExpired is returned when the signed timestamp falls
	// outside the verification tolerance window.
	ErrTimestampExpired = errors.New("webhook timestamp outside tolerance")

	// ErrEntitlementExhausted is returned when neither the subscription
	// allowance nor the credit balance can cover one more consumption.
	ErrEntitlementExhausted = errors.New("entitlement exhausted")

	// ErrReconciliationConflict is returned when a concurrent mutation of
	// the same snapshot is detected via the version check.
	ErrReconciliationConflict = errors.New("concurrent snapshot mutation")

	// ErrMalformedPayload marks a provider payload that can never be
	// applied. Acknowledged to the provider so it is not redelivered.
	ErrMalformedPayload = errors.New("malformed provider payload")
)

// Retryable reports whether a reconciliation failure should be handed
// back to the provider's redelivery mechanism. Malformed payloads are
// permanent; everything else is assumed transient infrastructure.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrMalformedPayload)
}
