package stripe

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
)

// CheckoutConfig holds the price catalog for hosted checkout.
type CheckoutConfig struct {
	SecretKey      string
	SuccessURL     string
	CancelURL      string
	TierPriceIDs   map[string]string
	CreditPriceID  string
	CreditPackSize int
}

// CheckoutClient creates hosted checkout sessions. Session and
// subscription metadata carry user_id, tier and credits so the webhook
// reconciler can route the resulting events without any extra lookups.
type CheckoutClient struct {
	cfg CheckoutConfig
}

// NewCheckoutClient wires the Stripe API key and returns a client.
func NewCheckoutClient(cfg CheckoutConfig) *CheckoutClient {
	stripelib.Key = cfg.SecretKey
	return &CheckoutClient{cfg: cfg}
}

// CreateSubscriptionSession starts checkout for a subscription tier and
// returns the hosted payment page URL.
func (c *CheckoutClient) CreateSubscriptionSession(ctx context.Context, userID uuid.UUID, tierID string) (string, error) {
	if _, ok := domain.TierByID(tierID); !ok {
		return "", fmt.Errorf("unknown tier %q", tierID)
	}
	priceID, ok := c.cfg.TierPriceIDs[tierID]
	if !ok {
		return "", fmt.Errorf("no price configured for tier %q", tierID)
	}

	metadata := map[string]string{
		"user_id": userID.String(),
		"tier":    tierID,
	}

	params := &stripelib.CheckoutSessionParams{
		Mode: stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(priceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SuccessURL: stripelib.String(c.cfg.SuccessURL),
		CancelURL:  stripelib.String(c.cfg.CancelURL),
		Metadata:   metadata,
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create subscription checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreateCreditsSession starts a one-time payment checkout for a credit
// pack and returns the hosted payment page URL.
func (c *CheckoutClient) CreateCreditsSession(ctx context.Context, userID uuid.UUID) (string, error) {
	if c.cfg.CreditPriceID == "" {
		return "", fmt.Errorf("no price configured for credit pack")
	}

	params := &stripelib.CheckoutSessionParams{
		Mode: stripelib.String(string(stripelib.CheckoutSessionModePayment)),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(c.cfg.CreditPriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SuccessURL: stripelib.String(c.cfg.SuccessURL),
		CancelURL:  stripelib.String(c.cfg.CancelURL),
		Metadata: map[string]string{
			"user_id": userID.String(),
			"credits": strconv.Itoa(c.cfg.CreditPackSize),
		},
	}
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return "", fmt.Errorf("create credits checkout session: %w", err)
	}
	return sess.URL, nil
}
