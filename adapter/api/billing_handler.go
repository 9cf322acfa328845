package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	billingApp "github.com/cvmatch/cvmatch/internal/billing/application"
	"github.com/cvmatch/cvmatch/internal/billing/domain"
	stripeInfra "github.com/cvmatch/cvmatch/internal/billing/infrastructure/stripe"
	"github.com/cvmatch/cvmatch/pkg/observability"
)

// Localized prompts surfaced to end users.
const (
	promptUpgrade    = "Seus créditos acabaram. Assine um plano ou compre mais créditos para continuar otimizando seu currículo."
	promptPlanLimit  = "Você atingiu o limite de otimizações do seu plano neste período. Faça upgrade ou compre créditos avulsos."
	messageExhausted = "Você não possui créditos ou assinatura ativa para realizar esta análise."
)

// CheckoutStarter opens provider-hosted checkout sessions.
type CheckoutStarter interface {
	CreateSubscriptionSession(ctx context.Context, userID uuid.UUID, tierID string) (string, error)
	CreateCreditsSession(ctx context.Context, userID uuid.UUID) (string, error)
}

// BillingHandler handles billing API requests.
type BillingHandler struct {
	webhooks *billingApp.WebhookService
	resolver *billingApp.Resolver
	checkout CheckoutStarter
	metrics  observability.Metrics
	logger   *slog.Logger
}

// BillingHandlerConfig holds dependencies for the billing handler.
type BillingHandlerConfig struct {
	Webhooks *billingApp.WebhookService
	Resolver *billingApp.Resolver
	Checkout CheckoutStarter
	Metrics  observability.Metrics
	Logger   *slog.Logger
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(cfg BillingHandlerConfig) *BillingHandler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &BillingHandler{
		webhooks: cfg.Webhooks,
		resolver: cfg.Resolver,
		checkout: cfg.Checkout,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// HandleWebhook handles POST /api/v1/webhooks/stripe.
//
// Signature and timestamp failures get a 400 so the provider retries
// with a fresh signature. Every other outcome is acknowledged with a
// 200 carrying the processing flags; redelivering an event the handler
// could not apply stays legitimate because its marker was rolled back.
func (h *BillingHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, stripeInfra.MaxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.metrics.Counter(observability.MetricWebhookRejected, 1, observability.T("reason", "body"))
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}

	result, err := h.webhooks.Process(ctx, payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		reason := "signature"
		if errors.Is(err, domain.ErrTimestampExpired) {
			reason = "timestamp"
		}
		h.metrics.Counter(observability.MetricWebhookRejected, 1, observability.T("reason", reason))
		h.logger.WarnContext(ctx, "webhook rejected", "reason", reason, "error", err)
		writeError(w, http.StatusBadRequest, "Webhook signature verification failed")
		return
	}

	h.metrics.Counter(observability.MetricWebhookEvents, 1, observability.T("type", result.EventType))
	if result.Idempotent {
		h.metrics.Counter(observability.MetricWebhookIdempotent, 1)
	}
	h.metrics.Timing(observability.MetricWebhookDuration, time.Since(start))

	writeJSON(w, http.StatusOK, webhookResponse{
		Success:    result.Success,
		EventType:  result.EventType,
		EventID:    result.EventID,
		Processed:  result.Processed,
		Idempotent: result.Idempotent,
	})
}

type webhookResponse struct {
	Success    bool   `json:"success"`
	EventType  string `json:"event_type"`
	EventID    string `json:"event_id"`
	Processed  bool   `json:"processed"`
	Idempotent bool   `json:"idempotent"`
}

// GetCredits handles GET /api/v1/users/credits.
func (h *BillingHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := authenticatedUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid bearer token")
		return
	}

	snap, err := h.resolver.Resolve(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to resolve entitlement", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load credits")
		return
	}

	resp := creditsResponse{
		CreditsRemaining: snap.CreditsRemaining,
		Tier:             tierLabel(snap),
		CanOptimize:      snap.CanUseService(),
		IsPro:            snap.IsPro,
		TotalCredits:     snap.CreditsTotal,
	}
	if !resp.CanOptimize {
		resp.UpgradePrompt = upgradePrompt(snap)
	}
	writeJSON(w, http.StatusOK, resp)
}

type creditsResponse struct {
	CreditsRemaining int    `json:"credits_remaining"`
	Tier             string `json:"tier"`
	CanOptimize      bool   `json:"can_optimize"`
	UpgradePrompt    string `json:"upgrade_prompt,omitempty"`
	IsPro            bool   `json:"is_pro"`
	TotalCredits     int    `json:"total_credits"`
}

// GetSubscriptionStatus handles GET /api/v1/subscriptions/status.
func (h *BillingHandler) GetSubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := authenticatedUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid bearer token")
		return
	}

	snap, err := h.resolver.Resolve(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to resolve entitlement", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load subscription status")
		return
	}

	resp := subscriptionStatusResponse{
		HasActiveSubscription: snap.HasActiveSubscription(),
		TierID:                snap.SubscriptionTier,
		AnalysesRemaining:     snap.AnalysesAvailable(),
		CanUseService:         snap.CanUseService(),
	}
	if snap.Unlimited() {
		resp.Unlimited = true
	}
	writeJSON(w, http.StatusOK, resp)
}

type subscriptionStatusResponse struct {
	HasActiveSubscription bool   `json:"has_active_subscription"`
	TierID                string `json:"tier_id"`
	AnalysesRemaining     int    `json:"analyses_remaining"`
	CanUseService         bool   `json:"can_use_service"`
	Unlimited             bool   `json:"unlimited,omitempty"`
}

// CreateCheckoutSession handles POST /api/v1/checkout/session.
func (h *BillingHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID, err := authenticatedUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid bearer token")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var url string
	switch req.Type {
	case "subscription":
		if _, ok := domain.TierByID(req.Tier); !ok {
			writeError(w, http.StatusBadRequest, "Unknown subscription tier")
			return
		}
		url, err = h.checkout.CreateSubscriptionSession(r.Context(), userID, req.Tier)
	case "credits":
		url, err = h.checkout.CreateCreditsSession(r.Context(), userID)
	default:
		writeError(w, http.StatusBadRequest, "Checkout type must be 'subscription' or 'credits'")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			"type", req.Type,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "Failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

type checkoutRequest struct {
	Type string `json:"type"`
	Tier string `json:"tier,omitempty"`
}

func tierLabel(snap *domain.EntitlementSnapshot) string {
	if snap.SubscriptionTier != "" {
		return snap.SubscriptionTier
	}
	return "free"
}

func upgradePrompt(snap *domain.EntitlementSnapshot) string {
	if snap.HasActiveSubscription() {
		return promptPlanLimit
	}
	return promptUpgrade
}
