package application

import (
	"context"
	"log/slog"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
)

// WebhookVerifier authenticates a raw webhook delivery.
type WebhookVerifier interface {
	Verify(payload []byte, sigHeader string) (*domain.ProviderEvent, error)
}

// WebhookResult is reported back to the provider for every delivery
// that passed signature verification.
type WebhookResult struct {
	EventID    string
	EventType  string
	Success    bool
	Processed  bool
	Idempotent bool
}

// WebhookService processes one webhook delivery end to end: signature
// verification, the idempotency gate, and reconciliation.
type WebhookService struct {
	verifier   WebhookVerifier
	gate       *Gate
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(verifier WebhookVerifier, gate *Gate, reconciler *Reconciler, logger *slog.Logger) *WebhookService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookService{
		verifier:   verifier,
		gate:       gate,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Process handles one delivery. Signature and timestamp failures are
// returned as errors; everything after verification is reported in the
// result so the provider sees a 200 and does not retry forever. A
// failed application rolls its marker back, keeping a manual or
// provider-side redelivery legitimate.
func (s *WebhookService) Process(ctx context.Context, payload []byte, sigHeader string) (*WebhookResult, error) {
	event, err := s.verifier.Verify(payload, sigHeader)
	if err != nil {
		return nil, err
	}

	result := &WebhookResult{
		EventID:   event.EventID,
		EventType: event.EventType,
	}

	outcome, err := s.gate.ApplyOnce(ctx, event, func(txCtx context.Context) error {
		return s.reconciler.Apply(txCtx, event)
	})
	if err != nil {
		s.logger.Error("webhook event application failed",
			"event_id", event.EventID,
			"event_type", event.EventType,
			"retryable", domain.Retryable(err),
			"error", err,
		)
		return result, nil
	}

	result.Success = true
	result.Processed = outcome.Applied
	result.Idempotent = outcome.Idempotent
	return result, nil
}
