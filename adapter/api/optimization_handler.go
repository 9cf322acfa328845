package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	billingApp "github.com/cvmatch/cvmatch/internal/billing/application"
	matchingApp "github.com/cvmatch/cvmatch/internal/matching/application"
	matchingDomain "github.com/cvmatch/cvmatch/internal/matching/domain"
	"github.com/cvmatch/cvmatch/pkg/observability"
)

// Optimizer runs the resume optimization pipeline.
type Optimizer interface {
	Optimize(ctx context.Context, userID uuid.UUID, resumeText, jobText string) (*matchingApp.OptimizationResult, error)
}

// OptimizationHandler handles resume optimization requests.
type OptimizationHandler struct {
	optimizer Optimizer
	metrics   observability.Metrics
	logger    *slog.Logger
}

// NewOptimizationHandler creates a new optimization handler.
func NewOptimizationHandler(optimizer Optimizer, metrics observability.Metrics, logger *slog.Logger) *OptimizationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &OptimizationHandler{
		optimizer: optimizer,
		metrics:   metrics,
		logger:    logger,
	}
}

type optimizationRequest struct {
	ResumeText string `json:"resume_text"`
	JobText    string `json:"job_text"`
}

type optimizationResponse struct {
	Score       float64  `json:"score"`
	Suggestions []string `json:"suggestions"`
	Source      string   `json:"source"`
	Remaining   int      `json:"remaining"`
	Unlimited   bool     `json:"unlimited,omitempty"`
}

type exhaustedResponse struct {
	Error            string `json:"error"`
	Message          string `json:"message"`
	CreditsRemaining int    `json:"credits_remaining"`
	UpgradePrompt    string `json:"upgrade_prompt"`
}

// Optimize handles POST /api/v1/optimizations. Consuming one unit of
// entitlement is a precondition; exhaustion surfaces as a 402 with an
// actionable prompt.
func (h *OptimizationHandler) Optimize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userID, err := authenticatedUserID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid bearer token")
		return
	}

	var req optimizationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.optimizer.Optimize(ctx, userID, req.ResumeText, req.JobText)
	if err != nil {
		h.writeOptimizeError(w, ctx, err)
		return
	}

	h.metrics.Counter(observability.MetricOptimizations, 1, observability.T("source", string(result.Source)))
	h.metrics.Timing(observability.MetricOptimizationDuration, time.Since(start))

	writeJSON(w, http.StatusOK, optimizationResponse{
		Score:       result.Score,
		Suggestions: result.Suggestions,
		Source:      string(result.Source),
		Remaining:   result.Remaining,
		Unlimited:   result.Unlimited,
	})
}

func (h *OptimizationHandler) writeOptimizeError(w http.ResponseWriter, ctx context.Context, err error) {
	var exhausted *billingApp.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		h.metrics.Counter(observability.MetricExhaustions, 1)
		prompt := promptUpgrade
		if exhausted.HasSubscription {
			prompt = promptPlanLimit
		}
		writeJSON(w, http.StatusPaymentRequired, exhaustedResponse{
			Error:            "payment_required",
			Message:          messageExhausted,
			CreditsRemaining: exhausted.CreditsRemaining,
			UpgradePrompt:    prompt,
		})
	case errors.Is(err, matchingDomain.ErrEmptyDocument):
		writeError(w, http.StatusBadRequest, "O currículo e a descrição da vaga não podem estar vazios")
	case errors.Is(err, matchingDomain.ErrAnalysisUnavailable):
		h.logger.WarnContext(ctx, "analysis backend unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "O serviço de análise está temporariamente indisponível. Tente novamente em instantes")
	default:
		h.logger.ErrorContext(ctx, "optimization failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Não foi possível concluir a análise")
	}
}
