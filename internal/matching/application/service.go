// Package application orchestrates resume optimization: entitlement
// consumption, embedding, scoring and suggestion generation.
package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	billingDomain "github.com/cvmatch/cvmatch/internal/billing/domain"
	"github.com/cvmatch/cvmatch/internal/matching/domain"
)

// EntitlementConsumer debits one analysis unit before any model call.
type EntitlementConsumer interface {
	Consume(ctx context.Context, userID uuid.UUID) (*billingDomain.Consumption, error)
}

// Embedder turns document text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Suggester produces resume improvement suggestions for a job posting.
type Suggester interface {
	Suggest(ctx context.Context, resume domain.Resume, job domain.JobDescription) ([]string, error)
}

// OptimizationResult is returned to the API layer after a successful
// analysis.
type OptimizationResult struct {
	Score       float64
	Suggestions []string
	Source      billingDomain.ConsumptionSource
	Remaining   int
	Unlimited   bool
}

// Service runs the optimization pipeline.
type Service struct {
	consumer  EntitlementConsumer
	embedder  Embedder
	suggester Suggester
	logger    *slog.Logger
}

// NewService creates a new Service.
func NewService(consumer EntitlementConsumer, embedder Embedder, suggester Suggester, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		consumer:  consumer,
		embedder:  embedder,
		suggester: suggester,
		logger:    logger,
	}
}

// Optimize scores a resume against a job posting. The entitlement debit
// is the precondition: nothing is sent to the model backend for a user
// without a unit to spend. Suggestion failures degrade to a score-only
// result; the user already paid for the analysis.
func (s *Service) Optimize(ctx context.Context, userID uuid.UUID, resumeText, jobText string) (*OptimizationResult, error) {
	resume, err := domain.NewResume(resumeText)
	if err != nil {
		return nil, err
	}
	job, err := domain.NewJobDescription(jobText)
	if err != nil {
		return nil, err
	}

	consumption, err := s.consumer.Consume(ctx, userID)
	if err != nil {
		return nil, err
	}

	resumeVec, err := s.embedder.Embed(ctx, resume.Content)
	if err != nil {
		return nil, fmt.Errorf("embed resume: %w", err)
	}
	jobVec, err := s.embedder.Embed(ctx, job.Content)
	if err != nil {
		return nil, fmt.Errorf("embed job description: %w", err)
	}

	similarity, err := domain.CosineSimilarity(resumeVec, jobVec)
	if err != nil {
		return nil, fmt.Errorf("score embeddings: %w", err)
	}

	suggestions, err := s.suggester.Suggest(ctx, resume, job)
	if err != nil {
		s.logger.Warn("suggestion generation failed, returning score only",
			"user_id", userID,
			"error", err,
		)
		suggestions = nil
	}

	return &OptimizationResult{
		Score:       domain.MatchScore(similarity),
		Suggestions: suggestions,
		Source:      consumption.Source,
		Remaining:   consumption.Remaining,
		Unlimited:   consumption.Unlimited,
	}, nil
}
