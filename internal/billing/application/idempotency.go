package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	sharedApplication "github.com/cvmatch/cvmatch/internal/shared/application"
)

// Outcome reports how the gate disposed of one provider event.
type Outcome struct {
	Applied    bool
	Idempotent bool
}

// Gate guarantees at-most-one side-effecting application per provider
// event id. The processing marker insert and the handler run in one
// transaction: a duplicate insert short-circuits without invoking the
// handler, and a handler failure rolls the marker back so the provider's
// redelivery can legitimately retry.
type Gate struct {
	events domain.ProcessedEventRepository
	uow    sharedApplication.UnitOfWork
	logger *slog.Logger
}

// NewGate creates a new idempotency gate.
func NewGate(events domain.ProcessedEventRepository, uow sharedApplication.UnitOfWork, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{events: events, uow: uow, logger: logger}
}

// ApplyOnce applies handler for the given event exactly once. Replays
// return an idempotent outcome without side effects.
func (g *Gate) ApplyOnce(ctx context.Context, event *domain.ProviderEvent, handler func(ctx context.Context) error) (Outcome, error) {
	var outcome Outcome

	err := sharedApplication.WithUnitOfWork(ctx, g.uow, func(txCtx context.Context) error {
		inserted, err := g.events.InsertProcessing(txCtx, event.Provider, event.EventID, event.EventType)
		if err != nil {
			return fmt.Errorf("insert idempotency marker: %w", err)
		}
		if !inserted {
			g.logger.Info("provider event already processed",
				"provider", event.Provider,
				"event_id", event.EventID,
				"event_type", event.EventType,
			)
			outcome = Outcome{Applied: false, Idempotent: true}
			return nil
		}

		if err := handler(txCtx); err != nil {
			return err
		}

		if err := g.events.MarkApplied(txCtx, event.Provider, event.EventID); err != nil {
			return fmt.Errorf("mark event applied: %w", err)
		}

		outcome = Outcome{Applied: true}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	return outcome, nil
}
