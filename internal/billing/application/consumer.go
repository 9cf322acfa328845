package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	sharedApplication "github.com/cvmatch/cvmatch/internal/shared/application"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/outbox"
)

// Consumer debits exactly one entitlement unit per call. The actual
// check-and-decrement happens as a single conditional statement inside
// the repository; zero rows affected is authoritative proof that the
// source is exhausted. Subscription allowance is always consulted before
// the credit balance.
type Consumer struct {
	ledger       domain.LedgerRepository
	consumptions domain.ConsumptionRepository
	outboxRepo   outbox.Repository
	uow          sharedApplication.UnitOfWork
	logger       *slog.Logger
}

// NewConsumer creates a new Consumer.
func NewConsumer(
	ledger domain.LedgerRepository,
	consumptions domain.ConsumptionRepository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	logger *slog.Logger,
) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		ledger:       ledger,
		consumptions: consumptions,
		outboxRepo:   outboxRepo,
		uow:          uow,
		logger:       logger,
	}
}

// Consume debits one unit from the subscription allowance, falling back
// to purchased credits. Returns ErrEntitlementExhausted when neither
// source has a unit left.
func (c *Consumer) Consume(ctx context.Context, userID uuid.UUID) (*domain.Consumption, error) {
	var consumption *domain.Consumption

	err := sharedApplication.WithUnitOfWork(ctx, c.uow, func(txCtx context.Context) error {
		debit, err := c.ledger.DebitSubscription(txCtx, userID)
		if err != nil {
			return fmt.Errorf("debit subscription allowance: %w", err)
		}
		if debit == nil {
			debit, err = c.ledger.DebitCredit(txCtx, userID)
			if err != nil {
				return fmt.Errorf("debit credit balance: %w", err)
			}
		}
		if debit == nil {
			// Both conditional updates matched zero rows. Re-read the
			// snapshot only to build a precise error for the caller.
			return c.exhaustedError(txCtx, userID)
		}

		if err := c.consumptions.Append(txCtx, &domain.ConsumptionRecord{
			UserID:           userID,
			Source:           debit.Source,
			Amount:           1,
			ResultingBalance: debit.Remaining,
			CreatedAt:        time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("append consumption record: %w", err)
		}

		event := domain.NewEntitlementConsumedEvent(userID, debit.Source, debit.Remaining)
		event.SetMetadata(sharedApplication.NewEventMetadata(userID))
		msg, err := outbox.NewMessage(event)
		if err != nil {
			return fmt.Errorf("build outbox message: %w", err)
		}
		if err := c.outboxRepo.Save(txCtx, msg); err != nil {
			return fmt.Errorf("save outbox message: %w", err)
		}

		consumption = debit
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("entitlement consumed",
		"user_id", userID,
		"source", consumption.Source,
		"remaining", consumption.Remaining,
	)

	return consumption, nil
}

func (c *Consumer) exhaustedError(ctx context.Context, userID uuid.UUID) error {
	snap, err := c.ledger.Find(ctx, userID)
	if err != nil {
		return fmt.Errorf("reload snapshot after exhausted debit: %w", err)
	}
	if snap == nil {
		snap = domain.FreeSnapshot(userID)
	}
	return &ExhaustedError{
		CreditsRemaining: snap.CreditsRemaining,
		HasSubscription:  snap.IsPro,
		Tier:             snap.SubscriptionTier,
	}
}

// ExhaustedError carries the snapshot details needed to build an
// actionable upgrade prompt for the caller. Unwraps to
// domain.ErrEntitlementExhausted.
type ExhaustedError struct {
	CreditsRemaining int
	HasSubscription  bool
	Tier             string
}

func (e *ExhaustedError) Error() string {
	return domain.ErrEntitlementExhausted.Error()
}

func (e *ExhaustedError) Unwrap() error {
	return domain.ErrEntitlementExhausted
}
