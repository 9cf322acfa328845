// Package application implements the entitlement ledger use cases:
// resolving snapshots, consuming entitlement units, and reconciling
// payment provider events.
package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
)

// Resolver computes the current entitlement snapshot for a user.
// Always a fresh read from the authoritative store: a stale snapshot
// either under-bills or falsely rejects a paying user.
type Resolver struct {
	ledger domain.LedgerRepository
	logger *slog.Logger
}

// NewResolver creates a new Resolver.
func NewResolver(ledger domain.LedgerRepository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{ledger: ledger, logger: logger}
}

// Resolve returns the entitlement snapshot for the user. Users without
// a ledger row get the free-tier zero snapshot.
func (r *Resolver) Resolve(ctx context.Context, userID uuid.UUID) (*domain.EntitlementSnapshot, error) {
	snap, err := r.ledger.Find(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load entitlement snapshot: %w", err)
	}
	if snap == nil {
		return domain.FreeSnapshot(userID), nil
	}

	if snap.Overdrawn() {
		// A reconciled ledger never allows this; it means a debit was
		// missed. Surface it loudly instead of clamping.
		r.logger.Error("entitlement snapshot overdrawn",
			"user_id", snap.UserID,
			"used", snap.AnalysesUsedThisPeriod,
			"allowance", snap.AnalysesAllowance,
			"rollover", snap.AnalysesRollover,
		)
	}

	return snap, nil
}
