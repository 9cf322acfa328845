package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConsumptionSource identifies which entitlement pool a debit came from.
type ConsumptionSource string

const (
	SourceSubscription ConsumptionSource = "subscription"
	SourceCredit       ConsumptionSource = "credit"
)

// Consumption is the result of one successful debit.
type Consumption struct {
	UserID    uuid.UUID
	Source    ConsumptionSource
	Remaining int
	Unlimited bool
}

// ConsumptionRecord is the append-only audit row written by every
// successful consumption.
type ConsumptionRecord struct {
	ID               int64
	UserID           uuid.UUID
	Source           ConsumptionSource
	Amount           int
	ResultingBalance int
	CreatedAt        time.Time
}
