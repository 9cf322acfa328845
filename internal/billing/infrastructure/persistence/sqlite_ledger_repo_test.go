package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvmatch/cvmatch/internal/billing/domain"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/database"
	"github.com/cvmatch/cvmatch/internal/shared/infrastructure/migrations"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.NewSQLiteDB(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrations.RunSQLiteMigrations(context.Background(), db))
	return db
}

func activeSubscription(tier string) domain.SubscriptionActivation {
	now := time.Now().UTC()
	return domain.SubscriptionActivation{
		StripeCustomerID:     "cus_test",
		StripeSubscriptionID: "sub_test",
		Tier:                 tier,
		Status:               domain.SubscriptionActive,
		PeriodStart:          now,
		PeriodEnd:            now.AddDate(0, 1, 0),
	}
}

func TestSQLiteLedger_GrantAndDebitCredits(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.GrantCredits(ctx, userID, "cus_123", 2))

	first, err := repo.DebitCredit(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, domain.SourceCredit, first.Source)
	assert.Equal(t, 1, first.Remaining)

	second, err := repo.DebitCredit(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 0, second.Remaining)

	third, err := repo.DebitCredit(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, third, "debit past zero must not match any row")

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 0, snap.CreditsRemaining)
	assert.Equal(t, 2, snap.CreditsTotal)
	assert.Equal(t, "cus_123", snap.StripeCustomerID)
}

func TestSQLiteLedger_GrantCreditsAccumulates(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.GrantCredits(ctx, userID, "cus_123", 5))
	require.NoError(t, repo.GrantCredits(ctx, userID, "", 3))

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 8, snap.CreditsRemaining)
	assert.Equal(t, 8, snap.CreditsTotal)
	assert.Equal(t, "cus_123", snap.StripeCustomerID, "empty customer id must not overwrite")
}

func TestSQLiteLedger_GrantCreditsRejectsNonPositive(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)

	err := repo.GrantCredits(context.Background(), uuid.New(), "cus_123", 0)
	require.Error(t, err)
}

func TestSQLiteLedger_SubscriptionDebitUntilExhausted(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.ActivateSubscription(ctx, userID, activeSubscription(domain.TierFlowStarter)))

	for i := 0; i < 10; i++ {
		c, err := repo.DebitSubscription(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, c, "debit %d should succeed", i+1)
		assert.Equal(t, domain.SourceSubscription, c.Source)
		assert.Equal(t, 9-i, c.Remaining)
	}

	c, err := repo.DebitSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, c, "eleventh debit must find no matching row")

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 10, snap.AnalysesUsedThisPeriod)
	assert.False(t, snap.Overdrawn())
}

func TestSQLiteLedger_SubscriptionDebitRespectsStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	act := activeSubscription(domain.TierFlowStarter)
	act.Status = domain.SubscriptionPastDue
	require.NoError(t, repo.ActivateSubscription(ctx, userID, act))

	c, err := repo.DebitSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, c, "past_due subscription must not debit")
}

func TestSQLiteLedger_UnlimitedTierNeverExhausts(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.ActivateSubscription(ctx, userID, activeSubscription(domain.TierFlowUnlimited)))

	for i := 0; i < 25; i++ {
		c, err := repo.DebitSubscription(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.True(t, c.Unlimited)
	}
}

func TestSQLiteLedger_MidPeriodUpdatePreservesUsage(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	act := activeSubscription(domain.TierFlowStarter)
	require.NoError(t, repo.ActivateSubscription(ctx, userID, act))

	for i := 0; i < 7; i++ {
		c, err := repo.DebitSubscription(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, c)
	}

	// Same period bounds: the provider re-sent the subscription object
	// for a mid-period edit, not a renewal.
	require.NoError(t, repo.UpdateSubscription(ctx, userID, act))

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 7, snap.AnalysesUsedThisPeriod, "mid-period update must not re-grant allowance")
	assert.Equal(t, domain.SubscriptionActive, snap.SubscriptionStatus)
}

func TestSQLiteLedger_UpdateWithAdvancedPeriodResetsUsage(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	act := activeSubscription(domain.TierFlowStarter)
	require.NoError(t, repo.ActivateSubscription(ctx, userID, act))

	for i := 0; i < 7; i++ {
		c, err := repo.DebitSubscription(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, c)
	}

	next := act
	next.PeriodStart = act.PeriodEnd
	next.PeriodEnd = act.PeriodEnd.AddDate(0, 1, 0)
	require.NoError(t, repo.UpdateSubscription(ctx, userID, next))

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.AnalysesUsedThisPeriod)
	require.NotNil(t, snap.PeriodStart)
	assert.True(t, snap.PeriodStart.Equal(next.PeriodStart))
}

func TestSQLiteLedger_UpdateAppliesTierChangeMidPeriod(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	act := activeSubscription(domain.TierFlowStarter)
	require.NoError(t, repo.ActivateSubscription(ctx, userID, act))

	for i := 0; i < 4; i++ {
		c, err := repo.DebitSubscription(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, c)
	}

	upgraded := act
	upgraded.Tier = domain.TierFlowPro
	require.NoError(t, repo.UpdateSubscription(ctx, userID, upgraded))

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFlowPro, snap.SubscriptionTier)
	assert.Equal(t, 50, snap.AnalysesAllowance)
	assert.Equal(t, 4, snap.AnalysesUsedThisPeriod, "upgrade keeps the period's consumption")
}

func TestSQLiteLedger_RenewPeriodCapsRollover(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.ActivateSubscription(ctx, userID, activeSubscription(domain.TierFlowStarter)))

	// Use 3 of 10; unused 7 exceeds the starter cap of 5.
	for i := 0; i < 3; i++ {
		c, err := repo.DebitSubscription(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, c)
	}

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)

	start := time.Now().UTC()
	renewal := domain.PeriodRenewal{
		RolloverLimit: 5,
		PeriodStart:   start,
		PeriodEnd:     start.AddDate(0, 1, 0),
	}
	require.NoError(t, repo.RenewPeriod(ctx, userID, renewal, snap.Version))

	renewed, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 5, renewed.AnalysesRollover)
	assert.Equal(t, 0, renewed.AnalysesUsedThisPeriod)
	assert.Equal(t, 15, renewed.AnalysesAvailable())
}

func TestSQLiteLedger_RenewPeriodRollsUnusedBelowCap(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.ActivateSubscription(ctx, userID, activeSubscription(domain.TierFlowStarter)))

	for i := 0; i < 8; i++ {
		c, err := repo.DebitSubscription(ctx, userID)
		require.NoError(t, err)
		require.NotNil(t, c)
	}

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)

	start := time.Now().UTC()
	require.NoError(t, repo.RenewPeriod(ctx, userID, domain.PeriodRenewal{
		RolloverLimit: 5,
		PeriodStart:   start,
		PeriodEnd:     start.AddDate(0, 1, 0),
	}, snap.Version))

	renewed, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 2, renewed.AnalysesRollover)
}

func TestSQLiteLedger_RenewPeriodVersionConflict(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.ActivateSubscription(ctx, userID, activeSubscription(domain.TierFlowStarter)))

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)

	// Concurrent debit bumps the version between read and renewal.
	c, err := repo.DebitSubscription(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, c)

	start := time.Now().UTC()
	err = repo.RenewPeriod(ctx, userID, domain.PeriodRenewal{
		RolloverLimit: 5,
		PeriodStart:   start,
		PeriodEnd:     start.AddDate(0, 1, 0),
	}, snap.Version)
	require.ErrorIs(t, err, domain.ErrReconciliationConflict)
}

func TestSQLiteLedger_CancelLeavesCredits(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.GrantCredits(ctx, userID, "cus_test", 4))
	require.NoError(t, repo.ActivateSubscription(ctx, userID, activeSubscription(domain.TierFlowPro)))
	require.NoError(t, repo.CancelSubscription(ctx, "sub_test"))

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	assert.False(t, snap.IsPro)
	assert.Empty(t, snap.SubscriptionTier)
	assert.Equal(t, domain.SubscriptionCanceled, snap.SubscriptionStatus)
	assert.Equal(t, 4, snap.CreditsRemaining)
	assert.Nil(t, snap.PeriodStart)

	c, err := repo.DebitSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Nil(t, c)

	cc, err := repo.DebitCredit(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, cc)
	assert.Equal(t, 3, cc.Remaining)
}

func TestSQLiteLedger_SetSubscriptionStatus(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.ActivateSubscription(ctx, userID, activeSubscription(domain.TierFlowPro)))
	require.NoError(t, repo.SetSubscriptionStatus(ctx, "sub_test", domain.SubscriptionPastDue))

	snap, err := repo.Find(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionPastDue, snap.SubscriptionStatus)
	assert.True(t, snap.IsPro, "past_due keeps the subscription record")
}

func TestSQLiteLedger_FindByCustomerID(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteLedgerRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	require.NoError(t, repo.GrantCredits(ctx, userID, "cus_lookup", 1))

	snap, err := repo.FindByCustomerID(ctx, "cus_lookup")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, userID, snap.UserID)

	missing, err := repo.FindByCustomerID(ctx, "cus_nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteEventRepo_DuplicateInsertReturnsFalse(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteEventRepository(db)
	ctx := context.Background()

	claimed, err := repo.InsertProcessing(ctx, domain.ProviderStripe, "evt_1", domain.EventCheckoutCompleted)
	require.NoError(t, err)
	assert.True(t, claimed)

	again, err := repo.InsertProcessing(ctx, domain.ProviderStripe, "evt_1", domain.EventCheckoutCompleted)
	require.NoError(t, err)
	assert.False(t, again, "redelivery must not claim the event")

	require.NoError(t, repo.MarkApplied(ctx, domain.ProviderStripe, "evt_1"))
}

func TestSQLiteConsumptionRepo_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	repo := NewSQLiteConsumptionRepository(db)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		rec := &domain.ConsumptionRecord{
			UserID:           userID,
			Source:           domain.SourceCredit,
			Amount:           1,
			ResultingBalance: 2 - i,
		}
		require.NoError(t, repo.Append(ctx, rec))
		assert.NotZero(t, rec.ID)
	}

	records, err := repo.ListByUser(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 0, records[0].ResultingBalance, "newest first")

	limited, err := repo.ListByUser(ctx, userID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
