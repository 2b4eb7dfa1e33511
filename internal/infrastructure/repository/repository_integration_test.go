//go:build integration

package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dispatch-guard/internal/domain/billing"
	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
	"github.com/davidleathers/dispatch-guard/internal/domain/values"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/config"
	"github.com/davidleathers/dispatch-guard/internal/service/budget"
	"github.com/davidleathers/dispatch-guard/internal/service/rules"
	"github.com/davidleathers/dispatch-guard/internal/testutil/containers"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	pg := containers.StartPostgres(t)
	ctx := context.Background()

	db, err := Open(ctx, config.DatabaseConfig{URL: pg.ConnectionString, MaxOpenConns: 20}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, db.ApplySchema(ctx))
	require.NoError(t, db.ApplySchema(ctx), "schema must be re-appliable")
	return db
}

func createTenant(t *testing.T, db *DB, capMinor int64, thresholds ...string) uuid.UUID {
	t.Helper()
	ths, err := billing.ParseThresholds(thresholds)
	require.NoError(t, err)
	id := uuid.New()
	require.NoError(t, NewTenantRepository(db.Pool).Upsert(context.Background(), Tenant{
		ID: id,
		Budget: billing.BudgetPolicy{
			MonthlyCapMinor:   capMinor,
			Currency:          "USD",
			ResetDay:          1,
			HardStop:          true,
			WarningThresholds: ths,
		},
	}))
	return id
}

func TestPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("tenant_settings", func(t *testing.T) {
		repo := NewTenantRepository(db.Pool)
		id := uuid.New()
		qh := &compliance.QuietHours{
			Enabled:  true,
			Weekday:  compliance.MustParseDayWindow("20:00-09:00"),
			Saturday: compliance.Forbidden(),
			Sunday:   compliance.Forbidden(),
			Timezone: "America/New_York",
		}
		require.NoError(t, repo.Upsert(ctx, Tenant{
			ID:       id,
			Budget:   billing.BudgetPolicy{Currency: "USD", ResetDay: 1},
			Settings: compliance.TenantSettings{QuietHours: qh, RequireLegalReview: true},
		}))

		s, err := repo.Settings(ctx, id)
		require.NoError(t, err)
		assert.True(t, s.RequireLegalReview)
		assert.False(t, s.DNCRegistryEnabled)
		require.NotNil(t, s.QuietHours)
		assert.Equal(t, *qh, *s.QuietHours)

		unknown, err := repo.Settings(ctx, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, compliance.TenantSettings{}, unknown)
	})

	t.Run("campaign_quiet_hours", func(t *testing.T) {
		tenant := createTenant(t, db, 0)
		repo := NewCampaignRepository(db.Pool)
		off := false
		campaign := uuid.New()
		require.NoError(t, repo.Upsert(ctx, campaign, tenant, compliance.CampaignQuietHours{Enabled: &off}))

		q, err := repo.QuietHours(ctx, campaign)
		require.NoError(t, err)
		require.NotNil(t, q)
		require.NotNil(t, q.Enabled)
		assert.False(t, *q.Enabled)

		missing, err := repo.QuietHours(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("dnc_list", func(t *testing.T) {
		tenant := createTenant(t, db, 0)
		repo := NewDNCRepository(db.Pool)
		phone := values.MustNewPhoneNumber("+14155550123")

		listed, err := repo.Contains(ctx, tenant, phone)
		require.NoError(t, err)
		assert.False(t, listed)

		require.NoError(t, repo.Add(ctx, tenant, phone, "customer request"))
		require.NoError(t, repo.Add(ctx, tenant, phone, "duplicate is ignored"))

		listed, err = repo.Contains(ctx, tenant, phone)
		require.NoError(t, err)
		assert.True(t, listed)
	})

	t.Run("country_rule_versions", func(t *testing.T) {
		tenant := createTenant(t, db, 0)
		repo := NewCountryRuleRepository(db.Pool)

		current, err := repo.Current(ctx, &tenant, "IT")
		require.NoError(t, err)
		assert.Nil(t, current)

		rule := compliance.CountryRule{
			TenantID:       &tenant,
			CountryISO:     "IT",
			B2BRegime:      compliance.RegimeOptOut,
			B2CRegime:      compliance.RegimeOptIn,
			Timezone:       "Europe/Rome",
			RecordingBasis: compliance.RecordingConsent,
		}
		v1, err := repo.Supersede(ctx, rule)
		require.NoError(t, err)
		assert.Equal(t, 1, v1.Version)

		rule.B2BRegime = compliance.RegimeOptIn
		v2, err := repo.Supersede(ctx, rule)
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version)

		current, err = repo.Current(ctx, &tenant, "IT")
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, 2, current.Version)
		assert.Equal(t, compliance.RegimeOptIn, current.B2BRegime)

		global, err := repo.Current(ctx, nil, "IT")
		require.NoError(t, err)
		assert.Nil(t, global, "a tenant override is not the global row")
	})

	t.Run("seed_global", func(t *testing.T) {
		ds, err := rules.EmbeddedDataset()
		require.NoError(t, err)
		repo := NewCountryRuleRepository(db.Pool)

		written, err := repo.SeedGlobal(ctx, ds.Rules())
		require.NoError(t, err)
		assert.Len(t, written, len(ds.Rules()))

		written, err = repo.SeedGlobal(ctx, ds.Rules())
		require.NoError(t, err)
		assert.Empty(t, written, "unchanged rules are not re-versioned")

		store := rules.NewStore(repo, nil, ds, nil, zaptest.NewLogger(t))
		r, err := store.Resolve(ctx, uuid.New(), "DE")
		require.NoError(t, err)
		assert.Equal(t, compliance.SourceGlobal, r.Source)
	})
}

func TestPostgresLedger(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	db := openTestDB(t)
	ctx := context.Background()
	ledger := NewLedgerRepository(db.SQL)
	guard := budget.NewGuard(ledger, budget.Config{LockTimeout: 5 * time.Second}, nil, zaptest.NewLogger(t), nil)

	t.Run("concurrent_reservations_never_overspend", func(t *testing.T) {
		const n = 10
		tenant := createTenant(t, db, 1000)

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			reserved int
			rejected int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := guard.CheckAndReserve(ctx, budget.ReserveRequest{
					TenantID:      tenant,
					AmountMinor:   101,
					OperationKind: "call",
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				defer mu.Unlock()
				if res.Reserved {
					reserved++
				} else {
					rejected++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 9, reserved)
		assert.Equal(t, 1, rejected)

		usage, err := guard.Usage(ctx, tenant)
		require.NoError(t, err)
		assert.Equal(t, int64(909), usage.MTDMinor)
	})

	t.Run("idempotent_replay", func(t *testing.T) {
		tenant := createTenant(t, db, 10000, "0.5")
		req := budget.ReserveRequest{
			TenantID:       tenant,
			AmountMinor:    6000,
			IdempotencyKey: "call-42",
			OperationKind:  "call",
			Metadata:       map[string]string{"call_id": "42"},
		}

		first, err := guard.CheckAndReserve(ctx, req)
		require.NoError(t, err)
		require.True(t, first.Reserved)
		assert.Equal(t, "0.5", first.ThresholdHit)

		again, err := guard.CheckAndReserve(ctx, req)
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.EntryID, again.EntryID)
		assert.Equal(t, first.MTDAfter, again.MTDAfter)
		assert.Equal(t, first.ThresholdHit, again.ThresholdHit)

		entries, err := ledger.Entries(ctx, tenant, first.Window)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "42", entries[0].Metadata["call_id"])

		req.AmountMinor = 1
		_, err = guard.CheckAndReserve(ctx, req)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeIdempotencyMismatch))
	})

	t.Run("lock_timeout", func(t *testing.T) {
		tenant := createTenant(t, db, 10000)
		impatient := budget.NewGuard(ledger, budget.Config{LockTimeout: 100 * time.Millisecond}, nil, zaptest.NewLogger(t), nil)

		holding := make(chan struct{})
		release := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- ledger.WithTenantLock(ctx, tenant, time.Second, func(budget.LedgerTx) error {
				close(holding)
				<-release
				return nil
			})
		}()
		<-holding

		_, err := impatient.CheckAndReserve(ctx, budget.ReserveRequest{TenantID: tenant, AmountMinor: 1, OperationKind: "call"})
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeLockTimeout))
		assert.True(t, apperrors.IsRetryable(err))

		close(release)
		require.NoError(t, <-done)
	})

	t.Run("credit", func(t *testing.T) {
		tenant := createTenant(t, db, 1000)
		_, err := guard.CheckAndReserve(ctx, budget.ReserveRequest{TenantID: tenant, AmountMinor: 900, OperationKind: "call"})
		require.NoError(t, err)

		_, err = guard.Credit(ctx, budget.CreditRequest{TenantID: tenant, AmountMinor: 500, Reason: "carrier refund"})
		require.NoError(t, err)

		res, err := guard.CheckAndReserve(ctx, budget.ReserveRequest{TenantID: tenant, AmountMinor: 500, OperationKind: "call"})
		require.NoError(t, err)
		assert.True(t, res.Reserved)
		assert.Equal(t, int64(400), res.MTDBefore)

		usage, err := guard.Usage(ctx, tenant)
		require.NoError(t, err)
		assert.True(t, usage.Ratio.Equal(decimal.RequireFromString("0.9")))
	})
}
