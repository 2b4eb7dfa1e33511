package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dispatch-guard/internal/domain/billing"
	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
)

// Tenant is the administrative view of a tenant row.
type Tenant struct {
	ID       uuid.UUID
	Budget   billing.BudgetPolicy
	Settings compliance.TenantSettings
}

type TenantRepository struct {
	pool *pgxpool.Pool
}

func NewTenantRepository(pool *pgxpool.Pool) *TenantRepository {
	return &TenantRepository{pool: pool}
}

// Upsert creates or replaces a tenant's budget policy and compliance
// settings.
func (r *TenantRepository) Upsert(ctx context.Context, t Tenant) error {
	if err := t.Budget.Validate(); err != nil {
		return err
	}

	var quietHours []byte
	if t.Settings.QuietHours != nil {
		var err error
		if quietHours, err = json.Marshal(t.Settings.QuietHours); err != nil {
			return fmt.Errorf("failed to encode quiet hours: %w", err)
		}
	}

	const query = `
		INSERT INTO tenants (id, monthly_cap_minor, currency, reset_day, hard_stop, warning_thresholds,
			quiet_hours, require_legal_review, dnc_registry_enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
			monthly_cap_minor = EXCLUDED.monthly_cap_minor,
			currency = EXCLUDED.currency,
			reset_day = EXCLUDED.reset_day,
			hard_stop = EXCLUDED.hard_stop,
			warning_thresholds = EXCLUDED.warning_thresholds,
			quiet_hours = EXCLUDED.quiet_hours,
			require_legal_review = EXCLUDED.require_legal_review,
			dnc_registry_enabled = EXCLUDED.dnc_registry_enabled,
			updated_at = now()`

	_, err := r.pool.Exec(ctx, query,
		t.ID,
		t.Budget.MonthlyCapMinor,
		t.Budget.Currency,
		t.Budget.ResetDay,
		t.Budget.HardStop,
		billing.FormatThresholds(t.Budget.WarningThresholds),
		quietHours,
		t.Settings.RequireLegalReview,
		t.Settings.DNCRegistryEnabled,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}

// Settings returns the tenant's compliance settings. Unknown tenants get
// zero settings.
func (r *TenantRepository) Settings(ctx context.Context, tenantID uuid.UUID) (compliance.TenantSettings, error) {
	const query = `
		SELECT quiet_hours, require_legal_review, dnc_registry_enabled
		FROM tenants WHERE id = $1`

	var (
		s          compliance.TenantSettings
		quietHours []byte
	)
	err := r.pool.QueryRow(ctx, query, tenantID).Scan(&quietHours, &s.RequireLegalReview, &s.DNCRegistryEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return compliance.TenantSettings{}, nil
	}
	if err != nil {
		return compliance.TenantSettings{}, fmt.Errorf("failed to load tenant settings: %w", err)
	}

	if len(quietHours) > 0 {
		var qh compliance.QuietHours
		if err := json.Unmarshal(quietHours, &qh); err != nil {
			return compliance.TenantSettings{}, fmt.Errorf("failed to decode tenant quiet hours: %w", err)
		}
		s.QuietHours = &qh
	}
	return s, nil
}
