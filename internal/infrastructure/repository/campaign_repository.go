package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
)

type CampaignRepository struct {
	pool *pgxpool.Pool
}

func NewCampaignRepository(pool *pgxpool.Pool) *CampaignRepository {
	return &CampaignRepository{pool: pool}
}

// Upsert stores a campaign's quiet-hours override.
func (r *CampaignRepository) Upsert(ctx context.Context, campaignID, tenantID uuid.UUID, q compliance.CampaignQuietHours) error {
	hours, err := json.Marshal(q.Hours)
	if err != nil {
		return fmt.Errorf("failed to encode campaign quiet hours: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, quiet_hours_enabled, quiet_hours)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
			quiet_hours = EXCLUDED.quiet_hours`,
		campaignID, tenantID, q.Enabled, hours)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}
	return nil
}

// QuietHours returns the campaign's tri-state override, nil when the
// campaign does not exist.
func (r *CampaignRepository) QuietHours(ctx context.Context, campaignID uuid.UUID) (*compliance.CampaignQuietHours, error) {
	var (
		q     compliance.CampaignQuietHours
		hours []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT quiet_hours_enabled, quiet_hours FROM campaigns WHERE id = $1`, campaignID).
		Scan(&q.Enabled, &hours)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &q.Hours); err != nil {
			return nil, fmt.Errorf("failed to decode campaign quiet hours: %w", err)
		}
	}
	return &q, nil
}
