package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dispatch-guard/internal/domain/values"
)

// DNCRepository is the tenant-maintained do-not-call list.
type DNCRepository struct {
	pool *pgxpool.Pool
}

func NewDNCRepository(pool *pgxpool.Pool) *DNCRepository {
	return &DNCRepository{pool: pool}
}

func (r *DNCRepository) Add(ctx context.Context, tenantID uuid.UUID, phone values.PhoneNumber, reason string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO dnc_numbers (tenant_id, phone_e164, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, phone_e164) DO NOTHING`, tenantID, phone.String(), reason)
	if err != nil {
		return fmt.Errorf("failed to add dnc number: %w", err)
	}
	return nil
}

func (r *DNCRepository) Contains(ctx context.Context, tenantID uuid.UUID, phone values.PhoneNumber) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM dnc_numbers WHERE tenant_id = $1 AND phone_e164 = $2)`,
		tenantID, phone.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check dnc list: %w", err)
	}
	return exists, nil
}
