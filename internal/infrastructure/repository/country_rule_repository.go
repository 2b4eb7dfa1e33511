package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
)

// CountryRuleRepository stores versioned country rules. Rows are superseded,
// never updated in place or deleted.
type CountryRuleRepository struct {
	pool *pgxpool.Pool
}

func NewCountryRuleRepository(pool *pgxpool.Pool) *CountryRuleRepository {
	return &CountryRuleRepository{pool: pool}
}

// Current returns the non-superseded rule for the scope, or nil.
func (r *CountryRuleRepository) Current(ctx context.Context, tenantID *uuid.UUID, iso string) (*compliance.CountryRule, error) {
	const query = `
		SELECT version, rule
		FROM country_rules
		WHERE tenant_id IS NOT DISTINCT FROM $1 AND country_iso = $2 AND superseded_at IS NULL`

	var (
		version int
		raw     []byte
	)
	err := r.pool.QueryRow(ctx, query, tenantID, iso).Scan(&version, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load country rule %s: %w", iso, err)
	}

	var rule compliance.CountryRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("failed to decode country rule %s: %w", iso, err)
	}
	rule.TenantID = tenantID
	rule.CountryISO = iso
	rule.Version = version
	return &rule, nil
}

// Supersede stamps the current row and inserts rule as the next version in
// one transaction.
func (r *CountryRuleRepository) Supersede(ctx context.Context, rule compliance.CountryRule) (compliance.CountryRule, error) {
	payload, err := json.Marshal(rule)
	if err != nil {
		return compliance.CountryRule{}, fmt.Errorf("failed to encode country rule: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return compliance.CountryRule{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var previous int
	err = tx.QueryRow(ctx, `
		UPDATE country_rules SET superseded_at = now()
		WHERE tenant_id IS NOT DISTINCT FROM $1 AND country_iso = $2 AND superseded_at IS NULL
		RETURNING version`, rule.TenantID, rule.CountryISO).Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return compliance.CountryRule{}, fmt.Errorf("failed to supersede country rule: %w", err)
	}

	rule.Version = previous + 1
	_, err = tx.Exec(ctx, `
		INSERT INTO country_rules (tenant_id, country_iso, version, rule)
		VALUES ($1, $2, $3, $4)`, rule.TenantID, rule.CountryISO, rule.Version, payload)
	if err != nil {
		return compliance.CountryRule{}, fmt.Errorf("failed to insert country rule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return compliance.CountryRule{}, fmt.Errorf("failed to commit country rule: %w", err)
	}
	return rule, nil
}

// SeedGlobal writes rules as global rows, skipping countries whose current
// global row already matches. It returns the countries written.
func (r *CountryRuleRepository) SeedGlobal(ctx context.Context, rules []compliance.CountryRule) ([]string, error) {
	var written []string
	for _, rule := range rules {
		rule.TenantID = nil
		current, err := r.Current(ctx, nil, rule.CountryISO)
		if err != nil {
			return written, err
		}
		if current != nil && sameRule(*current, rule) {
			continue
		}
		if _, err := r.Supersede(ctx, rule); err != nil {
			return written, err
		}
		written = append(written, rule.CountryISO)
	}
	return written, nil
}

func sameRule(a, b compliance.CountryRule) bool {
	a.Version, b.Version = 0, 0
	a.TenantID, b.TenantID = nil, nil
	if len(a.Metadata) == 0 && len(b.Metadata) == 0 {
		a.Metadata, b.Metadata = nil, nil
	}
	return reflect.DeepEqual(a, b)
}
