package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/davidleathers/dispatch-guard/internal/domain/billing"
	"github.com/davidleathers/dispatch-guard/internal/service/budget"
)

const (
	policyColumns = `monthly_cap_minor, currency, reset_day, hard_stop, warning_thresholds`

	entryColumns = `id, tenant_id, amount_minor, currency, provider, kind, metadata,
		idempotency_key, mtd_before, mtd_after, cap_minor, reset_day, threshold_hit, soft_exceeded, created_at`
)

var _ budget.LedgerStore = (*LedgerRepository)(nil)

// LedgerRepository is the PostgreSQL budget ledger. The tenant row lock
// taken with SELECT ... FOR UPDATE serializes every spend check for that
// tenant; lock_timeout bounds the wait.
type LedgerRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db, now: time.Now}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// lockTimeoutMillis rounds up to whole milliseconds; a lock_timeout of 0
// means no limit at all.
func lockTimeoutMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

func (r *LedgerRepository) WithTenantLock(ctx context.Context, tenantID uuid.UUID, timeout time.Duration, fn func(tx budget.LedgerTx) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if timeout > 0 {
		if _, err = tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeoutMillis(timeout))); err != nil {
			return fmt.Errorf("failed to set lock timeout: %w", err)
		}
	}

	policy, err := scanPolicy(tx.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, tenantID))
	if err != nil {
		return mapLedgerError(err)
	}

	if err = fn(&ledgerTx{tx: tx, tenantID: tenantID, policy: policy, now: r.now}); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Policy(ctx context.Context, tenantID uuid.UUID) (billing.BudgetPolicy, error) {
	p, err := scanPolicy(r.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM tenants WHERE id = $1`, tenantID))
	if err != nil {
		return billing.BudgetPolicy{}, mapLedgerError(err)
	}
	return p, nil
}

func (r *LedgerRepository) SumWindow(ctx context.Context, tenantID uuid.UUID, w billing.Window) (int64, error) {
	return sumWindow(ctx, r.db, tenantID, w)
}

// Entries lists the tenant's entries in the window, oldest first.
func (r *LedgerRepository) Entries(ctx context.Context, tenantID uuid.UUID, w billing.Window) ([]billing.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM billing_ledger
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at, id`, tenantID, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []billing.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPolicy(row rowScanner) (billing.BudgetPolicy, error) {
	var (
		p          billing.BudgetPolicy
		thresholds pq.StringArray
	)
	if err := row.Scan(&p.MonthlyCapMinor, &p.Currency, &p.ResetDay, &p.HardStop, &thresholds); err != nil {
		return billing.BudgetPolicy{}, err
	}
	ths, err := billing.ParseThresholds(thresholds)
	if err != nil {
		return billing.BudgetPolicy{}, err
	}
	p.WarningThresholds = ths
	return p, nil
}

func scanEntry(row rowScanner) (billing.LedgerEntry, error) {
	var (
		e         billing.LedgerEntry
		metadata  []byte
		key       sql.NullString
		threshold sql.NullString
	)
	err := row.Scan(&e.ID, &e.TenantID, &e.AmountMinor, &e.Currency, &e.Provider, &e.Kind, &metadata,
		&key, &e.MTDBefore, &e.MTDAfter, &e.CapMinor, &e.ResetDay, &threshold, &e.SoftExceeded, &e.CreatedAt)
	if err != nil {
		return billing.LedgerEntry{}, err
	}
	e.IdempotencyKey = key.String
	e.ThresholdHit = threshold.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return billing.LedgerEntry{}, fmt.Errorf("failed to decode ledger metadata: %w", err)
		}
		if len(e.Metadata) == 0 {
			e.Metadata = nil
		}
	}
	return e, nil
}

func sumWindow(ctx context.Context, q queryer, tenantID uuid.UUID, w billing.Window) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0)
		FROM billing_ledger
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`,
		tenantID, w.Start, w.End).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger window: %w", err)
	}
	return total, nil
}

func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return budget.ErrTenantNotFound
	case IsLockNotAvailable(err):
		return budget.ErrLockTimeout
	default:
		return fmt.Errorf("failed to lock tenant: %w", err)
	}
}

// ledgerTx runs inside WithTenantLock and shares its transaction.
type ledgerTx struct {
	tx       *sql.Tx
	tenantID uuid.UUID
	policy   billing.BudgetPolicy
	now      func() time.Time
}

// Policy returns the row read under the lock.
func (t *ledgerTx) Policy(context.Context) (billing.BudgetPolicy, error) {
	return t.policy, nil
}

func (t *ledgerTx) FindByIdempotencyKey(ctx context.Context, key string) (*billing.LedgerEntry, error) {
	e, err := scanEntry(t.tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM billing_ledger
		WHERE tenant_id = $1 AND idempotency_key = $2`, t.tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return &e, nil
}

func (t *ledgerTx) SumWindow(ctx context.Context, w billing.Window) (int64, error) {
	return sumWindow(ctx, t.tx, t.tenantID, w)
}

func (t *ledgerTx) Append(ctx context.Context, e billing.LedgerEntry) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now().UTC()
	}
	metadata := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(e.Metadata); err != nil {
			return uuid.Nil, fmt.Errorf("failed to encode ledger metadata: %w", err)
		}
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO billing_ledger (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, t.tenantID, e.AmountMinor, e.Currency, e.Provider, e.Kind, string(metadata),
		nullString(e.IdempotencyKey), e.MTDBefore, e.MTDAfter, e.CapMinor, e.ResetDay, nullString(e.ThresholdHit), e.SoftExceeded, e.CreatedAt)
	if IsUniqueViolation(err) {
		return uuid.Nil, budget.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return e.ID, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
