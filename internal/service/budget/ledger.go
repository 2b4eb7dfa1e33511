package budget

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dispatch-guard/internal/domain/billing"
)

var (
	// ErrLockTimeout means the tenant lock could not be acquired within the
	// configured wait. It is never reported as a budget rejection.
	ErrLockTimeout = errors.New("tenant budget lock wait timed out")
	// ErrTenantNotFound means no tenant record carries a budget policy.
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrDuplicateIdempotencyKey is returned by Append when the key is taken.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

// LedgerTx is the view of one tenant's ledger inside the locked scope.
type LedgerTx interface {
	Policy(ctx context.Context) (billing.BudgetPolicy, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*billing.LedgerEntry, error)
	// SumWindow sums every entry created in [w.Start, w.End), corrections
	// included, from durable state.
	SumWindow(ctx context.Context, w billing.Window) (int64, error)
	// Append stages an entry. It becomes visible only when the scope
	// commits.
	Append(ctx context.Context, entry billing.LedgerEntry) (uuid.UUID, error)
}

// LedgerStore is the append-only billing ledger plus the tenant lock that
// serializes spend decisions.
type LedgerStore interface {
	// WithTenantLock runs fn holding an exclusive lock on the tenant record.
	// Waiting longer than timeout fails with ErrLockTimeout. If fn returns an
	// error or ctx is cancelled, every append staged by fn is rolled back.
	WithTenantLock(ctx context.Context, tenantID uuid.UUID, timeout time.Duration, fn func(tx LedgerTx) error) error

	// Policy and SumWindow read without the lock, for reporting.
	Policy(ctx context.Context, tenantID uuid.UUID) (billing.BudgetPolicy, error)
	SumWindow(ctx context.Context, tenantID uuid.UUID, w billing.Window) (int64, error)
}
