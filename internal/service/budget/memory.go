package budget

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dispatch-guard/internal/domain/billing"
)

// MemoryLedger is an in-process LedgerStore. Each tenant has a one-slot
// semaphore standing in for the row lock; appends are staged and published
// only when the locked function returns nil with a live context.
type MemoryLedger struct {
	mu       sync.RWMutex
	policies map[uuid.UUID]billing.BudgetPolicy
	entries  map[uuid.UUID][]billing.LedgerEntry
	locks    map[uuid.UUID]chan struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		policies: make(map[uuid.UUID]billing.BudgetPolicy),
		entries:  make(map[uuid.UUID][]billing.LedgerEntry),
		locks:    make(map[uuid.UUID]chan struct{}),
	}
}

// SetPolicy creates or replaces the tenant's budget policy.
func (m *MemoryLedger) SetPolicy(tenantID uuid.UUID, p billing.BudgetPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[tenantID] = p
	return nil
}

// Seed appends entries directly, bypassing the lock. Tests and fixtures use
// it to set up history.
func (m *MemoryLedger) Seed(entries ...billing.LedgerEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		m.entries[e.TenantID] = append(m.entries[e.TenantID], e)
	}
}

// Entries returns a copy of the tenant's committed entries.
func (m *MemoryLedger) Entries(tenantID uuid.UUID) []billing.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]billing.LedgerEntry(nil), m.entries[tenantID]...)
}

func (m *MemoryLedger) lockFor(tenantID uuid.UUID) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenantID]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[tenantID] = l
	}
	return l
}

func (m *MemoryLedger) WithTenantLock(ctx context.Context, tenantID uuid.UUID, timeout time.Duration, fn func(tx LedgerTx) error) error {
	lock := m.lockFor(tenantID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	tx := &memoryTx{ledger: m, tenantID: tenantID}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.entries[tenantID] = append(m.entries[tenantID], tx.staged...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) Policy(_ context.Context, tenantID uuid.UUID) (billing.BudgetPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[tenantID]
	if !ok {
		return billing.BudgetPolicy{}, ErrTenantNotFound
	}
	return p, nil
}

func (m *MemoryLedger) SumWindow(_ context.Context, tenantID uuid.UUID, w billing.Window) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sumEntries(m.entries[tenantID], w), nil
}

func sumEntries(entries []billing.LedgerEntry, w billing.Window) int64 {
	var total int64
	for _, e := range entries {
		if w.Contains(e.CreatedAt) {
			total += e.AmountMinor
		}
	}
	return total
}

type memoryTx struct {
	ledger   *MemoryLedger
	tenantID uuid.UUID
	staged   []billing.LedgerEntry
}

func (tx *memoryTx) Policy(ctx context.Context) (billing.BudgetPolicy, error) {
	return tx.ledger.Policy(ctx, tx.tenantID)
}

func (tx *memoryTx) FindByIdempotencyKey(_ context.Context, key string) (*billing.LedgerEntry, error) {
	if e := findKey(tx.staged, key); e != nil {
		return e, nil
	}
	tx.ledger.mu.RLock()
	defer tx.ledger.mu.RUnlock()
	return findKey(tx.ledger.entries[tx.tenantID], key), nil
}

func findKey(entries []billing.LedgerEntry, key string) *billing.LedgerEntry {
	for i := range entries {
		if entries[i].IdempotencyKey == key {
			e := entries[i]
			return &e
		}
	}
	return nil
}

func (tx *memoryTx) SumWindow(ctx context.Context, w billing.Window) (int64, error) {
	committed, err := tx.ledger.SumWindow(ctx, tx.tenantID, w)
	if err != nil {
		return 0, err
	}
	return committed + sumEntries(tx.staged, w), nil
}

func (tx *memoryTx) Append(ctx context.Context, entry billing.LedgerEntry) (uuid.UUID, error) {
	if entry.IdempotencyKey != "" {
		prior, err := tx.FindByIdempotencyKey(ctx, entry.IdempotencyKey)
		if err != nil {
			return uuid.Nil, err
		}
		if prior != nil {
			return uuid.Nil, ErrDuplicateIdempotencyKey
		}
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.TenantID = tx.tenantID
	tx.staged = append(tx.staged, entry)
	return entry.ID, nil
}
