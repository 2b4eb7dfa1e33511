package dnc

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/dispatch-guard/internal/domain/values"
)

// MemoryList is an in-process LocalList and RegistryChecker. guardd uses it
// when no database is configured; tests use it everywhere.
type MemoryList struct {
	mu       sync.RWMutex
	local    map[uuid.UUID]map[string]struct{}
	registry map[string]map[string]struct{}
}

func NewMemoryList() *MemoryList {
	return &MemoryList{
		local:    make(map[uuid.UUID]map[string]struct{}),
		registry: make(map[string]map[string]struct{}),
	}
}

// Add puts phone on the tenant's local list.
func (m *MemoryList) Add(tenantID uuid.UUID, phone values.PhoneNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.local[tenantID] == nil {
		m.local[tenantID] = make(map[string]struct{})
	}
	m.local[tenantID][phone.String()] = struct{}{}
}

// Register lists phone in a country's registry and marks the country as
// supported.
func (m *MemoryList) Register(countryISO string, phone values.PhoneNumber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registry[countryISO] == nil {
		m.registry[countryISO] = make(map[string]struct{})
	}
	m.registry[countryISO][phone.String()] = struct{}{}
}

func (m *MemoryList) Contains(_ context.Context, tenantID uuid.UUID, phone values.PhoneNumber) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.local[tenantID][phone.String()]
	return ok, nil
}

func (m *MemoryList) Supports(countryISO string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.registry[countryISO]
	return ok
}

func (m *MemoryList) Listed(_ context.Context, countryISO string, phone values.PhoneNumber) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.registry[countryISO][phone.String()]
	return ok, nil
}
