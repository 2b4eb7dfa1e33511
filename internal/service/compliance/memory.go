package compliance

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
)

// MemorySettings is an in-process TenantSettingsStore and CampaignStore.
type MemorySettings struct {
	mu        sync.RWMutex
	tenants   map[uuid.UUID]compliance.TenantSettings
	campaigns map[uuid.UUID]compliance.CampaignQuietHours
}

func NewMemorySettings() *MemorySettings {
	return &MemorySettings{
		tenants:   make(map[uuid.UUID]compliance.TenantSettings),
		campaigns: make(map[uuid.UUID]compliance.CampaignQuietHours),
	}
}

func (m *MemorySettings) SetTenant(tenantID uuid.UUID, s compliance.TenantSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[tenantID] = s
}

func (m *MemorySettings) SetCampaign(campaignID uuid.UUID, q compliance.CampaignQuietHours) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[campaignID] = q
}

func (m *MemorySettings) Settings(_ context.Context, tenantID uuid.UUID) (compliance.TenantSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tenants[tenantID], nil
}

func (m *MemorySettings) QuietHours(_ context.Context, campaignID uuid.UUID) (*compliance.CampaignQuietHours, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.campaigns[campaignID]
	if !ok {
		return nil, nil
	}
	return &q, nil
}
