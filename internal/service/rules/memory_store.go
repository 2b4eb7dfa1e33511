package rules

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
)

type scopeKey struct {
	tenant uuid.UUID // uuid.Nil for global rows
	iso    string
}

type versionedRule struct {
	rule         compliance.CountryRule
	supersededAt *time.Time
}

// MemoryOverrideStore is an in-process OverrideStore. It keeps every version
// so history survives supersession the same way the table does.
type MemoryOverrideStore struct {
	mu       sync.RWMutex
	versions map[scopeKey][]versionedRule
	now      func() time.Time

	// FailWith makes every call fail; tests use it to simulate an outage.
	FailWith error
}

func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{
		versions: make(map[scopeKey][]versionedRule),
		now:      time.Now,
	}
}

func keyFor(tenantID *uuid.UUID, iso string) scopeKey {
	k := scopeKey{iso: strings.ToUpper(iso)}
	if tenantID != nil {
		k.tenant = *tenantID
	}
	return k
}

func (m *MemoryOverrideStore) Current(_ context.Context, tenantID *uuid.UUID, iso string) (*compliance.CountryRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	versions := m.versions[keyFor(tenantID, iso)]
	if len(versions) == 0 {
		return nil, nil
	}
	latest := versions[len(versions)-1]
	if latest.supersededAt != nil {
		return nil, nil
	}
	r := latest.rule
	return &r, nil
}

func (m *MemoryOverrideStore) Supersede(_ context.Context, rule compliance.CountryRule) (compliance.CountryRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return compliance.CountryRule{}, m.FailWith
	}

	k := keyFor(rule.TenantID, rule.CountryISO)
	versions := m.versions[k]
	if n := len(versions); n > 0 {
		at := m.now()
		versions[n-1].supersededAt = &at
		rule.Version = versions[n-1].rule.Version + 1
	} else {
		rule.Version = 1
	}
	m.versions[k] = append(versions, versionedRule{rule: rule})
	return rule, nil
}

// History returns every stored version for a scope, oldest first.
func (m *MemoryOverrideStore) History(tenantID *uuid.UUID, iso string) []compliance.CountryRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.versions[keyFor(tenantID, iso)]
	out := make([]compliance.CountryRule, len(versions))
	for i, v := range versions {
		out[i] = v.rule
	}
	return out
}
