// Package rules resolves the regulatory rule that applies to a tenant
// calling a country.
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
	apperrors "github.com/davidleathers/dispatch-guard/internal/domain/errors"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/telemetry"
	"github.com/davidleathers/dispatch-guard/internal/metrics"
)

// OverrideStore is the durable country_rules table.
type OverrideStore interface {
	// Current returns the non-superseded rule for (tenantID, iso). A nil
	// tenantID selects the global row. It returns nil when no row exists.
	Current(ctx context.Context, tenantID *uuid.UUID, iso string) (*compliance.CountryRule, error)
	// Supersede stores rule as the next version for its scope and stamps the
	// previous current row as superseded.
	Supersede(ctx context.Context, rule compliance.CountryRule) (compliance.CountryRule, error)
}

// Cache is a cross-process cache of resolved rules.
type Cache interface {
	Get(ctx context.Context, tenantID uuid.UUID, iso string) (compliance.ResolvedRule, bool, error)
	Set(ctx context.Context, tenantID uuid.UUID, iso string, rule compliance.ResolvedRule) error
	// Invalidate drops cached entries covered by inv and tells every other
	// process to drop theirs.
	Invalidate(ctx context.Context, inv compliance.RuleInvalidation) error
}

type snapshotKey struct {
	tenant uuid.UUID
	iso    string
}

type snapshot map[snapshotKey]compliance.ResolvedRule

// Store resolves rules through tenant override, global row, dataset and
// permissive default, in that order. Reads go through an immutable snapshot
// swapped atomically; writers copy.
type Store struct {
	durable OverrideStore
	cache   Cache
	dataset *Dataset
	metrics *metrics.Registry
	logger  *zap.Logger

	current atomic.Pointer[snapshot]
	writeMu sync.Mutex
	// generation is bumped by every Invalidate and Flush. A miss that
	// started in an older generation may hold a superseded rule and is
	// not remembered.
	generation atomic.Uint64
}

// NewStore builds a Store. cache and m may be nil.
func NewStore(durable OverrideStore, cache Cache, dataset *Dataset, m *metrics.Registry, logger *zap.Logger) *Store {
	s := &Store{
		durable: durable,
		cache:   cache,
		dataset: dataset,
		metrics: m,
		logger:  logger.Named("rules"),
	}
	empty := snapshot{}
	s.current.Store(&empty)
	return s
}

// Dataset returns the reference dataset in use.
func (s *Store) Dataset() *Dataset {
	return s.dataset
}

// Resolve returns the rule for tenantID calling iso. uuid.Nil resolves
// without tenant overrides. The only error is ResourceUnavailable when the
// durable store cannot be read.
func (s *Store) Resolve(ctx context.Context, tenantID uuid.UUID, iso string) (compliance.ResolvedRule, error) {
	iso = strings.ToUpper(iso)
	key := snapshotKey{tenant: tenantID, iso: iso}

	if r, ok := (*s.current.Load())[key]; ok {
		s.metrics.RecordResolution(ctx, string(r.Source))
		return r, nil
	}

	gen := s.generation.Load()
	ctx, span := telemetry.StartSpan(ctx, telemetry.Tracer("rules"), "rules.Resolve")
	resolved, err := s.resolveMiss(ctx, tenantID, iso, gen)
	telemetry.EndSpan(span, err)
	if err != nil {
		return compliance.ResolvedRule{}, err
	}

	s.remember(key, resolved, gen)
	s.metrics.RecordResolution(ctx, string(resolved.Source))
	return resolved, nil
}

func (s *Store) resolveMiss(ctx context.Context, tenantID uuid.UUID, iso string, gen uint64) (compliance.ResolvedRule, error) {
	if s.cache != nil {
		r, ok, err := s.cache.Get(ctx, tenantID, iso)
		switch {
		case err != nil:
			telemetry.WithTrace(ctx, s.logger).Warn("rule cache read failed", zap.String("country_iso", iso), zap.Error(err))
		case ok:
			return r, nil
		}
	}

	resolved, err := s.resolveDurable(ctx, tenantID, iso)
	if err != nil {
		return compliance.ResolvedRule{}, err
	}

	if s.cache != nil && s.generation.Load() == gen {
		if err := s.cache.Set(ctx, tenantID, iso, resolved); err != nil {
			telemetry.WithTrace(ctx, s.logger).Warn("rule cache write failed", zap.String("country_iso", iso), zap.Error(err))
		}
	}
	return resolved, nil
}

func (s *Store) resolveDurable(ctx context.Context, tenantID uuid.UUID, iso string) (compliance.ResolvedRule, error) {
	version := ""
	if s.dataset != nil {
		version = s.dataset.Version()
	}

	if s.durable != nil {
		if tenantID != uuid.Nil {
			tid := tenantID
			rule, err := s.durable.Current(ctx, &tid, iso)
			if err != nil {
				return compliance.ResolvedRule{}, s.unavailable(ctx, iso, err)
			}
			if rule != nil {
				return compliance.ResolvedRule{Rule: *rule, Source: compliance.SourceTenantOverride, DatasetVersion: version}, nil
			}
		}

		rule, err := s.durable.Current(ctx, nil, iso)
		if err != nil {
			return compliance.ResolvedRule{}, s.unavailable(ctx, iso, err)
		}
		if rule != nil {
			return compliance.ResolvedRule{Rule: *rule, Source: compliance.SourceGlobal, DatasetVersion: version}, nil
		}
	}

	if s.dataset != nil {
		if rule, ok := s.dataset.Rule(iso); ok {
			return compliance.ResolvedRule{Rule: rule, Source: compliance.SourceDataset, DatasetVersion: version}, nil
		}
	}

	telemetry.WithTrace(ctx, s.logger).Warn("no country rule configured, using permissive default",
		zap.String("signal", string(apperrors.ErrorTypeConfigurationGap)),
		zap.String("country_iso", iso),
		zap.String("dataset_version", version))
	return compliance.ResolvedRule{Rule: compliance.DefaultRule(iso), Source: compliance.SourceDefault, DatasetVersion: version}, nil
}

func (s *Store) unavailable(ctx context.Context, iso string, err error) error {
	telemetry.WithTrace(ctx, s.logger).Warn("country rule store unavailable", zap.String("country_iso", iso), zap.Error(err))
	return apperrors.NewResourceUnavailableError(apperrors.CodeStoreUnavailable, "country rule store").WithCause(err)
}

// remember adds one entry to the snapshot by copy-on-write, unless the
// snapshot was invalidated since gen.
func (s *Store) remember(key snapshotKey, r compliance.ResolvedRule, gen uint64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.generation.Load() != gen {
		return
	}

	old := *s.current.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = r
	s.current.Store(&next)
	s.metrics.SetSnapshotSize(len(next))
}

// PutOverride is the administrative write path. It validates rule, stores it
// as a new version superseding the current one, and invalidates local and
// shared caches.
func (s *Store) PutOverride(ctx context.Context, rule compliance.CountryRule) (compliance.CountryRule, error) {
	rule.CountryISO = strings.ToUpper(rule.CountryISO)
	if err := rule.Validate(); err != nil {
		return compliance.CountryRule{}, err
	}
	if s.durable == nil {
		return compliance.CountryRule{}, apperrors.NewConfigurationGapError("no durable rule store configured for overrides")
	}

	stored, err := s.durable.Supersede(ctx, rule)
	if err != nil {
		return compliance.CountryRule{}, s.unavailable(ctx, rule.CountryISO, err)
	}

	inv := compliance.RuleInvalidation{CountryISO: stored.CountryISO, TenantID: stored.TenantID}
	s.Invalidate(inv)
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, inv); err != nil {
			// Other processes converge at the cache TTL and their next Flush.
			telemetry.WithTrace(ctx, s.logger).Warn("rule cache invalidation failed",
				zap.String("country_iso", stored.CountryISO), zap.Error(err))
		}
	}

	s.logger.Info("country rule override stored",
		zap.String("country_iso", stored.CountryISO),
		zap.Int("version", stored.Version),
		zap.Bool("tenant_scoped", stored.TenantID != nil))
	return stored, nil
}

// Invalidate drops local snapshot entries covered by inv: one tenant's entry
// for a tenant override, every tenant's entry for a global change.
func (s *Store) Invalidate(inv compliance.RuleInvalidation) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.generation.Add(1)
	old := *s.current.Load()
	next := make(snapshot, len(old))
	for k, v := range old {
		if inv.Covers(k.tenant, k.iso) {
			continue
		}
		next[k] = v
	}
	s.current.Store(&next)
	s.metrics.SetSnapshotSize(len(next))
}

// Flush empties the snapshot. Processes call it periodically so a missed
// invalidation message cannot pin a stale rule indefinitely.
func (s *Store) Flush() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.generation.Add(1)
	empty := make(snapshot)
	s.current.Store(&empty)
	s.metrics.SetSnapshotSize(0)
}

// Len reports the snapshot size.
func (s *Store) Len() int {
	return len(*s.current.Load())
}

// String describes the store for logs.
func (s *Store) String() string {
	v := "none"
	if s.dataset != nil {
		v = s.dataset.Version()
	}
	return fmt.Sprintf("rules.Store{dataset=%s, cached=%d}", v, s.Len())
}
