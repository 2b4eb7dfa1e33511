package dnc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/dispatch-guard/internal/domain/values"
	"github.com/davidleathers/dispatch-guard/internal/metrics"
)

// GuardConfig bounds how hard the registry may be driven.
type GuardConfig struct {
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	Breaker       CircuitBreakerConfig
}

// GuardedRegistry decorates a RegistryChecker with a shared rate limit, a
// per-call timeout and a circuit breaker per country. Every failure mode is
// reported as ErrRegistryUnavailable.
type GuardedRegistry struct {
	next     RegistryChecker
	limiter  *rate.Limiter
	timeout  time.Duration
	breakers *breakerSet
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewGuardedRegistry wraps next. now may be nil.
func NewGuardedRegistry(next RegistryChecker, cfg GuardConfig, m *metrics.Registry, logger *zap.Logger, now func() time.Time) *GuardedRegistry {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &GuardedRegistry{
		next:     next,
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  cfg.Timeout,
		breakers: newBreakerSet(cfg.Breaker, now),
		metrics:  m,
		logger:   logger.Named("dnc_registry"),
	}
}

// Supports delegates to the wrapped checker.
func (g *GuardedRegistry) Supports(countryISO string) bool {
	return g.next.Supports(countryISO)
}

// Listed checks the registry. It never waits for rate-limit tokens: an
// exhausted budget is treated as unavailability so compliance latency stays
// bounded.
func (g *GuardedRegistry) Listed(ctx context.Context, countryISO string, phone values.PhoneNumber) (bool, error) {
	if !g.limiter.Allow() {
		g.metrics.RecordRegistryCheck(ctx, "unavailable")
		return false, fmt.Errorf("%w: %s: rate limited", ErrRegistryUnavailable, countryISO)
	}

	cb := g.breakers.get(countryISO)
	if !cb.allow() {
		g.metrics.RecordRegistryCheck(ctx, "unavailable")
		return false, fmt.Errorf("%w: %s: %w", ErrRegistryUnavailable, countryISO, ErrCircuitBreakerOpen)
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	listed, err := g.next.Listed(callCtx, countryISO, phone)
	cb.record(err)
	if err != nil {
		g.metrics.RecordRegistryCheck(ctx, "unavailable")
		g.logger.Warn("dnc registry lookup failed",
			zap.String("country_iso", countryISO),
			zap.String("breaker", string(cb.State())),
			zap.Error(err))
		if errors.Is(err, ErrRegistryUnavailable) {
			return false, err
		}
		return false, fmt.Errorf("%w: %s: %w", ErrRegistryUnavailable, countryISO, err)
	}

	if listed {
		g.metrics.RecordRegistryCheck(ctx, "listed")
	} else {
		g.metrics.RecordRegistryCheck(ctx, "clear")
	}
	return listed, nil
}

// BreakerStates reports breaker state per country, for health output.
func (g *GuardedRegistry) BreakerStates() map[string]CircuitState {
	return g.breakers.States()
}
