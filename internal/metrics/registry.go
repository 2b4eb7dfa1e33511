package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName scopes every instrument in the registry.
const MeterName = "github.com/davidleathers/dispatch-guard"

// Registry holds the domain instruments. A nil *Registry is valid and
// records nothing, which keeps unit tests free of metric wiring.
type Registry struct {
	meter metric.Meter

	// Compliance
	Verdicts         metric.Int64Counter
	EvaluateDuration metric.Float64Histogram
	RegistryChecks   metric.Int64Counter

	// Budget
	Reservations metric.Int64Counter
	LockWait     metric.Float64Histogram

	// Rules
	Resolutions  metric.Int64Counter
	SnapshotSize metric.Int64ObservableGauge

	snapshotSize atomic.Int64
}

// NewRegistry creates the instruments on provider, or on the global meter
// provider when provider is nil.
func NewRegistry(provider metric.MeterProvider) (*Registry, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	r := &Registry{meter: provider.Meter(MeterName)}

	if err := r.initComplianceMetrics(); err != nil {
		return nil, err
	}
	if err := r.initBudgetMetrics(); err != nil {
		return nil, err
	}
	if err := r.initRuleMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initComplianceMetrics() error {
	var err error

	r.Verdicts, err = r.meter.Int64Counter(
		"guard.compliance.verdicts",
		metric.WithDescription("Compliance verdicts by result and block reason"),
	)
	if err != nil {
		return err
	}

	r.EvaluateDuration, err = r.meter.Float64Histogram(
		"guard.compliance.evaluate_duration",
		metric.WithDescription("Duration of a compliance evaluation in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 1000),
	)
	if err != nil {
		return err
	}

	r.RegistryChecks, err = r.meter.Int64Counter(
		"guard.compliance.registry_checks",
		metric.WithDescription("External DNC registry lookups by outcome"),
	)
	return err
}

func (r *Registry) initBudgetMetrics() error {
	var err error

	r.Reservations, err = r.meter.Int64Counter(
		"guard.budget.reservations",
		metric.WithDescription("Budget reservations by result"),
	)
	if err != nil {
		return err
	}

	r.LockWait, err = r.meter.Float64Histogram(
		"guard.budget.lock_wait",
		metric.WithDescription("Time spent waiting for a tenant budget lock in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 10, 50, 100, 250, 500, 1000, 2000, 5000),
	)
	return err
}

func (r *Registry) initRuleMetrics() error {
	var err error

	r.Resolutions, err = r.meter.Int64Counter(
		"guard.rules.resolutions",
		metric.WithDescription("Country rule resolutions by source"),
	)
	if err != nil {
		return err
	}

	r.SnapshotSize, err = r.meter.Int64ObservableGauge(
		"guard.rules.snapshot_size",
		metric.WithDescription("Resolved rules held in the local snapshot"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.snapshotSize.Load())
			return nil
		}),
	)
	return err
}

// RecordVerdict counts a verdict; reason is empty for allowed verdicts.
func (r *Registry) RecordVerdict(ctx context.Context, allowed bool, reason string, elapsed time.Duration) {
	if r == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	r.Verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("reason", reason),
	))
	r.EvaluateDuration.Record(ctx, float64(elapsed.Microseconds())/1000)
}

// RecordRegistryCheck counts a DNC registry lookup outcome
// (listed, clear, unavailable).
func (r *Registry) RecordRegistryCheck(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.RegistryChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordReservation counts a reservation result
// (reserved, rejected, replayed, lock_timeout, error).
func (r *Registry) RecordReservation(ctx context.Context, result string, warning bool) {
	if r == nil {
		return
	}
	r.Reservations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.Bool("warning", warning),
	))
}

// RecordLockWait records how long a caller waited for a tenant lock.
func (r *Registry) RecordLockWait(ctx context.Context, waited time.Duration, acquired bool) {
	if r == nil {
		return
	}
	r.LockWait.Record(ctx, float64(waited.Microseconds())/1000,
		metric.WithAttributes(attribute.Bool("acquired", acquired)))
}

// RecordResolution counts a rule resolution by source.
func (r *Registry) RecordResolution(ctx context.Context, source string) {
	if r == nil {
		return
	}
	r.Resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// SetSnapshotSize updates the observed local rule snapshot size.
func (r *Registry) SetSnapshotSize(n int) {
	if r == nil {
		return
	}
	r.snapshotSize.Store(int64(n))
}
