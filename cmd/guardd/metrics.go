package main

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/davidleathers/dispatch-guard/internal/service/dnc"
)

// newPromRegistry registers the process-level collectors served on
// /metrics. Domain instruments go through OpenTelemetry instead.
func newPromRegistry(a *app) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "guard",
			Name:      "build_info",
			Help:      "Build and dataset information",
		},
		[]string{"version", "go_version", "dataset_version"},
	).WithLabelValues(a.cfg.Version, runtime.Version(), a.Rules.Dataset().Version()).Set(1)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "guard",
			Subsystem: "rules",
			Name:      "snapshot_entries",
			Help:      "Resolved rules held in the in-process snapshot",
		},
		func() float64 { return float64(a.Rules.Len()) },
	)

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "guard",
			Subsystem: "db",
			Name:      "pool_acquired_conns",
			Help:      "PostgreSQL connections currently in use",
		},
		func() float64 { return float64(a.db.Pool.Stat().AcquiredConns()) },
	)

	if a.redis != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "guard",
				Subsystem: "rules",
				Name:      "cache_pool_conns",
				Help:      "Open connections to the shared rule cache",
			},
			func() float64 { return float64(a.redis.PoolStats().TotalConns) },
		)
	}

	if a.registry != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "guard",
				Subsystem: "dnc",
				Name:      "open_breakers",
				Help:      "Registry circuit breakers currently open",
			},
			func() float64 {
				open := 0
				for _, s := range a.registry.BreakerStates() {
					if s == dnc.CircuitOpen {
						open++
					}
				}
				return float64(open)
			},
		)
	}
	return reg
}

type healthReport struct {
	Status         string                      `json:"status"`
	DatasetVersion string                      `json:"dataset_version"`
	SnapshotSize   int                         `json:"rule_snapshot_entries"`
	Checks         map[string]string           `json:"checks"`
	Breakers       map[string]dnc.CircuitState `json:"breakers,omitempty"`
}

// AdminHandler serves /metrics and /healthz.
func (a *app) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.prom, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", a.handleHealth)
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	report := healthReport{
		Status:         "ok",
		DatasetVersion: a.Rules.Dataset().Version(),
		SnapshotSize:   a.Rules.Len(),
		Checks:         map[string]string{"database": "ok"},
	}
	if err := a.db.Ping(ctx); err != nil {
		report.Status = "degraded"
		report.Checks["database"] = err.Error()
	}
	if a.redis != nil {
		report.Checks["redis"] = "ok"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			report.Status = "degraded"
			report.Checks["redis"] = err.Error()
		}
	}
	if a.registry != nil {
		report.Breakers = a.registry.BreakerStates()
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
		a.logger.Warn("health check degraded", zap.Any("checks", report.Checks))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}
