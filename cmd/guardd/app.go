package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/davidleathers/dispatch-guard/internal/infrastructure/cache"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/config"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/repository"
	"github.com/davidleathers/dispatch-guard/internal/metrics"
	"github.com/davidleathers/dispatch-guard/internal/service/budget"
	compliancesvc "github.com/davidleathers/dispatch-guard/internal/service/compliance"
	"github.com/davidleathers/dispatch-guard/internal/service/dnc"
	"github.com/davidleathers/dispatch-guard/internal/service/preflight"
	"github.com/davidleathers/dispatch-guard/internal/service/rules"
)

// app owns every long-lived component of the process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db        *repository.DB
	redis     *redis.Client
	ruleCache *cache.RuleCache
	registry  *dnc.GuardedRegistry

	Rules     *rules.Store
	Engine    *compliancesvc.Service
	Guard     *budget.Guard
	Preflight *preflight.Service

	prom *prometheus.Registry
}

func newApp(ctx context.Context, cfg *config.Config, mp metric.MeterProvider, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	m, err := metrics.NewRegistry(mp)
	if err != nil {
		return nil, fmt.Errorf("creating metric instruments: %w", err)
	}

	dataset, err := loadDataset(cfg.Compliance)
	if err != nil {
		return nil, err
	}

	a.db, err = repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	var ruleCache rules.Cache
	if cfg.Redis.Addr != "" {
		a.redis, err = cache.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		a.ruleCache = cache.NewRuleCache(a.redis, cfg.Redis.RuleCacheTTL, cfg.Redis.InvalidationChannel, logger)
		ruleCache = a.ruleCache
	} else {
		logger.Warn("redis not configured, rule changes will not reach other processes")
	}

	a.Rules = rules.NewStore(repository.NewCountryRuleRepository(a.db.Pool), ruleCache, dataset, m, logger)

	var registry dnc.RegistryChecker
	if cfg.Compliance.RegistryEnabled && len(cfg.Compliance.Registries) > 0 {
		a.registry = newRegistry(cfg.Compliance, m, logger)
		registry = a.registry
	}

	campaigns := repository.NewCampaignRepository(a.db.Pool)
	a.Engine = compliancesvc.NewService(compliancesvc.Dependencies{
		Rules:        a.Rules,
		CallingCodes: dataset.CallingCodes(),
		LocalDNC:     repository.NewDNCRepository(a.db.Pool),
		Registry:     registry,
		Tenants:      repository.NewTenantRepository(a.db.Pool),
		Campaigns:    campaigns,
		Metrics:      m,
	}, logger)

	a.Guard = budget.NewGuard(repository.NewLedgerRepository(a.db.SQL), budget.Config{
		LockTimeout: cfg.Budget.LockTimeout,
	}, m, logger, nil)

	a.Preflight = preflight.NewService(a.Engine, a.Guard, logger)
	a.prom = newPromRegistry(a)
	return a, nil
}

func loadDataset(cfg config.ComplianceConfig) (*rules.Dataset, error) {
	if cfg.DatasetPath != "" {
		ds, err := rules.LoadDatasetFile(cfg.DatasetPath)
		if err != nil {
			return nil, fmt.Errorf("loading country dataset %s: %w", cfg.DatasetPath, err)
		}
		return ds, nil
	}
	ds, err := rules.EmbeddedDataset()
	if err != nil {
		return nil, fmt.Errorf("loading embedded country dataset: %w", err)
	}
	return ds, nil
}

func newRegistry(cfg config.ComplianceConfig, m *metrics.Registry, logger *zap.Logger) *dnc.GuardedRegistry {
	endpoints := make(map[string]dnc.Endpoint, len(cfg.Registries))
	for iso, ep := range cfg.Registries {
		endpoints[strings.ToUpper(iso)] = dnc.Endpoint{BaseURL: ep.BaseURL, APIKey: ep.APIKey}
	}
	return dnc.NewGuardedRegistry(dnc.NewHTTPRegistry(endpoints, nil), dnc.GuardConfig{
		RatePerSecond: cfg.RegistryRatePerSecond,
		Burst:         cfg.RegistryBurst,
		Timeout:       cfg.RegistryTimeout,
		Breaker: dnc.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerFailures,
			SuccessThreshold: cfg.BreakerHalfOpenSuccess,
			Timeout:          cfg.BreakerResetTimeout,
		},
	}, m, logger, nil)
}

// Start subscribes to rule invalidations from other processes and flushes
// the rule snapshot every rule cache TTL. Both end with ctx.
func (a *app) Start(ctx context.Context) error {
	if a.ruleCache != nil {
		if err := a.ruleCache.Subscribe(ctx, a.Rules.Invalidate); err != nil {
			return err
		}
	}
	if ttl := a.cfg.Redis.RuleCacheTTL; ttl > 0 {
		go a.flushRules(ctx, ttl)
	}
	a.logger.Info("dispatch guard ready",
		zap.String("dataset_version", a.Rules.Dataset().Version()),
		zap.Int("dataset_countries", len(a.Rules.Dataset().Rules())),
		zap.Bool("registry_enabled", a.registry != nil),
		zap.Bool("shared_rule_cache", a.ruleCache != nil))
	return nil
}

func (a *app) flushRules(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := a.Rules.Len()
			a.Rules.Flush()
			a.logger.Debug("rule snapshot flushed", zap.Int("entries", n))
		}
	}
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis client", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
