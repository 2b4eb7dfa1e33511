// Command seed-rules writes the country dataset as the global country rule
// rows. Countries whose current row already matches are left alone; changed
// ones are superseded and announced to running guard processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/davidleathers/dispatch-guard/internal/domain/compliance"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/cache"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/config"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/repository"
	"github.com/davidleathers/dispatch-guard/internal/infrastructure/telemetry"
	"github.com/davidleathers/dispatch-guard/internal/service/rules"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		applySchema = flag.Bool("apply-schema", false, "Create missing tables before seeding")
		notify      = flag.Bool("notify", true, "Publish invalidations for changed countries")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := seed(ctx, cfg, *applySchema, *notify, logger); err != nil {
		logger.Error("seeding failed", zap.Error(err))
		os.Exit(1)
	}
}

func seed(ctx context.Context, cfg *config.Config, applySchema, notify bool, logger *zap.Logger) error {
	ds, err := rules.EmbeddedDataset()
	if cfg.Compliance.DatasetPath != "" {
		ds, err = rules.LoadDatasetFile(cfg.Compliance.DatasetPath)
	}
	if err != nil {
		return fmt.Errorf("loading dataset: %w", err)
	}

	db, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if applySchema {
		if err := db.ApplySchema(ctx); err != nil {
			return err
		}
		logger.Info("schema applied")
	}

	written, err := repository.NewCountryRuleRepository(db.Pool).SeedGlobal(ctx, ds.Rules())
	if err != nil {
		return fmt.Errorf("seeding country rules: %w", err)
	}
	logger.Info("country rules seeded",
		zap.String("dataset_version", ds.Version()),
		zap.Int("countries", len(ds.Rules())),
		zap.Strings("changed", written))

	if !notify || len(written) == 0 || cfg.Redis.Addr == "" {
		return nil
	}

	client, err := cache.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		// Rows are committed; running processes pick them up at their next
		// snapshot flush.
		logger.Warn("could not announce changed rules", zap.Error(err))
		return nil
	}
	defer client.Close()

	rc := cache.NewRuleCache(client, cfg.Redis.RuleCacheTTL, cfg.Redis.InvalidationChannel, logger)
	for _, iso := range written {
		if err := rc.Invalidate(ctx, compliance.RuleInvalidation{CountryISO: iso}); err != nil {
			logger.Warn("could not announce changed rule", zap.String("country_iso", iso), zap.Error(err))
		}
	}
	return nil
}
