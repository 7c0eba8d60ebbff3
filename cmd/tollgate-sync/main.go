package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/platinummonkey/tollgate/pkg/access"
	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/crm"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
)

// Options control the resync worker. Unset flags fall back to the
// TOLLGATE_* environment configuration.
type Options struct {
	Schedule    string
	Staleness   time.Duration
	Parallelism int
	BatchSize   int
	RunOnce     bool
	LogLevel    string
}

// tollgate-sync periodically refreshes CRM-backed account grants whose
// cached membership has gone stale.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	opts, err := parseFlags(os.Args[1:], cfg.Access)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	logger := setupLogger(opts.LogLevel)
	if err := run(cfg, opts, logger); err != nil {
		logger.Fatalf("Resync worker failed: %v", err)
	}
}

func parseFlags(args []string, defaults config.AccessConfig) (*Options, error) {
	opts := &Options{}
	flagSet := pflag.NewFlagSet("tollgate-sync", pflag.ContinueOnError)
	flagSet.StringVar(&opts.Schedule, "schedule", defaults.ResyncSchedule, "cron schedule for resync runs")
	flagSet.DurationVar(&opts.Staleness, "staleness", defaults.StalenessWindow, "resync grants last synced longer ago than this")
	flagSet.IntVar(&opts.Parallelism, "parallelism", defaults.ResyncParallelism, "grants synced concurrently")
	flagSet.IntVar(&opts.BatchSize, "batch", defaults.ResyncBatchSize, "maximum grants per run")
	flagSet.BoolVar(&opts.RunOnce, "run-once", false, "run a single resync and exit")
	flagSet.StringVar(&opts.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.Parallelism < 1 {
		return nil, fmt.Errorf("--parallelism must be at least 1")
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("--batch must be at least 1")
	}
	if opts.Staleness <= 0 {
		return nil, fmt.Errorf("--staleness must be positive")
	}
	if !opts.RunOnce {
		if _, err := cron.ParseStandard(opts.Schedule); err != nil {
			return nil, fmt.Errorf("invalid --schedule: %w", err)
		}
	}
	return opts, nil
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

func run(cfg *config.Config, opts *Options, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := access.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("access migrations failed: %w", err)
	}
	auditLogger, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}

	providers, err := newProviders(cfg.CRM)
	if err != nil {
		return err
	}
	if len(providers.Names()) == 0 {
		logger.Warn("No CRM providers configured; every CRM grant will fail to sync")
	}

	syncer := access.NewSyncer(access.NewStore(db), providers, auditLogger, nil,
		observability.NewLogger(observability.ParseLogLevel(opts.LogLevel), os.Stderr))

	if opts.RunOnce {
		return resync(ctx, syncer, opts, logger)
	}

	c := cron.New()
	_, err = c.AddFunc(opts.Schedule, func() {
		if err := resync(ctx, syncer, opts, logger); err != nil {
			logger.Errorf("Resync run failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule resync: %w", err)
	}

	c.Start()
	logger.WithFields(logrus.Fields{
		"schedule":    opts.Schedule,
		"staleness":   opts.Staleness,
		"parallelism": opts.Parallelism,
		"batch":       opts.BatchSize,
	}).Info("Tollgate resync worker started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	cancel()
	stopped := c.Stop()
	<-stopped.Done()

	logger.Info("Resync worker stopped")
	return nil
}

func resync(ctx context.Context, syncer *access.Syncer, opts *Options, logger *logrus.Logger) error {
	started := time.Now()
	summary, err := syncer.ResyncStale(ctx, opts.Staleness, opts.Parallelism, opts.BatchSize)
	if err != nil {
		return err
	}

	entry := logger.WithFields(logrus.Fields{
		"attempted": summary.Attempted,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"duration":  time.Since(started).Round(time.Millisecond),
	})
	if summary.Failed > 0 {
		for grantID, msg := range summary.Errors {
			logger.WithField("grant_id", grantID).Warnf("Grant resync failed: %s", msg)
		}
		entry.Warn("Resync finished with failures")
		return nil
	}
	entry.Info("Resync finished")
	return nil
}

func newProviders(cfg config.CRMConfig) (*crm.Registry, error) {
	var providers []crm.Provider
	if cfg.SalesforceEnabled() {
		sf, err := crm.NewSalesforce(cfg.Salesforce)
		if err != nil {
			return nil, fmt.Errorf("salesforce: %w", err)
		}
		providers = append(providers, sf)
	}
	if cfg.HubSpotEnabled() {
		hs, err := crm.NewHubSpot(cfg.HubSpot)
		if err != nil {
			return nil, fmt.Errorf("hubspot: %w", err)
		}
		providers = append(providers, hs)
	}
	return crm.NewRegistry(providers...), nil
}
