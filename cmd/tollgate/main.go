package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/access"
	"github.com/platinummonkey/tollgate/pkg/api"
	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/crm"
	"github.com/platinummonkey/tollgate/pkg/gate"
	"github.com/platinummonkey/tollgate/pkg/governance"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/rbac"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
	"github.com/platinummonkey/tollgate/pkg/webhooks"
)

var version = "dev"

const maxRequestBytes = 1 << 20

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", cfg.Observability.OTelServiceName)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("tollgate exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := postgres.Connect(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	redisClient, err := postgres.NewRedisClient(ctx, cfg.Storage)
	if err != nil {
		db.Close()
		return err
	}
	if redisClient == nil {
		logger.Warn("Redis is not configured; using an in-process permission cache and no sync rate limit")
	}

	if err := migrate(ctx, db); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	auditLogger, err := newAuditLogger(ctx, db, metrics, logger)
	if err != nil {
		return err
	}
	async.Every(ctx, logger, 15*time.Second, "db pool stats", func(context.Context) error {
		metrics.RecordDBStats(db.Stats())
		return nil
	})

	// Role profiles and permission resolution
	roles := rbac.NewStore(db)
	resolverOpts := []rbac.ResolverOption{rbac.WithMetrics(metrics), rbac.WithLogger(logger)}
	if redisClient != nil {
		resolverOpts = append(resolverOpts, rbac.WithCache(rbac.NewRedisCache(redisClient), cfg.Access.PermissionCacheTTL))
	} else {
		resolverOpts = append(resolverOpts, rbac.WithCache(rbac.NewMemoryCache(cfg.Access.PermissionCacheSize, cfg.Access.PermissionCacheTTL), cfg.Access.PermissionCacheTTL))
	}
	resolver := rbac.NewResolver(roles, resolverOpts...)
	roleManager := rbac.NewManager(roles, resolver, auditLogger, logger)

	// Account access and CRM sync
	providers, err := newCRMRegistry(cfg.CRM)
	if err != nil {
		return err
	}
	logger.WithField("providers", providers.Names()).Info("CRM providers configured")
	grants := access.NewStore(db)
	syncer := access.NewSyncer(grants, providers, auditLogger, metrics, logger)
	grantManager := access.NewManager(grants, syncer, resolver, roles, providers, auditLogger, logger)
	accounts := access.NewResolver(grants, metrics)

	// Governance
	teams := governance.DefaultTeamMapping()
	if path := cfg.Governance.TeamMappingPath; path != "" {
		if teams, err = governance.LoadTeamMapping(path); err != nil {
			return err
		}
		async.SafeGo(ctx, logger, "team mapping watcher", func(ctx context.Context) error {
			return teams.Watch(ctx, path, logger)
		})
	}
	policies := governance.NewPolicyStore(db)
	eligibility := governance.NewEligibility(roles, roles, policies, teams)
	executors, err := newExecutors(cfg.Governance, logger)
	if err != nil {
		return err
	}
	engine := governance.NewEngine(policies, governance.NewRequestStore(db), eligibility, executors, resolver,
		governance.WithAuditLogger(auditLogger),
		governance.WithMetrics(metrics),
		governance.WithLogger(logger),
	)
	govManager := governance.NewManager(policies, eligibility, roles, resolver, auditLogger, logger)
	guard := gate.NewGuard(resolver, accounts, engine, auditLogger, logger)

	var syncLimiter *middleware.DistributedRateLimiter
	if redisClient != nil {
		syncLimiter = middleware.NewDistributedRateLimiter(redisClient, &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Server.SyncRequestsPerWindow,
			WindowDuration:    cfg.Server.SyncWindow,
		}, "")
	}

	router := mux.NewRouter()
	observability.RegisterHealthRoutes(router, observability.NewHealthChecker(db, redisClient, version))
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.MetricsHandler(registry)).Methods(http.MethodGet)
	}
	api.NewTenantRouter(router,
		api.NewRBACHandlers(roleManager, resolver, roles),
		api.NewAccessHandlers(grantManager, accounts, resolver, middleware.PerTenant(syncLimiter)),
		api.NewGovernanceHandlers(govManager, engine, resolver, roles),
		api.NewActionHandlers(guard),
	)

	handler := httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		observability.HTTPMetricsMiddleware(metrics),
		httputil.MaxBytesMiddleware(maxRequestBytes),
	)(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(handler, "tollgate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		cancel()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return auditLogger.Close()
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return closeRedis(redisClient)
	})
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return db.Close()
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting tollgate %s on %s", version, server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- shutdown.WaitForShutdown() }()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case err := <-shutdownDone:
		return err
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations := []struct {
		name string
		run  func(context.Context, *sql.DB) error
	}{
		{"rbac", rbac.RunMigrations},
		{"access", access.RunMigrations},
		{"governance", governance.RunMigrations},
	}
	for _, m := range migrations {
		if err := m.run(ctx, db); err != nil {
			return fmt.Errorf("%s migrations failed: %w", m.name, err)
		}
	}
	return nil
}

// newAuditLogger writes audit events to the database off the request path
func newAuditLogger(ctx context.Context, db *sql.DB, metrics *observability.Metrics, logger *observability.Logger) (*audit.MultiLogger, error) {
	dbLogger, err := audit.NewDBLogger(db)
	if err != nil {
		return nil, err
	}
	multi := audit.NewMultiLogger(dbLogger)
	multi.SetAsync(true)

	async.Every(ctx, logger, time.Minute, "audit error drain", func(context.Context) error {
		errs := multi.GetErrors()
		for _, err := range errs {
			logger.WithError(err).Error("Failed to write audit event")
		}
		dropped := multi.DroppedErrors()
		if dropped > 0 {
			logger.WithField("dropped", dropped).Error("Audit write errors dropped; error buffer was full")
		}
		metrics.RecordAuditWriteFailures(len(errs), int(dropped))
		return nil
	})
	return multi, nil
}

func newCRMRegistry(cfg config.CRMConfig) (*crm.Registry, error) {
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

// newExecutors binds each governed action type to its webhook receiver. Types
// without a receiver are acknowledged and logged.
func newExecutors(cfg config.GovernanceConfig, logger *observability.Logger) (*governance.ExecutorRegistry, error) {
	executors := governance.NewExecutorRegistry()
	for _, t := range []governance.RequestType{
		governance.RequestArtifactPublish,
		governance.RequestDataDeletion,
		governance.RequestCRMWriteback,
	} {
		requestType := t
		executors.Register(requestType, governance.ExecutorFunc(func(ctx context.Context, a governance.Action) error {
			logger.WithFields(map[string]interface{}{
				"type":      string(requestType),
				"tenant_id": a.TenantID,
				"target_id": a.TargetID,
			}).Warn("No executor endpoint configured; action acknowledged without side effect")
			return nil
		}))
	}
	if err := webhooks.Register(executors, cfg.Executors, webhooks.WithRateLimit(cfg.ExecutorRateLimit)); err != nil {
		return nil, err
	}
	return executors, nil
}

func closeRedis(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
