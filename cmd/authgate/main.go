package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/assetdesk/authgate/pkg/auth"
	"github.com/assetdesk/authgate/pkg/config"
	"github.com/assetdesk/authgate/pkg/gateway"
	"github.com/assetdesk/authgate/pkg/health"
	"github.com/assetdesk/authgate/pkg/observability"
	"github.com/assetdesk/authgate/pkg/sso"
)

const (
	replayCacheSize    = 65536
	sessionCleanupCron = "@hourly"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	obsLog := observability.NewLogger(cfg.LogLevel, os.Stdout)

	// Account and session database.
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	if err := db.Ping(); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}
	if err := auth.EnsureSchema(db); err != nil {
		log.WithError(err).Fatal("failed to ensure database schema")
	}

	// Optional shared replay cache; falls back to in-process LRU.
	var redisClient *redis.Client
	replay := sso.NewMemoryReplayCache(replayCacheSize, sso.DefaultReplayTTL)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.WithError(err).Fatal("invalid redis URL")
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.WithError(err).Fatal("failed to ping redis")
		}
		defer redisClient.Close()
		replay = sso.NewRedisReplayCache(redisClient)
		log.Info("using shared redis replay cache")
	}

	signer, err := sso.NewStateSigner([]byte(cfg.Auth.StateSecret))
	if err != nil {
		log.WithError(err).Fatal("failed to create state signer")
	}

	users := auth.NewUserStore(db)
	sessions := auth.NewSessionStore(db)
	issuer := auth.NewIssuer(users, sessions, auth.Role(cfg.Auth.DefaultRole))
	local := auth.NewLocalAuthenticator(users, issuer, cfg.Auth.LocalAuthEnabled, log)

	metrics := observability.NewMetrics(nil)

	monitor := health.NewMonitor(health.Options{
		ProbeInterval:         cfg.Monitor.ProbeInterval,
		RecoveryInterval:      cfg.Monitor.RecoveryInterval,
		ProbeTimeout:          cfg.Monitor.ProbeTimeout,
		FallbackAfterFailures: cfg.Monitor.FallbackAfterFailures,
		LocalAuthEnabled:      cfg.Auth.LocalAuthEnabled,
	}, log, metrics)
	for _, p := range cfg.Providers {
		if !p.Enabled {
			continue
		}
		prober, err := health.NewEntryEndpointProber(p, cfg.Monitor.ProbeTimeout)
		if err != nil {
			log.WithError(err).WithField("provider", p.ID).Fatal("failed to build provider probe")
		}
		monitor.Track(p.ID, prober)
	}

	gw, err := gateway.New(cfg.Providers, signer, replay, issuer, local, monitor, metrics, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build gateway")
	}

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	defer cancelMonitor()
	if err := monitor.Start(monitorCtx); err != nil {
		log.WithError(err).Fatal("failed to start availability monitor")
	}

	// Expired sessions are swept on a schedule rather than at read time.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(sessionCleanupCron, func() {
		removed, err := sessions.CleanupExpired()
		if err != nil {
			log.WithError(err).Error("session cleanup failed")
			return
		}
		if removed > 0 {
			log.WithField("removed", removed).Info("expired sessions removed")
		}
	}); err != nil {
		log.WithError(err).Fatal("failed to schedule session cleanup")
	}
	scheduler.Start()

	router := mux.NewRouter()
	gateway.NewHandlers(gw).RegisterRoutes(router)

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate listener for probes and scraping.
	checker := observability.NewHealthChecker(db, redisClient)
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", checker.Liveness)
	healthMux.HandleFunc("/readyz", checker.Readiness)
	healthMux.Handle("/metrics", metrics.Handler())
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		log.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("health server failed")
		}
	}()
	go func() {
		log.WithField("addr", server.Addr).Info("gateway listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("gateway server failed")
		}
	}()

	shutdown := observability.NewShutdownManager(obsLog, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		monitor.Stop()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		stopped := scheduler.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
		return nil
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		log.WithError(err).Error("shutdown did not complete cleanly")
		os.Exit(1)
	}
}
