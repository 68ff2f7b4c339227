package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"flowgate.org/internal/auth"
	"flowgate.org/internal/config"
	"flowgate.org/internal/engine"
	"flowgate.org/internal/httpapi"
	"flowgate.org/internal/migrate"
	"flowgate.org/internal/obs"
	"flowgate.org/internal/store/pg"
	"flowgate.org/internal/workflow"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if cfg.DB.DSN == "" {
		log.Fatal("FLOWGATE_PG_DSN is required")
	}
	if cfg.Engine.BaseURL == "" {
		log.Fatal("FLOWGATE_ENGINE_URL is required")
	}

	store, err := pg.Open(cfg.DB.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer store.Close()

	if cfg.DB.AutoMigrate {
		mgr := migrate.NewManager(store.DB(), cfg.DB.MigrationsDir, cfg.DB.SeedsDir, log)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := mgr.Up(ctx); err != nil {
			cancel()
			log.WithError(err).Fatal("apply migrations")
		}
		if err := mgr.Seed(ctx); err != nil {
			cancel()
			log.WithError(err).Fatal("apply seeds")
		}
		cancel()
	}

	eng, err := engine.NewClient(cfg.Engine.BaseURL,
		engine.WithAPIKey(cfg.Engine.APIKey),
		engine.WithTimeout(cfg.Engine.Timeout),
	)
	if err != nil {
		log.WithError(err).Fatal("engine client")
	}

	tokens, err := auth.NewTokenService(cfg.JWT.Secret,
		auth.WithIssuer(cfg.JWT.Issuer),
		auth.WithAudience(cfg.JWT.Audience),
		auth.WithAccessTTL(cfg.JWT.AccessTTL),
		auth.WithRefreshTTL(cfg.JWT.RefreshTTL),
	)
	if err != nil {
		log.WithError(err).Fatal("token service")
	}

	authz := auth.NewAuthorizer(store)
	sessions := auth.NewService(store, tokens)
	workflows := workflow.NewService(store, store, authz, eng, workflow.WithLogger(log))

	api := httpapi.New(httpapi.Options{
		Sessions:     sessions,
		Tokens:       tokens,
		Authz:        authz,
		AuthStore:    store,
		Workflows:    workflows,
		Logger:       log,
		Ready:        func(ctx context.Context) error { return store.DB().PingContext(ctx) },
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RatePerSec:   cfg.Server.RateLimitPerSec,
		RateBurst:    cfg.Server.RateLimitBurst,
	})

	var scheduler *cron.Cron
	if cfg.Sync.Schedule != "" {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.Sync.Schedule, func() {
			report, err := workflows.SyncFromEngine(context.Background())
			if err != nil {
				log.WithError(err).Warn("scheduled engine sync failed")
				return
			}
			log.WithField("created", report.Created).
				WithField("updated", report.Updated).
				Info("scheduled engine sync finished")
		})
		if err != nil {
			log.WithError(err).Fatalf("invalid sync schedule %q", cfg.Sync.Schedule)
		}
		scheduler.Start()
		log.WithField("schedule", cfg.Sync.Schedule).Info("engine sync scheduled")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("addr", srv.Addr).Infof("flowgate-api %s listening", version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	log.Info("stopped")
}
