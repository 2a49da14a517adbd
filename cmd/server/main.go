package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skridlevsky/expert-voter/internal/accounts"
	"github.com/skridlevsky/expert-voter/internal/api"
	"github.com/skridlevsky/expert-voter/internal/config"
	"github.com/skridlevsky/expert-voter/internal/db"
	"github.com/skridlevsky/expert-voter/internal/feed"
	"github.com/skridlevsky/expert-voter/internal/logging"
	"github.com/skridlevsky/expert-voter/internal/metrics"
	"github.com/skridlevsky/expert-voter/internal/strategy"
	"github.com/skridlevsky/expert-voter/internal/vk"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := strategy.NewRegistry()
	if cfg.StrategiesFile != "" {
		if err := registry.LoadFile(cfg.StrategiesFile); err != nil {
			log.Fatalf("Failed to load strategies: %v", err)
		}
		slog.Info("Strategy presets loaded", "file", cfg.StrategiesFile, "count", len(registry.List()))
	}

	// Account source; the database is only opened when accounts live there
	var (
		source   accounts.Source
		database *db.Postgres
	)
	switch cfg.AccountsSource {
	case config.SourcePostgres:
		database, err = db.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := db.RunMigrations(ctx, database.Pool()); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		source = accounts.NewStore(database.Pool(), registry)
	default:
		source = &accounts.FileSource{Path: cfg.AccountsFile, Registry: registry}
	}

	accs, err := source.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	slog.Info("Accounts loaded", "source", cfg.AccountsSource, "count", len(accs))

	// Metrics
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	// Remote API: one shared transport, one client per account
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	authenticator := vk.NewAuthenticator(vk.AuthConfig{
		OAuthURL:      cfg.OAuthURL,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		APIVersion:    cfg.APIVersion,
		ExpertAppID:   cfg.ExpertAppID,
		ExpertVersion: cfg.ExpertVersion,
	}, httpClient)

	apiCfg := vk.Config{
		BaseURL:         cfg.APIURL,
		Version:         cfg.APIVersion,
		ErrorBackoff:    cfg.ErrorBackoff,
		MaxAuthRetries:  cfg.MaxAuthRetries,
		MaxErrorRetries: cfg.MaxErrorRetries,
		RateLimit:       cfg.APIRateLimit,
	}
	factory := func(acc accounts.Account) feed.AccountClient {
		return vk.NewClient(apiCfg, httpClient, authenticator, vk.Credentials{Login: acc.Login, Secret: acc.Secret}, m)
	}

	pollerCfg := feed.DefaultPollerConfig()
	pollerCfg.VoteSpacing = cfg.VoteSpacing
	pollerCfg.ReportEvery = cfg.ReportEvery
	pollerCfg.MaxCycleRetries = cfg.MaxCycleRetries

	orchestrator := feed.NewOrchestrator(factory, pollerCfg, cfg.StartupConcurrency, m)

	// Status API
	routerCfg := &api.RouterConfig{
		Accounts:   orchestrator,
		Strategies: registry,
		Gatherer:   promRegistry,
	}
	if database != nil {
		routerCfg.Database = database
	}
	routerResult := api.NewRouter(routerCfg)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      routerResult.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("Starting server", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Startup runs in the background so a signal during authentication
	// still shuts down cleanly.
	startErr := make(chan error, 1)
	go func() {
		_, err := orchestrator.Run(ctx, accs)
		startErr <- err
	}()

	exitCode := 0
	startupDone := false
	select {
	case sig := <-quit:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-startErr:
		startupDone = true
		if err != nil {
			slog.Error("Failed to start accounts", "error", err)
			exitCode = 1
		} else {
			select {
			case sig := <-quit:
				slog.Info("Received signal", "signal", sig.String())
			case <-orchestrator.Done():
				slog.Warn("All account tasks have stopped")
				exitCode = 1
			}
		}
	}

	slog.Info("Shutting down...")

	cancel()
	if !startupDone {
		<-startErr
	}
	orchestrator.Stop()
	routerResult.RateLimiter.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if database != nil {
		database.Close()
	}

	slog.Info("Server exited")
	if exitCode != 0 {
		shutdownCancel()
		os.Exit(exitCode)
	}
}
