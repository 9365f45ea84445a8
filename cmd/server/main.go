package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bcnelson/addrsync/internal/api"
	"github.com/bcnelson/addrsync/internal/auth"
	"github.com/bcnelson/addrsync/internal/config"
	"github.com/bcnelson/addrsync/internal/logging"
	"github.com/bcnelson/addrsync/internal/service"
	"github.com/bcnelson/addrsync/internal/storage/sql"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.Component("main")
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.Configure(cfg.Log)
	log := logger.With().Str("component", "main").Logger()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	// Create data directory if needed (for SQLite)
	if cfg.Database.Driver == "sqlite3" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				log.Fatal().Err(err).Msg("failed to create data directory")
			}
		}
	}

	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Sync.UnitsFile != "" {
		reqs, err := config.LoadUnits(cfg.Sync.UnitsFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load units file")
		}
		res, err := service.ImportUnits(ctx, store, reqs)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to import units file")
		}
		log.Info().Str("file", cfg.Sync.UnitsFile).Int("created", res.Created).Int("updated", res.Updated).Msg("imported units")
	}

	if cfg.UseInventoryShim() {
		log.Warn().Str("file", cfg.Inventory.FileShim).Msg("using file shim for inventory managers")
	}
	if cfg.UseFirewallShim() {
		log.Warn().Str("dir", cfg.Firewall.FileShim).Msg("using file shim for firewall targets")
	}

	syncService := service.NewSyncService(
		store,
		service.NewConnector(cfg, logger),
		cfg.Naming.Namer(),
		cfg.Sync.Debounce,
		cfg.Sync.AutoSync,
		logger,
	)

	var verifier auth.TokenVerifier
	if cfg.OIDC.Enabled {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID, cfg.OIDC.GetAllowedDomains())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize OIDC")
		}
		verifier = v
		log.Info().Str("issuer", cfg.OIDC.IssuerURL).Msg("OIDC bearer tokens enabled")
	}

	router := api.NewRouter(store, syncService, cfg.Sync.BootstrapAPIKey, verifier, logger)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // sync endpoints run a full pass
		IdleTimeout:  120 * time.Second,
	}

	if cfg.Sync.Interval > 0 {
		go syncService.Run(ctx, cfg.Sync.Interval)
		log.Info().Dur("interval", cfg.Sync.Interval).Msg("periodic sync enabled")
	}
	if cfg.Sync.AutoSync {
		syncService.TriggerSync()
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr()).Msg("starting addrsync")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
