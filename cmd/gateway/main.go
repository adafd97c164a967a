package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smsterm/gateway/internal/gateway/dispatch"
	"github.com/smsterm/gateway/internal/gateway/httpapi"
	"github.com/smsterm/gateway/internal/gateway/notify"
	"github.com/smsterm/gateway/internal/gateway/plugin"
	"github.com/smsterm/gateway/internal/gateway/repository/postgres"
	"github.com/smsterm/gateway/internal/gateway/routing"
	"github.com/smsterm/gateway/internal/gateway/term"
	"github.com/smsterm/gateway/internal/platform/config"
	"github.com/smsterm/gateway/internal/platform/database"
	"github.com/smsterm/gateway/internal/platform/logger"
	"github.com/smsterm/gateway/internal/platform/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.LogLevel)
	appLogger.Info("SMS gateway starting...", "log_level", cfg.LogLevel)
	appLogger.Info("Gateway client secret", "secret", cfg.Secret)

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewDBPool(appCtx, cfg.PostgresDSN)
	if err != nil {
		appLogger.Error("Failed to connect to PostgreSQL database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	appLogger.Info("Successfully connected to PostgreSQL database")

	queueRepo := postgres.NewPgQueueRepository(dbPool, appLogger)
	logRepo := postgres.NewPgLogRepository(dbPool, appLogger)

	activityLog, err := logger.NewFile(filepath.Join(cfg.LogDir, "activity.log"))
	if err != nil {
		appLogger.Error("Failed to open activity log", "error", err)
		os.Exit(1)
	}

	operatorTable, err := routing.LoadOperatorTable(filepath.Join(cfg.ConfigDir, cfg.OperatorFilename))
	if err != nil {
		appLogger.Warn("Operator table unavailable, operator routing disabled", "error", err)
		operatorTable = routing.NewOperatorTable(nil, nil)
	}

	hub := notify.NewHub(cfg.Secret, appLogger)
	registry := plugin.NewRegistry(appLogger)

	// the resolver's country detection closes over the fleet, which is
	// built after the selector it feeds
	var fleet *term.Fleet
	resolver := routing.NewResolver(operatorTable, cfg.CountryCode, func() string {
		if fleet == nil {
			return ""
		}
		return fleet.DetectCountry()
	})
	selector := routing.NewSelector(resolver, appLogger)
	fleet = term.NewFleet(queueRepo, logRepo, hub, selector, registry, activityLog, appLogger)

	filter := routing.NewAddressFilter(cfg.Blacklists, cfg.PremiumLen, appLogger)
	activity := dispatch.NewActivityDispatcher(appCtx, fleet, hub, registry, filter, queueRepo, cfg.ReloadInterval, appLogger)
	fleet.SetActivityDispatcher(activity)

	if err := registry.Register(appCtx, plugin.NewActivityLog(activityLog)); err != nil {
		appLogger.Error("Failed to register log plugin", "error", err)
		os.Exit(1)
	}
	prepaidConf := filepath.Join(cfg.ConfigDir, "prepaid.json")
	if _, err := os.Stat(prepaidConf); err == nil {
		prepaid := plugin.NewPrepaid(fleet, prepaidConf, filepath.Join(cfg.ConfigDir, "prepaid-data.json"), appLogger)
		if err := registry.Register(appCtx, prepaid); err != nil {
			appLogger.Error("Failed to register prepaid plugin", "error", err)
			os.Exit(1)
		}
	}

	dialers := func(endpoint string) (transport.Dialer, error) {
		return transport.NewNATSDialer(cfg.NATSUrl, endpoint, "sms-gateway", appLogger)
	}
	deps := term.PoolDeps{
		QueueRepo:      queueRepo,
		LogRepo:        logRepo,
		Activity:       activity,
		ConfigDir:      cfg.ConfigDir,
		CommandTimeout: cfg.CommandTimeout,
		ReloadInterval: cfg.ReloadInterval,
		MaxRetry:       cfg.MaxRetry,
		Logger:         appLogger,
	}
	if err := fleet.Start(appCtx, cfg.Pools, dialers, deps); err != nil {
		appLogger.Error("Failed to start terminal pools", "error", err)
		os.Exit(1)
	}
	defer fleet.Close()

	apiHandler := httpapi.NewHandler(fleet, hub, queueRepo, registry, appLogger)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: apiHandler.Router(),
	}

	g, gCtx := errgroup.WithContext(appCtx)
	g.Go(func() error {
		appLogger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		appLogger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("Gateway terminated with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("SMS gateway shut down successfully")
}
