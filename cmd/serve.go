package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tankmon/internal/api"
	"tankmon/internal/authrelay"
	"tankmon/internal/browser"
	"tankmon/internal/clock/system"
	"tankmon/internal/config"
	"tankmon/internal/fetch"
	"tankmon/internal/history"
	"tankmon/internal/logging"
	"tankmon/internal/metrics"
	"tankmon/internal/publisher/mqtt"
	"tankmon/internal/scheduler"
	"tankmon/internal/tank"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tank monitor service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	path := cfgFile
	if path == "" {
		path = filepath.Join(config.Default().Data.Dir, "config.yaml")
	}
	store, err := config.NewStore(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := store.Current()

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	session := browser.NewSession(browser.Config{
		UserAgent:   cfg.Browser.UserAgent,
		ExecPath:    cfg.Browser.ExecPath,
		SessionPath: filepath.Join(cfg.Data.Dir, "cookies.json"),
		Settle:      cfg.Browser.Settle(),
		NavTimeout:  cfg.Browser.NavTimeout(),
	}, logger.Named("browser"))

	relay := authrelay.New(session, cfg.Browser.LoginURL, func() (string, string) {
		c := store.Current()
		return c.Account.Email, c.Account.Password
	}, logger.Named("authrelay"))

	var hist tank.HistoryStore
	histStore, err := history.Open(filepath.Join(cfg.Data.Dir, "history.db"))
	if err != nil {
		logger.Warn("history store unavailable, continuing without it", zap.Error(err))
	} else {
		hist = histStore
	}

	pub := mqtt.New(func() config.MQTTConfig {
		return store.Current().MQTT
	}, logger.Named("mqtt"))

	coord := fetch.New(session, relay, pub, hist, store.Current, system.New(), m, logger.Named("fetch"))

	sched := scheduler.New(coord, func() (time.Duration, time.Duration) {
		c := store.Current()
		return c.Refresh.StartupGrace(), c.Refresh.Interval()
	}, logger.Named("scheduler"))
	sched.Start(ctx)

	apiServer := api.NewServer(
		coord, relay, session, store, hist, m,
		func() { sched.Start(ctx) },
		logger.Named("api"),
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sched.Stop()
	if err := pub.Offline(shutdownCtx); err != nil {
		logger.Warn("availability offline publish failed", zap.Error(err))
	}
	if err := session.Close(shutdownCtx); err != nil {
		logger.Warn("browser close failed", zap.Error(err))
	}
	if histStore != nil {
		if err := histStore.Close(); err != nil {
			logger.Warn("history close failed", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
