package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/enterstudio/browserless/internal/api"
	"github.com/enterstudio/browserless/internal/browser"
	"github.com/enterstudio/browserless/internal/config"
	"github.com/enterstudio/browserless/internal/hooks"
	"github.com/enterstudio/browserless/internal/logging"
	"github.com/enterstudio/browserless/internal/metrics"
	"github.com/enterstudio/browserless/internal/pressure"
	"github.com/enterstudio/browserless/internal/sandbox"
	"github.com/enterstudio/browserless/internal/session"
	"github.com/enterstudio/browserless/internal/swarm"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the browserless HTTP service.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := browser.NewChromedpDriver(cfg.LaunchTimeout(), logger.Named("driver"))
	sw := swarm.New(driver, swarm.Config{
		Size:              cfg.Session.MaxConcurrent,
		LaunchFlags:       cfg.Browser.LaunchFlags,
		LaunchRetries:     cfg.Swarm.LaunchRetries,
		RefreshInterval:   cfg.RefreshInterval(),
		MaxRefreshRetries: cfg.Swarm.MaxRefreshRetries,
		KeepAlive:         cfg.Session.KeepAlive,
		Preboot:           cfg.Session.Preboot,
	}, logger.Named("swarm"))

	stats := session.NewStats()
	notifier := hooks.New(hooks.Config{
		QueuedURL:  cfg.Hooks.QueuedURL,
		TimeoutURL: cfg.Hooks.TimeoutURL,
		ErrorURL:   cfg.Hooks.ErrorURL,
	}, logger.Named("hooks"))

	queue := session.NewQueue(sw, stats, notifier, session.QueueConfig{
		MaxConcurrent: cfg.Session.MaxConcurrent,
		Timeout:       cfg.SessionTimeout(),
		KeepAlive:     cfg.Session.KeepAlive,
	}, logger.Named("queue"))
	sw.SetQueueProbe(queue.Len)

	var monitor pressure.Monitor = pressure.Static(false)
	if cfg.Pressure.Enabled {
		hostMonitor, err := pressure.NewHostMonitor(pressure.Config{
			MaxLoadPerCPU:      cfg.Pressure.MaxLoadPerCPU,
			MinFreeMemoryRatio: cfg.Pressure.MinFreeMemoryRatio,
		}, logger.Named("pressure"))
		if err != nil {
			logger.Warn("host pressure monitor unavailable", zap.Error(err))
		} else {
			monitor = hostMonitor
		}
	}

	controller := session.NewController(queue, sandbox.EvalBinder{}, monitor, stats, notifier, session.ControllerConfig{
		MaxConcurrent:  cfg.Session.MaxConcurrent,
		MaxQueueLength: cfg.Session.MaxQueueLength,
		AutoQueue:      cfg.Session.AutoQueue,
	}, logger.Named("admission"))

	if err := sw.Preboot(ctx); err != nil {
		logger.Warn("preboot incomplete", zap.Error(err))
	}
	go sw.Run(ctx)

	apiServer := api.NewServer(controller, queue, sw, monitor, stats, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
