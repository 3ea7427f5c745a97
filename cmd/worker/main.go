package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"CampusPay/internal/app"
	"CampusPay/internal/config"
	"CampusPay/internal/logging"
	"CampusPay/internal/worker"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic("config load failed: " + err.Error())
	}
	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		panic("logger init failed: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer a.Close()

	// No websocket clients connect to the worker.
	a.MuteNotifications()

	w := &worker.Worker{
		Ledger:       a.Ledger,
		Payments:     a.Payments,
		Claims:       a.Claims,
		Metrics:      a.Metrics,
		Log:          logger.Named("worker"),
		Interval:     time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		StaleAfter:   time.Duration(cfg.Worker.StaleAfterSeconds) * time.Second,
		ReleaseAfter: time.Duration(cfg.Worker.ReleaseAfterSeconds) * time.Second,
		Batch:        cfg.Worker.Batch,
	}

	if cfg.Worker.MetricsAddr != "" {
		go func() {
			srv := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: a.Metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	logger.Info("worker started",
		zap.Duration("interval", w.Interval),
		zap.Duration("stale_after", w.StaleAfter),
		zap.Duration("release_after", w.ReleaseAfter),
	)
	w.Run(ctx)
}
