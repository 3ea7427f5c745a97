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
	internalhttp "CampusPay/internal/http"
	"CampusPay/internal/logging"

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

	ctx := context.Background()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("bootstrap failed", zap.Error(err))
	}
	defer a.Close()

	h := &internalhttp.Handler{
		Payments: a.Payments,
		Claims:   a.Claims,
		Chains:   a.Chains,
		Rates:    a.Oracle,
		Ledger:   a.Ledger,
		Hub:      a.Hub,
		Log:      logger.Named("http"),
	}
	srv := internalhttp.NewServer(h, a.Metrics)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
