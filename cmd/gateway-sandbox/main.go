package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/config"
	"github.com/jogardn/storefront-orders/internal/gateway"
	"github.com/jogardn/storefront-orders/internal/orders"
)

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := cfg.NewLogger()

	handler := gateway.NewSandboxHandler(gateway.SandboxConfig{
		PublicKey:        cfg.Gateway.PublicKey,
		PrivateKey:       cfg.Gateway.PrivateKey,
		DeclineThreshold: cfg.Gateway.DeclineThreshold,
		Latency:          cfg.Gateway.Latency,
	}, logger)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      orders.LoggingMiddleware(logger)(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Gateway.Latency + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"addr":              *addr,
			"decline_threshold": cfg.Gateway.DeclineThreshold.String(),
		}).Info("Starting payment gateway sandbox")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down sandbox...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Sandbox forced to shutdown")
	}
	logger.Info("Sandbox stopped")
}
