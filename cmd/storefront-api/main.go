package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jogardn/storefront-orders/internal/circuitbreaker"
	"github.com/jogardn/storefront-orders/internal/comparison"
	"github.com/jogardn/storefront-orders/internal/config"
	"github.com/jogardn/storefront-orders/internal/customers"
	"github.com/jogardn/storefront-orders/internal/delivery"
	"github.com/jogardn/storefront-orders/internal/gateway"
	"github.com/jogardn/storefront-orders/internal/inventory"
	"github.com/jogardn/storefront-orders/internal/orders"
	"github.com/jogardn/storefront-orders/internal/pricing"
	"github.com/jogardn/storefront-orders/internal/settlement"
	"github.com/jogardn/storefront-orders/internal/validation"
	"github.com/jogardn/storefront-orders/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	publisher, closePublisher, err := cfg.NewPublisher(logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create event publisher")
	}
	defer closePublisher()

	breakers := circuitbreaker.NewManager(logger)
	paymentGateway := newGateway(cfg.Gateway, breakers, logger)

	hub := websocket.NewHub(logger)
	gate := inventory.NewGate(st.Products(), logger)
	assigner := delivery.NewAssigner(delivery.AssignerDeps{Deliveries: st.Deliveries(), Logger: logger})

	service := orders.NewService(orders.Deps{
		Orders:    st.Orders(),
		Gate:      gate,
		Resolver:  customers.NewResolver(customers.ResolverDeps{Customers: st.Customers(), Logger: logger}),
		Policy:    pricing.NewPolicy(pricing.Config{BaseFee: cfg.BaseFee, DeliveryFee: cfg.DeliveryFee}),
		Publisher: publisher,
		Notifier:  hub,
		Rules:     validation.OrderRules{MaxQuantityPerItem: cfg.MaxQuantityPerItem},
		Logger:    logger,
	})

	orchestrator := settlement.NewOrchestrator(settlement.Deps{
		Orders:    st.Orders(),
		Customers: st.Customers(),
		Gateway:   paymentGateway,
		Gate:      gate,
		Assigner:  assigner,
		Publisher: publisher,
		Notifier:  hub,
		Logger:    logger,
	})

	auditor := comparison.NewAuditor(comparison.AuditorDeps{
		Orders:       st.Orders(),
		Deliveries:   st.Deliveries(),
		Products:     st.Products(),
		Logger:       logger,
		StalePending: cfg.StalePending,
	})

	handler := orders.NewHandler(orders.HandlerDeps{
		Service:  service,
		Settler:  orchestrator,
		Store:    st,
		Breakers: breakers,
		Auditor:  auditor,
		Feed:     http.HandlerFunc(hub.HandleWebSocket),
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Gateway.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"port":         cfg.Port,
			"store":        cfg.StoreDriver,
			"gateway_mode": cfg.Gateway.Mode,
		}).Info("Starting storefront API")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		return
	}
	logger.Info("Server gracefully stopped")
}

// newGateway builds the processor client for the configured mode behind a
// timeout and a circuit breaker registered with breakers.
func newGateway(cfg config.GatewayConfig, breakers *circuitbreaker.Manager, logger *logrus.Logger) gateway.Gateway {
	var next gateway.Gateway
	switch cfg.Mode {
	case config.GatewayModeHTTP:
		next = gateway.NewClient(gateway.ClientConfig{
			BaseURL:    cfg.BaseURL,
			PublicKey:  cfg.PublicKey,
			PrivateKey: cfg.PrivateKey,
			Currency:   cfg.Currency,
		}, logger)
	default:
		mock := gateway.NewMock(cfg.DeclineThreshold)
		mock.Latency = cfg.Latency
		next = mock
	}

	breaker := breakers.GetOrCreate("payment-gateway", circuitbreaker.Config{
		MaxFailures: cfg.BreakerMaxFailures,
		Timeout:     cfg.BreakerTimeout,
		IsFailure:   gateway.CountsAsFailure,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from":            from.String(),
				"to":              to.String(),
			}).Warn("Payment gateway circuit breaker changed state")
		},
	})
	return gateway.NewGuarded(next, breaker, cfg.Timeout, logger)
}
