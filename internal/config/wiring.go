package config

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/events"
	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/internal/store/memory"
	"github.com/jogardn/storefront-orders/internal/store/postgres"
	"github.com/jogardn/storefront-orders/pkg/models"
)

// DemoCatalog is loaded into the memory store so a fresh process can take orders.
func DemoCatalog() []models.Product {
	return []models.Product{
		{ID: "prod-001", Name: "Wireless Headphones", Description: "Over-ear, noise cancelling", Price: decimal.NewFromInt(250000), Stock: 25},
		{ID: "prod-002", Name: "Mechanical Keyboard", Description: "Tenkeyless, brown switches", Price: decimal.NewFromInt(380000), Stock: 15},
		{ID: "prod-003", Name: "USB-C Hub", Description: "7 ports, 100W passthrough", Price: decimal.NewFromInt(120000), Stock: 40},
		{ID: "prod-004", Name: "4K Monitor", Description: "27 inch IPS", Price: decimal.NewFromInt(1450000), Stock: 5},
	}
}

// OpenStore connects the backend named by StoreDriver.
func (c *Config) OpenStore(ctx context.Context, logger *logrus.Logger) (store.Store, error) {
	switch c.StoreDriver {
	case StoreDriverMemory:
		s := memory.New()
		s.SeedProducts(DemoCatalog()...)
		logger.WithField("products", len(DemoCatalog())).Info("Using in-memory store with demo catalog")
		return s, nil
	case StoreDriverPostgres:
		s, err := postgres.Open(ctx, c.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
}

// NewPublisher returns a Kafka publisher, or events.Noop when no brokers are
// configured. The returned close func is never nil.
func (c *Config) NewPublisher(logger *logrus.Logger) (events.Publisher, func() error, error) {
	if c.KafkaBrokers == "" {
		logger.Warn("KAFKA_BROKERS not set, order events are discarded")
		return events.Noop{}, func() error { return nil }, nil
	}

	producer, err := events.NewKafkaProducer(c.KafkaBrokers, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, producer.Close, nil
}
