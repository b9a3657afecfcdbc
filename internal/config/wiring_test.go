package config

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/events"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestOpenStoreMemorySeedsCatalog(t *testing.T) {
	cfg, err := LoadFrom(env(map[string]string{"STORE_DRIVER": "memory"}))
	if err != nil {
		t.Fatal(err)
	}

	s, err := cfg.OpenStore(context.Background(), quietLogger())
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer s.Close()

	products, err := s.Products().List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != len(DemoCatalog()) {
		t.Errorf("products = %d, want %d", len(products), len(DemoCatalog()))
	}
}

func TestNewPublisherWithoutBrokers(t *testing.T) {
	cfg, err := LoadFrom(env(nil))
	if err != nil {
		t.Fatal(err)
	}

	publisher, closeFn, err := cfg.NewPublisher(quietLogger())
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	if _, ok := publisher.(events.Noop); !ok {
		t.Errorf("publisher = %T, want events.Noop", publisher)
	}
	if err := closeFn(); err != nil {
		t.Errorf("close error = %v", err)
	}
}
