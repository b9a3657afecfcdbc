// Package config reads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/store/postgres"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	GatewayModeHTTP = "http"
	GatewayModeMock = "mock"
)

type Config struct {
	Port     string
	LogLevel logrus.Level

	StoreDriver string
	Database    postgres.Config

	// KafkaBrokers is a comma separated list; empty disables event publishing.
	KafkaBrokers  string
	ConsumerGroup string

	Gateway GatewayConfig

	BaseFee            decimal.Decimal
	DeliveryFee        decimal.Decimal
	MaxQuantityPerItem int
	StalePending       time.Duration
}

type GatewayConfig struct {
	Mode             string
	BaseURL          string
	PublicKey        string
	PrivateKey       string
	Currency         string
	Timeout          time.Duration
	DeclineThreshold decimal.Decimal
	Latency          time.Duration

	BreakerMaxFailures int
	BreakerTimeout     time.Duration
}

// Load builds a Config from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom builds a Config from lookup, which returns "" for unset keys.
func LoadFrom(lookup func(string) string) (*Config, error) {
	p := &parser{lookup: lookup}

	cfg := &Config{
		Port:        p.str("PORT", "8080"),
		StoreDriver: strings.ToLower(p.str("STORE_DRIVER", StoreDriverPostgres)),
		Database: postgres.Config{
			Host:     p.str("DB_HOST", "localhost"),
			Port:     p.str("DB_PORT", "5432"),
			User:     p.str("DB_USER", "storefront"),
			Password: p.str("DB_PASSWORD", "storefront"),
			Name:     p.str("DB_NAME", "storefront"),
			SSLMode:  p.str("DB_SSLMODE", "disable"),
		},
		KafkaBrokers:  p.str("KAFKA_BROKERS", ""),
		ConsumerGroup: p.str("KAFKA_CONSUMER_GROUP", "settlement-reconciler"),
		Gateway: GatewayConfig{
			Mode:               strings.ToLower(p.str("PAYMENT_GATEWAY_MODE", GatewayModeMock)),
			BaseURL:            p.str("PAYMENT_API_URL", "http://localhost:8090"),
			PublicKey:          p.str("PAYMENT_PUBLIC_KEY", "pub_test_sandbox"),
			PrivateKey:         p.str("PAYMENT_PRIVATE_KEY", "prv_test_sandbox"),
			Currency:           p.str("PAYMENT_CURRENCY", "COP"),
			Timeout:            p.duration("PAYMENT_TIMEOUT", 15*time.Second),
			DeclineThreshold:   p.decimal("PAYMENT_DECLINE_THRESHOLD", decimal.NewFromInt(1_000_000)),
			Latency:            p.duration("PAYMENT_MOCK_LATENCY", 0),
			BreakerMaxFailures: p.integer("GATEWAY_BREAKER_MAX_FAILURES", 5),
			BreakerTimeout:     p.duration("GATEWAY_BREAKER_TIMEOUT", 30*time.Second),
		},
		BaseFee:            p.decimal("BASE_FEE", decimal.NewFromInt(50)),
		DeliveryFee:        p.decimal("DELIVERY_FEE", decimal.NewFromInt(100)),
		MaxQuantityPerItem: p.integer("MAX_QUANTITY_PER_ITEM", 100),
		StalePending:       p.duration("STALE_PENDING_AFTER", 30*time.Minute),
	}

	level, err := logrus.ParseLevel(p.str("LOG_LEVEL", "info"))
	if err != nil {
		p.fail("LOG_LEVEL", err)
	}
	cfg.LogLevel = level

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	switch c.Gateway.Mode {
	case GatewayModeHTTP, GatewayModeMock:
	default:
		return fmt.Errorf("PAYMENT_GATEWAY_MODE must be %q or %q, got %q", GatewayModeHTTP, GatewayModeMock, c.Gateway.Mode)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT must be positive")
	}
	if c.BaseFee.IsNegative() || c.DeliveryFee.IsNegative() {
		return fmt.Errorf("fees must not be negative")
	}
	if c.MaxQuantityPerItem < 0 {
		return fmt.Errorf("MAX_QUANTITY_PER_ITEM must not be negative")
	}
	return nil
}

// NewLogger returns the JSON logger every binary uses.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(c.LogLevel)
	return logger
}

// parser keeps the first parse error so Load can report it after reading
// every key.
type parser struct {
	lookup func(string) string
	err    error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.lookup(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}
