// Package orders implements order intake: validation, stock check, customer
// resolution, pricing and persistence of a PENDING order. It also serves the
// storefront REST API.
package orders

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/internal/customers"
	"github.com/jogardn/storefront-orders/internal/events"
	"github.com/jogardn/storefront-orders/internal/inventory"
	"github.com/jogardn/storefront-orders/internal/pricing"
	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/internal/validation"
	"github.com/jogardn/storefront-orders/internal/websocket"
	"github.com/jogardn/storefront-orders/pkg/models"
)

// maxIdentifierAttempts bounds retries after a display identifier collision.
const maxIdentifierAttempts = 3

// Notifier pushes order updates to live subscribers.
type Notifier interface {
	Broadcast(messageType string, data any, source string)
}

type Deps struct {
	Orders    store.OrderRepository
	Gate      *inventory.Gate
	Resolver  *customers.Resolver
	Policy    *pricing.Policy
	Publisher events.Publisher
	Notifier  Notifier
	Rules     validation.OrderRules
	Logger    *logrus.Logger
	Clock     func() time.Time
	// Suffix returns the four digit suffix shared by TXN- and ORD- identifiers.
	Suffix func() int
}

type Service struct {
	orders    store.OrderRepository
	gate      *inventory.Gate
	resolver  *customers.Resolver
	policy    *pricing.Policy
	publisher events.Publisher
	notifier  Notifier
	rules     validation.OrderRules
	logger    *logrus.Logger
	now       func() time.Time
	suffix    func() int
}

func NewService(deps Deps) *Service {
	s := &Service{
		orders:    deps.Orders,
		gate:      deps.Gate,
		resolver:  deps.Resolver,
		policy:    deps.Policy,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		rules:     deps.Rules,
		logger:    deps.Logger,
		now:       deps.Clock,
		suffix:    deps.Suffix,
	}
	if s.publisher == nil {
		s.publisher = events.Noop{}
	}
	if s.logger == nil {
		s.logger = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.suffix == nil {
		s.suffix = func() int { return rand.IntN(10000) }
	}
	return s
}

// Created is the outcome of CreateOrder. Catalog holds the products read
// during the stock check, keyed by id.
type Created struct {
	Order    *models.Order
	Customer *models.Customer
	Catalog  map[string]models.Product
}

// Identifiers formats the display identifiers of an order created at t.
func Identifiers(t time.Time, suffix int) (transactionID, orderID string) {
	stamp := t.UTC().Format("20060102150405")
	return fmt.Sprintf("TXN-%s-%04d", stamp, suffix%10000),
		fmt.Sprintf("ORD-%s-%04d", stamp, suffix%10000)
}

// CreateOrder runs the intake workflow and stores the order as PENDING.
// Nothing is written when validation or the stock check fails.
func (s *Service) CreateOrder(ctx context.Context, req models.OrderRequest) (*Created, error) {
	if err := validation.ValidateOrder(req, s.rules); err != nil {
		return nil, err
	}

	catalog, err := s.gate.CheckAvailability(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	customer, err := s.resolver.Resolve(ctx, req.CustomerName, req.CustomerEmail, req.CustomerAddress)
	if err != nil {
		return nil, err
	}

	breakdown, err := s.policy.Price(req.Items, catalog)
	if err != nil {
		return nil, err
	}

	var order *models.Order
	for attempt := 1; ; attempt++ {
		now := s.now().UTC()
		transactionID, orderID := Identifiers(now, s.suffix())
		order = &models.Order{
			TransactionID: transactionID,
			OrderID:       orderID,
			CustomerID:    customer.ID,
			Items:         append([]models.LineItem(nil), req.Items...),
			DeliveryInfo:  req.DeliveryInfo,
			Subtotal:      breakdown.Subtotal,
			BaseFee:       breakdown.BaseFee,
			DeliveryFee:   breakdown.DeliveryFee,
			Amount:        breakdown.Amount,
			Status:        models.OrderStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		err = s.orders.Create(ctx, order)
		if err == nil {
			break
		}
		if !apperr.Is(err, apperr.KindConflict) || attempt == maxIdentifierAttempts {
			return nil, err
		}
		s.logger.WithFields(logrus.Fields{
			"transaction_id": transactionID,
			"attempt":        attempt,
		}).Warn("Order identifier collision, regenerating")
	}

	s.logger.WithFields(logrus.Fields{
		"id":             order.ID,
		"transaction_id": order.TransactionID,
		"customer_id":    order.CustomerID,
		"amount":         order.Amount.String(),
		"items_count":    len(order.Items),
	}).Info("Order created")

	if err := s.publisher.PublishOrderCreated(ctx, events.OrderCreatedEvent{
		OrderID:       order.ID,
		TransactionID: order.TransactionID,
		CustomerID:    order.CustomerID,
		Items:         order.Items,
		Amount:        order.Amount.String(),
		CreatedAt:     order.CreatedAt,
	}); err != nil {
		// The order is stored; a missing event does not undo it.
		s.logger.WithError(err).WithField("id", order.ID).Error("Failed to publish order created event")
	}

	if s.notifier != nil {
		s.notifier.Broadcast(websocket.TypeOrderCreated, websocket.OrderStatus{
			ID:            order.ID,
			TransactionID: order.TransactionID,
			OrderID:       order.OrderID,
			Status:        string(order.Status),
			Amount:        order.Amount.String(),
		}, "orders")
	}

	return &Created{Order: order, Customer: customer, Catalog: catalog}, nil
}
