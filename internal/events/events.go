// Package events publishes and consumes order lifecycle events on Kafka.
package events

import (
	"context"
	"time"

	"github.com/jogardn/storefront-orders/pkg/models"
)

const (
	OrderCreatedTopic            = "order.created"
	OrderSettledTopic            = "order.settled"
	SettlementIncompleteTopic    = "order.settlement.incomplete"
	SettlementIncompleteDLQTopic = "order.settlement.incomplete.dlq"
)

type OrderCreatedEvent struct {
	OrderID       string            `json:"order_id"`
	TransactionID string            `json:"transaction_id"`
	CustomerID    string            `json:"customer_id"`
	Items         []models.LineItem `json:"items"`
	Amount        string            `json:"amount"`
	CreatedAt     time.Time         `json:"created_at"`
	EventTime     time.Time         `json:"event_time"`
}

type OrderSettledEvent struct {
	OrderID       string             `json:"order_id"`
	TransactionID string             `json:"transaction_id"`
	CustomerID    string             `json:"customer_id"`
	Status        models.OrderStatus `json:"status"`
	Amount        string             `json:"amount"`
	DeliveryID    string             `json:"delivery_id,omitempty"`
	EventTime     time.Time          `json:"event_time"`
}

// Stage names the post-approval step that did not complete.
type Stage string

const (
	// StageStatus: the gateway approved the charge but the order is still
	// PENDING because the verdict could not be stored.
	StageStatus   Stage = "status"
	StageStock    Stage = "stock"
	StageDelivery Stage = "delivery"
)

// SettlementIncompleteEvent reports an APPROVED order whose fulfilment
// stopped at Stage. Stages after Stage did not run either.
type SettlementIncompleteEvent struct {
	OrderID       string            `json:"order_id"`
	TransactionID string            `json:"transaction_id"`
	CustomerID    string            `json:"customer_id"`
	Items         []models.LineItem `json:"items"`
	Stage         Stage             `json:"stage"`
	Error         string            `json:"error"`
	EventTime     time.Time         `json:"event_time"`
}

// Publisher is what the order workflows need from the event bus.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, event OrderCreatedEvent) error
	PublishOrderSettled(ctx context.Context, event OrderSettledEvent) error
	PublishSettlementIncomplete(ctx context.Context, event SettlementIncompleteEvent) error
}

// Noop discards events. It is used when no brokers are configured.
type Noop struct{}

func (Noop) PublishOrderCreated(context.Context, OrderCreatedEvent) error { return nil }
func (Noop) PublishOrderSettled(context.Context, OrderSettledEvent) error { return nil }
func (Noop) PublishSettlementIncomplete(context.Context, SettlementIncompleteEvent) error {
	return nil
}
