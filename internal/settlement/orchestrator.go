// Package settlement charges PENDING orders through the payment gateway and
// fulfils the approved ones.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/internal/delivery"
	"github.com/jogardn/storefront-orders/internal/events"
	"github.com/jogardn/storefront-orders/internal/gateway"
	"github.com/jogardn/storefront-orders/internal/inventory"
	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/internal/websocket"
	"github.com/jogardn/storefront-orders/pkg/models"
)

type Notifier interface {
	Broadcast(messageType string, data any, source string)
}

type Deps struct {
	Orders    store.OrderRepository
	Customers store.CustomerRepository
	Gateway   gateway.Gateway
	Gate      *inventory.Gate
	Assigner  *delivery.Assigner
	Publisher events.Publisher
	Notifier  Notifier
	Logger    *logrus.Logger
	Clock     func() time.Time
}

type Orchestrator struct {
	orders    store.OrderRepository
	customers store.CustomerRepository
	gateway   gateway.Gateway
	gate      *inventory.Gate
	assigner  *delivery.Assigner
	publisher events.Publisher
	notifier  Notifier
	logger    *logrus.Logger
	now       func() time.Time
}

func NewOrchestrator(deps Deps) *Orchestrator {
	o := &Orchestrator{
		orders:    deps.Orders,
		customers: deps.Customers,
		gateway:   deps.Gateway,
		gate:      deps.Gate,
		assigner:  deps.Assigner,
		publisher: deps.Publisher,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		now:       deps.Clock,
	}
	if o.publisher == nil {
		o.publisher = events.Noop{}
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Result is a settled order. Delivery is set only for APPROVED orders.
type Result struct {
	Order     *models.Order
	Customer  *models.Customer
	Delivery  *models.Delivery
	GatewayID string
}

// Settle charges the order named by ref (internal id or transaction id) once.
//
// A gateway error or timeout leaves the order PENDING. A settled order is
// rejected with Conflict before the gateway is contacted. Once the gateway has
// answered, the remaining steps run to completion even if ctx is cancelled.
// When the charge is approved but the verdict, stock or delivery cannot be
// stored, an incomplete-settlement event is published for the reconciler and
// a Consistency error returned.
func (o *Orchestrator) Settle(ctx context.Context, ref string, card models.CardData) (*Result, error) {
	order, err := store.FindOrder(ctx, o.orders, ref)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, apperr.Conflict("order", order.ID, "order is already "+string(order.Status))
	}

	customer, err := o.customers.Get(ctx, order.CustomerID)
	if err != nil {
		return nil, err
	}

	log := o.logger.WithFields(logrus.Fields{
		"id":             order.ID,
		"transaction_id": order.TransactionID,
		"amount":         order.Amount.String(),
		"card_last_four": card.LastFour(),
	})

	verdict, err := o.gateway.Charge(ctx, gateway.ChargeRequest{
		Reference:     order.TransactionID,
		Amount:        order.Amount,
		Card:          card,
		CustomerEmail: customer.Email,
	})
	if err != nil {
		if _, ok := apperr.As(err); !ok {
			err = apperr.PaymentGateway("payment gateway request failed", err)
		}
		log.WithError(err).Warn("Charge failed, order left pending")
		return nil, err
	}

	// The customer has been charged; a client disconnect must not lose that.
	ctx = context.WithoutCancel(ctx)

	if err := o.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPending, verdict.Status, o.now().UTC()); err != nil {
		if verdict.Status == models.OrderStatusApproved && !apperr.Is(err, apperr.KindConflict) {
			return nil, o.incomplete(ctx, order, events.StageStatus, err)
		}
		log.WithError(err).Error("Failed to record gateway verdict")
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"status":     verdict.Status,
		"gateway_id": verdict.GatewayID,
	}).Info("Gateway verdict recorded")

	var assigned *models.Delivery
	if verdict.Status == models.OrderStatusApproved {
		assigned, err = o.fulfil(ctx, order)
		if err != nil {
			return nil, err
		}
	}

	settled, err := o.orders.Get(ctx, order.ID)
	if err != nil {
		return nil, apperr.Consistency("order missing after status update", err)
	}

	o.announce(ctx, settled, assigned)
	return &Result{Order: settled, Customer: customer, Delivery: assigned, GatewayID: verdict.GatewayID}, nil
}

func (o *Orchestrator) fulfil(ctx context.Context, order *models.Order) (*models.Delivery, error) {
	if err := o.gate.Decrement(ctx, order.ID, order.Items); err != nil {
		return nil, o.incomplete(ctx, order, events.StageStock, err)
	}
	assigned, err := o.assigner.Assign(ctx, order.ID, order.CustomerID)
	if err != nil {
		return nil, o.incomplete(ctx, order, events.StageDelivery, err)
	}
	return assigned, nil
}

func (o *Orchestrator) incomplete(ctx context.Context, order *models.Order, stage events.Stage, cause error) error {
	o.logger.WithError(cause).WithFields(logrus.Fields{
		"id":    order.ID,
		"stage": stage,
	}).Error("Approved order could not be fulfilled")

	if err := o.publisher.PublishSettlementIncomplete(ctx, events.SettlementIncompleteEvent{
		OrderID:       order.ID,
		TransactionID: order.TransactionID,
		CustomerID:    order.CustomerID,
		Items:         order.Items,
		Stage:         stage,
		Error:         cause.Error(),
	}); err != nil {
		o.logger.WithError(err).WithField("id", order.ID).Error("Failed to publish settlement incomplete event")
	}

	return apperr.Consistency(fmt.Sprintf("order approved but %s step failed", stage), cause)
}

func (o *Orchestrator) announce(ctx context.Context, order *models.Order, assigned *models.Delivery) {
	var deliveryID string
	if assigned != nil {
		deliveryID = assigned.ID
	}

	if err := o.publisher.PublishOrderSettled(ctx, events.OrderSettledEvent{
		OrderID:       order.ID,
		TransactionID: order.TransactionID,
		CustomerID:    order.CustomerID,
		Status:        order.Status,
		Amount:        order.Amount.String(),
		DeliveryID:    deliveryID,
	}); err != nil {
		o.logger.WithError(err).WithField("id", order.ID).Error("Failed to publish order settled event")
	}

	if o.notifier != nil {
		o.notifier.Broadcast(websocket.TypeOrderStatusChange, websocket.OrderStatus{
			ID:            order.ID,
			TransactionID: order.TransactionID,
			OrderID:       order.OrderID,
			Status:        string(order.Status),
			Amount:        order.Amount.String(),
			DeliveryID:    deliveryID,
		}, "settlement")
	}
}
