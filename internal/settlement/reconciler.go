package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/internal/delivery"
	"github.com/jogardn/storefront-orders/internal/events"
	"github.com/jogardn/storefront-orders/internal/inventory"
	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/pkg/models"
)

type ReconcilerDeps struct {
	Orders     store.OrderRepository
	Deliveries store.DeliveryRepository
	Gate       *inventory.Gate
	Assigner   *delivery.Assigner
	Publisher  events.Publisher
	Logger     *logrus.Logger
	Clock      func() time.Time
}

// Reconciler finishes the fulfilment of approved orders whose settlement
// stopped after the verdict was recorded.
type Reconciler struct {
	orders     store.OrderRepository
	deliveries store.DeliveryRepository
	gate       *inventory.Gate
	assigner   *delivery.Assigner
	publisher  events.Publisher
	logger     *logrus.Logger
	now        func() time.Time
}

var _ events.SettlementIncompleteHandler = (*Reconciler)(nil)

func NewReconciler(deps ReconcilerDeps) *Reconciler {
	r := &Reconciler{
		orders:     deps.Orders,
		deliveries: deps.Deliveries,
		gate:       deps.Gate,
		assigner:   deps.Assigner,
		publisher:  deps.Publisher,
		logger:     deps.Logger,
		now:        deps.Clock,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.publisher == nil {
		r.publisher = events.Noop{}
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	return r
}

// HandleSettlementIncomplete re-runs the stage named by the event and every
// stage after it. An order that already has a delivery is complete.
//
// Only a status-stage event may move an order out of PENDING; it is published
// solely for charges the gateway approved.
func (r *Reconciler) HandleSettlementIncomplete(ctx context.Context, event events.SettlementIncompleteEvent) error {
	log := r.logger.WithFields(logrus.Fields{
		"id":    event.OrderID,
		"stage": event.Stage,
	})

	order, err := r.orders.Get(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if event.Stage == events.StageStatus && order.Status == models.OrderStatusPending {
		err := r.orders.UpdateStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusApproved, r.now().UTC())
		if err != nil && !apperr.Is(err, apperr.KindConflict) {
			return err
		}
		if order, err = r.orders.Get(ctx, order.ID); err != nil {
			return err
		}
		log.WithField("status", order.Status).Info("Gateway approval recorded")
	}
	if order.Status != models.OrderStatusApproved {
		log.WithField("status", order.Status).Warn("Skipping repair of order that is not approved")
		return nil
	}

	existing, err := r.deliveries.GetByTransactionID(ctx, order.ID)
	switch {
	case err == nil:
		log.WithField("delivery_id", existing.ID).Info("Order already fulfilled")
		return nil
	case !apperr.Is(err, apperr.KindNotFound):
		return err
	}

	switch event.Stage {
	case events.StageStatus, events.StageStock:
		if err := r.gate.Decrement(ctx, order.ID, order.Items); err != nil {
			return err
		}
		log.Info("Stock decremented for approved order")

		if _, err := r.assigner.Assign(ctx, order.ID, order.CustomerID); err != nil {
			// Stock is done; only the delivery is left to repair.
			return r.requeueDelivery(ctx, order, err)
		}
	case events.StageDelivery:
		if _, err := r.assigner.Assign(ctx, order.ID, order.CustomerID); err != nil {
			return err
		}
	default:
		return apperr.Validation("stage", fmt.Sprintf("unknown settlement stage %q", event.Stage))
	}

	log.Info("Approved order fulfilled")
	return nil
}

func (r *Reconciler) requeueDelivery(ctx context.Context, order *models.Order, cause error) error {
	err := r.publisher.PublishSettlementIncomplete(ctx, events.SettlementIncompleteEvent{
		OrderID:       order.ID,
		TransactionID: order.TransactionID,
		CustomerID:    order.CustomerID,
		Items:         order.Items,
		Stage:         events.StageDelivery,
		Error:         cause.Error(),
	})
	if err != nil {
		return apperr.Consistency("stock decremented but delivery repair could not be queued", err)
	}
	r.logger.WithError(cause).WithField("id", order.ID).Warn("Delivery repair requeued")
	return nil
}

// IsRetryable treats typed workflow errors (missing order, short stock) as
// final. Anything else is a storage or transport fault worth another attempt.
func (r *Reconciler) IsRetryable(err error) bool {
	_, typed := apperr.As(err)
	return !typed
}
