// Package delivery creates fulfilment records for approved orders.
package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/pkg/models"
)

type AssignerDeps struct {
	Deliveries  store.DeliveryRepository
	Logger      *logrus.Logger
	Clock       func() time.Time
	IDGenerator func() string
}

type Assigner struct {
	deliveries store.DeliveryRepository
	logger     *logrus.Logger
	now        func() time.Time
	newID      func() string
}

func NewAssigner(deps AssignerDeps) *Assigner {
	a := &Assigner{
		deliveries: deps.Deliveries,
		logger:     deps.Logger,
		now:        deps.Clock,
		newID:      deps.IDGenerator,
	}
	if a.logger == nil {
		a.logger = logrus.StandardLogger()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.newID == nil {
		a.newID = func() string { return uuid.New().String() }
	}
	return a
}

// Assign creates a PENDING delivery for the order. Calling it again for the
// same order returns the delivery created the first time.
func (a *Assigner) Assign(ctx context.Context, orderID, customerID string) (*models.Delivery, error) {
	d, err := a.deliveries.Create(ctx, &models.Delivery{
		ID:            a.newID(),
		TransactionID: orderID,
		CustomerID:    customerID,
		Status:        models.DeliveryStatusPending,
		CreatedAt:     a.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"delivery_id": d.ID,
		"order_id":    orderID,
	}).Info("Delivery assigned")
	return d, nil
}
