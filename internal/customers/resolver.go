// Package customers resolves the buyer of an order to a stored customer.
package customers

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/pkg/models"
)

type ResolverDeps struct {
	Customers   store.CustomerRepository
	Logger      *logrus.Logger
	Clock       func() time.Time
	IDGenerator func() string
}

type Resolver struct {
	customers store.CustomerRepository
	logger    *logrus.Logger
	now       func() time.Time
	newID     func() string
}

func NewResolver(deps ResolverDeps) *Resolver {
	r := &Resolver{
		customers: deps.Customers,
		logger:    deps.Logger,
		now:       deps.Clock,
		newID:     deps.IDGenerator,
	}
	if r.logger == nil {
		r.logger = logrus.StandardLogger()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.newID == nil {
		r.newID = func() string { return uuid.New().String() }
	}
	return r
}

// Resolve returns the customer registered under email, creating it from name
// and address on first sight. A returning customer keeps the stored name and
// address even when the request carries different ones.
func (r *Resolver) Resolve(ctx context.Context, name, email, address string) (*models.Customer, error) {
	c, err := r.customers.FindOrCreateByEmail(ctx, &models.Customer{
		ID:        r.newID(),
		Name:      strings.TrimSpace(name),
		Email:     store.NormalizeEmail(email),
		Address:   strings.TrimSpace(address),
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	r.logger.WithField("customer_id", c.ID).Debug("Customer resolved")
	return c, nil
}
