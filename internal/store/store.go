// Package store declares the persistence contracts of the order workflow.
// Implementations live in the memory and postgres subpackages.
//
// Lookups of missing rows return an *apperr.Error of kind NotFound. Writes that
// collide with a unique key return kind Conflict.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/pkg/models"
)

type OrderRepository interface {
	// Create assigns order.ID when empty and persists the order.
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Order, error)
	List(ctx context.Context) ([]*models.Order, error)
	// UpdateStatus moves the order from one status to another. It fails with
	// Conflict when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) error
}

type ProductRepository interface {
	Get(ctx context.Context, id string) (*models.Product, error)
	List(ctx context.Context) ([]*models.Product, error)
	// DecrementStock subtracts every line item from stock or none of them,
	// at most once per order: a repeated call for an orderID whose stock was
	// already taken returns nil and changes nothing. A product without enough
	// stock yields InsufficientStock.
	DecrementStock(ctx context.Context, orderID string, items []models.LineItem) error
}

type CustomerRepository interface {
	Get(ctx context.Context, id string) (*models.Customer, error)
	// FindOrCreateByEmail returns the customer registered under c.Email, or
	// inserts c when there is none. An existing row is never modified.
	FindOrCreateByEmail(ctx context.Context, c *models.Customer) (*models.Customer, error)
	List(ctx context.Context) ([]*models.Customer, error)
}

type DeliveryRepository interface {
	// Create inserts d unless a delivery for d.TransactionID already exists,
	// in which case the existing one is returned.
	Create(ctx context.Context, d *models.Delivery) (*models.Delivery, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Delivery, error)
	List(ctx context.Context) ([]*models.Delivery, error)
}

// Store bundles the repositories of one backend.
type Store interface {
	Orders() OrderRepository
	Products() ProductRepository
	Customers() CustomerRepository
	Deliveries() DeliveryRepository
	Ping(ctx context.Context) error
	Close() error
}

// AggregateItems sums quantities of repeated product ids, keeping first-seen order.
func AggregateItems(items []models.LineItem) []models.LineItem {
	index := make(map[string]int, len(items))
	out := make([]models.LineItem, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ProductID]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(out)
		out = append(out, item)
	}
	return out
}

// NormalizeEmail is the form under which customer emails are keyed.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// FindOrder looks an order up by internal id, then by transaction id.
func FindOrder(ctx context.Context, orders OrderRepository, ref string) (*models.Order, error) {
	order, err := orders.Get(ctx, ref)
	if err == nil {
		return order, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}

	order, err = orders.GetByTransactionID(ctx, ref)
	if err == nil {
		return order, nil
	}
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.NotFound("order", ref)
	}
	return nil, err
}
