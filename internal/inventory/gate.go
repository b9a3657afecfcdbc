// Package inventory checks and consumes product stock for orders.
package inventory

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/pkg/models"
)

type Gate struct {
	products store.ProductRepository
	logger   *logrus.Logger
}

func NewGate(products store.ProductRepository, logger *logrus.Logger) *Gate {
	return &Gate{products: products, logger: logger}
}

// CheckAvailability looks up every line item in order and returns the
// products it read, keyed by id. Quantities of a repeated product are summed
// before comparing against stock. Nothing is reserved.
func (g *Gate) CheckAvailability(ctx context.Context, items []models.LineItem) (map[string]models.Product, error) {
	catalog := make(map[string]models.Product, len(items))
	requested := make(map[string]int, len(items))

	for _, item := range items {
		product, ok := catalog[item.ProductID]
		if !ok {
			p, err := g.products.Get(ctx, item.ProductID)
			if err != nil {
				return nil, err
			}
			product = *p
			catalog[item.ProductID] = product
		}

		requested[item.ProductID] += item.Quantity
		if product.Stock < requested[item.ProductID] {
			g.logger.WithFields(logrus.Fields{
				"product_id": item.ProductID,
				"stock":      product.Stock,
				"requested":  requested[item.ProductID],
			}).Info("Insufficient stock")
			return nil, apperr.InsufficientStock(item.ProductID)
		}
	}

	return catalog, nil
}

// Decrement consumes stock for all items of orderID atomically. Calling it
// again for the same order is a no-op.
func (g *Gate) Decrement(ctx context.Context, orderID string, items []models.LineItem) error {
	if err := g.products.DecrementStock(ctx, orderID, items); err != nil {
		return err
	}
	g.logger.WithFields(logrus.Fields{
		"id":          orderID,
		"items_count": len(items),
	}).Debug("Stock decremented")
	return nil
}
