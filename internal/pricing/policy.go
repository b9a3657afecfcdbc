// Package pricing computes the fee breakdown of an order.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/pkg/models"
)

// Config is the fee schedule applied to every order.
type Config struct {
	BaseFee     decimal.Decimal
	DeliveryFee decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		BaseFee:     decimal.NewFromInt(50),
		DeliveryFee: decimal.NewFromInt(100),
	}
}

type Breakdown struct {
	Subtotal    decimal.Decimal
	BaseFee     decimal.Decimal
	DeliveryFee decimal.Decimal
	Amount      decimal.Decimal
}

type Policy struct {
	cfg Config
}

func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Price sums unit price times quantity over items using the supplied catalog
// and adds the fixed fees.
func (p *Policy) Price(items []models.LineItem, catalog map[string]models.Product) (Breakdown, error) {
	subtotal := decimal.Zero
	for _, item := range items {
		product, ok := catalog[item.ProductID]
		if !ok {
			return Breakdown{}, apperr.NotFound("product", item.ProductID)
		}
		subtotal = subtotal.Add(product.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	return Breakdown{
		Subtotal:    subtotal,
		BaseFee:     p.cfg.BaseFee,
		DeliveryFee: p.cfg.DeliveryFee,
		Amount:      subtotal.Add(p.cfg.BaseFee).Add(p.cfg.DeliveryFee),
	}, nil
}
