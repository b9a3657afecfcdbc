// Package gateway talks to the external card processor that settles orders.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/jogardn/storefront-orders/pkg/models"
)

// Gateway charges a card and reports the processor's verdict.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Verdict, error)
}

type ChargeRequest struct {
	// Reference is the order's human transaction id, echoed by the processor.
	Reference     string
	Amount        decimal.Decimal
	Card          models.CardData
	CustomerEmail string
}

// Verdict is the processor's answer. Status is APPROVED, DECLINED or PENDING;
// any unrecognised processor status maps to PENDING.
type Verdict struct {
	Status    models.OrderStatus
	GatewayID string
}

func verdictFromStatus(status string) models.OrderStatus {
	switch status {
	case "APPROVED":
		return models.OrderStatusApproved
	case "DECLINED":
		return models.OrderStatusDeclined
	default:
		return models.OrderStatusPending
	}
}

// AmountInCents converts a major-unit amount to the integer cents the
// processor expects, rounding half away from zero.
func AmountInCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
