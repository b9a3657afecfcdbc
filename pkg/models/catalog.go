package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
}

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusAssigned  DeliveryStatus = "ASSIGNED"
	DeliveryStatusShipped   DeliveryStatus = "SHIPPED"
	DeliveryStatusDelivered DeliveryStatus = "DELIVERED"
)

// Delivery is the fulfilment record of an approved order. TransactionID holds
// the internal Order.ID it fulfils.
type Delivery struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	CustomerID    string         `json:"customer_id"`
	Status        DeliveryStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CardData is forwarded to the payment gateway and never stored.
type CardData struct {
	Number     string `json:"-"`
	ExpMonth   int    `json:"-"`
	ExpYear    int    `json:"-"`
	CVV        string `json:"-"`
	HolderName string `json:"-"`
}

// LastFour returns the trailing four digits of the card number.
func (c CardData) LastFour() string {
	digits := make([]byte, 0, len(c.Number))
	for i := 0; i < len(c.Number); i++ {
		if c.Number[i] >= '0' && c.Number[i] <= '9' {
			digits = append(digits, c.Number[i])
		}
	}
	if len(digits) <= 4 {
		return string(digits)
	}
	return string(digits[len(digits)-4:])
}
