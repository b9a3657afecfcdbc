package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusApproved OrderStatus = "APPROVED"
	OrderStatusDeclined OrderStatus = "DECLINED"
)

// Terminal reports whether no further status transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusApproved || s == OrderStatusDeclined
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusApproved, OrderStatusDeclined:
		return true
	}
	return false
}

// Order is the persisted purchase record. ID is assigned by the repository;
// TransactionID and OrderID are the human-readable display identifiers.
type Order struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	OrderID       string          `json:"order_id"`
	CustomerID    string          `json:"customer_id"`
	Items         []LineItem      `json:"items"`
	DeliveryInfo  DeliveryInfo    `json:"delivery_info"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	BaseFee       decimal.Decimal `json:"base_fee"`
	DeliveryFee   decimal.Decimal `json:"delivery_fee"`
	Amount        decimal.Decimal `json:"amount"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// AmountConsistent checks amount == subtotal + base fee + delivery fee.
func (o *Order) AmountConsistent() bool {
	return o.Amount.Equal(o.Subtotal.Add(o.BaseFee).Add(o.DeliveryFee))
}

type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type DeliveryInfo struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Phone      string `json:"phone"`
}

// OrderRequest is the validated input of the order creation workflow.
type OrderRequest struct {
	CustomerName    string
	CustomerEmail   string
	CustomerAddress string
	DeliveryInfo    DeliveryInfo
	Items           []LineItem
}
