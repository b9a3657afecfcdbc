// Package apperr classifies workflow failures so callers can branch on a kind
// instead of parsing messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindInsufficientStock
	KindPaymentGateway
	KindConsistency
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindPaymentGateway:
		return "payment_gateway"
	case KindConsistency:
		return "consistency"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is the typed failure returned by every workflow step.
type Error struct {
	Kind     Kind
	Op       string
	Field    string // failing request field, validation only
	Resource string // "product", "order", "customer"
	ID       string // offending entity id
	Message  string
	Timeout  bool // gateway outcome unknown
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func NotFound(resource, id string) *Error {
	msg := resource + " not found"
	if id != "" {
		msg = fmt.Sprintf("%s '%s' not found", resource, id)
	}
	return &Error{Kind: KindNotFound, Resource: resource, ID: id, Message: msg}
}

func InsufficientStock(productID string) *Error {
	return &Error{
		Kind:     KindInsufficientStock,
		Resource: "product",
		ID:       productID,
		Message:  fmt.Sprintf("insufficient stock for product '%s'", productID),
	}
}

func PaymentGateway(message string, err error) *Error {
	return &Error{Kind: KindPaymentGateway, Message: message, Err: err}
}

// GatewayTimeout marks a charge whose outcome is unknown; it is not a decline.
func GatewayTimeout(err error) *Error {
	return &Error{Kind: KindPaymentGateway, Message: "payment gateway timed out", Timeout: true, Err: err}
}

func Consistency(message string, err error) *Error {
	return &Error{Kind: KindConsistency, Message: message, Err: err}
}

func Conflict(resource, id, message string) *Error {
	return &Error{Kind: KindConflict, Resource: resource, ID: id, Message: message}
}

// WithOp returns a copy of e tagged with the operation name.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.Op = op
	return &cp
}

// As extracts the typed error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsTimeout reports a gateway call that ran out of time.
func IsTimeout(err error) bool {
	if e, ok := As(err); ok && e.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch KindOf(err) {
	case KindValidation, KindInsufficientStock, KindPaymentGateway:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine readable error code exposed to API clients.
func Code(err error) string {
	e, ok := As(err)
	if !ok {
		return "INTERNAL_ERROR"
	}
	switch e.Kind {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindInsufficientStock:
		return "INSUFFICIENT_STOCK"
	case KindNotFound:
		switch e.Resource {
		case "product":
			return "PRODUCT_NOT_FOUND"
		case "order":
			return "TRANSACTION_NOT_FOUND"
		case "customer":
			return "CUSTOMER_NOT_FOUND"
		}
		return "NOT_FOUND"
	case KindPaymentGateway:
		return "PAYMENT_FAILED"
	case KindConflict:
		if e.Resource == "order" {
			return "ORDER_ALREADY_SETTLED"
		}
		return "CONFLICT"
	default:
		return "INTERNAL_ERROR"
	}
}
