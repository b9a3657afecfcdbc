package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/internal/circuitbreaker"
)

const DefaultTimeout = 15 * time.Second

// Guarded bounds every charge with a timeout and a circuit breaker and turns
// transport failures into apperr payment gateway errors. Verdicts, including
// declines, pass through untouched.
type Guarded struct {
	next    Gateway
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
	logger  *logrus.Logger
}

func NewGuarded(next Gateway, breaker *circuitbreaker.CircuitBreaker, timeout time.Duration, logger *logrus.Logger) *Guarded {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guarded{next: next, breaker: breaker, timeout: timeout, logger: logger}
}

// CountsAsFailure is the breaker failure predicate for gateway calls: a caller
// that went away says nothing about the processor's health.
func CountsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

func (g *Guarded) Charge(ctx context.Context, req ChargeRequest) (Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var verdict Verdict
	call := func(ctx context.Context) error {
		v, err := g.next.Charge(ctx, req)
		verdict = v
		return err
	}

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err == nil {
		return verdict, nil
	}

	entry := g.logger.WithFields(logrus.Fields{
		"reference":      req.Reference,
		"card_last_four": req.Card.LastFour(),
	}).WithError(err)

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		entry.Warn("Payment gateway circuit open, charge rejected")
		return Verdict{}, apperr.PaymentGateway("payment gateway unavailable", err)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		entry.Error("Payment gateway timed out, outcome unknown")
		return Verdict{}, apperr.GatewayTimeout(err)
	default:
		entry.Error("Payment gateway call failed")
		return Verdict{}, apperr.PaymentGateway("payment gateway request failed", err)
	}
}
