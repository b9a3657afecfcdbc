package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jogardn/storefront-orders/pkg/models"
)

// Mock is an in-process gateway that approves amounts below DeclineThreshold
// and declines the rest.
type Mock struct {
	DeclineThreshold decimal.Decimal
	// Latency delays every charge; the call gives up early when ctx ends.
	Latency time.Duration

	mu    sync.Mutex
	calls []ChargeRequest
	seq   atomic.Int64
}

func NewMock(declineThreshold decimal.Decimal) *Mock {
	return &Mock{DeclineThreshold: declineThreshold}
}

func (m *Mock) Charge(ctx context.Context, req ChargeRequest) (Verdict, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		case <-time.After(m.Latency):
		}
	}

	id := fmt.Sprintf("mock-%d", m.seq.Add(1))
	if req.Amount.GreaterThanOrEqual(m.DeclineThreshold) {
		return Verdict{Status: models.OrderStatusDeclined, GatewayID: id}, nil
	}
	return Verdict{Status: models.OrderStatusApproved, GatewayID: id}, nil
}

// Calls returns the charge requests received so far.
func (m *Mock) Calls() []ChargeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChargeRequest(nil), m.calls...)
}
