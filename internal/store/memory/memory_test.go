package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/pkg/models"
)

func seeded() *Store {
	s := New()
	s.SeedProducts(
		models.Product{ID: "p1", Name: "Mug", Price: decimal.NewFromInt(25), Stock: 10},
		models.Product{ID: "p2", Name: "Lamp", Price: decimal.NewFromInt(80), Stock: 1},
	)
	return s
}

func TestDecrementStock_AllOrNothing(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	err := s.Products().DecrementStock(ctx, "ord-1", []models.LineItem{
		{ProductID: "p1", Quantity: 3},
		{ProductID: "p2", Quantity: 2},
	})
	if !apperr.Is(err, apperr.KindInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	p1, _ := s.Products().Get(ctx, "p1")
	if p1.Stock != 10 {
		t.Fatalf("p1 stock = %d, want untouched 10", p1.Stock)
	}

	// A failed attempt does not count as the order's decrement.
	if err := s.Products().DecrementStock(ctx, "ord-1", []models.LineItem{{ProductID: "p1", Quantity: 3}, {ProductID: "p2", Quantity: 1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p1, _ = s.Products().Get(ctx, "p1")
	p2, _ := s.Products().Get(ctx, "p2")
	if p1.Stock != 7 || p2.Stock != 0 {
		t.Fatalf("stock = %d/%d, want 7/0", p1.Stock, p2.Stock)
	}
}

func TestDecrementStock_RepeatedProductIsSummed(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	err := s.Products().DecrementStock(ctx, "ord-1", []models.LineItem{
		{ProductID: "p2", Quantity: 1},
		{ProductID: "p2", Quantity: 1},
	})
	if !apperr.Is(err, apperr.KindInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestDecrementStock_ConcurrentNeverNegative(t *testing.T) {
	s := seeded()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		orderID := fmt.Sprintf("ord-%d", i)
		go func() {
			defer wg.Done()
			if err := s.Products().DecrementStock(ctx, orderID, []models.LineItem{{ProductID: "p1", Quantity: 1}}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	p1, _ := s.Products().Get(ctx, "p1")
	if succeeded != 10 || p1.Stock != 0 {
		t.Fatalf("succeeded=%d stock=%d, want 10 and 0", succeeded, p1.Stock)
	}
}

func TestDecrementStock_OncePerOrder(t *testing.T) {
	s := seeded()
	ctx := context.Background()
	items := []models.LineItem{{ProductID: "p1", Quantity: 2}}

	for i := 0; i < 3; i++ {
		if err := s.Products().DecrementStock(ctx, "ord-1", items); err != nil {
			t.Fatalf("attempt %d: unexpected error: %v", i+1, err)
		}
	}
	p1, _ := s.Products().Get(ctx, "p1")
	if p1.Stock != 8 {
		t.Fatalf("stock = %d, want 8 after repeated decrements of one order", p1.Stock)
	}

	if err := s.Products().DecrementStock(ctx, "ord-2", items); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p1, _ = s.Products().Get(ctx, "p1")
	if p1.Stock != 6 {
		t.Fatalf("stock = %d, want 6 after a second order", p1.Stock)
	}
}

func TestFindOrCreateByEmail_KeepsFirstRow(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Customers().FindOrCreateByEmail(ctx, &models.Customer{Name: "Ana", Email: "Ana@Example.com", Address: "Calle 1 #2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Customers().FindOrCreateByEmail(ctx, &models.Customer{Name: "Other", Email: " ana@example.com ", Address: "Somewhere else"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("ids differ: %s vs %s", first.ID, second.ID)
	}
	if second.Name != "Ana" {
		t.Fatalf("existing row was modified: %+v", second)
	}
	all, _ := s.Customers().List(ctx)
	if len(all) != 1 {
		t.Fatalf("customers = %d, want 1", len(all))
	}
}

func TestOrders_CreateAndStatusCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	order := &models.Order{TransactionID: "TXN-1", OrderID: "ORD-1", Status: models.OrderStatusPending, CreatedAt: now}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.ID == "" {
		t.Fatal("expected an assigned id")
	}

	dup := &models.Order{TransactionID: "TXN-1", OrderID: "ORD-2"}
	if err := s.Orders().Create(ctx, dup); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict on duplicate transaction id, got %v", err)
	}

	later := now.Add(time.Minute)
	if err := s.Orders().UpdateStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusApproved, later); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := s.Orders().UpdateStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusDeclined, later)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict on second transition, got %v", err)
	}

	got, err := s.Orders().GetByTransactionID(ctx, "TXN-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != models.OrderStatusApproved || !got.UpdatedAt.Equal(later) {
		t.Fatalf("order = %+v", got)
	}
}

func TestOrders_GetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	order := &models.Order{TransactionID: "TXN-2", OrderID: "ORD-2", Items: []models.LineItem{{ProductID: "p1", Quantity: 1}}}
	if err := s.Orders().Create(ctx, order); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order.Items[0].Quantity = 99

	got, _ := s.Orders().Get(ctx, order.ID)
	if got.Items[0].Quantity != 1 {
		t.Fatalf("stored order aliased caller slice")
	}
}

func TestDeliveries_CreateIsIdempotentPerOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.Deliveries().Create(ctx, &models.Delivery{TransactionID: "order-1", CustomerID: "c1", Status: models.DeliveryStatusPending})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := s.Deliveries().Create(ctx, &models.Delivery{TransactionID: "order-1", CustomerID: "c1", Status: models.DeliveryStatusPending})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("second create produced a new delivery")
	}

	if _, err := s.Deliveries().GetByTransactionID(ctx, "order-2"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNotFoundErrors(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Orders().Get(ctx, "nope"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("order: got %v", err)
	}
	if _, err := s.Products().Get(ctx, "nope"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("product: got %v", err)
	}
	if _, err := s.Customers().Get(ctx, "nope"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("customer: got %v", err)
	}
}
