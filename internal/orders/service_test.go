package orders

import (
	"context"
	"io"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/internal/customers"
	"github.com/jogardn/storefront-orders/internal/events"
	"github.com/jogardn/storefront-orders/internal/inventory"
	"github.com/jogardn/storefront-orders/internal/pricing"
	"github.com/jogardn/storefront-orders/internal/store/memory"
	"github.com/jogardn/storefront-orders/internal/validation"
	"github.com/jogardn/storefront-orders/internal/websocket"
	"github.com/jogardn/storefront-orders/pkg/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []events.OrderCreatedEvent
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, e events.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *recordingPublisher) PublishOrderSettled(context.Context, events.OrderSettledEvent) error {
	return nil
}

func (p *recordingPublisher) PublishSettlementIncomplete(context.Context, events.SettlementIncompleteEvent) error {
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
}

func (n *recordingNotifier) Broadcast(messageType string, data any, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, messageType)
}

var createdAt = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

type serviceFixture struct {
	store     *memory.Store
	publisher *recordingPublisher
	notifier  *recordingNotifier
	service   *Service
}

// newServiceFixture wires a Service over a memory store holding p1 (50, stock
// 10) and p2 (30, stock 2). suffixes feeds the identifier suffix in order and
// repeats the last value.
func newServiceFixture(t *testing.T, suffixes ...int) *serviceFixture {
	t.Helper()

	s := memory.New()
	s.SeedProducts(
		models.Product{ID: "p1", Name: "Mug", Price: decimal.NewFromInt(50), Stock: 10},
		models.Product{ID: "p2", Name: "Poster", Price: decimal.NewFromInt(30), Stock: 2},
	)

	if len(suffixes) == 0 {
		suffixes = []int{42}
	}
	var mu sync.Mutex
	next := 0
	suffix := func() int {
		mu.Lock()
		defer mu.Unlock()
		v := suffixes[next]
		if next < len(suffixes)-1 {
			next++
		}
		return v
	}

	f := &serviceFixture{
		store:     s,
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	f.service = NewService(Deps{
		Orders:    s.Orders(),
		Gate:      inventory.NewGate(s.Products(), quietLogger()),
		Resolver:  customers.NewResolver(customers.ResolverDeps{Customers: s.Customers(), Logger: quietLogger()}),
		Policy:    pricing.NewPolicy(pricing.DefaultConfig()),
		Publisher: f.publisher,
		Notifier:  f.notifier,
		Rules:     validation.OrderRules{MaxQuantityPerItem: 100},
		Logger:    quietLogger(),
		Clock:     func() time.Time { return createdAt },
		Suffix:    suffix,
	})
	return f
}

func (f *serviceFixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.Products().Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p.Stock
}

func (f *serviceFixture) orderCount(t *testing.T) int {
	t.Helper()
	list, err := f.store.Orders().List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return len(list)
}

func validOrderRequest(items ...models.LineItem) models.OrderRequest {
	if len(items) == 0 {
		items = []models.LineItem{{ProductID: "p1", Quantity: 1}}
	}
	return models.OrderRequest{
		CustomerName:    "Ana Gomez",
		CustomerEmail:   "ana@example.com",
		CustomerAddress: "Calle 10 #20-30",
		DeliveryInfo: models.DeliveryInfo{
			FirstName:  "Ana",
			LastName:   "Gomez",
			Address:    "Calle 10 #20-30",
			City:       "Bogota",
			State:      "Cundinamarca",
			PostalCode: "110111",
			Phone:      "3001234567",
		},
		Items: items,
	}
}

func TestCreateOrder_StoresPendingOrder(t *testing.T) {
	f := newServiceFixture(t)

	created, err := f.service.CreateOrder(context.Background(), validOrderRequest(models.LineItem{ProductID: "p1", Quantity: 1}))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	order := created.Order
	if order.Status != models.OrderStatusPending {
		t.Errorf("status = %s, want PENDING", order.Status)
	}
	if !order.Amount.Equal(decimal.NewFromInt(200)) {
		t.Errorf("amount = %s, want 200", order.Amount)
	}
	if !order.AmountConsistent() {
		t.Errorf("amount %s does not match its breakdown", order.Amount)
	}
	if order.TransactionID != "TXN-20260203040506-0042" || order.OrderID != "ORD-20260203040506-0042" {
		t.Errorf("identifiers = %s / %s", order.TransactionID, order.OrderID)
	}
	if order.ID == "" {
		t.Error("internal id not assigned")
	}
	if created.Customer.Email != "ana@example.com" || order.CustomerID != created.Customer.ID {
		t.Errorf("customer = %+v, order customer id = %s", created.Customer, order.CustomerID)
	}
	if _, ok := created.Catalog["p1"]; !ok {
		t.Error("catalog misses p1")
	}

	// Stock is only reserved once the payment is approved.
	if got := f.stock(t, "p1"); got != 10 {
		t.Errorf("stock = %d, want 10", got)
	}

	stored, err := f.store.Orders().GetByTransactionID(context.Background(), order.TransactionID)
	if err != nil {
		t.Fatalf("stored order: %v", err)
	}
	if stored.ID != order.ID {
		t.Errorf("stored id = %s, want %s", stored.ID, order.ID)
	}

	if len(f.publisher.created) != 1 || f.publisher.created[0].OrderID != order.ID {
		t.Errorf("published = %+v", f.publisher.created)
	}
	if len(f.notifier.types) != 1 || f.notifier.types[0] != websocket.TypeOrderCreated {
		t.Errorf("broadcasts = %v", f.notifier.types)
	}
}

func TestCreateOrder_MultipleItems(t *testing.T) {
	f := newServiceFixture(t)

	created, err := f.service.CreateOrder(context.Background(), validOrderRequest(
		models.LineItem{ProductID: "p1", Quantity: 2},
		models.LineItem{ProductID: "p2", Quantity: 1},
	))
	if err != nil {
		t.Fatalf("CreateOrder() error = %v", err)
	}

	if !created.Order.Subtotal.Equal(decimal.NewFromInt(130)) {
		t.Errorf("subtotal = %s, want 130", created.Order.Subtotal)
	}
	if !created.Order.Amount.Equal(decimal.NewFromInt(280)) {
		t.Errorf("amount = %s, want 280", created.Order.Amount)
	}
}

func TestCreateOrder_InsufficientStockWritesNothing(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.CreateOrder(context.Background(), validOrderRequest(models.LineItem{ProductID: "p2", Quantity: 3}))
	if !apperr.Is(err, apperr.KindInsufficientStock) {
		t.Fatalf("error = %v, want insufficient stock", err)
	}

	if n := f.orderCount(t); n != 0 {
		t.Errorf("orders = %d, want 0", n)
	}
	list, err := f.store.Customers().List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("customers = %d, want 0", len(list))
	}
	if len(f.publisher.created) != 0 {
		t.Errorf("published = %+v", f.publisher.created)
	}
}

func TestCreateOrder_RepeatedProductCountsTowardsStock(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.CreateOrder(context.Background(), validOrderRequest(
		models.LineItem{ProductID: "p2", Quantity: 2},
		models.LineItem{ProductID: "p2", Quantity: 1},
	))
	if !apperr.Is(err, apperr.KindInsufficientStock) {
		t.Fatalf("error = %v, want insufficient stock", err)
	}
}

func TestCreateOrder_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  func() models.OrderRequest
		kind apperr.Kind
	}{
		{
			name: "empty items",
			req: func() models.OrderRequest {
				r := validOrderRequest()
				r.Items = nil
				return r
			},
			kind: apperr.KindValidation,
		},
		{
			name: "bad email",
			req: func() models.OrderRequest {
				r := validOrderRequest()
				r.CustomerEmail = "nobody"
				return r
			},
			kind: apperr.KindValidation,
		},
		{
			name: "unknown product",
			req: func() models.OrderRequest {
				return validOrderRequest(models.LineItem{ProductID: "missing", Quantity: 1})
			},
			kind: apperr.KindNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			_, err := f.service.CreateOrder(context.Background(), tt.req())
			if !apperr.Is(err, tt.kind) {
				t.Fatalf("error = %v, want kind %s", err, tt.kind)
			}
			if n := f.orderCount(t); n != 0 {
				t.Errorf("orders = %d, want 0", n)
			}
		})
	}
}

func TestCreateOrder_ReturningCustomerKeepsStoredDetails(t *testing.T) {
	f := newServiceFixture(t, 1, 2)
	ctx := context.Background()

	first, err := f.service.CreateOrder(ctx, validOrderRequest())
	if err != nil {
		t.Fatalf("first CreateOrder() error = %v", err)
	}

	again := validOrderRequest()
	again.CustomerName = "Ana Maria Gomez"
	again.CustomerEmail = "  ANA@example.com "
	second, err := f.service.CreateOrder(ctx, again)
	if err != nil {
		t.Fatalf("second CreateOrder() error = %v", err)
	}

	if second.Customer.ID != first.Customer.ID {
		t.Errorf("customer id = %s, want %s", second.Customer.ID, first.Customer.ID)
	}
	if second.Customer.Name != "Ana Gomez" {
		t.Errorf("customer name = %q, want stored name", second.Customer.Name)
	}
	list, err := f.store.Customers().List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("customers = %d, want 1", len(list))
	}
}

func TestCreateOrder_RegeneratesCollidingIdentifiers(t *testing.T) {
	f := newServiceFixture(t, 7, 7, 8)
	ctx := context.Background()

	first, err := f.service.CreateOrder(ctx, validOrderRequest())
	if err != nil {
		t.Fatalf("first CreateOrder() error = %v", err)
	}
	second, err := f.service.CreateOrder(ctx, validOrderRequest())
	if err != nil {
		t.Fatalf("second CreateOrder() error = %v", err)
	}

	if first.Order.TransactionID != "TXN-20260203040506-0007" {
		t.Errorf("first transaction id = %s", first.Order.TransactionID)
	}
	if second.Order.TransactionID != "TXN-20260203040506-0008" {
		t.Errorf("second transaction id = %s", second.Order.TransactionID)
	}
	if n := f.orderCount(t); n != 2 {
		t.Errorf("orders = %d, want 2", n)
	}
}

func TestCreateOrder_GivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newServiceFixture(t, 5)
	ctx := context.Background()

	if _, err := f.service.CreateOrder(ctx, validOrderRequest()); err != nil {
		t.Fatalf("first CreateOrder() error = %v", err)
	}
	_, err := f.service.CreateOrder(ctx, validOrderRequest())
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("error = %v, want conflict", err)
	}
	if n := f.orderCount(t); n != 1 {
		t.Errorf("orders = %d, want 1", n)
	}
}

func TestIdentifiers(t *testing.T) {
	at := time.Date(2026, 12, 31, 23, 59, 58, 0, time.FixedZone("COT", -5*3600))
	txn, ord := Identifiers(at, 3)

	if txn != "TXN-20270101045958-0003" {
		t.Errorf("transaction id = %s", txn)
	}
	if ord != "ORD-20270101045958-0003" {
		t.Errorf("order id = %s", ord)
	}

	pattern := regexp.MustCompile(`^TXN-\d{14}-\d{4}$`)
	for _, suffix := range []int{0, 9999, 12345} {
		txn, _ := Identifiers(at, suffix)
		if !pattern.MatchString(txn) {
			t.Errorf("Identifiers(_, %d) = %s", suffix, txn)
		}
	}
}
