// Package memory is an in-process store used by tests and the memory driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/pkg/models"
)

// Store keeps every table in maps guarded by a single RWMutex, so a multi-row
// write such as a stock decrement is atomic.
type Store struct {
	mu sync.RWMutex

	orders           map[string]*models.Order
	ordersByTxn      map[string]string
	ordersByOrderID  map[string]string
	products         map[string]*models.Product
	customers        map[string]*models.Customer
	customersByEmail map[string]string
	deliveries       map[string]*models.Delivery
	deliveriesByTxn  map[string]string
	stockTaken       map[string]bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		orders:           make(map[string]*models.Order),
		ordersByTxn:      make(map[string]string),
		ordersByOrderID:  make(map[string]string),
		products:         make(map[string]*models.Product),
		customers:        make(map[string]*models.Customer),
		customersByEmail: make(map[string]string),
		deliveries:       make(map[string]*models.Delivery),
		deliveriesByTxn:  make(map[string]string),
		stockTaken:       make(map[string]bool),
	}
}

// SeedProducts inserts or replaces catalog entries.
func (s *Store) SeedProducts(products ...models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range products {
		p := products[i]
		s.products[p.ID] = &p
	}
}

// SetStock overwrites the stock of an existing product.
func (s *Store) SetStock(productID string, stock int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[productID]; ok {
		p.Stock = stock
	}
}

func (s *Store) Orders() store.OrderRepository       { return orderRepo{s} }
func (s *Store) Products() store.ProductRepository   { return productRepo{s} }
func (s *Store) Customers() store.CustomerRepository { return customerRepo{s} }
func (s *Store) Deliveries() store.DeliveryRepository {
	return deliveryRepo{s}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }
func (s *Store) Close() error                   { return nil }

type orderRepo struct{ s *Store }

func (r orderRepo) Create(ctx context.Context, order *models.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.ordersByTxn[order.TransactionID]; taken {
		return apperr.Conflict("transaction", order.TransactionID, "transaction id already in use")
	}
	if _, taken := s.ordersByOrderID[order.OrderID]; taken {
		return apperr.Conflict("transaction", order.OrderID, "order id already in use")
	}
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if _, taken := s.orders[order.ID]; taken {
		return apperr.Conflict("transaction", order.ID, "id already in use")
	}

	s.orders[order.ID] = cloneOrder(order)
	s.ordersByTxn[order.TransactionID] = order.ID
	s.ordersByOrderID[order.OrderID] = order.ID
	return nil
}

func (r orderRepo) Get(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, apperr.NotFound("order", id)
	}
	return cloneOrder(o), nil
}

func (r orderRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.ordersByTxn[transactionID]
	if !ok {
		return nil, apperr.NotFound("order", transactionID)
	}
	return cloneOrder(r.s.orders[id]), nil
}

func (r orderRepo) List(ctx context.Context) ([]*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*models.Order, 0, len(r.s.orders))
	for _, o := range r.s.orders {
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r orderRepo) UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return apperr.NotFound("order", id)
	}
	if o.Status != from {
		return apperr.Conflict("order", id, "order is already "+string(o.Status))
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

type productRepo struct{ s *Store }

func (r productRepo) Get(ctx context.Context, id string) (*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	p, ok := r.s.products[id]
	if !ok {
		return nil, apperr.NotFound("product", id)
	}
	cp := *p
	return &cp, nil
}

func (r productRepo) List(ctx context.Context) ([]*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*models.Product, 0, len(r.s.products))
	for _, p := range r.s.products {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r productRepo) DecrementStock(ctx context.Context, orderID string, items []models.LineItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.s.stockTaken[orderID] {
		return nil
	}

	totals := store.AggregateItems(items)
	for _, item := range totals {
		p, ok := r.s.products[item.ProductID]
		if !ok {
			return apperr.NotFound("product", item.ProductID)
		}
		if p.Stock < item.Quantity {
			return apperr.InsufficientStock(item.ProductID)
		}
	}
	for _, item := range totals {
		r.s.products[item.ProductID].Stock -= item.Quantity
	}
	r.s.stockTaken[orderID] = true
	return nil
}

type customerRepo struct{ s *Store }

func (r customerRepo) Get(ctx context.Context, id string) (*models.Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	c, ok := r.s.customers[id]
	if !ok {
		return nil, apperr.NotFound("customer", id)
	}
	cp := *c
	return &cp, nil
}

func (r customerRepo) FindOrCreateByEmail(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := store.NormalizeEmail(c.Email)
	if id, ok := r.s.customersByEmail[key]; ok {
		cp := *r.s.customers[id]
		return &cp, nil
	}

	created := *c
	created.Email = key
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	r.s.customers[created.ID] = &created
	r.s.customersByEmail[key] = created.ID

	out := created
	return &out, nil
}

func (r customerRepo) List(ctx context.Context) ([]*models.Customer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*models.Customer, 0, len(r.s.customers))
	for _, c := range r.s.customers {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

type deliveryRepo struct{ s *Store }

func (r deliveryRepo) Create(ctx context.Context, d *models.Delivery) (*models.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if id, ok := r.s.deliveriesByTxn[d.TransactionID]; ok {
		cp := *r.s.deliveries[id]
		return &cp, nil
	}

	created := *d
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	r.s.deliveries[created.ID] = &created
	r.s.deliveriesByTxn[created.TransactionID] = created.ID

	out := created
	return &out, nil
}

func (r deliveryRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.deliveriesByTxn[transactionID]
	if !ok {
		return nil, apperr.NotFound("delivery", transactionID)
	}
	cp := *r.s.deliveries[id]
	return &cp, nil
}

func (r deliveryRepo) List(ctx context.Context) ([]*models.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]*models.Delivery, 0, len(r.s.deliveries))
	for _, d := range r.s.deliveries {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func cloneOrder(o *models.Order) *models.Order {
	cp := *o
	cp.Items = append([]models.LineItem(nil), o.Items...)
	return &cp
}
