// Package postgres implements the store contracts on PostgreSQL through lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/pkg/models"
)

const uniqueViolation = "23505"

type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

func (c Config) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, sslmode)
}

type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects, waits for the database to accept connections and creates
// missing tables.
func Open(ctx context.Context, cfg Config, logger *logrus.Logger) (*Store, error) {
	return OpenDSN(ctx, cfg.DSN(), logger)
}

func OpenDSN(ctx context.Context, dsn string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.waitReady(ctx, 30, 2*time.Second); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *Store) waitReady(ctx context.Context, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.db.PingContext(ctx); err == nil {
			s.logger.Info("Database connection established")
			return nil
		}
		s.logger.WithField("attempt", i+1).Info("Waiting for database...")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("database not reachable: %w", err)
}

func (s *Store) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price NUMERIC(12,2) NOT NULL CHECK (price >= 0),
			stock INTEGER NOT NULL CHECK (stock >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS customers (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			email VARCHAR(255) NOT NULL UNIQUE,
			address TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(255) PRIMARY KEY,
			transaction_id VARCHAR(64) NOT NULL UNIQUE,
			order_id VARCHAR(64) NOT NULL UNIQUE,
			customer_id VARCHAR(255) NOT NULL REFERENCES customers(id),
			delivery_info JSONB NOT NULL,
			subtotal NUMERIC(12,2) NOT NULL,
			base_fee NUMERIC(12,2) NOT NULL,
			delivery_fee NUMERIC(12,2) NOT NULL,
			amount NUMERIC(12,2) NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id SERIAL PRIMARY KEY,
			order_id VARCHAR(255) NOT NULL REFERENCES orders(id),
			position INTEGER NOT NULL,
			product_id VARCHAR(255) NOT NULL,
			quantity INTEGER NOT NULL CHECK (quantity > 0)
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id VARCHAR(255) PRIMARY KEY,
			transaction_id VARCHAR(255) NOT NULL UNIQUE REFERENCES orders(id),
			customer_id VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stock_decrements (
			order_id VARCHAR(255) PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Orders() store.OrderRepository        { return orderRepo{s.db} }
func (s *Store) Products() store.ProductRepository    { return productRepo{s.db} }
func (s *Store) Customers() store.CustomerRepository  { return customerRepo{s.db} }
func (s *Store) Deliveries() store.DeliveryRepository { return deliveryRepo{s.db} }
func (s *Store) Ping(ctx context.Context) error       { return s.db.PingContext(ctx) }
func (s *Store) Close() error                         { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

type orderRepo struct{ db *sql.DB }

func (r orderRepo) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	deliveryJSON, err := json.Marshal(order.DeliveryInfo)
	if err != nil {
		return fmt.Errorf("failed to encode delivery info: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, transaction_id, order_id, customer_id, delivery_info,
			subtotal, base_fee, delivery_fee, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		order.ID, order.TransactionID, order.OrderID, order.CustomerID, string(deliveryJSON),
		order.Subtotal, order.BaseFee, order.DeliveryFee, order.Amount,
		string(order.Status), order.CreatedAt, order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("transaction", order.TransactionID, "transaction identifiers already in use")
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, product_id, quantity)
			VALUES ($1, $2, $3, $4)`,
			order.ID, i, item.ProductID, item.Quantity)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return tx.Commit()
}

const selectOrder = `
	SELECT id, transaction_id, order_id, customer_id, delivery_info,
		subtotal, base_fee, delivery_fee, amount, status, created_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	order := &models.Order{}
	var deliveryJSON []byte
	var status string
	err := row.Scan(&order.ID, &order.TransactionID, &order.OrderID, &order.CustomerID, &deliveryJSON,
		&order.Subtotal, &order.BaseFee, &order.DeliveryFee, &order.Amount,
		&status, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	order.Status = models.OrderStatus(status)
	if err := json.Unmarshal(deliveryJSON, &order.DeliveryInfo); err != nil {
		return nil, fmt.Errorf("failed to decode delivery info of order %s: %w", order.ID, err)
	}
	return order, nil
}

func (r orderRepo) loadItems(ctx context.Context, order *models.Order) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, quantity FROM order_items
		WHERE order_id = $1 ORDER BY position`, order.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item models.LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return err
		}
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

func (r orderRepo) getBy(ctx context.Context, column, value string) (*models.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, selectOrder+" WHERE "+column+" = $1", value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("order", value)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if err := r.loadItems(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}
	return order, nil
}

func (r orderRepo) Get(ctx context.Context, id string) (*models.Order, error) {
	return r.getBy(ctx, "id", id)
}

func (r orderRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.Order, error) {
	return r.getBy(ctx, "transaction_id", transactionID)
}

func (r orderRepo) List(ctx context.Context) ([]*models.Order, error) {
	rows, err := r.db.QueryContext(ctx, selectOrder+" ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, order := range orders {
		if err := r.loadItems(ctx, order); err != nil {
			return nil, fmt.Errorf("failed to get order items: %w", err)
		}
	}
	return orders, nil
}

func (r orderRepo) UpdateStatus(ctx context.Context, id string, from, to models.OrderStatus, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("order", id)
	}
	if err != nil {
		return fmt.Errorf("failed to read order status: %w", err)
	}
	return apperr.Conflict("order", id, "order is already "+current)
}

type productRepo struct{ db *sql.DB }

func (r productRepo) Get(ctx context.Context, id string) (*models.Product, error) {
	p := &models.Product{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, price, stock FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("product", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

func (r productRepo) List(ctx context.Context) ([]*models.Product, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, description, price, stock FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p := &models.Product{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Stock); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// DecrementStock claims orderID in stock_decrements and runs one conditional
// UPDATE per product, all in one transaction. The first product that cannot
// cover its quantity rolls everything back, the claim included. A concurrent
// claim for the same order waits on the primary key and then finds it taken.
func (r productRepo) DecrementStock(ctx context.Context, orderID string, items []models.LineItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO stock_decrements (order_id) VALUES ($1)
		ON CONFLICT (order_id) DO NOTHING`, orderID)
	if err != nil {
		return fmt.Errorf("failed to claim stock decrement for order %s: %w", orderID, err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if claimed == 0 {
		return tx.Commit()
	}

	for _, item := range store.AggregateItems(items) {
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock - $1
			WHERE id = $2 AND stock >= $1`,
			item.Quantity, item.ProductID)
		if err != nil {
			return fmt.Errorf("failed to decrement stock of %s: %w", item.ProductID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)`, item.ProductID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return apperr.NotFound("product", item.ProductID)
			}
			return apperr.InsufficientStock(item.ProductID)
		}
	}

	return tx.Commit()
}

type customerRepo struct{ db *sql.DB }

func (r customerRepo) Get(ctx context.Context, id string) (*models.Customer, error) {
	c := &models.Customer{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, address, created_at FROM customers WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Email, &c.Address, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("customer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

// FindOrCreateByEmail relies on the unique email index. The no-op update on
// conflict makes RETURNING yield the stored row without changing it.
func (r customerRepo) FindOrCreateByEmail(ctx context.Context, c *models.Customer) (*models.Customer, error) {
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}

	out := &models.Customer{}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO customers (id, name, email, address, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, name, email, address, created_at`,
		id, c.Name, store.NormalizeEmail(c.Email), c.Address, c.CreatedAt).
		Scan(&out.ID, &out.Name, &out.Email, &out.Address, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert customer: %w", err)
	}
	return out, nil
}

func (r customerRepo) List(ctx context.Context) ([]*models.Customer, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, email, address, created_at FROM customers ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var customers []*models.Customer
	for rows.Next() {
		c := &models.Customer{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Address, &c.CreatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

type deliveryRepo struct{ db *sql.DB }

func (r deliveryRepo) Create(ctx context.Context, d *models.Delivery) (*models.Delivery, error) {
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}

	out := &models.Delivery{}
	var status string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO deliveries (id, transaction_id, customer_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id) DO UPDATE SET transaction_id = EXCLUDED.transaction_id
		RETURNING id, transaction_id, customer_id, status, created_at`,
		id, d.TransactionID, d.CustomerID, string(d.Status), d.CreatedAt).
		Scan(&out.ID, &out.TransactionID, &out.CustomerID, &status, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery: %w", err)
	}
	out.Status = models.DeliveryStatus(status)
	return out, nil
}

func (r deliveryRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.Delivery, error) {
	d := &models.Delivery{}
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, customer_id, status, created_at
		FROM deliveries WHERE transaction_id = $1`, transactionID).
		Scan(&d.ID, &d.TransactionID, &d.CustomerID, &status, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("delivery", transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	d.Status = models.DeliveryStatus(status)
	return d, nil
}

func (r deliveryRepo) List(ctx context.Context) ([]*models.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, transaction_id, customer_id, status, created_at
		FROM deliveries ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*models.Delivery
	for rows.Next() {
		d := &models.Delivery{}
		var status string
		if err := rows.Scan(&d.ID, &d.TransactionID, &d.CustomerID, &status, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Status = models.DeliveryStatus(status)
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
