package orders

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/apperr"
	"github.com/jogardn/storefront-orders/internal/circuitbreaker"
	"github.com/jogardn/storefront-orders/internal/comparison"
	"github.com/jogardn/storefront-orders/internal/settlement"
	"github.com/jogardn/storefront-orders/internal/store"
	"github.com/jogardn/storefront-orders/internal/validation"
	"github.com/jogardn/storefront-orders/pkg/models"
)

const maxBodyBytes = 1 << 20

type Settler interface {
	Settle(ctx context.Context, ref string, card models.CardData) (*settlement.Result, error)
}

type Auditor interface {
	Audit(ctx context.Context) (*comparison.Report, error)
}

type HandlerDeps struct {
	Service  *Service
	Settler  Settler
	Store    store.Store
	Breakers *circuitbreaker.Manager
	Auditor  Auditor
	// Feed serves the websocket order feed on /ws when set.
	Feed   http.Handler
	Logger *logrus.Logger
	Clock  func() time.Time
}

type Handler struct {
	service  *Service
	settler  Settler
	store    store.Store
	breakers *circuitbreaker.Manager
	auditor  Auditor
	feed     http.Handler
	logger   *logrus.Logger
	now      func() time.Time
}

func NewHandler(deps HandlerDeps) *Handler {
	h := &Handler{
		service:  deps.Service,
		settler:  deps.Settler,
		store:    deps.Store,
		breakers: deps.Breakers,
		auditor:  deps.Auditor,
		feed:     deps.Feed,
		logger:   deps.Logger,
		now:      deps.Clock,
	}
	if h.logger == nil {
		h.logger = logrus.StandardLogger()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Handler) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/transactions", h.CreateTransaction).Methods(http.MethodPost)
	router.HandleFunc("/transactions", h.ListTransactions).Methods(http.MethodGet)
	router.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
	router.HandleFunc("/transactions/{id}/process-payment", h.ProcessPayment).Methods(http.MethodPut)
	router.HandleFunc("/admin/consistency", h.Consistency).Methods(http.MethodGet)
	router.HandleFunc("/admin/circuit-breakers", h.CircuitBreakers).Methods(http.MethodGet)
	router.HandleFunc("/admin/circuit-breakers/{name}/reset", h.ResetCircuitBreaker).Methods(http.MethodPost)
	if h.feed != nil {
		router.Handle("/ws", h.feed).Methods(http.MethodGet)
	}
	router.Use(LoggingMiddleware(h.logger))
	return router
}

type LineItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type DeliveryInfoRequest struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Phone      string `json:"phone"`
}

// CreateTransactionRequest accepts a cart in items, or the legacy single
// product form with productId and quantity at the top level.
type CreateTransactionRequest struct {
	Items           []LineItemRequest   `json:"items,omitempty"`
	ProductID       string              `json:"productId,omitempty"`
	Quantity        int                 `json:"quantity,omitempty"`
	CustomerName    string              `json:"customerName"`
	CustomerEmail   string              `json:"customerEmail"`
	CustomerAddress string              `json:"customerAddress"`
	DeliveryInfo    DeliveryInfoRequest `json:"deliveryInfo"`
}

func (r CreateTransactionRequest) toModel() models.OrderRequest {
	items := make([]models.LineItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, models.LineItem{ProductID: strings.TrimSpace(item.ProductID), Quantity: item.Quantity})
	}
	if len(items) == 0 && r.ProductID != "" {
		items = append(items, models.LineItem{ProductID: strings.TrimSpace(r.ProductID), Quantity: r.Quantity})
	}

	return models.OrderRequest{
		CustomerName:    r.CustomerName,
		CustomerEmail:   r.CustomerEmail,
		CustomerAddress: r.CustomerAddress,
		DeliveryInfo: models.DeliveryInfo{
			FirstName:  r.DeliveryInfo.FirstName,
			LastName:   r.DeliveryInfo.LastName,
			Address:    r.DeliveryInfo.Address,
			City:       r.DeliveryInfo.City,
			State:      r.DeliveryInfo.State,
			PostalCode: r.DeliveryInfo.PostalCode,
			Phone:      r.DeliveryInfo.Phone,
		},
		Items: items,
	}
}

type CardRequest struct {
	CardNumber      string `json:"cardNumber"`
	ExpirationMonth int    `json:"expirationMonth"`
	ExpirationYear  int    `json:"expirationYear"`
	CVV             string `json:"cvv"`
	CardholderName  string `json:"cardholderName"`
}

func (r CardRequest) toModel() models.CardData {
	year := r.ExpirationYear
	if year >= 0 && year < 100 {
		year += 2000
	}
	return models.CardData{
		Number:     strings.TrimSpace(r.CardNumber),
		ExpMonth:   r.ExpirationMonth,
		ExpYear:    year,
		CVV:        strings.TrimSpace(r.CVV),
		HolderName: strings.TrimSpace(r.CardholderName),
	}
}

type ItemResponse struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
	Total     float64 `json:"total"`
}

type CustomerResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address,omitempty"`
}

type DeliveryResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type TransactionResponse struct {
	Success       bool                `json:"success"`
	ID            string              `json:"id"`
	TransactionID string              `json:"transactionId"`
	OrderID       string              `json:"orderId"`
	CustomerID    string              `json:"customerId"`
	Status        string              `json:"status"`
	Subtotal      float64             `json:"subtotal"`
	BaseFee       float64             `json:"baseFee"`
	DeliveryFee   float64             `json:"deliveryFee"`
	Amount        float64             `json:"amount"`
	Customer      *CustomerResponse   `json:"customer,omitempty"`
	Items         []ItemResponse      `json:"items"`
	DeliveryInfo  DeliveryInfoRequest `json:"deliveryInfo"`
	Delivery      *DeliveryResponse   `json:"delivery,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

type PaymentResponse struct {
	TransactionResponse
	DeliveryAssigned *DeliveryResponse `json:"deliveryAssigned,omitempty"`
	CardLastFour     string            `json:"cardLastFour"`
	CardBrand        string            `json:"cardBrand"`
	ApprovedAt       *time.Time        `json:"approvedAt,omitempty"`
}

type ListResponse struct {
	Success      bool                  `json:"success"`
	Transactions []TransactionResponse `json:"transactions"`
	Count        int                   `json:"count"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
}

func money(d decimal.Decimal) float64 { return d.InexactFloat64() }

func newTransactionResponse(order *models.Order, customer *models.Customer, catalog map[string]models.Product) TransactionResponse {
	resp := TransactionResponse{
		Success:       true,
		ID:            order.ID,
		TransactionID: order.TransactionID,
		OrderID:       order.OrderID,
		CustomerID:    order.CustomerID,
		Status:        string(order.Status),
		Subtotal:      money(order.Subtotal),
		BaseFee:       money(order.BaseFee),
		DeliveryFee:   money(order.DeliveryFee),
		Amount:        money(order.Amount),
		Items:         make([]ItemResponse, 0, len(order.Items)),
		DeliveryInfo: DeliveryInfoRequest{
			FirstName:  order.DeliveryInfo.FirstName,
			LastName:   order.DeliveryInfo.LastName,
			Address:    order.DeliveryInfo.Address,
			City:       order.DeliveryInfo.City,
			State:      order.DeliveryInfo.State,
			PostalCode: order.DeliveryInfo.PostalCode,
			Phone:      order.DeliveryInfo.Phone,
		},
		CreatedAt: order.CreatedAt,
		UpdatedAt: order.UpdatedAt,
	}
	if customer != nil {
		resp.Customer = &CustomerResponse{
			ID:      customer.ID,
			Name:    customer.Name,
			Email:   customer.Email,
			Address: customer.Address,
		}
	}
	for _, item := range order.Items {
		name := "Unknown Product"
		price := decimal.Zero
		if p, ok := catalog[item.ProductID]; ok {
			name, price = p.Name, p.Price
		}
		resp.Items = append(resp.Items, ItemResponse{
			ProductID: item.ProductID,
			Name:      name,
			Price:     money(price),
			Quantity:  item.Quantity,
			Total:     money(price.Mul(decimal.NewFromInt(int64(item.Quantity)))),
		})
	}
	return resp
}

func newDeliveryResponse(d *models.Delivery) *DeliveryResponse {
	if d == nil {
		return nil
	}
	return &DeliveryResponse{ID: d.ID, Status: string(d.Status), CreatedAt: d.CreatedAt}
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.service.CreateOrder(r.Context(), req.toModel())
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusCreated, newTransactionResponse(created.Order, created.Customer, created.Catalog))
}

func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	ref := mux.Vars(r)["id"]

	var req CardRequest
	if !h.decode(w, r, &req) {
		return
	}
	card := req.toModel()
	if err := validation.ValidateCard(card, h.now()); err != nil {
		h.respondWithError(w, err)
		return
	}

	result, err := h.settler.Settle(r.Context(), ref, card)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	resp := PaymentResponse{
		TransactionResponse: newTransactionResponse(result.Order, result.Customer, h.catalogFor(r.Context(), result.Order)),
		DeliveryAssigned:    newDeliveryResponse(result.Delivery),
		CardLastFour:        card.LastFour(),
		CardBrand:           validation.CardBrand(card.Number),
	}
	if result.Order.Status == models.OrderStatusApproved {
		approvedAt := result.Order.UpdatedAt
		resp.ApprovedAt = &approvedAt
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orders, err := h.store.Orders().List(ctx)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	catalog := make(map[string]models.Product)
	out := make([]TransactionResponse, 0, len(orders))
	for _, order := range orders {
		h.fillCatalog(ctx, catalog, order)
		out = append(out, newTransactionResponse(order, nil, catalog))
	}

	h.logger.WithField("count", len(out)).Debug("Listed transactions")
	h.respondWithJSON(w, http.StatusOK, ListResponse{Success: true, Transactions: out, Count: len(out)})
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, err := store.FindOrder(ctx, h.store.Orders(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	customer, err := h.store.Customers().Get(ctx, order.CustomerID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		h.respondWithError(w, err)
		return
	}

	resp := newTransactionResponse(order, customer, h.catalogFor(ctx, order))
	d, err := h.store.Deliveries().GetByTransactionID(ctx, order.ID)
	switch {
	case err == nil:
		resp.Delivery = newDeliveryResponse(d)
	case !apperr.Is(err, apperr.KindNotFound):
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "unhealthy",
			"service": "storefront-api",
			"error":   "store unavailable",
		})
		return
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "storefront-api",
	})
}

func (h *Handler) Consistency(w http.ResponseWriter, r *http.Request) {
	if h.auditor == nil {
		h.respondWithJSON(w, http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Error: "consistency audit not configured"})
		return
	}
	report, err := h.auditor.Audit(r.Context())
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "summary" {
		body, err := comparison.GenerateReport(report, "summary")
		if err != nil {
			h.respondWithError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}
	h.respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	snapshots := []circuitbreaker.Snapshot{}
	if h.breakers != nil {
		snapshots = h.breakers.Snapshots()
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"circuit_breakers": snapshots,
	})
}

func (h *Handler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if h.breakers == nil || !h.breakers.Reset(name) {
		h.respondWithJSON(w, http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Error: "circuit breaker not found"})
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "name": name})
}

func (h *Handler) catalogFor(ctx context.Context, order *models.Order) map[string]models.Product {
	catalog := make(map[string]models.Product, len(order.Items))
	h.fillCatalog(ctx, catalog, order)
	return catalog
}

// fillCatalog loads the products of order that are not in catalog yet.
// Lookups are best effort; a missing product is shown as unknown.
func (h *Handler) fillCatalog(ctx context.Context, catalog map[string]models.Product, order *models.Order) {
	for _, item := range order.Items {
		if _, ok := catalog[item.ProductID]; ok {
			continue
		}
		p, err := h.store.Products().Get(ctx, item.ProductID)
		if err != nil {
			continue
		}
		catalog[item.ProductID] = *p
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.WithError(err).Debug("Failed to decode request body")
		h.respondWithError(w, apperr.Validation("body", "Invalid request body"))
		return false
	}
	return true
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// respondWithError maps err onto the error envelope. Only the typed message is
// exposed; wrapped causes such as gateway responses stay in the logs.
func (h *Handler) respondWithError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	resp := ErrorResponse{Code: apperr.Code(err), Error: "Internal server error"}
	if e, ok := apperr.As(err); ok && e.Kind != apperr.KindInternal {
		resp.Error = e.Message
		resp.Field = e.Field
	}

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"status": status,
		"code":   resp.Code,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	h.respondWithJSON(w, status, resp)
}

func LoggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			}).Debug("Request received")

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}
