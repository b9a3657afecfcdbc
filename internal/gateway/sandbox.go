package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/storefront-orders/internal/validation"
)

type SandboxConfig struct {
	PublicKey  string
	PrivateKey string
	// DeclineThreshold is in major units; amounts at or above it are declined.
	DeclineThreshold decimal.Decimal
	Latency          time.Duration
}

type sandboxTransaction struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Reference     string    `json:"reference"`
	AmountInCents int64     `json:"amount_in_cents"`
	Currency      string    `json:"currency"`
	CustomerEmail string    `json:"customer_email"`
	CreatedAt     time.Time `json:"created_at"`
}

type sandbox struct {
	cfg    SandboxConfig
	logger *logrus.Logger

	mu           sync.RWMutex
	cardTokens   map[string]string // token -> last four
	transactions map[string]*sandboxTransaction
}

// NewSandboxHandler serves a local card processor with the same REST surface
// as the real one, for development and tests.
func NewSandboxHandler(cfg SandboxConfig, logger *logrus.Logger) http.Handler {
	s := &sandbox{
		cfg:          cfg,
		logger:       logger,
		cardTokens:   make(map[string]string),
		transactions: make(map[string]*sandboxTransaction),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.health).Methods(http.MethodGet)
	router.HandleFunc("/merchants/{publicKey}", s.merchant).Methods(http.MethodGet)
	router.HandleFunc("/tokens/cards", s.tokenizeCard).Methods(http.MethodPost)
	router.HandleFunc("/transactions", s.createTransaction).Methods(http.MethodPost)
	router.HandleFunc("/transactions/{id}", s.getTransaction).Methods(http.MethodGet)
	return router
}

func (s *sandbox) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "gateway-sandbox",
	})
}

func (s *sandbox) merchant(w http.ResponseWriter, r *http.Request) {
	if mux.Vars(r)["publicKey"] != s.cfg.PublicKey {
		respondSandboxError(w, http.StatusNotFound, "NOT_FOUND_ERROR", "merchant not found")
		return
	}

	var resp merchantResponse
	resp.Data.PresignedAcceptance = presignedToken{
		AcceptanceToken: "acc_" + uuid.New().String(),
		Permalink:       "https://sandbox.local/terms.pdf",
		Type:            "END_USER_POLICY",
	}
	resp.Data.PresignedPersonalDataAuth = presignedToken{
		AcceptanceToken: "pda_" + uuid.New().String(),
		Permalink:       "https://sandbox.local/personal-data.pdf",
		Type:            "PERSONAL_DATA_AUTH",
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *sandbox) tokenizeCard(w http.ResponseWriter, r *http.Request) {
	if bearer(r) != s.cfg.PublicKey {
		respondSandboxError(w, http.StatusUnauthorized, "INVALID_ACCESS_TOKEN", "invalid public key")
		return
	}

	var req cardTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondSandboxError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "invalid request body")
		return
	}
	month, _ := strconv.Atoi(req.ExpMonth)
	year, _ := strconv.Atoi(req.ExpYear)
	if !validation.LuhnValid(req.Number) || !validation.ExpiryValid(month, year, time.Now()) || !validation.CVVValid(req.CVC) {
		respondSandboxError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "invalid card")
		return
	}

	token := "tok_sandbox_" + uuid.New().String()
	s.mu.Lock()
	s.cardTokens[token] = req.Number[len(req.Number)-4:]
	s.mu.Unlock()

	var resp cardTokenResponse
	resp.Data.ID = token
	respondJSON(w, http.StatusCreated, resp)
}

func (s *sandbox) createTransaction(w http.ResponseWriter, r *http.Request) {
	if bearer(r) != s.cfg.PrivateKey {
		respondSandboxError(w, http.StatusUnauthorized, "INVALID_ACCESS_TOKEN", "invalid private key")
		return
	}

	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondSandboxError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "invalid request body")
		return
	}
	if req.AcceptanceToken == "" || req.AmountInCents <= 0 || req.Reference == "" {
		respondSandboxError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "missing transaction fields")
		return
	}

	s.mu.RLock()
	lastFour, ok := s.cardTokens[req.PaymentMethod.Token]
	s.mu.RUnlock()
	if !ok {
		respondSandboxError(w, http.StatusUnprocessableEntity, "INPUT_VALIDATION_ERROR", "unknown payment token")
		return
	}

	if s.cfg.Latency > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Latency):
		}
	}

	status := "APPROVED"
	if decimal.New(req.AmountInCents, -2).GreaterThanOrEqual(s.cfg.DeclineThreshold) {
		status = "DECLINED"
	}

	txn := &sandboxTransaction{
		ID:            uuid.New().String(),
		Status:        status,
		Reference:     req.Reference,
		AmountInCents: req.AmountInCents,
		Currency:      req.Currency,
		CustomerEmail: req.CustomerEmail,
		CreatedAt:     time.Now().UTC(),
	}
	s.mu.Lock()
	s.transactions[txn.ID] = txn
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"transaction_id":  txn.ID,
		"reference":       txn.Reference,
		"amount_in_cents": txn.AmountInCents,
		"card_last_four":  lastFour,
		"status":          status,
	}).Info("Sandbox transaction processed")

	respondJSON(w, http.StatusCreated, map[string]any{"data": txn})
}

func (s *sandbox) getTransaction(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	txn, ok := s.transactions[mux.Vars(r)["id"]]
	s.mu.RUnlock()
	if !ok {
		respondSandboxError(w, http.StatusNotFound, "NOT_FOUND_ERROR", "transaction not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": txn})
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondSandboxError(w http.ResponseWriter, code int, kind, reason string) {
	respondJSON(w, code, map[string]any{
		"error": map[string]string{"type": kind, "reason": reason},
	})
}
