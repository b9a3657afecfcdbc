package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type ClientConfig struct {
	BaseURL    string
	PublicKey  string
	PrivateKey string
	Currency   string
}

// Client speaks the processor's REST protocol: acceptance tokens, card
// tokenization, then the transaction itself.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(cfg ClientConfig, logger *logrus.Logger) *Client {
	if cfg.Currency == "" {
		cfg.Currency = "COP"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// StatusError is returned when the processor answers with a non-2xx status.
type StatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment processor returned status %d for %s", e.StatusCode, e.Endpoint)
}

type AcceptanceTokens struct {
	AcceptanceToken       string
	PersonalDataAuthToken string
}

type presignedToken struct {
	AcceptanceToken string `json:"acceptance_token"`
	Permalink       string `json:"permalink"`
	Type            string `json:"type"`
}

type merchantResponse struct {
	Data struct {
		PresignedAcceptance       presignedToken `json:"presigned_acceptance"`
		PresignedPersonalDataAuth presignedToken `json:"presigned_personal_data_auth"`
	} `json:"data"`
}

type cardTokenRequest struct {
	Number     string `json:"number"`
	ExpMonth   string `json:"exp_month"`
	ExpYear    string `json:"exp_year"`
	CVC        string `json:"cvc"`
	CardHolder string `json:"card_holder"`
}

type cardTokenResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

type paymentMethod struct {
	Type         string `json:"type"`
	Token        string `json:"token"`
	Installments int    `json:"installments"`
}

type transactionRequest struct {
	AcceptanceToken    string        `json:"acceptance_token"`
	AcceptPersonalAuth string        `json:"accept_personal_auth"`
	AmountInCents      int64         `json:"amount_in_cents"`
	Currency           string        `json:"currency"`
	CustomerEmail      string        `json:"customer_email"`
	Reference          string        `json:"reference"`
	PaymentMethod      paymentMethod `json:"payment_method"`
}

type transactionResponse struct {
	Data struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Reference string `json:"reference"`
	} `json:"data"`
}

func (c *Client) AcceptanceTokens(ctx context.Context) (AcceptanceTokens, error) {
	var resp merchantResponse
	if err := c.do(ctx, http.MethodGet, "/merchants/"+c.cfg.PublicKey, "", nil, &resp); err != nil {
		return AcceptanceTokens{}, fmt.Errorf("failed to get acceptance tokens: %w", err)
	}
	return AcceptanceTokens{
		AcceptanceToken:       resp.Data.PresignedAcceptance.AcceptanceToken,
		PersonalDataAuthToken: resp.Data.PresignedPersonalDataAuth.AcceptanceToken,
	}, nil
}

func (c *Client) Charge(ctx context.Context, req ChargeRequest) (Verdict, error) {
	tokens, err := c.AcceptanceTokens(ctx)
	if err != nil {
		return Verdict{}, err
	}

	var token cardTokenResponse
	err = c.do(ctx, http.MethodPost, "/tokens/cards", c.cfg.PublicKey, cardTokenRequest{
		Number:     strings.ReplaceAll(req.Card.Number, " ", ""),
		ExpMonth:   fmt.Sprintf("%02d", req.Card.ExpMonth),
		ExpYear:    strconv.Itoa(req.Card.ExpYear),
		CVC:        strings.ReplaceAll(req.Card.CVV, " ", ""),
		CardHolder: req.Card.HolderName,
	}, &token)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to tokenize card: %w", err)
	}
	if token.Data.ID == "" {
		return Verdict{}, fmt.Errorf("failed to tokenize card: empty token")
	}

	var txn transactionResponse
	err = c.do(ctx, http.MethodPost, "/transactions", c.cfg.PrivateKey, transactionRequest{
		AcceptanceToken:    tokens.AcceptanceToken,
		AcceptPersonalAuth: tokens.PersonalDataAuthToken,
		AmountInCents:      AmountInCents(req.Amount),
		Currency:           c.cfg.Currency,
		CustomerEmail:      req.CustomerEmail,
		Reference:          req.Reference,
		PaymentMethod: paymentMethod{
			Type:         "CARD",
			Token:        token.Data.ID,
			Installments: 1,
		},
	}, &txn)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to create transaction: %w", err)
	}
	if txn.Data.Status == "" {
		return Verdict{}, fmt.Errorf("failed to create transaction: response has no status")
	}

	verdict := Verdict{Status: verdictFromStatus(txn.Data.Status), GatewayID: txn.Data.ID}
	c.logger.WithFields(logrus.Fields{
		"reference":        req.Reference,
		"gateway_id":       verdict.GatewayID,
		"processor_status": txn.Data.Status,
		"card_last_four":   req.Card.LastFour(),
	}).Info("Received verdict from payment processor")

	return verdict, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to payment processor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Endpoint: method + " " + strings.SplitN(path, "/", 3)[1], StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode payment processor response: %w", err)
	}
	return nil
}
