package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// APIError is a non-2xx reply of the storefront API.
type APIError struct {
	Status  int
	Code    string
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("storefront api: %d %s (%s): %s", e.Status, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("storefront api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to the storefront REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(baseURL string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (c *Client) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*TransactionResponse, error) {
	var resp TransactionResponse
	if err := c.do(ctx, http.MethodPost, "/transactions", req, http.StatusCreated, &resp); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"transaction_id": resp.TransactionID,
		"amount":         resp.Amount,
	}).Info("Transaction created")
	return &resp, nil
}

func (c *Client) ProcessPayment(ctx context.Context, ref string, card CardRequest) (*PaymentResponse, error) {
	var resp PaymentResponse
	path := "/transactions/" + url.PathEscape(ref) + "/process-payment"
	if err := c.do(ctx, http.MethodPut, path, card, http.StatusOK, &resp); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"transaction_id": resp.TransactionID,
		"status":         resp.Status,
	}).Info("Payment processed")
	return &resp, nil
}

func (c *Client) GetTransaction(ctx context.Context, ref string) (*TransactionResponse, error) {
	var resp TransactionResponse
	if err := c.do(ctx, http.MethodGet, "/transactions/"+url.PathEscape(ref), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListTransactions(ctx context.Context) ([]TransactionResponse, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/transactions", nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to storefront api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
			apiErr.Code, apiErr.Message, apiErr.Field = envelope.Code, envelope.Error, envelope.Field
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode storefront api response: %w", err)
	}
	return nil
}
