package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/sokoni/ledger/internal/config"
)

// ErrorKind classifies gateway failures for the cashout coordinator.
// Auth, Validation and Rejected are definitive: the transfer did not happen.
// Timeout and Unavailable are ambiguous: the transfer may or may not have
// happened, and the caller must not guess.
type ErrorKind string

const (
	KindAuth        ErrorKind = "AUTH"
	KindValidation  ErrorKind = "VALIDATION"
	KindRejected    ErrorKind = "REJECTED"
	KindTimeout     ErrorKind = "TIMEOUT"
	KindUnavailable ErrorKind = "UNAVAILABLE"
)

// Error is a classified failure from the transfer gateway.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway %s: %s", e.Kind, e.Message)
}

// IsDefinitive reports whether the gateway definitively did not execute the
// transfer, making it safe to release the caller's reservation.
func (e *Error) IsDefinitive() bool {
	return e.Kind == KindAuth || e.Kind == KindValidation || e.Kind == KindRejected
}

// TransferRequest is the minimal contract with the payment rail. Reference is
// the caller's idempotency key and must be resent verbatim on any retry.
type TransferRequest struct {
	Amount      float64
	Currency    string
	Destination string
	Narration   string
	Reference   string
}

// TransferResult is the gateway's acceptance of a transfer.
type TransferResult struct {
	ExternalID string
	Status     string
}

// TransferClient is implemented by both the live gateway client and the
// sandbox mock; the coordinator never branches on which one it holds.
type TransferClient interface {
	InitiateMobileMoneyTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// providerByCurrency maps a payout currency to the gateway's mobile-money
// network identifier.
var providerByCurrency = map[string]string{
	"KES": "MPESA",
	"TZS": "TANZANIA",
	"UGX": "UGANDA",
	"RWF": "RWANDA",
	"ZMW": "ZAMBIA",
	"GHS": "GHANA",
}

// Client talks to the live transfer gateway over HTTP.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewClient(cfg *config.GatewayConfig) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type transferPayload struct {
	AccountBank   string  `json:"account_bank"`
	AccountNumber string  `json:"account_number"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	DebitCurrency string  `json:"debit_currency"`
	Narration     string  `json:"narration"`
	Reference     string  `json:"reference"`
}

type transferResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID        json.Number `json:"id"`
		Status    string      `json:"status"`
		Reference string      `json:"reference"`
	} `json:"data"`
}

// InitiateMobileMoneyTransfer submits a transfer to the destination
// mobile-money number. Callers are expected to invoke this outside any wallet
// lock; the call can block for the full configured timeout.
func (c *Client) InitiateMobileMoneyTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	currency := strings.ToUpper(req.Currency)
	provider, ok := providerByCurrency[currency]
	if !ok {
		provider = "MPESA"
	}

	payload := transferPayload{
		AccountBank:   provider,
		AccountNumber: req.Destination,
		Amount:        req.Amount,
		Currency:      currency,
		DebitCurrency: currency,
		Narration:     req.Narration,
		Reference:     req.Reference,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transfer request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Message: fmt.Sprintf("failed to read transfer response: %v", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	var transferResp transferResponse
	if err := json.Unmarshal(respBody, &transferResp); err != nil {
		// Accepted by HTTP but the body is unreadable: the outcome is unknown.
		log.Printf("[GATEWAY] Unparsable success body (status %d): %v", resp.StatusCode, err)
		return nil, &Error{Kind: KindUnavailable, StatusCode: resp.StatusCode, Message: "unparsable transfer response"}
	}

	if transferResp.Status != "success" {
		return nil, &Error{Kind: KindRejected, StatusCode: resp.StatusCode, Message: transferResp.Message}
	}

	return &TransferResult{
		ExternalID: transferResp.Data.ID.String(),
		Status:     transferResp.Data.Status,
	}, nil
}

func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "transfer request timed out"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: "transfer request timed out"}
	}
	return &Error{Kind: KindUnavailable, Message: err.Error()}
}

func classifyHTTPError(statusCode int, body []byte) *Error {
	var errResp transferResponse
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		message = errResp.Message
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &Error{Kind: KindAuth, StatusCode: statusCode, Message: message}
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return &Error{Kind: KindValidation, StatusCode: statusCode, Message: message}
	case statusCode >= 500:
		// A 5xx tells us nothing about whether the transfer was applied.
		return &Error{Kind: KindUnavailable, StatusCode: statusCode, Message: message}
	default:
		return &Error{Kind: KindRejected, StatusCode: statusCode, Message: message}
	}
}
