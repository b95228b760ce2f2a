package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// PaymentRequest opens a hosted payment session for a wallet top-up.
// Reference doubles as the tx_ref the payment is later verified by.
type PaymentRequest struct {
	Amount        float64
	Currency      string
	Reference     string
	RedirectURL   string
	CustomerEmail string
	CustomerName  string
}

// PaymentSession is the gateway's hosted checkout for a pending payment.
type PaymentSession struct {
	Link string
}

// PaymentVerification is the gateway's answer for a collected payment. Only
// Successful verifications carry trustworthy Amount/Currency values.
type PaymentVerification struct {
	ExternalID string
	Amount     float64
	Currency   string
	Successful bool
	Status     string
}

// PaymentClient is the payment-collection side of the gateway: hosted
// sessions in, verified charges out. Implemented by the live client and the
// sandbox mock.
type PaymentClient interface {
	InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error)
	VerifyPaymentByReference(ctx context.Context, reference string) (*PaymentVerification, error)
}

type paymentPayload struct {
	TxRef       string  `json:"tx_ref"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	RedirectURL string  `json:"redirect_url,omitempty"`
	Customer    struct {
		Email string `json:"email,omitempty"`
		Name  string `json:"name,omitempty"`
	} `json:"customer"`
}

type paymentResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

type verifyResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID       json.Number `json:"id"`
		TxRef    string      `json:"tx_ref"`
		Amount   float64     `json:"amount"`
		Currency string      `json:"currency"`
		Status   string      `json:"status"`
	} `json:"data"`
}

// postJSON sends a JSON payload to the gateway and decodes the response into
// out, applying the same failure classification as the transfer path.
func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Kind: KindUnavailable, Message: fmt.Sprintf("failed to read gateway response: %v", err)}
	}
	if resp.StatusCode >= 400 {
		return classifyHTTPError(resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Kind: KindUnavailable, StatusCode: resp.StatusCode, Message: "unparsable gateway response"}
	}
	return nil
}

// InitiatePayment opens a hosted payment session and returns its link.
func (c *Client) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	payload := paymentPayload{
		TxRef:       req.Reference,
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		RedirectURL: req.RedirectURL,
	}
	payload.Customer.Email = req.CustomerEmail
	payload.Customer.Name = req.CustomerName

	var resp paymentResponse
	if err := c.postJSON(ctx, "/payments", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.Data.Link == "" {
		return nil, &Error{Kind: KindRejected, Message: resp.Message}
	}
	return &PaymentSession{Link: resp.Data.Link}, nil
}

// VerifyPaymentByReference asks the gateway whether the payment with the
// given tx_ref was collected. The returned verification is authoritative;
// webhook payloads are never trusted without this call.
func (c *Client) VerifyPaymentByReference(ctx context.Context, reference string) (*PaymentVerification, error) {
	endpoint := "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Message: fmt.Sprintf("failed to read verify response: %v", err)}
	}
	if resp.StatusCode >= 400 {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	var verifyResp verifyResponse
	if err := json.Unmarshal(respBody, &verifyResp); err != nil {
		return nil, &Error{Kind: KindUnavailable, StatusCode: resp.StatusCode, Message: "unparsable verify response"}
	}
	if verifyResp.Status != "success" {
		return nil, &Error{Kind: KindRejected, StatusCode: resp.StatusCode, Message: verifyResp.Message}
	}

	return &PaymentVerification{
		ExternalID: verifyResp.Data.ID.String(),
		Amount:     verifyResp.Data.Amount,
		Currency:   strings.ToUpper(verifyResp.Data.Currency),
		Successful: strings.EqualFold(verifyResp.Data.Status, "successful"),
		Status:     verifyResp.Data.Status,
	}, nil
}
