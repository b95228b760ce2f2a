package gateway

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/sokoni/ledger/internal/config"
)

// MockClient simulates the transfer gateway for sandbox environments. The
// outcome is fixed by configuration so integration behavior (success,
// definitive rejection, timeout) can be exercised without live credentials.
type MockClient struct {
	outcome   string
	reference string
}

func NewMockClient(cfg *config.GatewayConfig) *MockClient {
	outcome := strings.ToLower(cfg.MockOutcome)
	switch outcome {
	case "rejected", "timeout":
	default:
		outcome = "success"
	}
	return &MockClient{outcome: outcome, reference: cfg.MockReference}
}

func (m *MockClient) InitiateMobileMoneyTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	log.Printf("[GATEWAY] Mock transfer: %.2f %s to %s (ref %s, outcome %s)",
		req.Amount, req.Currency, req.Destination, req.Reference, m.outcome)

	switch m.outcome {
	case "rejected":
		return nil, &Error{Kind: KindRejected, Message: "transfer declined (sandbox)"}
	case "timeout":
		return nil, &Error{Kind: KindTimeout, Message: "transfer timed out (sandbox)"}
	default:
		return &TransferResult{
			ExternalID: fmt.Sprintf("%s-%s", m.reference, req.Reference),
			Status:     "NEW",
		}, nil
	}
}

func (m *MockClient) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentSession, error) {
	log.Printf("[GATEWAY] Mock payment session: %.2f %s (ref %s)", req.Amount, req.Currency, req.Reference)
	return &PaymentSession{Link: "https://sandbox.gateway.local/pay/" + req.Reference}, nil
}

func (m *MockClient) VerifyPaymentByReference(ctx context.Context, reference string) (*PaymentVerification, error) {
	log.Printf("[GATEWAY] Mock payment verify: ref %s (outcome %s)", reference, m.outcome)
	if m.outcome == "rejected" {
		return &PaymentVerification{ExternalID: m.reference, Successful: false, Status: "failed"}, nil
	}
	if m.outcome == "timeout" {
		return nil, &Error{Kind: KindTimeout, Message: "verification timed out (sandbox)"}
	}
	return &PaymentVerification{
		ExternalID: fmt.Sprintf("%s-%s", m.reference, reference),
		Successful: true,
		Status:     "successful",
	}, nil
}

func useMock(cfg *config.GatewayConfig) bool {
	return cfg.UseMock || strings.HasPrefix(cfg.SecretKey, "FLWSECK_TEST")
}

// NewTransferClient picks the live or mock implementation from configuration.
func NewTransferClient(cfg *config.GatewayConfig) TransferClient {
	if useMock(cfg) {
		return NewMockClient(cfg)
	}
	return NewClient(cfg)
}

// NewPaymentClient picks the live or mock collection client from configuration.
func NewPaymentClient(cfg *config.GatewayConfig) PaymentClient {
	if useMock(cfg) {
		return NewMockClient(cfg)
	}
	return NewClient(cfg)
}
