package services

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/sokoni/ledger/internal/config"
)

// WebhookService receives asynchronous gateway notifications: collected
// topup payments and transfer outcomes for cashouts that ended ambiguous.
// Payloads are never trusted on their own; charge events trigger a fresh
// verification against the gateway, and transfer events only resolve
// requests that are still waiting on an outcome.
type WebhookService struct {
	topups     *TopupService
	cashouts   *CashoutService
	secretHash string
}

func NewWebhookService(topups *TopupService, cashouts *CashoutService, cfg *config.GatewayConfig) *WebhookService {
	secretHash := ""
	if cfg != nil {
		secretHash = cfg.WebhookHash
	}
	return &WebhookService{
		topups:     topups,
		cashouts:   cashouts,
		secretHash: secretHash,
	}
}

type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		ID        json.Number `json:"id"`
		TxRef     string      `json:"tx_ref"`
		Reference string      `json:"reference"`
		Status    string      `json:"status"`
	} `json:"data"`
}

// HandleGatewayWebhook processes a signed gateway notification
// @Summary Gateway webhook receiver
// @Description Verifies the signature and applies charge and transfer outcomes
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 401 {object} ErrorResponse
// @Router /webhooks/gateway [post]
func (s *WebhookService) HandleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("verif-hash")
	if s.secretHash == "" || subtle.ConstantTimeCompare([]byte(signature), []byte(s.secretHash)) != 1 {
		SendErrorResponse(w, "Invalid webhook signature", http.StatusUnauthorized, nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		SendErrorResponse(w, "Invalid webhook payload", http.StatusBadRequest, nil)
		return
	}

	// Processing errors still return 200: the gateway redelivers on non-2xx
	// and every handler below is idempotent, so a later delivery or the
	// reconciler can finish the job.
	switch {
	case strings.HasPrefix(payload.Event, "charge."):
		if payload.Data.TxRef == "" {
			log.Printf("[WEBHOOK] Charge event without tx_ref ignored")
			break
		}
		if _, err := s.topups.Verify(r.Context(), payload.Data.TxRef); err != nil {
			log.Printf("[WEBHOOK] Failed to verify topup %s: %v", payload.Data.TxRef, err)
		}
	case strings.HasPrefix(payload.Event, "transfer."):
		if payload.Data.Reference == "" {
			log.Printf("[WEBHOOK] Transfer event without reference ignored")
			break
		}
		successful := strings.EqualFold(payload.Data.Status, "SUCCESSFUL")
		if err := s.cashouts.ResolveFromGateway(r.Context(), payload.Data.Reference, payload.Data.ID.String(), successful); err != nil {
			log.Printf("[WEBHOOK] Failed to resolve cashout %s: %v", payload.Data.Reference, err)
		}
	default:
		log.Printf("[WEBHOOK] Ignoring event %q", payload.Event)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
