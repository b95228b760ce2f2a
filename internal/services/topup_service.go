package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sokoni/ledger/internal/config"
	"github.com/sokoni/ledger/internal/events"
	"github.com/sokoni/ledger/internal/gateway"
	"github.com/sokoni/ledger/internal/middleware"
	"github.com/sokoni/ledger/internal/models"
	"github.com/sokoni/ledger/internal/observability"
)

// TopupService sells Sokocoin for mobile money through the payment gateway.
// A topup opens a hosted payment session, and the wallet is only credited
// after the gateway confirms the charge through verification. The topup id is
// sent to the gateway as tx_ref, so webhooks and manual verification both
// find the pending row by its own id.
type TopupService struct {
	db        *sql.DB
	ledger    *WalletLedgerService
	exchange  *ExchangeRateService
	payments  gateway.PaymentClient
	producer  *events.Producer
	timeout   time.Duration
	validator *ValidationHelper
}

func NewTopupService(db *sql.DB, ledger *WalletLedgerService, exchange *ExchangeRateService, payments gateway.PaymentClient, producer *events.Producer, cfg *config.GatewayConfig) *TopupService {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	return &TopupService{
		db:        db,
		ledger:    ledger,
		exchange:  exchange,
		payments:  payments,
		producer:  producer,
		timeout:   timeout,
		validator: NewValidationHelper(),
	}
}

// Initiate records a PENDING topup and opens a gateway payment session for
// it. No Sokocoin moves here; the credit happens in Verify once the gateway
// confirms the charge.
func (s *TopupService) Initiate(ctx context.Context, walletID string, localAmount float64, currency string) (*models.TopupRequest, error) {
	if localAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	amount, rate, err := s.exchange.ToSokocoin(localAmount, currency)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	req := &models.TopupRequest{
		ID:            uuid.NewString(),
		WalletID:      walletID,
		LocalCurrency: strings.ToUpper(currency),
		LocalAmount:   localAmount,
		Amount:        amount,
		ExchangeRate:  rate,
		Status:        models.TopupStatusPending,
		CreatedAt:     time.Now(),
	}
	if err := s.insertRequest(ctx, req); err != nil {
		return nil, err
	}

	gatewayCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	session, err := s.payments.InitiatePayment(gatewayCtx, gateway.PaymentRequest{
		Amount:    localAmount,
		Currency:  req.LocalCurrency,
		Reference: req.ID,
	})
	if err != nil {
		s.markFailed(ctx, req, "failed to open payment session")
		return nil, err
	}

	req.PaymentLink = session.Link
	if _, err := s.db.ExecContext(ctx, `
		UPDATE topup_requests
		SET payment_link = $1
		WHERE id = $2`,
		session.Link, req.ID); err != nil {
		log.Printf("[TOPUP] Failed to record payment link for %s: %v", req.ID, err)
	}
	log.Printf("[TOPUP] Request %s initiated: %.2f %s -> %d minor units pending", req.ID, localAmount, currency, amount)
	return req, nil
}

// Verify asks the gateway whether the topup's payment was collected and, on
// confirmation, credits the wallet. Verification is idempotent: a topup that
// already completed or failed is returned as is, so redelivered webhooks and
// repeated polling cannot double-credit.
func (s *TopupService) Verify(ctx context.Context, topupID string) (*models.TopupRequest, error) {
	req, err := s.Get(ctx, topupID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.TopupStatusPending {
		return req, nil
	}

	// The gateway call runs before any row is locked; the lock below
	// re-checks the status so a concurrent verify applies at most one credit.
	gatewayCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	verification, err := s.payments.VerifyPaymentByReference(gatewayCtx, req.ID)
	if err != nil {
		return req, err
	}

	if !verification.Successful {
		s.markFailed(ctx, req, "payment not completed: "+verification.Status)
		observability.TopupsTotal.WithLabelValues("failed").Inc()
		return req, nil
	}
	if verification.Currency != "" && !strings.EqualFold(verification.Currency, req.LocalCurrency) {
		s.markFailed(ctx, req, "paid currency does not match topup")
		observability.TopupsTotal.WithLabelValues("failed").Inc()
		return req, nil
	}
	if verification.Amount > 0 && verification.Amount+1e-9 < req.LocalAmount {
		s.markFailed(ctx, req, "paid amount below topup amount")
		observability.TopupsTotal.WithLabelValues("failed").Inc()
		return req, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return req, err
	}
	defer tx.Rollback()

	locked, err := s.lockRequest(ctx, tx, topupID)
	if err != nil {
		return req, err
	}
	if locked.Status != models.TopupStatusPending {
		return locked, nil
	}

	if _, err := s.ledger.CreditTx(ctx, tx, locked.WalletID, locked.Amount, models.KindTopup, locked.ID, locked.ExchangeRate); err != nil {
		return locked, err
	}
	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE topup_requests
		SET status = $1, external_ref = $2, resolved_at = $3
		WHERE id = $4`,
		models.TopupStatusCompleted, verification.ExternalID, now, locked.ID); err != nil {
		return locked, err
	}
	if err := tx.Commit(); err != nil {
		return locked, err
	}

	locked.Status = models.TopupStatusCompleted
	locked.ExternalRef = verification.ExternalID
	locked.ResolvedAt = &now
	observability.TopupsTotal.WithLabelValues("completed").Inc()
	s.producer.Publish(ctx, events.Event{
		Type:          events.TypeTopupCompleted,
		CorrelationID: locked.ID,
		WalletID:      locked.WalletID,
		Amount:        locked.Amount,
	})
	log.Printf("[TOPUP] Request %s completed: credited %d minor units (ref %s)",
		locked.ID, locked.Amount, verification.ExternalID)
	return locked, nil
}

// Get returns a topup request by id.
func (s *TopupService) Get(ctx context.Context, topupID string) (*models.TopupRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, local_currency, local_amount, amount, exchange_rate,
		       payment_link, external_ref, status, failure_reason, created_at, resolved_at
		FROM topup_requests
		WHERE id = $1`, topupID)
	return scanTopupRequest(row)
}

func (s *TopupService) insertRequest(ctx context.Context, req *models.TopupRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topup_requests
			(id, wallet_id, local_currency, local_amount, amount, exchange_rate,
			 payment_link, external_ref, status, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', '', $7, '', $8)`,
		req.ID, req.WalletID, req.LocalCurrency, req.LocalAmount, req.Amount,
		req.ExchangeRate, req.Status, req.CreatedAt)
	return err
}

func (s *TopupService) markFailed(ctx context.Context, req *models.TopupRequest, reason string) {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE topup_requests
		SET status = $1, failure_reason = $2, resolved_at = $3
		WHERE id = $4 AND status = $5`,
		models.TopupStatusFailed, reason, now, req.ID, models.TopupStatusPending); err != nil {
		log.Printf("[TOPUP] Failed to record failure for %s: %v", req.ID, err)
		return
	}
	req.Status = models.TopupStatusFailed
	req.FailureReason = reason
	req.ResolvedAt = &now
}

func (s *TopupService) lockRequest(ctx context.Context, tx *sql.Tx, topupID string) (*models.TopupRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, wallet_id, local_currency, local_amount, amount, exchange_rate,
		       payment_link, external_ref, status, failure_reason, created_at, resolved_at
		FROM topup_requests
		WHERE id = $1
		FOR UPDATE`, topupID)
	return scanTopupRequest(row)
}

func scanTopupRequest(row rowScanner) (*models.TopupRequest, error) {
	var req models.TopupRequest
	var resolvedAt sql.NullTime
	err := row.Scan(&req.ID, &req.WalletID, &req.LocalCurrency, &req.LocalAmount,
		&req.Amount, &req.ExchangeRate, &req.PaymentLink, &req.ExternalRef,
		&req.Status, &req.FailureReason, &req.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTopupNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	return &req, nil
}

type topupRequestBody struct {
	Amount   float64 `json:"amount" validate:"required,gt=0"`
	Currency string  `json:"currency" validate:"required,len=3,uppercase"`
}

// CreateTopup opens a payment session to buy Sokocoin
// @Summary Top up the authenticated wallet
// @Description Creates a pending topup and returns the gateway payment link
// @Tags topup
// @Accept json
// @Produce json
// @Param request body topupRequestBody true "Topup details"
// @Success 201 {object} models.TopupRequest
// @Failure 400 {object} ErrorResponse
// @Router /wallet/topup [post]
func (s *TopupService) CreateTopup(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	var body topupRequestBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&body); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	wallet, err := s.walletForCaller(r)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	req, err := s.Initiate(r.Context(), wallet.ID, body.Amount, body.Currency)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			SendErrorResponse(w, "Amount must be positive", http.StatusBadRequest, nil)
		case errors.Is(err, ErrUnknownCurrency):
			SendErrorResponse(w, "Unsupported payment currency", http.StatusBadRequest, nil)
		default:
			log.Printf("[TOPUP] Initiate failed for wallet %s: %v", wallet.ID, err)
			SendErrorResponse(w, "Failed to initiate topup", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(req)
}

// VerifyTopup confirms a pending topup against the gateway
// @Summary Verify a topup payment and credit the wallet
// @Tags topup
// @Produce json
// @Param topupId path string true "Topup request ID"
// @Success 200 {object} models.TopupRequest
// @Failure 404 {object} ErrorResponse
// @Router /wallet/topup/{topupId}/verify [post]
func (s *TopupService) VerifyTopup(w http.ResponseWriter, r *http.Request) {
	topupID := chi.URLParam(r, "topupId")
	wallet, err := s.walletForCaller(r)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	existing, err := s.Get(r.Context(), topupID)
	if err != nil || existing.WalletID != wallet.ID {
		SendErrorResponse(w, "Topup request not found", http.StatusNotFound, nil)
		return
	}

	req, err := s.Verify(r.Context(), topupID)
	if err != nil {
		log.Printf("[TOPUP] Verify failed for %s: %v", topupID, err)
		SendErrorResponse(w, "Failed to verify topup", http.StatusBadGateway, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

// GetTopup returns the state of a topup request
// @Summary Fetch a topup request
// @Tags topup
// @Produce json
// @Param topupId path string true "Topup request ID"
// @Success 200 {object} models.TopupRequest
// @Failure 404 {object} ErrorResponse
// @Router /wallet/topup/{topupId} [get]
func (s *TopupService) GetTopup(w http.ResponseWriter, r *http.Request) {
	topupID := chi.URLParam(r, "topupId")
	wallet, err := s.walletForCaller(r)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	req, err := s.Get(r.Context(), topupID)
	if err != nil || req.WalletID != wallet.ID {
		SendErrorResponse(w, "Topup request not found", http.StatusNotFound, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

func (s *TopupService) walletForCaller(r *http.Request) (*models.Wallet, error) {
	ownerID, err := middleware.OwnerIDFromContext(r.Context())
	if err != nil {
		return nil, err
	}
	return s.ledger.GetWalletByOwner(r.Context(), ownerID)
}
