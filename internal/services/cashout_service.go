package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sokoni/ledger/internal/config"
	"github.com/sokoni/ledger/internal/events"
	"github.com/sokoni/ledger/internal/gateway"
	"github.com/sokoni/ledger/internal/middleware"
	"github.com/sokoni/ledger/internal/models"
	"github.com/sokoni/ledger/internal/observability"
)

// countryPrefixes maps a local currency to the dialing prefix its mobile
// money numbers must carry.
var countryPrefixes = map[string]string{
	"TZS": "+255",
	"KES": "+254",
}

// CashoutService turns Sokocoin back into mobile money. Funds are reserved
// before the gateway is called and only settled after the gateway confirms,
// so the wallet balance never reflects money the gateway did not move. The
// gateway call itself runs outside every wallet lock.
type CashoutService struct {
	db        *sql.DB
	ledger    *WalletLedgerService
	exchange  *ExchangeRateService
	transfers gateway.TransferClient
	producer  *events.Producer
	redis     *redis.Client
	timeout   time.Duration
	validator *ValidationHelper
}

func NewCashoutService(db *sql.DB, ledger *WalletLedgerService, exchange *ExchangeRateService, transfers gateway.TransferClient, producer *events.Producer, redisClient *redis.Client, cfg *config.GatewayConfig) *CashoutService {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	return &CashoutService{
		db:        db,
		ledger:    ledger,
		exchange:  exchange,
		transfers: transfers,
		producer:  producer,
		redis:     redisClient,
		timeout:   timeout,
		validator: NewValidationHelper(),
	}
}

// RequestCashout runs the full cashout flow for a wallet: validate the
// destination, reserve the Sokocoin, call the gateway, then settle or
// release based on the outcome. An ambiguous gateway outcome (timeout,
// gateway down) leaves the request STUCK with its reservation intact for
// the reconciler to resolve.
func (s *CashoutService) RequestCashout(ctx context.Context, walletID string, amount int64, currency, destination string) (*models.CashoutRequest, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	normalized, err := normalizeDestination(destination, currency)
	if err != nil {
		return nil, err
	}
	localAmount, rate, err := s.exchange.FromSokocoin(amount, currency)
	if err != nil {
		return nil, err
	}

	req := &models.CashoutRequest{
		ID:            uuid.NewString(),
		WalletID:      walletID,
		Amount:        amount,
		LocalCurrency: currency,
		LocalAmount:   localAmount,
		ExchangeRate:  rate,
		Destination:   normalized,
		Status:        models.CashoutStatusRequested,
		CreatedAt:     time.Now(),
	}
	if err := s.insertRequest(ctx, req); err != nil {
		return nil, err
	}

	reservationID, err := s.ledger.Reserve(ctx, walletID, amount, req.ID, rate)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInsufficientBalance) {
			s.resolveRequest(ctx, req, models.CashoutStatusReleased, "", "insufficient available balance")
		}
		return nil, err
	}
	req.ReservationID = reservationID
	req.Status = models.CashoutStatusReserved
	if err := s.updateReserved(ctx, req); err != nil {
		// The hold is already committed. Without the RESERVED marker this
		// request must not reach the gateway; park it STUCK carrying the
		// reservation id so the reconciler can release the hold.
		log.Printf("[CASHOUT] Failed to record reservation %s for request %s: %v", reservationID, req.ID, err)
		s.resolveRequest(ctx, req, models.CashoutStatusStuck, "", "failed to record reservation")
		observability.CashoutsTotal.WithLabelValues("stuck").Inc()
		return req, err
	}
	observability.CashoutsTotal.WithLabelValues("reserved").Inc()

	// No wallet rows are locked past this point; the gateway may take the
	// full timeout to answer.
	gatewayCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	result, gwErr := s.transfers.InitiateMobileMoneyTransfer(gatewayCtx, gateway.TransferRequest{
		Amount:      localAmount,
		Currency:    currency,
		Destination: normalized,
		Narration:   "Sokocoin cashout",
		Reference:   req.ID,
	})

	if gwErr == nil {
		if err := s.ledger.SettleReservation(ctx, reservationID); err != nil {
			// The gateway moved the money but our settle failed; leave the
			// request STUCK rather than lose the external reference.
			log.Printf("[CASHOUT] Settle failed for %s after gateway confirm: %v", req.ID, err)
			s.resolveRequest(ctx, req, models.CashoutStatusStuck, result.ExternalID, "settle failed after gateway confirm")
			observability.CashoutsTotal.WithLabelValues("stuck").Inc()
			return req, err
		}
		s.resolveRequest(ctx, req, models.CashoutStatusSettled, result.ExternalID, "")
		observability.CashoutsTotal.WithLabelValues("settled").Inc()
		s.producer.Publish(ctx, events.Event{
			Type:          events.TypeCashoutSettled,
			CorrelationID: req.ID,
			WalletID:      walletID,
			Amount:        amount,
		})
		log.Printf("[CASHOUT] Request %s settled: %d minor units -> %.2f %s (ref %s)",
			req.ID, amount, localAmount, currency, result.ExternalID)
		return req, nil
	}

	var gatewayErr *gateway.Error
	if errors.As(gwErr, &gatewayErr) && gatewayErr.IsDefinitive() {
		// The gateway definitively did not move money; the reservation can
		// be released immediately.
		if err := s.ledger.ReleaseReservation(ctx, reservationID); err != nil {
			log.Printf("[CASHOUT] Release failed for %s: %v", req.ID, err)
			s.resolveRequest(ctx, req, models.CashoutStatusStuck, "", gatewayErr.Message)
			observability.CashoutsTotal.WithLabelValues("stuck").Inc()
			return req, err
		}
		s.resolveRequest(ctx, req, models.CashoutStatusReleased, "", gatewayErr.Message)
		observability.CashoutsTotal.WithLabelValues("released").Inc()
		s.producer.Publish(ctx, events.Event{
			Type:          events.TypeCashoutReleased,
			CorrelationID: req.ID,
			WalletID:      walletID,
			Amount:        amount,
			Detail:        gatewayErr.Message,
		})
		log.Printf("[CASHOUT] Request %s rejected by gateway: %s", req.ID, gatewayErr.Message)
		return req, gwErr
	}

	// Timeout or gateway unavailable: money may or may not have moved.
	// The reservation stays pending so the funds cannot be double-spent
	// while the reconciler decides.
	s.resolveRequest(ctx, req, models.CashoutStatusStuck, "", gwErr.Error())
	observability.CashoutsTotal.WithLabelValues("stuck").Inc()
	log.Printf("[CASHOUT] Request %s stuck on ambiguous gateway outcome: %v", req.ID, gwErr)
	return req, gwErr
}

// Cancel aborts a cashout that has not yet reserved funds. Once a
// reservation exists the gateway may already be in flight, so the request
// can no longer be cancelled here.
func (s *CashoutService) Cancel(ctx context.Context, cashoutID string) (*models.CashoutRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	req, err := s.lockRequest(tx, cashoutID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.CashoutStatusRequested {
		return nil, ErrCashoutNotCancellable
	}

	now := time.Now()
	if _, err := tx.Exec(`
		UPDATE cashout_requests
		SET status = $1, failure_reason = $2, resolved_at = $3
		WHERE id = $4`,
		models.CashoutStatusReleased, "cancelled by user", now, cashoutID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	req.Status = models.CashoutStatusReleased
	req.FailureReason = "cancelled by user"
	req.ResolvedAt = &now
	log.Printf("[CASHOUT] Request %s cancelled", cashoutID)
	return req, nil
}

// ResolveFromGateway applies a confirmed gateway outcome, typically delivered
// by webhook, to a cashout whose synchronous outcome was ambiguous. A
// successful transfer settles the hold and records the external reference; a
// failed one releases it. Requests already in a terminal state are left
// untouched, so redelivered webhooks are harmless.
func (s *CashoutService) ResolveFromGateway(ctx context.Context, cashoutID, externalRef string, successful bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	req, err := s.lockRequest(tx, cashoutID)
	if err != nil {
		return err
	}
	if req.Status != models.CashoutStatusReserved && req.Status != models.CashoutStatusStuck {
		return nil
	}
	if req.ReservationID == "" {
		return fmt.Errorf("cashout %s has no reservation to resolve", cashoutID)
	}

	now := time.Now()
	if successful {
		if err := s.ledger.SettleReservationTx(ctx, tx, req.ReservationID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE cashout_requests
			SET status = $1, external_ref = $2, failure_reason = '', resolved_at = $3
			WHERE id = $4`,
			models.CashoutStatusSettled, externalRef, now, cashoutID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		observability.CashoutsTotal.WithLabelValues("settled").Inc()
		s.producer.Publish(ctx, events.Event{
			Type:          events.TypeCashoutSettled,
			CorrelationID: cashoutID,
			WalletID:      req.WalletID,
			Amount:        req.Amount,
		})
		log.Printf("[CASHOUT] Request %s settled from gateway confirmation (ref %s)", cashoutID, externalRef)
		return nil
	}

	if err := s.ledger.ReleaseReservationTx(ctx, tx, req.ReservationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cashout_requests
		SET status = $1, failure_reason = $2, resolved_at = $3
		WHERE id = $4`,
		models.CashoutStatusReleased, "gateway reported transfer failed", now, cashoutID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	observability.CashoutsTotal.WithLabelValues("released").Inc()
	s.producer.Publish(ctx, events.Event{
		Type:          events.TypeCashoutReleased,
		CorrelationID: cashoutID,
		WalletID:      req.WalletID,
		Amount:        req.Amount,
	})
	log.Printf("[CASHOUT] Request %s released from gateway failure report", cashoutID)
	return nil
}

// Get returns a cashout request by id.
func (s *CashoutService) Get(ctx context.Context, cashoutID string) (*models.CashoutRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, amount, local_currency, local_amount, exchange_rate,
		       destination, reservation_id, external_ref, status, failure_reason,
		       created_at, resolved_at
		FROM cashout_requests
		WHERE id = $1`, cashoutID)
	return scanCashoutRequest(row)
}

func (s *CashoutService) insertRequest(ctx context.Context, req *models.CashoutRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cashout_requests
			(id, wallet_id, amount, local_currency, local_amount, exchange_rate,
			 destination, reservation_id, external_ref, status, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '', '', $8, '', $9)`,
		req.ID, req.WalletID, req.Amount, req.LocalCurrency, req.LocalAmount,
		req.ExchangeRate, req.Destination, req.Status, req.CreatedAt)
	return err
}

func (s *CashoutService) updateReserved(ctx context.Context, req *models.CashoutRequest) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cashout_requests
		SET status = $1, reservation_id = $2
		WHERE id = $3`,
		req.Status, req.ReservationID, req.ID)
	return err
}

// resolveRequest records a terminal (or stuck) state, carrying the
// reservation id so a stuck row always points at its hold. Failures here are
// logged rather than returned: the ledger already holds the truth and the
// reconciler can repair the request row later.
func (s *CashoutService) resolveRequest(ctx context.Context, req *models.CashoutRequest, status, externalRef, failureReason string) {
	now := time.Now()
	var resolvedAt *time.Time
	if status == models.CashoutStatusSettled || status == models.CashoutStatusReleased {
		resolvedAt = &now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE cashout_requests
		SET status = $1, reservation_id = $2, external_ref = $3, failure_reason = $4, resolved_at = $5
		WHERE id = $6`,
		status, req.ReservationID, externalRef, failureReason, resolvedAt, req.ID)
	if err != nil {
		log.Printf("[CASHOUT] Failed to record %s state for request %s: %v", status, req.ID, err)
		return
	}
	req.Status = status
	req.ExternalRef = externalRef
	req.FailureReason = failureReason
	req.ResolvedAt = resolvedAt
}

func (s *CashoutService) lockRequest(tx *sql.Tx, cashoutID string) (*models.CashoutRequest, error) {
	row := tx.QueryRow(`
		SELECT id, wallet_id, amount, local_currency, local_amount, exchange_rate,
		       destination, reservation_id, external_ref, status, failure_reason,
		       created_at, resolved_at
		FROM cashout_requests
		WHERE id = $1
		FOR UPDATE`, cashoutID)
	return scanCashoutRequest(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCashoutRequest(row rowScanner) (*models.CashoutRequest, error) {
	var req models.CashoutRequest
	var resolvedAt sql.NullTime
	err := row.Scan(&req.ID, &req.WalletID, &req.Amount, &req.LocalCurrency,
		&req.LocalAmount, &req.ExchangeRate, &req.Destination, &req.ReservationID,
		&req.ExternalRef, &req.Status, &req.FailureReason, &req.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCashoutNotFound
	}
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		req.ResolvedAt = &resolvedAt.Time
	}
	return &req, nil
}

// normalizeDestination strips formatting from a mobile money number and
// checks it is an international-format number for the payout currency.
func normalizeDestination(destination, currency string) (string, error) {
	normalized := strings.NewReplacer(" ", "", "-", "").Replace(destination)
	if !strings.HasPrefix(normalized, "+") || len(normalized) < 10 {
		return "", ErrInvalidDestinationFormat
	}
	for _, r := range normalized[1:] {
		if r < '0' || r > '9' {
			return "", ErrInvalidDestinationFormat
		}
	}
	if prefix, ok := countryPrefixes[currency]; ok && !strings.HasPrefix(normalized, prefix) {
		return "", ErrInvalidDestinationFormat
	}
	return normalized, nil
}

type cashoutRequestBody struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3,uppercase"`
	Destination string `json:"destination" validate:"required,min=10"`
	RequestID   string `json:"requestId" validate:"omitempty,uuid4"`
}

// CreateCashout initiates a cashout for the authenticated wallet
// @Summary Cash out Sokocoin to mobile money
// @Description Reserves the amount, initiates a gateway transfer and settles or releases based on the outcome
// @Tags cashout
// @Accept json
// @Produce json
// @Param request body cashoutRequestBody true "Cashout details"
// @Success 201 {object} models.CashoutRequest
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /wallet/cashout [post]
func (s *CashoutService) CreateCashout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	var body cashoutRequestBody
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

	// Slow mobile networks mean duplicate submissions; a resent request id
	// must not start a second transfer.
	if body.RequestID != "" && s.redis != nil {
		ok, err := s.redis.SetNX(r.Context(), "cashout:request:"+body.RequestID, "processed", 24*time.Hour).Result()
		if err == nil && !ok {
			SendErrorResponse(w, "Request already processed", http.StatusConflict, nil)
			return
		}
	}

	req, err := s.RequestCashout(r.Context(), wallet.ID, body.Amount, body.Currency, body.Destination)
	if err != nil && req == nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			SendErrorResponse(w, "Amount must be positive", http.StatusBadRequest, nil)
		case errors.Is(err, ErrInvalidDestinationFormat):
			SendErrorResponse(w, "Destination must be an international-format mobile money number", http.StatusBadRequest, nil)
		case errors.Is(err, ErrUnknownCurrency):
			SendErrorResponse(w, "Unsupported payout currency", http.StatusBadRequest, nil)
		case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientBalance):
			SendErrorResponse(w, "Insufficient available balance", http.StatusPaymentRequired, nil)
		default:
			log.Printf("[CASHOUT] Request failed for wallet %s: %v", wallet.ID, err)
			SendErrorResponse(w, "Failed to process cashout", http.StatusInternalServerError, nil)
		}
		return
	}

	// A request that reached the gateway always gets a body back, even when
	// it ended released or stuck; the status field tells the caller what
	// happened.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(req)
}

// CancelCashout cancels a not-yet-reserved cashout
// @Summary Cancel a pending cashout request
// @Tags cashout
// @Produce json
// @Param cashoutId path string true "Cashout request ID"
// @Success 200 {object} models.CashoutRequest
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /wallet/cashout/{cashoutId}/cancel [post]
func (s *CashoutService) CancelCashout(w http.ResponseWriter, r *http.Request) {
	cashoutID := chi.URLParam(r, "cashoutId")
	wallet, err := s.walletForCaller(r)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	existing, err := s.Get(r.Context(), cashoutID)
	if err != nil || existing.WalletID != wallet.ID {
		SendErrorResponse(w, "Cashout request not found", http.StatusNotFound, nil)
		return
	}

	req, err := s.Cancel(r.Context(), cashoutID)
	if err != nil {
		if errors.Is(err, ErrCashoutNotCancellable) {
			SendErrorResponse(w, "Cashout can no longer be cancelled", http.StatusConflict, nil)
			return
		}
		SendErrorResponse(w, "Failed to cancel cashout", http.StatusInternalServerError, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

// GetCashout returns the state of a cashout request
// @Summary Fetch a cashout request
// @Tags cashout
// @Produce json
// @Param cashoutId path string true "Cashout request ID"
// @Success 200 {object} models.CashoutRequest
// @Failure 404 {object} ErrorResponse
// @Router /wallet/cashout/{cashoutId} [get]
func (s *CashoutService) GetCashout(w http.ResponseWriter, r *http.Request) {
	cashoutID := chi.URLParam(r, "cashoutId")
	wallet, err := s.walletForCaller(r)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	req, err := s.Get(r.Context(), cashoutID)
	if err != nil || req.WalletID != wallet.ID {
		SendErrorResponse(w, "Cashout request not found", http.StatusNotFound, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

func (s *CashoutService) walletForCaller(r *http.Request) (*models.Wallet, error) {
	ownerID, err := middleware.OwnerIDFromContext(r.Context())
	if err != nil {
		return nil, err
	}
	return s.ledger.GetWalletByOwner(r.Context(), ownerID)
}
