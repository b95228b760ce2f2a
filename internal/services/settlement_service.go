package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sokoni/ledger/internal/events"
	"github.com/sokoni/ledger/internal/middleware"
	"github.com/sokoni/ledger/internal/models"
	"github.com/sokoni/ledger/internal/observability"
)

// SettlementService executes checkout: it converts the buyer's cart into
// Sokocoin totals and moves the funds between the buyer and every seller in
// one atomic unit. Partial settlement is never observable: either the buyer
// debit, all seller credits, the order record and the cart clear commit
// together, or nothing does.
type SettlementService struct {
	db        *sql.DB
	ledger    *WalletLedgerService
	exchange  *ExchangeRateService
	producer  *events.Producer
	redis     *redis.Client
	validator *ValidationHelper
}

func NewSettlementService(db *sql.DB, ledger *WalletLedgerService, exchange *ExchangeRateService, producer *events.Producer, redisClient *redis.Client) *SettlementService {
	return &SettlementService{
		db:        db,
		ledger:    ledger,
		exchange:  exchange,
		producer:  producer,
		redis:     redisClient,
		validator: NewValidationHelper(),
	}
}

// sellerShare is one seller's slice of a checkout, grouped and converted.
type sellerShare struct {
	walletID      string
	localCurrency string
	localSubtotal float64
	sokSubtotal   int64
	rate          float64
}

// Checkout settles the buyer's cart. The cart collaborator guarantees each
// line item carries the seller's wallet id and a price in that seller's own
// local currency.
func (s *SettlementService) Checkout(ctx context.Context, buyerWalletID string) (*models.Order, error) {
	items, err := s.loadCart(ctx, buyerWalletID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrCartEmpty
	}

	shares, total, err := s.groupBySeller(items)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:            uuid.NewString(),
		BuyerWalletID: buyerWalletID,
		TotalAmount:   total,
		Status:        models.OrderStatusCompleted,
		CreatedAt:     time.Now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Lock buyer and sellers up front, in ascending wallet-id order, before
	// any balance is read or written.
	walletIDs := []string{buyerWalletID}
	for _, share := range shares {
		walletIDs = append(walletIDs, share.walletID)
	}
	wallets, err := s.ledger.LockWalletsTx(ctx, tx, walletIDs)
	if err != nil {
		return nil, err
	}

	reserved, err := s.ledger.PendingReservedTx(ctx, tx, buyerWalletID)
	if err != nil {
		return nil, err
	}
	if total > wallets[buyerWalletID].Balance+reserved {
		return nil, ErrInsufficientFunds
	}

	// One debit for the whole order; the snapshot rate is the first seller
	// line's, matching how the order totals were quoted.
	if _, err := s.ledger.DebitTx(ctx, tx, buyerWalletID, total, models.KindPurchase, order.ID, shares[0].rate); err != nil {
		return nil, err
	}
	for _, share := range shares {
		if _, err := s.ledger.CreditTx(ctx, tx, share.walletID, share.sokSubtotal, models.KindEarn, order.ID, share.rate); err != nil {
			return nil, err
		}
	}

	if err := s.insertOrder(tx, order, shares); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM cart_items WHERE buyer_wallet_id = $1`, buyerWalletID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, share := range shares {
		order.Lines = append(order.Lines, models.OrderLine{
			OrderID:        order.ID,
			SellerWalletID: share.walletID,
			LocalCurrency:  share.localCurrency,
			LocalSubtotal:  share.localSubtotal,
			SokSubtotal:    share.sokSubtotal,
			ExchangeRate:   share.rate,
		})
	}

	s.producer.Publish(ctx, events.Event{
		Type:          events.TypeOrderCreated,
		CorrelationID: order.ID,
		WalletID:      buyerWalletID,
		Amount:        total,
		Detail:        order.Lines,
	})
	observability.SettlementsTotal.WithLabelValues("completed").Inc()
	log.Printf("[SETTLEMENT] Order %s settled: buyer %s debited %d across %d seller(s)",
		order.ID, buyerWalletID, total, len(shares))

	return order, nil
}

// GetOrder returns a settled order with its per-seller lines.
func (s *SettlementService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_wallet_id, total_amount, status, created_at
		FROM orders
		WHERE id = $1`, orderID).
		Scan(&order.ID, &order.BuyerWalletID, &order.TotalAmount, &order.Status, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, seller_wallet_id, local_currency, local_subtotal, sok_subtotal, exchange_rate
		FROM order_lines
		WHERE order_id = $1
		ORDER BY seller_wallet_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var line models.OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.SellerWalletID, &line.LocalCurrency,
			&line.LocalSubtotal, &line.SokSubtotal, &line.ExchangeRate); err != nil {
			return nil, err
		}
		order.Lines = append(order.Lines, line)
	}
	return &order, rows.Err()
}

func (s *SettlementService) loadCart(ctx context.Context, buyerWalletID string) ([]models.CartItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, buyer_wallet_id, seller_wallet_id, local_currency, unit_price, quantity
		FROM cart_items
		WHERE buyer_wallet_id = $1
		ORDER BY id`, buyerWalletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []models.CartItem
	for rows.Next() {
		var item models.CartItem
		if err := rows.Scan(&item.ID, &item.BuyerWalletID, &item.SellerWalletID,
			&item.LocalCurrency, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// groupBySeller computes each seller's local subtotal, converts it once, and
// sums the converted subtotals into the buyer's total charge. Sellers come
// out in ascending wallet-id order so credits are applied deterministically.
func (s *SettlementService) groupBySeller(items []models.CartItem) ([]sellerShare, int64, error) {
	bySeller := make(map[string]*sellerShare)
	for _, item := range items {
		share, ok := bySeller[item.SellerWalletID]
		if !ok {
			share = &sellerShare{walletID: item.SellerWalletID, localCurrency: item.LocalCurrency}
			bySeller[item.SellerWalletID] = share
		}
		if share.localCurrency != item.LocalCurrency {
			return nil, 0, fmt.Errorf("seller %s has line items in mixed currencies", item.SellerWalletID)
		}
		share.localSubtotal += item.UnitPrice * float64(item.Quantity)
	}

	sellerIDs := make([]string, 0, len(bySeller))
	for id := range bySeller {
		sellerIDs = append(sellerIDs, id)
	}
	sort.Strings(sellerIDs)

	var shares []sellerShare
	var total int64
	for _, id := range sellerIDs {
		share := bySeller[id]
		sok, rate, err := s.exchange.ToSokocoin(share.localSubtotal, share.localCurrency)
		if err != nil {
			return nil, 0, err
		}
		share.sokSubtotal = sok
		share.rate = rate
		total += sok
		shares = append(shares, *share)
	}
	return shares, total, nil
}

func (s *SettlementService) insertOrder(tx *sql.Tx, order *models.Order, shares []sellerShare) error {
	if _, err := tx.Exec(`
		INSERT INTO orders (id, buyer_wallet_id, total_amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		order.ID, order.BuyerWalletID, order.TotalAmount, order.Status, order.CreatedAt); err != nil {
		return err
	}
	for _, share := range shares {
		if _, err := tx.Exec(`
			INSERT INTO order_lines (order_id, seller_wallet_id, local_currency, local_subtotal, sok_subtotal, exchange_rate)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			order.ID, share.walletID, share.localCurrency, share.localSubtotal, share.sokSubtotal, share.rate); err != nil {
			return err
		}
	}
	return nil
}

type checkoutRequest struct {
	RequestID string `json:"requestId" validate:"omitempty,uuid4"`
}

// CreateOrder handles checkout for the authenticated buyer
// @Summary Settle the buyer's cart into an order
// @Description Converts cart totals to Sokocoin and atomically moves funds from the buyer to each seller
// @Tags orders
// @Accept json
// @Produce json
// @Success 201 {object} models.Order
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /orders/checkout [post]
func (s *SettlementService) CreateOrder(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	var req checkoutRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && err != io.EOF {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	wallet, err := s.walletForCaller(r)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	// Duplicate submissions with the same request id are rejected up front;
	// upstream clients retry on slow networks.
	if req.RequestID != "" && s.redis != nil {
		ok, err := s.redis.SetNX(r.Context(), "checkout:request:"+req.RequestID, "processed", 24*time.Hour).Result()
		if err == nil && !ok {
			SendErrorResponse(w, "Request already processed", http.StatusConflict, nil)
			return
		}
	}

	order, err := s.Checkout(r.Context(), wallet.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrCartEmpty):
			SendErrorResponse(w, "Cart is empty", http.StatusBadRequest, nil)
		case errors.Is(err, ErrInsufficientFunds):
			observability.SettlementsTotal.WithLabelValues("insufficient_funds").Inc()
			SendErrorResponse(w, "Insufficient Sokocoin balance", http.StatusPaymentRequired, nil)
		case errors.Is(err, ErrUnknownCurrency):
			SendErrorResponse(w, "Unknown currency in cart", http.StatusBadRequest, nil)
		default:
			log.Printf("[SETTLEMENT] Checkout failed for wallet %s: %v", wallet.ID, err)
			observability.SettlementsTotal.WithLabelValues("error").Inc()
			SendErrorResponse(w, "Failed to process checkout", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(order)
}

// GetOrderByID returns an order record
// @Summary Fetch an order
// @Tags orders
// @Produce json
// @Param orderId path string true "Order ID"
// @Success 200 {object} models.Order
// @Router /orders/{orderId} [get]
func (s *SettlementService) GetOrderByID(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	order, err := s.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			SendErrorResponse(w, "Order not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to fetch order", http.StatusInternalServerError, nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(order)
}

func (s *SettlementService) walletForCaller(r *http.Request) (*models.Wallet, error) {
	ownerID, err := middleware.OwnerIDFromContext(r.Context())
	if err != nil {
		return nil, err
	}
	return s.ledger.GetWalletByOwner(r.Context(), ownerID)
}
