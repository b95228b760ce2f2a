package services

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/sokoni/ledger/internal/middleware"
	"github.com/sokoni/ledger/internal/models"
)

// WalletService exposes read access to a wallet over HTTP. Mutations go
// through settlement and cashout; this surface only reports state.
type WalletService struct {
	ledger *WalletLedgerService
}

func NewWalletService(ledger *WalletLedgerService) *WalletService {
	return &WalletService{ledger: ledger}
}

// walletView is the wallet as callers see it: the ledger balance plus the
// spendable portion net of pending cashout reservations.
type walletView struct {
	ID               string `json:"id"`
	OwnerID          string `json:"ownerId"`
	Balance          int64  `json:"balance"`
	AvailableBalance int64  `json:"availableBalance"`
}

// GetWallet returns the caller's wallet balances
// @Summary Fetch the authenticated wallet
// @Tags wallet
// @Produce json
// @Success 200 {object} walletView
// @Failure 404 {object} ErrorResponse
// @Router /wallet [get]
func (s *WalletService) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.walletForCaller(r)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	available, err := s.ledger.GetAvailableBalance(r.Context(), wallet.ID)
	if err != nil {
		log.Printf("[WALLET] Failed to compute available balance for %s: %v", wallet.ID, err)
		SendErrorResponse(w, "Failed to fetch wallet", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(walletView{
		ID:               wallet.ID,
		OwnerID:          wallet.OwnerID,
		Balance:          wallet.Balance,
		AvailableBalance: available,
	})
}

// GetTransactions returns the caller's transaction history
// @Summary List wallet transactions, newest first
// @Tags wallet
// @Produce json
// @Param limit query int false "Max rows to return (default 50, cap 200)"
// @Success 200 {array} models.WalletTransaction
// @Failure 404 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (s *WalletService) GetTransactions(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.walletForCaller(r)
	if err != nil {
		SendErrorResponse(w, "Wallet not found", http.StatusNotFound, nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		limit = parsed
	}

	history, err := s.ledger.History(r.Context(), wallet.ID, limit)
	if err != nil {
		log.Printf("[WALLET] Failed to load history for %s: %v", wallet.ID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}
	if history == nil {
		history = []models.WalletTransaction{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}

func (s *WalletService) walletForCaller(r *http.Request) (*models.Wallet, error) {
	ownerID, err := middleware.OwnerIDFromContext(r.Context())
	if err != nil {
		return nil, err
	}
	return s.ledger.GetWalletByOwner(r.Context(), ownerID)
}
