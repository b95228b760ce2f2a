package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sokoni/ledger/internal/models"
)

// WalletLedgerService is the single source of truth for Sokocoin funds: an
// append-only wallet_transactions log plus a cached balance per wallet.
// Every mutation writes the log row before touching the cached balance, so a
// crash in between is repaired by RecoverBalance. Mutations on one wallet are
// serialized through row locks; multi-wallet operations always lock in
// ascending wallet-id order.
type WalletLedgerService struct {
	db *sql.DB
}

func NewWalletLedgerService(db *sql.DB) *WalletLedgerService {
	return &WalletLedgerService{db: db}
}

// CreateWallet provisions an empty wallet for an account. Called by the
// account collaborator when an account is created.
func (s *WalletLedgerService) CreateWallet(ctx context.Context, ownerID string) (*models.Wallet, error) {
	wallet := &models.Wallet{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
	}
	now := time.Now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO wallets (id, owner_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, 0, 1, $3, $3)
		RETURNING balance, version`,
		wallet.ID, ownerID, now).Scan(&wallet.Balance, &wallet.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	wallet.CreatedAt = now
	wallet.UpdatedAt = now
	return wallet, nil
}

// GetWallet reads a wallet without locking it.
func (s *WalletLedgerService) GetWallet(ctx context.Context, walletID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, balance, version, created_at, updated_at
		FROM wallets
		WHERE id = $1`, walletID).
		Scan(&wallet.ID, &wallet.OwnerID, &wallet.Balance, &wallet.Version, &wallet.CreatedAt, &wallet.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// GetWalletByOwner resolves the wallet for an authenticated account owner.
func (s *WalletLedgerService) GetWalletByOwner(ctx context.Context, ownerID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, balance, version, created_at, updated_at
		FROM wallets
		WHERE owner_id = $1`, ownerID).
		Scan(&wallet.ID, &wallet.OwnerID, &wallet.Balance, &wallet.Version, &wallet.CreatedAt, &wallet.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// GetAvailableBalance returns the ledger balance minus outstanding cashout
// holds. Reservations are stored as negative PENDING amounts, so available is
// balance plus their sum.
func (s *WalletLedgerService) GetAvailableBalance(ctx context.Context, walletID string) (int64, error) {
	wallet, err := s.GetWallet(ctx, walletID)
	if err != nil {
		return 0, err
	}
	reserved, err := s.pendingReserved(ctx, s.db, walletID)
	if err != nil {
		return 0, err
	}
	return wallet.Balance + reserved, nil
}

// Credit appends a COMPLETED credit and increases the wallet balance.
func (s *WalletLedgerService) Credit(ctx context.Context, walletID string, amount int64, kind, correlationID string, rate float64) (*models.WalletTransaction, error) {
	var created *models.WalletTransaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = s.CreditTx(ctx, tx, walletID, amount, kind, correlationID, rate)
		return err
	})
	return created, err
}

// CreditTx is Credit inside a caller-owned transaction; the settlement engine
// uses it to keep a whole checkout atomic.
func (s *WalletLedgerService) CreditTx(ctx context.Context, tx *sql.Tx, walletID string, amount int64, kind, correlationID string, rate float64) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	wallet, err := s.lockWallet(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}

	record := newTransaction(walletID, kind, amount, models.TxStatusCompleted, correlationID, rate)
	if err := s.appendTransaction(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := s.updateWalletBalance(ctx, tx, walletID, wallet.Balance+amount, wallet.Version); err != nil {
		return nil, err
	}
	return record, nil
}

// Debit appends a COMPLETED debit and decreases the wallet balance. It never
// partially debits: the whole amount must fit in the available balance.
func (s *WalletLedgerService) Debit(ctx context.Context, walletID string, amount int64, kind, correlationID string, rate float64) (*models.WalletTransaction, error) {
	var created *models.WalletTransaction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = s.DebitTx(ctx, tx, walletID, amount, kind, correlationID, rate)
		return err
	})
	return created, err
}

// DebitTx is Debit inside a caller-owned transaction.
func (s *WalletLedgerService) DebitTx(ctx context.Context, tx *sql.Tx, walletID string, amount int64, kind, correlationID string, rate float64) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	wallet, err := s.lockWallet(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	reserved, err := s.PendingReservedTx(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	if amount > wallet.Balance+reserved {
		return nil, ErrInsufficientBalance
	}

	record := newTransaction(walletID, kind, -amount, models.TxStatusCompleted, correlationID, rate)
	if err := s.appendTransaction(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := s.updateWalletBalance(ctx, tx, walletID, wallet.Balance-amount, wallet.Version); err != nil {
		return nil, err
	}
	return record, nil
}

// Reserve places a hold of amount against the wallet's available balance.
// The ledger balance is untouched until the hold is settled; the returned
// reservation id is the PENDING transaction's id.
func (s *WalletLedgerService) Reserve(ctx context.Context, walletID string, amount int64, correlationID string, rate float64) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	var reservationID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		wallet, err := s.lockWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}
		reserved, err := s.PendingReservedTx(ctx, tx, walletID)
		if err != nil {
			return err
		}
		if amount > wallet.Balance+reserved {
			return ErrInsufficientBalance
		}

		record := newTransaction(walletID, models.KindCashoutReserve, -amount, models.TxStatusPending, correlationID, rate)
		if err := s.appendTransaction(ctx, tx, record); err != nil {
			return err
		}
		reservationID = record.ID
		return nil
	})
	return reservationID, err
}

// SettleReservation converts a PENDING hold into a COMPLETED debit. Settling
// an already-settled reservation is a no-op success so upstream callers can
// deliver at least once; settling a released one is a conflict.
func (s *WalletLedgerService) SettleReservation(ctx context.Context, reservationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.SettleReservationTx(ctx, tx, reservationID)
	})
}

func (s *WalletLedgerService) SettleReservationTx(ctx context.Context, tx *sql.Tx, reservationID string) error {
	reservation, err := s.lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if reservation.Status != models.TxStatusPending {
		if reservation.Kind == models.KindCashoutSettle {
			return nil
		}
		return ErrReservationAlreadyResolved
	}

	wallet, err := s.lockWallet(ctx, tx, reservation.WalletID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE wallet_transactions
		SET kind = $1, status = $2, resolved_at = $3
		WHERE id = $4`,
		models.KindCashoutSettle, models.TxStatusCompleted, time.Now(), reservationID); err != nil {
		return err
	}

	// reservation.Amount is negative, so this decreases the balance.
	return s.updateWalletBalance(ctx, tx, wallet.ID, wallet.Balance+reservation.Amount, wallet.Version)
}

// ReleaseReservation marks a PENDING hold FAILED, returning the held amount
// to the available balance. The ledger balance never moved, so nothing else
// changes. Idempotent like SettleReservation.
func (s *WalletLedgerService) ReleaseReservation(ctx context.Context, reservationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.ReleaseReservationTx(ctx, tx, reservationID)
	})
}

func (s *WalletLedgerService) ReleaseReservationTx(ctx context.Context, tx *sql.Tx, reservationID string) error {
	reservation, err := s.lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	if reservation.Status != models.TxStatusPending {
		if reservation.Kind == models.KindCashoutRelease {
			return nil
		}
		return ErrReservationAlreadyResolved
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallet_transactions
		SET kind = $1, status = $2, resolved_at = $3
		WHERE id = $4`,
		models.KindCashoutRelease, models.TxStatusFailed, time.Now(), reservationID)
	return err
}

// History lists a wallet's transactions newest first.
func (s *WalletLedgerService) History(ctx context.Context, walletID string, limit int) ([]models.WalletTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, kind, amount, status, correlation_id, exchange_rate, created_at, resolved_at
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []models.WalletTransaction
	for rows.Next() {
		var record models.WalletTransaction
		if err := rows.Scan(&record.ID, &record.WalletID, &record.Kind, &record.Amount,
			&record.Status, &record.CorrelationID, &record.ExchangeRate,
			&record.CreatedAt, &record.ResolvedAt); err != nil {
			return nil, err
		}
		history = append(history, record)
	}
	return history, rows.Err()
}

// RecoverBalance recomputes the wallet balance from its COMPLETED log entries
// and repairs the cached value if they disagree. The log is authoritative.
func (s *WalletLedgerService) RecoverBalance(ctx context.Context, walletID string) (int64, error) {
	var recomputed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		wallet, err := s.lockWallet(ctx, tx, walletID)
		if err != nil {
			return err
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount), 0)
			FROM wallet_transactions
			WHERE wallet_id = $1 AND status = $2`,
			walletID, models.TxStatusCompleted).Scan(&recomputed); err != nil {
			return err
		}

		if recomputed == wallet.Balance {
			return nil
		}
		log.Printf("[LEDGER] Repairing wallet %s balance: cached=%d log=%d", walletID, wallet.Balance, recomputed)
		return s.updateWalletBalance(ctx, tx, walletID, recomputed, wallet.Version)
	})
	return recomputed, err
}

// VerifyIntegrity replays every wallet against its log, repairing cached
// balances that drifted. Run at startup after a crash.
func (s *WalletLedgerService) VerifyIntegrity(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, balance FROM wallets ORDER BY id`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type walletRow struct {
		id      string
		balance int64
	}
	var wallets []walletRow
	for rows.Next() {
		var w walletRow
		if err := rows.Scan(&w.id, &w.balance); err != nil {
			return 0, err
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	repaired := 0
	for _, w := range wallets {
		recomputed, err := s.RecoverBalance(ctx, w.id)
		if err != nil {
			return repaired, fmt.Errorf("failed to recover wallet %s: %w", w.id, err)
		}
		if recomputed != w.balance {
			repaired++
		}
	}
	return repaired, nil
}

// LockWalletsTx locks a set of wallets in ascending id order and returns them
// keyed by id. Fixed global lock ordering prevents deadlock when concurrent
// settlements touch overlapping wallets.
func (s *WalletLedgerService) LockWalletsTx(ctx context.Context, tx *sql.Tx, walletIDs []string) (map[string]*models.Wallet, error) {
	ordered := make([]string, len(walletIDs))
	copy(ordered, walletIDs)
	sort.Strings(ordered)

	wallets := make(map[string]*models.Wallet, len(ordered))
	for _, id := range ordered {
		if _, ok := wallets[id]; ok {
			continue
		}
		wallet, err := s.lockWallet(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		wallets[id] = wallet
	}
	return wallets, nil
}

// PendingReservedTx sums a wallet's PENDING cashout holds (a non-positive
// number) inside a caller-owned transaction.
func (s *WalletLedgerService) PendingReservedTx(ctx context.Context, tx *sql.Tx, walletID string) (int64, error) {
	return s.pendingReserved(ctx, tx, walletID)
}

// BeginTx exposes the ledger's database handle for callers that need to span
// several ledger operations atomically.
func (s *WalletLedgerService) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *WalletLedgerService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *WalletLedgerService) lockWallet(ctx context.Context, tx *sql.Tx, walletID string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.QueryRowContext(ctx, `
		SELECT id, balance, version, updated_at
		FROM wallets
		WHERE id = $1
		FOR UPDATE`, walletID).
		Scan(&wallet.ID, &wallet.Balance, &wallet.Version, &wallet.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (s *WalletLedgerService) lockReservation(ctx context.Context, tx *sql.Tx, reservationID string) (*models.WalletTransaction, error) {
	var reservation models.WalletTransaction
	err := tx.QueryRowContext(ctx, `
		SELECT id, wallet_id, kind, amount, status
		FROM wallet_transactions
		WHERE id = $1 AND kind IN ($2, $3, $4)
		FOR UPDATE`,
		reservationID, models.KindCashoutReserve, models.KindCashoutSettle, models.KindCashoutRelease).
		Scan(&reservation.ID, &reservation.WalletID, &reservation.Kind, &reservation.Amount, &reservation.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reservation, nil
}

func (s *WalletLedgerService) pendingReserved(ctx context.Context, q queryer, walletID string) (int64, error) {
	var reserved int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM wallet_transactions
		WHERE wallet_id = $1 AND kind = $2 AND status = $3`,
		walletID, models.KindCashoutReserve, models.TxStatusPending).Scan(&reserved)
	return reserved, err
}

func (s *WalletLedgerService) appendTransaction(ctx context.Context, tx *sql.Tx, record *models.WalletTransaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, kind, amount, status, correlation_id, exchange_rate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.WalletID, record.Kind, record.Amount, record.Status,
		record.CorrelationID, record.ExchangeRate, record.CreatedAt)
	return err
}

func (s *WalletLedgerService) updateWalletBalance(ctx context.Context, tx *sql.Tx, walletID string, newBalance int64, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), walletID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: wallet %s", ErrConcurrentModification, walletID)
	}
	return nil
}

func newTransaction(walletID, kind string, amount int64, status, correlationID string, rate float64) *models.WalletTransaction {
	return &models.WalletTransaction{
		ID:            uuid.NewString(),
		WalletID:      walletID,
		Kind:          kind,
		Amount:        amount,
		Status:        status,
		CorrelationID: correlationID,
		ExchangeRate:  rate,
		CreatedAt:     time.Now(),
	}
}

// queryer lets pendingReserved run against either the pool or an open tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
