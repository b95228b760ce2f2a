package models

import (
	"time"
)

// Transaction kinds. Every balance-affecting event in the system is one of these.
const (
	KindPurchase       = "PURCHASE"
	KindEarn           = "EARN"
	KindCashoutReserve = "CASHOUT_RESERVE"
	KindCashoutSettle  = "CASHOUT_SETTLE"
	KindCashoutRelease = "CASHOUT_RELEASE"
	KindTopup          = "TOPUP"
	KindRefund         = "REFUND"
	KindAdjustment     = "ADJUSTMENT"
)

// Transaction statuses. COMPLETED and FAILED are final; corrections are new
// ADJUSTMENT records, never edits.
const (
	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusFailed    = "FAILED"
)

// Wallet holds a user's Sokocoin balance in minor units (1 SOK = 100 units).
// The balance column is a cache of the transaction log; the log is authoritative.
type Wallet struct {
	ID        string    `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WalletTransaction is one append-only entry in a wallet's transaction log.
// Amount is signed: debits and reservations are negative, credits positive.
// ExchangeRate is the rate snapshotted when the entry was created and is
// never recomputed afterwards.
type WalletTransaction struct {
	ID            string     `json:"id" db:"id"`
	WalletID      string     `json:"wallet_id" db:"wallet_id"`
	Kind          string     `json:"kind" db:"kind"`
	Amount        int64      `json:"amount" db:"amount"`
	Status        string     `json:"status" db:"status"`
	CorrelationID string     `json:"correlation_id" db:"correlation_id"`
	ExchangeRate  float64    `json:"exchange_rate" db:"exchange_rate"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}
