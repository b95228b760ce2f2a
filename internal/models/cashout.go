package models

import (
	"time"
)

// Cashout request lifecycle. REQUESTED and RESERVED are transient, SETTLED
// and RELEASED are terminal, STUCK is a recoverable pending state that only
// the reconciler may resolve.
const (
	CashoutStatusRequested = "REQUESTED"
	CashoutStatusReserved  = "RESERVED"
	CashoutStatusSettled   = "SETTLED"
	CashoutStatusReleased  = "RELEASED"
	CashoutStatusStuck     = "STUCK"
)

// CashoutRequest is a withdrawal of Sokocoin to a mobile-money account via
// the external transfer gateway. Amount is in Sokocoin minor units; the
// local-currency figures are the converted payout snapshotted at request time.
type CashoutRequest struct {
	ID            string     `json:"id" db:"id"`
	WalletID      string     `json:"wallet_id" db:"wallet_id"`
	Amount        int64      `json:"amount" db:"amount"`
	LocalCurrency string     `json:"local_currency" db:"local_currency"`
	LocalAmount   float64    `json:"local_amount" db:"local_amount"`
	ExchangeRate  float64    `json:"exchange_rate" db:"exchange_rate"`
	Destination   string     `json:"destination" db:"destination"`
	ReservationID string     `json:"reservation_id,omitempty" db:"reservation_id"`
	ExternalRef   string     `json:"external_ref,omitempty" db:"external_ref"`
	Status        string     `json:"status" db:"status"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}
