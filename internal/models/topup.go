package models

import (
	"time"
)

// Topup request lifecycle. PENDING requests wait on gateway verification;
// COMPLETED and FAILED are terminal.
const (
	TopupStatusPending   = "PENDING"
	TopupStatusCompleted = "COMPLETED"
	TopupStatusFailed    = "FAILED"
)

// TopupRequest is an inbound purchase of Sokocoin through the payment
// gateway. The request ID doubles as the gateway tx_ref, so verification and
// webhook delivery can always find their way back to this row. Amount is the
// credited Sokocoin in minor units and is only set once the payment verifies.
type TopupRequest struct {
	ID            string     `json:"id" db:"id"`
	WalletID      string     `json:"wallet_id" db:"wallet_id"`
	LocalCurrency string     `json:"local_currency" db:"local_currency"`
	LocalAmount   float64    `json:"local_amount" db:"local_amount"`
	Amount        int64      `json:"amount" db:"amount"`
	ExchangeRate  float64    `json:"exchange_rate" db:"exchange_rate"`
	PaymentLink   string     `json:"payment_link,omitempty" db:"payment_link"`
	ExternalRef   string     `json:"external_ref,omitempty" db:"external_ref"`
	Status        string     `json:"status" db:"status"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}
