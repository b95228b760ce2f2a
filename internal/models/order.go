package models

import (
	"time"
)

const (
	OrderStatusCompleted = "COMPLETED"
)

// Order is the settlement record produced at checkout. Once COMPLETED it is
// immutable here; fulfillment status is owned by the order-management side.
type Order struct {
	ID            string      `json:"id" db:"id"`
	BuyerWalletID string      `json:"buyer_wallet_id" db:"buyer_wallet_id"`
	TotalAmount   int64       `json:"total_amount" db:"total_amount"` // Sokocoin minor units
	Status        string      `json:"status" db:"status"`
	Lines         []OrderLine `json:"lines,omitempty" db:"-"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

// OrderLine is one seller's share of an order: the local-currency subtotal as
// quoted, the Sokocoin subtotal computed at checkout, and the rate used.
type OrderLine struct {
	ID             int     `json:"id" db:"id"`
	OrderID        string  `json:"order_id" db:"order_id"`
	SellerWalletID string  `json:"seller_wallet_id" db:"seller_wallet_id"`
	LocalCurrency  string  `json:"local_currency" db:"local_currency"`
	LocalSubtotal  float64 `json:"local_subtotal" db:"local_subtotal"`
	SokSubtotal    int64   `json:"sok_subtotal" db:"sok_subtotal"`
	ExchangeRate   float64 `json:"exchange_rate" db:"exchange_rate"`
}

// CartItem is a validated line item supplied by the cart collaborator:
// a product for a given seller, priced in that seller's local currency.
type CartItem struct {
	ID             int     `json:"id" db:"id"`
	BuyerWalletID  string  `json:"buyer_wallet_id" db:"buyer_wallet_id"`
	SellerWalletID string  `json:"seller_wallet_id" db:"seller_wallet_id"`
	LocalCurrency  string  `json:"local_currency" db:"local_currency"`
	UnitPrice      float64 `json:"unit_price" db:"unit_price"`
	Quantity       int     `json:"quantity" db:"quantity"`
}
