package services

import (
	"errors"
)

// Sentinel errors for the ledger core. Handlers map these to HTTP statuses;
// everything else is treated as an internal error.
var (
	ErrInsufficientFunds          = errors.New("insufficient funds")
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrInvalidDestinationFormat   = errors.New("invalid destination format")
	ErrUnknownCurrency            = errors.New("unknown currency")
	ErrReservationNotFound        = errors.New("reservation not found")
	ErrReservationAlreadyResolved = errors.New("reservation already resolved")
	ErrWalletNotFound             = errors.New("wallet not found")
	ErrCashoutNotFound            = errors.New("cashout request not found")
	ErrCashoutNotCancellable      = errors.New("cashout request is no longer cancellable")
	ErrTopupNotFound              = errors.New("topup request not found")
	ErrCartEmpty                  = errors.New("cart is empty")
	ErrInvalidAmount              = errors.New("amount must be positive")
	ErrConcurrentModification     = errors.New("concurrent modification detected")
)
