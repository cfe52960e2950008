package domain

import "errors"

var (
	ErrInvalidUser             = errors.New("invalid_user")
	ErrInvalidOrder            = errors.New("invalid_order")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInvalidTransaction      = errors.New("invalid_transaction")
	ErrReasonRequired          = errors.New("reason_required")
	ErrWalletNotFound          = errors.New("wallet_not_found")
	ErrTransactionNotFound     = errors.New("transaction_not_found")
	ErrInsufficientFunds       = errors.New("insufficient_funds")
	ErrNoReservationFound      = errors.New("no_reservation_found")
	ErrReservationExists       = errors.New("reservation_exists")
	ErrInvalidTransactionState = errors.New("invalid_transaction_state")
	ErrInvalidPageToken        = errors.New("invalid_page_token")

	// ErrLedgerInvariant signals a programming error: a mutation would have
	// left balance < reserved, a negative amount, or an overflow.
	ErrLedgerInvariant = errors.New("ledger_invariant_violated")
)
