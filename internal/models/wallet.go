package models

import "time"

type EntryType string

const (
	EntryCredit        EntryType = "credit"
	EntryDebit         EntryType = "debit"
	EntryFee           EntryType = "fee"
	EntryWithdrawal    EntryType = "withdrawal"
	EntryReferralBonus EntryType = "referral_bonus"
	EntryPromoCredit   EntryType = "promo_credit"
)

type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

// Wallet caches a user's balance. The balance must always be reconcilable
// from the completed ledger entries (see WalletService.Reconcile).
type Wallet struct {
	UserID       string    `json:"userId" db:"user_id"`
	BalanceCents int64     `json:"balanceCents" db:"balance_cents"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// WalletLedgerEntry is an immutable balance movement. Amounts are stored
// positive; the sign is derived from the entry type.
type WalletLedgerEntry struct {
	ID                string      `json:"id" db:"id"`
	UserID            string      `json:"userId" db:"user_id"`
	EntryType         EntryType   `json:"type" db:"entry_type"`
	AmountCents       int64       `json:"amountCents" db:"amount_cents"`
	BalanceAfterCents int64       `json:"balanceAfterCents" db:"balance_after_cents"`
	ReferenceID       string      `json:"referenceId,omitempty" db:"reference_id"`
	ReferenceType     string      `json:"referenceType,omitempty" db:"reference_type"`
	Description       string      `json:"description,omitempty" db:"description"`
	Status            EntryStatus `json:"status" db:"status"`
	CreatedAt         time.Time   `json:"createdAt" db:"created_at"`
}

// SignedAmount returns the entry amount signed by type: inflows positive,
// outflows negative.
func (e *WalletLedgerEntry) SignedAmount() int64 {
	switch e.EntryType {
	case EntryDebit, EntryWithdrawal, EntryFee:
		return -e.AmountCents
	default:
		return e.AmountCents
	}
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
)

// WithdrawalRequest is a seller-initiated cash-out. Transitions past pending
// are operator-driven.
type WithdrawalRequest struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"userId" db:"user_id"`
	AmountCents    int64            `json:"amountCents" db:"amount_cents"`
	Method         string           `json:"method" db:"method"`
	AccountDetails string           `json:"accountDetails,omitempty" db:"account_details"`
	Status         WithdrawalStatus `json:"status" db:"status"`
	ProcessedAt    *time.Time       `json:"processedAt,omitempty" db:"processed_at"`
	CreatedAt      time.Time        `json:"createdAt" db:"created_at"`
}
