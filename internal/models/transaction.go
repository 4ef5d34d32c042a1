package models

import (
	"time"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentHeld     PaymentStatus = "held"
	PaymentReleased PaymentStatus = "released"
	PaymentRefunded PaymentStatus = "refunded"
	PaymentDisputed PaymentStatus = "disputed"
)

// Terminal reports whether the payment state admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentReleased || s == PaymentRefunded
}

type DisputeStatus string

const (
	DisputeNone           DisputeStatus = "none"
	DisputeOpened         DisputeStatus = "opened"
	DisputeUnderReview    DisputeStatus = "under_review"
	DisputeResolvedBuyer  DisputeStatus = "resolved_buyer"
	DisputeResolvedSeller DisputeStatus = "resolved_seller"
)

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodCard     PaymentMethod = "card"
	MethodWallet   PaymentMethod = "wallet"
	MethodTransfer PaymentMethod = "transfer"
)

// Electronic reports whether the method is collected through the payment
// provider. Cash is settled in person and trusted without an escrow deadline.
func (m PaymentMethod) Electronic() bool {
	return m == MethodCard || m == MethodWallet || m == MethodTransfer
}

// Transaction is the binding agreement created when an offer is accepted.
// At most one non-terminal transaction may exist per listing; rows are never
// deleted.
type Transaction struct {
	ID                 string        `json:"id" db:"id"`
	OfferID            *string       `json:"offerId,omitempty" db:"offer_id"`
	ListingID          string        `json:"listingId" db:"listing_id"`
	BuyerID            string        `json:"buyerId" db:"buyer_id"`
	SellerID           string        `json:"sellerId" db:"seller_id"`
	AgreedPriceCents   int64         `json:"agreedPriceCents" db:"agreed_price_cents"`
	PlatformFeeCents   int64         `json:"platformFeeCents" db:"platform_fee_cents"`
	SellerReceivesCents int64        `json:"sellerReceivesCents" db:"seller_receives_cents"`
	PaymentMethod      PaymentMethod `json:"paymentMethod,omitempty" db:"payment_method"`
	PaymentStatus      PaymentStatus `json:"paymentStatus" db:"payment_status"`
	EscrowHoldUntil    *time.Time    `json:"escrowHoldUntil,omitempty" db:"escrow_hold_until"`
	BuyerConfirmation  bool          `json:"buyerConfirmation" db:"buyer_confirmation"`
	SellerConfirmation bool          `json:"sellerConfirmation" db:"seller_confirmation"`
	DisputeStatus      DisputeStatus `json:"disputeStatus" db:"dispute_status"`
	DisputeReason      string        `json:"disputeReason,omitempty" db:"dispute_reason"`
	DisputeEvidence    []string      `json:"disputeEvidence,omitempty" db:"dispute_evidence"`
	CompletedAt        *time.Time    `json:"completedAt,omitempty" db:"completed_at"`
	CreatedAt          time.Time     `json:"createdAt" db:"created_at"`
}
