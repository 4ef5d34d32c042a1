package models

import (
	"time"
)

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferCountered OfferStatus = "countered"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferExpired   OfferStatus = "expired"
)

// Active reports whether the offer can still be acted on.
func (s OfferStatus) Active() bool {
	return s == OfferPending || s == OfferCountered
}

// Offer is a buyer's proposed price for a listing. Terminal offers are
// retained for audit and never deleted.
type Offer struct {
	ID                 string      `json:"id" db:"id"`
	ListingID          string      `json:"listingId" db:"listing_id"`
	BuyerID            string      `json:"buyerId" db:"buyer_id"`
	OfferedPriceCents  int64       `json:"offeredPriceCents" db:"offered_price_cents"`
	CounterPriceCents  *int64      `json:"counterPriceCents,omitempty" db:"counter_price_cents"`
	Message            string      `json:"message,omitempty" db:"message"`
	IsExchangeProposal bool        `json:"isExchangeProposal" db:"is_exchange_proposal"`
	ExchangeListingID  *string     `json:"exchangeListingId,omitempty" db:"exchange_listing_id"`
	Status             OfferStatus `json:"status" db:"status"`
	CreatedAt          time.Time   `json:"createdAt" db:"created_at"`
	ExpiresAt          time.Time   `json:"expiresAt" db:"expires_at"`
}
