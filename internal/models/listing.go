package models

import "time"

type ListingStatus string

const (
	ListingActive   ListingStatus = "active"
	ListingReserved ListingStatus = "reserved"
	ListingSold     ListingStatus = "sold"
	ListingExpired  ListingStatus = "expired"
	ListingDeleted  ListingStatus = "deleted"
)

// Listing carries only the columns the escrow core owns. Search, media and
// category data live in the listing service.
type Listing struct {
	ID         string        `json:"id" db:"id"`
	SellerID   string        `json:"sellerId" db:"seller_id"`
	PriceCents int64         `json:"priceCents" db:"price_cents"`
	Status     ListingStatus `json:"status" db:"status"`
	ExpiresAt  *time.Time    `json:"expiresAt,omitempty" db:"expires_at"`
}
