package services

import (
	"database/sql"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/swapyard/backend/internal/audit"
	"github.com/swapyard/backend/internal/config"
	"github.com/swapyard/backend/internal/middleware"
	"github.com/swapyard/backend/internal/models"
)

// OfferService is the negotiation state machine between one buyer and one
// seller over one listing. Every transition is a conditional update on the
// current status; two racing accept/reject calls cannot both win.
type OfferService struct {
	db        *sql.DB
	escrow    *EscrowService
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.EscrowConfig
}

func NewOfferService(db *sql.DB, escrow *EscrowService, cfg *config.EscrowConfig) *OfferService {
	return &OfferService{
		db:        db,
		escrow:    escrow,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// CreateOffer submits a new offer on a listing
// @Summary Create offer
// @Description Buyer proposes a price for an active listing
// @Tags offers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{listingId=string,offeredPriceCents=int64,message=string,isExchangeProposal=bool,exchangeListingId=string} true "Offer"
// @Success 201 {object} models.Offer
// @Failure 400 {object} services.DomainError
// @Failure 404 {object} services.DomainError
// @Failure 409 {object} services.DomainError
// @Router /offers [post]
func (os *OfferService) CreateOffer(w http.ResponseWriter, r *http.Request) {
	buyerID := middleware.UserID(r)

	var req struct {
		ListingID          string  `json:"listingId" validate:"required,uuid4"`
		OfferedPriceCents  int64   `json:"offeredPriceCents" validate:"required,gt=0"`
		Message            string  `json:"message" validate:"max=500"`
		IsExchangeProposal bool    `json:"isExchangeProposal"`
		ExchangeListingID  *string `json:"exchangeListingId" validate:"omitempty,uuid4"`
	}
	if !os.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	var sellerID string
	var listingStatus models.ListingStatus
	err := os.db.QueryRow(`SELECT seller_id, status FROM listings WHERE id = $1`, req.ListingID).
		Scan(&sellerID, &listingStatus)
	if err == sql.ErrNoRows || (err == nil && listingStatus != models.ListingActive) {
		SendDomainError(w, ErrListingUnavailable)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to create offer", http.StatusInternalServerError, nil)
		return
	}

	if sellerID == buyerID {
		SendDomainError(w, ErrSelfOfferForbidden)
		return
	}

	var exists bool
	err = os.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM offers
			WHERE listing_id = $1 AND buyer_id = $2 AND status IN ('pending', 'countered')
		)`, req.ListingID, buyerID).Scan(&exists)
	if err != nil {
		SendErrorResponse(w, "Failed to create offer", http.StatusInternalServerError, nil)
		return
	}
	if exists {
		SendDomainError(w, ErrDuplicateOffer)
		return
	}

	offer := &models.Offer{
		ID:                 uuid.New().String(),
		ListingID:          req.ListingID,
		BuyerID:            buyerID,
		OfferedPriceCents:  req.OfferedPriceCents,
		Message:            req.Message,
		IsExchangeProposal: req.IsExchangeProposal,
		ExchangeListingID:  req.ExchangeListingID,
		Status:             models.OfferPending,
		CreatedAt:          time.Now(),
	}
	offer.ExpiresAt = offer.CreatedAt.Add(os.cfg.OfferTTL)

	_, err = os.db.Exec(`
		INSERT INTO offers
		(id, listing_id, buyer_id, offered_price_cents, message, is_exchange_proposal, exchange_listing_id, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		offer.ID, offer.ListingID, offer.BuyerID, offer.OfferedPriceCents, offer.Message,
		offer.IsExchangeProposal, offer.ExchangeListingID, offer.Status, offer.CreatedAt, offer.ExpiresAt)
	if err != nil {
		// The partial unique index backstops the pre-check under races.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			SendDomainError(w, ErrDuplicateOffer)
			return
		}
		SendErrorResponse(w, "Failed to create offer", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[OFFER] Created offer %s on listing %s by buyer %s", offer.ID, offer.ListingID, buyerID)
	SendJSON(w, http.StatusCreated, offer)
}

// AcceptOffer accepts an offer and opens the escrow transaction
// @Summary Accept offer
// @Description Seller accepts; all other open offers are rejected and a transaction is created atomically
// @Tags offers
// @Produce json
// @Security BearerAuth
// @Param id path string true "Offer ID"
// @Success 200 {object} object{offer=models.Offer,transaction=models.Transaction}
// @Failure 400 {object} services.DomainError
// @Failure 403 {object} services.DomainError
// @Router /offers/{id}/accept [patch]
func (os *OfferService) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	os.accept(w, r, false)
}

// AcceptCounter lets the buyer accept the seller's counter price
// @Summary Accept counter-offer
// @Description Buyer accepts the counter; the transaction opens at the counter price
// @Tags offers
// @Produce json
// @Security BearerAuth
// @Param id path string true "Offer ID"
// @Success 200 {object} object{offer=models.Offer,transaction=models.Transaction}
// @Failure 400 {object} services.DomainError
// @Failure 403 {object} services.DomainError
// @Router /offers/{id}/accept-counter [patch]
func (os *OfferService) AcceptCounter(w http.ResponseWriter, r *http.Request) {
	os.accept(w, r, true)
}

// accept is the shared acceptance unit: offer CAS, bulk rejection of the
// listing's other open offers, transaction insert and listing reservation
// all commit or roll back together.
func (os *OfferService) accept(w http.ResponseWriter, r *http.Request, counter bool) {
	offerID := chi.URLParam(r, "id")
	userID := middleware.UserID(r)

	offer, sellerID, err := os.fetchOffer(offerID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	// The buyer consented to the offered price; only the buyer's
	// accept-counter consents to the counter price. A seller accepting a
	// countered offer binds the original offered price.
	agreed := offer.OfferedPriceCents
	if counter {
		if offer.BuyerID != userID {
			SendDomainError(w, ErrNotAuthorized)
			return
		}
		if offer.Status != models.OfferCountered || offer.CounterPriceCents == nil {
			SendDomainError(w, ErrOfferNotPending)
			return
		}
		agreed = *offer.CounterPriceCents
	} else {
		if sellerID != userID {
			SendDomainError(w, ErrNotAuthorized)
			return
		}
		if !offer.Status.Active() {
			SendDomainError(w, ErrOfferNotPending)
			return
		}
	}

	tx, err := os.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to accept offer", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	var result sql.Result
	if counter {
		result, err = tx.Exec(`
			UPDATE offers SET status = 'accepted'
			WHERE id = $1 AND status = 'countered'`, offerID)
	} else {
		result, err = tx.Exec(`
			UPDATE offers SET status = 'accepted'
			WHERE id = $1 AND status IN ('pending', 'countered')`, offerID)
	}
	if err != nil {
		SendErrorResponse(w, "Failed to accept offer", http.StatusInternalServerError, nil)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		SendDomainError(w, ErrOfferNotPending)
		return
	}

	_, err = tx.Exec(`
		UPDATE offers SET status = 'rejected'
		WHERE listing_id = $1 AND id <> $2 AND status IN ('pending', 'countered')`,
		offer.ListingID, offerID)
	if err != nil {
		SendErrorResponse(w, "Failed to accept offer", http.StatusInternalServerError, nil)
		return
	}

	txn, err := os.escrow.OpenTransactionTx(tx, offer, sellerID, agreed)
	if err != nil {
		os.audit.LogError(offerID, userID, err)
		SendDomainError(w, err)
		return
	}

	if err := tx.Commit(); err != nil {
		os.audit.LogError(offerID, userID, err)
		SendErrorResponse(w, "Failed to accept offer", http.StatusInternalServerError, nil)
		return
	}

	offer.Status = models.OfferAccepted
	log.Printf("[OFFER] Offer %s accepted, transaction %s opened on listing %s", offerID, txn.ID, offer.ListingID)

	SendJSON(w, http.StatusOK, map[string]any{
		"offer":       offer,
		"transaction": txn,
	})
}

// RejectOffer rejects an open offer
// @Summary Reject offer
// @Tags offers
// @Produce json
// @Security BearerAuth
// @Param id path string true "Offer ID"
// @Success 200 {object} models.Offer
// @Failure 400 {object} services.DomainError
// @Failure 403 {object} services.DomainError
// @Router /offers/{id}/reject [patch]
func (os *OfferService) RejectOffer(w http.ResponseWriter, r *http.Request) {
	os.transition(w, r, "seller", `
		UPDATE offers SET status = 'rejected'
		WHERE id = $1 AND status IN ('pending', 'countered')`, models.OfferRejected)
}

// CancelOffer withdraws the buyer's own offer
// @Summary Cancel offer
// @Tags offers
// @Produce json
// @Security BearerAuth
// @Param id path string true "Offer ID"
// @Success 200 {object} models.Offer
// @Failure 400 {object} services.DomainError
// @Failure 403 {object} services.DomainError
// @Router /offers/{id}/cancel [patch]
func (os *OfferService) CancelOffer(w http.ResponseWriter, r *http.Request) {
	os.transition(w, r, "buyer", `
		UPDATE offers SET status = 'rejected'
		WHERE id = $1 AND status IN ('pending', 'countered')`, models.OfferRejected)
}

// CounterOffer proposes a counter price
// @Summary Counter offer
// @Tags offers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Offer ID"
// @Param request body object{counterPriceCents=int64} true "Counter price"
// @Success 200 {object} models.Offer
// @Failure 400 {object} services.DomainError
// @Failure 403 {object} services.DomainError
// @Router /offers/{id}/counter [patch]
func (os *OfferService) CounterOffer(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "id")
	userID := middleware.UserID(r)

	var req struct {
		CounterPriceCents int64 `json:"counterPriceCents" validate:"required,gt=0"`
	}
	if !os.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	offer, sellerID, err := os.fetchOffer(offerID)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	if sellerID != userID {
		SendDomainError(w, ErrNotAuthorized)
		return
	}

	result, err := os.db.Exec(`
		UPDATE offers SET status = 'countered', counter_price_cents = $1
		WHERE id = $2 AND status = 'pending'`,
		req.CounterPriceCents, offerID)
	if err != nil {
		SendErrorResponse(w, "Failed to counter offer", http.StatusInternalServerError, nil)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		SendDomainError(w, ErrOfferNotPending)
		return
	}

	offer.Status = models.OfferCountered
	offer.CounterPriceCents = &req.CounterPriceCents
	SendJSON(w, http.StatusOK, offer)
}

// ListOffers lists offers visible to the caller
// @Summary List offers
// @Description Buyers see their own offers; sellers see offers on their listing
// @Tags offers
// @Produce json
// @Security BearerAuth
// @Param listingId query string false "Filter by listing"
// @Success 200 {object} object{offers=[]models.Offer,count=int}
// @Router /offers [get]
func (os *OfferService) ListOffers(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r)
	listingID := r.URL.Query().Get("listingId")

	query := `
		SELECT o.id, o.listing_id, o.buyer_id, o.offered_price_cents, o.counter_price_cents,
		       COALESCE(o.message, ''), o.is_exchange_proposal, o.exchange_listing_id,
		       o.status, o.created_at, o.expires_at
		FROM offers o
		JOIN listings l ON l.id = o.listing_id
		WHERE (o.buyer_id = $1 OR l.seller_id = $1)`
	args := []interface{}{userID}
	if listingID != "" {
		query += ` AND o.listing_id = $2`
		args = append(args, listingID)
	}
	query += ` ORDER BY o.created_at DESC LIMIT 50`

	rows, err := os.db.Query(query, args...)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch offers", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	offers := []models.Offer{}
	for rows.Next() {
		var o models.Offer
		err := rows.Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.OfferedPriceCents, &o.CounterPriceCents,
			&o.Message, &o.IsExchangeProposal, &o.ExchangeListingID, &o.Status, &o.CreatedAt, &o.ExpiresAt)
		if err != nil {
			SendErrorResponse(w, "Failed to fetch offers", http.StatusInternalServerError, nil)
			return
		}
		offers = append(offers, o)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"offers": offers,
		"count":  len(offers),
	})
}

// transition applies a single guarded status change after an ownership
// check. role is who may perform it: the listing's seller or the offer's
// buyer.
func (os *OfferService) transition(w http.ResponseWriter, r *http.Request, role, query string, target models.OfferStatus) {
	offerID := chi.URLParam(r, "id")
	userID := middleware.UserID(r)

	offer, sellerID, err := os.fetchOffer(offerID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	switch role {
	case "seller":
		if sellerID != userID {
			SendDomainError(w, ErrNotAuthorized)
			return
		}
	case "buyer":
		if offer.BuyerID != userID {
			SendDomainError(w, ErrNotAuthorized)
			return
		}
	}

	result, err := os.db.Exec(query, offerID)
	if err != nil {
		SendErrorResponse(w, "Failed to update offer", http.StatusInternalServerError, nil)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		SendDomainError(w, ErrOfferNotPending)
		return
	}

	offer.Status = target
	SendJSON(w, http.StatusOK, offer)
}

// fetchOffer loads an offer together with its listing's seller.
func (os *OfferService) fetchOffer(id string) (*models.Offer, string, error) {
	var o models.Offer
	var sellerID string
	err := os.db.QueryRow(`
		SELECT o.id, o.listing_id, o.buyer_id, o.offered_price_cents, o.counter_price_cents,
		       COALESCE(o.message, ''), o.is_exchange_proposal, o.exchange_listing_id,
		       o.status, o.created_at, o.expires_at, l.seller_id
		FROM offers o
		JOIN listings l ON l.id = o.listing_id
		WHERE o.id = $1`, id).
		Scan(&o.ID, &o.ListingID, &o.BuyerID, &o.OfferedPriceCents, &o.CounterPriceCents,
			&o.Message, &o.IsExchangeProposal, &o.ExchangeListingID, &o.Status,
			&o.CreatedAt, &o.ExpiresAt, &sellerID)
	if err == sql.ErrNoRows {
		return nil, "", ErrOfferNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return &o, sellerID, nil
}
