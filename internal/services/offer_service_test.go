package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/swapyard/backend/internal/config"
	"github.com/swapyard/backend/internal/middleware"
)

func testConfig() *config.EscrowConfig {
	return &config.EscrowConfig{
		FeePercent:         4.0,
		OfferTTL:           48 * time.Hour,
		EscrowHoldWindow:   72 * time.Hour,
		SweepInterval:      time.Hour,
		ReferralBonusCents: 500,
		MinWithdrawalCents: 1000,
	}
}

func newTestOfferService(db *sql.DB) *OfferService {
	cfg := testConfig()
	wallet := NewWalletService(db, nil, cfg)
	escrow := NewEscrowService(db, nil, NewPaymentGateway(nil), wallet, cfg)
	return NewOfferService(db, escrow, cfg)
}

func authedRequest(method, target string, body []byte, userID string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	ctx := context.WithValue(req.Context(), middleware.UserIDKey, userID)
	return req.WithContext(ctx)
}

func offerRow(id, listingID, buyerID, sellerID, status string, price int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "listing_id", "buyer_id", "offered_price_cents", "counter_price_cents",
		"message", "is_exchange_proposal", "exchange_listing_id", "status", "created_at", "expires_at", "seller_id",
	}).AddRow(id, listingID, buyerID, price, nil, "", false, nil, status, time.Now(), time.Now().Add(48*time.Hour), sellerID)
}

func TestOfferService_CreateOffer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newTestOfferService(db)
	listingID := uuid.New().String()

	t.Run("successful offer", func(t *testing.T) {
		mock.ExpectQuery("SELECT seller_id, status FROM listings WHERE id = \\$1").
			WithArgs(listingID).
			WillReturnRows(sqlmock.NewRows([]string{"seller_id", "status"}).AddRow("seller1", "active"))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(listingID, "buyer1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO offers").
			WillReturnResult(sqlmock.NewResult(0, 1))

		body, _ := json.Marshal(map[string]any{
			"listingId":         listingID,
			"offeredPriceCents": 85000,
			"message":           "Would you take 850?",
		})
		req := authedRequest("POST", "/offers", body, "buyer1")
		w := httptest.NewRecorder()

		service.CreateOffer(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
		var offer map[string]any
		json.Unmarshal(w.Body.Bytes(), &offer)
		assert.Equal(t, "pending", offer["status"])
		assert.Equal(t, float64(85000), offer["offeredPriceCents"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("listing not active", func(t *testing.T) {
		mock.ExpectQuery("SELECT seller_id, status FROM listings WHERE id = \\$1").
			WithArgs(listingID).
			WillReturnRows(sqlmock.NewRows([]string{"seller_id", "status"}).AddRow("seller1", "reserved"))

		body, _ := json.Marshal(map[string]any{"listingId": listingID, "offeredPriceCents": 85000})
		req := authedRequest("POST", "/offers", body, "buyer1")
		w := httptest.NewRecorder()

		service.CreateOffer(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("self offer rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT seller_id, status FROM listings WHERE id = \\$1").
			WithArgs(listingID).
			WillReturnRows(sqlmock.NewRows([]string{"seller_id", "status"}).AddRow("seller1", "active"))

		body, _ := json.Marshal(map[string]any{"listingId": listingID, "offeredPriceCents": 85000})
		req := authedRequest("POST", "/offers", body, "seller1")
		w := httptest.NewRecorder()

		service.CreateOffer(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var resp DomainError
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "SELF_OFFER_FORBIDDEN", resp.Code)
	})

	t.Run("duplicate active offer", func(t *testing.T) {
		mock.ExpectQuery("SELECT seller_id, status FROM listings WHERE id = \\$1").
			WithArgs(listingID).
			WillReturnRows(sqlmock.NewRows([]string{"seller_id", "status"}).AddRow("seller1", "active"))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(listingID, "buyer1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		body, _ := json.Marshal(map[string]any{"listingId": listingID, "offeredPriceCents": 90000})
		req := authedRequest("POST", "/offers", body, "buyer1")
		w := httptest.NewRecorder()

		service.CreateOffer(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("zero price fails validation", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{"listingId": listingID, "offeredPriceCents": 0})
		req := authedRequest("POST", "/offers", body, "buyer1")
		w := httptest.NewRecorder()

		service.CreateOffer(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestOfferService_AcceptOffer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newTestOfferService(db)
	offerID := uuid.New().String()
	listingID := uuid.New().String()

	t.Run("seller accepts and transaction opens", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "pending", 100000))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE offers SET status = 'accepted'").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE offers SET status = 'rejected'").
			WithArgs(listingID, offerID).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE listings SET status = 'reserved'").
			WithArgs(listingID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := chi.NewRouter()
		r.Patch("/offers/{id}/accept", service.AcceptOffer)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/accept", offerID), nil, "seller1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Offer struct {
				Status string `json:"status"`
			} `json:"offer"`
			Transaction struct {
				AgreedPriceCents    int64  `json:"agreedPriceCents"`
				PlatformFeeCents    int64  `json:"platformFeeCents"`
				SellerReceivesCents int64  `json:"sellerReceivesCents"`
				PaymentStatus       string `json:"paymentStatus"`
			} `json:"transaction"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "accepted", resp.Offer.Status)
		assert.Equal(t, "pending", resp.Transaction.PaymentStatus)
		assert.Equal(t, int64(100000), resp.Transaction.AgreedPriceCents)
		assert.Equal(t, int64(4000), resp.Transaction.PlatformFeeCents)
		assert.Equal(t, int64(96000), resp.Transaction.SellerReceivesCents)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("seller accepting a countered offer binds the offered price", func(t *testing.T) {
		// The seller's counter is only a proposal; until the buyer accepts
		// it, the buyer has consented to the offered price alone.
		counterPrice := int64(150000)
		rows := sqlmock.NewRows([]string{
			"id", "listing_id", "buyer_id", "offered_price_cents", "counter_price_cents",
			"message", "is_exchange_proposal", "exchange_listing_id", "status", "created_at", "expires_at", "seller_id",
		}).AddRow(offerID, listingID, "buyer1", 100000, counterPrice, "", false, nil, "countered", time.Now(), time.Now().Add(time.Hour), "seller1")

		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(rows)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE offers SET status = 'accepted'").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE offers SET status = 'rejected'").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), listingID, "buyer1", "seller1",
				int64(100000), int64(4000), int64(96000), "pending", "none", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE listings SET status = 'reserved'").
			WithArgs(listingID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := chi.NewRouter()
		r.Patch("/offers/{id}/accept", service.AcceptOffer)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/accept", offerID), nil, "seller1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Transaction struct {
				AgreedPriceCents int64 `json:"agreedPriceCents"`
				PlatformFeeCents int64 `json:"platformFeeCents"`
			} `json:"transaction"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, int64(100000), resp.Transaction.AgreedPriceCents)
		assert.Equal(t, int64(4000), resp.Transaction.PlatformFeeCents)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate live transaction reads as listing unavailable", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "pending", 100000))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE offers SET status = 'accepted'").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE offers SET status = 'rejected'").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "uniq_open_transaction_per_listing"})
		mock.ExpectRollback()

		r := chi.NewRouter()
		r.Patch("/offers/{id}/accept", service.AcceptOffer)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/accept", offerID), nil, "seller1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		var resp DomainError
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, "LISTING_UNAVAILABLE", resp.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-seller cannot accept", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "pending", 100000))

		r := chi.NewRouter()
		r.Patch("/offers/{id}/accept", service.AcceptOffer)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/accept", offerID), nil, "someone-else")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("already accepted offer fails", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "accepted", 100000))

		r := chi.NewRouter()
		r.Patch("/offers/{id}/accept", service.AcceptOffer)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/accept", offerID), nil, "seller1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("listing reserved under the accept loses cleanly", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "pending", 100000))

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE offers SET status = 'accepted'").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE offers SET status = 'rejected'").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE listings SET status = 'reserved'").
			WithArgs(listingID).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		r := chi.NewRouter()
		r.Patch("/offers/{id}/accept", service.AcceptOffer)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/accept", offerID), nil, "seller1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOfferService_CounterOffer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newTestOfferService(db)
	offerID := uuid.New().String()
	listingID := uuid.New().String()

	t.Run("seller counters a pending offer", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "pending", 100000))
		mock.ExpectExec("UPDATE offers SET status = 'countered'").
			WithArgs(int64(95000), offerID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := chi.NewRouter()
		r.Patch("/offers/{id}/counter", service.CounterOffer)

		body, _ := json.Marshal(map[string]any{"counterPriceCents": 95000})
		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/counter", offerID), body, "seller1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var offer map[string]any
		json.Unmarshal(w.Body.Bytes(), &offer)
		assert.Equal(t, "countered", offer["status"])
		assert.Equal(t, float64(95000), offer["counterPriceCents"])
	})

	t.Run("buyer cannot counter", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "pending", 100000))

		r := chi.NewRouter()
		r.Patch("/offers/{id}/counter", service.CounterOffer)

		body, _ := json.Marshal(map[string]any{"counterPriceCents": 95000})
		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/counter", offerID), body, "buyer1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestOfferService_AcceptCounter(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newTestOfferService(db)
	offerID := uuid.New().String()
	listingID := uuid.New().String()

	t.Run("buyer accepts counter at the counter price", func(t *testing.T) {
		counterPrice := int64(95000)
		rows := sqlmock.NewRows([]string{
			"id", "listing_id", "buyer_id", "offered_price_cents", "counter_price_cents",
			"message", "is_exchange_proposal", "exchange_listing_id", "status", "created_at", "expires_at", "seller_id",
		}).AddRow(offerID, listingID, "buyer1", 100000, counterPrice, "", false, nil, "countered", time.Now(), time.Now().Add(time.Hour), "seller1")

		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(rows)

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE offers SET status = 'accepted'").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE offers SET status = 'rejected'").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE listings SET status = 'reserved'").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := chi.NewRouter()
		r.Patch("/offers/{id}/accept-counter", service.AcceptCounter)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/accept-counter", offerID), nil, "buyer1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Transaction struct {
				AgreedPriceCents int64 `json:"agreedPriceCents"`
			} `json:"transaction"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		assert.Equal(t, counterPrice, resp.Transaction.AgreedPriceCents)
	})

	t.Run("cannot accept counter on a pending offer", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "pending", 100000))

		r := chi.NewRouter()
		r.Patch("/offers/{id}/accept-counter", service.AcceptCounter)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/accept-counter", offerID), nil, "buyer1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestOfferService_CancelOffer(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := newTestOfferService(db)
	offerID := uuid.New().String()
	listingID := uuid.New().String()

	t.Run("buyer cancels own offer", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "pending", 100000))
		mock.ExpectExec("UPDATE offers SET status = 'rejected'").
			WithArgs(offerID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := chi.NewRouter()
		r.Patch("/offers/{id}/cancel", service.CancelOffer)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/cancel", offerID), nil, "buyer1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("seller cannot cancel the buyer's offer", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnRows(offerRow(offerID, listingID, "buyer1", "seller1", "pending", 100000))

		r := chi.NewRouter()
		r.Patch("/offers/{id}/cancel", service.CancelOffer)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/cancel", offerID), nil, "seller1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("offer not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT o.id, o.listing_id").
			WithArgs(offerID).
			WillReturnError(sql.ErrNoRows)

		r := chi.NewRouter()
		r.Patch("/offers/{id}/cancel", service.CancelOffer)

		req := authedRequest("PATCH", fmt.Sprintf("/offers/%s/cancel", offerID), nil, "buyer1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
