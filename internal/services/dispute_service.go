package services

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"
	"github.com/swapyard/backend/internal/audit"
	"github.com/swapyard/backend/internal/middleware"
	"github.com/swapyard/backend/internal/models"
)

// DisputeService freezes a held transaction and routes it to a terminal
// resolution. Resolution is manual; there is no timer on an open dispute.
type DisputeService struct {
	db        *sql.DB
	escrow    *EscrowService
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewDisputeService(db *sql.DB, escrow *EscrowService) *DisputeService {
	return &DisputeService{
		db:        db,
		escrow:    escrow,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// OpenDispute freezes a held transaction
// @Summary Open dispute
// @Description Buyer or seller disputes a held transaction; escrow is frozen until an admin resolves
// @Tags disputes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Param request body object{reason=string,details=string,evidenceUrls=[]string} true "Dispute"
// @Success 200 {object} models.Transaction
// @Failure 400 {object} services.DomainError
// @Failure 403 {object} services.DomainError
// @Router /transactions/{id}/dispute [post]
func (ds *DisputeService) OpenDispute(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "id")
	userID := middleware.UserID(r)

	var req struct {
		Reason       string   `json:"reason" validate:"required,max=200"`
		Details      string   `json:"details" validate:"max=2000"`
		EvidenceURLs []string `json:"evidenceUrls" validate:"max=10,dive,url"`
	}
	if !ds.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	txn, err := ds.escrow.FetchTransaction(txnID)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	if txn.BuyerID != userID && txn.SellerID != userID {
		SendDomainError(w, ErrNotAuthorized)
		return
	}

	reason := req.Reason
	if req.Details != "" {
		reason = req.Reason + ": " + req.Details
	}

	// Disputed is only reachable from held with no prior dispute; the
	// guard makes a racing confirm/auto-release or double open fail clean.
	result, err := ds.db.Exec(`
		UPDATE transactions
		SET payment_status = 'disputed', dispute_status = 'opened',
		    dispute_reason = $1, dispute_evidence = $2
		WHERE id = $3 AND payment_status = 'held' AND dispute_status = 'none'`,
		reason, pq.Array(req.EvidenceURLs), txnID)
	if err != nil {
		SendErrorResponse(w, "Failed to open dispute", http.StatusInternalServerError, nil)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		SendDomainError(w, ErrInvalidState)
		return
	}

	ds.audit.LogTransition(txnID, userID, string(models.PaymentHeld), string(models.PaymentDisputed))
	log.Printf("[DISPUTE] Opened on transaction %s by %s: %s", txnID, userID, req.Reason)

	txn, _ = ds.escrow.FetchTransaction(txnID)
	SendJSON(w, http.StatusOK, txn)
}

// MarkUnderReview moves an opened dispute to under_review (admin)
// @Summary Mark dispute under review
// @Tags disputes
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 400 {object} services.DomainError
// @Router /transactions/{id}/dispute/review [patch]
func (ds *DisputeService) MarkUnderReview(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "id")

	result, err := ds.db.Exec(`
		UPDATE transactions SET dispute_status = 'under_review'
		WHERE id = $1 AND dispute_status = 'opened'`, txnID)
	if err != nil {
		SendErrorResponse(w, "Failed to update dispute", http.StatusInternalServerError, nil)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		SendDomainError(w, ErrNoActiveDispute)
		return
	}

	txn, err := ds.escrow.FetchTransaction(txnID)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, txn)
}

// Resolve closes a dispute with a terminal outcome (admin)
// @Summary Resolve dispute
// @Description resolved_buyer refunds the buyer; resolved_seller releases funds as a normal confirmation would
// @Tags disputes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Param request body object{resolution=string} true "resolved_buyer or resolved_seller"
// @Success 200 {object} models.Transaction
// @Failure 400 {object} services.DomainError
// @Failure 403 {object} services.DomainError
// @Router /transactions/{id}/dispute/resolve [patch]
func (ds *DisputeService) Resolve(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "id")
	adminID := middleware.UserID(r)

	var req struct {
		Resolution models.DisputeStatus `json:"resolution" validate:"required,oneof=resolved_buyer resolved_seller"`
	}
	if !ds.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	txn, err := ds.escrow.FetchTransaction(txnID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	switch txn.DisputeStatus {
	case models.DisputeOpened, models.DisputeUnderReview:
	case models.DisputeResolvedBuyer, models.DisputeResolvedSeller:
		SendDomainError(w, ErrDisputeAlreadyResolved)
		return
	default:
		SendDomainError(w, ErrNoActiveDispute)
		return
	}

	if req.Resolution == models.DisputeResolvedBuyer {
		err = ds.escrow.Refund(txnID, adminID)
	} else {
		err = ds.escrow.Release(txnID, adminID, models.PaymentDisputed)
	}
	if err == ErrInvalidState {
		err = ErrDisputeAlreadyResolved
	}
	if err != nil {
		SendDomainError(w, err)
		return
	}

	log.Printf("[DISPUTE] Transaction %s resolved %s by admin %s", txnID, req.Resolution, adminID)

	txn, _ = ds.escrow.FetchTransaction(txnID)
	SendJSON(w, http.StatusOK, txn)
}
