package services

import (
	"encoding/json"
	"errors"
	"net/http"
)

// DomainError is a stable, machine-checkable failure. Code is part of the
// API contract; Status is the HTTP status the handler layer maps it to.
type DomainError struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return e.Message
}

var (
	// Offer engine.
	ErrListingUnavailable = &DomainError{Code: "LISTING_UNAVAILABLE", Status: http.StatusNotFound, Message: "listing is not available for offers"}
	ErrSelfOfferForbidden = &DomainError{Code: "SELF_OFFER_FORBIDDEN", Status: http.StatusBadRequest, Message: "cannot make an offer on your own listing"}
	ErrDuplicateOffer     = &DomainError{Code: "DUPLICATE_OFFER", Status: http.StatusConflict, Message: "an active offer already exists for this listing"}
	ErrOfferNotFound      = &DomainError{Code: "OFFER_NOT_FOUND", Status: http.StatusNotFound, Message: "offer not found"}
	ErrOfferNotPending    = &DomainError{Code: "OFFER_NOT_PENDING", Status: http.StatusBadRequest, Message: "offer is no longer open"}
	ErrNotAuthorized      = &DomainError{Code: "NOT_AUTHORIZED", Status: http.StatusForbidden, Message: "not authorized to act on this resource"}

	// Escrow engine.
	ErrTransactionNotFound     = &DomainError{Code: "TXN_NOT_FOUND", Status: http.StatusNotFound, Message: "transaction not found"}
	ErrInvalidState            = &DomainError{Code: "INVALID_STATE", Status: http.StatusBadRequest, Message: "transaction is not in a state that allows this action"}
	ErrPaymentAlreadyInitiated = &DomainError{Code: "PAYMENT_ALREADY_INITIATED", Status: http.StatusBadRequest, Message: "payment has already been initiated"}
	ErrInvalidSignature        = &DomainError{Code: "INVALID_SIGNATURE", Status: http.StatusBadRequest, Message: "webhook signature mismatch"}

	// Dispute resolver.
	ErrNoActiveDispute        = &DomainError{Code: "NO_ACTIVE_DISPUTE", Status: http.StatusBadRequest, Message: "no dispute is open on this transaction"}
	ErrDisputeAlreadyResolved = &DomainError{Code: "DISPUTE_ALREADY_RESOLVED", Status: http.StatusBadRequest, Message: "dispute has already been resolved"}

	// Ledger store.
	ErrInsufficientBalance = &DomainError{Code: "INSUFFICIENT_BALANCE", Status: http.StatusBadRequest, Message: "insufficient wallet balance"}
	ErrBelowMinimum        = &DomainError{Code: "BELOW_MINIMUM", Status: http.StatusBadRequest, Message: "amount is below the minimum withdrawal"}
	ErrWithdrawalNotFound  = &DomainError{Code: "WITHDRAWAL_NOT_FOUND", Status: http.StatusNotFound, Message: "withdrawal request not found"}

	// Payment gateway. Unavailable is retryable, rejected is terminal.
	ErrGatewayUnavailable = &DomainError{Code: "GATEWAY_UNAVAILABLE", Status: http.StatusBadGateway, Message: "payment gateway is unreachable"}
	ErrGatewayRejected    = &DomainError{Code: "GATEWAY_REJECTED", Status: http.StatusBadRequest, Message: "payment gateway rejected the order"}
)

// SendDomainError writes a DomainError as a structured JSON response.
// Unclassified errors are reported as internal without leaking detail.
func SendDomainError(w http.ResponseWriter, err error) {
	var de *DomainError
	if !errors.As(err, &de) {
		de = &DomainError{Code: "INTERNAL", Status: http.StatusInternalServerError, Message: "internal error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(de.Status)
	json.NewEncoder(w).Encode(de)
}
