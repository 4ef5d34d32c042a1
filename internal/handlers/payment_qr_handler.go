package handlers

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"
	"github.com/swapyard/backend/internal/middleware"
	"github.com/swapyard/backend/internal/services"
)

// PaymentQRHandler renders a transaction's hosted-checkout URL as a QR
// image so the buyer can hand off payment to another device.
type PaymentQRHandler struct {
	escrow  *services.EscrowService
	gateway *services.PaymentGateway
}

func NewPaymentQRHandler(escrow *services.EscrowService, gateway *services.PaymentGateway) *PaymentQRHandler {
	return &PaymentQRHandler{
		escrow:  escrow,
		gateway: gateway,
	}
}

// CheckoutQR returns a QR code for the pending payment
// @Summary Payment checkout QR
// @Description QR image of the provider checkout URL while the payment intent is pending
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} object{checkoutUrl=string,qrImage=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} services.ErrorResponse
// @Router /transactions/{id}/payment/qr [get]
func (h *PaymentQRHandler) CheckoutQR(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "id")
	userID := middleware.UserID(r)

	txn, err := h.escrow.FetchTransaction(txnID)
	if err != nil {
		services.SendDomainError(w, err)
		return
	}
	if txn.BuyerID != userID {
		services.SendDomainError(w, services.ErrNotAuthorized)
		return
	}

	intent, err := h.escrow.FetchPendingIntent(txnID)
	if err != nil {
		services.SendErrorResponse(w, "No pending payment for this transaction", http.StatusBadRequest, nil)
		return
	}

	checkoutURL := h.gateway.CheckoutURL(intent.ProviderPaymentKey)

	qr, err := qrcode.New(checkoutURL, qrcode.Medium)
	if err != nil {
		services.SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		services.SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"checkoutUrl": checkoutURL,
		"qrImage":     base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}
