package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/swapyard/backend/internal/audit"
	"github.com/swapyard/backend/internal/config"
	"github.com/swapyard/backend/internal/middleware"
	"github.com/swapyard/backend/internal/models"
)

const notificationQueue = "notification_queue"

// paymentTransitions is the authoritative state machine: allowed target
// states per source state. Every mutation checks it before issuing the
// conditional update that enforces it against the store.
var paymentTransitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentPending:  {models.PaymentHeld},
	models.PaymentHeld:     {models.PaymentReleased, models.PaymentRefunded, models.PaymentDisputed},
	models.PaymentDisputed: {models.PaymentReleased, models.PaymentRefunded},
}

func canTransition(from, to models.PaymentStatus) bool {
	for _, t := range paymentTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EscrowService owns the transaction lifecycle from offer acceptance to
// released/refunded funds. All shared state lives in the store; concurrent
// actors are serialized by conditional updates, never in-process locks.
type EscrowService struct {
	db        *sql.DB
	redis     *redis.Client
	gateway   *PaymentGateway
	wallet    *WalletService
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.EscrowConfig
}

func NewEscrowService(db *sql.DB, redisClient *redis.Client, gateway *PaymentGateway, wallet *WalletService, cfg *config.EscrowConfig) *EscrowService {
	return &EscrowService{
		db:        db,
		redis:     redisClient,
		gateway:   gateway,
		wallet:    wallet,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// PlatformFee computes the platform cut for an agreed price.
func (es *EscrowService) PlatformFee(agreedPriceCents int64) int64 {
	return int64(math.Round(float64(agreedPriceCents) * es.cfg.FeePercent / 100))
}

// OpenTransactionTx inserts the transaction and reserves the listing inside
// the caller's database transaction, so offer acceptance, transaction
// creation and listing reservation commit or roll back as one unit.
// agreedPriceCents is the price both parties consented to; the caller
// decides whether that is the offered or the counter price.
func (es *EscrowService) OpenTransactionTx(tx *sql.Tx, offer *models.Offer, sellerID string, agreedPriceCents int64) (*models.Transaction, error) {
	fee := es.PlatformFee(agreedPriceCents)

	txn := &models.Transaction{
		ID:                  uuid.New().String(),
		OfferID:             &offer.ID,
		ListingID:           offer.ListingID,
		BuyerID:             offer.BuyerID,
		SellerID:            sellerID,
		AgreedPriceCents:    agreedPriceCents,
		PlatformFeeCents:    fee,
		SellerReceivesCents: agreedPriceCents - fee,
		PaymentStatus:       models.PaymentPending,
		DisputeStatus:       models.DisputeNone,
		CreatedAt:           time.Now(),
	}

	_, err := tx.Exec(`
		INSERT INTO transactions
		(id, offer_id, listing_id, buyer_id, seller_id, agreed_price_cents,
		 platform_fee_cents, seller_receives_cents, payment_status, dispute_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		txn.ID, txn.OfferID, txn.ListingID, txn.BuyerID, txn.SellerID,
		txn.AgreedPriceCents, txn.PlatformFeeCents, txn.SellerReceivesCents,
		txn.PaymentStatus, txn.DisputeStatus, txn.CreatedAt)
	if err != nil {
		// A losing racer on the one-live-transaction-per-listing index reads
		// the same as a reserved listing.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrListingUnavailable
		}
		return nil, err
	}

	result, err := tx.Exec(`
		UPDATE listings SET status = 'reserved', updated_at = NOW()
		WHERE id = $1 AND status = 'active'`,
		offer.ListingID)
	if err != nil {
		return nil, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, ErrListingUnavailable
	}

	return txn, nil
}

// InitiatePayment selects the payment method for a transaction
// @Summary Initiate payment
// @Description Choose a payment method; electronic methods return a provider payment key
// @Tags transactions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Param request body object{paymentMethod=string} true "Payment method"
// @Success 200 {object} models.Transaction
// @Failure 400 {object} services.DomainError
// @Failure 403 {object} services.DomainError
// @Router /transactions/{id}/payment [patch]
func (es *EscrowService) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "id")
	userID := middleware.UserID(r)

	var req struct {
		PaymentMethod models.PaymentMethod `json:"paymentMethod" validate:"required,oneof=cash card wallet transfer"`
	}
	if !es.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	txn, err := es.FetchTransaction(txnID)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	if txn.BuyerID != userID {
		SendDomainError(w, ErrNotAuthorized)
		return
	}
	if txn.PaymentStatus != models.PaymentPending {
		SendDomainError(w, ErrInvalidState)
		return
	}

	var exists bool
	err = es.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM payment_intents
			WHERE transaction_id = $1 AND status IN ('pending', 'paid')
		)`, txnID).Scan(&exists)
	if err != nil {
		SendErrorResponse(w, "Failed to initiate payment", http.StatusInternalServerError, nil)
		return
	}
	if exists {
		SendDomainError(w, ErrPaymentAlreadyInitiated)
		return
	}

	if req.PaymentMethod == models.MethodCash {
		// In-person exchange: trust-based hold with no escrow deadline.
		result, err := es.db.Exec(`
			UPDATE transactions
			SET payment_method = $1, payment_status = 'held'
			WHERE id = $2 AND payment_status = 'pending'`,
			req.PaymentMethod, txnID)
		if err != nil {
			SendErrorResponse(w, "Failed to initiate payment", http.StatusInternalServerError, nil)
			return
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			SendDomainError(w, ErrInvalidState)
			return
		}

		es.audit.LogTransition(txnID, userID, string(models.PaymentPending), string(models.PaymentHeld))
		es.notify("payment.held", txnID)

		txn, _ = es.FetchTransaction(txnID)
		SendJSON(w, http.StatusOK, txn)
		return
	}

	orderID, paymentKey, err := es.gateway.CreateOrderAndPaymentKey(r.Context(), txn.AgreedPriceCents, txn.BuyerID, txnID)
	if err != nil {
		log.Printf("[ESCROW] Gateway order failed for transaction %s: %v", txnID, err)
		SendDomainError(w, err)
		return
	}

	intent := &models.PaymentIntent{
		ID:                 uuid.New().String(),
		TransactionID:      txnID,
		ProviderOrderID:    orderID,
		ProviderPaymentKey: paymentKey,
		AmountCents:        txn.AgreedPriceCents,
		Status:             models.IntentPending,
	}

	_, err = es.db.Exec(`
		INSERT INTO payment_intents
		(id, transaction_id, provider_order_id, provider_payment_key, amount_cents, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())`,
		intent.ID, intent.TransactionID, intent.ProviderOrderID, intent.ProviderPaymentKey,
		intent.AmountCents, intent.Status)
	if err != nil {
		// The one-open-intent-per-transaction index backstops the pre-check
		// when two initiations race.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			SendDomainError(w, ErrPaymentAlreadyInitiated)
			return
		}
		es.audit.LogError(txnID, userID, err)
		SendErrorResponse(w, "Failed to initiate payment", http.StatusInternalServerError, nil)
		return
	}

	_, err = es.db.Exec(`
		UPDATE transactions SET payment_method = $1
		WHERE id = $2 AND payment_status = 'pending'`,
		req.PaymentMethod, txnID)
	if err != nil {
		SendErrorResponse(w, "Failed to initiate payment", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"transactionId": txnID,
		"paymentKey":    paymentKey,
		"checkoutUrl":   es.gateway.CheckoutURL(paymentKey),
	})
}

// HandleWebhook receives provider payment notifications
// @Summary Payment webhook
// @Description Provider callback confirming or failing a payment; idempotent per order
// @Tags payments
// @Accept json
// @Produce json
// @Param hmac query string true "HMAC-SHA512 signature"
// @Success 200 {object} map[string]string
// @Failure 400 {object} services.DomainError
// @Router /payments/webhook [post]
func (es *EscrowService) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	signature := r.URL.Query().Get("hmac")

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	var payload WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		SendDomainError(w, ErrInvalidSignature)
		return
	}

	if !es.gateway.VerifyWebhookSignature(&payload, signature) {
		log.Printf("[WEBHOOK] Signature mismatch for order %s", payload.OrderID)
		SendDomainError(w, ErrInvalidSignature)
		return
	}

	if err := es.onPaymentEvent(&payload); err != nil {
		// Acked with 200 regardless: the provider must not retry storms on
		// internal failures; the event is logged for replay from webhook_data.
		log.Printf("[WEBHOOK] Failed to apply event for order %s: %v", payload.OrderID, err)
	}

	SendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// onPaymentEvent applies a verified provider event. Safe to call twice for
// the same order: the intent-status guard turns redelivery into a no-op.
func (es *EscrowService) onPaymentEvent(payload *WebhookPayload) error {
	raw, _ := json.Marshal(payload)

	if !payload.Success {
		_, err := es.db.Exec(`
			UPDATE payment_intents
			SET status = 'failed', webhook_data = $1, updated_at = NOW()
			WHERE provider_order_id = $2 AND status = 'pending'`,
			raw, payload.OrderID)
		return err
	}

	tx, err := es.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var transactionID string
	err = tx.QueryRow(`
		UPDATE payment_intents
		SET status = 'paid', webhook_data = $1, updated_at = NOW()
		WHERE provider_order_id = $2 AND status = 'pending'
		RETURNING transaction_id`,
		raw, payload.OrderID).Scan(&transactionID)
	if err == sql.ErrNoRows {
		log.Printf("[WEBHOOK] Duplicate or unknown order %s, no-op", payload.OrderID)
		return nil
	}
	if err != nil {
		return err
	}

	holdUntil := time.Now().Add(es.cfg.EscrowHoldWindow)
	result, err := tx.Exec(`
		UPDATE transactions
		SET payment_status = 'held', escrow_hold_until = $1
		WHERE id = $2 AND payment_status = 'pending'`,
		holdUntil, transactionID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("transaction %s not pending at confirmation", transactionID)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	es.audit.LogTransition(transactionID, "provider", string(models.PaymentPending), string(models.PaymentHeld))
	es.notify("payment.held", transactionID)
	return nil
}

// ConfirmReceipt releases escrow after the buyer confirms
// @Summary Confirm receipt
// @Description Buyer confirms the item was received; funds are released to the seller
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 400 {object} services.DomainError
// @Failure 403 {object} services.DomainError
// @Router /transactions/{id}/confirm [patch]
func (es *EscrowService) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "id")
	userID := middleware.UserID(r)

	txn, err := es.FetchTransaction(txnID)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	if txn.BuyerID != userID {
		SendDomainError(w, ErrNotAuthorized)
		return
	}

	if err := es.Release(txnID, userID, models.PaymentHeld); err != nil {
		SendDomainError(w, err)
		return
	}

	txn, _ = es.FetchTransaction(txnID)
	SendJSON(w, http.StatusOK, txn)
}

// Release moves a transaction to released and credits the seller. from is
// the expected source state (held for confirmation and auto-release,
// disputed for resolved_seller); the conditional update makes racing
// releases impossible to double-apply.
func (es *EscrowService) Release(transactionID, actorID string, from models.PaymentStatus) error {
	if !canTransition(from, models.PaymentReleased) {
		return ErrInvalidState
	}

	txn, err := es.FetchTransaction(transactionID)
	if err != nil {
		return err
	}

	tx, err := es.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var result sql.Result
	if from == models.PaymentDisputed {
		result, err = tx.Exec(`
			UPDATE transactions
			SET payment_status = 'released', dispute_status = 'resolved_seller', completed_at = NOW()
			WHERE id = $1 AND payment_status = 'disputed' AND dispute_status IN ('opened', 'under_review')`,
			transactionID)
	} else {
		buyerConfirmed := actorID == txn.BuyerID
		result, err = tx.Exec(`
			UPDATE transactions
			SET payment_status = 'released', buyer_confirmation = $1, completed_at = NOW()
			WHERE id = $2 AND payment_status = 'held' AND dispute_status = 'none'`,
			buyerConfirmed, transactionID)
	}
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInvalidState
	}

	_, err = tx.Exec(`
		UPDATE listings SET status = 'sold', updated_at = NOW()
		WHERE id = $1 AND status = 'reserved'`,
		txn.ListingID)
	if err != nil {
		return err
	}

	// Seller is credited the full price then charged the platform fee, so
	// both movements reference the transaction and net to sellerReceives.
	err = es.wallet.CreditTx(tx, txn.SellerID, models.EntryCredit, txn.AgreedPriceCents,
		transactionID, "transaction", "Sale proceeds")
	if err != nil {
		return err
	}
	if txn.PlatformFeeCents > 0 {
		err = es.wallet.debitTx(tx, txn.SellerID, models.EntryFee, txn.PlatformFeeCents,
			transactionID, "transaction", "Platform fee")
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	es.audit.LogTransition(transactionID, actorID, string(from), string(models.PaymentReleased))
	es.notify("escrow.released", transactionID)

	// Referral check is fire-and-forget: a failure here can never unwind
	// the financial transition above.
	go func(buyerID string) {
		if err := es.wallet.RewardReferral(buyerID); err != nil {
			log.Printf("[ESCROW] Referral check failed for %s: %v", buyerID, err)
		}
	}(txn.BuyerID)

	return nil
}

// Refund moves a disputed transaction to refunded and returns the listing
// to active. The buyer's funds travel back through the provider; no ledger
// movement touches the seller.
func (es *EscrowService) Refund(transactionID, actorID string) error {
	txn, err := es.FetchTransaction(transactionID)
	if err != nil {
		return err
	}

	tx, err := es.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE transactions
		SET payment_status = 'refunded', dispute_status = 'resolved_buyer', completed_at = NOW()
		WHERE id = $1 AND payment_status = 'disputed' AND dispute_status IN ('opened', 'under_review')`,
		transactionID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrDisputeAlreadyResolved
	}

	_, err = tx.Exec(`
		UPDATE listings SET status = 'active', updated_at = NOW()
		WHERE id = $1 AND status = 'reserved'`,
		txn.ListingID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE payment_intents SET status = 'refunded', updated_at = NOW()
		WHERE transaction_id = $1 AND status = 'paid'`,
		transactionID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	es.audit.LogTransition(transactionID, actorID, string(models.PaymentDisputed), string(models.PaymentRefunded))
	es.notify("escrow.refunded", transactionID)
	return nil
}

// AutoReleaseDue releases every held, undisputed transaction whose hold
// window has passed. Called by the sweeper; each row is guarded by the same
// conditional update as buyer confirmation, so a concurrent confirm wins
// cleanly.
func (es *EscrowService) AutoReleaseDue(now time.Time) (int, error) {
	rows, err := es.db.Query(`
		SELECT id FROM transactions
		WHERE payment_status = 'held' AND dispute_status = 'none'
		  AND escrow_hold_until IS NOT NULL AND escrow_hold_until < $1`,
		now)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var due []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		due = append(due, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	released := 0
	for _, id := range due {
		if err := es.Release(id, "system", models.PaymentHeld); err != nil {
			if err == ErrInvalidState {
				continue // lost the race to a live confirmation or dispute
			}
			log.Printf("[SWEEPER] Auto-release failed for %s: %v", id, err)
			continue
		}
		released++
	}

	return released, nil
}

// GetTransaction retrieves a transaction for one of its parties
// @Summary Get transaction
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param id path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} services.DomainError
// @Router /transactions/{id} [get]
func (es *EscrowService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := chi.URLParam(r, "id")
	userID := middleware.UserID(r)

	txn, err := es.FetchTransaction(txnID)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	if txn.BuyerID != userID && txn.SellerID != userID && middleware.Role(r) != "admin" {
		SendDomainError(w, ErrNotAuthorized)
		return
	}

	SendJSON(w, http.StatusOK, txn)
}

// ListTransactions lists the caller's transactions
// @Summary List transactions
// @Tags transactions
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by payment status"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Router /transactions [get]
func (es *EscrowService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r)
	status := r.URL.Query().Get("status")

	query := `
		SELECT id, offer_id, listing_id, buyer_id, seller_id, agreed_price_cents,
		       platform_fee_cents, seller_receives_cents, COALESCE(payment_method, ''),
		       payment_status, escrow_hold_until, buyer_confirmation, seller_confirmation,
		       dispute_status, COALESCE(dispute_reason, ''), dispute_evidence, completed_at, created_at
		FROM transactions
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND payment_status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT 50`

	rows, err := es.db.Query(query, args...)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
			return
		}
		transactions = append(transactions, *txn)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// FetchTransaction loads a transaction row by id.
func (es *EscrowService) FetchTransaction(id string) (*models.Transaction, error) {
	row := es.db.QueryRow(`
		SELECT id, offer_id, listing_id, buyer_id, seller_id, agreed_price_cents,
		       platform_fee_cents, seller_receives_cents, COALESCE(payment_method, ''),
		       payment_status, escrow_hold_until, buyer_confirmation, seller_confirmation,
		       dispute_status, COALESCE(dispute_reason, ''), dispute_evidence, completed_at, created_at
		FROM transactions
		WHERE id = $1`, id)

	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return txn, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var txn models.Transaction
	var evidence pq.StringArray
	err := row.Scan(
		&txn.ID, &txn.OfferID, &txn.ListingID, &txn.BuyerID, &txn.SellerID,
		&txn.AgreedPriceCents, &txn.PlatformFeeCents, &txn.SellerReceivesCents,
		&txn.PaymentMethod, &txn.PaymentStatus, &txn.EscrowHoldUntil,
		&txn.BuyerConfirmation, &txn.SellerConfirmation, &txn.DisputeStatus,
		&txn.DisputeReason, &evidence, &txn.CompletedAt, &txn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	txn.DisputeEvidence = []string(evidence)
	return &txn, nil
}

// FetchPendingIntent returns the open payment intent for a transaction.
func (es *EscrowService) FetchPendingIntent(transactionID string) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := es.db.QueryRow(`
		SELECT id, transaction_id, provider_order_id, provider_payment_key, amount_cents, status, created_at, updated_at
		FROM payment_intents
		WHERE transaction_id = $1 AND status = 'pending'`,
		transactionID).Scan(&intent.ID, &intent.TransactionID, &intent.ProviderOrderID,
		&intent.ProviderPaymentKey, &intent.AmountCents, &intent.Status, &intent.CreatedAt, &intent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (es *EscrowService) notify(event, transactionID string) {
	if es.redis == nil {
		return
	}
	data, _ := json.Marshal(map[string]string{"event": event, "transactionId": transactionID})
	if err := es.redis.RPush(context.Background(), notificationQueue, data).Err(); err != nil {
		log.Printf("[ESCROW] Failed to queue notification %s for %s: %v", event, transactionID, err)
	}
}
