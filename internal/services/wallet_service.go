package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/swapyard/backend/internal/audit"
	"github.com/swapyard/backend/internal/config"
	"github.com/swapyard/backend/internal/middleware"
	"github.com/swapyard/backend/internal/models"
)

const payoutQueue = "payout_queue"

// WalletService is the ledger store: every balance movement is an atomic
// cached-balance update plus an append-only ledger entry in one database
// transaction.
type WalletService struct {
	db        *sql.DB
	redis     *redis.Client
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.EscrowConfig
}

func NewWalletService(db *sql.DB, redisClient *redis.Client, cfg *config.EscrowConfig) *WalletService {
	return &WalletService{
		db:        db,
		redis:     redisClient,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// Credit appends a credit entry and increments the cached balance.
func (ws *WalletService) Credit(userID string, amountCents int64, referenceID, referenceType, description string) error {
	tx, err := ws.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ws.CreditTx(tx, userID, models.EntryCredit, amountCents, referenceID, referenceType, description); err != nil {
		return err
	}

	return tx.Commit()
}

// CreditTx applies a credit inside an existing transaction so callers can
// make the credit atomic with their own state change (escrow release).
func (ws *WalletService) CreditTx(tx *sql.Tx, userID string, entryType models.EntryType, amountCents int64, referenceID, referenceType, description string) error {
	var balanceAfter int64
	err := tx.QueryRow(`
		INSERT INTO wallets (user_id, balance_cents, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET balance_cents = wallets.balance_cents + $2, updated_at = NOW()
		RETURNING balance_cents`,
		userID, amountCents).Scan(&balanceAfter)
	if err != nil {
		ws.audit.LogError(referenceID, userID, err)
		return err
	}

	if err := ws.insertEntry(tx, userID, entryType, amountCents, balanceAfter, referenceID, referenceType, description); err != nil {
		ws.audit.LogError(referenceID, userID, err)
		return err
	}

	ws.audit.LogLedger(string(entryType), userID, referenceID, amountCents, "COMPLETED")
	return nil
}

// Debit moves funds out of the wallet. The balance check and decrement are
// one conditional statement; a losing racer sees zero rows and fails with
// ErrInsufficientBalance instead of overdrawing.
func (ws *WalletService) Debit(userID string, amountCents int64, referenceID, referenceType, description string) error {
	tx, err := ws.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ws.debitTx(tx, userID, models.EntryDebit, amountCents, referenceID, referenceType, description); err != nil {
		return err
	}

	return tx.Commit()
}

func (ws *WalletService) debitTx(tx *sql.Tx, userID string, entryType models.EntryType, amountCents int64, referenceID, referenceType, description string) error {
	var balanceAfter int64
	err := tx.QueryRow(`
		UPDATE wallets
		SET balance_cents = balance_cents - $1, updated_at = NOW()
		WHERE user_id = $2 AND balance_cents >= $1
		RETURNING balance_cents`,
		amountCents, userID).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		return ErrInsufficientBalance
	}
	if err != nil {
		ws.audit.LogError(referenceID, userID, err)
		return err
	}

	if err := ws.insertEntry(tx, userID, entryType, amountCents, balanceAfter, referenceID, referenceType, description); err != nil {
		ws.audit.LogError(referenceID, userID, err)
		return err
	}

	ws.audit.LogLedger(string(entryType), userID, referenceID, amountCents, "COMPLETED")
	return nil
}

func (ws *WalletService) insertEntry(tx *sql.Tx, userID string, entryType models.EntryType, amountCents, balanceAfter int64, referenceID, referenceType, description string) error {
	_, err := tx.Exec(`
		INSERT INTO wallet_ledger_entries
		(id, user_id, entry_type, amount_cents, balance_after_cents, reference_id, reference_type, description, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'completed', NOW())`,
		uuid.New().String(), userID, entryType, amountCents, balanceAfter, referenceID, referenceType, description)
	return err
}

// RewardReferral credits the referrer of a user exactly once, after that
// user's first released transaction. A partial unique index on the bonus
// entry's reference_id backstops the existence check against races.
func (ws *WalletService) RewardReferral(referredUserID string) error {
	var referrerID sql.NullString
	err := ws.db.QueryRow(`SELECT referred_by FROM users WHERE id = $1`, referredUserID).Scan(&referrerID)
	if err == sql.ErrNoRows || (err == nil && !referrerID.Valid) {
		return nil
	}
	if err != nil {
		return err
	}

	tx, err := ws.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM wallet_ledger_entries
			WHERE entry_type = 'referral_bonus' AND reference_id = $1 AND status = 'completed'
		)`, referredUserID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	err = ws.CreditTx(tx, referrerID.String, models.EntryReferralBonus, ws.cfg.ReferralBonusCents,
		referredUserID, "referral", "Referral bonus for first completed sale")
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Lost the race to a concurrent reward; the bonus exists.
			return nil
		}
		return err
	}

	return tx.Commit()
}

// Balance returns the cached balance, zero for users without a wallet row.
func (ws *WalletService) Balance(userID string) (int64, error) {
	var balance int64
	err := ws.db.QueryRow(`SELECT balance_cents FROM wallets WHERE user_id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}

// Reconcile recomputes the balance from completed entries. The cached value
// and the signed sum must always agree.
func (ws *WalletService) Reconcile(userID string) (cached int64, computed int64, err error) {
	cached, err = ws.Balance(userID)
	if err != nil {
		return 0, 0, err
	}

	err = ws.db.QueryRow(`
		SELECT COALESCE(SUM(
			CASE WHEN entry_type IN ('debit', 'withdrawal', 'fee')
			THEN -amount_cents ELSE amount_cents END), 0)
		FROM wallet_ledger_entries
		WHERE user_id = $1 AND status = 'completed'`,
		userID).Scan(&computed)
	return cached, computed, err
}

// GetWallet returns balance and recent movements
// @Summary Get wallet
// @Description Retrieve the caller's balance and recent ledger entries
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balanceCents=int64,entries=[]models.WalletLedgerEntry}
// @Router /wallet [get]
func (ws *WalletService) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r)
	if userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := ws.Balance(userID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch wallet", http.StatusInternalServerError, nil)
		return
	}

	entries, err := ws.fetchEntries(userID, 50)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch wallet", http.StatusInternalServerError, nil)
		return
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"balanceCents": balance,
		"entries":      entries,
	})
}

// Withdraw creates a withdrawal request
// @Summary Request withdrawal
// @Description Debit the wallet and open a withdrawal request for payout
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amountCents=int64,method=string,accountDetails=string} true "Withdrawal request"
// @Success 201 {object} models.WithdrawalRequest
// @Failure 400 {object} services.DomainError
// @Router /wallet/withdraw [post]
func (ws *WalletService) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r)
	if userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		AmountCents    int64  `json:"amountCents" validate:"required,gt=0"`
		Method         string `json:"method" validate:"required,oneof=bank_transfer mobile_money"`
		AccountDetails string `json:"accountDetails" validate:"required,max=500"`
	}
	if !ws.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	if req.AmountCents < ws.cfg.MinWithdrawalCents {
		SendDomainError(w, ErrBelowMinimum)
		return
	}

	withdrawal := &models.WithdrawalRequest{
		ID:             uuid.New().String(),
		UserID:         userID,
		AmountCents:    req.AmountCents,
		Method:         req.Method,
		AccountDetails: req.AccountDetails,
		Status:         models.WithdrawalPending,
		CreatedAt:      time.Now(),
	}

	tx, err := ws.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	err = ws.debitTx(tx, userID, models.EntryWithdrawal, req.AmountCents, withdrawal.ID, "withdrawal", "Wallet withdrawal")
	if err == ErrInsufficientBalance {
		SendDomainError(w, ErrInsufficientBalance)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}

	_, err = tx.Exec(`
		INSERT INTO withdrawal_requests (id, user_id, amount_cents, method, account_details, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		withdrawal.ID, withdrawal.UserID, withdrawal.AmountCents, withdrawal.Method,
		withdrawal.AccountDetails, withdrawal.Status, withdrawal.CreatedAt)
	if err != nil {
		ws.audit.LogError(withdrawal.ID, userID, err)
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}

	ws.queuePayout(withdrawal)

	SendJSON(w, http.StatusCreated, withdrawal)
}

// ReconcileWallet verifies ledger integrity for a user (admin)
// @Summary Reconcile a wallet
// @Description Compare cached balance against the signed ledger sum
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param userId query string true "User ID"
// @Success 200 {object} object{cachedCents=int64,computedCents=int64,consistent=bool}
// @Router /wallet/reconcile [get]
func (ws *WalletService) ReconcileWallet(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		SendErrorResponse(w, "userId is required", http.StatusBadRequest, nil)
		return
	}

	cached, computed, err := ws.Reconcile(userID)
	if err != nil {
		SendErrorResponse(w, "Failed to reconcile wallet", http.StatusInternalServerError, nil)
		return
	}

	if cached != computed {
		// Integrity violation: should be unreachable with atomic movements.
		log.Printf("[WALLET] DEFECT: balance mismatch for user %s: cached=%d computed=%d", userID, cached, computed)
	}

	SendJSON(w, http.StatusOK, map[string]any{
		"cachedCents":   cached,
		"computedCents": computed,
		"consistent":    cached == computed,
	})
}

func (ws *WalletService) fetchEntries(userID string, limit int) ([]models.WalletLedgerEntry, error) {
	rows, err := ws.db.Query(`
		SELECT id, user_id, entry_type, amount_cents, balance_after_cents,
		       COALESCE(reference_id, ''), COALESCE(reference_type, ''),
		       COALESCE(description, ''), status, created_at
		FROM wallet_ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.WalletLedgerEntry{}
	for rows.Next() {
		var e models.WalletLedgerEntry
		err := rows.Scan(&e.ID, &e.UserID, &e.EntryType, &e.AmountCents, &e.BalanceAfterCents,
			&e.ReferenceID, &e.ReferenceType, &e.Description, &e.Status, &e.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (ws *WalletService) queuePayout(withdrawal *models.WithdrawalRequest) {
	if ws.redis == nil {
		return
	}
	data, err := json.Marshal(withdrawal)
	if err != nil {
		return
	}
	if err := ws.redis.RPush(context.Background(), payoutQueue, data).Err(); err != nil {
		log.Printf("[WALLET] Failed to queue payout for %s: %v", withdrawal.ID, err)
	}
}
