package services

import (
	"database/sql"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/swapyard/backend/internal/audit"
	"github.com/swapyard/backend/internal/models"
)

// PayoutService turns processed withdrawal requests into pacs.008 credit
// transfers for the settlement bank. Transitions past pending are
// operator-driven.
type PayoutService struct {
	db        *sql.DB
	wallet    *WalletService
	audit     *audit.Logger
	validator *ValidationHelper
}

func NewPayoutService(db *sql.DB, wallet *WalletService) *PayoutService {
	return &PayoutService{
		db:        db,
		wallet:    wallet,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
	}
}

// ProcessWithdrawal starts a payout (admin)
// @Summary Process withdrawal
// @Description Move a pending withdrawal to processing and send the pacs.008 payout message
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param id path string true "Withdrawal ID"
// @Success 200 {object} models.WithdrawalRequest
// @Failure 400 {object} services.DomainError
// @Router /wallet/withdrawals/{id}/process [patch]
func (ps *PayoutService) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	withdrawal, err := ps.fetchWithdrawal(id)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	result, err := ps.db.Exec(`
		UPDATE withdrawal_requests SET status = 'processing'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		SendErrorResponse(w, "Failed to process withdrawal", http.StatusInternalServerError, nil)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		SendDomainError(w, ErrInvalidState)
		return
	}

	doc, err := ps.CreatePacs008(withdrawal)
	if err != nil {
		SendErrorResponse(w, "Failed to create payout message", http.StatusInternalServerError, nil)
		return
	}
	if err := ps.SendToSettlement(doc); err != nil {
		ps.audit.LogError(id, withdrawal.UserID, err)
		SendErrorResponse(w, "Failed to send payout", http.StatusInternalServerError, nil)
		return
	}

	ps.audit.LogLedger("PAYOUT_SENT", withdrawal.UserID, id, withdrawal.AmountCents, "PROCESSING")
	withdrawal.Status = models.WithdrawalProcessing
	SendJSON(w, http.StatusOK, withdrawal)
}

// CompleteWithdrawal marks a payout settled (admin)
// @Summary Complete withdrawal
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param id path string true "Withdrawal ID"
// @Success 200 {object} models.WithdrawalRequest
// @Failure 400 {object} services.DomainError
// @Router /wallet/withdrawals/{id}/complete [patch]
func (ps *PayoutService) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := ps.db.Exec(`
		UPDATE withdrawal_requests SET status = 'completed', processed_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		SendErrorResponse(w, "Failed to complete withdrawal", http.StatusInternalServerError, nil)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		SendDomainError(w, ErrInvalidState)
		return
	}

	withdrawal, err := ps.fetchWithdrawal(id)
	if err != nil {
		SendDomainError(w, err)
		return
	}
	SendJSON(w, http.StatusOK, withdrawal)
}

// RejectWithdrawal cancels a payout and refunds the wallet (admin)
// @Summary Reject withdrawal
// @Description Reject a pending or processing withdrawal; the debited amount is credited back
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param id path string true "Withdrawal ID"
// @Success 200 {object} models.WithdrawalRequest
// @Failure 400 {object} services.DomainError
// @Router /wallet/withdrawals/{id}/reject [patch]
func (ps *PayoutService) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	withdrawal, err := ps.fetchWithdrawal(id)
	if err != nil {
		SendDomainError(w, err)
		return
	}

	tx, err := ps.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to reject withdrawal", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE withdrawal_requests SET status = 'rejected', processed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	if err != nil {
		SendErrorResponse(w, "Failed to reject withdrawal", http.StatusInternalServerError, nil)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		SendDomainError(w, ErrInvalidState)
		return
	}

	// The initiating debit stays on the ledger; the refund is a fresh
	// credit referencing the withdrawal, keeping entries append-only.
	err = ps.wallet.CreditTx(tx, withdrawal.UserID, models.EntryCredit, withdrawal.AmountCents,
		id, "withdrawal", "Withdrawal rejected, funds returned")
	if err != nil {
		SendErrorResponse(w, "Failed to reject withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to reject withdrawal", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PAYOUT] Withdrawal %s rejected, %d cents returned to %s", id, withdrawal.AmountCents, withdrawal.UserID)
	withdrawal.Status = models.WithdrawalRejected
	SendJSON(w, http.StatusOK, withdrawal)
}

// CreatePacs008 builds the FIToFICustomerCreditTransfer for a withdrawal.
func (ps *PayoutService) CreatePacs008(withdrawal *models.WithdrawalRequest) (*pacs_v08.FIToFICustomerCreditTransferV08, error) {
	msgID := uuid.New().String()
	now := time.Now()
	amount := float64(withdrawal.AmountCents) / 100

	doc := &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:   common.Max35Text(msgID),
			CreDtTm: common.ISODateTime(now),
			NbOfTxs: "1",
			TtlIntrBkSttlmAmt: &pacs_v08.ActiveCurrencyAndAmount{
				Ccy:   "USD",
				Value: amount,
			},
			IntrBkSttlmDt: (*common.ISODate)(&now),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "CLRG",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &[]common.Max35Text{common.Max35Text(withdrawal.ID)}[0],
					EndToEndId: common.Max35Text(withdrawal.ID),
					TxId:       &[]common.Max35Text{common.Max35Text(withdrawal.ID)}[0],
				},
				IntrBkSttlmAmt: pacs_v08.ActiveCurrencyAndAmount{
					Ccy:   "USD",
					Value: amount,
				},
				IntrBkSttlmDt: (*common.ISODate)(&now),
				ChrgBr:        "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						BICFI: &[]common.BICFIDec2014Identifier{common.BICFIDec2014Identifier("SWAPYARD")}[0],
					},
				},
				Dbtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text("Swapyard Escrow")}[0],
				},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{
						ClrSysMmbId: &pacs_v08.ClearingSystemMemberIdentification2{
							MmbId: common.Max35Text(withdrawal.Method),
						},
					},
				},
				Cdtr: pacs_v08.PartyIdentification135{
					Nm: &[]common.Max140Text{common.Max140Text(withdrawal.UserID)}[0],
				},
			},
		},
	}

	return doc, nil
}

// SendToSettlement ships a payout document to the settlement partner.
func (ps *PayoutService) SendToSettlement(doc interface{}) error {
	xmlData, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal XML: %w", err)
	}

	// TODO: wire the settlement partner's SFTP drop once credentials land.
	log.Printf("[PAYOUT] Sending to settlement: %d bytes", len(xmlData))
	return nil
}

func (ps *PayoutService) fetchWithdrawal(id string) (*models.WithdrawalRequest, error) {
	var wd models.WithdrawalRequest
	err := ps.db.QueryRow(`
		SELECT id, user_id, amount_cents, method, COALESCE(account_details, ''), status, processed_at, created_at
		FROM withdrawal_requests
		WHERE id = $1`, id).
		Scan(&wd.ID, &wd.UserID, &wd.AmountCents, &wd.Method, &wd.AccountDetails,
			&wd.Status, &wd.ProcessedAt, &wd.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWithdrawalNotFound
	}
	if err != nil {
		return nil, err
	}
	return &wd, nil
}
