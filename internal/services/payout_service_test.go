package services

import (
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
	"github.com/stretchr/testify/assert"
	"github.com/swapyard/backend/internal/models"
)

func withdrawalRow(id, userID string, amount int64, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "amount_cents", "method", "account_details", "status", "processed_at", "created_at",
	}).AddRow(id, userID, amount, "bank_transfer", "GB29 NWBK 6016 1331 9268 19", status, nil, time.Now())
}

func TestPayoutService_CreatePacs008(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPayoutService(db, NewWalletService(db, nil, testConfig()))

	withdrawal := &models.WithdrawalRequest{
		ID:          uuid.New().String(),
		UserID:      "seller1",
		AmountCents: 25000,
		Method:      "bank_transfer",
		Status:      models.WithdrawalProcessing,
	}

	doc, err := service.CreatePacs008(withdrawal)
	assert.NoError(t, err)
	assert.Equal(t, "1", string(doc.GrpHdr.NbOfTxs))
	assert.Equal(t, 250.0, doc.GrpHdr.TtlIntrBkSttlmAmt.Value)
	assert.Equal(t, "USD", string(doc.GrpHdr.TtlIntrBkSttlmAmt.Ccy))
	assert.Len(t, doc.CdtTrfTxInf, 1)
	assert.Equal(t, withdrawal.ID, string(doc.CdtTrfTxInf[0].PmtId.EndToEndId))
	assert.Equal(t, 250.0, doc.CdtTrfTxInf[0].IntrBkSttlmAmt.Value)
}

func TestPayoutService_ProcessWithdrawal(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPayoutService(db, NewWalletService(db, nil, testConfig()))
	id := uuid.New().String()

	t.Run("pending withdrawal moves to processing", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, amount_cents").
			WithArgs(id).
			WillReturnRows(withdrawalRow(id, "seller1", 25000, "pending"))
		mock.ExpectExec("UPDATE withdrawal_requests SET status = 'processing'").
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := chi.NewRouter()
		r.Patch("/wallet/withdrawals/{id}/process", service.ProcessWithdrawal)

		req := authedRequest("PATCH", fmt.Sprintf("/wallet/withdrawals/%s/process", id), nil, "admin1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var wd models.WithdrawalRequest
		json.Unmarshal(w.Body.Bytes(), &wd)
		assert.Equal(t, models.WithdrawalProcessing, wd.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already processing is rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, amount_cents").
			WithArgs(id).
			WillReturnRows(withdrawalRow(id, "seller1", 25000, "processing"))
		mock.ExpectExec("UPDATE withdrawal_requests SET status = 'processing'").
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 0))

		r := chi.NewRouter()
		r.Patch("/wallet/withdrawals/{id}/process", service.ProcessWithdrawal)

		req := authedRequest("PATCH", fmt.Sprintf("/wallet/withdrawals/%s/process", id), nil, "admin1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown withdrawal", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, amount_cents").
			WithArgs(id).
			WillReturnError(sql.ErrNoRows)

		r := chi.NewRouter()
		r.Patch("/wallet/withdrawals/{id}/process", service.ProcessWithdrawal)

		req := authedRequest("PATCH", fmt.Sprintf("/wallet/withdrawals/%s/process", id), nil, "admin1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestPayoutService_CompleteWithdrawal(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPayoutService(db, NewWalletService(db, nil, testConfig()))
	id := uuid.New().String()

	t.Run("processing withdrawal settles", func(t *testing.T) {
		mock.ExpectExec("UPDATE withdrawal_requests SET status = 'completed'").
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT id, user_id, amount_cents").
			WithArgs(id).
			WillReturnRows(withdrawalRow(id, "seller1", 25000, "completed"))

		r := chi.NewRouter()
		r.Patch("/wallet/withdrawals/{id}/complete", service.CompleteWithdrawal)

		req := authedRequest("PATCH", fmt.Sprintf("/wallet/withdrawals/%s/complete", id), nil, "admin1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("pending withdrawal cannot skip processing", func(t *testing.T) {
		mock.ExpectExec("UPDATE withdrawal_requests SET status = 'completed'").
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 0))

		r := chi.NewRouter()
		r.Patch("/wallet/withdrawals/{id}/complete", service.CompleteWithdrawal)

		req := authedRequest("PATCH", fmt.Sprintf("/wallet/withdrawals/%s/complete", id), nil, "admin1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPayoutService_RejectWithdrawal(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewPayoutService(db, NewWalletService(db, nil, testConfig()))
	id := uuid.New().String()

	t.Run("rejection refunds the debited amount", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, amount_cents").
			WithArgs(id).
			WillReturnRows(withdrawalRow(id, "seller1", 25000, "pending"))
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE withdrawal_requests SET status = 'rejected'").
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("INSERT INTO wallets").
			WithArgs("seller1", int64(25000)).
			WillReturnRows(sqlmock.NewRows([]string{"balance_cents"}).AddRow(96000))
		mock.ExpectExec("INSERT INTO wallet_ledger_entries").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		r := chi.NewRouter()
		r.Patch("/wallet/withdrawals/{id}/reject", service.RejectWithdrawal)

		req := authedRequest("PATCH", fmt.Sprintf("/wallet/withdrawals/%s/reject", id), nil, "admin1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var wd models.WithdrawalRequest
		json.Unmarshal(w.Body.Bytes(), &wd)
		assert.Equal(t, models.WithdrawalRejected, wd.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed withdrawal cannot be rejected", func(t *testing.T) {
		mock.ExpectQuery("SELECT id, user_id, amount_cents").
			WithArgs(id).
			WillReturnRows(withdrawalRow(id, "seller1", 25000, "completed"))
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE withdrawal_requests SET status = 'rejected'").
			WithArgs(id).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		r := chi.NewRouter()
		r.Patch("/wallet/withdrawals/{id}/reject", service.RejectWithdrawal)

		req := authedRequest("PATCH", fmt.Sprintf("/wallet/withdrawals/%s/reject", id), nil, "admin1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
