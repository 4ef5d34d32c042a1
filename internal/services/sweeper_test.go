package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestSweeper_ExpireOffers(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	sweeper := NewSweeper(db, newTestEscrowService(db), testConfig())
	now := time.Now()

	t.Run("expires open offers past deadline", func(t *testing.T) {
		mock.ExpectExec("UPDATE offers SET status = 'expired'").
			WithArgs(now).
			WillReturnResult(sqlmock.NewResult(0, 3))

		n, err := sweeper.ExpireOffers(now)
		assert.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("nothing to expire", func(t *testing.T) {
		mock.ExpectExec("UPDATE offers SET status = 'expired'").
			WithArgs(now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		n, err := sweeper.ExpireOffers(now)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})
}

func TestSweeper_ExpireListings(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	sweeper := NewSweeper(db, newTestEscrowService(db), testConfig())
	now := time.Now()

	mock.ExpectExec("UPDATE listings SET status = 'expired'").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := sweeper.ExpireListings(now)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSweeper_SweepOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	sweeper := NewSweeper(db, newTestEscrowService(db), testConfig())
	now := time.Now()

	t.Run("runs all three sweeps", func(t *testing.T) {
		mock.ExpectExec("UPDATE offers SET status = 'expired'").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE listings SET status = 'expired'").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id FROM transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		sweeper.SweepOnce(now)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("one failing sweep does not stop the others", func(t *testing.T) {
		mock.ExpectExec("UPDATE offers SET status = 'expired'").
			WillReturnError(assert.AnError)
		mock.ExpectExec("UPDATE listings SET status = 'expired'").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id FROM transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		sweeper.SweepOnce(now)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
