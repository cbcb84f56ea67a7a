package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/ffglory/backend/internal/events"
	"github.com/ffglory/backend/internal/models"
)

func newCouponService(t *testing.T) (*CouponService, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	pub := events.NewPublisher(nil)
	ledger := NewCreditLedgerService(db, pub)
	return NewCouponService(db, ledger, pub), mock, db
}

func couponRows(code, createdBy, status string, basic, premium int64, redeemedBy *string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"code", "basic_credits", "premium_credits", "created_by",
		"status", "redeemed_by", "created_at", "redeemed_at",
	}).AddRow(code, basic, premium, createdBy, status, redeemedBy, time.Now(), nil)
}

func TestCouponService_Create(t *testing.T) {
	t.Run("escrow debit then insert", func(t *testing.T) {
		service, mock, db := newCouponService(t)
		defer db.Close()

		expectAdjustTx(mock, "basic_credits", "acc-1", 10, 1, false)
		expectAdjustCommit(mock, "acc-1", 7, 1)

		mock.ExpectExec(`INSERT INTO coupons`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		coupon, err := service.Create(context.Background(), "acc-1", 3, 0)
		assert.NoError(t, err)
		assert.Equal(t, models.CouponStatusActive, coupon.Status)
		assert.Contains(t, coupon.Code, "CPN-")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("premium debit failure unwinds the basic debit", func(t *testing.T) {
		service, mock, db := newCouponService(t)
		defer db.Close()

		// Basic escrow debit succeeds.
		expectAdjustTx(mock, "basic_credits", "acc-1", 5, 1, false)
		expectAdjustCommit(mock, "acc-1", 3, 1)

		// Premium debit hits the floor.
		expectAdjustTx(mock, "premium_credits", "acc-1", 0, 2, false)
		mock.ExpectRollback()

		// Unwind restores the basic credits.
		expectAdjustTx(mock, "basic_credits", "acc-1", 3, 2, false)
		expectAdjustCommit(mock, "acc-1", 5, 2)

		_, err := service.Create(context.Background(), "acc-1", 2, 1)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds", func(t *testing.T) {
		service, mock, db := newCouponService(t)
		defer db.Close()

		expectAdjustTx(mock, "basic_credits", "acc-1", 1, 1, false)
		mock.ExpectRollback()

		_, err := service.Create(context.Background(), "acc-1", 2, 0)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
	})
}

func TestCouponService_Redeem(t *testing.T) {
	code := "CPN-ABC234-DEF567"

	t.Run("successful redemption credits the redeemer", func(t *testing.T) {
		service, mock, db := newCouponService(t)
		defer db.Close()

		mock.ExpectQuery(`SELECT code, basic_credits, premium_credits, created_by`).
			WithArgs(code).
			WillReturnRows(couponRows(code, "creator", models.CouponStatusActive, 3, 0, nil))

		mock.ExpectExec(`UPDATE coupons`).
			WithArgs(models.CouponStatusRedeemed, "acc-2", sqlmock.AnyArg(), code, models.CouponStatusActive).
			WillReturnResult(sqlmock.NewResult(0, 1))

		expectAdjustTx(mock, "basic_credits", "acc-2", 0, 1, false)
		expectAdjustCommit(mock, "acc-2", 3, 1)

		coupon, err := service.Redeem(code, "acc-2")
		assert.NoError(t, err)
		assert.Equal(t, models.CouponStatusRedeemed, coupon.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self redemption blocked", func(t *testing.T) {
		service, mock, db := newCouponService(t)
		defer db.Close()

		mock.ExpectQuery(`SELECT code, basic_credits, premium_credits, created_by`).
			WillReturnRows(couponRows(code, "acc-1", models.CouponStatusActive, 3, 0, nil))

		_, err := service.Redeem(code, "acc-1")
		assert.ErrorIs(t, err, ErrSelfRedemption)
	})

	t.Run("already redeemed", func(t *testing.T) {
		service, mock, db := newCouponService(t)
		defer db.Close()

		winner := "acc-9"
		mock.ExpectQuery(`SELECT code, basic_credits, premium_credits, created_by`).
			WillReturnRows(couponRows(code, "creator", models.CouponStatusRedeemed, 3, 0, &winner))

		_, err := service.Redeem(code, "acc-2")
		assert.ErrorIs(t, err, ErrAlreadyRedeemed)
	})

	t.Run("loses the claim race", func(t *testing.T) {
		service, mock, db := newCouponService(t)
		defer db.Close()

		mock.ExpectQuery(`SELECT code, basic_credits, premium_credits, created_by`).
			WillReturnRows(couponRows(code, "creator", models.CouponStatusActive, 3, 0, nil))

		// Someone else claimed between the read and the update.
		mock.ExpectExec(`UPDATE coupons`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		_, err := service.Redeem(code, "acc-2")
		assert.ErrorIs(t, err, ErrAlreadyRedeemed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown code", func(t *testing.T) {
		service, mock, db := newCouponService(t)
		defer db.Close()

		mock.ExpectQuery(`SELECT code, basic_credits, premium_credits, created_by`).
			WillReturnRows(sqlmock.NewRows([]string{
				"code", "basic_credits", "premium_credits", "created_by",
				"status", "redeemed_by", "created_at", "redeemed_at",
			}))

		_, err := service.Redeem("CPN-XXXXXX-XXXXXX", "acc-2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
