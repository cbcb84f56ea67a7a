package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestPaymentQRService_Generate(t *testing.T) {
	topupID := "55555555-5555-5555-5555-555555555555"

	expectTopupRow := func(mock sqlmock.Sqlmock, owner, status string, amount int64) {
		mock.ExpectQuery(`SELECT account_id, status, amount FROM topups`).
			WithArgs(topupID).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "status", "amount"}).
				AddRow(owner, status, amount))
	}

	t.Run("renders UPI intent", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rdb, redisMock := redismock.NewClientMock()
		service := NewPaymentQRService(db, rdb)

		expectTopupRow(mock, "acc-1", "pending", 1770)
		mock.ExpectQuery(`SELECT basic_credit_inr, premium_credit_inr, upi_id, updated_at`).
			WillReturnRows(sqlmock.NewRows([]string{"basic_credit_inr", "premium_credit_inr", "upi_id", "updated_at"}).
				AddRow(90, 1500, "ffglory@upi", time.Now()))

		redisMock.ExpectGet("qr:topup:" + topupID).RedisNil()
		redisMock.Regexp().ExpectSet("qr:topup:"+topupID, `.*`, 10*time.Minute).SetVal("OK")

		upiURI, qrImage, err := service.Generate(context.Background(), topupID, "acc-1")
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(upiURI, "upi://pay?pa=ffglory%40upi"))
		assert.Contains(t, upiURI, "am=1770")
		assert.NotEmpty(t, qrImage)
	})

	t.Run("not the owner", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rdb, _ := redismock.NewClientMock()
		service := NewPaymentQRService(db, rdb)

		expectTopupRow(mock, "acc-1", "pending", 90)

		_, _, err = service.Generate(context.Background(), topupID, "acc-2")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("decided topup has no QR", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rdb, _ := redismock.NewClientMock()
		service := NewPaymentQRService(db, rdb)

		expectTopupRow(mock, "acc-1", "approved", 90)

		_, _, err = service.Generate(context.Background(), topupID, "acc-1")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}
