package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/ffglory/backend/internal/events"
	"github.com/ffglory/backend/internal/models"
)

func newGroupService(t *testing.T) (*GroupService, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	pub := events.NewPublisher(nil)
	ledger := NewCreditLedgerService(db, pub)
	return NewGroupService(db, ledger, pub), mock, db
}

func expectRegion(mock sqlmock.Sqlmock, code, tier string, enabled bool) {
	mock.ExpectQuery(`SELECT code, name, tier, enabled FROM regions`).
		WithArgs(code).
		WillReturnRows(sqlmock.NewRows([]string{"code", "name", "tier", "enabled"}).
			AddRow(code, "Region "+code, tier, enabled))
}

func TestGroupService_Launch(t *testing.T) {
	accountID := "acc-1"

	t.Run("successful launch debits and inserts", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		expectRegion(mock, "sa", "premium", true)
		mock.ExpectQuery(`SELECT max_groups FROM accounts`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"max_groups"}).AddRow(5))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM groups`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		expectAdjustTx(mock, "premium_credits", accountID, 3, 1, false)
		expectAdjustCommit(mock, accountID, 2, 1)

		mock.ExpectExec(`INSERT INTO groups`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		group, err := service.Launch(context.Background(), accountID, "sa", "clan-9")
		assert.NoError(t, err)
		assert.Equal(t, models.GroupStatusPending, group.Status)
		assert.Equal(t, models.CreditPremium, group.CreditType)
		assert.Contains(t, group.GroupID, "GRP-")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("quota exceeded", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		expectRegion(mock, "ind", "basic", true)
		mock.ExpectQuery(`SELECT max_groups FROM accounts`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"max_groups"}).AddRow(5))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM groups`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))

		_, err := service.Launch(context.Background(), accountID, "ind", "clan-9")
		assert.ErrorIs(t, err, ErrQuotaExceeded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient credits leaves no group behind", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		expectRegion(mock, "ind", "basic", true)
		mock.ExpectQuery(`SELECT max_groups FROM accounts`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"max_groups"}).AddRow(5))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM groups`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		expectAdjustTx(mock, "basic_credits", accountID, 0, 1, false)
		mock.ExpectRollback()

		_, err := service.Launch(context.Background(), accountID, "ind", "clan-9")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed insert issues compensating credit", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		expectRegion(mock, "ind", "basic", true)
		mock.ExpectQuery(`SELECT max_groups FROM accounts`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"max_groups"}).AddRow(5))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM groups`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

		expectAdjustTx(mock, "basic_credits", accountID, 4, 1, false)
		expectAdjustCommit(mock, accountID, 3, 1)

		mock.ExpectExec(`INSERT INTO groups`).
			WillReturnError(sql.ErrConnDone)

		// Compensating credit restores the debited unit.
		expectAdjustTx(mock, "basic_credits", accountID, 3, 2, false)
		expectAdjustCommit(mock, accountID, 4, 2)

		_, err := service.Launch(context.Background(), accountID, "ind", "clan-9")
		assert.ErrorIs(t, err, ErrStoreUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("quota filled between check and insert", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		expectRegion(mock, "ind", "basic", true)
		mock.ExpectQuery(`SELECT max_groups FROM accounts`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"max_groups"}).AddRow(5))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM groups`).
			WithArgs(accountID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

		expectAdjustTx(mock, "basic_credits", accountID, 4, 1, false)
		expectAdjustCommit(mock, accountID, 3, 1)

		// A concurrent launch took the last slot; the quota subquery on the
		// insert rejects the row.
		mock.ExpectExec(`INSERT INTO groups`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		// Compensating credit restores the debited unit.
		expectAdjustTx(mock, "basic_credits", accountID, 3, 2, false)
		expectAdjustCommit(mock, accountID, 4, 2)

		_, err := service.Launch(context.Background(), accountID, "ind", "clan-9")
		assert.ErrorIs(t, err, ErrQuotaExceeded)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("disabled region", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		expectRegion(mock, "ru", "basic", false)

		_, err := service.Launch(context.Background(), accountID, "ru", "clan-9")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGroupService_Transitions(t *testing.T) {
	groupUUID := "11111111-1111-1111-1111-111111111111"

	claimRows := func(ct string) *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "group_id", "account_id", "credit_type"}).
			AddRow(groupUUID, "GRP-ABCD1234", "acc-1", ct)
	}

	t.Run("approve pending group", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		mock.ExpectQuery(`UPDATE groups`).
			WithArgs(models.GroupStatusRunning, sqlmock.AnyArg(), groupUUID, models.GroupStatusPending).
			WillReturnRows(claimRows("basic"))

		assert.NoError(t, service.Approve(groupUUID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("approve loses race to cancel", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		mock.ExpectQuery(`UPDATE groups`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "group_id", "account_id", "credit_type"}))
		mock.ExpectQuery(`SELECT status FROM groups`).
			WithArgs(groupUUID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("canceled"))

		err := service.Approve(groupUUID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("approve unknown group", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		mock.ExpectQuery(`UPDATE groups`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "group_id", "account_id", "credit_type"}))
		mock.ExpectQuery(`SELECT status FROM groups`).
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		assert.ErrorIs(t, service.Approve(groupUUID), ErrNotFound)
	})

	t.Run("reject refunds the launch credit type", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		// Group launched when its region was premium.
		mock.ExpectQuery(`UPDATE groups`).
			WithArgs(models.GroupStatusRejected, sqlmock.AnyArg(), groupUUID, models.GroupStatusPending).
			WillReturnRows(claimRows("premium"))

		expectAdjustTx(mock, "premium_credits", "acc-1", 1, 1, false)
		expectAdjustCommit(mock, "acc-1", 2, 1)

		assert.NoError(t, service.Reject(groupUUID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate reject refunds nothing", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		mock.ExpectQuery(`UPDATE groups`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "group_id", "account_id", "credit_type"}))
		mock.ExpectQuery(`SELECT status FROM groups`).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("rejected"))

		err := service.Reject(groupUUID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stop has no ledger effect", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		mock.ExpectQuery(`UPDATE groups`).
			WithArgs(models.GroupStatusStopped, sqlmock.AnyArg(), groupUUID, models.GroupStatusRunning).
			WillReturnRows(claimRows("basic"))

		assert.NoError(t, service.Stop(groupUUID))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancel requires ownership", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		mock.ExpectQuery(`SELECT account_id FROM groups`).
			WithArgs(groupUUID).
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow("someone-else"))

		assert.ErrorIs(t, service.Cancel(groupUUID, "acc-1"), ErrNotFound)
	})
}

func TestGroupService_RecordYield(t *testing.T) {
	groupUUID := "22222222-2222-2222-2222-222222222222"

	t.Run("accepts increasing yield", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		mock.ExpectExec(`UPDATE groups`).
			WithArgs(int64(150), groupUUID, models.GroupStatusRunning).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.RecordYield(groupUUID, 150))
	})

	t.Run("rejects decreasing yield", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		mock.ExpectExec(`UPDATE groups`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT status, glory_farmed FROM groups`).
			WithArgs(groupUUID).
			WillReturnRows(sqlmock.NewRows([]string{"status", "glory_farmed"}).
				AddRow("running", 200))

		err := service.RecordYield(groupUUID, 150)
		assert.ErrorIs(t, err, ErrYieldRegression)
	})

	t.Run("rejects reports for stopped groups", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		mock.ExpectExec(`UPDATE groups`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT status, glory_farmed FROM groups`).
			WillReturnRows(sqlmock.NewRows([]string{"status", "glory_farmed"}).
				AddRow("stopped", 200))

		err := service.RecordYield(groupUUID, 500)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestGroupService_LaunchGroup_HTTP(t *testing.T) {
	t.Run("invalid body", func(t *testing.T) {
		service, _, db := newGroupService(t)
		defer db.Close()

		req := httptest.NewRequest("POST", "/groups", bytes.NewBufferString("not json"))
		req = req.WithContext(context.WithValue(req.Context(), "accountID", "acc-1"))
		w := httptest.NewRecorder()

		service.LaunchGroup(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing auth context", func(t *testing.T) {
		service, _, db := newGroupService(t)
		defer db.Close()

		req := httptest.NewRequest("POST", "/groups", bytes.NewBufferString(`{"region":"ind","clan_id":"c1"}`))
		w := httptest.NewRecorder()

		service.LaunchGroup(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("quota exceeded maps to 429", func(t *testing.T) {
		service, mock, db := newGroupService(t)
		defer db.Close()

		expectRegion(mock, "ind", "basic", true)
		mock.ExpectQuery(`SELECT max_groups FROM accounts`).
			WillReturnRows(sqlmock.NewRows([]string{"max_groups"}).AddRow(1))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM groups`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		req := httptest.NewRequest("POST", "/groups", bytes.NewBufferString(`{"region":"ind","clan_id":"c1"}`))
		req = req.WithContext(context.WithValue(req.Context(), "accountID", "acc-1"))
		w := httptest.NewRecorder()

		service.LaunchGroup(w, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}

func TestGroupService_ReportYield_HTTP(t *testing.T) {
	service, mock, db := newGroupService(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE groups`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := chi.NewRouter()
	r.Post("/groups/{id}/yield", service.ReportYield)

	body, _ := json.Marshal(YieldReport{GloryFarmed: 300})
	req := httptest.NewRequest("POST", "/groups/abc/yield", bytes.NewBuffer(body))
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
