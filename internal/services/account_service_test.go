package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/ffglory/backend/internal/models"
)

func TestAccountService_AdminListAccounts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db)

	now := time.Now()
	mock.ExpectQuery(`SELECT id, username, role, basic_credits, premium_credits, max_groups`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "role", "basic_credits",
			"premium_credits", "max_groups", "created_at", "updated_at"}).
			AddRow("acc-1", "alice", "user", 5, 2, 5, now, now).
			AddRow("acc-2", "bob", "admin", 0, 0, 10, now, now))

	req := httptest.NewRequest("GET", "/admin/accounts", nil)
	w := httptest.NewRecorder()

	service.AdminListAccounts(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response struct {
		Accounts []models.Account `json:"accounts"`
		Count    int              `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &response)
	assert.Equal(t, 2, response.Count)
	assert.Equal(t, 10, response.Accounts[1].MaxGroups)
}

func TestAccountService_AdminUpdateAccount(t *testing.T) {
	t.Run("valid update", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAccountService(db)

		mock.ExpectExec(`UPDATE accounts SET max_groups`).
			WithArgs(10, "user", sqlmock.AnyArg(), "acc-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := chi.NewRouter()
		r.Put("/admin/accounts/{id}", service.AdminUpdateAccount)

		body := bytes.NewBufferString(`{"max_groups":10,"role":"user"}`)
		req := httptest.NewRequest("PUT", "/admin/accounts/acc-1", body)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAccountService(db)

		mock.ExpectExec(`UPDATE accounts SET max_groups`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		r := chi.NewRouter()
		r.Put("/admin/accounts/{id}", service.AdminUpdateAccount)

		body := bytes.NewBufferString(`{"max_groups":5,"role":"user"}`)
		req := httptest.NewRequest("PUT", "/admin/accounts/missing", body)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid role", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAccountService(db)

		r := chi.NewRouter()
		r.Put("/admin/accounts/{id}", service.AdminUpdateAccount)

		body := bytes.NewBufferString(`{"max_groups":5,"role":"superuser"}`)
		req := httptest.NewRequest("PUT", "/admin/accounts/acc-1", body)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAccountService_AdminDeleteAccount(t *testing.T) {
	t.Run("deletes account", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAccountService(db)

		mock.ExpectExec(`DELETE FROM accounts WHERE id`).
			WithArgs("acc-2").
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := chi.NewRouter()
		r.Delete("/admin/accounts/{id}", service.AdminDeleteAccount)

		req := httptest.NewRequest("DELETE", "/admin/accounts/acc-2", nil)
		req = req.WithContext(context.WithValue(req.Context(), "accountID", "admin-1"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refuses own account", func(t *testing.T) {
		db, _, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAccountService(db)

		r := chi.NewRouter()
		r.Delete("/admin/accounts/{id}", service.AdminDeleteAccount)

		req := httptest.NewRequest("DELETE", "/admin/accounts/admin-1", nil)
		req = req.WithContext(context.WithValue(req.Context(), "accountID", "admin-1"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)
	})
}
