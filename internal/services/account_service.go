package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ffglory/backend/internal/models"
)

// AccountService is the admin view over accounts. Balances are read-only
// here; changing them goes through the ledger endpoint so every adjustment
// leaves an entry.
type AccountService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewAccountService(db *sql.DB) *AccountService {
	return &AccountService{db: db, validator: NewValidationHelper()}
}

// UpdateAccountRequest is the admin payload for editing an account.
type UpdateAccountRequest struct {
	MaxGroups int    `json:"max_groups" validate:"gte=0,lte=100"`
	Role      string `json:"role" validate:"required,oneof=user admin"`
}

// AdminListAccounts returns all accounts
// @Summary List accounts
// @Tags admin
// @Produce json
// @Success 200 {object} object{accounts=[]models.Account,count=int}
// @Router /admin/accounts [get]
func (s *AccountService) AdminListAccounts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.Query(`
		SELECT id, username, role, basic_credits, premium_credits, max_groups, created_at, updated_at
		FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		log.Printf("[ACCOUNT] List failed: %v", err)
		SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.Username, &a.Role, &a.BasicCredits,
			&a.PremiumCredits, &a.MaxGroups, &a.CreatedAt, &a.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
			return
		}
		accounts = append(accounts, a)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// AdminUpdateAccount edits an account's role and group quota
// @Summary Update an account
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Account ID"
// @Param request body UpdateAccountRequest true "New role and quota"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /admin/accounts/{id} [put]
func (s *AccountService) AdminUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateAccountRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := s.db.Exec(`
		UPDATE accounts SET max_groups = $1, role = $2, updated_at = $3 WHERE id = $4`,
		req.MaxGroups, req.Role, time.Now(), id)
	if err != nil {
		log.Printf("[ACCOUNT] Update %s failed: %v", id, err)
		SendErrorResponse(w, "Failed to update account", http.StatusInternalServerError, nil)
		return
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[ACCOUNT] Account %s updated (role %s, max_groups %d)", id, req.Role, req.MaxGroups)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "updated"})
}

// AdminDeleteAccount removes an account and its dependent rows
// @Summary Delete an account
// @Tags admin
// @Produce json
// @Param id path string true "Account ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /admin/accounts/{id} [delete]
func (s *AccountService) AdminDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	adminID, _ := r.Context().Value("accountID").(string)
	if id == adminID {
		SendErrorResponse(w, "Cannot delete your own account", http.StatusConflict, nil)
		return
	}

	result, err := s.db.Exec(`DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		log.Printf("[ACCOUNT] Delete %s failed: %v", id, err)
		SendErrorResponse(w, "Failed to delete account", http.StatusInternalServerError, nil)
		return
	}
	if rowsAffected, _ := result.RowsAffected(); rowsAffected == 0 {
		SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		return
	}

	log.Printf("[ACCOUNT] Account %s deleted by %s", id, adminID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}
