package services

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ffglory/backend/internal/models"
)

// AdjustRequest is the admin payload for a manual balance adjustment.
type AdjustRequest struct {
	CreditType string `json:"credit_type" validate:"required,oneof=basic premium"`
	Amount     int64  `json:"amount" validate:"required,ne=0"`
	Reason     string `json:"reason" validate:"required,min=3,max=200"`
}

// GetBalance returns the caller's credit balances
// @Summary Get own balances
// @Tags ledger
// @Produce json
// @Success 200 {object} map[string]int64
// @Router /balance [get]
func (s *CreditLedgerService) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	basic, premium, err := s.Balances(accountID)
	if err != nil {
		log.Printf("[LEDGER] Balance fetch for %s failed: %v", accountID, err)
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{
		"basic_credits":   basic,
		"premium_credits": premium,
	})
}

// LedgerHistory returns the caller's balance adjustments, newest first
// @Summary Get own ledger history
// @Tags ledger
// @Produce json
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Router /ledger [get]
func (s *CreditLedgerService) LedgerHistory(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, event_id, account_id, credit_type, amount, balance, created_at
		FROM ledger_entries WHERE account_id = $1
		ORDER BY id DESC LIMIT 200`, accountID)
	if err != nil {
		log.Printf("[LEDGER] History fetch for %s failed: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch ledger history", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.AccountID, &e.CreditType,
			&e.Amount, &e.Balance, &e.CreatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch ledger history", http.StatusInternalServerError, nil)
			return
		}
		entries = append(entries, e)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

// AdminAdjust applies a manual credit adjustment to any account
// @Summary Adjust an account's balance
// @Description Grants use a fresh event ID, so repeating the request applies again
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Account ID"
// @Param request body AdjustRequest true "Adjustment"
// @Success 200 {object} map[string]int64
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /admin/accounts/{id}/credits [post]
func (s *CreditLedgerService) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	adminID, _ := r.Context().Value("accountID").(string)

	var req AdjustRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := NewValidationHelper().ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	balance, err := s.AdjustRetried(r.Context(), accountID, models.CreditType(req.CreditType), req.Amount, "admin:"+uuid.NewString())
	if err != nil {
		log.Printf("[LEDGER] Admin adjustment for %s by %s failed: %v", accountID, adminID, err)
		SendServiceError(w, err)
		return
	}

	s.audit.LogAction(adminID, "ledger.adjust", map[string]any{
		"account_id":  accountID,
		"credit_type": req.CreditType,
		"amount":      req.Amount,
		"reason":      req.Reason,
	})
	log.Printf("[LEDGER] Admin %s adjusted %s by %+d %s (%s), balance now %d",
		adminID, accountID, req.Amount, req.CreditType, req.Reason, balance)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"balance": balance})
}
