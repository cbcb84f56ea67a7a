package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/ffglory/backend/internal/events"
	"github.com/ffglory/backend/internal/models"
)

// TopupService handles the manual payment flow: a user submits a topup
// request with a payment reference, an admin verifies the payment out of
// band and approves or rejects it. Credits land exactly once, on the
// transition into approved.
type TopupService struct {
	db        *sql.DB
	ledger    *CreditLedgerService
	events    *events.Publisher
	validator *ValidationHelper
}

func NewTopupService(db *sql.DB, ledger *CreditLedgerService, pub *events.Publisher) *TopupService {
	return &TopupService{
		db:        db,
		ledger:    ledger,
		events:    pub,
		validator: NewValidationHelper(),
	}
}

// TopupRequest is the payload for submitting a topup.
type TopupRequest struct {
	BasicCredits   int64  `json:"basic_credits" validate:"gte=0"`
	PremiumCredits int64  `json:"premium_credits" validate:"gte=0"`
	PaymentRef     string `json:"payment_ref" validate:"required,min=4,max=64"`
}

// RejectTopupRequest carries the optional admin note on rejection.
type RejectTopupRequest struct {
	Note string `json:"note" validate:"max=500"`
}

// RequestTopup submits a new topup request
// @Summary Submit a topup request
// @Description Record a pending credit purchase; the amount is computed from the current price table
// @Tags topups
// @Accept json
// @Produce json
// @Param request body TopupRequest true "Topup request"
// @Success 201 {object} models.Topup
// @Failure 400 {object} ErrorResponse
// @Router /topups [post]
func (s *TopupService) RequestTopup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TopupRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.BasicCredits == 0 && req.PremiumCredits == 0 {
		SendErrorResponse(w, "Topup must request at least one credit", http.StatusBadRequest, nil)
		return
	}

	topup, err := s.Request(accountID, req.BasicCredits, req.PremiumCredits, req.PaymentRef)
	if err != nil {
		log.Printf("[TOPUP] Request failed for account %s: %v", accountID, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[TOPUP] Request %s created: account %s, %d basic + %d premium = %d %s",
		topup.ID, accountID, topup.BasicCredits, topup.PremiumCredits, topup.Amount, topup.Currency)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(topup)
}

// Request persists a pending topup. The amount is priced at submission time
// from the singleton price table and frozen on the record.
func (s *TopupService) Request(accountID string, basic, premium int64, paymentRef string) (*models.Topup, error) {
	pricing, err := fetchPricing(s.db)
	if err != nil {
		return nil, err
	}

	topup := &models.Topup{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		BasicCredits:   basic,
		PremiumCredits: premium,
		Amount:         basic*pricing.BasicCreditINR + premium*pricing.PremiumCreditINR,
		Currency:       "INR",
		PaymentRef:     paymentRef,
		Status:         models.TopupStatusPending,
		CreatedAt:      time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO topups (id, account_id, basic_credits, premium_credits, amount, currency, payment_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		topup.ID, topup.AccountID, topup.BasicCredits, topup.PremiumCredits,
		topup.Amount, topup.Currency, topup.PaymentRef, topup.Status, topup.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return topup, nil
}

// ApproveTopup approves a pending topup and credits the account
// @Summary Approve a topup
// @Description Idempotent: approving an already-approved topup is a no-op success
// @Tags admin
// @Produce json
// @Param id path string true "Topup ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/topups/{id}/approve [post]
func (s *TopupService) ApproveTopup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.Approve(id); err != nil {
		log.Printf("[TOPUP] Approve %s failed: %v", id, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[TOPUP] Topup %s approved", id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": models.TopupStatusApproved})
}

// Approve claims the pending->approved transition and credits the account.
// A duplicate approval finds the record already approved and returns
// success without touching the ledger; the per-event idempotency keys on
// the credits guard the window between claim and credit.
func (s *TopupService) Approve(id string) error {
	var accountID string
	var basic, premium int64
	err := s.db.QueryRow(`
		UPDATE topups
		SET status = $1, decided_at = $2
		WHERE id = $3 AND status = $4
		RETURNING account_id, basic_credits, premium_credits`,
		models.TopupStatusApproved, time.Now(), id, models.TopupStatusPending).
		Scan(&accountID, &basic, &premium)

	if errors.Is(err, sql.ErrNoRows) {
		var status string
		err := s.db.QueryRow(`SELECT status FROM topups WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if status == models.TopupStatusApproved {
			return nil
		}
		return fmt.Errorf("%w: topup is %s", ErrInvalidTransition, status)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if basic > 0 {
		s.creditRetried(accountID, models.CreditBasic, basic, "topup:"+id+":basic")
	}
	if premium > 0 {
		s.creditRetried(accountID, models.CreditPremium, premium, "topup:"+id+":premium")
	}

	s.events.Publish(events.SubjectTopupDecided, map[string]any{
		"topup_id":   id,
		"account_id": accountID,
		"status":     models.TopupStatusApproved,
		"decided_at": time.Now(),
	})
	return nil
}

// RejectTopup rejects a pending topup
// @Summary Reject a topup
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "Topup ID"
// @Param request body RejectTopupRequest false "Rejection note"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/topups/{id}/reject [post]
func (s *TopupService) RejectTopup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// The admin note is optional; an empty body is a rejection without one.
	var req RejectTopupRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req); err != nil {
			SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
			return
		}
	}

	if err := s.Reject(id, req.Note); err != nil {
		log.Printf("[TOPUP] Reject %s failed: %v", id, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[TOPUP] Topup %s rejected", id)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": models.TopupStatusRejected})
}

// Reject claims the pending->rejected transition. No ledger effect: the
// money never arrived, so there is nothing to credit or refund.
func (s *TopupService) Reject(id, note string) error {
	result, err := s.db.Exec(`
		UPDATE topups
		SET status = $1, admin_note = $2, decided_at = $3
		WHERE id = $4 AND status = $5`,
		models.TopupStatusRejected, note, time.Now(), id, models.TopupStatusPending)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if rowsAffected > 0 {
		s.events.Publish(events.SubjectTopupDecided, map[string]any{
			"topup_id":   id,
			"status":     models.TopupStatusRejected,
			"decided_at": time.Now(),
		})
		return nil
	}

	var status string
	err = s.db.QueryRow(`SELECT status FROM topups WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: topup is %s", ErrInvalidTransition, status)
}

// ListMyTopups returns the caller's topup history
// @Summary List own topups
// @Tags topups
// @Produce json
// @Success 200 {object} object{topups=[]models.Topup,count=int}
// @Router /topups [get]
func (s *TopupService) ListMyTopups(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	topups, err := s.fetchTopups(`WHERE t.account_id = $1`, accountID)
	if err != nil {
		log.Printf("[TOPUP] List for %s failed: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch topups", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"topups": topups,
		"count":  len(topups),
	})
}

// AdminListTopups returns all topups with an optional status filter
// @Summary List all topups
// @Tags admin
// @Produce json
// @Param status query string false "Filter by status"
// @Success 200 {object} object{topups=[]models.Topup,count=int}
// @Router /admin/topups [get]
func (s *TopupService) AdminListTopups(w http.ResponseWriter, r *http.Request) {
	var topups []models.Topup
	var err error

	if status := r.URL.Query().Get("status"); status != "" {
		topups, err = s.fetchTopups(`WHERE t.status = $1`, status)
	} else {
		topups, err = s.fetchTopups(``)
	}
	if err != nil {
		log.Printf("[TOPUP] Admin list failed: %v", err)
		SendErrorResponse(w, "Failed to fetch topups", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"topups": topups,
		"count":  len(topups),
	})
}

// creditRetried lands an approved topup's credits. The approval is already
// claimed at this point, so giving up would strand paid-for credits; the
// event ID makes the retries safe.
func (s *TopupService) creditRetried(accountID string, ct models.CreditType, amount int64, eventID string) {
	ctx := context.Background()
	backoff := retry.WithMaxRetries(10, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := s.ledger.Adjust(accountID, ct, amount, eventID)
		if retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		log.Printf("[TOPUP] CREDIT LOSS: credit %s for account %s did not complete: %v",
			eventID, accountID, err)
	}
}

func (s *TopupService) fetchTopups(where string, args ...any) ([]models.Topup, error) {
	query := `
		SELECT t.id, t.account_id, a.username, t.basic_credits, t.premium_credits,
		       t.amount, t.currency, t.payment_ref, t.status, t.admin_note,
		       t.created_at, t.decided_at
		FROM topups t
		JOIN accounts a ON a.id = t.account_id ` + where + ` ORDER BY t.created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	topups := []models.Topup{}
	for rows.Next() {
		var t models.Topup
		err := rows.Scan(
			&t.ID, &t.AccountID, &t.Username, &t.BasicCredits, &t.PremiumCredits,
			&t.Amount, &t.Currency, &t.PaymentRef, &t.Status, &t.AdminNote,
			&t.CreatedAt, &t.DecidedAt,
		)
		if err != nil {
			return nil, err
		}
		topups = append(topups, t)
	}

	return topups, rows.Err()
}

// fetchPricing reads the singleton price table row.
func fetchPricing(db *sql.DB) (*models.Pricing, error) {
	var p models.Pricing
	err := db.QueryRow(`
		SELECT basic_credit_inr, premium_credit_inr, upi_id, updated_at
		FROM pricing WHERE id = 1`).
		Scan(&p.BasicCreditINR, &p.PremiumCreditINR, &p.UPIID, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &p, nil
}
