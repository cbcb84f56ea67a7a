package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sethvargo/go-retry"

	"github.com/ffglory/backend/internal/events"
	"github.com/ffglory/backend/internal/models"
)

// CouponService implements the gift-coupon escrow. Creating a coupon moves
// credits out of the creator's balance and into the coupon record; redeeming
// moves them into the redeemer's balance. Credits in an active coupon exist
// nowhere else, so total supply is conserved.
type CouponService struct {
	db        *sql.DB
	ledger    *CreditLedgerService
	events    *events.Publisher
	validator *ValidationHelper
}

func NewCouponService(db *sql.DB, ledger *CreditLedgerService, pub *events.Publisher) *CouponService {
	return &CouponService{
		db:        db,
		ledger:    ledger,
		events:    pub,
		validator: NewValidationHelper(),
	}
}

// CouponRequest is the payload for creating a coupon.
type CouponRequest struct {
	BasicCredits   int64 `json:"basic_credits" validate:"gte=0"`
	PremiumCredits int64 `json:"premium_credits" validate:"gte=0"`
}

// CreateCoupon creates a gift coupon funded from the caller's balance
// @Summary Create a coupon
// @Tags coupons
// @Accept json
// @Produce json
// @Param request body CouponRequest true "Coupon face value"
// @Success 201 {object} models.Coupon
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /coupons [post]
func (s *CouponService) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CouponRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.BasicCredits == 0 && req.PremiumCredits == 0 {
		SendErrorResponse(w, "Coupon must carry at least one credit", http.StatusBadRequest, nil)
		return
	}

	coupon, err := s.Create(r.Context(), accountID, req.BasicCredits, req.PremiumCredits)
	if err != nil {
		log.Printf("[COUPON] Create failed for account %s: %v", accountID, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[COUPON] Coupon %s created by %s (%d basic, %d premium)",
		coupon.Code, accountID, coupon.BasicCredits, coupon.PremiumCredits)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(coupon)
}

// Create debits the creator's balances, then persists the coupon. A partial
// debit or a failed insert is unwound with compensating credits so no
// credits leak into or out of escrow.
func (s *CouponService) Create(ctx context.Context, accountID string, basic, premium int64) (*models.Coupon, error) {
	coupon := &models.Coupon{
		Code:           "CPN-" + randomCode(6) + "-" + randomCode(6),
		BasicCredits:   basic,
		PremiumCredits: premium,
		CreatedBy:      accountID,
		Status:         models.CouponStatusActive,
		CreatedAt:      time.Now(),
	}

	if basic > 0 {
		if _, err := s.ledger.AdjustRetried(ctx, accountID, models.CreditBasic, -basic, "coupon-escrow:"+coupon.Code+":basic"); err != nil {
			return nil, err
		}
	}
	if premium > 0 {
		if _, err := s.ledger.AdjustRetried(ctx, accountID, models.CreditPremium, -premium, "coupon-escrow:"+coupon.Code+":premium"); err != nil {
			if basic > 0 {
				s.compensate(accountID, models.CreditBasic, basic, "coupon-unwind:"+coupon.Code+":basic")
			}
			return nil, err
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO coupons (code, basic_credits, premium_credits, created_by, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		coupon.Code, coupon.BasicCredits, coupon.PremiumCredits,
		coupon.CreatedBy, coupon.Status, coupon.CreatedAt)
	if err != nil {
		log.Printf("[COUPON] Insert failed after escrow debit for %s, unwinding: %v", coupon.Code, err)
		if basic > 0 {
			s.compensate(accountID, models.CreditBasic, basic, "coupon-unwind:"+coupon.Code+":basic")
		}
		if premium > 0 {
			s.compensate(accountID, models.CreditPremium, premium, "coupon-unwind:"+coupon.Code+":premium")
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return coupon, nil
}

// RedeemCoupon redeems a coupon into the caller's balance
// @Summary Redeem a coupon
// @Tags coupons
// @Produce json
// @Param code path string true "Coupon code"
// @Success 200 {object} models.Coupon
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /coupons/{code}/redeem [post]
func (s *CouponService) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))

	coupon, err := s.Redeem(code, accountID)
	if err != nil {
		log.Printf("[COUPON] Redeem %s by %s failed: %v", code, accountID, err)
		SendServiceError(w, err)
		return
	}

	log.Printf("[COUPON] Coupon %s redeemed by %s", coupon.Code, accountID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(coupon)
}

// Redeem claims the coupon with a guarded update, then credits the
// redeemer. Exactly one of any number of concurrent redeemers wins the
// claim; the creator is never allowed to redeem their own coupon back.
func (s *CouponService) Redeem(code, accountID string) (*models.Coupon, error) {
	coupon, err := s.fetchCoupon(code)
	if err != nil {
		return nil, err
	}
	if coupon.CreatedBy == accountID {
		return nil, ErrSelfRedemption
	}
	if coupon.Status != models.CouponStatusActive {
		return nil, ErrAlreadyRedeemed
	}

	now := time.Now()
	result, err := s.db.Exec(`
		UPDATE coupons
		SET status = $1, redeemed_by = $2, redeemed_at = $3
		WHERE code = $4 AND status = $5`,
		models.CouponStatusRedeemed, accountID, now, code, models.CouponStatusActive)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if rowsAffected == 0 {
		return nil, ErrAlreadyRedeemed
	}

	// The claim is durable now; the payout must eventually land.
	if coupon.BasicCredits > 0 {
		s.compensate(accountID, models.CreditBasic, coupon.BasicCredits, "coupon-redeem:"+code+":basic")
	}
	if coupon.PremiumCredits > 0 {
		s.compensate(accountID, models.CreditPremium, coupon.PremiumCredits, "coupon-redeem:"+code+":premium")
	}

	coupon.Status = models.CouponStatusRedeemed
	coupon.RedeemedBy = accountID
	coupon.RedeemedAt = &now

	s.events.Publish(events.SubjectCouponRedeemed, map[string]any{
		"code":        code,
		"redeemed_by": accountID,
		"redeemed_at": now,
	})

	return coupon, nil
}

// ListMyCoupons returns coupons created by the caller
// @Summary List own coupons
// @Tags coupons
// @Produce json
// @Success 200 {object} object{coupons=[]models.Coupon,count=int}
// @Router /coupons [get]
func (s *CouponService) ListMyCoupons(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT code, basic_credits, premium_credits, created_by, status, redeemed_by, created_at, redeemed_at
		FROM coupons WHERE created_by = $1 ORDER BY created_at DESC`, accountID)
	if err != nil {
		log.Printf("[COUPON] List for %s failed: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch coupons", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	coupons := []models.Coupon{}
	for rows.Next() {
		var c models.Coupon
		var redeemedBy sql.NullString
		if err := rows.Scan(&c.Code, &c.BasicCredits, &c.PremiumCredits, &c.CreatedBy,
			&c.Status, &redeemedBy, &c.CreatedAt, &c.RedeemedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch coupons", http.StatusInternalServerError, nil)
			return
		}
		c.RedeemedBy = redeemedBy.String
		coupons = append(coupons, c)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"coupons": coupons,
		"count":   len(coupons),
	})
}

func (s *CouponService) fetchCoupon(code string) (*models.Coupon, error) {
	var c models.Coupon
	var redeemedBy sql.NullString
	err := s.db.QueryRow(`
		SELECT code, basic_credits, premium_credits, created_by, status, redeemed_by, created_at, redeemed_at
		FROM coupons WHERE code = $1`, code).
		Scan(&c.Code, &c.BasicCredits, &c.PremiumCredits, &c.CreatedBy,
			&c.Status, &redeemedBy, &c.CreatedAt, &c.RedeemedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	c.RedeemedBy = redeemedBy.String
	return &c, nil
}

// compensate retries a ledger credit to completion. Used for redeem payouts
// and for unwinding partial escrow debits, both cases where stopping short
// would destroy credits.
func (s *CouponService) compensate(accountID string, ct models.CreditType, amount int64, eventID string) {
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
		log.Printf("[COUPON] CREDIT LOSS: adjustment %s for account %s did not complete: %v",
			eventID, accountID, err)
	}
}
