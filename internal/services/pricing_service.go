package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/ffglory/backend/internal/models"
)

// PricingService manages the singleton credit price table. Prices are read
// at topup submission time and frozen on the topup record, so changing them
// never reprices pending requests.
type PricingService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewPricingService(db *sql.DB) *PricingService {
	return &PricingService{db: db, validator: NewValidationHelper()}
}

// PricingRequest is the admin payload for updating prices.
type PricingRequest struct {
	BasicCreditINR   int64  `json:"basic_credit_inr" validate:"required,gt=0"`
	PremiumCreditINR int64  `json:"premium_credit_inr" validate:"required,gt=0"`
	UPIID            string `json:"upi_id" validate:"required,min=3,max=64"`
}

// GetPricing returns the current price table
// @Summary Get credit prices
// @Tags pricing
// @Produce json
// @Success 200 {object} models.Pricing
// @Router /pricing [get]
func (s *PricingService) GetPricing(w http.ResponseWriter, r *http.Request) {
	pricing, err := fetchPricing(s.db)
	if err != nil {
		log.Printf("[PRICING] Fetch failed: %v", err)
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pricing)
}

// UpdatePricing replaces the price table
// @Summary Update credit prices
// @Tags admin
// @Accept json
// @Produce json
// @Param request body PricingRequest true "New prices"
// @Success 200 {object} models.Pricing
// @Failure 400 {object} ErrorResponse
// @Router /admin/pricing [put]
func (s *PricingService) UpdatePricing(w http.ResponseWriter, r *http.Request) {
	var req PricingRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	now := time.Now()
	_, err := s.db.Exec(`
		UPDATE pricing SET basic_credit_inr = $1, premium_credit_inr = $2, upi_id = $3, updated_at = $4
		WHERE id = 1`,
		req.BasicCreditINR, req.PremiumCreditINR, req.UPIID, now)
	if err != nil {
		log.Printf("[PRICING] Update failed: %v", err)
		SendErrorResponse(w, "Failed to update pricing", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[PRICING] Prices updated: basic %d INR, premium %d INR", req.BasicCreditINR, req.PremiumCreditINR)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.Pricing{
		BasicCreditINR:   req.BasicCreditINR,
		PremiumCreditINR: req.PremiumCreditINR,
		UPIID:            req.UPIID,
		UpdatedAt:        now,
	})
}
