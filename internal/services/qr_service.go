package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"
)

// PaymentQRService renders UPI intent QR codes for pending topups. The user
// scans the code with any UPI app, pays, then submits the payment reference
// for admin verification.
type PaymentQRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewPaymentQRService(db *sql.DB, rdb *redis.Client) *PaymentQRService {
	return &PaymentQRService{db: db, redis: rdb}
}

// TopupQR serves the UPI QR for one of the caller's pending topups
// @Summary Get a UPI payment QR for a topup
// @Tags topups
// @Produce json
// @Param id path string true "Topup ID"
// @Success 200 {object} object{upi_uri=string,qr_image=string}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /topups/{id}/qr [get]
func (s *PaymentQRService) TopupQR(w http.ResponseWriter, r *http.Request) {
	accountID, ok := r.Context().Value("accountID").(string)
	if !ok || accountID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	id := chi.URLParam(r, "id")

	upiURI, qrImage, err := s.Generate(r.Context(), id, accountID)
	if err != nil {
		log.Printf("[QR] Generate for topup %s failed: %v", id, err)
		SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"upi_uri":  upiURI,
		"qr_image": qrImage,
	})
}

// AmountQR serves a UPI QR for an arbitrary amount, used by the buy-credits
// screen before a topup record exists
// @Summary Get a UPI payment QR for an amount
// @Tags topups
// @Produce json
// @Param amount query int true "Amount in INR"
// @Success 200 {object} object{upi_uri=string,qr_image=string}
// @Failure 400 {object} ErrorResponse
// @Router /topups/qr [get]
func (s *PaymentQRService) AmountQR(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount <= 0 {
		SendErrorResponse(w, "amount must be a positive integer", http.StatusBadRequest, nil)
		return
	}

	pricing, err := fetchPricing(s.db)
	if err != nil {
		SendServiceError(w, err)
		return
	}
	if pricing.UPIID == "" {
		SendErrorResponse(w, "No payee UPI ID configured", http.StatusServiceUnavailable, nil)
		return
	}

	upiURI := fmt.Sprintf("upi://pay?pa=%s&pn=%s&am=%d&cu=INR",
		url.QueryEscape(pricing.UPIID), url.QueryEscape("FFGlory"), amount)

	qr, err := qrcode.New(upiURI, qrcode.Medium)
	if err != nil {
		SendErrorResponse(w, "Failed to render QR", http.StatusInternalServerError, nil)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		SendErrorResponse(w, "Failed to render QR", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"upi_uri":  upiURI,
		"qr_image": base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// Generate builds the UPI intent URI for a pending topup and renders it as
// a base64 PNG. Renders are cached in redis because the frontend polls the
// pending-topup screen.
func (s *PaymentQRService) Generate(ctx context.Context, topupID, accountID string) (string, string, error) {
	var owner, status string
	var amount int64
	err := s.db.QueryRow(`
		SELECT account_id, status, amount FROM topups WHERE id = $1`, topupID).
		Scan(&owner, &status, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if owner != accountID {
		return "", "", ErrNotFound
	}
	if status != "pending" {
		return "", "", fmt.Errorf("%w: topup is %s", ErrInvalidTransition, status)
	}

	pricing, err := fetchPricing(s.db)
	if err != nil {
		return "", "", err
	}
	if pricing.UPIID == "" {
		return "", "", fmt.Errorf("%w: no payee UPI ID configured", ErrStoreUnavailable)
	}

	upiURI := fmt.Sprintf("upi://pay?pa=%s&pn=%s&am=%d&cu=INR&tn=%s",
		url.QueryEscape(pricing.UPIID), url.QueryEscape("FFGlory"), amount,
		url.QueryEscape("topup-"+topupID))

	if s.redis != nil {
		key := fmt.Sprintf("qr:topup:%s", topupID)
		if cached, err := s.redis.Get(ctx, key).Result(); err == nil {
			return upiURI, cached, nil
		}
	}

	qr, err := qrcode.New(upiURI, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}
	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	if s.redis != nil {
		key := fmt.Sprintf("qr:topup:%s", topupID)
		if err := s.redis.Set(ctx, key, qrImage, 10*time.Minute).Err(); err != nil {
			log.Printf("[QR] Cache write for %s failed: %v", topupID, err)
		}
	}

	return upiURI, qrImage, nil
}
