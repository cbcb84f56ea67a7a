package models

import "time"

// Coupon status values
const (
	CouponStatusActive   = "active"
	CouponStatusRedeemed = "redeemed"
)

// Coupon escrows credits between two accounts. The face value is debited
// from the creator at creation and credited to the redeemer at redemption,
// so total credits are conserved across the pair.
type Coupon struct {
	Code           string     `json:"code" db:"code"`
	BasicCredits   int64      `json:"basic_credits" db:"basic_credits"`
	PremiumCredits int64      `json:"premium_credits" db:"premium_credits"`
	CreatedBy      string     `json:"created_by" db:"created_by"`
	Status         string     `json:"status" db:"status"`
	RedeemedBy     string     `json:"redeemed_by,omitempty" db:"redeemed_by"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	RedeemedAt     *time.Time `json:"redeemed_at,omitempty" db:"redeemed_at"`
}
