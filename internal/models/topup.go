package models

import "time"

// Topup status values
const (
	TopupStatusPending  = "pending"
	TopupStatusApproved = "approved"
	TopupStatusRejected = "rejected"
)

// Topup is a credit purchase request. The account is credited exactly once,
// on the transition into approved.
type Topup struct {
	ID             string     `json:"id" db:"id"`
	AccountID      string     `json:"account_id" db:"account_id"`
	Username       string     `json:"username,omitempty" db:"username"`
	BasicCredits   int64      `json:"basic_credits" db:"basic_credits"`
	PremiumCredits int64      `json:"premium_credits" db:"premium_credits"`
	Amount         int64      `json:"amount" db:"amount"`
	Currency       string     `json:"currency" db:"currency"`
	PaymentRef     string     `json:"payment_ref" db:"payment_ref"`
	Status         string     `json:"status" db:"status"`
	AdminNote      string     `json:"admin_note,omitempty" db:"admin_note"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	DecidedAt      *time.Time `json:"decided_at,omitempty" db:"decided_at"`
}

// Pricing is the credit price table used to compute topup amounts.
type Pricing struct {
	BasicCreditINR   int64     `json:"basic_credit_inr" db:"basic_credit_inr"`
	PremiumCreditINR int64     `json:"premium_credit_inr" db:"premium_credit_inr"`
	UPIID            string    `json:"upi_id" db:"upi_id"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}
