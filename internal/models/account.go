package models

import "time"

// Role determines which API surface an account may use
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// CreditType selects which balance a ledger adjustment touches
type CreditType string

const (
	CreditBasic   CreditType = "basic"
	CreditPremium CreditType = "premium"
)

// Valid reports whether ct is one of the known credit types
func (ct CreditType) Valid() bool {
	return ct == CreditBasic || ct == CreditPremium
}

// Account holds a user's credit balances and group quota.
// Balances are mutated only by the ledger service.
type Account struct {
	ID             string    `json:"id" db:"id"`
	Username       string    `json:"username" db:"username"`
	Role           string    `json:"role" db:"role"`
	BasicCredits   int64     `json:"basic_credits" db:"basic_credits"`
	PremiumCredits int64     `json:"premium_credits" db:"premium_credits"`
	MaxGroups      int       `json:"max_groups" db:"max_groups"`
	Version        int       `json:"-" db:"version"` // for optimistic locking
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry records a single balance adjustment. The event id is the
// business-event idempotency key: one entry per logical operation.
type LedgerEntry struct {
	ID         int        `json:"id" db:"id"`
	EventID    string     `json:"event_id" db:"event_id"`
	AccountID  string     `json:"account_id" db:"account_id"`
	CreditType CreditType `json:"credit_type" db:"credit_type"`
	Amount     int64      `json:"amount" db:"amount"`
	Balance    int64      `json:"balance" db:"balance"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
