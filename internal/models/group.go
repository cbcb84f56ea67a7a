package models

import "time"

// Group status values. Pending and running are the only non-terminal
// states and count toward the owner's max_groups quota.
const (
	GroupStatusPending  = "pending"
	GroupStatusRunning  = "running"
	GroupStatusStopped  = "stopped"
	GroupStatusRejected = "rejected"
	GroupStatusCanceled = "canceled"
)

// Group represents a farming group request. CreditType records the credit
// actually debited at launch so refunds never re-derive the tier from the
// region catalog.
type Group struct {
	ID          string     `json:"id" db:"id"`
	GroupID     string     `json:"group_id" db:"group_id"`
	AccountID   string     `json:"account_id" db:"account_id"`
	ClanID      string     `json:"clan_id" db:"clan_id"`
	Region      string     `json:"region" db:"region"`
	RegionName  string     `json:"region_name" db:"region_name"`
	CreditType  CreditType `json:"credit_type" db:"credit_type"`
	Status      string     `json:"status" db:"status"`
	GloryFarmed int64      `json:"glory_farmed" db:"glory_farmed"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty" db:"approved_at"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty" db:"stopped_at"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty" db:"rejected_at"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty" db:"canceled_at"`
}
