package models

import "time"

// Invitation is a single-use registration code generated by an admin.
type Invitation struct {
	Code      string     `json:"code" db:"code"`
	CreatedBy string     `json:"created_by" db:"created_by"`
	IsUsed    bool       `json:"is_used" db:"is_used"`
	UsedBy    string     `json:"used_by,omitempty" db:"used_by"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty" db:"used_at"`
}
