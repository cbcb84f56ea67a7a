package models

import "time"

// Broadcast is an admin announcement shown to all users.
type Broadcast struct {
	ID        string     `json:"id" db:"id"`
	Title     string     `json:"title" db:"title"`
	Content   string     `json:"content" db:"content"`
	Type      string     `json:"type" db:"type"`
	Priority  int        `json:"priority" db:"priority"`
	CreatedBy string     `json:"created_by" db:"created_by"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}
