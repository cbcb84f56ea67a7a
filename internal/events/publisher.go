package events

import (
	"encoding/json"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the backend. External viewers (dashboards, the
// automation backend) subscribe to observe state changes; nothing in the
// ledger depends on delivery.
const (
	SubjectLedgerAdjusted  = "ledger.adjusted"
	SubjectGroupChanged    = "groups.changed"
	SubjectTopupDecided    = "topups.decided"
	SubjectCouponRedeemed  = "coupons.redeemed"
	SubjectBroadcastPosted = "broadcasts.posted"
)

// LedgerEvent is emitted after every committed balance adjustment.
type LedgerEvent struct {
	EventID    string    `json:"event_id"`
	AccountID  string    `json:"account_id"`
	CreditType string    `json:"credit_type"`
	Amount     int64     `json:"amount"`
	Balance    int64     `json:"balance"`
	CreatedAt  time.Time `json:"created_at"`
}

// GroupEvent is emitted on every group status transition.
type GroupEvent struct {
	GroupID   string    `json:"group_id"`
	AccountID string    `json:"account_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Publisher wraps an optional NATS connection. A nil Publisher or a nil
// connection silently drops events, so callers never need to guard.
type Publisher struct {
	nc *nats.Conn
}

func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

// Publish marshals v and fires it on subject. Failures are logged, never
// returned: event delivery is best-effort by contract.
func (p *Publisher) Publish(subject string, v any) {
	if p == nil || p.nc == nil {
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[EVENTS] Failed to marshal event for %s: %v", subject, err)
		return
	}

	if err := p.nc.Publish(subject, data); err != nil {
		log.Printf("[EVENTS] Failed to publish to %s: %v", subject, err)
	}
}
