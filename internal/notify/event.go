package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindLeadPurchased     Kind = "lead_purchased"
	KindLowBalance        Kind = "low_balance"
	KindChargeDeclined    Kind = "charge_declined"
	KindTopUpSucceeded    Kind = "auto_topup_succeeded"
	KindTopUpFailed       Kind = "auto_topup_failed"
	KindReturnApproved    Kind = "return_approved"
	KindReturnRejected    Kind = "return_rejected"
	KindChargeCompensated Kind = "charge_compensated"
)

// Event is a user-facing notification. Delivery is fire-and-forget.
type Event struct {
	Kind         Kind            `json:"kind"`
	UserID       string          `json:"user_id"`
	Email        string          `json:"email,omitempty"`
	CampaignName string          `json:"campaign_name,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	LeadID       string          `json:"lead_id,omitempty"`
	Message      string          `json:"message,omitempty"`
	At           time.Time       `json:"at"`
}

// Notifier is what money flows depend on. Implementations must not block
// the caller on delivery and must not report delivery failures.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Sink delivers one event to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
