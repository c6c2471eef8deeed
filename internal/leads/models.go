package leads

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Lead is a purchased lead owned by a buyer.
//
// Money invariant: a Lead row exists only after its COMPLETED LEAD_ASSIGNMENT
// ledger row. OriginalCost and TransactionID are written once, at creation,
// and are the authoritative inputs for refunds.
type Lead struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	UserID     string `json:"user_id" db:"user_id"`
	Source     string `json:"source,omitempty" db:"source"`

	FirstName string `json:"first_name,omitempty" db:"first_name"`
	LastName  string `json:"last_name,omitempty" db:"last_name"`
	Email     string `json:"email,omitempty" db:"email"`
	Phone     string `json:"phone,omitempty" db:"phone"`
	Address   string `json:"address,omitempty" db:"address"`
	City      string `json:"city,omitempty" db:"city"`
	State     string `json:"state,omitempty" db:"state"`
	Zip       string `json:"zip,omitempty" db:"zip"`

	Cost          decimal.Decimal     `json:"cost" db:"cost"`
	OriginalCost  decimal.NullDecimal `json:"original_cost" db:"original_cost"`
	TransactionID string              `json:"transaction_id,omitempty" db:"transaction_id"`

	ReturnStatus        ReturnStatus `json:"return_status" db:"return_status"`
	ReturnReason        string       `json:"return_reason,omitempty" db:"return_reason"`
	RefundTransactionID string       `json:"refund_transaction_id,omitempty" db:"refund_transaction_id"`
	ReturnedAt          *time.Time   `json:"returned_at,omitempty" db:"returned_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Contact is the buyer-visible lead payload supplied by a lead source.
type Contact struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	City      string `json:"city"`
	State     string `json:"state"`
	Zip       string `json:"zip"`
}

func (l *Lead) SetContact(c Contact) {
	l.FirstName, l.LastName = c.FirstName, c.LastName
	l.Email, l.Phone = c.Email, c.Phone
	l.Address, l.City, l.State, l.Zip = c.Address, c.City, c.State, c.Zip
}

type ReturnStatus string

const (
	ReturnNotReturned ReturnStatus = "NOT_RETURNED"
	ReturnPending     ReturnStatus = "PENDING"
	ReturnApproved    ReturnStatus = "APPROVED"
	ReturnRejected    ReturnStatus = "REJECTED"
)

// ReturnUpdate carries the fields written alongside a return status change.
type ReturnUpdate struct {
	Reason              string
	RefundTransactionID string
	At                  time.Time
}

var (
	ErrNotFound      = errors.New("lead not found")
	ErrAlreadyExists = errors.New("lead already exists")
)
