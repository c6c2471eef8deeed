package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is a user's balance projection plus stored payment settings.
// Invariant: Balance equals the sum of the user's COMPLETED transaction amounts.
// Nothing outside Service may change Balance or RefundMoney.
type Wallet struct {
	UserID string `json:"user_id" db:"user_id"`
	Email  string `json:"email,omitempty" db:"email"`

	Balance decimal.Decimal `json:"balance" db:"balance"`
	// RefundMoney is a credit pool consumed before Balance on lead purchases.
	RefundMoney decimal.Decimal `json:"refund_money" db:"refund_money"`

	PaymentMethods []PaymentMethod `json:"payment_methods"`
	AutoTopUp      AutoTopUp       `json:"auto_top_up"`

	// Version increments on every commit; used for compare-and-swap.
	Version int64 `json:"-" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultPaymentMethod returns the card marked default, if any.
func (w Wallet) DefaultPaymentMethod() (PaymentMethod, bool) {
	for _, pm := range w.PaymentMethods {
		if pm.IsDefault {
			return pm, true
		}
	}
	return PaymentMethod{}, false
}

// PaymentMethod references a gateway vault. No card number or CVV is kept.
type PaymentMethod struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	VaultID   string    `json:"-" db:"vault_id"`
	Brand     string    `json:"brand" db:"brand"`
	Last4     string    `json:"last4" db:"last4"`
	ExpMonth  int       `json:"exp_month" db:"exp_month"`
	ExpYear   int       `json:"exp_year" db:"exp_year"`
	IsDefault bool      `json:"is_default" db:"is_default"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type AutoTopUp struct {
	Enabled     bool            `json:"enabled" db:"auto_top_up_enabled"`
	Threshold   decimal.Decimal `json:"threshold" db:"auto_top_up_threshold"`
	Amount      decimal.Decimal `json:"top_up_amount" db:"auto_top_up_amount"`
	PaymentMode PaymentMode     `json:"payment_mode" db:"auto_top_up_payment_mode"`
}

type PaymentMode string

const PaymentModeDefaultCard PaymentMode = "DEFAULT_CARD"

// Transaction is an append-only ledger row.
// COMPLETED and FAILED rows are immutable; a PENDING row transitions once.
type Transaction struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	// Amount is signed and carries the balance effect only: credits >= 0,
	// debits <= 0. Refund credit consumed by a debit is in RefundCreditUsed.
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	RefundCreditUsed decimal.Decimal `json:"refund_credit_used" db:"refund_credit_used"`

	Type          TransactionType   `json:"type" db:"type"`
	Status        TransactionStatus `json:"status" db:"status"`
	FundingMethod FundingMethod     `json:"funding_method" db:"funding_method"`

	ExternalTransactionID string          `json:"external_transaction_id,omitempty" db:"external_transaction_id"`
	BalanceAfter          decimal.Decimal `json:"balance_after" db:"balance_after"`
	LeadID                string          `json:"lead_id,omitempty" db:"lead_id"`
	Note                  string          `json:"note,omitempty" db:"note"`

	// IdempotencyKey is unique per user and is written before any gateway call.
	IdempotencyKey string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	// RetryOf links a retry attempt to the FAILED row it supersedes.
	RetryOf string `json:"retry_of,omitempty" db:"retry_of"`
	Attempt int    `json:"attempt" db:"attempt"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Gross is the full signed value of the transaction, including refund credit.
func (t Transaction) Gross() decimal.Decimal {
	return t.Amount.Sub(t.RefundCreditUsed)
}

type TransactionType string

const (
	TypeAddFunds       TransactionType = "ADD_FUNDS"
	TypeLeadAssignment TransactionType = "LEAD_ASSIGNMENT"
	TypeManualCharge   TransactionType = "MANUAL_CHARGE"
	TypeRefund         TransactionType = "REFUND"
	TypeAutoTopUp      TransactionType = "AUTO_TOPUP"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TypeAddFunds, TypeLeadAssignment, TypeManualCharge, TypeRefund, TypeAutoTopUp:
		return true
	}
	return false
}

// IsCredit reports whether amounts of this type must be non-negative.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TypeAddFunds, TypeRefund, TypeAutoTopUp:
		return true
	}
	return false
}

// SignValid reports whether amount has the sign its type requires.
func (t TransactionType) SignValid(amount decimal.Decimal) bool {
	if t.IsCredit() {
		return !amount.IsNegative()
	}
	return !amount.IsPositive()
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
)

type FundingMethod string

const (
	FundingBalance FundingMethod = "BALANCE"
	FundingCard    FundingMethod = "CARD"
)

func (f FundingMethod) Valid() bool { return f == FundingBalance || f == FundingCard }

// Snapshot is a read-only view used for funding decisions.
type Snapshot struct {
	UserID               string          `json:"user_id"`
	Email                string          `json:"email,omitempty"`
	Balance              decimal.Decimal `json:"balance"`
	RefundMoney          decimal.Decimal `json:"refund_money"`
	HasStoredCard        bool            `json:"has_stored_card"`
	DefaultPaymentMethod *PaymentMethod  `json:"default_payment_method,omitempty"`
	AutoTopUp            AutoTopUp       `json:"auto_top_up"`
}

// Available is what a prepaid purchase may draw on.
func (s Snapshot) Available() decimal.Decimal {
	return s.Balance.Add(s.RefundMoney)
}

// Filter narrows ListTransactions. Zero values mean "any".
type Filter struct {
	Types    []TransactionType   `json:"types,omitempty"`
	Statuses []TransactionStatus `json:"statuses,omitempty"`
	From     time.Time           `json:"from,omitempty"`
	To       time.Time           `json:"to,omitempty"`
	LeadID   string              `json:"lead_id,omitempty"`
}

type TransactionPage struct {
	Items []Transaction `json:"items"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// RetryQuery selects rows for the retry scheduler: PENDING charges and
// FAILED card top-ups without a successor, created within [NewerThan, OlderThan].
type RetryQuery struct {
	OlderThan   time.Time
	NewerThan   time.Time
	MaxUsers    int
	MaxAttempts int
}

// Commit is one atomic unit written by Store.Commit.
type Commit struct {
	UserID          string
	ExpectedVersion int64
	Balance         decimal.Decimal
	RefundMoney     decimal.Decimal
	Inserts         []Transaction
	Transition      *Transition
	At              time.Time
}

// Transition moves a PENDING row to a terminal status.
type Transition struct {
	ID                    string
	To                    TransactionStatus
	ExternalTransactionID string
	BalanceAfter          decimal.Decimal
	Note                  string
}
