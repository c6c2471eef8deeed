package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Gateway is the provider-agnostic card gateway used by billing logic.
//
// Rules:
// - No wire-format details leak past this interface; callers never branch on
//   form vs JSON vs markup responses.
// - A decline is a Result with Approved=false, not an error.
// - ErrUnreachable means the outcome is unknown. Callers must Lookup by
//   idempotency key before resubmitting a charge.
type Gateway interface {
	Name() string

	CreateVault(ctx context.Context, card CardDetails) (vaultID string, err error)
	DeleteVault(ctx context.Context, vaultID string) error

	Charge(ctx context.Context, req ChargeRequest) (Result, error)
	Refund(ctx context.Context, externalTransactionID string, amount decimal.Decimal) (Result, error)

	// Lookup finds a previously submitted charge by the idempotency key it
	// carried. found=false means the gateway has no record of it.
	Lookup(ctx context.Context, idempotencyKey string) (res Result, found bool, err error)
}

// ChargeRequest charges a stored vault.
type ChargeRequest struct {
	VaultID     string          `json:"vault_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`

	// IdempotencyKey must be persisted by the caller before the charge is sent.
	IdempotencyKey string `json:"idempotency_key"`
}

// Result is the normalized outcome of charge/refund calls.
type Result struct {
	Approved              bool   `json:"approved"`
	ExternalTransactionID string `json:"external_transaction_id,omitempty"`
	ResponseCode          string `json:"response_code"`
	Message               string `json:"message,omitempty"`
}

// Gateway response codes.
const (
	CodeApproved = "1"
	CodeDeclined = "2"
	CodeError    = "3"
)

var (
	// ErrValidation is returned before any network call when inputs are unusable.
	ErrValidation = errors.New("gateway: validation failed")
	// ErrDeclined is returned by vault operations the gateway refused.
	ErrDeclined = errors.New("gateway: declined")
	// ErrGateway means the gateway answered but the answer lacks a required field.
	ErrGateway = errors.New("gateway: unusable response")
	// ErrUnreachable covers transport failures, timeouts, 5xx and unparsable bodies.
	ErrUnreachable = errors.New("gateway: unreachable")
)

// ValidationError names the offending field. It matches ErrValidation via errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "gateway: invalid " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
