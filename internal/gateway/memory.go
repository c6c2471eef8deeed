package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryGateway is an in-process Gateway for tests and local development.
// Charges are deduplicated by idempotency key the way the real gateway
// deduplicates by order id.
type MemoryGateway struct {
	mu sync.Mutex

	vaults   map[string]bool
	declines map[string]string // vault id -> decline message
	byKey    map[string]Result
	charges  []ChargeRequest
	refunds  []RefundCall
	deletes  []string

	failNext       int
	captureOnFail  bool
	failRefunds    bool
	lookupDisabled bool
	seq            int
}

// RefundCall records a Refund invocation.
type RefundCall struct {
	ExternalTransactionID string
	Amount                decimal.Decimal
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		vaults:   map[string]bool{},
		declines: map[string]string{},
		byKey:    map[string]Result{},
	}
}

func (g *MemoryGateway) Name() string { return "memory" }

// AddVault registers an existing vault id.
func (g *MemoryGateway) AddVault(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vaults[id] = true
}

// DeclineVault makes every charge against vaultID decline with msg.
func (g *MemoryGateway) DeclineVault(vaultID, msg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declines[vaultID] = msg
}

// FailNext makes the next n charges return ErrUnreachable. When captured is
// true the charge is still recorded, simulating a response lost after capture.
func (g *MemoryGateway) FailNext(n int, captured bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
	g.captureOnFail = captured
}

// FailRefunds makes refunds decline.
func (g *MemoryGateway) FailRefunds(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failRefunds = v
}

// DisableLookup makes Lookup report ErrUnreachable.
func (g *MemoryGateway) DisableLookup(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookupDisabled = v
}

func (g *MemoryGateway) CreateVault(_ context.Context, card CardDetails) (string, error) {
	if err := card.Validate(nowUTC()); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	id := fmt.Sprintf("vault-%d", g.seq)
	g.vaults[id] = true
	return id, nil
}

func (g *MemoryGateway) DeleteVault(_ context.Context, vaultID string) error {
	if vaultID == "" {
		return invalid("vault_id", "required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	// Unknown or already-deleted vaults are success.
	delete(g.vaults, vaultID)
	g.deletes = append(g.deletes, vaultID)
	return nil
}

func (g *MemoryGateway) Charge(_ context.Context, req ChargeRequest) (Result, error) {
	if req.VaultID == "" {
		return Result{}, invalid("vault_id", "required")
	}
	if !req.Amount.IsPositive() {
		return Result{}, invalid("amount", "must be positive")
	}
	if req.IdempotencyKey == "" {
		return Result{}, invalid("idempotency_key", "required")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.byKey[req.IdempotencyKey]; ok && g.failNext == 0 {
		return prev, nil
	}
	g.charges = append(g.charges, req)

	res := g.decide(req)
	if g.failNext > 0 {
		g.failNext--
		if g.captureOnFail {
			g.byKey[req.IdempotencyKey] = res
		}
		return Result{}, fmt.Errorf("%w: simulated timeout", ErrUnreachable)
	}
	g.byKey[req.IdempotencyKey] = res
	return res, nil
}

func (g *MemoryGateway) decide(req ChargeRequest) Result {
	if msg, ok := g.declines[req.VaultID]; ok {
		return Result{ResponseCode: CodeDeclined, Message: msg}
	}
	if !g.vaults[req.VaultID] {
		return Result{ResponseCode: CodeError, Message: "Invalid Customer Vault Id"}
	}
	g.seq++
	return Result{
		Approved:              true,
		ExternalTransactionID: fmt.Sprintf("txn-%d", g.seq),
		ResponseCode:          CodeApproved,
		Message:               "SUCCESS",
	}
}

func (g *MemoryGateway) Refund(_ context.Context, externalTransactionID string, amount decimal.Decimal) (Result, error) {
	if externalTransactionID == "" {
		return Result{}, invalid("transaction_id", "required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, RefundCall{ExternalTransactionID: externalTransactionID, Amount: amount})
	if g.failRefunds {
		return Result{ResponseCode: CodeDeclined, Message: "refund declined"}, nil
	}
	g.seq++
	return Result{
		Approved:              true,
		ExternalTransactionID: fmt.Sprintf("rfd-%d", g.seq),
		ResponseCode:          CodeApproved,
		Message:               "SUCCESS",
	}, nil
}

func (g *MemoryGateway) Lookup(_ context.Context, idempotencyKey string) (Result, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lookupDisabled {
		return Result{}, false, fmt.Errorf("%w: lookup disabled", ErrUnreachable)
	}
	res, ok := g.byKey[idempotencyKey]
	return res, ok, nil
}

// Charges returns every charge that reached the gateway.
func (g *MemoryGateway) Charges() []ChargeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ChargeRequest(nil), g.charges...)
}

func (g *MemoryGateway) Refunds() []RefundCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RefundCall(nil), g.refunds...)
}

func (g *MemoryGateway) HasVault(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.vaults[id]
}

// Deletes returns every vault id passed to DeleteVault.
func (g *MemoryGateway) Deletes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.deletes...)
}
