package wallet

import "context"

// Store persists wallets and the ledger. Commit is the only balance write.
type Store interface {
	CreateWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, userID string) (Wallet, error)

	// Commit applies c atomically. It fails with ErrConcurrencyConflict when the
	// wallet version moved, the transition target is no longer PENDING, or an
	// inserted idempotency key already exists.
	Commit(ctx context.Context, c Commit) error

	GetTransaction(ctx context.Context, id string) (Transaction, error)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (Transaction, bool, error)
	ListTransactions(ctx context.Context, userID string, f Filter, offset, limit int) ([]Transaction, int, error)
	ListRetryCandidates(ctx context.Context, q RetryQuery) ([]Transaction, error)
	HasSuccessor(ctx context.Context, txID string) (bool, error)

	SavePaymentMethod(ctx context.Context, pm PaymentMethod) error
	DeletePaymentMethod(ctx context.Context, userID, id string) error
	SaveAutoTopUp(ctx context.Context, userID string, a AutoTopUp) error
}
