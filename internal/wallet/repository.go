package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadmarket-platform/pkg/utils"
)

// PostgresStore assumes the tables in internal/schema:
// - wallets (projection with version column)
// - payment_methods
// - wallet_transactions (append-only ledger), with
//   UNIQUE (user_id, idempotency_key) and a partial unique index allowing one
//   COMPLETED LEAD_ASSIGNMENT per lead.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	idempotencyConstraint = "wallet_transactions_user_idempotency_key"
	leadChargeConstraint  = "wallet_transactions_one_charge_per_lead"
)

const txColumns = `id, user_id, amount, refund_credit_used, type, status, funding_method,
  external_transaction_id, balance_after, lead_id, note, idempotency_key, retry_of, attempt,
  created_at, updated_at`

func (s *PostgresStore) CreateWallet(ctx context.Context, w Wallet) error {
	const q = `
INSERT INTO wallets (
  user_id, email, balance, refund_money, auto_top_up_enabled, auto_top_up_threshold,
  auto_top_up_amount, auto_top_up_payment_mode, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10)
`
	_, err := s.db.ExecContext(ctx, q,
		w.UserID, w.Email, w.Balance, w.RefundMoney,
		w.AutoTopUp.Enabled, w.AutoTopUp.Threshold, w.AutoTopUp.Amount, w.AutoTopUp.PaymentMode,
		w.CreatedAt, w.UpdatedAt,
	)
	if utils.IsUniqueViolation(err, "") {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	const q = `
SELECT user_id, email, balance, refund_money, auto_top_up_enabled, auto_top_up_threshold,
       auto_top_up_amount, auto_top_up_payment_mode, version, created_at, updated_at
FROM wallets
WHERE user_id = $1
`
	var w Wallet
	if err := s.db.QueryRowContext(ctx, q, userID).Scan(
		&w.UserID,
		&w.Email,
		&w.Balance,
		&w.RefundMoney,
		&w.AutoTopUp.Enabled,
		&w.AutoTopUp.Threshold,
		&w.AutoTopUp.Amount,
		&w.AutoTopUp.PaymentMode,
		&w.Version,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	pms, err := s.listPaymentMethods(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	w.PaymentMethods = pms
	return w, nil
}

func (s *PostgresStore) listPaymentMethods(ctx context.Context, userID string) ([]PaymentMethod, error) {
	const q = `
SELECT id, user_id, vault_id, brand, last4, exp_month, exp_year, is_default, created_at
FROM payment_methods
WHERE user_id = $1
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PaymentMethod
	for rows.Next() {
		var pm PaymentMethod
		if err := rows.Scan(&pm.ID, &pm.UserID, &pm.VaultID, &pm.Brand, &pm.Last4,
			&pm.ExpMonth, &pm.ExpYear, &pm.IsDefault, &pm.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// Commit writes the wallet projection with a version compare-and-swap, then the
// transition and inserts, all in one database transaction.
func (s *PostgresStore) Commit(ctx context.Context, c Commit) error {
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx *sql.Tx) error {
		const upd = `
UPDATE wallets
SET balance = $1, refund_money = $2, version = version + 1, updated_at = $3
WHERE user_id = $4 AND version = $5
`
		res, err := tx.ExecContext(ctx, upd, c.Balance, c.RefundMoney, c.At, c.UserID, c.ExpectedVersion)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrConcurrencyConflict
		}

		if tr := c.Transition; tr != nil {
			const q = `
UPDATE wallet_transactions
SET status = $1, external_transaction_id = $2, balance_after = $3, note = $4, updated_at = $5
WHERE id = $6 AND user_id = $7 AND status = 'PENDING'
`
			res, err := tx.ExecContext(ctx, q, tr.To, nullIfEmpty(tr.ExternalTransactionID),
				tr.BalanceAfter, tr.Note, c.At, tr.ID, c.UserID)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 0 {
				return ErrConcurrencyConflict
			}
		}

		for _, t := range c.Inserts {
			if err := insertTransaction(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
		return nil
	case utils.IsUniqueViolation(err, leadChargeConstraint):
		return fmt.Errorf("%w: lead already charged", ErrIdempotencyViolation)
	case utils.IsUniqueViolation(err, ""), utils.IsRetryableTxError(err):
		return ErrConcurrencyConflict
	}
	return err
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t Transaction) error {
	q := `INSERT INTO wallet_transactions (` + txColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := tx.ExecContext(ctx, q,
		t.ID,
		t.UserID,
		t.Amount,
		t.RefundCreditUsed,
		t.Type,
		t.Status,
		t.FundingMethod,
		nullIfEmpty(t.ExternalTransactionID),
		t.BalanceAfter,
		nullIfEmpty(t.LeadID),
		t.Note,
		nullIfEmpty(t.IdempotencyKey),
		nullIfEmpty(t.RetryOf),
		t.Attempt,
		t.CreatedAt,
		t.UpdatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(r rowScanner) (Transaction, error) {
	var t Transaction
	var ext, lead, key, retryOf sql.NullString
	err := r.Scan(
		&t.ID,
		&t.UserID,
		&t.Amount,
		&t.RefundCreditUsed,
		&t.Type,
		&t.Status,
		&t.FundingMethod,
		&ext,
		&t.BalanceAfter,
		&lead,
		&t.Note,
		&key,
		&retryOf,
		&t.Attempt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	t.ExternalTransactionID = ext.String
	t.LeadID = lead.String
	t.IdempotencyKey = key.String
	t.RetryOf = retryOf.String
	return t, err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE id = $1`
	t, err := scanTransaction(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (Transaction, bool, error) {
	q := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE user_id = $1 AND idempotency_key = $2 LIMIT 1`
	t, err := scanTransaction(s.db.QueryRowContext(ctx, q, userID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return t, true, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, f Filter, offset, limit int) ([]Transaction, int, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", types)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.LeadID != "" {
		add("lead_id = $%d", f.LeadID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wallet_transactions WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf(`SELECT %s FROM wallet_transactions WHERE %s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		txColumns, cond, limit, offset)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out, err := collect(rows)
	return out, total, err
}

func (s *PostgresStore) ListRetryCandidates(ctx context.Context, q RetryQuery) ([]Transaction, error) {
	query := `
WITH candidates AS (
  SELECT ` + txColumns + `
  FROM wallet_transactions t
  WHERE t.created_at <= $1 AND t.created_at >= $2
    AND (
      (t.status = 'PENDING' AND t.type IN ('LEAD_ASSIGNMENT', 'ADD_FUNDS'))
      OR (t.status = 'FAILED' AND t.type = 'ADD_FUNDS' AND t.funding_method = 'CARD'
          AND t.attempt < $3
          AND NOT EXISTS (SELECT 1 FROM wallet_transactions r WHERE r.retry_of = t.id))
    )
), users AS (
  SELECT user_id FROM candidates GROUP BY user_id ORDER BY MIN(created_at) LIMIT $4
)
SELECT ` + txColumns + `
FROM candidates
WHERE user_id IN (SELECT user_id FROM users)
ORDER BY user_id, created_at
`
	rows, err := s.db.QueryContext(ctx, query, q.OlderThan, q.NewerThan, q.MaxAttempts, q.MaxUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (s *PostgresStore) HasSuccessor(ctx context.Context, txID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM wallet_transactions WHERE retry_of = $1)`, txID).Scan(&ok)
	return ok, err
}

func collect(rows *sql.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePaymentMethod(ctx context.Context, pm PaymentMethod) error {
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if pm.IsDefault {
			if _, err := tx.ExecContext(ctx,
				`UPDATE payment_methods SET is_default = false WHERE user_id = $1 AND id <> $2`,
				pm.UserID, pm.ID); err != nil {
				return err
			}
		}
		const q = `
INSERT INTO payment_methods (id, user_id, vault_id, brand, last4, exp_month, exp_year, is_default, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE SET is_default = EXCLUDED.is_default
`
		_, err := tx.ExecContext(ctx, q, pm.ID, pm.UserID, pm.VaultID, pm.Brand, pm.Last4,
			pm.ExpMonth, pm.ExpYear, pm.IsDefault, pm.CreatedAt)
		return err
	})
}

func (s *PostgresStore) DeletePaymentMethod(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM payment_methods WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveAutoTopUp(ctx context.Context, userID string, a AutoTopUp) error {
	const q = `
UPDATE wallets
SET auto_top_up_enabled = $1, auto_top_up_threshold = $2, auto_top_up_amount = $3,
    auto_top_up_payment_mode = $4, updated_at = $5
WHERE user_id = $6
`
	res, err := s.db.ExecContext(ctx, q, a.Enabled, a.Threshold, a.Amount, a.PaymentMode, time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
