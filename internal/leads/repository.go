package leads

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"leadmarket-platform/pkg/utils"
)

// Repository persists leads.
type Repository interface {
	Create(ctx context.Context, l Lead) error
	Get(ctx context.Context, id string) (Lead, error)
	ListByUser(ctx context.Context, userID string, offset, limit int) ([]Lead, int, error)

	// TransitionReturn moves the return status from -> to only if the stored
	// status still equals from. ok=false (no error) means the lead moved on.
	TransitionReturn(ctx context.Context, id string, from, to ReturnStatus, u ReturnUpdate) (Lead, bool, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const leadColumns = `id, campaign_id, user_id, source, first_name, last_name, email, phone,
  address, city, state, zip, cost, original_cost, transaction_id, return_status, return_reason,
  refund_transaction_id, returned_at, created_at, updated_at`

func (r *PostgresRepo) Create(ctx context.Context, l Lead) error {
	q := `INSERT INTO leads (` + leadColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`
	_, err := r.db.ExecContext(ctx, q,
		l.ID, l.CampaignID, l.UserID, l.Source,
		l.FirstName, l.LastName, l.Email, l.Phone,
		l.Address, l.City, l.State, l.Zip,
		l.Cost, l.OriginalCost, l.TransactionID, l.ReturnStatus, l.ReturnReason,
		l.RefundTransactionID, l.ReturnedAt, l.CreatedAt, l.UpdatedAt,
	)
	if utils.IsUniqueViolation(err, "") {
		return ErrAlreadyExists
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(s rowScanner) (Lead, error) {
	var l Lead
	var returnedAt sql.NullTime
	err := s.Scan(
		&l.ID, &l.CampaignID, &l.UserID, &l.Source,
		&l.FirstName, &l.LastName, &l.Email, &l.Phone,
		&l.Address, &l.City, &l.State, &l.Zip,
		&l.Cost, &l.OriginalCost, &l.TransactionID, &l.ReturnStatus, &l.ReturnReason,
		&l.RefundTransactionID, &returnedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if returnedAt.Valid {
		at := returnedAt.Time
		l.ReturnedAt = &at
	}
	return l, err
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (Lead, error) {
	l, err := scanLead(r.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Lead{}, ErrNotFound
	}
	return l, err
}

func (r *PostgresRepo) ListByUser(ctx context.Context, userID string, offset, limit int) ([]Lead, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}

func (r *PostgresRepo) TransitionReturn(ctx context.Context, id string, from, to ReturnStatus, u ReturnUpdate) (Lead, bool, error) {
	var returnedAt *time.Time
	if to == ReturnApproved {
		at := u.At
		returnedAt = &at
	}
	q := `
UPDATE leads
SET return_status = $1,
    return_reason = CASE WHEN $2 = '' THEN return_reason ELSE $2 END,
    refund_transaction_id = CASE WHEN $3 = '' THEN refund_transaction_id ELSE $3 END,
    returned_at = COALESCE($4, returned_at),
    updated_at = $5
WHERE id = $6 AND return_status = $7
RETURNING ` + leadColumns
	l, err := scanLead(r.db.QueryRowContext(ctx, q, to, u.Reason, u.RefundTransactionID, returnedAt, u.At, id, from))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return Lead{}, false, gerr
		}
		return Lead{}, false, nil
	}
	if err != nil {
		return Lead{}, false, err
	}
	return l, true, nil
}
