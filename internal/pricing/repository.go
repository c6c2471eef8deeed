package pricing

import (
	"context"
	"database/sql"
	"errors"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const campaignColumns = `id, user_id, name, bid_price, funding_policy, COALESCE(filter_set_id, ''), status, created_at, updated_at`

func scanCampaign(row *sql.Row) (Campaign, bool, error) {
	var c Campaign
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.BidPrice, &c.FundingPolicy, &c.FilterSetID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, false, nil
	}
	if err != nil {
		return Campaign{}, false, err
	}
	return c, true, nil
}

func (r *PostgresRepo) GetCampaign(ctx context.Context, id string) (Campaign, bool, error) {
	return scanCampaign(r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
}

func (r *PostgresRepo) FindByFilterSet(ctx context.Context, filterSetID string) (Campaign, bool, error) {
	const order = ` ORDER BY (status = 'active') DESC, updated_at DESC LIMIT 1`
	return scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE filter_set_id = $1`+order, filterSetID))
}
