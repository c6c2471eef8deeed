package reporting

import (
	"context"
	"time"

	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/wallet"
)

const pageSize = 500

// StoreRepo reads reports straight from the wallet and lead stores.
type StoreRepo struct {
	Wallets wallet.Store
	LeadDB  leads.Repository
}

func (r StoreRepo) Wallet(ctx context.Context, userID string) (wallet.Wallet, error) {
	return r.Wallets.GetWallet(ctx, userID)
}

func (r StoreRepo) Transactions(ctx context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error) {
	f := wallet.Filter{From: from}
	if !to.IsZero() {
		// Filter.To is inclusive; report ranges are half-open.
		f.To = to.Add(-time.Nanosecond)
	}
	var out []wallet.Transaction
	for offset := 0; ; offset += pageSize {
		page, total, err := r.Wallets.ListTransactions(ctx, userID, f, offset, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) == 0 || offset+len(page) >= total {
			return out, nil
		}
	}
}

func (r StoreRepo) Leads(ctx context.Context, userID string, from, to time.Time) ([]leads.Lead, error) {
	var out []leads.Lead
	for offset := 0; ; offset += pageSize {
		page, total, err := r.LeadDB.ListByUser(ctx, userID, offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, l := range page {
			if inRange(l.CreatedAt, from, to) {
				out = append(out, l)
			}
		}
		if len(page) == 0 || offset+len(page) >= total {
			return out, nil
		}
	}
}
