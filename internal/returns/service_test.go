package returns

import (
	"context"
	"sync"
	"testing"
	"time"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/notify"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var admin = audit.Actor{UserID: "admin-1", Role: "admin"}

type fixture struct {
	ledger *wallet.Service
	store  *wallet.MemoryStore
	leads  *leads.MemoryRepo
	rec    *notify.Recorder
	audit  *audit.MemoryRepo
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: wallet.NewMemoryStore(),
		leads: leads.NewMemoryRepo(),
		rec:   &notify.Recorder{},
		audit: audit.NewMemoryRepo(),
	}
	f.ledger = wallet.NewService(f.store, wallet.Options{Backoff: time.Millisecond, Logger: logger.Discard()})
	f.svc = f.newService(f.leads)

	ctx := context.Background()
	_, err := f.ledger.CreateWallet(ctx, "u1", "buyer@example.com")
	require.NoError(t, err)
	_, err = f.ledger.RecordTransaction(ctx, "u1", dec("20"), wallet.TypeAddFunds, wallet.FundingBalance, wallet.RecordOptions{})
	require.NoError(t, err)
	return f
}

func (f *fixture) newService(store LeadStore) *Service {
	return NewService(Deps{
		Ledger:   f.ledger,
		Leads:    store,
		Notifier: f.rec,
		Audit:    audit.NewService(f.audit),
		Logger:   logger.Discard(),
	})
}

// purchase books a lead charge and stores the lead. legacy drops the fields
// newer leads carry so the fallback lookups are exercised.
func (f *fixture) purchase(t *testing.T, leadID, cost string, withLeadID, legacy bool) leads.Lead {
	t.Helper()
	opts := wallet.RecordOptions{}
	if withLeadID {
		opts.LeadID = leadID
	}
	tx, err := f.ledger.RecordTransaction(context.Background(), "u1", dec(cost).Neg(), wallet.TypeLeadAssignment, wallet.FundingBalance, opts)
	require.NoError(t, err)

	l := leads.Lead{
		ID:           leadID,
		CampaignID:   "c1",
		UserID:       "u1",
		Cost:         dec(cost),
		ReturnStatus: leads.ReturnNotReturned,
		CreatedAt:    tx.CreatedAt,
		UpdatedAt:    tx.CreatedAt,
	}
	if !legacy {
		l.OriginalCost = decimal.NewNullDecimal(dec(cost))
		l.TransactionID = tx.ID
	}
	f.leads.Put(l)
	return l
}

func (f *fixture) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	snap, err := f.ledger.GetBalance(context.Background(), "u1")
	require.NoError(t, err)
	return snap.Balance
}

func (f *fixture) refunds() []wallet.Transaction {
	var out []wallet.Transaction
	for _, tx := range f.store.Transactions("u1") {
		if tx.Type == wallet.TypeRefund {
			out = append(out, tx)
		}
	}
	return out
}

func (f *fixture) request(t *testing.T, leadID string) {
	t.Helper()
	_, err := f.svc.RequestReturn(context.Background(), leadID, "u1", "bad phone number")
	require.NoError(t, err)
}

func TestApproveReturn_RefundsOriginalCostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.purchase(t, "lead-1", "15", true, false)
	// The campaign price changed after purchase; the refund still uses what was paid.
	l.Cost = dec("25")
	f.leads.Put(l)
	require.True(t, f.balance(t).Equal(dec("5")))

	f.request(t, "lead-1")
	got, err := f.leads.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, leads.ReturnPending, got.ReturnStatus)

	approved, err := f.svc.ApproveReturn(ctx, "lead-1", admin)
	require.NoError(t, err)
	assert.Equal(t, leads.ReturnApproved, approved.ReturnStatus)
	assert.NotNil(t, approved.ReturnedAt)
	assert.True(t, f.balance(t).Equal(dec("20")), "balance %s", f.balance(t))

	refunds := f.refunds()
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(dec("15")))
	assert.Equal(t, approved.RefundTransactionID, refunds[0].ID)
	assert.Equal(t, "return:lead-1", refunds[0].IdempotencyKey)

	_, err = f.svc.ApproveReturn(ctx, "lead-1", admin)
	assert.ErrorIs(t, err, ErrAlreadyApproved)
	assert.Len(t, f.refunds(), 1)
	assert.True(t, f.balance(t).Equal(dec("20")))

	assert.Equal(t, []notify.Kind{notify.KindReturnApproved}, f.rec.Kinds())
	evs := f.audit.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, audit.EventTypeReturnDecision, evs[0].Type)
	assert.Equal(t, "admin-1", evs[0].ActorUserID)
}

func TestApproveReturn_ConcurrentApprovalsCreditOnce(t *testing.T) {
	f := newFixture(t)
	f.purchase(t, "lead-1", "15", true, false)
	f.request(t, "lead-1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, dupe int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ApproveReturn(context.Background(), "lead-1", admin)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, ErrAlreadyApproved):
				dupe++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, dupe)
	assert.Len(t, f.refunds(), 1)
	assert.True(t, f.balance(t).Equal(dec("20")))
}

func TestRequestReturn_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "lead-1", "15", true, false)

	_, err := f.svc.RequestReturn(ctx, "lead-1", "u1", "  ")
	assert.ErrorIs(t, err, wallet.ErrInvalidArgument)

	_, err = f.svc.RequestReturn(ctx, "lead-1", "someone-else", "bad lead")
	assert.ErrorIs(t, err, leads.ErrNotFound)

	_, err = f.svc.RequestReturn(ctx, "missing", "u1", "bad lead")
	assert.ErrorIs(t, err, leads.ErrNotFound)

	f.request(t, "lead-1")
	_, err = f.svc.RequestReturn(ctx, "lead-1", "u1", "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApproveReturn_RequiresPendingReturn(t *testing.T) {
	f := newFixture(t)
	f.purchase(t, "lead-1", "15", true, false)

	_, err := f.svc.ApproveReturn(context.Background(), "lead-1", admin)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, f.refunds())
}

func TestRejectReturn_MovesNoMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "lead-1", "15", true, false)
	f.request(t, "lead-1")

	rejected, err := f.svc.RejectReturn(ctx, "lead-1", admin, "lead was valid")
	require.NoError(t, err)
	assert.Equal(t, leads.ReturnRejected, rejected.ReturnStatus)
	assert.Equal(t, "lead was valid", rejected.ReturnReason)
	assert.Empty(t, f.refunds())
	assert.True(t, f.balance(t).Equal(dec("5")))

	_, err = f.svc.ApproveReturn(ctx, "lead-1", admin)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, []notify.Kind{notify.KindReturnRejected}, f.rec.Kinds())
}

func TestDirectReturn_RequestsAndApproves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "lead-1", "15", true, false)

	out, err := f.svc.DirectReturn(ctx, "lead-1", admin, "")
	require.NoError(t, err)
	assert.Equal(t, leads.ReturnApproved, out.ReturnStatus)
	assert.Equal(t, "returned by admin", out.ReturnReason)
	assert.True(t, f.balance(t).Equal(dec("20")))

	_, err = f.svc.DirectReturn(ctx, "lead-1", admin, "")
	assert.ErrorIs(t, err, ErrAlreadyApproved)
	assert.Len(t, f.refunds(), 1)
}

func TestApproveReturn_LegacyLeadResolvedByLeadID(t *testing.T) {
	f := newFixture(t)
	f.purchase(t, "lead-1", "15", true, true)
	f.request(t, "lead-1")

	_, err := f.svc.ApproveReturn(context.Background(), "lead-1", admin)
	require.NoError(t, err)
	require.Len(t, f.refunds(), 1)
	assert.True(t, f.refunds()[0].Amount.Equal(dec("15")))
}

func TestApproveReturn_LegacyLeadResolvedByTimeWindow(t *testing.T) {
	f := newFixture(t)
	f.purchase(t, "lead-1", "15", false, true)
	f.request(t, "lead-1")

	_, err := f.svc.ApproveReturn(context.Background(), "lead-1", admin)
	require.NoError(t, err)
	assert.True(t, f.balance(t).Equal(dec("20")))
}

func TestApproveReturn_AmbiguousChargeIsUnreconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.purchase(t, "lead-1", "5", false, true)
	f.purchase(t, "lead-2", "5", false, true)
	f.request(t, "lead-1")

	_, err := f.svc.ApproveReturn(ctx, "lead-1", admin)
	require.ErrorIs(t, err, ErrUnreconciledRefund)
	assert.Empty(t, f.refunds())

	got, err := f.leads.Get(ctx, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, leads.ReturnPending, got.ReturnStatus, "nothing changes until an admin resolves it")

	evs := f.audit.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, audit.EventTypeUnreconciled, evs[0].Type)
}

func TestApproveReturn_NoChargeIsUnreconciled(t *testing.T) {
	f := newFixture(t)
	f.leads.Put(leads.Lead{ID: "lead-9", UserID: "u1", Cost: dec("15"), ReturnStatus: leads.ReturnPending, CreatedAt: time.Now()})

	_, err := f.svc.ApproveReturn(context.Background(), "lead-9", admin)
	assert.ErrorIs(t, err, ErrUnreconciledRefund)
	assert.Empty(t, f.refunds())
}

// rejectsFirst rejects the lead just before the approval's CAS runs.
type rejectsFirst struct {
	*leads.MemoryRepo
}

func (r rejectsFirst) TransitionReturn(ctx context.Context, id string, from, to leads.ReturnStatus, u leads.ReturnUpdate) (leads.Lead, bool, error) {
	if to == leads.ReturnApproved {
		if _, _, err := r.MemoryRepo.TransitionReturn(ctx, id, leads.ReturnPending, leads.ReturnRejected, leads.ReturnUpdate{At: u.At}); err != nil {
			return leads.Lead{}, false, err
		}
	}
	return r.MemoryRepo.TransitionReturn(ctx, id, from, to, u)
}

func TestApproveReturn_ReversesCreditWhenLeadMovedOn(t *testing.T) {
	f := newFixture(t)
	f.purchase(t, "lead-1", "15", true, false)
	f.request(t, "lead-1")
	svc := f.newService(rejectsFirst{f.leads})

	_, err := svc.ApproveReturn(context.Background(), "lead-1", admin)
	require.ErrorIs(t, err, ErrInvalidTransition)

	assert.True(t, f.balance(t).Equal(dec("5")), "balance %s", f.balance(t))
	var reversal *wallet.Transaction
	for _, tx := range f.store.Transactions("u1") {
		if tx.Type == wallet.TypeManualCharge {
			reversal = &tx
		}
	}
	require.NotNil(t, reversal)
	assert.True(t, reversal.Amount.Equal(dec("-15")))
}
