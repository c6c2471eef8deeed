package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/gateway"
	"leadmarket-platform/internal/notify"
	"leadmarket-platform/internal/topup"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"
	"leadmarket-platform/pkg/utils"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	ledger *wallet.Service
	store  *wallet.MemoryStore
	gw     *gateway.MemoryGateway
	locker *utils.MemoryLocker
	topups *topup.Service
	audit  *audit.MemoryRepo
	sched  *Scheduler
	slept  []time.Duration
}

func newFixture(t *testing.T, users ...string) *fixture {
	t.Helper()
	f := &fixture{
		store:  wallet.NewMemoryStore(),
		gw:     gateway.NewMemoryGateway(),
		locker: utils.NewMemoryLocker(),
		audit:  audit.NewMemoryRepo(),
	}
	f.ledger = wallet.NewService(f.store, wallet.Options{Backoff: time.Millisecond, Logger: logger.Discard()})
	f.topups = topup.NewService(topup.Deps{
		Ledger:   f.ledger,
		Gateway:  f.gw,
		Locker:   f.locker,
		Notifier: &notify.Recorder{},
		Logger:   logger.Discard(),
	})
	f.sched = f.newScheduler(f.gw, Config{CallDelay: time.Second})
	for _, u := range users {
		f.addUser(t, u)
	}
	return f
}

func (f *fixture) newScheduler(gw gateway.Gateway, cfg Config) *Scheduler {
	s := NewScheduler(Deps{
		Ledger:  f.ledger,
		Gateway: gw,
		TopUps:  f.topups,
		Locker:  f.locker,
		Audit:   audit.NewService(f.audit),
		Logger:  logger.Discard(),
	}, cfg)
	// Rows are created "now"; run the scheduler an hour later so they are old enough.
	s.clock = func() time.Time { return time.Now().Add(time.Hour) }
	s.sleep = func(_ context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return s
}

func (f *fixture) addUser(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	vault := "vault-" + userID
	_, err := f.ledger.CreateWallet(ctx, userID, userID+"@example.com")
	require.NoError(t, err)
	_, err = f.ledger.RecordTransaction(ctx, userID, dec("8"), wallet.TypeAddFunds, wallet.FundingBalance, wallet.RecordOptions{})
	require.NoError(t, err)
	f.gw.AddVault(vault)
	_, err = f.ledger.AddPaymentMethod(ctx, userID, wallet.PaymentMethod{VaultID: vault, Brand: "visa", Last4: "1111"})
	require.NoError(t, err)
	_, err = f.ledger.UpdateAutoTopUp(ctx, userID, wallet.AutoTopUp{Enabled: true, Threshold: dec("10"), Amount: dec("50")})
	require.NoError(t, err)
}

// pendingTopUp leaves a PENDING card top-up behind. When captured is true the
// gateway holds the charge, otherwise it never saw it.
func (f *fixture) pendingTopUp(t *testing.T, userID string, captured bool) wallet.Transaction {
	t.Helper()
	ctx := context.Background()
	debit, err := f.ledger.RecordTransaction(ctx, userID, dec("-5"), wallet.TypeLeadAssignment, wallet.FundingBalance, wallet.RecordOptions{})
	require.NoError(t, err)

	f.gw.FailNext(1, captured)
	f.gw.DisableLookup(true)
	require.ErrorIs(t, f.topups.AfterDebit(ctx, debit), topup.ErrPending)
	f.gw.DisableLookup(false)

	rows := f.rows(userID, wallet.TypeAddFunds, wallet.FundingCard)
	require.Len(t, rows, 1)
	require.Equal(t, wallet.StatusPending, rows[0].Status)
	return rows[0]
}

// pendingLeadCharge leaves a PENDING card lead charge, optionally captured.
func (f *fixture) pendingLeadCharge(t *testing.T, userID, leadID string, captured bool) wallet.Transaction {
	t.Helper()
	ctx := context.Background()
	key := "lead:" + leadID + ":card"
	tx, err := f.ledger.RecordTransaction(ctx, userID, dec("-15"), wallet.TypeLeadAssignment, wallet.FundingCard, wallet.RecordOptions{
		Status:         wallet.StatusPending,
		LeadID:         leadID,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	if captured {
		_, err := f.gw.Charge(ctx, gateway.ChargeRequest{VaultID: "vault-" + userID, Amount: dec("15"), IdempotencyKey: key})
		require.NoError(t, err)
	}
	return tx
}

func (f *fixture) rows(userID string, typ wallet.TransactionType, funding wallet.FundingMethod) []wallet.Transaction {
	var out []wallet.Transaction
	for _, tx := range f.store.Transactions(userID) {
		if tx.Type == typ && tx.FundingMethod == funding {
			out = append(out, tx)
		}
	}
	return out
}

func (f *fixture) tx(t *testing.T, id string) wallet.Transaction {
	t.Helper()
	tx, err := f.ledger.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	snap, err := f.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return snap.Balance
}

func TestRunOnce_CompletesCapturedTopUp(t *testing.T) {
	f := newFixture(t, "u1")
	pending := f.pendingTopUp(t, "u1", true)
	charges := len(f.gw.Charges())

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, wallet.StatusCompleted, f.tx(t, pending.ID).Status)
	assert.True(t, f.balance(t, "u1").Equal(dec("53")), "balance %s", f.balance(t, "u1"))
	assert.Len(t, f.gw.Charges(), charges, "a captured charge must not be sent again")

	evs := f.audit.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, audit.EventTypeRetryResolution, evs[0].Type)
}

func TestRunOnce_ResubmitsTopUpTheGatewayNeverSaw(t *testing.T) {
	f := newFixture(t, "u1")
	pending := f.pendingTopUp(t, "u1", false)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Resubmitted)
	done := f.tx(t, pending.ID)
	assert.Equal(t, wallet.StatusCompleted, done.Status)
	assert.NotEmpty(t, done.ExternalTransactionID)
	assert.True(t, f.balance(t, "u1").Equal(dec("53")))
	assert.Len(t, f.rows("u1", wallet.TypeAddFunds, wallet.FundingCard), 1)
}

func TestRunOnce_RefundsLeadChargeCapturedWithoutLead(t *testing.T) {
	f := newFixture(t, "u1")
	pending := f.pendingLeadCharge(t, "u1", "lead-1", true)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Refunded)
	refunds := f.gw.Refunds()
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(dec("15")))
	assert.Equal(t, wallet.StatusFailed, f.tx(t, pending.ID).Status)
	assert.True(t, f.balance(t, "u1").Equal(dec("8")), "a refunded card charge never touches the balance")
}

func TestRunOnce_FailsLeadChargeTheGatewayNeverSaw(t *testing.T) {
	f := newFixture(t, "u1")
	pending := f.pendingLeadCharge(t, "u1", "lead-1", false)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, f.gw.Refunds())
	assert.Empty(t, f.gw.Charges())
	assert.Equal(t, wallet.StatusFailed, f.tx(t, pending.ID).Status)
}

func TestRunOnce_RetriesFailedTopUp(t *testing.T) {
	f := newFixture(t, "u1")
	ctx := context.Background()
	debit, err := f.ledger.RecordTransaction(ctx, "u1", dec("-5"), wallet.TypeLeadAssignment, wallet.FundingBalance, wallet.RecordOptions{})
	require.NoError(t, err)

	declining := gateway.NewMemoryGateway()
	declining.DeclineVault("vault-u1", "Do not honor")
	declineTopUps := topup.NewService(topup.Deps{Ledger: f.ledger, Gateway: declining, Locker: f.locker, Logger: logger.Discard()})
	require.ErrorIs(t, declineTopUps.AfterDebit(ctx, debit), topup.ErrDeclined)
	failed := f.rows("u1", wallet.TypeAddFunds, wallet.FundingCard)[0]
	require.Equal(t, wallet.StatusFailed, failed.Status)

	report, err := f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	cards := f.rows("u1", wallet.TypeAddFunds, wallet.FundingCard)
	require.Len(t, cards, 2)
	assert.Equal(t, failed.ID, cards[1].RetryOf)
	assert.Equal(t, wallet.StatusCompleted, cards[1].Status)
	assert.True(t, f.balance(t, "u1").Equal(dec("53")))

	// The failed row now has a successor and is not picked up again.
	report, err = f.sched.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Rows)
}

func TestRunOnce_OverlappingRunIsSkipped(t *testing.T) {
	f := newFixture(t, "u1")
	f.pendingTopUp(t, "u1", true)

	f.sched.running.Store(true)
	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, report.Rows)

	f.sched.running.Store(false)
	report, err = f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Completed)
}

func TestRunOnce_SkipsWhenAnotherInstanceHoldsTheLock(t *testing.T) {
	f := newFixture(t, "u1")
	f.pendingTopUp(t, "u1", true)

	_, ok, err := f.locker.TryLock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

// lookupFails errors Lookup for one key and delegates everything else.
type lookupFails struct {
	*gateway.MemoryGateway
	key string
}

func (g lookupFails) Lookup(ctx context.Context, key string) (gateway.Result, bool, error) {
	if key == g.key {
		return gateway.Result{}, false, errors.New("boom")
	}
	return g.MemoryGateway.Lookup(ctx, key)
}

func TestRunOnce_OneUsersFailureDoesNotStopTheRun(t *testing.T) {
	f := newFixture(t, "u1", "u2")
	bad := f.pendingLeadCharge(t, "u1", "lead-1", true)
	good := f.pendingTopUp(t, "u2", true)
	f.sched = f.newScheduler(lookupFails{MemoryGateway: f.gw, key: bad.IdempotencyKey}, Config{CallDelay: time.Second})

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Users)
	assert.Equal(t, 1, report.Errors)
	assert.Equal(t, wallet.StatusPending, f.tx(t, bad.ID).Status)
	assert.Equal(t, wallet.StatusCompleted, f.tx(t, good.ID).Status)
	assert.Equal(t, []time.Duration{time.Second}, f.slept, "calls are spaced by the configured delay")
}

func TestRunOnce_IgnoresRowsOutsideTheWindow(t *testing.T) {
	f := newFixture(t, "u1")
	f.pendingTopUp(t, "u1", true)
	f.sched.clock = time.Now

	report, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Rows, "rows younger than the minimum age are left alone")
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	f := newFixture(t)
	s := f.newScheduler(f.gw, Config{Schedule: "not a schedule"})
	require.Error(t, s.Start())
}
