package reporting

import (
	"context"
	"testing"
	"time"

	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestReporting_SpendSummaryAggregates(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	done := wallet.StatusCompleted
	repo.Ledger = []wallet.Transaction{
		{ID: "t1", UserID: "u1", Amount: d("100"), Type: wallet.TypeAddFunds, Status: done, FundingMethod: wallet.FundingBalance, CreatedAt: now},
		{ID: "t2", UserID: "u1", Amount: d("-10"), RefundCreditUsed: d("5"), Type: wallet.TypeLeadAssignment, Status: done, FundingMethod: wallet.FundingBalance, LeadID: "l1", CreatedAt: now},
		{ID: "t3", UserID: "u1", Amount: d("-20"), Type: wallet.TypeLeadAssignment, Status: done, FundingMethod: wallet.FundingCard, LeadID: "l2", CreatedAt: now},
		{ID: "t4", UserID: "u1", Amount: d("20"), Type: wallet.TypeAddFunds, Status: done, FundingMethod: wallet.FundingCard, LeadID: "l2", CreatedAt: now},
		{ID: "t5", UserID: "u1", Amount: d("50"), Type: wallet.TypeAddFunds, Status: done, FundingMethod: wallet.FundingCard, CreatedAt: now},
		{ID: "t6", UserID: "u1", Amount: d("15"), Type: wallet.TypeRefund, Status: done, FundingMethod: wallet.FundingBalance, LeadID: "l1", CreatedAt: now},
		{ID: "t7", UserID: "u1", Amount: decimal.Zero, Type: wallet.TypeLeadAssignment, Status: done, FundingMethod: wallet.FundingBalance, LeadID: "l3", CreatedAt: now},
		{ID: "t8", UserID: "u1", Amount: d("-7"), Type: wallet.TypeLeadAssignment, Status: wallet.StatusFailed, FundingMethod: wallet.FundingCard, CreatedAt: now},
		{ID: "t9", UserID: "u2", Amount: d("-99"), Type: wallet.TypeLeadAssignment, Status: done, FundingMethod: wallet.FundingBalance, CreatedAt: now},
		{ID: "t10", UserID: "u1", Amount: d("-3"), Type: wallet.TypeManualCharge, Status: done, FundingMethod: wallet.FundingBalance, CreatedAt: now.Add(-48 * time.Hour)},
	}
	repo.LeadRows = []leads.Lead{
		{ID: "l1", UserID: "u1", ReturnStatus: leads.ReturnApproved, CreatedAt: now},
		{ID: "l2", UserID: "u1", ReturnStatus: leads.ReturnNotReturned, CreatedAt: now},
	}
	svc := NewService(repo)

	out, err := svc.SpendSummary(context.Background(), SpendSummaryRequest{UserID: "u1", Range: TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.LeadsPurchased != 3 || out.FreeLeads != 1 {
		t.Fatalf("expected 3 leads (1 free), got %d (%d)", out.LeadsPurchased, out.FreeLeads)
	}
	if !out.LeadSpend.Equal(d("35")) {
		t.Fatalf("expected lead spend 35, got %s", out.LeadSpend)
	}
	if !out.BalanceSpend.Equal(d("10")) || !out.CardSpend.Equal(d("20")) || !out.RefundCredit.Equal(d("5")) {
		t.Fatalf("unexpected funding split: balance %s card %s credit %s", out.BalanceSpend, out.CardSpend, out.RefundCredit)
	}
	if !out.Deposits.Equal(d("100")) || !out.CardTopUps.Equal(d("50")) {
		t.Fatalf("unexpected credits: deposits %s top-ups %s", out.Deposits, out.CardTopUps)
	}
	if !out.Refunds.Equal(d("15")) || !out.ManualCharges.IsZero() {
		t.Fatalf("unexpected refunds %s / manual %s", out.Refunds, out.ManualCharges)
	}
	if !out.NetDelta.Equal(d("155")) {
		t.Fatalf("expected net 155, got %s", out.NetDelta)
	}
	if out.LeadsReturned != 1 {
		t.Fatalf("expected 1 returned lead, got %d", out.LeadsReturned)
	}
}

func TestReporting_SpendSummaryRejectsBadRange(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	now := time.Now()
	if _, err := svc.SpendSummary(context.Background(), SpendSummaryRequest{UserID: "u1", Range: TimeRange{From: now, To: now}}); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.SpendSummary(context.Background(), SpendSummaryRequest{Range: TimeRange{From: now, To: now.Add(time.Hour)}}); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestReporting_ReconcileAgainstStores(t *testing.T) {
	ctx := context.Background()
	store := wallet.NewMemoryStore()
	ledger := wallet.NewService(store, wallet.Options{Logger: logger.Discard()})
	leadRepo := leads.NewMemoryRepo()
	svc := NewService(StoreRepo{Wallets: store, LeadDB: leadRepo})

	if _, err := ledger.CreateWallet(ctx, "u1", ""); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if _, err := ledger.RecordTransaction(ctx, "u1", d("20"), wallet.TypeAddFunds, wallet.FundingBalance, wallet.RecordOptions{}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	charge, err := ledger.RecordTransaction(ctx, "u1", d("-15"), wallet.TypeLeadAssignment, wallet.FundingBalance, wallet.RecordOptions{LeadID: "l1", IdempotencyKey: "lead:l1"})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	leadRepo.Put(leads.Lead{ID: "l1", UserID: "u1", Cost: d("15"), TransactionID: charge.ID, ReturnStatus: leads.ReturnNotReturned, CreatedAt: charge.CreatedAt})

	rec, err := svc.Reconcile(ctx, "u1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rec.Consistent || !rec.Balance.Equal(d("5")) || !rec.LedgerSum.Equal(d("5")) {
		t.Fatalf("expected consistent wallet at 5, got %+v", rec)
	}

	// A charge whose lead was never written.
	if _, err := ledger.RecordTransaction(ctx, "u1", d("-2"), wallet.TypeLeadAssignment, wallet.FundingBalance, wallet.RecordOptions{LeadID: "l2", IdempotencyKey: "lead:l2"}); err != nil {
		t.Fatalf("charge l2: %v", err)
	}
	// A lead whose charge row is gone.
	leadRepo.Put(leads.Lead{ID: "l3", UserID: "u1", Cost: d("1"), TransactionID: "missing", CreatedAt: time.Now()})

	rec, err = svc.Reconcile(ctx, "u1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if rec.Consistent {
		t.Fatalf("expected inconsistency, got %+v", rec)
	}
	if len(rec.ChargesWithoutLead) != 1 || rec.ChargesWithoutLead[0] != "l2" {
		t.Fatalf("expected l2 without lead, got %v", rec.ChargesWithoutLead)
	}
	if len(rec.LeadsWithoutCharge) != 1 || rec.LeadsWithoutCharge[0] != "l3" {
		t.Fatalf("expected l3 without charge, got %v", rec.LeadsWithoutCharge)
	}
	if !rec.Drift.IsZero() {
		t.Fatalf("balance must still match the ledger, drift %s", rec.Drift)
	}
}

func TestReporting_ReconcileReportsDrift(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Wallets["u1"] = wallet.Wallet{UserID: "u1", Balance: d("12")}
	repo.Ledger = []wallet.Transaction{
		{ID: "t1", UserID: "u1", Amount: d("10"), Type: wallet.TypeAddFunds, Status: wallet.StatusCompleted},
		{ID: "t2", UserID: "u1", Amount: d("5"), Type: wallet.TypeAddFunds, Status: wallet.StatusPending},
	}
	rec, err := NewService(repo).Reconcile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rec.Drift.Equal(d("2")) || rec.Consistent {
		t.Fatalf("expected drift 2, got %+v", rec)
	}
	if len(rec.PendingTransactions) != 1 {
		t.Fatalf("expected 1 pending row, got %v", rec.PendingTransactions)
	}
}
