package leads

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryRepo_TransitionReturnIsCompareAndSwap(t *testing.T) {
	r := NewMemoryRepo()
	ctx := context.Background()
	if err := r.Create(ctx, Lead{ID: "l1", UserID: "u1", ReturnStatus: ReturnNotReturned}); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	l, ok, err := r.TransitionReturn(ctx, "l1", ReturnNotReturned, ReturnPending, ReturnUpdate{Reason: "bad phone", At: at})
	if err != nil || !ok {
		t.Fatalf("expected transition, got ok=%v err=%v", ok, err)
	}
	if l.ReturnStatus != ReturnPending || l.ReturnReason != "bad phone" {
		t.Fatalf("unexpected lead: %+v", l)
	}

	if _, ok, err := r.TransitionReturn(ctx, "l1", ReturnNotReturned, ReturnPending, ReturnUpdate{At: at}); err != nil || ok {
		t.Fatalf("stale transition must not apply, got ok=%v err=%v", ok, err)
	}

	l, ok, _ = r.TransitionReturn(ctx, "l1", ReturnPending, ReturnApproved, ReturnUpdate{RefundTransactionID: "tx-r", At: at})
	if !ok || l.ReturnedAt == nil || l.RefundTransactionID != "tx-r" || l.ReturnReason != "bad phone" {
		t.Fatalf("unexpected approved lead: %+v", l)
	}

	if _, _, err := r.TransitionReturn(ctx, "missing", ReturnPending, ReturnApproved, ReturnUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_CreateErrFiresOnce(t *testing.T) {
	r := NewMemoryRepo()
	boom := errors.New("boom")
	r.CreateErr = boom
	if err := r.Create(context.Background(), Lead{ID: "l1"}); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if err := r.Create(context.Background(), Lead{ID: "l1"}); err != nil {
		t.Fatalf("second create: %v", err)
	}
	if err := r.Create(context.Background(), Lead{ID: "l1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}
