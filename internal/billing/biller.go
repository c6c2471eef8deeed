package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/gateway"
	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/notify"
	"leadmarket-platform/internal/pricing"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFundsAndChargeFailed = errors.New("insufficient funds and card charge failed")
	ErrGatewayDeclined                  = errors.New("card charge declined")
	ErrGatewayUnreachable               = errors.New("card gateway unreachable, charge pending")
	ErrLeadNotPersisted                 = errors.New("lead could not be saved, charge reversed")
	// ErrLeadReversed closes a lead id whose charge was already compensated.
	ErrLeadReversed                     = errors.New("lead charge was reversed, lead id is closed")
)

// Ledger is the wallet surface billing needs.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (wallet.Snapshot, error)
	RecordTransaction(ctx context.Context, userID string, amount decimal.Decimal, typ wallet.TransactionType, funding wallet.FundingMethod, opts wallet.RecordOptions) (wallet.Transaction, error)
	CompletePending(ctx context.Context, txID, externalID string) (wallet.Transaction, error)
	FailPending(ctx context.Context, txID, note string) (wallet.Transaction, error)
	FindByKey(ctx context.Context, userID, key string) (wallet.Transaction, bool, error)
	RecordCardRefund(ctx context.Context, userID string, amount decimal.Decimal, leadID, externalID, key string) (wallet.Transaction, error)
}

type Quoter interface {
	QuoteLead(ctx context.Context, campaignID string) (pricing.Quote, error)
}

type LeadStore interface {
	Create(ctx context.Context, l leads.Lead) error
	Get(ctx context.Context, id string) (leads.Lead, error)
}

// TopUpTrigger runs after a successful balance debit.
type TopUpTrigger interface {
	AfterDebit(ctx context.Context, debit wallet.Transaction) error
}

type Deps struct {
	Ledger   Ledger
	Gateway  gateway.Gateway
	Leads    LeadStore
	Pricing  Quoter
	TopUp    TopUpTrigger
	Notifier notify.Notifier
	Audit    *audit.Service
	Logger   *slog.Logger
}

// Biller turns a delivered lead into exactly one charge and one lead row.
//
// Rules:
// - The ledger row (or its PENDING intent) exists before any gateway call.
// - No lock or DB transaction is held across a gateway round trip.
// - A lead row is written only after its charge is COMPLETED; if that write
//   fails, the charge is reversed.
type Biller struct {
	ledger   Ledger
	gw       gateway.Gateway
	leads    LeadStore
	pricing  Quoter
	topup    TopUpTrigger
	notifier notify.Notifier
	audit    *audit.Service
	log      *slog.Logger
	clock    func() time.Time

	bg sync.WaitGroup
}

func NewBiller(d Deps) *Biller {
	n := d.Notifier
	if n == nil {
		n = notify.Nop{}
	}
	return &Biller{
		ledger:   d.Ledger,
		gw:       d.Gateway,
		leads:    d.Leads,
		pricing:  d.Pricing,
		topup:    d.TopUp,
		notifier: n,
		audit:    d.Audit,
		log:      logger.OrDefault(d.Logger),
		clock:    time.Now,
	}
}

// Request describes one delivered lead.
type Request struct {
	CampaignID string
	// LeadID pins the lead id; replays with the same id are idempotent.
	LeadID  string
	Source  string
	Contact leads.Contact
	// BuyerID, when set, must own the campaign.
	BuyerID string
}

type Result struct {
	Lead        leads.Lead         `json:"lead"`
	Transaction wallet.Transaction `json:"transaction"`
	Decision    Decision           `json:"decision"`
	Replayed    bool               `json:"replayed,omitempty"`
}

// BillLead charges the campaign owner for one lead and persists it.
func (b *Biller) BillLead(ctx context.Context, req Request) (Result, error) {
	if req.CampaignID == "" {
		return Result{}, fmt.Errorf("%w: campaign id is required", wallet.ErrInvalidArgument)
	}
	q, err := b.pricing.QuoteLead(ctx, req.CampaignID)
	if err != nil {
		return Result{}, err
	}
	if req.BuyerID != "" && req.BuyerID != q.UserID {
		return Result{}, pricing.ErrPricingNotFound
	}
	leadID := req.LeadID
	if leadID == "" {
		leadID = uuid.NewString()
	}
	log := b.log.With("user_id", q.UserID, "lead_id", leadID, "campaign_id", q.CampaignID)

	if req.LeadID != "" {
		// A compensated lead id stays closed; its charge row would replay without a debit.
		if _, reversed, err := b.ledger.FindByKey(ctx, q.UserID, compensateKey(leadID)); err != nil {
			return Result{}, err
		} else if reversed {
			log.Warn("lead id already reversed, refusing redelivery")
			return Result{}, ErrLeadReversed
		}
	}

	snap, err := b.ledger.GetBalance(ctx, q.UserID)
	if err != nil {
		return Result{}, err
	}
	decision := Decide(q.FundingPolicy, q.Cost, snap)

	tx, decision, err := b.fund(ctx, q, snap, leadID, decision)
	leadCharges.WithLabelValues(string(decision), outcome(err)).Inc()
	if err != nil {
		log.Info("lead purchase rejected", "decision", decision, "cost", q.Cost.StringFixed(2), "err", err)
		return Result{}, err
	}

	lead := leads.Lead{
		ID:            leadID,
		CampaignID:    q.CampaignID,
		UserID:        q.UserID,
		Source:        req.Source,
		Cost:          q.Cost,
		OriginalCost:  decimal.NewNullDecimal(q.Cost),
		TransactionID: tx.ID,
		ReturnStatus:  leads.ReturnNotReturned,
		CreatedAt:     b.clock().UTC(),
	}
	lead.SetContact(req.Contact)
	lead.UpdatedAt = lead.CreatedAt

	if err := b.leads.Create(ctx, lead); err != nil {
		if errors.Is(err, leads.ErrAlreadyExists) {
			existing, gerr := b.leads.Get(ctx, leadID)
			if gerr == nil && existing.TransactionID == tx.ID {
				return Result{Lead: existing, Transaction: tx, Decision: decision, Replayed: true}, nil
			}
		}
		log.Error("lead persistence failed, reversing charge", "tx_id", tx.ID, "err", err)
		if cerr := b.compensate(ctx, tx, q); cerr != nil {
			log.Error("charge reversal failed", "tx_id", tx.ID, "err", cerr)
			return Result{}, errors.Join(fmt.Errorf("%w: %v", ErrLeadNotPersisted, err), cerr)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrLeadNotPersisted, err)
	}

	log.Info("lead purchased", "decision", decision, "tx_id", tx.ID, "cost", q.Cost.StringFixed(2))
	b.notifier.Notify(ctx, notify.Event{
		Kind:         notify.KindLeadPurchased,
		UserID:       q.UserID,
		Email:        snap.Email,
		CampaignName: q.CampaignName,
		Amount:       q.Cost,
		LeadID:       leadID,
	})
	if decision == DecisionBalance && b.topup != nil {
		b.afterDebit(ctx, tx)
	}
	return Result{Lead: lead, Transaction: tx, Decision: decision}, nil
}

func (b *Biller) afterDebit(ctx context.Context, tx wallet.Transaction) {
	bg := context.WithoutCancel(ctx)
	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		if err := b.topup.AfterDebit(bg, tx); err != nil {
			b.log.Warn("auto top-up did not complete", "user_id", tx.UserID, "tx_id", tx.ID, "err", err)
		}
	}()
}

// Wait blocks until background top-ups triggered by BillLead finish.
func (b *Biller) Wait() { b.bg.Wait() }

func chargeKey(leadID string) string { return "lead:" + leadID }

func compensateKey(leadID string) string { return "compensate:" + leadID }

// cardChargeKey is also the gateway order id for the lead's card charge.
func cardChargeKey(leadID string) string { return "lead:" + leadID + ":card" }

// fund moves the money for one lead according to decision.
func (b *Biller) fund(ctx context.Context, q pricing.Quote, snap wallet.Snapshot, leadID string, decision Decision) (wallet.Transaction, Decision, error) {
	switch decision {
	case DecisionFree:
		tx, err := b.ledger.RecordTransaction(ctx, q.UserID, decimal.Zero, wallet.TypeLeadAssignment, wallet.FundingBalance, wallet.RecordOptions{
			LeadID:         leadID,
			IdempotencyKey: chargeKey(leadID),
			Note:           "free lead",
		})
		return tx, decision, err

	case DecisionBalance:
		tx, err := b.ledger.RecordTransaction(ctx, q.UserID, q.Cost.Neg(), wallet.TypeLeadAssignment, wallet.FundingBalance, wallet.RecordOptions{
			LeadID:          leadID,
			IdempotencyKey:  chargeKey(leadID),
			UseRefundCredit: true,
			Note:            "lead: " + q.CampaignName,
		})
		if !errors.Is(err, wallet.ErrInsufficientFunds) {
			return tx, decision, err
		}
		// The balance moved under us. Re-decide once with a fresh snapshot.
		fresh, serr := b.ledger.GetBalance(ctx, q.UserID)
		if serr != nil {
			return wallet.Transaction{}, decision, serr
		}
		if Decide(q.FundingPolicy, q.Cost, fresh) != DecisionCard {
			b.lowBalance(ctx, q, fresh)
			return wallet.Transaction{}, DecisionReject, ErrInsufficientFundsAndChargeFailed
		}
		tx, err = b.chargeCard(ctx, q, fresh, leadID)
		return tx, DecisionCard, err

	case DecisionCard:
		tx, err := b.chargeCard(ctx, q, snap, leadID)
		return tx, decision, err
	}

	if q.FundingPolicy != pricing.FundingPayAsYouGo {
		b.lowBalance(ctx, q, snap)
	}
	return wallet.Transaction{}, DecisionReject, ErrInsufficientFundsAndChargeFailed
}

func (b *Biller) lowBalance(ctx context.Context, q pricing.Quote, snap wallet.Snapshot) {
	b.notifier.Notify(ctx, notify.Event{
		Kind:         notify.KindLowBalance,
		UserID:       q.UserID,
		Email:        snap.Email,
		CampaignName: q.CampaignName,
		Amount:       snap.Balance,
		Message:      fmt.Sprintf("balance %s is below the lead price %s", snap.Balance.StringFixed(2), q.Cost.StringFixed(2)),
	})
}

// chargeCard writes the PENDING intent, charges the default card and settles the row.
func (b *Biller) chargeCard(ctx context.Context, q pricing.Quote, snap wallet.Snapshot, leadID string) (wallet.Transaction, error) {
	if snap.DefaultPaymentMethod == nil {
		return wallet.Transaction{}, ErrInsufficientFundsAndChargeFailed
	}
	key := cardChargeKey(leadID)
	prior, seen, err := b.ledger.FindByKey(ctx, q.UserID, key)
	if err != nil {
		return wallet.Transaction{}, err
	}
	resumed := seen && prior.Status == wallet.StatusPending

	pending, err := b.ledger.RecordTransaction(ctx, q.UserID, q.Cost.Neg(), wallet.TypeLeadAssignment, wallet.FundingCard, wallet.RecordOptions{
		Status:         wallet.StatusPending,
		LeadID:         leadID,
		IdempotencyKey: key,
		Note:           "lead: " + q.CampaignName,
	})
	if err != nil {
		return wallet.Transaction{}, err
	}
	switch pending.Status {
	case wallet.StatusCompleted:
		return pending, nil
	case wallet.StatusFailed:
		return wallet.Transaction{}, b.declined(q, "previous attempt declined")
	}

	res, err := b.submit(ctx, q, snap.DefaultPaymentMethod.VaultID, key, resumed)
	if errors.Is(err, ErrGatewayUnreachable) {
		b.log.Warn("card charge outcome unknown, left pending", "user_id", q.UserID, "tx_id", pending.ID, "err", err)
		return wallet.Transaction{}, err
	}
	if err != nil {
		if _, ferr := b.ledger.FailPending(ctx, pending.ID, err.Error()); ferr != nil {
			b.log.Error("failed to close pending charge", "tx_id", pending.ID, "err", ferr)
		}
		return wallet.Transaction{}, err
	}
	if !res.Approved {
		if _, ferr := b.ledger.FailPending(ctx, pending.ID, "declined: "+res.Message); ferr != nil {
			b.log.Error("failed to close declined charge", "tx_id", pending.ID, "err", ferr)
		}
		b.notifier.Notify(ctx, notify.Event{
			Kind:         notify.KindChargeDeclined,
			UserID:       q.UserID,
			Email:        snap.Email,
			CampaignName: q.CampaignName,
			Amount:       q.Cost,
			LeadID:       leadID,
			Message:      res.Message,
		})
		if q.FundingPolicy != pricing.FundingPayAsYouGo {
			b.lowBalance(ctx, q, snap)
		}
		return wallet.Transaction{}, b.declined(q, res.Message)
	}

	done, err := b.ledger.CompletePending(ctx, pending.ID, res.ExternalTransactionID)
	if err != nil {
		// Captured at the gateway but not recorded; the retry scheduler finds the
		// PENDING row, sees the capture and refunds it.
		return wallet.Transaction{}, fmt.Errorf("record card charge: %w", err)
	}
	return done, nil
}

// submit sends the card charge for key. A resumed PENDING row is first resolved
// through Lookup; the gateway is charged again only when it never saw the key.
func (b *Biller) submit(ctx context.Context, q pricing.Quote, vaultID, key string, resumed bool) (gateway.Result, error) {
	if resumed {
		found, ok, err := b.gw.Lookup(ctx, key)
		if err != nil {
			return gateway.Result{}, fmt.Errorf("%w: lookup: %v", ErrGatewayUnreachable, err)
		}
		if ok {
			return found, nil
		}
	}
	res, err := b.gw.Charge(ctx, gateway.ChargeRequest{
		VaultID:        vaultID,
		Amount:         q.Cost,
		Description:    "Lead: " + q.CampaignName,
		IdempotencyKey: key,
	})
	if !errors.Is(err, gateway.ErrUnreachable) {
		return res, err
	}
	found, ok, lerr := b.gw.Lookup(ctx, key)
	if lerr != nil || !ok {
		return gateway.Result{}, fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	return found, nil
}

func (b *Biller) declined(q pricing.Quote, msg string) error {
	if q.FundingPolicy == pricing.FundingPayAsYouGo {
		return fmt.Errorf("%w: %s", ErrGatewayDeclined, msg)
	}
	return fmt.Errorf("%w: %w: %s", ErrInsufficientFundsAndChargeFailed, ErrGatewayDeclined, msg)
}

// compensate reverses a completed charge whose lead could not be saved.
func (b *Biller) compensate(ctx context.Context, tx wallet.Transaction, q pricing.Quote) error {
	amount := tx.Gross().Neg()
	if !amount.IsPositive() {
		return nil
	}
	key := compensateKey(tx.LeadID)
	funding := string(tx.FundingMethod)

	if tx.FundingMethod == wallet.FundingCard && tx.ExternalTransactionID != "" {
		res, err := b.gw.Refund(ctx, tx.ExternalTransactionID, amount)
		if err == nil && res.Approved {
			if _, err := b.ledger.RecordCardRefund(ctx, tx.UserID, amount, tx.LeadID, res.ExternalTransactionID, key); err != nil {
				compensations.WithLabelValues(funding, "error").Inc()
				return err
			}
			compensations.WithLabelValues(funding, "card_refund").Inc()
			b.compensated(ctx, tx, q, amount, "refunded to card")
			return nil
		}
		b.log.Warn("card refund failed, crediting balance instead", "tx_id", tx.ID, "err", err, "message", res.Message)
	}

	if _, err := b.ledger.RecordTransaction(ctx, tx.UserID, amount, wallet.TypeRefund, wallet.FundingBalance, wallet.RecordOptions{
		LeadID:         tx.LeadID,
		IdempotencyKey: key,
		Note:           "lead could not be saved",
	}); err != nil {
		compensations.WithLabelValues(funding, "error").Inc()
		return err
	}
	compensations.WithLabelValues(funding, "balance_credit").Inc()
	b.compensated(ctx, tx, q, amount, "credited to balance")
	return nil
}

func (b *Biller) compensated(ctx context.Context, tx wallet.Transaction, q pricing.Quote, amount decimal.Decimal, how string) {
	msg := fmt.Sprintf("lead charge %s reversed, %s %s", tx.ID, amount.StringFixed(2), how)
	if b.audit != nil {
		if err := b.audit.LogSystem(ctx, audit.EventTypeCompensation, tx.UserID, tx.LeadID, tx.ID, msg); err != nil {
			b.log.Warn("audit append failed", "err", err)
		}
	}
	b.notifier.Notify(ctx, notify.Event{
		Kind:         notify.KindChargeCompensated,
		UserID:       tx.UserID,
		CampaignName: q.CampaignName,
		Amount:       amount,
		LeadID:       tx.LeadID,
		Message:      msg,
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "charged"
	case errors.Is(err, ErrGatewayUnreachable):
		return "pending"
	case errors.Is(err, ErrGatewayDeclined):
		return "declined"
	case errors.Is(err, ErrInsufficientFundsAndChargeFailed):
		return "insufficient"
	}
	return "error"
}
