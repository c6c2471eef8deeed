package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/gateway"
	"leadmarket-platform/internal/topup"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"
	"leadmarket-platform/pkg/utils"

	"github.com/robfig/cron/v3"
)

const lockKey = "retry-scheduler"

// Ledger is the wallet surface the scheduler needs.
type Ledger interface {
	ListRetryCandidates(ctx context.Context, q wallet.RetryQuery) ([]wallet.Transaction, error)
	CompletePending(ctx context.Context, txID, externalID string) (wallet.Transaction, error)
	FailPending(ctx context.Context, txID, note string) (wallet.Transaction, error)
}

// TopUps re-drives card top-ups.
type TopUps interface {
	Retry(ctx context.Context, failed wallet.Transaction) error
	Resubmit(ctx context.Context, pending wallet.Transaction) error
}

type Config struct {
	Schedule    string
	MinAge      time.Duration
	MaxAge      time.Duration
	MaxUsers    int
	CallDelay   time.Duration
	MaxAttempts int
	LockTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "@every 12h"
	}
	if c.MinAge <= 0 {
		c.MinAge = 15 * time.Minute
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.MaxUsers <= 0 {
		c.MaxUsers = 50
	}
	if c.CallDelay < 0 {
		c.CallDelay = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 6 * time.Hour
	}
	return c
}

type Deps struct {
	Ledger  Ledger
	Gateway gateway.Gateway
	TopUps  TopUps
	Locker  utils.Locker
	Audit   *audit.Service
	Logger  *slog.Logger
}

// Scheduler resolves PENDING charges and retries FAILED top-ups.
//
// Rules:
// - Runs never overlap: a second run while one is active is skipped, not queued.
// - A PENDING row is always resolved through Lookup before anything is resubmitted.
// - A charge captured for a lead that was never created is refunded, not kept.
// - One user's failure does not stop the run.
type Scheduler struct {
	ledger Ledger
	gw     gateway.Gateway
	topups TopUps
	locker utils.Locker
	audit  *audit.Service
	cfg    Config
	log    *slog.Logger
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	running atomic.Bool
	cron    *cron.Cron
}

func NewScheduler(d Deps, cfg Config) *Scheduler {
	if d.Locker == nil {
		d.Locker = utils.NewMemoryLocker()
	}
	return &Scheduler{
		ledger: d.Ledger,
		gw:     d.Gateway,
		topups: d.TopUps,
		locker: d.Locker,
		audit:  d.Audit,
		cfg:    cfg.withDefaults(),
		log:    logger.OrDefault(d.Logger),
		clock:  time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RunReport summarizes one run.
type RunReport struct {
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Skipped     bool      `json:"skipped"`
	Users       int       `json:"users"`
	Rows        int       `json:"rows"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Refunded    int       `json:"refunded"`
	Resubmitted int       `json:"resubmitted"`
	Retried     int       `json:"retried"`
	Errors      int       `json:"errors"`
}

// Start schedules RunOnce on the configured interval.
func (s *Scheduler) Start() error {
	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.log.Error("retry run failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retry job %q: %w", s.cfg.Schedule, err)
	}
	s.cron = c
	c.Start()
	s.log.Info("retry scheduler started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop stops scheduling and waits for a running job, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce performs one scheduler pass.
func (s *Scheduler) RunOnce(ctx context.Context) (RunReport, error) {
	report := RunReport{StartedAt: s.clock().UTC()}
	if !s.running.CompareAndSwap(false, true) {
		s.log.Info("retry run skipped, previous run still active")
		runs.WithLabelValues("skipped").Inc()
		report.Skipped = true
		report.FinishedAt = report.StartedAt
		return report, nil
	}
	defer s.running.Store(false)

	unlock, ok, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
	if err != nil {
		runs.WithLabelValues("error").Inc()
		return report, fmt.Errorf("acquire retry lock: %w", err)
	}
	if !ok {
		s.log.Info("retry run skipped, another instance holds the lock")
		runs.WithLabelValues("skipped").Inc()
		report.Skipped = true
		report.FinishedAt = s.clock().UTC()
		return report, nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("retry lock release failed", "err", err)
		}
	}()

	now := s.clock().UTC()
	rows, err := s.ledger.ListRetryCandidates(ctx, wallet.RetryQuery{
		OlderThan:   now.Add(-s.cfg.MinAge),
		NewerThan:   now.Add(-s.cfg.MaxAge),
		MaxUsers:    s.cfg.MaxUsers,
		MaxAttempts: s.cfg.MaxAttempts,
	})
	if err != nil {
		runs.WithLabelValues("error").Inc()
		return report, fmt.Errorf("list retry candidates: %w", err)
	}

	first := true
	for _, group := range groupByUser(rows) {
		if ctx.Err() != nil {
			break
		}
		report.Users++
		if err := s.processUser(ctx, group, &report, &first); err != nil {
			report.Errors++
			s.log.Error("retry failed for user", "user_id", group[0].UserID, "err", err)
		}
	}

	report.FinishedAt = s.clock().UTC()
	runs.WithLabelValues("completed").Inc()
	s.log.Info("retry run finished",
		"users", report.Users, "rows", report.Rows, "completed", report.Completed,
		"failed", report.Failed, "refunded", report.Refunded, "resubmitted", report.Resubmitted,
		"retried", report.Retried, "errors", report.Errors)
	return report, ctx.Err()
}

func groupByUser(rows []wallet.Transaction) [][]wallet.Transaction {
	var out [][]wallet.Transaction
	idx := map[string]int{}
	for _, tx := range rows {
		i, ok := idx[tx.UserID]
		if !ok {
			i = len(out)
			idx[tx.UserID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], tx)
	}
	return out
}

// processUser handles one user's rows in order. A panic is contained here.
func (s *Scheduler) processUser(ctx context.Context, rows []wallet.Transaction, report *RunReport, first *bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	for _, tx := range rows {
		if !*first {
			if err := s.sleep(ctx, s.cfg.CallDelay); err != nil {
				return err
			}
		}
		*first = false
		report.Rows++
		if err := s.processRow(ctx, tx, report); err != nil {
			return fmt.Errorf("tx %s: %w", tx.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) processRow(ctx context.Context, tx wallet.Transaction, report *RunReport) error {
	if tx.Status == wallet.StatusFailed {
		err := s.topups.Retry(ctx, tx)
		report.Retried++
		rowsHandled.WithLabelValues("retried").Inc()
		return ignoreOutcome(err)
	}

	res, found, err := s.gw.Lookup(ctx, tx.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("lookup: %w", err)
	}

	switch {
	case found && res.Approved && tx.Type == wallet.TypeAddFunds:
		if _, err := s.ledger.CompletePending(ctx, tx.ID, res.ExternalTransactionID); err != nil {
			return err
		}
		report.Completed++
		rowsHandled.WithLabelValues("completed").Inc()
		s.record(ctx, tx, "captured top-up completed")

	case found && res.Approved:
		// A lead charge that is still PENDING never produced a lead.
		refund, err := s.gw.Refund(ctx, res.ExternalTransactionID, tx.Amount.Abs())
		if err != nil {
			return fmt.Errorf("refund orphaned charge: %w", err)
		}
		if !refund.Approved {
			return fmt.Errorf("refund orphaned charge declined: %s", refund.Message)
		}
		note := fmt.Sprintf("captured without lead, refunded %s", refund.ExternalTransactionID)
		if _, err := s.ledger.FailPending(ctx, tx.ID, note); err != nil {
			s.log.Error("orphaned charge refunded but row not closed", "tx_id", tx.ID, "refund_id", refund.ExternalTransactionID, "err", err)
			return err
		}
		report.Refunded++
		rowsHandled.WithLabelValues("refunded").Inc()
		s.record(ctx, tx, note)

	case found:
		if _, err := s.ledger.FailPending(ctx, tx.ID, "declined: "+res.Message); err != nil {
			return err
		}
		report.Failed++
		rowsHandled.WithLabelValues("failed").Inc()

	case tx.Type == wallet.TypeAddFunds:
		err := s.topups.Resubmit(ctx, tx)
		report.Resubmitted++
		rowsHandled.WithLabelValues("resubmitted").Inc()
		return ignoreOutcome(err)

	default:
		if _, err := s.ledger.FailPending(ctx, tx.ID, "charge never reached the gateway"); err != nil {
			return err
		}
		report.Failed++
		rowsHandled.WithLabelValues("failed").Inc()
	}
	return nil
}

// ignoreOutcome drops errors that describe a charge result rather than a fault.
func ignoreOutcome(err error) error {
	if err == nil || errors.Is(err, topup.ErrDeclined) || errors.Is(err, topup.ErrPending) || errors.Is(err, topup.ErrNoStoredCard) {
		return nil
	}
	return err
}

func (s *Scheduler) record(ctx context.Context, tx wallet.Transaction, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogSystem(ctx, audit.EventTypeRetryResolution, tx.UserID, tx.LeadID, tx.ID, msg); err != nil {
		s.log.Warn("audit append failed", "err", err)
	}
}
