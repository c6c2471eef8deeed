package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"leadmarket-platform/pkg/logger"
)

// Dispatcher fans events out to sinks on background goroutines.
type Dispatcher struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration
	clock   func() time.Time
	wg      sync.WaitGroup
}

func NewDispatcher(log *slog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{sinks: sinks, log: logger.OrDefault(log), timeout: timeout, clock: time.Now}
}

// Notify returns immediately. The caller's cancellation does not cancel delivery.
func (d *Dispatcher) Notify(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = d.clock().UTC()
	}
	base := context.WithoutCancel(ctx)
	for _, s := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("notification sink panicked", "sink", s.Name(), "kind", e.Kind, "panic", r)
				}
			}()
			sctx, cancel := context.WithTimeout(base, d.timeout)
			defer cancel()
			if err := s.Send(sctx, e); err != nil {
				d.log.Warn("notification delivery failed", "sink", s.Name(), "kind", e.Kind, "user_id", e.UserID, "err", err)
			}
		}(s)
	}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (d *Dispatcher) Wait() { d.wg.Wait() }
