package audit

import (
	"context"
	"sync"
)

// MemoryRepo keeps audit events in process. Billing, returns and retry tests
// read it back to assert which money movements were recorded.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy in append order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ForLead returns the events recorded against one lead.
func (r *MemoryRepo) ForLead(leadID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.LeadID == leadID {
			out = append(out, e)
		}
	}
	return out
}
