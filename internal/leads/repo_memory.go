package leads

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory Repository for tests and local runs.
type MemoryRepo struct {
	mu    sync.Mutex
	leads map[string]Lead

	// CreateErr, when set, is returned by the next Create call.
	CreateErr error
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{leads: map[string]Lead{}}
}

func (r *MemoryRepo) Create(_ context.Context, l Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.CreateErr; err != nil {
		r.CreateErr = nil
		return err
	}
	if _, ok := r.leads[l.ID]; ok {
		return ErrAlreadyExists
	}
	r.leads[l.ID] = l
	return nil
}

func (r *MemoryRepo) Get(_ context.Context, id string) (Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return Lead{}, ErrNotFound
	}
	return l, nil
}

// Put overwrites a lead unconditionally. Tests use it to model legacy rows.
func (r *MemoryRepo) Put(l Lead) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leads[l.ID] = l
}

func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leads)
}

func (r *MemoryRepo) ListByUser(_ context.Context, userID string, offset, limit int) ([]Lead, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Lead
	for _, l := range r.leads {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	return out[offset:min(offset+limit, total)], total, nil
}

func (r *MemoryRepo) TransitionReturn(_ context.Context, id string, from, to ReturnStatus, u ReturnUpdate) (Lead, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return Lead{}, false, ErrNotFound
	}
	if l.ReturnStatus != from {
		return Lead{}, false, nil
	}
	l.ReturnStatus = to
	if u.Reason != "" {
		l.ReturnReason = u.Reason
	}
	if u.RefundTransactionID != "" {
		l.RefundTransactionID = u.RefundTransactionID
	}
	if to == ReturnApproved {
		at := u.At
		l.ReturnedAt = &at
	}
	l.UpdatedAt = u.At
	r.leads[id] = l
	return l, true, nil
}
