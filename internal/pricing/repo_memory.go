package pricing

import (
	"context"
	"sync"
)

// MemoryRepo is a simple in-memory repository useful for tests and early development.
type MemoryRepo struct {
	mu        sync.RWMutex
	Campaigns []Campaign
}

func (r *MemoryRepo) Put(c Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.Campaigns {
		if r.Campaigns[i].ID == c.ID {
			r.Campaigns[i] = c
			return
		}
	}
	r.Campaigns = append(r.Campaigns, c)
}

func (r *MemoryRepo) GetCampaign(_ context.Context, id string) (Campaign, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.Campaigns {
		if c.ID == id {
			return c, true, nil
		}
	}
	return Campaign{}, false, nil
}

// FindByFilterSet prefers an active campaign when several share a filter set.
func (r *MemoryRepo) FindByFilterSet(_ context.Context, filterSetID string) (Campaign, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best Campaign
	found := false
	for _, c := range r.Campaigns {
		if c.FilterSetID != filterSetID {
			continue
		}
		if !found || (best.Status != CampaignActive && c.Status == CampaignActive) {
			best = c
			found = true
		}
	}
	return best, found, nil
}
