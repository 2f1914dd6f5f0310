package runner

import "github.com/ashrun/ash/internal/store"

// Selector picks the runner a new sandbox should land on.
type Selector interface {
	// Pick returns the chosen runner, or nil when none has capacity.
	Pick(runners []*store.Runner) *store.Runner
}

// MostFreeSlots picks the runner with the most free capacity; ties go to
// the longest-registered runner so load spreads predictably.
type MostFreeSlots struct{}

func (MostFreeSlots) Pick(runners []*store.Runner) *store.Runner {
	var best *store.Runner
	for _, r := range runners {
		if r.FreeSlots() <= 0 {
			continue
		}
		if best == nil ||
			r.FreeSlots() > best.FreeSlots() ||
			(r.FreeSlots() == best.FreeSlots() && r.RegisteredAt.Before(best.RegisteredAt)) {
			best = r
		}
	}
	return best
}
