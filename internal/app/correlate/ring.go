package correlate

import (
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

// stateRing is a bounded ring of recent MachineStates for one machine.
// It is mutated only by its owning partition goroutine, so it carries no
// lock. Age-based eviction is driven by the source time of the newest
// inserted state, not the wall clock, which keeps replay deterministic.
type stateRing struct {
	items  []domain.MachineState
	head   int // next write position
	size   int
	maxAge time.Duration
}

func newStateRing(capacity int, maxAge time.Duration) *stateRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &stateRing{
		items:  make([]domain.MachineState, capacity),
		maxAge: maxAge,
	}
}

// push inserts a state, overwriting the oldest entry when full, then drops
// entries that have aged out relative to the newest source time.
func (r *stateRing) push(s domain.MachineState) {
	r.items[r.head] = s
	r.head = (r.head + 1) % len(r.items)
	if r.size < len(r.items) {
		r.size++
	}

	if r.maxAge <= 0 {
		return
	}
	horizon := s.SourceTime.Add(-r.maxAge)
	for r.size > 1 {
		oldest := r.at(0)
		if !oldest.SourceTime.Before(horizon) {
			break
		}
		r.size--
	}
}

// at returns the i-th oldest retained state.
func (r *stateRing) at(i int) domain.MachineState {
	idx := (r.head - r.size + i + 2*len(r.items)) % len(r.items)
	return r.items[idx]
}

func (r *stateRing) len() int { return r.size }

// closest finds the retained state nearest to t within window. Ties by
// temporal distance are broken by the higher sequence number.
func (r *stateRing) closest(t time.Time, window time.Duration) (domain.MachineState, time.Duration, bool) {
	var (
		best       domain.MachineState
		bestOffset time.Duration
		bestDist   time.Duration
		found      bool
	)
	for i := 0; i < r.size; i++ {
		s := r.at(i)
		offset := t.Sub(s.SourceTime)
		dist := offset
		if dist < 0 {
			dist = -dist
		}
		if dist > window {
			continue
		}
		if !found || dist < bestDist || (dist == bestDist && s.Seq > best.Seq) {
			best = s
			bestOffset = offset
			bestDist = dist
			found = true
		}
	}
	return best, bestOffset, found
}
