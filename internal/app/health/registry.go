// Package health tracks per-machine connection state and exposes the
// engine's read-only status feed for the control plane.
package health

import (
	"sync"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// State is one machine's connection health.
type State string

const (
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateDegraded   State = "degraded"
	StateFailed     State = "failed"
	StateRemoved    State = "removed"
)

// gaugeValue maps a state onto the health gauge (0=failed..3=connected).
func (s State) gaugeValue() float64 {
	switch s {
	case StateConnected:
		return 3
	case StateConnecting:
		return 2
	case StateDegraded:
		return 1
	default:
		return 0
	}
}

// Status is one machine's current health snapshot.
type Status struct {
	MachineID string    `json:"machine_id"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Since     time.Time `json:"since"`
}

// Registry is the process-wide machine health table. Transitions fan out to
// subscribers without blocking the reporting worker: a slow subscriber loses
// intermediate transitions, never current state.
type Registry struct {
	obs ports.Observability

	mu       sync.RWMutex
	statuses map[string]Status
	subs     []chan Status
}

func NewRegistry(obs ports.Observability) *Registry {
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Registry{
		obs:      obs,
		statuses: make(map[string]Status),
	}
}

// Set records a machine's transition and notifies subscribers.
func (r *Registry) Set(machineID string, state State, message string) {
	status := Status{
		MachineID: machineID,
		State:     state,
		Message:   message,
		Since:     time.Now().UTC(),
	}

	r.mu.Lock()
	prev, ok := r.statuses[machineID]
	if ok && prev.State == state {
		r.mu.Unlock()
		return
	}
	if state == StateRemoved {
		delete(r.statuses, machineID)
	} else {
		r.statuses[machineID] = status
	}
	subs := make([]chan Status, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	r.obs.SetMachineGauge(observability.MetricMachineHealth, machineID, state.gaugeValue())
	r.obs.LogInfo("machine_health",
		ports.Field{Key: "machine_id", Value: machineID},
		ports.Field{Key: "state", Value: string(state)},
		ports.Field{Key: "message", Value: message},
	)

	for _, ch := range subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// Get returns one machine's status.
func (r *Registry) Get(machineID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.statuses[machineID]
	return s, ok
}

// Snapshot returns every machine's current status.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s)
	}
	return out
}

// Subscribe returns a channel of health transitions. Call the returned stop
// function to unsubscribe.
func (r *Registry) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 64)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()

	stop := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, sub := range r.subs {
			if sub == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, stop
}
