// Package normalize converts adapter frames into canonical MachineState
// records: one shared monotonic clock for ingestion stamps, per-machine
// monotonic sequence numbers, and rejection of frames from machines the
// active registry does not know.
package normalize

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// Normalizer is safe for concurrent use by all adapter workers.
type Normalizer struct {
	clock ports.Clock
	obs   ports.Observability

	mu         sync.Mutex
	known      map[string]bool
	seq        map[string]uint64
	lastSource map[string]int64 // unix nanos of last accepted frame
}

func New(clock ports.Clock, obs ports.Observability, machineIDs []string) *Normalizer {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	known := make(map[string]bool, len(machineIDs))
	for _, id := range machineIDs {
		known[id] = true
	}
	return &Normalizer{
		clock:      clock,
		obs:        obs,
		known:      known,
		seq:        make(map[string]uint64),
		lastSource: make(map[string]int64),
	}
}

// AddMachine registers a machine ID with the active configuration.
func (n *Normalizer) AddMachine(machineID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.known[machineID] = true
}

// RemoveMachine drops a machine from the active configuration. Its sequence
// counter survives so a re-added machine keeps monotonic sequences.
func (n *Normalizer) RemoveMachine(machineID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.known, machineID)
}

// Normalize transforms one frame. It returns ErrUnknownMachine for
// unregistered machine IDs and ErrMalformedTelemetry for empty frames.
func (n *Normalizer) Normalize(frame domain.RawFrame) (domain.MachineState, error) {
	if frame.MachineID == "" || len(frame.Samples) == 0 || frame.SourceTime.IsZero() {
		n.obs.IncCounter(observability.MetricFramesMalformed, 1)
		return domain.MachineState{}, fmt.Errorf("%w: empty frame", domain.ErrMalformedTelemetry)
	}

	n.mu.Lock()
	if !n.known[frame.MachineID] {
		n.mu.Unlock()
		n.obs.IncCounter(observability.MetricFramesUnknown, 1)
		n.obs.LogError("unknown_machine", domain.ErrUnknownMachine,
			ports.Field{Key: "machine_id", Value: frame.MachineID})
		return domain.MachineState{}, fmt.Errorf("%w: %s", domain.ErrUnknownMachine, frame.MachineID)
	}
	// Out-of-order frames (source time behind the last accepted frame) are
	// dropped, never reordered.
	src := frame.SourceTime.UTC().UnixNano()
	if src < n.lastSource[frame.MachineID] {
		n.mu.Unlock()
		n.obs.IncCounter(observability.MetricFramesOutOfOrder, 1)
		return domain.MachineState{}, fmt.Errorf("%w: out-of-order frame for %s", domain.ErrMalformedTelemetry, frame.MachineID)
	}
	n.lastSource[frame.MachineID] = src
	n.seq[frame.MachineID]++
	seq := n.seq[frame.MachineID]
	n.mu.Unlock()

	samples := make([]domain.TelemetrySample, len(frame.Samples))
	copy(samples, frame.Samples)
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })

	n.obs.IncCounter(observability.MetricFramesIngested, 1)
	return domain.MachineState{
		MachineID:  frame.MachineID,
		Protocol:   frame.Protocol,
		Samples:    samples,
		Seq:        seq,
		SourceTime: frame.SourceTime.UTC().Truncate(0),
		IngestTime: n.clock.Now(),
	}, nil
}
