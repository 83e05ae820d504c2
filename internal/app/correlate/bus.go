// Package correlate joins machine telemetry with vision inspection outcomes.
//
// The bus keeps one logical partition per machine: a goroutine owning a ring
// buffer of that machine's recent states. Partitions never share mutable
// state, so machines proceed independently and correlation for one machine
// is deterministic given its ordered input stream.
package correlate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// Config bounds each machine's state history and the join window.
type Config struct {
	Window      time.Duration
	HistorySize int
	HistoryAge  time.Duration
	// PartitionBuffer is each partition's input queue length.
	PartitionBuffer int
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 200 * time.Millisecond
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 256
	}
	if c.HistoryAge <= 0 {
		c.HistoryAge = 2 * time.Second
	}
	if c.PartitionBuffer <= 0 {
		c.PartitionBuffer = 1024
	}
}

// message is the union type a partition consumes in arrival order.
type message struct {
	state      *domain.MachineState
	inspection *domain.InspectionEvent
}

type partition struct {
	machineID string
	in        chan message
	done      chan struct{}
}

// Bus routes states and inspections to per-machine partitions and emits
// correlated frames on a single output channel.
type Bus struct {
	cfg Config
	obs ports.Observability
	out chan domain.CorrelatedFrame

	mu         sync.RWMutex
	partitions map[string]*partition
	closed     bool
	wg         sync.WaitGroup
}

func NewBus(cfg Config, obs ports.Observability) *Bus {
	cfg.applyDefaults()
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Bus{
		cfg:        cfg,
		obs:        obs,
		out:        make(chan domain.CorrelatedFrame, cfg.PartitionBuffer),
		partitions: make(map[string]*partition),
	}
}

// Frames is the bus's output stream of correlated frames and misses.
func (b *Bus) Frames() <-chan domain.CorrelatedFrame { return b.out }

// AddMachine creates a partition for the machine if none exists.
func (b *Bus) AddMachine(machineID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.partitions[machineID] != nil {
		return
	}
	p := &partition{
		machineID: machineID,
		in:        make(chan message, b.cfg.PartitionBuffer),
		done:      make(chan struct{}),
	}
	b.partitions[machineID] = p
	b.wg.Add(1)
	go b.run(p)
}

// RemoveMachine tears down the machine's partition. Queued work is
// discarded; other machines are unaffected.
func (b *Bus) RemoveMachine(machineID string) {
	b.mu.Lock()
	p := b.partitions[machineID]
	delete(b.partitions, machineID)
	b.mu.Unlock()
	if p == nil {
		return
	}
	close(p.done)
}

// PublishState feeds one machine state into its partition, blocking when
// the partition queue is full.
func (b *Bus) PublishState(ctx context.Context, state domain.MachineState) error {
	return b.publish(ctx, state.MachineID, message{state: &state})
}

// PublishInspection feeds one inspection event into its machine's
// partition. An inspection for an unknown machine is emitted directly as a
// correlation miss so it is never silently dropped.
func (b *Bus) PublishInspection(ctx context.Context, ev domain.InspectionEvent) error {
	err := b.publish(ctx, ev.MachineID, message{inspection: &ev})
	if err == errNoPartition {
		b.obs.IncCounter(observability.MetricCorrelationMiss, 1)
		return b.emit(ctx, domain.CorrelatedFrame{
			MachineID:  ev.MachineID,
			Inspection: ev,
			Miss:       true,
		})
	}
	return err
}

var errNoPartition = fmt.Errorf("no partition")

func (b *Bus) publish(ctx context.Context, machineID string, msg message) error {
	b.mu.RLock()
	p := b.partitions[machineID]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("correlation bus closed")
	}
	if p == nil {
		if msg.state != nil {
			return fmt.Errorf("%w: %s", domain.ErrUnknownMachine, machineID)
		}
		return errNoPartition
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return fmt.Errorf("partition for %s removed", machineID)
	case p.in <- msg:
		return nil
	}
}

func (b *Bus) run(p *partition) {
	defer b.wg.Done()
	ring := newStateRing(b.cfg.HistorySize, b.cfg.HistoryAge)

	for {
		select {
		case <-p.done:
			return
		case msg := <-p.in:
			b.handle(p, ring, msg)
		}
	}
}

func (b *Bus) handle(p *partition, ring *stateRing, msg message) {
	if msg.state != nil {
		ring.push(*msg.state)
		return
	}
	if msg.inspection == nil {
		return
	}

	ev := *msg.inspection
	frame := domain.CorrelatedFrame{
		MachineID:  p.machineID,
		Inspection: ev,
	}
	state, offset, ok := ring.closest(ev.CaptureTime, b.cfg.Window)
	if ok {
		frame.State = &state
		frame.Offset = offset
		b.obs.IncCounter(observability.MetricCorrelations, 1)
	} else {
		frame.Miss = true
		b.obs.IncCounter(observability.MetricCorrelationMiss, 1)
	}

	select {
	case <-p.done:
	case b.out <- frame:
	}
}

func (b *Bus) emit(ctx context.Context, frame domain.CorrelatedFrame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.out <- frame:
		return nil
	}
}

// Close tears down every partition and closes the output stream once all
// partition goroutines have drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	parts := make([]*partition, 0, len(b.partitions))
	for _, p := range b.partitions {
		parts = append(parts, p)
	}
	b.partitions = make(map[string]*partition)
	b.mu.Unlock()

	for _, p := range parts {
		close(p.done)
	}
	b.wg.Wait()
	close(b.out)
}
