// Package pipeline wires adapters, normalizer, correlation bus, decision
// engine, dispatcher, and audit recorder into one supervised flow:
//
//	adapters -> normalize -> correlate -> decide -> dispatch -> adapters
//	     \________________ audit taps on every path ________________/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/modbusadapter"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/mtconnect"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/opcuaadapter"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/simulator"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/wal"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/audit"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/config"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/correlate"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/decide"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/dispatch"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/health"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/normalize"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
	"github.com/ROBOTdingDONG/fusionedge/internal/retry"
)

// Pipeline owns every stage and the per-machine adapter workers.
type Pipeline struct {
	cfg     *config.Config
	obs     ports.Observability
	clock   ports.Clock
	factory AdapterFactory

	normalizer *normalize.Normalizer
	bus        *correlate.Bus
	engine     *decide.Engine
	dispatcher *dispatch.Dispatcher
	recorder   *audit.Recorder
	wal        ports.WAL
	healths    *health.Registry

	frames    chan domain.RawFrame
	decisions chan domain.QualityDecision

	mu       sync.Mutex
	units    map[string]*machineUnit
	machines []config.MachineConfig
	subs     []chan domain.QualityDecision

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// machineUnit is one machine's adapter plus its supervision lifecycle.
type machineUnit struct {
	adapter ports.Adapter
	cancel  context.CancelFunc
	done    chan struct{}
}

// AdapterFactory builds an adapter for a registry entry. The default
// factory selects by protocol; tests and embedders can override per
// machine through Options on the runtime.
type AdapterFactory func(m config.MachineConfig) (ports.Adapter, error)

// New assembles a pipeline from configuration. The audit sink must be
// supplied by the caller (Postgres, memory, or custom).
func New(cfg *config.Config, sink ports.AuditSink, clock ports.Clock, obs ports.Observability, factory AdapterFactory) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("audit sink is required")
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	if factory == nil {
		factory = NewAdapterFactory(obs)
	}

	ids := make([]string, 0, len(cfg.Machines))
	for _, m := range cfg.Machines {
		ids = append(ids, m.ID)
	}

	var auditWAL ports.WAL
	if cfg.Audit.WALDir != "" {
		w, err := wal.NewFileWAL(cfg.Audit.WALDir)
		if err != nil {
			return nil, fmt.Errorf("audit wal: %w", err)
		}
		auditWAL = w
	}

	p := &Pipeline{
		cfg:        cfg,
		obs:        obs,
		clock:      clock,
		normalizer: normalize.New(clock, obs, ids),
		bus: correlate.NewBus(correlate.Config{
			Window:      cfg.Correlation.Window,
			HistorySize: cfg.Correlation.HistorySize,
			HistoryAge:  cfg.Correlation.HistoryAge,
		}, obs),
		recorder: audit.NewRecorder(audit.Config{
			QueueSize: cfg.Audit.QueueSize,
			BatchSize: cfg.Audit.BatchSize,
			WAL:       auditWAL,
		}, sink, clock, obs),
		wal:       auditWAL,
		healths:   health.NewRegistry(obs),
		frames:    make(chan domain.RawFrame, 4096),
		decisions: make(chan domain.QualityDecision, 1024),
		units:     make(map[string]*machineUnit),
	}

	p.engine = decide.NewEngine(decide.StandardRules(ruleParams(cfg.Rules)), cfg.Rules.SPC.WindowSize, clock, obs)
	p.dispatcher = dispatch.New(dispatch.Config{
		MaxRetries:       cfg.Dispatch.MaxRetries,
		InitialBackoff:   cfg.Dispatch.InitialBackoff,
		MaxBackoff:       cfg.Dispatch.MaxBackoff,
		Deadline:         cfg.Dispatch.Deadline,
		BreakerThreshold: cfg.Dispatch.BreakerThreshold,
		BreakerCooldown:  cfg.Dispatch.BreakerCooldown,
	}, p.lookupAdapter, p.recorder, clock, obs)

	var err error
	p.factory = factory
	for _, m := range cfg.Machines {
		if err = p.prepareMachine(m); err != nil {
			return nil, fmt.Errorf("machine %q: %w", m.ID, err)
		}
	}
	p.machines = append([]config.MachineConfig(nil), cfg.Machines...)
	return p, nil
}

func ruleParams(rc config.RulesConfig) decide.Params {
	interlocks := make([]decide.Interlock, 0, len(rc.Interlocks))
	for _, il := range rc.Interlocks {
		interlocks = append(interlocks, decide.Interlock{Metric: il.Metric, Min: il.Min, Max: il.Max})
	}
	return decide.Params{
		Interlocks:      interlocks,
		MissVerdict:     domain.Verdict(rc.MissVerdict),
		DefectThreshold: rc.DefectThreshold,
		ScoreThreshold:  rc.ScoreThreshold,
		RejectStreak:    rc.SPC.RejectStreak,
	}
}

// DefaultAdapterFactory selects the adapter implementation by protocol.
// Adapters built through it discard their own logs and counters; New
// rebuilds the factory around the runtime's observability.
var DefaultAdapterFactory = NewAdapterFactory(nil)

// NewAdapterFactory returns a factory that selects the adapter
// implementation by protocol and hands each one the given observability.
func NewAdapterFactory(obs ports.Observability) AdapterFactory {
	return func(m config.MachineConfig) (ports.Adapter, error) {
		switch domain.Protocol(m.Protocol) {
		case domain.ProtocolMTConnect:
			return mtconnect.New(m.ID, *m.MTConnect, obs)
		case domain.ProtocolOPCUA:
			return opcuaadapter.New(m.ID, *m.OPCUA, obs)
		case domain.ProtocolModbus:
			return modbusadapter.New(m.ID, *m.Modbus, obs)
		case domain.ProtocolSimulated:
			return simulator.New(m.ID, *m.Simulated), nil
		default:
			return nil, fmt.Errorf("unknown protocol %q", m.Protocol)
		}
	}
}

// prepareMachine registers a machine with every stage but does not start
// its worker; Start and ApplyRegistry do that.
func (p *Pipeline) prepareMachine(m config.MachineConfig) error {
	adapter, err := p.factory(m)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.units[m.ID] = &machineUnit{adapter: adapter}
	p.mu.Unlock()

	p.normalizer.AddMachine(m.ID)
	p.bus.AddMachine(m.ID)
	p.dispatcher.SetTarget(m.ID, dispatch.Target{
		Protocol:    domain.Protocol(m.Protocol),
		NodeID:      m.Command.NodeID,
		Register:    m.Command.Register,
		AckOnAccept: m.AckOnAccept,
	})
	p.healths.Set(m.ID, health.StateConnecting, "registered")
	return nil
}

// Start launches the stages and one worker per machine. It returns
// immediately; errors surface through Wait.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.group, p.ctx = errgroup.WithContext(p.ctx)

	p.recorder.Start(p.ctx)

	p.group.Go(func() error { return p.normalizeLoop(p.ctx) })
	p.group.Go(func() error { return p.decideLoop(p.ctx) })
	p.group.Go(func() error { return p.dispatchLoop(p.ctx) })

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, unit := range p.units {
		p.startUnit(id, unit)
	}
	return nil
}

// startUnit launches a machine worker; caller holds p.mu.
func (p *Pipeline) startUnit(id string, unit *machineUnit) {
	if unit.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	unit.cancel = cancel
	unit.done = make(chan struct{})
	go func() {
		defer close(unit.done)
		p.runMachine(ctx, unit.adapter)
	}()
}

// runMachine supervises one adapter: connect with capped exponential
// backoff, stream until failure, reconnect. At the backoff ceiling the
// machine is reported Degraded but retries continue at the ceiling
// interval. Repeated security handshake failures report Failed.
func (p *Pipeline) runMachine(ctx context.Context, adapter ports.Adapter) {
	id := adapter.MachineID()
	backoff := retry.NewBackoff(retry.Config{
		InitialDelay: p.cfg.Connection.InitialBackoff,
		MaxDelay:     p.cfg.Connection.BackoffCeiling,
		Multiplier:   2.0,
		AddJitter:    true,
	})
	handshakeFails := 0

	for {
		if ctx.Err() != nil {
			return
		}
		p.healths.Set(id, health.StateConnecting, "connecting")

		connectCtx, cancel := context.WithTimeout(ctx, p.cfg.Connection.ConnectTimeout)
		err := adapter.Connect(connectCtx)
		cancel()

		if err != nil {
			if retry.IsNonRetryable(err) {
				p.healths.Set(id, health.StateFailed, err.Error())
				p.obs.LogCritical("adapter_config_rejected", err, ports.Field{Key: "machine_id", Value: id})
				return
			}
			if errors.Is(err, domain.ErrSecurityHandshake) {
				handshakeFails++
				if handshakeFails >= p.cfg.Connection.HandshakeFailLimit {
					p.healths.Set(id, health.StateFailed, err.Error())
				}
			} else if backoff.AtCeiling() {
				p.healths.Set(id, health.StateDegraded, err.Error())
			}
			p.obs.LogError("adapter_connect_failed", err, ports.Field{Key: "machine_id", Value: id})

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff.Next()):
			}
			continue
		}

		handshakeFails = 0
		backoff.Reset()
		p.healths.Set(id, health.StateConnected, "")

		err = adapter.Stream(ctx, p.frames)
		_ = adapter.Disconnect()
		if ctx.Err() != nil {
			return
		}
		p.healths.Set(id, health.StateDegraded, fmt.Sprintf("stream ended: %v", err))
		p.obs.LogError("adapter_stream_ended", err, ports.Field{Key: "machine_id", Value: id})
	}
}

func (p *Pipeline) normalizeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-p.frames:
			state, err := p.normalizer.Normalize(frame)
			if err != nil {
				// malformed / unknown / out-of-order: counted and dropped
				continue
			}
			if _, err := p.recorder.Record(domain.AuditIngest, state.MachineID, state); err != nil {
				return err
			}
			if err := p.bus.PublishState(ctx, state); err != nil && ctx.Err() == nil {
				p.obs.LogError("bus_publish_failed", err, ports.Field{Key: "machine_id", Value: state.MachineID})
			}
		}
	}
}

func (p *Pipeline) decideLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-p.bus.Frames():
			if !ok {
				return nil
			}
			start := time.Now()
			decision := p.engine.Decide(frame)
			p.obs.ObserveLatency(observability.MetricDecideLatency, time.Since(start).Seconds())

			if _, err := p.recorder.Record(domain.AuditDecision, decision.Frame.MachineID, decision); err != nil {
				return err
			}
			p.fanoutDecision(decision)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case p.decisions <- decision:
			}
		}
	}
}

func (p *Pipeline) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case decision := <-p.decisions:
			if err := p.dispatcher.Dispatch(ctx, decision); err != nil {
				if errors.Is(err, domain.ErrDeliveryFailed) || errors.Is(err, domain.ErrCircuitOpen) {
					// already audited; pipeline continues
					continue
				}
				return err
			}
		}
	}
}

// SetRules swaps the decision rule chain. Call before Start.
func (p *Pipeline) SetRules(rules []ports.Rule) {
	p.engine.SetRules(rules)
}

// PublishInspection is the vision subsystem's entry point.
func (p *Pipeline) PublishInspection(ctx context.Context, ev domain.InspectionEvent) error {
	return p.bus.PublishInspection(ctx, ev)
}

// Health exposes the machine health registry for the control plane feed.
func (p *Pipeline) Health() *health.Registry { return p.healths }

// Backpressured reports whether the audit recorder is throttling.
func (p *Pipeline) Backpressured() bool { return p.recorder.Backpressured() }

// SubscribeDecisions returns a read-only decision feed. Slow subscribers
// lose decisions from the feed, never from the audit record.
func (p *Pipeline) SubscribeDecisions() (<-chan domain.QualityDecision, func()) {
	ch := make(chan domain.QualityDecision, 64)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()

	stop := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subs {
			if sub == ch {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, stop
}

func (p *Pipeline) fanoutDecision(d domain.QualityDecision) {
	p.mu.Lock()
	subs := make([]chan domain.QualityDecision, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- d:
		default:
		}
	}
}

func (p *Pipeline) lookupAdapter(machineID string) (ports.Adapter, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	unit, ok := p.units[machineID]
	if !ok {
		return nil, false
	}
	return unit.adapter, true
}

// ApplyRegistry hot-reloads the machine registry: removed machines are
// torn down (their queued work discarded with a cancelled audit entry),
// added machines start immediately, and unrelated machines are untouched.
func (p *Pipeline) ApplyRegistry(machines []config.MachineConfig) error {
	p.mu.Lock()
	old := p.machines
	p.mu.Unlock()

	diff := config.DiffMachines(old, machines)

	for _, id := range diff.Removed {
		p.removeMachine(id)
	}
	for _, m := range diff.Added {
		if err := p.prepareMachine(m); err != nil {
			return fmt.Errorf("machine %q: %w", m.ID, err)
		}
		p.mu.Lock()
		unit := p.units[m.ID]
		if p.ctx != nil {
			p.startUnit(m.ID, unit)
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.machines = append([]config.MachineConfig(nil), machines...)
	p.mu.Unlock()

	p.obs.LogInfo("registry_applied",
		ports.Field{Key: "added", Value: len(diff.Added)},
		ports.Field{Key: "removed", Value: len(diff.Removed)})
	return nil
}

func (p *Pipeline) removeMachine(id string) {
	p.mu.Lock()
	unit := p.units[id]
	delete(p.units, id)
	p.mu.Unlock()

	if unit != nil && unit.cancel != nil {
		unit.cancel()
		<-unit.done
	}

	p.normalizer.RemoveMachine(id)
	p.bus.RemoveMachine(id)
	p.dispatcher.RemoveTarget(id)
	p.engine.Forget(id)
	p.healths.Set(id, health.StateRemoved, "removed from registry")
	_, _ = p.recorder.Record(domain.AuditCancelled, id, map[string]string{"reason": "machine removed"})
}

// Stop tears the pipeline down: machine workers first, then stages, then
// the audit recorder (which drains its queue to the sink).
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	units := make([]*machineUnit, 0, len(p.units))
	for _, u := range p.units {
		units = append(units, u)
	}
	p.mu.Unlock()

	for _, u := range units {
		if u.cancel != nil {
			u.cancel()
			<-u.done
		}
	}

	p.bus.Close()
	if p.cancel != nil {
		p.cancel()
	}
	var err error
	if p.group != nil {
		if e := p.group.Wait(); e != nil && !errors.Is(e, context.Canceled) {
			err = e
		}
	}
	p.recorder.Close()
	if p.wal != nil {
		if e := p.wal.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// Wait blocks until a stage fails or the context is cancelled.
func (p *Pipeline) Wait() error {
	if p.group == nil {
		return nil
	}
	err := p.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
