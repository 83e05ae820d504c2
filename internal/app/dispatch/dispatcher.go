// Package dispatch turns quality decisions into protocol-specific command
// envelopes and delivers them through the matching adapter with retry and a
// per-machine circuit breaker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
	"github.com/ROBOTdingDONG/fusionedge/internal/retry"
)

// AdapterLookup resolves the live adapter for a machine, if any.
type AdapterLookup func(machineID string) (ports.Adapter, bool)

// Config governs delivery policy for every machine.
type Config struct {
	MaxRetries       int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Deadline         time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 10 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 250 * time.Millisecond
	}
	if c.Deadline <= 0 {
		c.Deadline = 100 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
}

// Dispatcher never blocks the pipeline past an envelope's deadline and
// never lets a terminal delivery failure pass without an audit record.
type Dispatcher struct {
	cfg      Config
	adapters AdapterLookup
	recorder ports.AuditRecorder
	obs      ports.Observability
	clock    ports.Clock

	mu       sync.Mutex
	targets  map[string]Target
	breakers map[string]*breaker
}

func New(cfg Config, adapters AdapterLookup, recorder ports.AuditRecorder, clock ports.Clock, obs ports.Observability) *Dispatcher {
	cfg.applyDefaults()
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Dispatcher{
		cfg:      cfg,
		adapters: adapters,
		recorder: recorder,
		obs:      obs,
		clock:    clock,
		targets:  make(map[string]Target),
		breakers: make(map[string]*breaker),
	}
}

// SetTarget registers or replaces a machine's command target.
func (d *Dispatcher) SetTarget(machineID string, target Target) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets[machineID] = target
	if d.breakers[machineID] == nil {
		d.breakers[machineID] = newBreaker(d.cfg.BreakerThreshold, d.cfg.BreakerCooldown, nil)
	}
}

// RemoveTarget drops a machine on registry reload.
func (d *Dispatcher) RemoveTarget(machineID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.targets, machineID)
	delete(d.breakers, machineID)
}

func (d *Dispatcher) target(machineID string) (Target, *breaker, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.targets[machineID]
	if !ok {
		return Target{}, nil, false
	}
	return t, d.breakers[machineID], true
}

// Dispatch handles one decision. Accept verdicts produce no command unless
// the machine acknowledges accepts; everything else becomes an envelope
// delivered at-least-once within its deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, decision domain.QualityDecision) error {
	machineID := decision.Frame.MachineID
	target, brk, ok := d.target(machineID)
	if !ok {
		// machine left the registry between decision and dispatch
		_, err := d.recorder.Record(domain.AuditCancelled, machineID, decision)
		return err
	}
	if decision.Verdict == domain.VerdictAccept && !target.AckOnAccept {
		return nil
	}

	if !brk.allow() {
		d.obs.IncCounter(observability.MetricSuppressed, 1)
		if _, err := d.recorder.Record(domain.AuditSuppressed, machineID, decision); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", domain.ErrCircuitOpen, machineID)
	}

	payload, err := encodeCommand(target, decision)
	if err != nil {
		_, rerr := d.recorder.Record(domain.AuditDeliveryFailure, machineID, deliveryFailure{Reason: err.Error()})
		return errors.Join(err, rerr)
	}

	env := domain.NewCommandEnvelope(machineID, target.Protocol, payload, d.clock.Now(), d.cfg.Deadline)
	start := time.Now()
	err = d.deliver(ctx, &env)
	d.obs.ObserveLatency(observability.MetricDispatchLatency, time.Since(start).Seconds())

	if err != nil {
		brk.failure()
		d.obs.IncCounter(observability.MetricDeliveryFailures, 1)
		d.obs.LogError("delivery_failed", err,
			ports.Field{Key: "machine_id", Value: machineID},
			ports.Field{Key: "envelope_id", Value: env.ID},
			ports.Field{Key: "attempts", Value: env.Attempts})
		if _, rerr := d.recorder.Record(domain.AuditDeliveryFailure, machineID, deliveryFailure{
			Envelope: env,
			Reason:   err.Error(),
		}); rerr != nil {
			return errors.Join(err, rerr)
		}
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}

	brk.success()
	d.obs.IncCounter(observability.MetricCommandsSent, 1)
	_, rerr := d.recorder.Record(domain.AuditDispatch, machineID, env)
	return rerr
}

// deliveryFailure is the audit payload for terminal failures.
type deliveryFailure struct {
	Envelope domain.CommandEnvelope `json:"envelope"`
	Reason   string                 `json:"reason"`
}

func (d *Dispatcher) deliver(ctx context.Context, env *domain.CommandEnvelope) error {
	adapter, ok := d.adapters(env.MachineID)
	if !ok {
		return retry.NonRetryable(fmt.Errorf("no adapter for machine %s", env.MachineID))
	}

	// the envelope deadline caps all attempts together
	ctx, cancel := context.WithDeadline(ctx, env.Deadline)
	defer cancel()

	return retry.Do(ctx, retry.Config{
		MaxAttempts:  d.cfg.MaxRetries,
		InitialDelay: d.cfg.InitialBackoff,
		MaxDelay:     d.cfg.MaxBackoff,
		Multiplier:   2.0,
		AddJitter:    true,
	}, func() error {
		env.Attempts++
		return adapter.SendCommand(ctx, *env)
	})
}
