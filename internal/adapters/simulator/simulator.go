// Package simulator provides an in-memory adapter for demos and tests.
// It emits scripted or synthetic frames and records every command it is
// asked to deliver.
package simulator

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// Config controls the synthetic frame generator.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	// Metrics names the synthetic numeric channels. Defaults to a single
	// "vibration" channel.
	Metrics []string `yaml:"metrics"`
}

func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 50 * time.Millisecond
	}
	if len(c.Metrics) == 0 {
		c.Metrics = []string{"vibration"}
	}
}

// Adapter is a scriptable machine stand-in.
type Adapter struct {
	machineID string
	cfg       Config

	mu       sync.Mutex
	scripted []domain.RawFrame
	sent     []domain.CommandEnvelope
	sendErr  error
	tick     uint64
}

func New(machineID string, cfg Config) *Adapter {
	cfg.ApplyDefaults()
	return &Adapter{machineID: machineID, cfg: cfg}
}

func (a *Adapter) MachineID() string         { return a.machineID }
func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolSimulated }

func (a *Adapter) Connect(ctx context.Context) error { return nil }
func (a *Adapter) Disconnect() error                 { return nil }

// Inject queues frames to be emitted ahead of any synthetic ones.
func (a *Adapter) Inject(frames ...domain.RawFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripted = append(a.scripted, frames...)
}

// FailCommands makes subsequent SendCommand calls return err (nil restores
// normal delivery).
func (a *Adapter) FailCommands(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
}

// Sent returns a copy of every command delivered so far.
func (a *Adapter) Sent() []domain.CommandEnvelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.CommandEnvelope, len(a.sent))
	copy(out, a.sent)
	return out
}

func (a *Adapter) Stream(ctx context.Context, out chan<- domain.RawFrame) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, ok := a.nextScripted()
		if !ok {
			frame = a.synthetic()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- frame:
		}
	}
}

func (a *Adapter) nextScripted() (domain.RawFrame, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.scripted) == 0 {
		return domain.RawFrame{}, false
	}
	frame := a.scripted[0]
	a.scripted = a.scripted[1:]
	return frame, true
}

func (a *Adapter) synthetic() domain.RawFrame {
	a.mu.Lock()
	a.tick++
	tick := a.tick
	a.mu.Unlock()

	samples := make([]domain.TelemetrySample, 0, len(a.cfg.Metrics))
	for i, name := range a.cfg.Metrics {
		v := 0.5 + 0.4*math.Sin(float64(tick)/10+float64(i))
		samples = append(samples, domain.TelemetrySample{Name: name, Value: domain.Number(v)})
	}
	return domain.RawFrame{
		MachineID:  a.machineID,
		Protocol:   domain.ProtocolSimulated,
		Samples:    samples,
		SourceTime: time.Now().UTC(),
	}
}

func (a *Adapter) SendCommand(ctx context.Context, env domain.CommandEnvelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, env)
	return nil
}

var _ ports.Adapter = (*Adapter)(nil)
