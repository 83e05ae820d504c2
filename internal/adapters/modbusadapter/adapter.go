// Package modbusadapter polls Modbus TCP devices against a static register
// map and decodes raw register words into named metric values.
package modbusadapter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goburrow/modbus"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
	"github.com/ROBOTdingDONG/fusionedge/internal/retry"
)

// Config captures the connection and register map for one Modbus device.
type Config struct {
	Address      string           `yaml:"address"`
	SlaveID      byte             `yaml:"slave_id"`
	PollInterval time.Duration    `yaml:"poll_interval"`
	Timeout      time.Duration    `yaml:"timeout"`
	Registers    []RegisterConfig `yaml:"registers"`
}

// RegisterConfig decodes one region of the holding register space.
type RegisterConfig struct {
	Name    string  `yaml:"name"`
	Address uint16  `yaml:"address"`
	Type    string  `yaml:"type"`  // uint16, int16, uint32, int32, float32
	Scale   float64 `yaml:"scale"` // multiplier applied after decode, 0 = 1
}

func (c *Config) ApplyDefaults() {
	if c.SlaveID == 0 {
		c.SlaveID = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	for i := range c.Registers {
		if c.Registers[i].Type == "" {
			c.Registers[i].Type = "uint16"
		}
		if c.Registers[i].Scale == 0 {
			c.Registers[i].Scale = 1
		}
	}
}

func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("address is required")
	}
	if len(c.Registers) == 0 {
		return errors.New("at least one register must be configured")
	}
	for _, r := range c.Registers {
		if r.Name == "" {
			return fmt.Errorf("register %d: name is required", r.Address)
		}
		if _, ok := registerWords(r.Type); !ok {
			return fmt.Errorf("register %q: unsupported type %q", r.Name, r.Type)
		}
	}
	return nil
}

func registerWords(typ string) (uint16, bool) {
	switch typ {
	case "uint16", "int16":
		return 1, true
	case "uint32", "int32", "float32":
		return 2, true
	default:
		return 0, false
	}
}

// writeCommand is the payload shape the dispatcher encodes for Modbus.
type writeCommand struct {
	Register uint16 `json:"register"`
	Value    uint16 `json:"value"`
}

// Adapter owns one Modbus TCP connection for one machine.
type Adapter struct {
	machineID string
	cfg       Config
	obs       ports.Observability
	handler   *modbus.TCPClientHandler
	client    modbus.Client
}

func New(machineID string, cfg Config, obs ports.Observability) (*Adapter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Adapter{machineID: machineID, cfg: cfg, obs: obs}, nil
}

func (a *Adapter) MachineID() string         { return a.machineID }
func (a *Adapter) Protocol() domain.Protocol { return domain.ProtocolModbus }

func (a *Adapter) Connect(ctx context.Context) error {
	handler := modbus.NewTCPClientHandler(a.cfg.Address)
	handler.Timeout = a.cfg.Timeout
	handler.SlaveId = a.cfg.SlaveID
	if err := handler.Connect(); err != nil {
		return fmt.Errorf("%w: modbus connect %s: %v", domain.ErrConnection, a.cfg.Address, err)
	}
	a.handler = handler
	a.client = modbus.NewClient(handler)
	return nil
}

// Stream polls the configured register map at the configured cadence.
func (a *Adapter) Stream(ctx context.Context, out chan<- domain.RawFrame) error {
	if a.client == nil {
		return fmt.Errorf("%w: modbus adapter not connected", domain.ErrConnection)
	}
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, err := a.poll()
		if err != nil {
			return err
		}
		if len(frame.Samples) == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- frame:
		}
	}
}

func (a *Adapter) poll() (domain.RawFrame, error) {
	samples := make([]domain.TelemetrySample, 0, len(a.cfg.Registers))
	for _, reg := range a.cfg.Registers {
		words, _ := registerWords(reg.Type)
		raw, err := a.client.ReadHoldingRegisters(reg.Address, words)
		if err != nil {
			return domain.RawFrame{}, fmt.Errorf("%w: modbus read %q: %v", domain.ErrConnection, reg.Name, err)
		}
		value, err := decodeRegister(reg, raw)
		if err != nil {
			// skip the bad register, keep whatever else the device answered
			a.obs.IncCounter(observability.MetricFramesMalformed, 1)
			a.obs.LogError("modbus_register_dropped", err,
				ports.Field{Key: "machine_id", Value: a.machineID},
				ports.Field{Key: "register", Value: reg.Name})
			continue
		}
		samples = append(samples, domain.TelemetrySample{Name: reg.Name, Value: domain.Number(value)})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })

	// Modbus registers carry no timestamps; the device's "source time" is
	// the moment of the read.
	return domain.RawFrame{
		MachineID:  a.machineID,
		Protocol:   domain.ProtocolModbus,
		Samples:    samples,
		SourceTime: time.Now().UTC(),
	}, nil
}

func decodeRegister(reg RegisterConfig, raw []byte) (float64, error) {
	words, _ := registerWords(reg.Type)
	if len(raw) < int(words)*2 {
		return 0, fmt.Errorf("%w: register %q: short read of %d bytes", domain.ErrMalformedTelemetry, reg.Name, len(raw))
	}
	var v float64
	switch reg.Type {
	case "uint16":
		v = float64(binary.BigEndian.Uint16(raw))
	case "int16":
		v = float64(int16(binary.BigEndian.Uint16(raw)))
	case "uint32":
		v = float64(binary.BigEndian.Uint32(raw))
	case "int32":
		v = float64(int32(binary.BigEndian.Uint32(raw)))
	case "float32":
		v = float64(math.Float32frombits(binary.BigEndian.Uint32(raw)))
	}
	return v * reg.Scale, nil
}

// SendCommand writes a single holding register described by the payload.
func (a *Adapter) SendCommand(ctx context.Context, env domain.CommandEnvelope) error {
	if a.client == nil {
		return fmt.Errorf("%w: modbus adapter not connected", domain.ErrConnection)
	}
	var cmd writeCommand
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		// a payload that cannot decode will never succeed, skip retries
		return retry.NonRetryable(fmt.Errorf("modbus command payload: %w", err))
	}
	if _, err := a.client.WriteSingleRegister(cmd.Register, cmd.Value); err != nil {
		return fmt.Errorf("%w: modbus write register %d: %v", domain.ErrConnection, cmd.Register, err)
	}
	return nil
}

func (a *Adapter) Disconnect() error {
	if a.handler == nil {
		return nil
	}
	err := a.handler.Close()
	a.handler = nil
	a.client = nil
	return err
}

var _ ports.Adapter = (*Adapter)(nil)
