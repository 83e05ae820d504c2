package modbusadapter

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/goburrow/modbus"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

func TestDecodeRegisterTypes(t *testing.T) {
	u32 := make([]byte, 4)
	binary.BigEndian.PutUint32(u32, 100_000)
	i32 := make([]byte, 4)
	negVal := int32(-70_000)
	binary.BigEndian.PutUint32(i32, uint32(negVal))
	f32 := make([]byte, 4)
	binary.BigEndian.PutUint32(f32, math.Float32bits(21.5))

	cases := []struct {
		reg  RegisterConfig
		raw  []byte
		want float64
	}{
		{RegisterConfig{Name: "a", Type: "uint16", Scale: 1}, []byte{0x01, 0xF4}, 500},
		{RegisterConfig{Name: "b", Type: "int16", Scale: 1}, []byte{0xFF, 0x38}, -200},
		{RegisterConfig{Name: "c", Type: "uint32", Scale: 1}, u32, 100_000},
		{RegisterConfig{Name: "d", Type: "int32", Scale: 1}, i32, -70_000},
		{RegisterConfig{Name: "e", Type: "float32", Scale: 1}, f32, 21.5},
		{RegisterConfig{Name: "f", Type: "uint16", Scale: 0.1}, []byte{0x01, 0xF4}, 50},
	}
	for _, tc := range cases {
		got, err := decodeRegister(tc.reg, tc.raw)
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.reg.Name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.reg.Name, tc.want, got)
		}
	}
}

func TestDecodeRegisterShortRead(t *testing.T) {
	_, err := decodeRegister(RegisterConfig{Name: "x", Type: "uint32", Scale: 1}, []byte{0x00, 0x01})
	if !errors.Is(err, domain.ErrMalformedTelemetry) {
		t.Fatalf("short read should be malformed telemetry, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Address: "10.0.0.5:502", Registers: []RegisterConfig{{Name: "p", Address: 100}}}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if cfg.Registers[0].Type != "uint16" || cfg.Registers[0].Scale != 1 {
		t.Fatalf("register defaults not applied: %+v", cfg.Registers[0])
	}

	bad := Config{Address: "10.0.0.5:502", Registers: []RegisterConfig{{Name: "p", Type: "float64"}}}
	bad.ApplyDefaults()
	if err := bad.Validate(); err == nil {
		t.Fatalf("unsupported register type should fail validation")
	}

	if err := (&Config{Registers: []RegisterConfig{{Name: "p"}}}).Validate(); err == nil {
		t.Fatalf("missing address should fail validation")
	}
	if err := (&Config{Address: "x:502"}).Validate(); err == nil {
		t.Fatalf("empty register map should fail validation")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New("m1", Config{}, nil); err == nil {
		t.Fatalf("empty config should be rejected")
	}
}

func TestSendCommandRequiresConnection(t *testing.T) {
	a, err := New("m1", Config{Address: "10.0.0.5:502", Registers: []RegisterConfig{{Name: "p"}}}, nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	env := domain.CommandEnvelope{Payload: []byte(`{"register":40001,"value":2}`)}
	if err := a.SendCommand(context.Background(), env); !errors.Is(err, domain.ErrConnection) {
		t.Fatalf("unconnected adapter should fail with ErrConnection, got %v", err)
	}
}

// stubClient serves canned register bytes; only ReadHoldingRegisters is
// implemented.
type stubClient struct {
	modbus.Client
	data map[uint16][]byte
}

func (s *stubClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	raw, ok := s.data[address]
	if !ok {
		return nil, errors.New("no such register")
	}
	return raw, nil
}

// counterObs records IncCounter calls and discards everything else.
type counterObs struct {
	mu       sync.Mutex
	counters map[string]float64
}

func (c *counterObs) LogInfo(string, ...ports.Field)            {}
func (c *counterObs) LogError(string, error, ...ports.Field)    {}
func (c *counterObs) LogCritical(string, error, ...ports.Field) {}
func (c *counterObs) ObserveLatency(string, float64)            {}
func (c *counterObs) SetGauge(string, float64)                  {}
func (c *counterObs) SetMachineGauge(string, string, float64)   {}

func (c *counterObs) IncCounter(name string, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counters == nil {
		c.counters = make(map[string]float64)
	}
	c.counters[name] += v
}

func (c *counterObs) value(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

func TestPollSkipsUndecodableRegisters(t *testing.T) {
	cfg := Config{
		Address: "10.0.0.5:502",
		Registers: []RegisterConfig{
			{Name: "pressure", Address: 100, Type: "uint16"},
			{Name: "flow", Address: 200, Type: "uint32"},
		},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	obs := &counterObs{}
	a := &Adapter{
		machineID: "m1",
		cfg:       cfg,
		obs:       obs,
		client: &stubClient{data: map[uint16][]byte{
			100: {0x01, 0xF4},
			200: {0x00}, // short read, cannot decode a uint32
		}},
	}

	frame, err := a.poll()
	if err != nil {
		t.Fatalf("a bad register must not abort the poll: %v", err)
	}
	if len(frame.Samples) != 1 || frame.Samples[0].Name != "pressure" || frame.Samples[0].Value.Number != 500 {
		t.Fatalf("good registers should survive a bad sibling, got %+v", frame.Samples)
	}
	if got := obs.value(observability.MetricFramesMalformed); got != 1 {
		t.Fatalf("dropped register must be counted, got %v", got)
	}
}
