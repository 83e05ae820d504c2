package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

type mockAdapter struct {
	mu      sync.Mutex
	sent    []domain.CommandEnvelope
	failTil int // fail the first N sends
	calls   int
}

func (m *mockAdapter) MachineID() string        { return "m1" }
func (m *mockAdapter) Protocol() domain.Protocol { return domain.ProtocolSimulated }
func (m *mockAdapter) Connect(context.Context) error { return nil }
func (m *mockAdapter) Stream(context.Context, chan<- domain.RawFrame) error { return nil }
func (m *mockAdapter) Disconnect() error { return nil }

func (m *mockAdapter) SendCommand(_ context.Context, env domain.CommandEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failTil {
		return fmt.Errorf("machine unreachable")
	}
	m.sent = append(m.sent, env)
	return nil
}

type mockRecorder struct {
	mu      sync.Mutex
	records []recordedEntry
}

type recordedEntry struct {
	kind      domain.AuditKind
	machineID string
}

func (m *mockRecorder) Record(kind domain.AuditKind, machineID string, payload any) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, recordedEntry{kind, machineID})
	return uint64(len(m.records)), nil
}

func (m *mockRecorder) byKind(kind domain.AuditKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.kind == kind {
			n++
		}
	}
	return n
}

var _ ports.AuditRecorder = (*mockRecorder)(nil)

func rejectDecision() domain.QualityDecision {
	return domain.QualityDecision{
		Frame: domain.CorrelatedFrame{
			MachineID:  "m1",
			Inspection: domain.InspectionEvent{MachineID: "m1", PartID: "p1"},
		},
		Verdict:    domain.VerdictReject,
		Action:     domain.ActionStop,
		ReasonCode: "defect_threshold",
	}
}

func newTestDispatcher(adapter *mockAdapter, rec *mockRecorder, cfg Config) *Dispatcher {
	lookup := func(string) (ports.Adapter, bool) { return adapter, adapter != nil }
	d := New(cfg, lookup, rec, nil, nil)
	d.SetTarget("m1", Target{Protocol: domain.ProtocolSimulated})
	return d
}

func TestDispatchDeliversAndAudits(t *testing.T) {
	adapter := &mockAdapter{}
	rec := &mockRecorder{}
	d := newTestDispatcher(adapter, rec, Config{})

	if err := d.Dispatch(context.Background(), rejectDecision()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(adapter.sent) != 1 {
		t.Fatalf("expected 1 delivered command, got %d", len(adapter.sent))
	}
	if got := rec.byKind(domain.AuditDispatch); got != 1 {
		t.Fatalf("expected 1 dispatch audit record, got %d", got)
	}

	var doc map[string]any
	if err := json.Unmarshal(adapter.sent[0].Payload, &doc); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if doc["verdict"] != "reject" || doc["action"] != "stop" {
		t.Fatalf("unexpected payload %v", doc)
	}
}

func TestDispatchAcceptProducesNoCommand(t *testing.T) {
	adapter := &mockAdapter{}
	rec := &mockRecorder{}
	d := newTestDispatcher(adapter, rec, Config{})

	dec := rejectDecision()
	dec.Verdict = domain.VerdictAccept
	dec.Action = domain.ActionNone

	if err := d.Dispatch(context.Background(), dec); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(adapter.sent) != 0 {
		t.Fatalf("accept without ack_on_accept must not send")
	}
}

func TestDispatchAckOnAcceptSends(t *testing.T) {
	adapter := &mockAdapter{}
	rec := &mockRecorder{}
	d := newTestDispatcher(adapter, rec, Config{})
	d.SetTarget("m1", Target{Protocol: domain.ProtocolSimulated, AckOnAccept: true})

	dec := rejectDecision()
	dec.Verdict = domain.VerdictAccept
	dec.Action = domain.ActionNone

	if err := d.Dispatch(context.Background(), dec); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(adapter.sent) != 1 {
		t.Fatalf("ack_on_accept machine should receive an acknowledgment")
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	adapter := &mockAdapter{failTil: 2}
	rec := &mockRecorder{}
	d := newTestDispatcher(adapter, rec, Config{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Deadline:       time.Second,
	})

	if err := d.Dispatch(context.Background(), rejectDecision()); err != nil {
		t.Fatalf("dispatch should succeed after retries: %v", err)
	}
	if adapter.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", adapter.calls)
	}
	if len(adapter.sent) != 1 || adapter.sent[0].Attempts != 3 {
		t.Fatalf("envelope should record its attempts: %+v", adapter.sent)
	}
}

func TestDispatchTerminalFailureAuditsExactlyOnce(t *testing.T) {
	adapter := &mockAdapter{failTil: 100}
	rec := &mockRecorder{}
	d := newTestDispatcher(adapter, rec, Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Deadline:       time.Second,
	})

	err := d.Dispatch(context.Background(), rejectDecision())
	if !errors.Is(err, domain.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if got := rec.byKind(domain.AuditDeliveryFailure); got != 1 {
		t.Fatalf("terminal failure must produce exactly one audit record, got %d", got)
	}
	if got := rec.byKind(domain.AuditDispatch); got != 0 {
		t.Fatalf("failed delivery must not audit as dispatched")
	}
}

func TestDispatchBreakerSuppressesAfterConsecutiveFailures(t *testing.T) {
	adapter := &mockAdapter{failTil: 1 << 30}
	rec := &mockRecorder{}
	d := newTestDispatcher(adapter, rec, Config{
		MaxRetries:       1,
		InitialBackoff:   time.Millisecond,
		Deadline:         time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})

	for i := 0; i < 2; i++ {
		if err := d.Dispatch(context.Background(), rejectDecision()); !errors.Is(err, domain.ErrDeliveryFailed) {
			t.Fatalf("warmup %d: expected ErrDeliveryFailed, got %v", i, err)
		}
	}

	callsBefore := adapter.calls
	err := d.Dispatch(context.Background(), rejectDecision())
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if adapter.calls != callsBefore {
		t.Fatalf("open breaker must not attempt delivery")
	}
	if got := rec.byKind(domain.AuditSuppressed); got != 1 {
		t.Fatalf("suppressed command must be audited, got %d", got)
	}
}

func TestDispatchMissingTargetAuditsCancelled(t *testing.T) {
	adapter := &mockAdapter{}
	rec := &mockRecorder{}
	d := newTestDispatcher(adapter, rec, Config{})
	d.RemoveTarget("m1")

	if err := d.Dispatch(context.Background(), rejectDecision()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := rec.byKind(domain.AuditCancelled); got != 1 {
		t.Fatalf("decision for a removed machine should audit cancelled, got %d", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := newBreaker(2, time.Minute, clock)

	b.failure()
	b.failure()
	if b.allow() {
		t.Fatalf("breaker should be open after threshold failures")
	}

	now = now.Add(61 * time.Second)
	if !b.allow() {
		t.Fatalf("breaker should half-open after cooldown")
	}
	b.success()
	if !b.allow() {
		t.Fatalf("breaker should close after a successful probe")
	}
}

func TestEncodeCommandPerProtocol(t *testing.T) {
	dec := rejectDecision()

	opcua, err := encodeCommand(Target{Protocol: domain.ProtocolOPCUA, NodeID: "ns=2;s=Cmd"}, dec)
	if err != nil {
		t.Fatalf("opcua encode: %v", err)
	}
	var opcuaDoc map[string]any
	if err := json.Unmarshal(opcua, &opcuaDoc); err != nil {
		t.Fatalf("opcua payload: %v", err)
	}
	if opcuaDoc["node_id"] != "ns=2;s=Cmd" || opcuaDoc["value"] != float64(actionCodeStop) {
		t.Fatalf("unexpected opcua payload %v", opcuaDoc)
	}

	if _, err := encodeCommand(Target{Protocol: domain.ProtocolOPCUA}, dec); err == nil {
		t.Fatalf("opcua target without node must fail")
	}

	modbus, err := encodeCommand(Target{Protocol: domain.ProtocolModbus, Register: 40001}, dec)
	if err != nil {
		t.Fatalf("modbus encode: %v", err)
	}
	var modbusDoc map[string]any
	if err := json.Unmarshal(modbus, &modbusDoc); err != nil {
		t.Fatalf("modbus payload: %v", err)
	}
	if modbusDoc["register"] != float64(40001) || modbusDoc["value"] != float64(actionCodeStop) {
		t.Fatalf("unexpected modbus payload %v", modbusDoc)
	}
}
