package fusionedge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

func TestNewCallbackSink(t *testing.T) {
	var received []AuditRecord
	sink := NewCallbackSink("cb", func(batch []AuditRecord) error {
		received = append(received, batch...)
		return nil
	})

	rec := AuditRecord{Seq: 42, Kind: domain.AuditDecision, MachineID: "m1", Payload: json.RawMessage(`{"v":1}`)}
	if err := sink.Write(context.Background(), []AuditRecord{rec}); err != nil {
		t.Fatalf("write returned error: %v", err)
	}
	if len(received) != 1 || received[0].Seq != 42 {
		t.Fatalf("unexpected received batch %+v", received)
	}
	if sink.Name() != "cb" {
		t.Fatalf("expected sink name cb, got %s", sink.Name())
	}
}

func TestNewCallbackSinkNilHandler(t *testing.T) {
	sink := NewCallbackSink("", nil)
	rec := AuditRecord{Seq: 1}
	if err := sink.Write(context.Background(), []AuditRecord{rec}); err == nil {
		t.Fatalf("nil handler should error")
	}
	if sink.Name() != "callback" {
		t.Fatalf("empty name should default to callback")
	}
}

func TestNewChannelSink(t *testing.T) {
	sink, ch, stop := NewChannelSink("audit", 1)

	rec := AuditRecord{Seq: 7, Kind: domain.AuditDispatch}
	if err := sink.Write(context.Background(), []AuditRecord{rec}); err != nil {
		t.Fatalf("write returned error: %v", err)
	}

	batch := <-ch
	if len(batch) != 1 || batch[0].Seq != 7 {
		t.Fatalf("unexpected batch %+v", batch)
	}

	stop()
	if err := sink.Write(context.Background(), []AuditRecord{rec}); !errors.Is(err, ErrChannelSinkClosed) {
		t.Fatalf("closed sink should return ErrChannelSinkClosed, got %v", err)
	}
}
