package auditsink

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

func TestPostgresSinkWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewPostgresSink(db, "audit_records")
	ts := time.Now().UTC()

	records := []domain.AuditRecord{
		{Seq: 1, Kind: domain.AuditDecision, MachineID: "m1", Payload: json.RawMessage(`{"v":1}`), RecordedAt: ts},
		{Seq: 2, Kind: domain.AuditDispatch, MachineID: "m1", Payload: json.RawMessage(`{"v":2}`), RecordedAt: ts},
	}

	expectedQuery := regexp.QuoteMeta("INSERT INTO audit_records (seq, kind, machine_id, payload, recorded_at) VALUES ($1,$2,$3,$4,$5),($6,$7,$8,$9,$10) ON CONFLICT (seq) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs(
			uint64(1), string(domain.AuditDecision), "m1", sqlmock.AnyArg(), ts,
			uint64(2), string(domain.AuditDispatch), "m1", sqlmock.AnyArg(), ts,
		).
		WillReturnResult(sqlmock.NewResult(2, 2))

	if err := sink.Write(context.Background(), records); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSinkEmptyBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewPostgresSink(db, "audit_records")
	if err := sink.Write(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSinkPropagatesError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewPostgresSink(db, "audit_records")
	mock.ExpectExec("INSERT INTO audit_records").WillReturnError(fmt.Errorf("connection refused"))

	rec := domain.AuditRecord{Seq: 1, Kind: domain.AuditIngest, MachineID: "m1", Payload: json.RawMessage(`{}`)}
	if err := sink.Write(context.Background(), []domain.AuditRecord{rec}); err == nil {
		t.Fatalf("database error must propagate so the recorder retries")
	}
}

func TestMemorySinkFailAndRecover(t *testing.T) {
	sink := NewMemorySink()

	rec := domain.AuditRecord{Seq: 1, Kind: domain.AuditIngest, MachineID: "m1"}
	if err := sink.Write(context.Background(), []domain.AuditRecord{rec}); err != nil {
		t.Fatalf("write: %v", err)
	}

	sink.Fail(fmt.Errorf("down"))
	if err := sink.Write(context.Background(), []domain.AuditRecord{rec}); err == nil {
		t.Fatalf("failed sink should reject writes")
	}

	sink.Fail(nil)
	if err := sink.Write(context.Background(), []domain.AuditRecord{rec}); err != nil {
		t.Fatalf("recovered sink should accept writes: %v", err)
	}
	if sink.Count() != 2 {
		t.Fatalf("expected 2 stored records, got %d", sink.Count())
	}
}
