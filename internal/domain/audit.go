package domain

import (
	"encoding/json"
	"time"
)

// AuditKind classifies what an audit record wraps.
type AuditKind string

const (
	AuditIngest          AuditKind = "ingest"
	AuditDecision        AuditKind = "decision"
	AuditDispatch        AuditKind = "dispatch"
	AuditDeliveryFailure AuditKind = "delivery_failure"
	AuditSuppressed      AuditKind = "suppressed"
	AuditCancelled       AuditKind = "cancelled"
)

// AuditRecord is one append-only compliance entry. Seq is assigned
// exclusively by the audit recorder and is strictly increasing process-wide.
type AuditRecord struct {
	Seq        uint64          `json:"seq"`
	Kind       AuditKind       `json:"kind"`
	MachineID  string          `json:"machine_id"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}
