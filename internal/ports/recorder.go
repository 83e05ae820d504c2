package ports

import "github.com/ROBOTdingDONG/fusionedge/internal/domain"

// AuditRecorder accepts one record per upstream event and assigns it a
// globally unique, strictly increasing sequence number. Record blocks when
// the recorder is backpressured; it never drops.
type AuditRecorder interface {
	Record(kind domain.AuditKind, machineID string, payload any) (uint64, error)
}
