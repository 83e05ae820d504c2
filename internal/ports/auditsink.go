package ports

import (
	"context"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

// AuditSink persists audit records outside the engine. Write receives
// records in strict sequence order; a nil return acknowledges the whole
// batch and releases recorder backpressure.
type AuditSink interface {
	Write(ctx context.Context, records []domain.AuditRecord) error
	Name() string
}
