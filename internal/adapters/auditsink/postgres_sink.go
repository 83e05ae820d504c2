// Package auditsink provides AuditSink implementations: a Postgres batch
// writer for durable compliance storage and an in-memory sink for tests.
package auditsink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// PostgresSink appends audit records to a Postgres (or Timescale) table with
// one multi-row INSERT per batch. The unique key on seq makes redelivery of
// an already-acknowledged batch a no-op.
type PostgresSink struct {
	db        *sql.DB
	tableName string
}

func NewPostgresSink(db *sql.DB, table string) *PostgresSink {
	return &PostgresSink{db: db, tableName: table}
}

func (p *PostgresSink) Name() string { return "postgres" }

func (p *PostgresSink) Write(ctx context.Context, records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(p.tableName)
	b.WriteString(" (seq, kind, machine_id, payload, recorded_at) VALUES ")

	args := make([]any, 0, len(records)*5)
	for i, r := range records {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d)",
			len(args)+1, len(args)+2, len(args)+3, len(args)+4, len(args)+5))
		args = append(args,
			r.Seq,
			string(r.Kind),
			r.MachineID,
			[]byte(r.Payload),
			r.RecordedAt,
		)
	}

	b.WriteString(" ON CONFLICT (seq) DO NOTHING")

	_, err := p.db.ExecContext(ctx, b.String(), args...)
	return err
}

var _ ports.AuditSink = (*PostgresSink)(nil)
