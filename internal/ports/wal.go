package ports

import "github.com/ROBOTdingDONG/fusionedge/internal/domain"

// WAL is an optional durable buffer behind the audit queue. Records are
// appended before they are enqueued and committed once the sink has
// written them, so a crash or failed final flush loses nothing: uncommitted
// entries are replayed on the next start.
type WAL interface {
	Append(rec domain.AuditRecord) error
	// Replay invokes fn for every appended record with Seq >= from, in
	// append order.
	Replay(from uint64, fn func(rec domain.AuditRecord) error) error
	// Commit marks every record up to and including upto as written.
	Commit(upto uint64) error
	Stats() WALStats
	Close() error
}

// WALStats describes the recovery window.
type WALStats struct {
	OldestUncommitted uint64
	LatestAppended    uint64
	SizeBytes         int64
}
