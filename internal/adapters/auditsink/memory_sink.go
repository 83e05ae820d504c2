package auditsink

import (
	"context"
	"sync"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// MemorySink stores audit records in memory (development/testing use).
type MemorySink struct {
	mu      sync.Mutex
	records []domain.AuditRecord
	failErr error
}

// NewMemorySink creates a new in-memory audit sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Name() string { return "memory" }

// Write appends records to the in-memory store.
func (s *MemorySink) Write(_ context.Context, records []domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.records = append(s.records, records...)
	return nil
}

// Fail makes subsequent writes return err (nil restores normal writes).
func (s *MemorySink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Records returns a copy of all stored audit records.
func (s *MemorySink) Records() []domain.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Count returns the number of stored records.
func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

var _ ports.AuditSink = (*MemorySink)(nil)
