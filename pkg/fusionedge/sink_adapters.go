package fusionedge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after
// being closed.
var ErrChannelSinkClosed = errors.New("fusionedge: channel sink closed")

// AuditBatchSink is invoked with ordered batches drained from the recorder.
type AuditBatchSink func([]AuditRecord) error

// NewCallbackSink adapts an AuditBatchSink into a full audit sink so callers
// can plug arbitrary functions without defining structs.
func NewCallbackSink(name string, fn AuditBatchSink) AuditSink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes audit batches via a channel; it returns the sink,
// the read-only channel, and a close function for shutdown.
func NewChannelSink(name string, buffer int) (AuditSink, <-chan []AuditRecord, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []AuditRecord, buffer)
	s := &channelSink{name: name, ch: ch}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   AuditBatchSink
}

func (s *callbackSink) Write(_ context.Context, records []domain.AuditRecord) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if len(records) == 0 {
		return nil
	}
	return s.fn(records)
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name      string
	ch        chan []AuditRecord
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Write holds a read lock for the duration of the send so close cannot
// tear down the channel under an in-flight batch.
func (s *channelSink) Write(ctx context.Context, records []domain.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := make([]AuditRecord, len(records))
	copy(batch, records)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrChannelSinkClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- batch:
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
