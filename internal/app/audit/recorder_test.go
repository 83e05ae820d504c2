package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/auditsink"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/wal"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

func TestRecordAssignsStrictSequence(t *testing.T) {
	sink := auditsink.NewMemorySink()
	r := NewRecorder(Config{}, sink, nil, nil)
	r.Start(context.Background())

	for i := 1; i <= 5; i++ {
		seq, err := r.Record(domain.AuditDecision, "m1", map[string]int{"i": i})
		require.NoError(t, err)
		require.Equal(t, uint64(i), seq)
	}
	r.Close()

	records := sink.Records()
	require.Len(t, records, 5)
	for i, rec := range records {
		require.Equal(t, uint64(i+1), rec.Seq)
		require.Equal(t, domain.AuditDecision, rec.Kind)
	}
}

func TestRecorderConcurrentProducersGaplessOrder(t *testing.T) {
	const (
		producers = 5
		perWorker = 2000
	)
	sink := auditsink.NewMemorySink()
	// a small queue forces backpressure under this load
	r := NewRecorder(Config{QueueSize: 128, BatchSize: 64, FlushInterval: 5 * time.Millisecond}, sink, nil, nil)
	r.Start(context.Background())

	var wg sync.WaitGroup
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			machine := fmt.Sprintf("m%d", w)
			for i := 0; i < perWorker; i++ {
				_, err := r.Record(domain.AuditIngest, machine, map[string]int{"i": i})
				if err != nil {
					t.Errorf("record: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	r.Close()

	records := sink.Records()
	require.Len(t, records, producers*perWorker)
	for i, rec := range records {
		require.Equal(t, uint64(i+1), rec.Seq, "sequence must be gapless and duplicate-free")
	}
}

func TestRecorderRejectsAfterClose(t *testing.T) {
	sink := auditsink.NewMemorySink()
	r := NewRecorder(Config{}, sink, nil, nil)
	r.Start(context.Background())
	r.Close()

	_, err := r.Record(domain.AuditDecision, "m1", nil)
	require.Error(t, err)
}

func TestRecorderUnmarshalablePayload(t *testing.T) {
	sink := auditsink.NewMemorySink()
	r := NewRecorder(Config{}, sink, nil, nil)
	r.Start(context.Background())
	defer r.Close()

	_, err := r.Record(domain.AuditDecision, "m1", map[string]any{"fn": func() {}})
	require.Error(t, err)
}

func TestRecorderDrainsQueueOnClose(t *testing.T) {
	sink := auditsink.NewMemorySink()
	// long flush interval: records sit in the queue until Close drains
	r := NewRecorder(Config{FlushInterval: time.Hour}, sink, nil, nil)
	r.Start(context.Background())

	for i := 0; i < 50; i++ {
		_, err := r.Record(domain.AuditDispatch, "m1", map[string]int{"i": i})
		require.NoError(t, err)
	}
	r.Close()

	require.Equal(t, 50, sink.Count(), "Close must drain every queued record")
}

func TestRecorderCloseWaitsForInFlightProducers(t *testing.T) {
	const (
		producers = 4
		perWorker = 500
	)
	sink := auditsink.NewMemorySink()
	r := NewRecorder(Config{QueueSize: 32, BatchSize: 16, FlushInterval: time.Millisecond}, sink, nil, nil)
	r.Start(context.Background())

	var (
		mu       sync.Mutex
		accepted []uint64
		wg       sync.WaitGroup
	)
	for w := 0; w < producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			machine := fmt.Sprintf("m%d", w)
			for i := 0; i < perWorker; i++ {
				seq, err := r.Record(domain.AuditIngest, machine, map[string]int{"i": i})
				if err != nil {
					return
				}
				mu.Lock()
				accepted = append(accepted, seq)
				mu.Unlock()
			}
		}(w)
	}

	// close while producers are still racing in; every Record that
	// returned a sequence must land in the sink
	time.Sleep(5 * time.Millisecond)
	r.Close()
	wg.Wait()

	seen := make(map[uint64]bool, sink.Count())
	for _, rec := range sink.Records() {
		seen[rec.Seq] = true
	}
	mu.Lock()
	defer mu.Unlock()
	for _, seq := range accepted {
		require.True(t, seen[seq], "accepted seq %d missing from the sink", seq)
	}
}

func TestRecorderShutdownDrainSurvivesCancelledContext(t *testing.T) {
	sink := auditsink.NewMemorySink()
	r := NewRecorder(Config{FlushInterval: time.Hour}, sink, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	for i := 0; i < 20; i++ {
		_, err := r.Record(domain.AuditDecision, "m1", map[string]int{"i": i})
		require.NoError(t, err)
	}

	// the pipeline cancels its context before closing the recorder
	cancel()
	r.Close()

	require.Equal(t, 20, sink.Count(), "records queued at shutdown must reach the sink")
}

func TestRecorderWALReplaysAfterSinkOutage(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.NewFileWAL(dir)
	require.NoError(t, err)

	failing := auditsink.NewMemorySink()
	failing.Fail(fmt.Errorf("sink down"))

	r := NewRecorder(Config{
		WAL:              w,
		FlushInterval:    time.Millisecond,
		SinkMaxAttempts:  1,
		SinkInitialDelay: time.Millisecond,
	}, failing, nil, nil)
	r.Start(context.Background())

	for i := 0; i < 5; i++ {
		_, err := r.Record(domain.AuditDispatch, "m1", map[string]int{"i": i})
		require.NoError(t, err)
	}
	r.Close()
	require.NoError(t, w.Close())
	require.Equal(t, 0, failing.Count())

	// next start: the uncommitted records replay ahead of new traffic
	w2, err := wal.NewFileWAL(dir)
	require.NoError(t, err)
	defer w2.Close()

	sink := auditsink.NewMemorySink()
	r2 := NewRecorder(Config{WAL: w2, FlushInterval: time.Millisecond}, sink, nil, nil)
	r2.Start(context.Background())

	seq, err := r2.Record(domain.AuditDecision, "m1", map[string]int{"i": 5})
	require.NoError(t, err)
	require.Equal(t, uint64(6), seq, "sequence must resume past the recovered tail")

	r2.Close()

	records := sink.Records()
	require.Len(t, records, 6)
	for i, rec := range records {
		require.Equal(t, uint64(i+1), rec.Seq)
	}
	require.Equal(t, uint64(7), w2.Stats().OldestUncommitted, "sink-confirmed records must be committed")
}
