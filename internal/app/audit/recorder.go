// Package audit assigns every engine event its place in the immutable
// compliance record: a single strictly increasing global sequence, a
// bounded in-memory queue, and in-order forwarding to an external sink.
package audit

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
	"github.com/ROBOTdingDONG/fusionedge/internal/retry"
)

// Config bounds the recorder's buffering.
type Config struct {
	QueueSize int
	BatchSize int
	// FlushInterval forwards a partial batch at least this often.
	FlushInterval time.Duration
	// SinkMaxAttempts and SinkInitialDelay govern the forwarder's retry
	// policy against a failing sink.
	SinkMaxAttempts  int
	SinkInitialDelay time.Duration
	// WAL, when set, makes the queue durable: records are appended before
	// they are enqueued and committed once the sink has written them.
	// Uncommitted entries are replayed when the forwarder starts.
	WAL ports.WAL
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 10_000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.SinkMaxAttempts <= 0 {
		c.SinkMaxAttempts = 10
	}
	if c.SinkInitialDelay <= 0 {
		c.SinkInitialDelay = 50 * time.Millisecond
	}
}

// Recorder is the only process-wide mutable state in the engine: one
// atomic sequence counter. Producers block (backpressure) when the queue
// is full; records are never dropped.
type Recorder struct {
	cfg   Config
	sink  ports.AuditSink
	clock ports.Clock
	obs   ports.Observability

	seq           atomic.Uint64
	queue         chan domain.AuditRecord
	backpressured atomic.Bool

	mu        sync.Mutex
	closed    bool
	producers sync.WaitGroup
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewRecorder(cfg Config, sink ports.AuditSink, clock ports.Clock, obs ports.Observability) *Recorder {
	cfg.applyDefaults()
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	r := &Recorder{
		cfg:   cfg,
		sink:  sink,
		clock: clock,
		obs:   obs,
		queue: make(chan domain.AuditRecord, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	// resume the global sequence past anything a previous run logged
	if cfg.WAL != nil {
		r.seq.Store(cfg.WAL.Stats().LatestAppended)
	}
	return r
}

// Start launches the forwarding loop.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Backpressured reports whether producers are currently being throttled.
func (r *Recorder) Backpressured() bool { return r.backpressured.Load() }

// Record assigns the next global sequence number and enqueues the record.
// When the queue is full it blocks until the sink catches up; the sequence
// is still assigned, so the record is never lost or renumbered.
func (r *Recorder) Record(kind domain.AuditKind, machineID string, payload any) (uint64, error) {
	// the producer count and the closed flag move together, so Close can
	// wait for every in-flight Record to finish enqueueing
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, fmt.Errorf("audit recorder closed")
	}
	r.producers.Add(1)
	r.mu.Unlock()
	defer r.producers.Done()

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("audit payload: %w", err)
	}

	rec := domain.AuditRecord{
		Seq:        r.seq.Add(1),
		Kind:       kind,
		MachineID:  machineID,
		Payload:    body,
		RecordedAt: r.clock.Now(),
	}

	if r.cfg.WAL != nil {
		if err := r.cfg.WAL.Append(rec); err != nil {
			// the record still flows through the queue; only its crash
			// durability is degraded
			r.obs.LogCritical("audit_wal_append_failed", err,
				ports.Field{Key: "seq", Value: rec.Seq})
		}
	}

	select {
	case r.queue <- rec:
	default:
		r.backpressured.Store(true)
		r.obs.IncCounter(observability.MetricAuditBackpressed, 1)
		r.obs.LogError("audit_backpressure", domain.ErrAuditBackpressure,
			ports.Field{Key: "queue_size", Value: r.cfg.QueueSize})
		r.queue <- rec
		r.backpressured.Store(false)
	}
	return rec.Seq, nil
}

// Close stops accepting records, waits for in-flight producers to finish
// enqueueing, drains the queue to the sink, and waits for the forwarder.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.producers.Wait()
	close(r.done)
	r.wg.Wait()
}

// recordHeap orders buffered records by sequence so the forwarder can
// restore global order across concurrent producers.
type recordHeap []domain.AuditRecord

func (h recordHeap) Len() int           { return len(h) }
func (h recordHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }
func (h recordHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *recordHeap) Push(x any)        { *h = append(*h, x.(domain.AuditRecord)) }
func (h *recordHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (r *Recorder) run(ctx context.Context) {
	defer r.wg.Done()

	// shutdown flows through Close, never through context cancellation:
	// the forwarder must outlive the pipeline's context so queued records
	// still reach the sink during teardown
	ctx = context.WithoutCancel(ctx)

	var (
		pending recordHeap
		ready   []domain.AuditRecord
		nextSeq uint64 = 1
	)
	heap.Init(&pending)

	collect := func(rec domain.AuditRecord) {
		heap.Push(&pending, rec)
		for pending.Len() > 0 && pending[0].Seq == nextSeq {
			ready = append(ready, heap.Pop(&pending).(domain.AuditRecord))
			nextSeq++
		}
	}

	flush := func() {
		for len(ready) > 0 {
			n := len(ready)
			if n > r.cfg.BatchSize {
				n = r.cfg.BatchSize
			}
			batch := ready[:n]
			err := retry.Do(ctx, retry.Config{
				MaxAttempts:  r.cfg.SinkMaxAttempts,
				InitialDelay: r.cfg.SinkInitialDelay,
				MaxDelay:     2 * time.Second,
				Multiplier:   2.0,
				AddJitter:    true,
			}, func() error {
				return r.sink.Write(ctx, batch)
			})
			if err != nil {
				// keep the batch; order must not be broken. With a WAL the
				// records are uncommitted on disk and replay next start.
				r.obs.LogCritical("audit_sink_write_failed", err,
					ports.Field{Key: "batch", Value: len(batch)})
				return
			}
			if r.cfg.WAL != nil {
				if err := r.cfg.WAL.Commit(batch[n-1].Seq); err != nil {
					r.obs.LogError("audit_wal_commit_failed", err,
						ports.Field{Key: "seq", Value: batch[n-1].Seq})
				}
			}
			ready = ready[n:]
			r.obs.SetGauge(observability.MetricAuditQueueLen, float64(len(r.queue)+len(ready)+pending.Len()))
		}
	}

	// records a previous run appended but never confirmed are forwarded
	// first, ahead of anything this run produces
	if r.cfg.WAL != nil {
		st := r.cfg.WAL.Stats()
		// OldestUncommitted is also the next sequence a fully-committed log
		// will produce
		nextSeq = st.OldestUncommitted
		if st.LatestAppended >= st.OldestUncommitted {
			err := r.cfg.WAL.Replay(st.OldestUncommitted, func(rec domain.AuditRecord) error {
				collect(rec)
				return nil
			})
			if err != nil {
				r.obs.LogCritical("audit_wal_replay_failed", err)
			}
		}
	}

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			// Close has already waited for every producer, so the queue
			// holds everything that will ever arrive
			for {
				select {
				case rec := <-r.queue:
					collect(rec)
				default:
					flush()
					return
				}
			}
		case rec := <-r.queue:
			collect(rec)
			if len(ready) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
