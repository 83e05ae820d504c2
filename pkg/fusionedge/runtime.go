package fusionedge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/auditsink"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/health"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/pipeline"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	sink          ports.AuditSink
	observability ports.Observability
	clock         ports.Clock
	factory       pipeline.AdapterFactory
	rules         []ports.Rule
	registry      *prometheus.Registry
}

// WithAuditSink injects a custom audit sink so the trail can land in any
// database or API instead of Postgres.
func WithAuditSink(s ports.AuditSink) RuntimeOption {
	return func(o *runtimeOverrides) { o.sink = s }
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs ports.Observability) RuntimeOption {
	return func(o *runtimeOverrides) { o.observability = obs }
}

// WithClock overrides the wall clock, mainly for deterministic replays.
func WithClock(c ports.Clock) RuntimeOption {
	return func(o *runtimeOverrides) { o.clock = c }
}

// WithAdapterFactory overrides adapter construction so callers can plug in
// custom protocols or instrumented test doubles per machine.
func WithAdapterFactory(f pipeline.AdapterFactory) RuntimeOption {
	return func(o *runtimeOverrides) { o.factory = f }
}

// WithRules replaces the standard rule chain. Order is evaluation order.
func WithRules(rules ...ports.Rule) RuntimeOption {
	return func(o *runtimeOverrides) { o.rules = rules }
}

// WithPrometheusRegistry mounts pipeline metrics on an existing registry
// instead of a private one.
func WithPrometheusRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) { o.registry = reg }
}

// Runtime wires adapters, correlation, decision, dispatch, and audit into
// one lifecycle and exposes simple hooks for embedding the engine inside
// any Go service.
type Runtime struct {
	cfg  *Config
	obs  ports.Observability
	pipe *pipeline.Pipeline
	db   *sql.DB

	registry   *prometheus.Registry
	metricsSrv *http.Server
}

// NewRuntime bootstraps the default stack (protocol adapters by registry
// entry, Postgres audit sink, Prometheus observability). Options override
// any dependency.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	reg := overrides.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	obs := overrides.observability
	if obs == nil {
		var err error
		obs, err = observability.New(reg, nil)
		if err != nil {
			return nil, err
		}
	}

	var db *sql.DB
	snk := overrides.sink
	if snk == nil {
		if cfg.Audit.Postgres.ConnString == "" {
			return nil, fmt.Errorf("audit sink: set audit.postgres.conn_string or inject one with WithAuditSink")
		}
		var err error
		db, err = sql.Open("postgres", cfg.Audit.Postgres.ConnString)
		if err != nil {
			return nil, err
		}
		snk = auditsink.NewPostgresSink(db, cfg.Audit.Postgres.Table)
	}

	pipe, err := pipeline.New(cfg, snk, overrides.clock, obs, overrides.factory)
	if err != nil {
		if db != nil {
			_ = db.Close()
		}
		return nil, err
	}
	if len(overrides.rules) > 0 {
		pipe.SetRules(overrides.rules)
	}

	return &Runtime{
		cfg:      cfg,
		obs:      obs,
		pipe:     pipe,
		db:       db,
		registry: reg,
	}, nil
}

// Start launches the pipeline and the metrics endpoint. It returns
// immediately; call Run to block on a context instead.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if err := r.pipe.Start(ctx); err != nil {
		return err
	}
	r.startMetrics()
	return nil
}

// Run starts the runtime and blocks until the context is cancelled or a
// stage fails, then attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	runErr := r.pipe.Wait()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Shutdown stops the adapters, drains the audit queue, and closes the
// metrics server and database connection.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}
	if err := r.pipe.Stop(); err != nil {
		errs = append(errs, err)
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishInspection feeds a vision-system result into the correlation bus.
func (r *Runtime) PublishInspection(ctx context.Context, ev InspectionEvent) error {
	return r.pipe.PublishInspection(ctx, ev)
}

// SubscribeDecisions returns a read-only feed of quality decisions plus a
// cancel func. Slow consumers miss feed entries, never audit entries.
func (r *Runtime) SubscribeDecisions() (<-chan QualityDecision, func()) {
	return r.pipe.SubscribeDecisions()
}

// SubscribeHealth returns a feed of machine connection-state transitions.
func (r *Runtime) SubscribeHealth() (<-chan MachineHealth, func()) {
	return r.pipe.Health().Subscribe()
}

// HealthSnapshot reports every machine's current connection state.
func (r *Runtime) HealthSnapshot() []health.Status {
	return r.pipe.Health().Snapshot()
}

// ApplyRegistry hot-reloads the machine registry without restarting
// unrelated machines.
func (r *Runtime) ApplyRegistry(machines []MachineConfig) error {
	return r.pipe.ApplyRegistry(machines)
}

func (r *Runtime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if r.pipe.Backpressured() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("audit backpressure"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.metricsSrv = &http.Server{
		Addr:    r.cfg.Metrics.Addr,
		Handler: mux,
	}

	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogError("metrics_server_exited", err)
		}
	}()
}
