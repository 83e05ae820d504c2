// Package observability implements the engine's Observability port with
// Prometheus metrics and slog structured logging.
package observability

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// Metric names used across the pipeline.
const (
	MetricFramesIngested   = "fusion_frames_ingested_total"
	MetricFramesMalformed  = "fusion_frames_malformed_total"
	MetricFramesUnknown    = "fusion_frames_unknown_machine_total"
	MetricFramesOutOfOrder = "fusion_frames_out_of_order_total"
	MetricCorrelations     = "fusion_correlations_total"
	MetricCorrelationMiss  = "fusion_correlation_miss_total"
	MetricDecisions        = "fusion_decisions_total"
	MetricRulesSkipped     = "fusion_rules_skipped_total"
	MetricCommandsSent     = "fusion_commands_sent_total"
	MetricDeliveryFailures = "fusion_delivery_failures_total"
	MetricSuppressed       = "fusion_commands_suppressed_total"
	MetricAuditQueueLen    = "fusion_audit_queue_length"
	MetricAuditBackpressed = "fusion_audit_backpressure_total"
	MetricDecideLatency    = "fusion_decide_latency_seconds"
	MetricDispatchLatency  = "fusion_dispatch_latency_seconds"
	MetricMachineHealth    = "fusion_machine_health"
)

// PromObs routes metrics to Prometheus and logs to slog.
type PromObs struct {
	log      *slog.Logger
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	machine  map[string]*prometheus.GaugeVec
	histos   map[string]prometheus.Observer
}

// New registers the engine's metrics on reg and returns the adapter.
// A nil reg uses the default registerer; a nil logger logs to stderr.
func New(reg prometheus.Registerer, logger *slog.Logger) (*PromObs, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	counters := make(map[string]prometheus.Counter)
	for name, help := range map[string]string{
		MetricFramesIngested:   "Frames accepted by the normalizer.",
		MetricFramesMalformed:  "Frames dropped as malformed.",
		MetricFramesUnknown:    "Frames dropped for unknown machine IDs.",
		MetricFramesOutOfOrder: "Frames dropped for sequence regression.",
		MetricCorrelations:     "Inspection events joined to a machine state.",
		MetricCorrelationMiss:  "Inspection events with no state in the window.",
		MetricDecisions:        "Quality decisions produced.",
		MetricRulesSkipped:     "Rules skipped after an evaluation error.",
		MetricCommandsSent:     "Command envelopes delivered to adapters.",
		MetricDeliveryFailures: "Command envelopes that exhausted retries.",
		MetricSuppressed:       "Commands suppressed by an open circuit breaker.",
		MetricAuditBackpressed: "Times the audit queue applied backpressure.",
	} {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		if err := reg.Register(c); err != nil {
			return nil, err
		}
		counters[name] = c
	}

	gauges := make(map[string]prometheus.Gauge)
	for name, help := range map[string]string{
		MetricAuditQueueLen: "Audit records waiting for the sink.",
	} {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		if err := reg.Register(g); err != nil {
			return nil, err
		}
		gauges[name] = g
	}

	machine := make(map[string]*prometheus.GaugeVec)
	for name, help := range map[string]string{
		MetricMachineHealth: "Connection health per machine (0=failed..3=connected).",
	} {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"machine_id"})
		if err := reg.Register(g); err != nil {
			return nil, err
		}
		machine[name] = g
	}

	histos := make(map[string]prometheus.Observer)
	for name, help := range map[string]string{
		MetricDecideLatency:   "Latency from correlation to decision.",
		MetricDispatchLatency: "Latency from decision to delivered command.",
	} {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    name,
			Help:    help,
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		})
		if err := reg.Register(h); err != nil {
			return nil, err
		}
		histos[name] = h
	}

	return &PromObs{
		log:      logger,
		counters: counters,
		gauges:   gauges,
		machine:  machine,
		histos:   histos,
	}, nil
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	p.log.Info(msg, attrs(fields)...)
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err))...)
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	p.log.Error(msg, append(attrs(fields), slog.Any("error", err), slog.Bool("critical", true))...)
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) SetMachineGauge(name, machineID string, v float64) {
	if g, ok := p.machine[name]; ok {
		g.WithLabelValues(machineID).Set(v)
	}
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

var _ ports.Observability = (*PromObs)(nil)
