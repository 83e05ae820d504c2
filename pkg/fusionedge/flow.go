package fusionedge

import (
	"context"
	"fmt"
)

// Flow is a convenience builder that lets callers say Conf → SenseIN → ActOUT
// without touching the underlying hexagonal wiring.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// SenseInOption configures the adapter/ingest side of the pipeline.
type SenseInOption func(*Flow)

// ActOutOption configures the decision/dispatch/audit side of the pipeline.
type ActOutOption func(*Flow)

// Conf loads YAML from disk, applies FlowOption values, and returns a Flow builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the underlying configuration so callers can tweak it before
// building a runtime.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends raw RuntimeOption values to the builder for advanced scenarios.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

// SenseIN records adapter-side overrides (factories, clocks, observability).
func (f *Flow) SenseIN(opts ...SenseInOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// ActOUT records decision/audit-side overrides and builds a Runtime ready to run.
func (f *Flow) ActOUT(opts ...ActOutOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run is a shortcut for ActOUT + runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...ActOutOption) error {
	rt, err := f.ActOUT(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions appends RuntimeOption values during Conf.
func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// SenseInAdapters injects a custom adapter factory (new protocols, simulators,
// instrumented doubles).
func SenseInAdapters(factory AdapterFactory) SenseInOption {
	return func(f *Flow) {
		if f != nil && factory != nil {
			f.appendOptions(WithAdapterFactory(factory))
		}
	}
}

// SenseInClock overrides the wall clock for deterministic replays.
func SenseInClock(c Clock) SenseInOption {
	return func(f *Flow) {
		if f != nil && c != nil {
			f.appendOptions(WithClock(c))
		}
	}
}

// SenseInObservability overrides the Prometheus-based observability stack.
func SenseInObservability(obs Observability) SenseInOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// ActOutSink injects a custom audit sink implementation.
func ActOutSink(s AuditSink) ActOutOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithAuditSink(s))
		}
	}
}

// ActOutRules replaces the standard quality rule chain.
func ActOutRules(rules ...Rule) ActOutOption {
	return func(f *Flow) {
		if f != nil && len(rules) > 0 {
			f.appendOptions(WithRules(rules...))
		}
	}
}

// ActOutCallback installs an audit sink built from a simple callback function.
func ActOutCallback(name string, fn AuditBatchSink) ActOutOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithAuditSink(NewCallbackSink(name, fn)))
		}
	}
}

func (f *Flow) appendOptions(opts ...RuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
