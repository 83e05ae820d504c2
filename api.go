package fusionedge

import (
	"github.com/prometheus/client_golang/prometheus"

	base "github.com/ROBOTdingDONG/fusionedge/pkg/fusionedge"
)

// Re-exported errors for convenience.
var (
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
)

// Type aliases so consumers can import github.com/ROBOTdingDONG/fusionedge directly.
type (
	Config              = base.Config
	MachineConfig       = base.MachineConfig
	CommandTargetConfig = base.CommandTargetConfig
	ConnectionConfig    = base.ConnectionConfig
	CorrelationConfig   = base.CorrelationConfig
	RulesConfig         = base.RulesConfig
	DispatchConfig      = base.DispatchConfig
	AuditConfig         = base.AuditConfig
	MetricsConfig       = base.MetricsConfig
	MTConnectConfig     = base.MTConnectConfig
	OPCUAConfig         = base.OPCUAConfig
	ModbusConfig        = base.ModbusConfig
	SimulatorConfig     = base.SimulatorConfig

	Flow          = base.Flow
	FlowOption    = base.FlowOption
	SenseInOption = base.SenseInOption
	ActOutOption  = base.ActOutOption
	Runtime       = base.Runtime
	RuntimeOption = base.RuntimeOption

	MachineState    = base.MachineState
	TelemetrySample = base.TelemetrySample
	RawFrame        = base.RawFrame
	InspectionEvent = base.InspectionEvent
	DefectFinding   = base.DefectFinding
	CorrelatedFrame = base.CorrelatedFrame
	QualityDecision = base.QualityDecision
	CommandEnvelope = base.CommandEnvelope
	AuditRecord     = base.AuditRecord
	AuditBatchSink  = base.AuditBatchSink
	Adapter         = base.Adapter
	AdapterFactory  = base.AdapterFactory
	Rule            = base.Rule
	RuleFunc        = base.RuleFunc
	AuditSink       = base.AuditSink
	Observability   = base.Observability
	Field           = base.Field
	Clock           = base.Clock
	MachineHealth   = base.MachineHealth
	HealthState     = base.HealthState
	Verdict         = base.Verdict
	Action          = base.Action
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func SenseInAdapters(factory AdapterFactory) SenseInOption {
	return base.SenseInAdapters(factory)
}

func SenseInClock(c Clock) SenseInOption {
	return base.SenseInClock(c)
}

func SenseInObservability(obs Observability) SenseInOption {
	return base.SenseInObservability(obs)
}

func ActOutSink(s AuditSink) ActOutOption {
	return base.ActOutSink(s)
}

func ActOutRules(rules ...Rule) ActOutOption {
	return base.ActOutRules(rules...)
}

func ActOutCallback(name string, fn AuditBatchSink) ActOutOption {
	return base.ActOutCallback(name, fn)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithAuditSink(s AuditSink) RuntimeOption {
	return base.WithAuditSink(s)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithClock(c Clock) RuntimeOption {
	return base.WithClock(c)
}

func WithAdapterFactory(f AdapterFactory) RuntimeOption {
	return base.WithAdapterFactory(f)
}

func WithRules(rules ...Rule) RuntimeOption {
	return base.WithRules(rules...)
}

func WithPrometheusRegistry(reg *prometheus.Registry) RuntimeOption {
	return base.WithPrometheusRegistry(reg)
}

// Sink helpers.
func NewCallbackSink(name string, fn AuditBatchSink) AuditSink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (AuditSink, <-chan []AuditRecord, func()) {
	return base.NewChannelSink(name, buffer)
}
