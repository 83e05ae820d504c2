package fusionedge

import (
	"github.com/ROBOTdingDONG/fusionedge/internal/app/health"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/pipeline"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// MachineState is a normalized telemetry snapshot flowing through the pipeline.
// It is exported so custom adapters and decision consumers can reference it.
type MachineState = domain.MachineState

// TelemetrySample is one metric reading inside a MachineState.
type TelemetrySample = domain.TelemetrySample

// RawFrame is the protocol-agnostic payload adapters emit.
type RawFrame = domain.RawFrame

// InspectionEvent is a vision-system quality result awaiting correlation.
type InspectionEvent = domain.InspectionEvent

// DefectFinding is one localized defect inside an InspectionEvent.
type DefectFinding = domain.DefectFinding

// CorrelatedFrame pairs an inspection with its closest machine state.
type CorrelatedFrame = domain.CorrelatedFrame

// QualityDecision is the rule chain's verdict for one correlated frame.
type QualityDecision = domain.QualityDecision

// CommandEnvelope wraps an outbound machine command with delivery metadata.
type CommandEnvelope = domain.CommandEnvelope

// AuditRecord is one sequenced entry in the audit trail.
type AuditRecord = domain.AuditRecord

// Adapter streams telemetry from one machine and delivers commands back to it.
type Adapter = ports.Adapter

// AdapterFactory builds an adapter for one machine registry entry.
type AdapterFactory = pipeline.AdapterFactory

// Rule is one step of the ordered quality rule chain.
type Rule = ports.Rule

// RuleFunc adapts a plain function into a Rule.
type RuleFunc = ports.RuleFunc

// AuditSink persists ordered audit batches to any downstream store.
type AuditSink = ports.AuditSink

// Observability emits metrics and structured logs about the pipeline.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

// Clock abstracts time so tests can replay deterministic schedules.
type Clock = ports.Clock

// MachineHealth is one machine's connection state report.
type MachineHealth = health.Status

// HealthState enumerates machine connection states.
type HealthState = health.State

// Verdict is a quality outcome: accept, reject, hold, or alarm.
type Verdict = domain.Verdict

// Action is the machine-facing consequence of a verdict.
type Action = domain.Action
