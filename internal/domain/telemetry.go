package domain

import "time"

// Protocol identifies the wire protocol a machine speaks.
type Protocol string

const (
	ProtocolMTConnect Protocol = "mtconnect"
	ProtocolOPCUA     Protocol = "opcua"
	ProtocolModbus    Protocol = "modbus"
	ProtocolSimulated Protocol = "simulated"
)

// MetricKind distinguishes numeric readings from enumerated states.
type MetricKind uint8

const (
	MetricNumber MetricKind = iota
	MetricText
)

// MetricValue is a single named reading. Numeric values carry Number,
// enumerated values (machine mode, alarm state) carry Text.
type MetricValue struct {
	Kind   MetricKind `json:"kind"`
	Number float64    `json:"number,omitempty"`
	Text   string     `json:"text,omitempty"`
}

// Number returns a numeric MetricValue.
func Number(v float64) MetricValue { return MetricValue{Kind: MetricNumber, Number: v} }

// Text returns an enumerated MetricValue.
func Text(s string) MetricValue { return MetricValue{Kind: MetricText, Text: s} }

// TelemetrySample pairs a metric name with its value.
type TelemetrySample struct {
	Name  string      `json:"name"`
	Value MetricValue `json:"value"`
}

// RawFrame is what a protocol adapter emits before normalization: the
// machine's own view of a moment in time, not yet sequenced or clock-aligned.
type RawFrame struct {
	MachineID  string            `json:"machine_id"`
	Protocol   Protocol          `json:"protocol"`
	Samples    []TelemetrySample `json:"samples"`
	SourceTime time.Time         `json:"source_time"`
}

// MachineState is the canonical telemetry record flowing through the engine.
// Samples are kept sorted by name so identical inputs serialize identically.
type MachineState struct {
	MachineID  string            `json:"machine_id"`
	Protocol   Protocol          `json:"protocol"`
	Samples    []TelemetrySample `json:"samples"`
	Seq        uint64            `json:"seq"`
	SourceTime time.Time         `json:"source_time"`
	IngestTime time.Time         `json:"ingest_time"`
}

// Metric looks up a sample by name.
func (m *MachineState) Metric(name string) (MetricValue, bool) {
	for _, s := range m.Samples {
		if s.Name == name {
			return s.Value, true
		}
	}
	return MetricValue{}, false
}
