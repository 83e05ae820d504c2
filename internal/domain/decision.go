package domain

import "time"

// CorrelatedFrame joins an InspectionEvent with the MachineState closest to
// its capture time. When no state fell inside the correlation window the
// frame is a miss: State is nil and Miss is true. A miss is still a valid
// decision-engine input ("state unknown"), never a silent drop.
type CorrelatedFrame struct {
	MachineID  string          `json:"machine_id"`
	Inspection InspectionEvent `json:"inspection"`
	State      *MachineState   `json:"state,omitempty"`
	Miss       bool            `json:"miss"`
	// Offset is the signed distance between capture and state source time.
	Offset time.Duration `json:"offset"`
}

// Verdict is the quality outcome for one correlated frame.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
	VerdictHold   Verdict = "hold"
	VerdictAlarm  Verdict = "alarm"
)

// Action is the machine action recommended alongside a verdict.
type Action string

const (
	ActionNone   Action = "none"
	ActionAdjust Action = "adjust"
	ActionStop   Action = "stop"
)

// QualityDecision is the engine's output for exactly one CorrelatedFrame.
// Immutable once created.
type QualityDecision struct {
	Frame      CorrelatedFrame `json:"frame"`
	Verdict    Verdict         `json:"verdict"`
	Action     Action          `json:"action"`
	ReasonCode string          `json:"reason_code"`
	// Degraded is set when any rule was skipped due to an evaluation error,
	// or when the frame was a correlation miss.
	Degraded  bool      `json:"degraded"`
	DecidedAt time.Time `json:"decided_at"`
}

// RuleOutcome is what a single rule reports back to the engine. A rule that
// does not fire leaves Fired false and the engine falls through to the next.
type RuleOutcome struct {
	Fired      bool
	Verdict    Verdict
	Action     Action
	ReasonCode string
}
