package decide

import (
	"fmt"
	"testing"
	"time"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func testParams() Params {
	return Params{
		Interlocks:      []Interlock{{Metric: "spindle_temp", Min: 0, Max: 90}},
		DefectThreshold: 0.8,
		ScoreThreshold:  0.6,
		RejectStreak:    3,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(StandardRules(testParams()), 20, fixedClock{time.Now().UTC()}, nil)
}

func frameWithState(samples ...domain.TelemetrySample) domain.CorrelatedFrame {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return domain.CorrelatedFrame{
		MachineID: "m1",
		Inspection: domain.InspectionEvent{
			MachineID:   "m1",
			PartID:      "p1",
			Score:       0.95,
			Passed:      true,
			CaptureTime: now,
		},
		State: &domain.MachineState{
			MachineID:  "m1",
			Seq:        1,
			Samples:    samples,
			SourceTime: now,
		},
	}
}

func TestDecideDefaultAccept(t *testing.T) {
	e := newTestEngine(t)

	d := e.Decide(frameWithState(domain.TelemetrySample{Name: "spindle_temp", Value: domain.Number(40)}))
	if d.Verdict != domain.VerdictAccept || d.Action != domain.ActionNone {
		t.Fatalf("clean frame should accept, got %s/%s", d.Verdict, d.Action)
	}
	if d.Degraded {
		t.Fatalf("clean decision must not be degraded")
	}
}

func TestDecideInterlockWinsOverEverything(t *testing.T) {
	e := newTestEngine(t)

	frame := frameWithState(domain.TelemetrySample{Name: "spindle_temp", Value: domain.Number(120)})
	frame.Inspection.Defects = []domain.DefectFinding{{Type: "crack", Confidence: 0.99}}

	d := e.Decide(frame)
	if d.Verdict != domain.VerdictAlarm || d.Action != domain.ActionStop {
		t.Fatalf("interlock breach should alarm+stop, got %s/%s", d.Verdict, d.Action)
	}
	if d.ReasonCode != "interlock_spindle_temp" {
		t.Fatalf("unexpected reason %q", d.ReasonCode)
	}
}

func TestDecideDefectAtThresholdRejects(t *testing.T) {
	e := newTestEngine(t)

	frame := frameWithState()
	frame.Inspection.Defects = []domain.DefectFinding{{Type: "scratch", Confidence: 0.8}}

	d := e.Decide(frame)
	if d.Verdict != domain.VerdictReject || d.Action != domain.ActionStop {
		t.Fatalf("confidence exactly at threshold must reject, got %s/%s", d.Verdict, d.Action)
	}
}

func TestDecideDefectJustBelowThresholdAccepts(t *testing.T) {
	e := newTestEngine(t)

	frame := frameWithState()
	frame.Inspection.Defects = []domain.DefectFinding{{Type: "scratch", Confidence: 0.7999}}

	d := e.Decide(frame)
	if d.Verdict != domain.VerdictAccept {
		t.Fatalf("confidence below threshold should accept, got %s", d.Verdict)
	}
}

func TestDecideLowScoreRejectsWithAdjust(t *testing.T) {
	e := newTestEngine(t)

	frame := frameWithState()
	frame.Inspection.Score = 0.5

	d := e.Decide(frame)
	if d.Verdict != domain.VerdictReject || d.Action != domain.ActionAdjust {
		t.Fatalf("low score should reject+adjust, got %s/%s", d.Verdict, d.Action)
	}
}

func TestDecideMissIsDegradedHold(t *testing.T) {
	e := newTestEngine(t)

	frame := domain.CorrelatedFrame{
		MachineID:  "m1",
		Inspection: domain.InspectionEvent{MachineID: "m1", Score: 0.95},
		Miss:       true,
	}
	d := e.Decide(frame)
	if d.Verdict != domain.VerdictHold {
		t.Fatalf("miss should hold by default, got %s", d.Verdict)
	}
	if !d.Degraded {
		t.Fatalf("miss decision must be degraded")
	}
}

func TestDecideRuleErrorSkipsAndDegrades(t *testing.T) {
	boom := ports.RuleFunc{
		RuleName: "boom",
		Fn: func(domain.CorrelatedFrame, ports.RuleContext) (domain.RuleOutcome, error) {
			return domain.RuleOutcome{}, fmt.Errorf("rule exploded")
		},
	}
	reject := ports.RuleFunc{
		RuleName: "always_reject",
		Fn: func(domain.CorrelatedFrame, ports.RuleContext) (domain.RuleOutcome, error) {
			return domain.RuleOutcome{Fired: true, Verdict: domain.VerdictReject, Action: domain.ActionNone, ReasonCode: "always"}, nil
		},
	}
	e := NewEngine([]ports.Rule{boom, reject}, 20, fixedClock{time.Now()}, nil)

	d := e.Decide(frameWithState())
	if d.Verdict != domain.VerdictReject {
		t.Fatalf("later rules must still run after an error, got %s", d.Verdict)
	}
	if !d.Degraded {
		t.Fatalf("an erroring rule must degrade the decision")
	}
}

func TestDecideRejectStreakHoldsMachine(t *testing.T) {
	e := newTestEngine(t)

	reject := frameWithState()
	reject.Inspection.Defects = []domain.DefectFinding{{Type: "burr", Confidence: 0.95}}

	for i := 0; i < 3; i++ {
		d := e.Decide(reject)
		if d.Verdict != domain.VerdictReject {
			t.Fatalf("warmup %d: expected reject, got %s", i, d.Verdict)
		}
	}

	clean := frameWithState()
	d := e.Decide(clean)
	if d.Verdict != domain.VerdictHold || d.Action != domain.ActionStop {
		t.Fatalf("after 3 consecutive rejects the machine should hold+stop, got %s/%s", d.Verdict, d.Action)
	}
	if d.ReasonCode != "spc_reject_streak" {
		t.Fatalf("unexpected reason %q", d.ReasonCode)
	}
}

func TestForgetResetsStreak(t *testing.T) {
	e := newTestEngine(t)

	reject := frameWithState()
	reject.Inspection.Defects = []domain.DefectFinding{{Type: "burr", Confidence: 0.95}}
	for i := 0; i < 3; i++ {
		e.Decide(reject)
	}
	e.Forget("m1")

	d := e.Decide(frameWithState())
	if d.Verdict != domain.VerdictAccept {
		t.Fatalf("forgotten machine should start a fresh window, got %s", d.Verdict)
	}
}

func TestPriorDecisionsAreCopied(t *testing.T) {
	e := newTestEngine(t)
	e.Decide(frameWithState())

	prior := e.PriorDecisions("m1")
	if len(prior) != 1 {
		t.Fatalf("expected 1 prior decision, got %d", len(prior))
	}
	prior[0].Verdict = domain.VerdictAlarm
	if e.PriorDecisions("m1")[0].Verdict != domain.VerdictAccept {
		t.Fatalf("PriorDecisions must return a copy")
	}
}
