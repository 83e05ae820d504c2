package decide

import (
	"fmt"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// Params configures the standard rule chain.
type Params struct {
	// Interlocks are checked first and can force alarm unconditionally.
	Interlocks []Interlock
	// MissVerdict is issued when the frame is a correlation miss.
	MissVerdict domain.Verdict
	// DefectThreshold fails a part whose max defect confidence is >= it.
	// The comparison is a closed interval: exactly at threshold fails.
	DefectThreshold float64
	// ScoreThreshold holds a part whose overall score is below it.
	ScoreThreshold float64
	// RejectStreak holds a machine after this many consecutive rejects.
	RejectStreak int
}

// Interlock bounds one safety-relevant metric.
type Interlock struct {
	Metric string
	Min    float64
	Max    float64
}

// StandardRules builds the engine's default chain in mandated order:
// safety interlocks, correlation-miss policy, defect threshold, score
// threshold, then the SPC trend rule.
func StandardRules(p Params) []ports.Rule {
	rules := make([]ports.Rule, 0, len(p.Interlocks)+4)
	for _, il := range p.Interlocks {
		rules = append(rules, InterlockRule(il))
	}
	rules = append(rules,
		MissRule(p.MissVerdict),
		DefectThresholdRule(p.DefectThreshold),
		ScoreRule(p.ScoreThreshold),
		RejectStreakRule(p.RejectStreak),
	)
	return rules
}

// InterlockRule forces an alarm and machine stop when the metric leaves
// [Min, Max]. It never fires on a miss: with state unknown, the miss policy
// decides instead.
func InterlockRule(il Interlock) ports.Rule {
	return ports.RuleFunc{
		RuleName: fmt.Sprintf("interlock_%s", il.Metric),
		Fn: func(frame domain.CorrelatedFrame, _ ports.RuleContext) (domain.RuleOutcome, error) {
			if frame.State == nil {
				return domain.RuleOutcome{}, nil
			}
			v, ok := frame.State.Metric(il.Metric)
			if !ok || v.Kind != domain.MetricNumber {
				return domain.RuleOutcome{}, nil
			}
			if v.Number < il.Min || v.Number > il.Max {
				return domain.RuleOutcome{
					Fired:      true,
					Verdict:    domain.VerdictAlarm,
					Action:     domain.ActionStop,
					ReasonCode: fmt.Sprintf("interlock_%s", il.Metric),
				}, nil
			}
			return domain.RuleOutcome{}, nil
		},
	}
}

// MissRule issues the configured verdict when no machine state could be
// correlated.
func MissRule(verdict domain.Verdict) ports.Rule {
	if verdict == "" {
		verdict = domain.VerdictHold
	}
	return ports.RuleFunc{
		RuleName: "correlation_miss",
		Fn: func(frame domain.CorrelatedFrame, _ ports.RuleContext) (domain.RuleOutcome, error) {
			if !frame.Miss {
				return domain.RuleOutcome{}, nil
			}
			return domain.RuleOutcome{
				Fired:      true,
				Verdict:    verdict,
				Action:     domain.ActionNone,
				ReasonCode: "correlation_miss",
			}, nil
		},
	}
}

// DefectThresholdRule rejects a part when any defect confidence reaches the
// threshold. Fail-closed: a confidence exactly at threshold rejects.
func DefectThresholdRule(threshold float64) ports.Rule {
	return ports.RuleFunc{
		RuleName: "defect_threshold",
		Fn: func(frame domain.CorrelatedFrame, _ ports.RuleContext) (domain.RuleOutcome, error) {
			if len(frame.Inspection.Defects) == 0 {
				return domain.RuleOutcome{}, nil
			}
			if frame.Inspection.MaxDefectConfidence() >= threshold {
				return domain.RuleOutcome{
					Fired:      true,
					Verdict:    domain.VerdictReject,
					Action:     domain.ActionStop,
					ReasonCode: "defect_threshold",
				}, nil
			}
			return domain.RuleOutcome{}, nil
		},
	}
}

// ScoreRule rejects a part whose overall score fell below the quality
// threshold even without an individual defect over its limit.
func ScoreRule(threshold float64) ports.Rule {
	return ports.RuleFunc{
		RuleName: "score_threshold",
		Fn: func(frame domain.CorrelatedFrame, _ ports.RuleContext) (domain.RuleOutcome, error) {
			if frame.Inspection.Score >= threshold {
				return domain.RuleOutcome{}, nil
			}
			return domain.RuleOutcome{
				Fired:      true,
				Verdict:    domain.VerdictReject,
				Action:     domain.ActionAdjust,
				ReasonCode: "score_below_threshold",
			}, nil
		},
	}
}

// RejectStreakRule is the SPC trend rule: after streak consecutive rejects
// for the same machine, hold it for operator attention.
func RejectStreakRule(streak int) ports.Rule {
	return ports.RuleFunc{
		RuleName: "spc_reject_streak",
		Fn: func(frame domain.CorrelatedFrame, ctx ports.RuleContext) (domain.RuleOutcome, error) {
			if streak <= 0 {
				return domain.RuleOutcome{}, nil
			}
			prior := ctx.PriorDecisions(frame.MachineID)
			if len(prior) < streak {
				return domain.RuleOutcome{}, nil
			}
			for _, d := range prior[len(prior)-streak:] {
				if d.Verdict != domain.VerdictReject {
					return domain.RuleOutcome{}, nil
				}
			}
			return domain.RuleOutcome{
				Fired:      true,
				Verdict:    domain.VerdictHold,
				Action:     domain.ActionStop,
				ReasonCode: "spc_reject_streak",
			}, nil
		},
	}
}
