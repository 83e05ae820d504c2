package ports

import "github.com/ROBOTdingDONG/fusionedge/internal/domain"

// RuleContext gives a rule read access to recent decisions for the same
// machine, oldest first. Used by trend-based SPC rules.
type RuleContext interface {
	PriorDecisions(machineID string) []domain.QualityDecision
}

// Rule is one pure evaluation step over a correlated frame. Rules are
// configured as an ordered list; the first non-default outcome wins.
// An error skips the rule and marks the final decision degraded.
type Rule interface {
	Name() string
	Evaluate(frame domain.CorrelatedFrame, ctx RuleContext) (domain.RuleOutcome, error)
}

// RuleFunc adapts a plain function to the Rule interface.
type RuleFunc struct {
	RuleName string
	Fn       func(domain.CorrelatedFrame, RuleContext) (domain.RuleOutcome, error)
}

func (r RuleFunc) Name() string { return r.RuleName }

func (r RuleFunc) Evaluate(frame domain.CorrelatedFrame, ctx RuleContext) (domain.RuleOutcome, error) {
	return r.Fn(frame, ctx)
}
