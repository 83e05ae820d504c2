// Package decide evaluates correlated frames against an ordered, pluggable
// rule set and produces exactly one quality decision per frame.
package decide

import (
	"sync"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/observability"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
	"github.com/ROBOTdingDONG/fusionedge/internal/ports"
)

// Engine is stateless over rule evaluation; its only memory is the rolling
// per-machine window of prior decisions that trend rules read.
type Engine struct {
	rules      []ports.Rule
	clock      ports.Clock
	obs        ports.Observability
	windowSize int

	mu     sync.Mutex
	window map[string][]domain.QualityDecision
}

func NewEngine(rules []ports.Rule, windowSize int, clock ports.Clock, obs ports.Observability) *Engine {
	if windowSize <= 0 {
		windowSize = 20
	}
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if obs == nil {
		obs = observability.Nop{}
	}
	return &Engine{
		rules:      rules,
		clock:      clock,
		obs:        obs,
		windowSize: windowSize,
		window:     make(map[string][]domain.QualityDecision),
	}
}

// SetRules replaces the chain. Call before the first Decide; the engine
// does not guard concurrent replacement against evaluation.
func (e *Engine) SetRules(rules []ports.Rule) {
	e.rules = rules
}

// PriorDecisions implements ports.RuleContext: recent decisions for the
// machine, oldest first.
func (e *Engine) PriorDecisions(machineID string) []domain.QualityDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	prior := e.window[machineID]
	out := make([]domain.QualityDecision, len(prior))
	copy(out, prior)
	return out
}

// Decide runs the rule chain over one frame. Rules fire in configured
// order; the first non-default outcome wins and no rule can abort the
// decision: an erroring rule is logged, skipped, and flags the decision
// degraded. A frame with no rule fired defaults to accept.
func (e *Engine) Decide(frame domain.CorrelatedFrame) domain.QualityDecision {
	decision := domain.QualityDecision{
		Frame:      frame,
		Verdict:    domain.VerdictAccept,
		Action:     domain.ActionNone,
		ReasonCode: "default_accept",
		Degraded:   frame.Miss,
		DecidedAt:  e.clock.Now(),
	}

	for _, rule := range e.rules {
		outcome, err := rule.Evaluate(frame, e)
		if err != nil {
			e.obs.IncCounter(observability.MetricRulesSkipped, 1)
			e.obs.LogError("rule_skipped", err,
				ports.Field{Key: "rule", Value: rule.Name()},
				ports.Field{Key: "machine_id", Value: frame.MachineID})
			decision.Degraded = true
			continue
		}
		if !outcome.Fired {
			continue
		}
		decision.Verdict = outcome.Verdict
		decision.Action = outcome.Action
		decision.ReasonCode = outcome.ReasonCode
		break
	}

	e.record(decision)
	e.obs.IncCounter(observability.MetricDecisions, 1)
	return decision
}

func (e *Engine) record(d domain.QualityDecision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := append(e.window[d.Frame.MachineID], d)
	if len(w) > e.windowSize {
		w = w[len(w)-e.windowSize:]
	}
	e.window[d.Frame.MachineID] = w
}

// Forget drops a removed machine's decision window.
func (e *Engine) Forget(machineID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.window, machineID)
}

var _ ports.RuleContext = (*Engine)(nil)
