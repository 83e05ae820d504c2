package domain

import "errors"

// Failure taxonomy shared across the engine. Components wrap these with
// context via fmt.Errorf("...: %w", err) and callers classify with errors.Is.
var (
	// ErrConnection marks a protocol link failure; retried with backoff.
	ErrConnection = errors.New("connection error")
	// ErrSecurityHandshake marks a failed security handshake; fatal for the
	// connection attempt, escalates health after repeated failures.
	ErrSecurityHandshake = errors.New("security handshake failed")
	// ErrMalformedTelemetry marks an undecodable payload; dropped and counted.
	ErrMalformedTelemetry = errors.New("malformed telemetry")
	// ErrUnknownMachine marks a frame whose machine ID is absent from the
	// active registry; dropped and logged, needs a configuration fix.
	ErrUnknownMachine = errors.New("unknown machine")
	// ErrRuleEvaluation marks a rule that errored; the rule is skipped and
	// the decision is flagged degraded.
	ErrRuleEvaluation = errors.New("rule evaluation failed")
	// ErrDeliveryFailed marks a command that exhausted its retries.
	ErrDeliveryFailed = errors.New("command delivery failed")
	// ErrCircuitOpen marks a send suppressed by an open circuit breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")
	// ErrAuditBackpressure signals the audit queue is full; producers block
	// rather than drop.
	ErrAuditBackpressure = errors.New("audit recorder backpressured")
)
