package ports

import "time"

// Clock is the single ingestion time source shared across the process.
// Every normalizer stamp comes from the same instance so cross-protocol
// timestamps stay comparable; per-adapter clocks are never used.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the OS clock in UTC, truncated to millisecond
// resolution to match the vision subsystem's contract.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

var _ Clock = SystemClock{}
