package ports

// Observability is the engine's single outlet for logs and metrics.
// Implementations decide the backend (Prometheus + slog by default).
type Observability interface {
	LogInfo(msg string, fields ...Field)
	LogError(msg string, err error, fields ...Field)
	LogCritical(msg string, err error, fields ...Field)

	IncCounter(name string, v float64)
	ObserveLatency(name string, seconds float64)
	SetGauge(name string, v float64)
	SetMachineGauge(name, machineID string, v float64)
}

// Field is a structured log field.
type Field struct {
	Key   string
	Value any
}
