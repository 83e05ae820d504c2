package observability

import "github.com/ROBOTdingDONG/fusionedge/internal/ports"

// Nop discards all logs and metrics. Used in tests and as a fallback when
// no backend is configured.
type Nop struct{}

func (Nop) LogInfo(string, ...ports.Field)                {}
func (Nop) LogError(string, error, ...ports.Field)        {}
func (Nop) LogCritical(string, error, ...ports.Field)     {}
func (Nop) IncCounter(string, float64)                    {}
func (Nop) ObserveLatency(string, float64)                {}
func (Nop) SetGauge(string, float64)                      {}
func (Nop) SetMachineGauge(name, machineID string, v float64) {}

var _ ports.Observability = Nop{}
