package fusionedge

import (
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/modbusadapter"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/mtconnect"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/opcuaadapter"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/simulator"
	"github.com/ROBOTdingDONG/fusionedge/internal/app/config"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// MachineConfig is one machine registry entry.
	MachineConfig = config.MachineConfig
	// CommandTargetConfig maps actions onto protocol write targets.
	CommandTargetConfig = config.CommandTargetConfig
	// ConnectionConfig governs adapter supervision.
	ConnectionConfig = config.ConnectionConfig
	// CorrelationConfig governs the join window and state history.
	CorrelationConfig = config.CorrelationConfig
	// RulesConfig parameterizes the quality rule chain.
	RulesConfig = config.RulesConfig
	// DispatchConfig governs command delivery and the circuit breaker.
	DispatchConfig = config.DispatchConfig
	// AuditConfig sizes the audit queue and batches.
	AuditConfig = config.AuditConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig

	// MTConnectConfig configures an MTConnect agent poller.
	MTConnectConfig = mtconnect.Config
	// OPCUAConfig holds connection, security, and node details.
	OPCUAConfig = opcuaadapter.Config
	// ModbusConfig holds connection and register map details.
	ModbusConfig = modbusadapter.Config
	// SimulatorConfig configures the synthetic machine adapter.
	SimulatorConfig = simulator.Config
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
