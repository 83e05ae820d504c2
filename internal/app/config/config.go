// Package config loads and validates the engine's YAML configuration,
// including the machine registry that can be hot-reloaded at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/modbusadapter"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/mtconnect"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/opcuaadapter"
	"github.com/ROBOTdingDONG/fusionedge/internal/adapters/simulator"
	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

type Config struct {
	Machines    []MachineConfig   `yaml:"machines"`
	Connection  ConnectionConfig  `yaml:"connection"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Rules       RulesConfig       `yaml:"rules"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Audit       AuditConfig       `yaml:"audit"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// MachineConfig is one machine registry entry. Exactly one protocol block
// must be set, matching Protocol.
type MachineConfig struct {
	ID             string `yaml:"id"`
	Protocol       string `yaml:"protocol"`
	CredentialsRef string `yaml:"credentials_ref"`
	// AckOnAccept dispatches a telemetry acknowledgment command even for
	// accept verdicts.
	AckOnAccept bool `yaml:"ack_on_accept"`
	// StopNodeID / StopRegister tell the command codec where stop and
	// adjust commands land for this machine.
	Command CommandTargetConfig `yaml:"command"`

	MTConnect *mtconnect.Config     `yaml:"mtconnect,omitempty"`
	OPCUA     *opcuaadapter.Config  `yaml:"opcua,omitempty"`
	Modbus    *modbusadapter.Config `yaml:"modbus,omitempty"`
	Simulated *simulator.Config     `yaml:"simulated,omitempty"`
}

// CommandTargetConfig maps abstract machine actions onto protocol targets.
type CommandTargetConfig struct {
	// NodeID receives OPC-UA action writes.
	NodeID string `yaml:"node_id,omitempty"`
	// Register receives Modbus action writes.
	Register uint16 `yaml:"register,omitempty"`
}

// ConnectionConfig governs adapter supervision for every machine.
type ConnectionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// BackoffCeiling caps reconnect backoff; once reached the machine is
	// reported Degraded and retried at the ceiling interval.
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`
	// HandshakeFailLimit is the number of consecutive security handshake
	// failures before a machine is reported Failed.
	HandshakeFailLimit int `yaml:"handshake_fail_limit"`
}

type CorrelationConfig struct {
	// Window is the maximum |capture - source| offset for a join.
	Window time.Duration `yaml:"window"`
	// History bounds each machine's ring buffer by count and age.
	HistorySize int           `yaml:"history_size"`
	HistoryAge  time.Duration `yaml:"history_age"`
}

type RulesConfig struct {
	// DefectThreshold fails a part when any defect confidence is >= it
	// (closed interval, fail-closed).
	DefectThreshold float64 `yaml:"defect_threshold"`
	// ScoreThreshold holds a part whose overall score is below it.
	ScoreThreshold float64 `yaml:"score_threshold"`
	// Interlocks force alarm/stop when a metric leaves its bounds.
	Interlocks []InterlockConfig `yaml:"interlocks"`
	// SPC configures the trend rule over prior decisions.
	SPC SPCConfig `yaml:"spc"`
	// MissVerdict is the verdict for correlation misses (default hold).
	MissVerdict string `yaml:"miss_verdict"`
}

type InterlockConfig struct {
	Metric string  `yaml:"metric"`
	Min    float64 `yaml:"min"`
	Max    float64 `yaml:"max"`
}

type SPCConfig struct {
	// WindowSize is how many prior decisions per machine the trend rule sees.
	WindowSize int `yaml:"window_size"`
	// RejectStreak holds the machine after this many consecutive rejects.
	RejectStreak int `yaml:"reject_streak"`
}

type DispatchConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// Deadline bounds each command delivery attempt end to end.
	Deadline time.Duration `yaml:"deadline"`
	// BreakerThreshold consecutive failures open a machine's breaker.
	BreakerThreshold int `yaml:"breaker_threshold"`
	// BreakerCooldown is how long an open breaker suppresses sends.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

type AuditConfig struct {
	QueueSize int `yaml:"queue_size"`
	BatchSize int `yaml:"batch_size"`
	// WALDir enables a file write-ahead log for audit records. Records are
	// logged before they are queued and replayed to the sink on the next
	// start, so a crash or failed final flush loses nothing.
	WALDir string `yaml:"wal_dir"`
	// Postgres enables the durable sink when conn_string is set; otherwise
	// the engine expects an injected sink.
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Connection.ConnectTimeout == 0 {
		c.Connection.ConnectTimeout = 30 * time.Second
	}
	if c.Connection.InitialBackoff == 0 {
		c.Connection.InitialBackoff = 250 * time.Millisecond
	}
	if c.Connection.BackoffCeiling == 0 {
		c.Connection.BackoffCeiling = 30 * time.Second
	}
	if c.Connection.HandshakeFailLimit == 0 {
		c.Connection.HandshakeFailLimit = 3
	}

	if c.Correlation.Window == 0 {
		c.Correlation.Window = 200 * time.Millisecond
	}
	if c.Correlation.HistorySize == 0 {
		c.Correlation.HistorySize = 256
	}
	if c.Correlation.HistoryAge == 0 {
		c.Correlation.HistoryAge = 2 * time.Second
	}

	if c.Rules.DefectThreshold == 0 {
		c.Rules.DefectThreshold = 0.8
	}
	if c.Rules.ScoreThreshold == 0 {
		c.Rules.ScoreThreshold = 0.5
	}
	if c.Rules.SPC.WindowSize == 0 {
		c.Rules.SPC.WindowSize = 20
	}
	if c.Rules.SPC.RejectStreak == 0 {
		c.Rules.SPC.RejectStreak = 3
	}
	if c.Rules.MissVerdict == "" {
		c.Rules.MissVerdict = string(domain.VerdictHold)
	}

	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.InitialBackoff == 0 {
		c.Dispatch.InitialBackoff = 10 * time.Millisecond
	}
	if c.Dispatch.MaxBackoff == 0 {
		c.Dispatch.MaxBackoff = 250 * time.Millisecond
	}
	if c.Dispatch.Deadline == 0 {
		c.Dispatch.Deadline = 100 * time.Millisecond
	}
	if c.Dispatch.BreakerThreshold == 0 {
		c.Dispatch.BreakerThreshold = 5
	}
	if c.Dispatch.BreakerCooldown == 0 {
		c.Dispatch.BreakerCooldown = 10 * time.Second
	}

	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 10_000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 500
	}
	if c.Audit.Postgres.Table == "" {
		c.Audit.Postgres.Table = "audit_records"
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}

	for i := range c.Machines {
		m := &c.Machines[i]
		switch {
		case m.MTConnect != nil:
			m.MTConnect.ApplyDefaults()
		case m.OPCUA != nil:
			m.OPCUA.ApplyDefaults()
		case m.Modbus != nil:
			m.Modbus.ApplyDefaults()
		case m.Simulated != nil:
			m.Simulated.ApplyDefaults()
		}
	}
}

func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Machines))
	for i := range c.Machines {
		m := &c.Machines[i]
		if m.ID == "" {
			return fmt.Errorf("machines[%d]: id is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("machine %q: duplicate id", m.ID)
		}
		seen[m.ID] = true
		if err := m.Validate(); err != nil {
			return fmt.Errorf("machine %q: %w", m.ID, err)
		}
	}
	if c.Rules.DefectThreshold < 0 || c.Rules.DefectThreshold > 1 {
		return fmt.Errorf("rules.defect_threshold must be in [0,1], got %v", c.Rules.DefectThreshold)
	}
	switch domain.Verdict(c.Rules.MissVerdict) {
	case domain.VerdictAccept, domain.VerdictReject, domain.VerdictHold, domain.VerdictAlarm:
	default:
		return fmt.Errorf("rules.miss_verdict: unknown verdict %q", c.Rules.MissVerdict)
	}
	return nil
}

// Validate checks one registry entry against its declared protocol.
func (m *MachineConfig) Validate() error {
	blocks := 0
	if m.MTConnect != nil {
		blocks++
	}
	if m.OPCUA != nil {
		blocks++
	}
	if m.Modbus != nil {
		blocks++
	}
	if m.Simulated != nil {
		blocks++
	}
	if blocks != 1 {
		return fmt.Errorf("exactly one protocol block required, found %d", blocks)
	}

	switch domain.Protocol(m.Protocol) {
	case domain.ProtocolMTConnect:
		if m.MTConnect == nil {
			return fmt.Errorf("protocol is mtconnect but no mtconnect block")
		}
		return m.MTConnect.Validate()
	case domain.ProtocolOPCUA:
		if m.OPCUA == nil {
			return fmt.Errorf("protocol is opcua but no opcua block")
		}
		return m.OPCUA.Validate()
	case domain.ProtocolModbus:
		if m.Modbus == nil {
			return fmt.Errorf("protocol is modbus but no modbus block")
		}
		return m.Modbus.Validate()
	case domain.ProtocolSimulated:
		if m.Simulated == nil {
			return fmt.Errorf("protocol is simulated but no simulated block")
		}
		return nil
	default:
		return fmt.Errorf("unknown protocol %q", m.Protocol)
	}
}

// RegistryDiff is the outcome of comparing two machine registries.
type RegistryDiff struct {
	Added   []MachineConfig
	Removed []string
}

// DiffMachines computes which machines a hot reload must start and stop.
// Changed entries show up in both sets so the worker is recycled.
func DiffMachines(old, new []MachineConfig) RegistryDiff {
	oldByID := make(map[string]*MachineConfig, len(old))
	for i := range old {
		oldByID[old[i].ID] = &old[i]
	}
	newByID := make(map[string]*MachineConfig, len(new))
	for i := range new {
		newByID[new[i].ID] = &new[i]
	}

	var diff RegistryDiff
	for i := range new {
		prev, ok := oldByID[new[i].ID]
		if !ok || !machineEqual(prev, &new[i]) {
			diff.Added = append(diff.Added, new[i])
		}
	}
	for i := range old {
		next, ok := newByID[old[i].ID]
		if !ok || !machineEqual(&old[i], next) {
			diff.Removed = append(diff.Removed, old[i].ID)
		}
	}
	return diff
}

func machineEqual(a, b *MachineConfig) bool {
	ab, err := yaml.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := yaml.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
