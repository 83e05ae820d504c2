package domain

import (
	"time"

	"github.com/google/uuid"
)

// CommandEnvelope carries one protocol-specific command toward a machine.
// Delivery is at-least-once; deduplication by ID is the machine's concern.
type CommandEnvelope struct {
	ID        string        `json:"id"`
	MachineID string        `json:"machine_id"`
	Protocol  Protocol      `json:"protocol"`
	Payload   []byte        `json:"payload"`
	IssuedAt  time.Time     `json:"issued_at"`
	Deadline  time.Time     `json:"deadline"`
	Attempts  int           `json:"attempts"`
	Timeout   time.Duration `json:"timeout"`
}

// NewCommandEnvelope stamps a fresh envelope for the given machine.
func NewCommandEnvelope(machineID string, proto Protocol, payload []byte, issuedAt time.Time, deadline time.Duration) CommandEnvelope {
	return CommandEnvelope{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Protocol:  proto,
		Payload:   payload,
		IssuedAt:  issuedAt,
		Deadline:  issuedAt.Add(deadline),
		Timeout:   deadline,
	}
}
