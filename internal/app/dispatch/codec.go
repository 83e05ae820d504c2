package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

// Target tells the codec where a machine receives commands on its protocol.
type Target struct {
	Protocol domain.Protocol
	// NodeID receives OPC-UA action writes.
	NodeID string
	// Register receives Modbus action writes.
	Register uint16
	// AckOnAccept dispatches an acknowledgment even for accept verdicts.
	AckOnAccept bool
}

// Action codes written to OPC-UA nodes and Modbus registers.
const (
	actionCodeAck    = 0
	actionCodeAdjust = 1
	actionCodeStop   = 2
)

func actionCode(a domain.Action) uint16 {
	switch a {
	case domain.ActionStop:
		return actionCodeStop
	case domain.ActionAdjust:
		return actionCodeAdjust
	default:
		return actionCodeAck
	}
}

// encodeCommand translates a decision into the protocol-specific payload
// the machine's adapter understands.
func encodeCommand(target Target, d domain.QualityDecision) ([]byte, error) {
	switch target.Protocol {
	case domain.ProtocolOPCUA:
		if target.NodeID == "" {
			return nil, fmt.Errorf("machine %s: no command node configured", d.Frame.MachineID)
		}
		return json.Marshal(map[string]any{
			"node_id": target.NodeID,
			"value":   float64(actionCode(d.Action)),
		})
	case domain.ProtocolModbus:
		return json.Marshal(map[string]any{
			"register": target.Register,
			"value":    actionCode(d.Action),
		})
	default:
		// MTConnect and simulated machines take the decision document.
		return json.Marshal(map[string]any{
			"action":  string(d.Action),
			"verdict": string(d.Verdict),
			"reason":  d.ReasonCode,
			"part_id": d.Frame.Inspection.PartID,
		})
	}
}
