package ports

import (
	"context"

	"github.com/ROBOTdingDONG/fusionedge/internal/domain"
)

// Adapter bridges one machine connection on one industrial protocol to the
// canonical frame model. Subscription-driven protocols (OPC-UA) and
// poll-driven ones (MTConnect, Modbus) both surface as the same push-based
// Stream so everything downstream is protocol-agnostic.
//
// Lifecycle: Connect establishes the link, Stream blocks pushing frames until
// the context is cancelled or the link fails, Disconnect releases resources.
// The supervising worker owns reconnection policy; adapters report a single
// attempt honestly and never retry internally.
type Adapter interface {
	MachineID() string
	Protocol() domain.Protocol
	Connect(ctx context.Context) error
	Stream(ctx context.Context, out chan<- domain.RawFrame) error
	SendCommand(ctx context.Context, env domain.CommandEnvelope) error
	Disconnect() error
}
