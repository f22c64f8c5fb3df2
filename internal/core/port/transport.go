package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type TransportEventType string

const (
	TransportInboundCall    TransportEventType = "inbound-call"
	TransportStreamReceived TransportEventType = "stream-received"
	TransportDisconnected   TransportEventType = "disconnected"
	TransportClosed         TransportEventType = "closed"
	TransportErrored        TransportEventType = "errored"
)

type TransportEvent struct {
	Type          TransportEventType
	Remote        domain.UserID
	RemoteAddress domain.TransportAddress
	Stream        MediaStream
	Err           error
}

type TransportHandler func(TransportEvent)

// PeerTransport opens local transport endpoints. Events of an endpoint are
// delivered to the handler given at Open, possibly from other goroutines.
type PeerTransport interface {
	Open(ctx context.Context, local domain.UserID, tier domain.TransportTier, handler TransportHandler) (TransportEndpoint, error)
}

type TransportEndpoint interface {
	Address() domain.TransportAddress
	// Call places an outbound call to addr owned by remote.
	Call(ctx context.Context, remote domain.UserID, addr domain.TransportAddress, stream MediaStream) error
	// Answer accepts the inbound call from remote announced by a
	// TransportInboundCall event.
	Answer(ctx context.Context, remote domain.UserID, stream MediaStream) error
	Close() error
}
