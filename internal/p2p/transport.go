package p2p

import (
	"encoding/json"

	"github.com/mossy-p/pantheon/internal/models"
)

// LinkEvents are the callbacks a Link reports through. They may run on any
// goroutine and must not be invoked while the link holds its own locks.
type LinkEvents struct {
	// OnSignal carries a handshake payload that must reach the remote side
	OnSignal func(kind models.SignalKind, payload json.RawMessage)
	// OnOpen fires once when the channel can carry data
	OnOpen func()
	// OnMessage delivers one inbound frame, in order
	OnMessage func(data []byte)
	// OnClose fires at most once, with nil for an orderly close
	OnClose func(err error)
}

// Link is a direct channel to one peer under negotiation or open.
type Link interface {
	// Start begins negotiation as the initiator by producing an offer.
	Start() error
	// HandleSignal applies a handshake payload relayed from the remote side.
	HandleSignal(kind models.SignalKind, payload json.RawMessage) error
	// Send writes one frame. It fails unless the link is open.
	Send(data []byte) error
	Close() error
}

// Transport creates links to peers
type Transport interface {
	NewLink(peerID string, events LinkEvents) (Link, error)
}
