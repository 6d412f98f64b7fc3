package models

import (
	"encoding/json"
	"time"
)

// MessageType is the discriminant of a signaling websocket message
type MessageType string

const (
	// Client → service
	MessageTypeJoin          MessageType = "join"
	MessageTypeSignal        MessageType = "signal"
	MessageTypeListPeers     MessageType = "list-peers"
	MessageTypeAnnounce      MessageType = "announce"
	MessageTypeRequestModels MessageType = "request-models"

	// Service → client
	MessageTypeWelcome             MessageType = "welcome"
	MessageTypeExistingPeers       MessageType = "existing-peers"
	MessageTypePeerList            MessageType = "peer-list"
	MessageTypePeerJoined          MessageType = "peer-joined"
	MessageTypePeerLeft            MessageType = "peer-left"
	MessageTypeCapabilitiesUpdated MessageType = "capabilities-updated"
	MessageTypeModelsRequested     MessageType = "models-requested"
	MessageTypeError               MessageType = "error"
)

// clientMessageTypes is the closed set of messages a client may send.
var clientMessageTypes = map[MessageType]bool{
	MessageTypeJoin:          true,
	MessageTypeSignal:        true,
	MessageTypeListPeers:     true,
	MessageTypeAnnounce:      true,
	MessageTypeRequestModels: true,
}

// serverMessageTypes is the closed set of messages the service emits.
var serverMessageTypes = map[MessageType]bool{
	MessageTypeWelcome:             true,
	MessageTypeExistingPeers:       true,
	MessageTypePeerList:            true,
	MessageTypePeerJoined:          true,
	MessageTypePeerLeft:            true,
	MessageTypeCapabilitiesUpdated: true,
	MessageTypeModelsRequested:     true,
	MessageTypeSignal:              true,
	MessageTypeError:               true,
}

// Message is a signaling websocket message. Which fields are set depends on Type.
type Message struct {
	Type    MessageType       `json:"type"`
	From    string            `json:"from,omitempty"`
	To      string            `json:"to,omitempty"`
	ScopeID string            `json:"scopeId,omitempty"`
	Signal  *SignalEnvelope   `json:"signal,omitempty"`
	Peer    *Peer             `json:"peer,omitempty"`
	Peers   []Peer            `json:"peers,omitempty"`
	Models  []ModelDescriptor `json:"models,omitempty"`
	Battery *BatteryState     `json:"batteryState,omitempty"`
	Error   *ErrorEnvelope    `json:"error,omitempty"`
}

// ValidateClient checks a message received from a client connection.
func (m *Message) ValidateClient() error {
	if !clientMessageTypes[m.Type] {
		return InvalidSignal("unknown message type: " + string(m.Type))
	}
	switch m.Type {
	case MessageTypeSignal:
		if m.Signal == nil {
			return InvalidSignal("signal message without envelope")
		}
		return m.Signal.Validate()
	case MessageTypeRequestModels:
		if m.To == "" {
			return InvalidSignal("request-models requires a target")
		}
	}
	return nil
}

// ValidateServer checks a message received from the signaling service.
func (m *Message) ValidateServer() error {
	if !serverMessageTypes[m.Type] {
		return InvalidSignal("unknown message type: " + string(m.Type))
	}
	switch m.Type {
	case MessageTypeSignal:
		if m.Signal == nil {
			return InvalidSignal("signal message without envelope")
		}
		if m.Signal.From == "" {
			return InvalidSignal("relayed signal without sender")
		}
		return m.Signal.Validate()
	case MessageTypePeerJoined, MessageTypePeerLeft, MessageTypeCapabilitiesUpdated:
		if m.Peer == nil || m.Peer.DeviceID == "" {
			return InvalidSignal(string(m.Type) + " without peer")
		}
	case MessageTypeError:
		if m.Error == nil {
			return InvalidSignal("error message without envelope")
		}
	}
	return nil
}

// SignalKind is the kind of handshake payload carried by a SignalEnvelope
type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "candidate"
)

// SignalEnvelope carries one connection-setup payload between two peers.
// It is relayed verbatim and never stored.
type SignalEnvelope struct {
	Kind      SignalKind      `json:"kind"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Validate checks the envelope discriminant and addressing.
func (e *SignalEnvelope) Validate() error {
	switch e.Kind {
	case SignalKindOffer, SignalKindAnswer, SignalKindCandidate:
	default:
		return InvalidSignal("unknown signal kind: " + string(e.Kind))
	}
	if e.To == "" {
		return InvalidSignal("signal without target")
	}
	if len(e.Payload) == 0 {
		return InvalidSignal("signal without payload")
	}
	return nil
}
