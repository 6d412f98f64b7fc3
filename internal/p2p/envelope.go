package p2p

import (
	"encoding/json"

	"github.com/mossy-p/pantheon/internal/models"
)

const (
	EnvelopeRequest  = "request"
	EnvelopeResponse = "response"
)

// PeerEnvelope is the frame exchanged over a direct channel. Requests and
// responses are correlated by RequestID; any other Type is a fire-and-forget
// message.
type PeerEnvelope struct {
	Type        string           `json:"type"`
	RequestID   string           `json:"requestId,omitempty"`
	RequestType string           `json:"requestType,omitempty"`
	Success     bool             `json:"success,omitempty"`
	Data        json.RawMessage  `json:"data,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorCode   models.ErrorCode `json:"errorCode,omitempty"`
}

// Validate checks the fields the envelope type requires
func (e *PeerEnvelope) Validate() error {
	switch e.Type {
	case "":
		return models.InvalidSignal("envelope without type")
	case EnvelopeRequest:
		if e.RequestID == "" || e.RequestType == "" {
			return models.InvalidSignal("request without id or type")
		}
	case EnvelopeResponse:
		if e.RequestID == "" {
			return models.InvalidSignal("response without request id")
		}
	}
	return nil
}

// Err rebuilds the failure carried by an unsuccessful response
func (e *PeerEnvelope) Err() error {
	if e.Success {
		return nil
	}
	code := e.ErrorCode
	if code == "" {
		code = models.CodeInternal
	}
	msg := e.Error
	if msg == "" {
		msg = "request failed"
	}
	return &models.Error{Code: code, Message: msg}
}

func failureEnvelope(requestID string, err error) PeerEnvelope {
	coded := models.AsError(err)
	return PeerEnvelope{
		Type:      EnvelopeResponse,
		RequestID: requestID,
		Error:     coded.Message,
		ErrorCode: coded.Code,
	}
}
