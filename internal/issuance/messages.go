// Package issuance implements the four session-oriented flows a wallet
// drives against the catalog: provisioning a new document, certifying
// auth keys against an already-provisioned one, updating it when its
// Document content changes, and deleting it. Each flow is a state
// machine grounded directly on server.py's Session subclasses, with the
// state names and message field shapes carried over verbatim; the
// state machine is expressed here as a Go type with an explicit State
// enum rather than Python's class-per-session-kind inheritance.
package issuance

import (
	"github.com/fxamacker/cbor/v2"
)

// Envelope fields shared by every request and response.
type Envelope struct {
	MessageType string `cbor:"messageType"`
	ESessionID  string `cbor:"eSessionId"`
}

// SessionIDSetter is implemented by every reply message so the
// dispatcher can stamp eSessionId onto it right before encoding, without
// every flow method needing the session id threaded through its
// signature.
type SessionIDSetter interface {
	SetSessionID(id string)
}

// EndSessionMessage is the terminal reply for every flow, success or
// failure, and also answers RequestEndSession.
type EndSessionMessage struct {
	MessageType string `cbor:"messageType"`
	ESessionID  string `cbor:"eSessionId"`
	Reason      string `cbor:"reason"`
	Detail      string `cbor:"detail,omitempty"`
}

const (
	ReasonSuccess = "Success"
	ReasonFailed  = "Failed"
)

func NewEndSessionMessage(sessionID, reason, detail string) *EndSessionMessage {
	return &EndSessionMessage{
		MessageType: "EndSessionMessage",
		ESessionID:  sessionID,
		Reason:      reason,
		Detail:      detail,
	}
}

// DecodeEnvelope peeks messageType/eSessionId out of a raw CBOR request
// body without committing to a specific payload shape yet, so the
// dispatcher can route before the flow-specific struct is unmarshaled.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	err := cbor.Unmarshal(body, &env)
	return env, err
}
