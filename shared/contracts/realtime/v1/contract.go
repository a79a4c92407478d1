// Package v1 defines the chat realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the client synchronization store and the
// smoke tool to keep the wire protocol authoritative in one place.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated for protocol v1.
const Subprotocol = "chat.realtime.v1"

// Client -> server event types (wire-stable).
const (
	// TypeUserOnline binds the connection to a user and marks the user online.
	TypeUserOnline = "user:online"
	// TypeUserStatusSet changes the presence status of a connected user (online/away).
	TypeUserStatusSet = "user:status:set"

	TypeConversationJoin  = "conversation:join"
	TypeConversationLeave = "conversation:leave"

	TypeMessageSend   = "message:send"
	TypeMessageEdit   = "message:edit"
	TypeMessageDelete = "message:delete"

	TypeTypingStart = "typing:start"
	TypeTypingStop  = "typing:stop"

	TypeMessageRead      = "message:read"
	TypeConversationRead = "conversation:read"
)

// Server -> client event types (wire-stable).
const (
	// TypeSessionReady acknowledges user:online with the connection id.
	TypeSessionReady = "session:ready"

	TypeConversationJoined = "conversation:joined"
	TypeConversationLeft   = "conversation:left"

	TypeMessageReceive = "message:receive"
	TypeMessageEdited  = "message:edited"
	TypeMessageDeleted = "message:deleted"

	TypeUserStatus = "user:status"

	TypeTypingUpdate = "typing:update"

	TypeMessageReadUpdate      = "message:read:update"
	TypeConversationReadUpdate = "conversation:read:update"

	// TypeError is a scoped error envelope, only ever sent to the originating connection.
	TypeError = "error"
)

// ClientTypes is the fixed set of inbound event kinds accepted by the server.
var ClientTypes = map[string]struct{}{
	TypeUserOnline:        {},
	TypeUserStatusSet:     {},
	TypeConversationJoin:  {},
	TypeConversationLeave: {},
	TypeMessageSend:       {},
	TypeMessageEdit:       {},
	TypeMessageDelete:     {},
	TypeTypingStart:       {},
	TypeTypingStop:        {},
	TypeMessageRead:       {},
	TypeConversationRead:  {},
}

// ServerTypes is the fixed set of outbound event kinds emitted by the server.
var ServerTypes = map[string]struct{}{
	TypeSessionReady:           {},
	TypeConversationJoined:     {},
	TypeConversationLeft:       {},
	TypeMessageReceive:         {},
	TypeMessageEdited:          {},
	TypeMessageDeleted:         {},
	TypeUserStatus:             {},
	TypeTypingUpdate:           {},
	TypeMessageReadUpdate:      {},
	TypeConversationReadUpdate: {},
	TypeError:                  {},
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope in either direction.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	_, inbound := ClientTypes[e.Type]
	_, outbound := ServerTypes[e.Type]
	if !inbound && !outbound {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ValidateInbound validates an envelope received by the server.
func (e Envelope) ValidateInbound() error {
	if err := e.Validate(); err != nil {
		return err
	}
	if _, ok := ClientTypes[e.Type]; !ok {
		return fmt.Errorf("not a client event: %q", e.Type)
	}
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	return nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// NewEnvelope builds an envelope with a JSON-encoded payload.
func NewEnvelope(typ, id string, ts time.Time, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: ts, Payload: raw}, nil
}
