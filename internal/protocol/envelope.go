// Package protocol defines the wire language the Sync Kernel speaks:
// envelope framing, the closed message-type taxonomy, and the structural
// validators gating dispatch to business logic.
//
// Grounded on the teacher's internal/ws.Envelope/MessageType pattern
// (a JSON envelope with a raw payload plus a type switch keyed on a string
// tag), generalized from PTY-session messages to doc-sync messages.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// decodeStrict decodes data into v, rejecting any field not present in v's
// JSON tags instead of silently dropping it. Used everywhere a wire message
// is parsed: envelopes and every payload variant.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// ProtocolVersion is the only version value Envelope.Version may carry.
const ProtocolVersion = "1.0"

// MessageType is the closed set of envelope types. Unknown values are
// rejected by the validators, never dispatched.
type MessageType string

const (
	TypeHandshake        MessageType = "handshake"
	TypeHandshakeAck     MessageType = "handshake_ack"
	TypeDocUpdate        MessageType = "doc_update"
	TypeDocAck           MessageType = "doc_ack"
	TypePresence         MessageType = "presence"
	TypePresenceAck      MessageType = "presence_ack"
	TypeCatchUpRequest   MessageType = "catch_up_request"
	TypeCatchUpResponse  MessageType = "catch_up_response"
	TypeError            MessageType = "error"
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
)

var knownTypes = map[MessageType]bool{
	TypeHandshake:       true,
	TypeHandshakeAck:    true,
	TypeDocUpdate:       true,
	TypeDocAck:          true,
	TypePresence:        true,
	TypePresenceAck:     true,
	TypeCatchUpRequest:  true,
	TypeCatchUpResponse: true,
	TypeError:           true,
	TypePing:            true,
	TypePong:            true,
}

// Envelope is the only message shape on the wire: exactly these fields,
// no others. Payload is decoded per Type by the caller after validation.
type Envelope struct {
	Version   string          `json:"version"`
	Type      MessageType     `json:"type"`
	DocID     string          `json:"docId"`
	ClientID  string          `json:"clientId"`
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Marshal serializes an envelope to its wire JSON form.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses wire bytes into an Envelope without interpreting the
// payload; it never panics, only returns an error.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := decodeStrict(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	return e, nil
}

// --- Payload variants, one Go struct per MessageType. ---

type Capabilities struct {
	Features            []string `json:"features"`
	MaxUpdateSize        int      `json:"maxUpdateSize"`
	SupportsBinary       bool     `json:"supportsBinary"`
	SupportsCompression  bool     `json:"supportsCompression"`
}

type ServerCapabilities struct {
	MaxClientsPerRoom int  `json:"maxClientsPerRoom"`
	PresenceTtlMs     int  `json:"presenceTtlMs"`
	SupportsSnapshots bool `json:"supportsSnapshots"`
}

type HandshakePayload struct {
	ClientManifestV09   json.RawMessage `json:"client_manifest_v09"`
	ClientManifestHash  string          `json:"client_manifest_hash"`
	Capabilities        Capabilities    `json:"capabilities"`
	LastFrontierTag     string          `json:"lastFrontierTag,omitempty"`
	Token               string          `json:"token,omitempty"`
	UserMeta            map[string]any  `json:"userMeta,omitempty"`
}

type NegotiationLogEntry struct {
	Field    string `json:"field"`
	Client   any    `json:"client_value"`
	Server   any    `json:"server_value"`
	Resolved any    `json:"resolved_value"`
	Strategy string `json:"strategy"`
}

type HandshakeAckPayload struct {
	ServerManifestV09    json.RawMessage       `json:"server_manifest_v09"`
	EffectiveManifestV09 json.RawMessage       `json:"effective_manifest_v09"`
	ChosenManifestHash   string                `json:"chosen_manifest_hash"`
	ServerCapabilities   ServerCapabilities    `json:"serverCapabilities"`
	SessionID            string                `json:"sessionId"`
	Role                 string                `json:"role,omitempty"`
	NeedsCatchUp         bool                  `json:"needsCatchUp"`
	ServerFrontierTag    string                `json:"serverFrontierTag"`
	NegotiationLog       []NegotiationLogEntry `json:"negotiationLog,omitempty"`
}

type DocUpdatePayload struct {
	UpdateData        string `json:"updateData"`
	IsBase64           bool   `json:"isBase64"`
	FrontierTag        string `json:"frontierTag"`
	ParentFrontierTag  string `json:"parentFrontierTag"`
	SizeBytes          int    `json:"sizeBytes"`
	Origin             string `json:"origin,omitempty"`
}

type DocAckPayload struct {
	AckedSeq          uint64 `json:"ackedSeq"`
	Applied           bool   `json:"applied"`
	ServerFrontierTag string `json:"serverFrontierTag"`
	RejectionReason   string `json:"rejectionReason,omitempty"`
}

type PresencePayload struct {
	UserMeta     map[string]any `json:"userMeta"`
	Cursor       map[string]any `json:"cursor,omitempty"`
	Selection    map[string]any `json:"selection,omitempty"`
	Status       string         `json:"status"`
	LastActivity string         `json:"lastActivity"`
}

type PresenceEntry struct {
	ClientID string          `json:"clientId"`
	Presence PresencePayload `json:"presence"`
}

type PresenceAckPayload struct {
	Presences []PresenceEntry `json:"presences"`
}

type CatchUpRequestPayload struct {
	FromFrontierTag string `json:"fromFrontierTag"`
	PreferSnapshot  bool   `json:"preferSnapshot"`
}

type CatchUpResponsePayload struct {
	IsSnapshot  bool   `json:"isSnapshot"`
	Data        string `json:"data"`
	FrontierTag string `json:"frontierTag"`
	UpdateCount int    `json:"updateCount,omitempty"`
}

// PingPayload and PongPayload are both the empty object on the wire.
type PingPayload struct{}
type PongPayload struct{}
