// Package relay implements the host side of the remote-access plane:
// the wire protocol spoken with the relay service and the outbound
// client that registers the server's room, welcomes peers and tunnels
// their requests into the local router.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control frames travel to and from the relay as clear JSON arrays:
// ["register", {...}], ["ping"], ["data", {...}].
const (
	VerbRegister = "register"
	VerbJoin     = "join"
	VerbPing     = "ping"
	VerbData     = "data"

	EvtRegistered   = "registered"
	EvtPeerJoined   = "peer_joined"
	EvtPeerLeft     = "peer_left"
	EvtJoined       = "joined"
	EvtAuthRequired = "auth-required"
	EvtError        = "error"
)

// Sealed message types carried inside data-frame ciphertext.
const (
	MsgWelcome         = "welcome"
	MsgAPIRequest      = "api-request"
	MsgAPIResponse     = "api-response"
	MsgPlaybackCommand = "playback-command"
	MsgCommandAck      = "command-ack"
)

var ErrMalformedFrame = errors.New("malformed relay frame")

// RegisterPayload announces the host's room to the relay. The signature
// covers "<room_id>|<timestamp>" with the server's ed25519 key.
type RegisterPayload struct {
	RoomID       string `json:"room_id"`
	ServerName   string `json:"server_name"`
	PasswordHash string `json:"password_hash,omitempty"`
	PublicKey    string `json:"public_key"` // base64 ed25519
	SealKey      string `json:"seal_key"`   // base64 x25519
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"` // base64
}

// JoinPayload is sent by a peer to enter a room.
type JoinPayload struct {
	RoomID       string `json:"room_id"`
	PublicKey    string `json:"public_key"` // base64 ephemeral x25519
	DeviceName   string `json:"device_name,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	PasswordHash string `json:"password_hash,omitempty"`
}

type RegisteredPayload struct {
	RoomID string `json:"room_id"`
}

// PeerInfo identifies a room occupant by its ephemeral public key.
type PeerInfo struct {
	PeerID     string `json:"peer_id"` // base64 x25519 public key
	DeviceName string `json:"device_name,omitempty"`
	JoinedAt   int64  `json:"joined_at,omitempty"`
}

type JoinedPayload struct {
	HostPublicKey string `json:"host_public_key"` // base64 x25519
	ServerName    string `json:"server_name,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// DataPayload routes opaque ciphertext between host and peer. From/To
// are peer ids; the relay fills From on delivery.
type DataPayload struct {
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Payload []byte `json:"payload"` // sealed frame, base64 via JSON
}

// EncodeControl renders a control frame as a two-element JSON array
// (one element for bare verbs like ping).
func EncodeControl(verb string, payload any) ([]byte, error) {
	if payload == nil {
		return json.Marshal([]any{verb})
	}
	return json.Marshal([]any{verb, payload})
}

// DecodeControl splits a control frame into verb and raw payload.
func DecodeControl(data []byte) (string, json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(parts) == 0 {
		return "", nil, ErrMalformedFrame
	}
	var verb string
	if err := json.Unmarshal(parts[0], &verb); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	var payload json.RawMessage
	if len(parts) > 1 {
		payload = parts[1]
	}
	return verb, payload, nil
}

// Envelope carries just the type tag of a sealed message so the
// receiver can demultiplex before full decoding.
type Envelope struct {
	Type string `json:"type"`
}

// WelcomeMessage is the first sealed frame the host sends a new peer.
// It carries the active auth token so the peer can tunnel authenticated
// requests.
type WelcomeMessage struct {
	Type       string `json:"type"`
	AuthToken  string `json:"authToken"`
	LocalURL   string `json:"localUrl"`
	ServerName string `json:"serverName,omitempty"`
}

// APIRequest is a tunneled HTTP-style request.
type APIRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Method    string          `json:"method"`
	URL       string          `json:"url"`
	Body      json.RawMessage `json:"body,omitempty"`
	AuthToken string          `json:"auth_token,omitempty"`
}

// APIResponse correlates back to its request by RequestID.
type APIResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	OK        bool            `json:"ok"`
	Status    int             `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PlaybackCommand dispatches to the playback orchestrator.
type PlaybackCommand struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Command   string          `json:"command"`
	Args      json.RawMessage `json:"args,omitempty"`
}

type CommandAck struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// RegisterSigningInput is the byte string covered by the registration
// signature.
func RegisterSigningInput(roomID string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("%s|%d", roomID, timestamp))
}
