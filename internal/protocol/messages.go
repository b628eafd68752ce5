// Package protocol defines the JSON wire messages exchanged over the relay's WebSocket
// and the dispatcher that applies them to the session store.
//
// Inbound and Outbound are closed sets: their marker methods are unexported, so every
// message type is declared in this file and adding one is a compile-checked change.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jonnylin13/LongDistanceNetflix/internal/models"
)

type MessageType string

// client -> server
const (
	TypeStartLobby        MessageType = "start_lobby"
	TypeConnectLobby      MessageType = "connect_lobby"
	TypeDisconnectLobby   MessageType = "disconnect_lobby"
	TypeUpdateState       MessageType = "update_state"
	TypeUpdateUrl         MessageType = "update_url"
	TypeHandoff           MessageType = "handoff"
	TypeFullUpdateRequest MessageType = "full_update_request"
	TypeHeartbeat         MessageType = "heartbeat"
	TypeResume            MessageType = "resume"
)

// server -> client
const (
	TypeStartLobbyAck      MessageType = "start_lobby_ack"
	TypeConnectLobbyAck    MessageType = "connect_lobby_ack"
	TypeDisconnectLobbyAck MessageType = "disconnect_lobby_ack"
	TypeAck                MessageType = "ack"
	TypeStateUpdate        MessageType = "state_update"
	TypeUrlUpdate          MessageType = "url_update"
	TypeMemberJoined       MessageType = "member_joined"
	TypeMemberLeft         MessageType = "member_left"
	TypeControllerLeft     MessageType = "controller_left"
	TypeControllerChanged  MessageType = "controller_changed"
	TypeFullUpdate         MessageType = "full_update"
	TypeHeartbeatAck       MessageType = "heartbeat_ack"
	TypeResumeAck          MessageType = "resume_ack"
	TypeError              MessageType = "error"
)

// UserPayload is the user as a client describes itself.
type UserPayload struct {
	UserId        string                `json:"userId"`
	PlaybackState *models.PlaybackState `json:"playbackState,omitempty"`
	UrlParams     string                `json:"urlParams,omitempty"`
}

// Inbound is a message sent by a client.
type Inbound interface {
	Type() MessageType
	validate() error
}

type StartLobby struct {
	User UserPayload `json:"user"`
}

type ConnectLobby struct {
	LobbyId string      `json:"lobbyId"`
	User    UserPayload `json:"user"`
}

type DisconnectLobby struct {
	User UserPayload `json:"user"`
}

type UpdateState struct {
	LobbyId       string                `json:"lobbyId"`
	User          UserPayload           `json:"user"`
	PlaybackState *models.PlaybackState `json:"playbackState"`
}

type UpdateUrl struct {
	LobbyId   string      `json:"lobbyId"`
	User      UserPayload `json:"user"`
	UrlParams *string     `json:"urlParams"`
}

type Handoff struct {
	LobbyId      string      `json:"lobbyId"`
	User         UserPayload `json:"user"`
	TargetUserId string      `json:"targetUserId"`
}

type FullUpdateRequest struct {
	LobbyId string      `json:"lobbyId"`
	User    UserPayload `json:"user"`
}

// Heartbeat keeps a connection alive. A controller's snapshot in a heartbeat is treated
// like update_state; a follower's is recorded as its own position.
type Heartbeat struct {
	User          UserPayload           `json:"user"`
	PlaybackState *models.PlaybackState `json:"playbackState,omitempty"`
}

// Resume re-associates a known user id with a new connection.
type Resume struct {
	LobbyId string      `json:"lobbyId"`
	User    UserPayload `json:"user"`
}

func (StartLobby) Type() MessageType        { return TypeStartLobby }
func (ConnectLobby) Type() MessageType      { return TypeConnectLobby }
func (DisconnectLobby) Type() MessageType   { return TypeDisconnectLobby }
func (UpdateState) Type() MessageType       { return TypeUpdateState }
func (UpdateUrl) Type() MessageType         { return TypeUpdateUrl }
func (Handoff) Type() MessageType           { return TypeHandoff }
func (FullUpdateRequest) Type() MessageType { return TypeFullUpdateRequest }
func (Heartbeat) Type() MessageType         { return TypeHeartbeat }
func (Resume) Type() MessageType            { return TypeResume }

func (StartLobby) validate() error      { return nil }
func (DisconnectLobby) validate() error { return nil }
func (Heartbeat) validate() error       { return nil }

func (m ConnectLobby) validate() error { return required("lobbyId", m.LobbyId) }

func (m UpdateState) validate() error {
	if err := required("lobbyId", m.LobbyId); err != nil {
		return err
	}
	if m.PlaybackState == nil {
		return fmt.Errorf("%w: playbackState required", ErrMalformedMessage)
	}
	return nil
}

func (m UpdateUrl) validate() error {
	if err := required("lobbyId", m.LobbyId); err != nil {
		return err
	}
	if m.UrlParams == nil {
		return fmt.Errorf("%w: urlParams required", ErrMalformedMessage)
	}
	return nil
}

func (m Handoff) validate() error {
	if err := required("lobbyId", m.LobbyId); err != nil {
		return err
	}
	return required("targetUserId", m.TargetUserId)
}

func (m FullUpdateRequest) validate() error { return required("lobbyId", m.LobbyId) }

func (m Resume) validate() error {
	if err := required("lobbyId", m.LobbyId); err != nil {
		return err
	}
	return required("user.userId", m.User.UserId)
}

func required(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s required", ErrMalformedMessage, field)
	}
	return nil
}

// Outbound is a message sent by the relay.
type Outbound interface {
	Type() MessageType
	outbound()
}

type StartLobbyAck struct {
	Success bool   `json:"success"`
	LobbyId string `json:"lobbyId"`
	UserId  string `json:"userId"`
}

type ConnectLobbyAck struct {
	Success         bool                    `json:"success"`
	LobbyId         string                  `json:"lobbyId"`
	UserId          string                  `json:"userId"`
	ControllerState *models.ControllerState `json:"controllerState,omitempty"`
}

type DisconnectLobbyAck struct {
	Success bool `json:"success"`
}

// Ack acknowledges update_state, update_url and handoff.
type Ack struct {
	Success bool        `json:"success"`
	Ref     MessageType `json:"ref"`
}

type StateUpdate struct {
	UserId        string               `json:"userId"`
	PlaybackState models.PlaybackState `json:"playbackState"`
}

type UrlUpdate struct {
	UserId    string `json:"userId"`
	UrlParams string `json:"urlParams"`
}

type MemberJoined struct {
	UserId string `json:"userId"`
}

type MemberLeft struct {
	UserId string `json:"userId"`
}

type ControllerLeft struct {
	UserId string `json:"userId"`
}

type ControllerChanged struct {
	UserId string `json:"userId"`
}

type FullUpdate struct {
	LobbyId         string                 `json:"lobbyId"`
	ControllerState models.ControllerState `json:"controllerState"`
}

type HeartbeatAck struct {
	Stop bool `json:"stop"`
}

type ResumeAck struct {
	Success         bool                    `json:"success"`
	LobbyId         string                  `json:"lobbyId"`
	UserId          string                  `json:"userId"`
	IsController    bool                    `json:"isController"`
	ControllerState *models.ControllerState `json:"controllerState,omitempty"`
}

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (StartLobbyAck) Type() MessageType      { return TypeStartLobbyAck }
func (ConnectLobbyAck) Type() MessageType    { return TypeConnectLobbyAck }
func (DisconnectLobbyAck) Type() MessageType { return TypeDisconnectLobbyAck }
func (Ack) Type() MessageType                { return TypeAck }
func (StateUpdate) Type() MessageType        { return TypeStateUpdate }
func (UrlUpdate) Type() MessageType          { return TypeUrlUpdate }
func (MemberJoined) Type() MessageType       { return TypeMemberJoined }
func (MemberLeft) Type() MessageType         { return TypeMemberLeft }
func (ControllerLeft) Type() MessageType     { return TypeControllerLeft }
func (ControllerChanged) Type() MessageType  { return TypeControllerChanged }
func (FullUpdate) Type() MessageType         { return TypeFullUpdate }
func (HeartbeatAck) Type() MessageType       { return TypeHeartbeatAck }
func (ResumeAck) Type() MessageType          { return TypeResumeAck }
func (Error) Type() MessageType              { return TypeError }

func (StartLobbyAck) outbound()      {}
func (ConnectLobbyAck) outbound()    {}
func (DisconnectLobbyAck) outbound() {}
func (Ack) outbound()                {}
func (StateUpdate) outbound()        {}
func (UrlUpdate) outbound()          {}
func (MemberJoined) outbound()       {}
func (MemberLeft) outbound()         {}
func (ControllerLeft) outbound()     {}
func (ControllerChanged) outbound()  {}
func (FullUpdate) outbound()         {}
func (HeartbeatAck) outbound()       {}
func (ResumeAck) outbound()          {}
func (Error) outbound()              {}

type envelope struct {
	Type MessageType `json:"type"`
}

// Decode parses a client frame. Unknown or missing types and missing required fields
// yield ErrMalformedMessage.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch env.Type {
	case TypeStartLobby:
		return decodeInbound[StartLobby](data)
	case TypeConnectLobby:
		return decodeInbound[ConnectLobby](data)
	case TypeDisconnectLobby:
		return decodeInbound[DisconnectLobby](data)
	case TypeUpdateState:
		return decodeInbound[UpdateState](data)
	case TypeUpdateUrl:
		return decodeInbound[UpdateUrl](data)
	case TypeHandoff:
		return decodeInbound[Handoff](data)
	case TypeFullUpdateRequest:
		return decodeInbound[FullUpdateRequest](data)
	case TypeHeartbeat:
		return decodeInbound[Heartbeat](data)
	case TypeResume:
		return decodeInbound[Resume](data)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

func decodeInbound[T Inbound](data []byte) (Inbound, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, m.Type(), err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeOutbound parses a relay frame on the client side.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch env.Type {
	case TypeStartLobbyAck:
		return decodeOutbound[StartLobbyAck](data)
	case TypeConnectLobbyAck:
		return decodeOutbound[ConnectLobbyAck](data)
	case TypeDisconnectLobbyAck:
		return decodeOutbound[DisconnectLobbyAck](data)
	case TypeAck:
		return decodeOutbound[Ack](data)
	case TypeStateUpdate:
		return decodeOutbound[StateUpdate](data)
	case TypeUrlUpdate:
		return decodeOutbound[UrlUpdate](data)
	case TypeMemberJoined:
		return decodeOutbound[MemberJoined](data)
	case TypeMemberLeft:
		return decodeOutbound[MemberLeft](data)
	case TypeControllerLeft:
		return decodeOutbound[ControllerLeft](data)
	case TypeControllerChanged:
		return decodeOutbound[ControllerChanged](data)
	case TypeFullUpdate:
		return decodeOutbound[FullUpdate](data)
	case TypeHeartbeatAck:
		return decodeOutbound[HeartbeatAck](data)
	case TypeResumeAck:
		return decodeOutbound[ResumeAck](data)
	case TypeError:
		return decodeOutbound[Error](data)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, env.Type)
	}
}

func decodeOutbound[T Outbound](data []byte) (Outbound, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, m.Type(), err)
	}
	return m, nil
}

// Encode serializes a message with its "type" discriminator first.
func Encode(m interface{ Type() MessageType }) ([]byte, error) {
	head, err := json.Marshal(envelope{Type: m.Type()})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: payload is not an object", m.Type())
	}
	if len(body) == 2 {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}
