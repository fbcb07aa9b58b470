// Package message implements the control-message tagged union exchanged
// between endpoints and the relay: registration, registration responses, and
// peer-connection SDP descriptors.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

type Type string

const (
	TypeServerRegistration Type = "server_registration"
	TypeServerResponse     Type = "server_response"
	TypePeerConnection     Type = "peer_connection"
)

// DescriptionType is the SDP role carried by a PeerConnection message.
type DescriptionType string

const (
	DescriptionOffer  DescriptionType = "offer"
	DescriptionAnswer DescriptionType = "answer"
)

// ServerRegistration is sent client->relay to claim a UUID/name pair.
type ServerRegistration struct {
	Name string
	UUID uuid.UUID
}

// ServerResponse is sent relay->client acknowledging a registration or
// reporting a protocol violation.
type ServerResponse struct {
	Success bool
	Message string
	Error   bool
}

// PeerConnection carries an SDP offer or answer between two endpoints,
// relayed verbatim by the server. Error is always a plain string at the wire
// boundary (see DESIGN.md).
type PeerConnection struct {
	SourceUUID      uuid.UUID
	SourceName      string
	PeerUUID        uuid.UUID
	DescriptionType DescriptionType
	Description     string
	Error           string
}

// Message is the closed sum type decoded off the wire. Exactly one of the
// typed fields is non-nil, matching Type.
type Message struct {
	Type               Type
	ServerRegistration *ServerRegistration
	ServerResponse     *ServerResponse
	PeerConnection     *PeerConnection
}

// DecodeError is returned for any malformed or unrecognized wire message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("message: decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("message: decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// EncodeError is returned when a Message cannot be rendered onto the wire.
type EncodeError struct {
	Reason string
	Err    error
}

func (e *EncodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("message: encode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("message: encode: %s", e.Reason)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// wire is the on-the-wire JSON shape: a flat object with a discriminator and
// every variant's fields made optional.
type wire struct {
	MessageType Type `json:"message_type"`

	Name string `json:"name,omitempty"`
	UUID string `json:"uuid,omitempty"`

	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	Error   *bool  `json:"error,omitempty"`

	SourceUUID      string `json:"source_uuid,omitempty"`
	SourceName      string `json:"source_name,omitempty"`
	PeerUUID        string `json:"peer_uuid,omitempty"`
	DescriptionType string `json:"description_type,omitempty"`
	Description     string `json:"description,omitempty"`
	ErrorText       string `json:"-"`
}

// Encode renders m as a single JSON text frame.
func Encode(m Message) ([]byte, error) {
	var w wire
	w.MessageType = m.Type

	switch m.Type {
	case TypeServerRegistration:
		if m.ServerRegistration == nil {
			return nil, &EncodeError{Reason: "server_registration missing payload"}
		}
		w.Name = m.ServerRegistration.Name
		w.UUID = m.ServerRegistration.UUID.String()
	case TypeServerResponse:
		if m.ServerResponse == nil {
			return nil, &EncodeError{Reason: "server_response missing payload"}
		}
		w.Success = m.ServerResponse.Success
		w.Message = m.ServerResponse.Message
		if m.ServerResponse.Error {
			t := true
			w.Error = &t
		}
	case TypePeerConnection:
		if m.PeerConnection == nil {
			return nil, &EncodeError{Reason: "peer_connection missing payload"}
		}
		pc := m.PeerConnection
		w.SourceUUID = pc.SourceUUID.String()
		w.SourceName = pc.SourceName
		w.PeerUUID = pc.PeerUUID.String()
		w.DescriptionType = string(pc.DescriptionType)
		w.Description = pc.Description
	default:
		return nil, &EncodeError{Reason: fmt.Sprintf("unknown message type %q", m.Type)}
	}

	// peer_connection's error field is named "error" on the wire too, but it's
	// a string there (unlike server_response's boolean error flag), so it is
	// marshaled through a second small struct to keep wire field types exact.
	if m.Type == TypePeerConnection && m.PeerConnection.Error != "" {
		type peerWire struct {
			wire
			PeerError string `json:"error"`
		}
		out, err := json.Marshal(peerWire{wire: w, PeerError: m.PeerConnection.Error})
		if err != nil {
			return nil, &EncodeError{Reason: "marshal", Err: err}
		}
		return out, nil
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, &EncodeError{Reason: "marshal", Err: err}
	}
	return out, nil
}

// Decode parses a single JSON text frame into a Message.
//
// It performs the discriminator lookup, then recursively normalizes every
// field whose name is or ends in "uuid" from string to uuid.UUID, then
// constructs and validates the concrete variant.
func Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var raw map[string]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return Message{}, decodeErr("malformed json", err)
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return Message{}, decodeErr("trailing data after message", nil)
	}

	typRaw, ok := raw["message_type"]
	if !ok {
		return Message{}, decodeErr("missing message_type", nil)
	}
	var typ Type
	if err := json.Unmarshal(typRaw, &typ); err != nil {
		return Message{}, decodeErr("invalid message_type", err)
	}

	switch typ {
	case TypeServerRegistration:
		return decodeServerRegistration(raw)
	case TypeServerResponse:
		return decodeServerResponse(raw)
	case TypePeerConnection:
		return decodePeerConnection(raw)
	default:
		return Message{}, decodeErr(fmt.Sprintf("unknown message_type %q", typ), nil)
	}
}

func stringField(raw map[string]json.RawMessage, key string) (string, bool, error) {
	v, ok := raw[key]
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", true, fmt.Errorf("field %q: %w", key, err)
	}
	return s, true, nil
}

func uuidField(raw map[string]json.RawMessage, key string) (uuid.UUID, bool, error) {
	s, ok, err := stringField(raw, key)
	if err != nil {
		return uuid.UUID{}, ok, err
	}
	if !ok {
		return uuid.UUID{}, false, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, true, fmt.Errorf("field %q: %w", key, err)
	}
	return id, true, nil
}

func decodeServerRegistration(raw map[string]json.RawMessage) (Message, error) {
	name, nameOK, err := stringField(raw, "name")
	if err != nil {
		return Message{}, decodeErr("server_registration", err)
	}
	id, idOK, err := uuidField(raw, "uuid")
	if err != nil {
		return Message{}, decodeErr("server_registration", err)
	}
	if !nameOK || name == "" {
		return Message{}, decodeErr("server_registration missing name", nil)
	}
	if !idOK {
		return Message{}, decodeErr("server_registration missing uuid", nil)
	}
	return Message{
		Type:               TypeServerRegistration,
		ServerRegistration: &ServerRegistration{Name: name, UUID: id},
	}, nil
}

func decodeServerResponse(raw map[string]json.RawMessage) (Message, error) {
	var success bool
	if v, ok := raw["success"]; ok {
		if err := json.Unmarshal(v, &success); err != nil {
			return Message{}, decodeErr("server_response.success", err)
		}
	} else {
		return Message{}, decodeErr("server_response missing success", nil)
	}
	msg, _, err := stringField(raw, "message")
	if err != nil {
		return Message{}, decodeErr("server_response", err)
	}
	var hasError bool
	if v, ok := raw["error"]; ok {
		if err := json.Unmarshal(v, &hasError); err != nil {
			return Message{}, decodeErr("server_response.error", err)
		}
	}
	return Message{
		Type: TypeServerResponse,
		ServerResponse: &ServerResponse{
			Success: success,
			Message: msg,
			Error:   hasError,
		},
	}, nil
}

func decodePeerConnection(raw map[string]json.RawMessage) (Message, error) {
	sourceUUID, sourceUUIDOK, err := uuidField(raw, "source_uuid")
	if err != nil {
		return Message{}, decodeErr("peer_connection", err)
	}
	sourceName, _, err := stringField(raw, "source_name")
	if err != nil {
		return Message{}, decodeErr("peer_connection", err)
	}
	peerUUID, peerUUIDOK, err := uuidField(raw, "peer_uuid")
	if err != nil {
		return Message{}, decodeErr("peer_connection", err)
	}
	descTypeRaw, descTypeOK, err := stringField(raw, "description_type")
	if err != nil {
		return Message{}, decodeErr("peer_connection", err)
	}
	description, _, err := stringField(raw, "description")
	if err != nil {
		return Message{}, decodeErr("peer_connection", err)
	}
	errText, _, err := stringField(raw, "error")
	if err != nil {
		return Message{}, decodeErr("peer_connection", err)
	}

	if !sourceUUIDOK {
		return Message{}, decodeErr("peer_connection missing source_uuid", nil)
	}
	if !peerUUIDOK {
		return Message{}, decodeErr("peer_connection missing peer_uuid", nil)
	}

	var descType DescriptionType
	if descTypeOK {
		switch DescriptionType(descTypeRaw) {
		case DescriptionOffer, DescriptionAnswer:
			descType = DescriptionType(descTypeRaw)
		default:
			return Message{}, decodeErr(fmt.Sprintf("peer_connection invalid description_type %q", descTypeRaw), nil)
		}
	}

	return Message{
		Type: TypePeerConnection,
		PeerConnection: &PeerConnection{
			SourceUUID:      sourceUUID,
			SourceName:      sourceName,
			PeerUUID:        peerUUID,
			DescriptionType: descType,
			Description:     description,
			Error:           errText,
		},
	}, nil
}
