package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

type MessageType string

const (
	MessageTypeRegister    MessageType = "register"
	MessageTypeSignal      MessageType = "signal"
	MessageTypeNext        MessageType = "next"
	MessageTypeLeave       MessageType = "leave"
	MessageTypeMatch       MessageType = "match"
	MessageTypePartnerNext MessageType = "partner-next"
	MessageTypePartnerLeft MessageType = "partner-left"
)

var (
	// ErrMalformedMessage covers invalid JSON and missing/invalid fields.
	ErrMalformedMessage = errors.New("protocol: malformed message")
	// ErrUnknownMessageType is returned for well-formed JSON objects whose type
	// is not one of the inbound message types.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)

var validate = validator.New()

// Inbound is a decoded client -> relay message.
//
// Only the fields relevant to Type are populated.
type Inbound struct {
	Type       MessageType
	UserID     string
	To         string
	SignalData json.RawMessage
}

type envelope struct {
	Type MessageType `json:"type"`
}

type registerMessage struct {
	UserID string `json:"userid" validate:"required"`
}

type signalMessage struct {
	To         string          `json:"to" validate:"required"`
	SignalData json.RawMessage `json:"signalData" validate:"required"`
}

// ParseInbound decodes a single inbound text frame.
//
// Unknown fields are tolerated; some clients attach
// extra metadata to their messages.
func ParseInbound(data []byte) (Inbound, error) {
	trimmed := bytes.TrimSpace(data)
	// encoding/json replaces invalid bytes with U+FFFD in strings but keeps
	// them in a RawMessage, so neither userid nor signalData would survive.
	if !utf8.Valid(trimmed) {
		return Inbound{}, fmt.Errorf("%w: invalid UTF-8", ErrMalformedMessage)
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Inbound{}, fmt.Errorf("%w: expected a JSON object", ErrMalformedMessage)
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case MessageTypeRegister:
		var m registerMessage
		if err := decodeAndValidate(trimmed, &m); err != nil {
			return Inbound{}, err
		}
		return Inbound{Type: MessageTypeRegister, UserID: m.UserID}, nil
	case MessageTypeSignal:
		var m signalMessage
		if err := decodeAndValidate(trimmed, &m); err != nil {
			return Inbound{}, err
		}
		return Inbound{Type: MessageTypeSignal, To: m.To, SignalData: m.SignalData}, nil
	case MessageTypeNext, MessageTypeLeave:
		return Inbound{Type: env.Type}, nil
	case "":
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

func decodeAndValidate(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// Outbound is a relay -> client message.
//
// Caller is a pointer so that it is always present on match messages (even
// when false) and absent on every other type.
type Outbound struct {
	Type       MessageType     `json:"type"`
	PeerID     string          `json:"peerId,omitempty"`
	Caller     *bool           `json:"caller,omitempty"`
	From       string          `json:"from,omitempty"`
	SignalData json.RawMessage `json:"signalData,omitempty"`
}

func Match(peer string, caller bool) Outbound {
	return Outbound{Type: MessageTypeMatch, PeerID: peer, Caller: &caller}
}

// Signal wraps an opaque negotiation payload. payload is forwarded as-is.
func Signal(from string, payload json.RawMessage) Outbound {
	return Outbound{Type: MessageTypeSignal, From: from, SignalData: payload}
}

func PartnerNext(peer string) Outbound {
	return Outbound{Type: MessageTypePartnerNext, PeerID: peer}
}

// PartnerLeft builds a partner-left notification. peer may be empty.
func PartnerLeft(peer string) Outbound {
	return Outbound{Type: MessageTypePartnerLeft, PeerID: peer}
}

// Encode serialises m. SignalData is spliced in verbatim: json.Marshal would
// compact a RawMessage, and the recipient must see the sender's exact bytes.
func (m Outbound) Encode() ([]byte, error) {
	head := m
	head.SignalData = nil
	b, err := json.Marshal(head)
	if err != nil {
		return nil, err
	}
	if m.SignalData == nil {
		return b, nil
	}
	if !json.Valid(m.SignalData) {
		return nil, fmt.Errorf("%w: signalData is not valid JSON", ErrMalformedMessage)
	}

	out := make([]byte, 0, len(b)+len(m.SignalData)+len(`,"signalData":`))
	out = append(out, b[:len(b)-1]...)
	out = append(out, `,"signalData":`...)
	out = append(out, m.SignalData...)
	out = append(out, '}')
	return out, nil
}
