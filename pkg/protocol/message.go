// Package protocol defines the realtime database wire messages and the
// text framing used to carry them over a websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrDecode is wrapped by every error returned from Decode.
var ErrDecode = errors.New("protocol: decode failed")

const (
	// Version is the protocol version announced in the connection URL.
	Version = "5"

	// Path is the websocket endpoint of a realtime server.
	Path = "/.ws"
)

// Kind identifies the variant of a Message.
type Kind int

const (
	KindData Kind = iota
	KindHandshake
	KindReset
	KindPing
	KindPong
	KindShutdown
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindHandshake:
		return "HANDSHAKE"
	case KindReset:
		return "RESET"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Message is one protocol unit. The set of implementations is closed.
type Message interface {
	Kind() Kind
	isMessage()
}

// Data carries an application payload. Server pushes that do not answer a
// request carry no request number. Zero is a valid request number, so
// HasReqNum marks its presence explicitly.
type Data struct {
	ReqNum    int64
	HasReqNum bool
	Action    string
	Body      *structpb.Struct
}

// Numbered reports whether d carries a request number.
func (d Data) Numbered() bool {
	return d.HasReqNum || d.ReqNum != 0
}

// Handshake is the server metadata sent once at the start of a connection.
type Handshake struct {
	Timestamp int64
	Version   string
	Host      string
	SessionID string
}

// Reset tells the client to drop the connection, optionally naming the
// host it should use next.
type Reset struct {
	Host string
}

// Ping asks the peer to answer with a Pong.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Shutdown tells the client the server is going away for good.
type Shutdown struct {
	Reason string
}

func (Data) Kind() Kind      { return KindData }
func (Handshake) Kind() Kind { return KindHandshake }
func (Reset) Kind() Kind     { return KindReset }
func (Ping) Kind() Kind      { return KindPing }
func (Pong) Kind() Kind      { return KindPong }
func (Shutdown) Kind() Kind  { return KindShutdown }

func (Data) isMessage()      {}
func (Handshake) isMessage() {}
func (Reset) isMessage()     {}
func (Ping) isMessage()      {}
func (Pong) isMessage()      {}
func (Shutdown) isMessage()  {}

const (
	envelopeData    = "d"
	envelopeControl = "c"

	controlHandshake = "h"
	controlReset     = "r"
	controlPing      = "p"
	controlPong      = "o"
	controlShutdown  = "s"
)

type envelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

type dataPayload struct {
	R *int64          `json:"r,omitempty"`
	A string          `json:"a,omitempty"`
	B json.RawMessage `json:"b,omitempty"`
}

type handshakePayload struct {
	TS int64  `json:"ts"`
	V  string `json:"v"`
	H  string `json:"h"`
	S  string `json:"s"`
}

var emptyObject = json.RawMessage("{}")

// Encode encodes the message into its JSON wire form.
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch msg := m.(type) {
	case Data:
		p := dataPayload{A: msg.Action}
		if msg.Numbered() {
			r := msg.ReqNum
			p.R = &r
		}
		if msg.Body != nil {
			b, err := protojson.Marshal(msg.Body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode data body: %w", err)
			}
			p.B = b
		}
		d, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode data message: %w", err)
		}
		env = envelope{T: envelopeData, D: d}
	case Handshake:
		return encodeControl(controlHandshake, handshakePayload{
			TS: msg.Timestamp,
			V:  msg.Version,
			H:  msg.Host,
			S:  msg.SessionID,
		})
	case Reset:
		return encodeControl(controlReset, msg.Host)
	case Ping:
		return encodeControl(controlPing, emptyObject)
	case Pong:
		return encodeControl(controlPong, emptyObject)
	case Shutdown:
		return encodeControl(controlShutdown, msg.Reason)
	default:
		return nil, fmt.Errorf("failed to encode message: unsupported type %T", m)
	}
	return json.Marshal(env)
}

func encodeControl(sub string, payload any) ([]byte, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode control payload: %w", err)
	}
	inner, err := json.Marshal(envelope{T: sub, D: d})
	if err != nil {
		return nil, fmt.Errorf("failed to encode control message: %w", err)
	}
	return json.Marshal(envelope{T: envelopeControl, D: inner})
}

// Decode parses one JSON wire message.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	switch env.T {
	case envelopeData:
		return decodeData(env.D)
	case envelopeControl:
		var ctrl envelope
		if err := json.Unmarshal(env.D, &ctrl); err != nil {
			return nil, fmt.Errorf("%w: control: %v", ErrDecode, err)
		}
		return decodeControl(ctrl)
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", ErrDecode, env.T)
	}
}

func decodeData(raw json.RawMessage) (Message, error) {
	var p dataPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrDecode, err)
	}
	msg := Data{Action: p.A}
	if p.R != nil {
		msg.ReqNum, msg.HasReqNum = *p.R, true
	}
	if len(p.B) > 0 && string(p.B) != "null" {
		body := &structpb.Struct{}
		if err := protojson.Unmarshal(p.B, body); err != nil {
			return nil, fmt.Errorf("%w: data body: %v", ErrDecode, err)
		}
		msg.Body = body
	}
	return msg, nil
}

func decodeControl(ctrl envelope) (Message, error) {
	switch ctrl.T {
	case controlHandshake:
		var p handshakePayload
		if err := json.Unmarshal(ctrl.D, &p); err != nil {
			return nil, fmt.Errorf("%w: handshake: %v", ErrDecode, err)
		}
		return Handshake{Timestamp: p.TS, Version: p.V, Host: p.H, SessionID: p.S}, nil
	case controlReset:
		var host string
		if err := unmarshalOptional(ctrl.D, &host); err != nil {
			return nil, fmt.Errorf("%w: reset: %v", ErrDecode, err)
		}
		return Reset{Host: host}, nil
	case controlPing:
		return Ping{}, nil
	case controlPong:
		return Pong{}, nil
	case controlShutdown:
		var reason string
		if err := unmarshalOptional(ctrl.D, &reason); err != nil {
			return nil, fmt.Errorf("%w: shutdown: %v", ErrDecode, err)
		}
		return Shutdown{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("%w: unknown control kind %q", ErrDecode, ctrl.T)
	}
}

func unmarshalOptional(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
