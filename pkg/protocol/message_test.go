package protocol_test

import (
	"errors"
	"testing"

	"github.com/omochice/rtdb-transport/pkg/protocol"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("structpb.NewStruct() error = %v", err)
	}
	return s
}

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{
			name: "data request with body",
			msg: protocol.Data{
				ReqNum: 5,
				Action: "q",
				Body:   mustStruct(t, map[string]any{"p": "/users/1", "h": ""}),
			},
		},
		{
			name: "data push without request number",
			msg: protocol.Data{
				Action: "d",
				Body:   mustStruct(t, map[string]any{"p": "/rooms", "d": map[string]any{"n": 3.0}}),
			},
		},
		{
			name: "data without body",
			msg:  protocol.Data{ReqNum: 9},
		},
		{
			name: "data with request number zero",
			msg:  protocol.Data{HasReqNum: true, Action: "q"},
		},
		{
			name: "handshake",
			msg: protocol.Handshake{
				Timestamp: 1700000000000,
				Version:   "5",
				Host:      "s-usc1a-nss-2001.example.net",
				SessionID: "sess-1",
			},
		},
		{name: "reset with host", msg: protocol.Reset{Host: "other.example.net"}},
		{name: "reset without host", msg: protocol.Reset{}},
		{name: "ping", msg: protocol.Ping{}},
		{name: "pong", msg: protocol.Pong{}},
		{name: "shutdown", msg: protocol.Shutdown{Reason: "database disabled"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := protocol.Encode(tt.msg)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			got, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("Decode(%s) error = %v", data, err)
			}
			if got.Kind() != tt.msg.Kind() {
				t.Fatalf("Decode() kind = %v, want %v", got.Kind(), tt.msg.Kind())
			}

			if want, ok := tt.msg.(protocol.Data); ok {
				gotData := got.(protocol.Data)
				if gotData.ReqNum != want.ReqNum || gotData.Numbered() != want.Numbered() || gotData.Action != want.Action {
					t.Errorf("Decode() = %+v, want %+v", gotData, want)
				}
				if !proto.Equal(gotData.Body, want.Body) {
					t.Errorf("Decode() body = %v, want %v", gotData.Body, want.Body)
				}
				return
			}
			if got != tt.msg {
				t.Errorf("Decode() = %#v, want %#v", got, tt.msg)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "hello"},
		{"bare number", "12"},
		{"unknown kind", `{"t":"x","d":{}}`},
		{"unknown control", `{"t":"c","d":{"t":"z","d":{}}}`},
		{"control not an object", `{"t":"c","d":"h"}`},
		{"handshake missing payload", `{"t":"c","d":{"t":"h"}}`},
		{"data body not an object", `{"t":"d","d":{"r":1,"b":"text"}}`},
		{"request number not a number", `{"t":"d","d":{"r":"one"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protocol.Decode([]byte(tt.data))
			if err == nil {
				t.Fatal("expected decode error")
			}
			if !errors.Is(err, protocol.ErrDecode) {
				t.Errorf("error %v does not wrap ErrDecode", err)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind protocol.Kind
		want string
	}{
		{protocol.KindData, "DATA"},
		{protocol.KindHandshake, "HANDSHAKE"},
		{protocol.KindReset, "RESET"},
		{protocol.KindPing, "PING"},
		{protocol.KindPong, "PONG"},
		{protocol.KindShutdown, "SHUTDOWN"},
		{protocol.Kind(42), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.want {
				t.Errorf("Kind.String() = %v, want %v", got, tt.want)
			}
		})
	}
}
