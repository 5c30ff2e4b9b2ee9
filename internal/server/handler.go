package server

import (
	"github.com/omochice/rtdb-transport/pkg/protocol"
	"google.golang.org/protobuf/types/known/structpb"
)

// Handler answers a client request. Returning false sends no reply.
type Handler interface {
	Handle(s *Session, req protocol.Data) (protocol.Data, bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Session, req protocol.Data) (protocol.Data, bool)

func (f HandlerFunc) Handle(s *Session, req protocol.Data) (protocol.Data, bool) {
	return f(s, req)
}

// EchoHandler replies to every request with {"s":"ok","d":<request body>}.
func EchoHandler() Handler {
	return HandlerFunc(func(_ *Session, req protocol.Data) (protocol.Data, bool) {
		body := &structpb.Struct{Fields: map[string]*structpb.Value{
			"s": structpb.NewStringValue("ok"),
		}}
		if req.Body != nil {
			body.Fields["d"] = structpb.NewStructValue(req.Body)
		} else {
			body.Fields["d"] = structpb.NewNullValue()
		}
		return protocol.Data{ReqNum: req.ReqNum, HasReqNum: true, Action: req.Action, Body: body}, true
	})
}
