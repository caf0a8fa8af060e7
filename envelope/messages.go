package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// HandshakeRequest is sent by a plugin immediately after connecting.
type HandshakeRequest struct {
	Identity     string
	Version      string
	Capabilities []string
	Priority     int32
	Protocol     string
}

const (
	fieldHandshakeReqIdentity     protowire.Number = 1
	fieldHandshakeReqVersion      protowire.Number = 2
	fieldHandshakeReqCapabilities protowire.Number = 3
	fieldHandshakeReqPriority     protowire.Number = 4
	fieldHandshakeReqProtocol     protowire.Number = 5
)

func (h *HandshakeRequest) marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, fieldHandshakeReqIdentity, h.Identity)
	b = appendStringField(b, fieldHandshakeReqVersion, h.Version)
	for _, c := range h.Capabilities {
		b = appendStringField(b, fieldHandshakeReqCapabilities, c)
	}
	b = protowire.AppendTag(b, fieldHandshakeReqPriority, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(h.Priority)))
	b = appendStringField(b, fieldHandshakeReqProtocol, h.Protocol)
	return b, nil
}

func unmarshalHandshakeRequest(data []byte) (*HandshakeRequest, error) {
	h := &HandshakeRequest{}
	return h, walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case fieldHandshakeReqIdentity:
			return consumeStringInto(&h.Identity, data)
		case fieldHandshakeReqVersion:
			return consumeStringInto(&h.Version, data)
		case fieldHandshakeReqCapabilities:
			s, n, err := consumeString(data)
			if err != nil {
				return 0, err
			}
			h.Capabilities = append(h.Capabilities, s)
			return n, nil
		case fieldHandshakeReqPriority:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			h.Priority = int32(protowire.DecodeZigZag(v))
			return n, nil
		case fieldHandshakeReqProtocol:
			return consumeStringInto(&h.Protocol, data)
		default:
			return skipField(num, typ, data)
		}
	})
}

// HandshakeResponse is the core's reply to a HandshakeRequest.
type HandshakeResponse struct {
	Status   string // "ok" or "error"
	Message  string
	Config   []byte // opaque; ipcserver's handshake response leaves it empty
	Protocol string
}

const (
	fieldHandshakeRespStatus   protowire.Number = 1
	fieldHandshakeRespMessage  protowire.Number = 2
	fieldHandshakeRespConfig   protowire.Number = 3
	fieldHandshakeRespProtocol protowire.Number = 4
)

func (h *HandshakeResponse) marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, fieldHandshakeRespStatus, h.Status)
	b = appendStringField(b, fieldHandshakeRespMessage, h.Message)
	if len(h.Config) > 0 {
		b = protowire.AppendTag(b, fieldHandshakeRespConfig, protowire.BytesType)
		b = protowire.AppendBytes(b, h.Config)
	}
	b = appendStringField(b, fieldHandshakeRespProtocol, h.Protocol)
	return b, nil
}

func unmarshalHandshakeResponse(data []byte) (*HandshakeResponse, error) {
	h := &HandshakeResponse{}
	return h, walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case fieldHandshakeRespStatus:
			return consumeStringInto(&h.Status, data)
		case fieldHandshakeRespMessage:
			return consumeStringInto(&h.Message, data)
		case fieldHandshakeRespConfig:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			h.Config = v
			return n, nil
		case fieldHandshakeRespProtocol:
			return consumeStringInto(&h.Protocol, data)
		default:
			return skipField(num, typ, data)
		}
	})
}

// EventMessage carries a typed business request, selected by EventType,
// whose payload the core never inspects. Target addresses a specific
// plugin identity for peer-initiated traffic (RPC calls and direct
// sends); it is empty for core-originated deliveries, where the
// recipient is already implied by which session the frame travels on.
// Topic carries the published topic for event-bus fanout (EventType
// capmap.PublishedEventType); it is core-known routing metadata, not
// part of the opaque application payload, since subscribers matching a
// wildcard pattern need to know which concrete topic fired.
type EventMessage struct {
	EventType string
	Payload   []byte
	Timestamp int64
	TraceID   string
	Target    string
	Topic     string
}

const (
	fieldEventMsgType      protowire.Number = 1
	fieldEventMsgPayload   protowire.Number = 2
	fieldEventMsgTimestamp protowire.Number = 3
	fieldEventMsgTraceID   protowire.Number = 4
	fieldEventMsgTarget    protowire.Number = 5
	fieldEventMsgTopic     protowire.Number = 6
)

func (e *EventMessage) marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, fieldEventMsgType, e.EventType)
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, fieldEventMsgPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	b = protowire.AppendTag(b, fieldEventMsgTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Timestamp))
	b = appendStringField(b, fieldEventMsgTraceID, e.TraceID)
	b = appendStringField(b, fieldEventMsgTarget, e.Target)
	b = appendStringField(b, fieldEventMsgTopic, e.Topic)
	return b, nil
}

func unmarshalEventMessage(data []byte) (*EventMessage, error) {
	e := &EventMessage{}
	return e, walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case fieldEventMsgType:
			return consumeStringInto(&e.EventType, data)
		case fieldEventMsgPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Payload = v
			return n, nil
		case fieldEventMsgTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Timestamp = protowire.DecodeZigZag(v)
			return n, nil
		case fieldEventMsgTraceID:
			return consumeStringInto(&e.TraceID, data)
		case fieldEventMsgTarget:
			return consumeStringInto(&e.Target, data)
		case fieldEventMsgTopic:
			return consumeStringInto(&e.Topic, data)
		default:
			return skipField(num, typ, data)
		}
	})
}

// EventResponse is a plugin's reply to an EventMessage. TraceID echoes
// the request's correlation id so the session can match the reply to
// the right pending slot regardless of arrival order.
type EventResponse struct {
	Status  string // "ok" or "error"
	Flow    string // "continue" or "stop"
	Data    []byte
	Error   string
	TraceID string
}

const (
	FlowContinue = "continue"
	FlowStop     = "stop"
	StatusOK     = "ok"
	StatusError  = "error"
)

const (
	fieldEventRespStatus  protowire.Number = 1
	fieldEventRespFlow    protowire.Number = 2
	fieldEventRespData    protowire.Number = 3
	fieldEventRespError   protowire.Number = 4
	fieldEventRespTraceID protowire.Number = 5
)

func (r *EventResponse) marshal() ([]byte, error) {
	var b []byte
	b = appendStringField(b, fieldEventRespStatus, r.Status)
	b = appendStringField(b, fieldEventRespFlow, r.Flow)
	if len(r.Data) > 0 {
		b = protowire.AppendTag(b, fieldEventRespData, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Data)
	}
	b = appendStringField(b, fieldEventRespError, r.Error)
	b = appendStringField(b, fieldEventRespTraceID, r.TraceID)
	return b, nil
}

func unmarshalEventResponse(data []byte) (*EventResponse, error) {
	r := &EventResponse{}
	return r, walkFields(data, func(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
		switch num {
		case fieldEventRespStatus:
			return consumeStringInto(&r.Status, data)
		case fieldEventRespFlow:
			return consumeStringInto(&r.Flow, data)
		case fieldEventRespData:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Data = v
			return n, nil
		case fieldEventRespError:
			return consumeStringInto(&r.Error, data)
		case fieldEventRespTraceID:
			return consumeStringInto(&r.TraceID, data)
		default:
			return skipField(num, typ, data)
		}
	})
}

// --- shared wire helpers ---

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func consumeString(data []byte) (string, int, error) {
	s, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return s, n, nil
}

func consumeStringInto(dst *string, data []byte) (int, error) {
	s, n, err := consumeString(data)
	if err != nil {
		return 0, err
	}
	*dst = s
	return n, nil
}

func skipField(num protowire.Number, typ protowire.Type, data []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

// walkFields iterates the top-level fields of a nested message, delegating
// each to fn, which must return the number of bytes consumed (excluding
// the tag, which walkFields already consumed).
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, data []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("envelope: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		consumed, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		data = data[consumed:]
	}
	return nil
}
