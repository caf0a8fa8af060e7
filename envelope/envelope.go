// Package envelope implements the protocol envelope schema (C2) shared by
// the core and every plugin: HandshakeRequest/Response, EventMessage, and
// EventResponse. Encoding uses google.golang.org/protobuf's low-level wire
// primitives (package protowire) with hand-assigned field numbers: an
// explicit field-key codec emitting genuine protobuf wire bytes, since
// the handshake's protocol tag requires the literal value "protobuf".
package envelope

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtocolProtobuf is the only protocol tag value the handshake accepts.
const ProtocolProtobuf = "protobuf"

// ValidateProtocol rejects any protocol tag other than ProtocolProtobuf.
// The negotiation is strictly accept-or-close — there is no in-band
// fallback.
func ValidateProtocol(tag string) error {
	if tag != ProtocolProtobuf {
		return fmt.Errorf("envelope: unsupported protocol %q, want %q", tag, ProtocolProtobuf)
	}
	return nil
}

// Kind discriminates which envelope variant a frame body carries.
type Kind uint8

const (
	KindHandshakeRequest Kind = 1
	KindHandshakeResponse Kind = 2
	KindEventMessage      Kind = 3
	KindEventResponse     Kind = 4
)

// Envelope field numbers (outer message).
const (
	fieldEnvelopeKind             protowire.Number = 1
	fieldEnvelopeHandshakeRequest protowire.Number = 2
	fieldEnvelopeHandshakeResponse protowire.Number = 3
	fieldEnvelopeEventMessage     protowire.Number = 4
	fieldEnvelopeEventResponse    protowire.Number = 5
)

// Envelope is the single top-level wire message. Exactly one of the
// pointer fields matching Kind is populated.
type Envelope struct {
	Kind             Kind
	HandshakeRequest *HandshakeRequest
	HandshakeResp    *HandshakeResponse
	Event            *EventMessage
	Response         *EventResponse
}

// Marshal encodes the envelope as protobuf wire bytes.
func (e *Envelope) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldEnvelopeKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Kind))

	switch e.Kind {
	case KindHandshakeRequest:
		if e.HandshakeRequest == nil {
			return nil, fmt.Errorf("envelope: kind HandshakeRequest with nil payload")
		}
		nested, err := e.HandshakeRequest.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldEnvelopeHandshakeRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	case KindHandshakeResponse:
		if e.HandshakeResp == nil {
			return nil, fmt.Errorf("envelope: kind HandshakeResponse with nil payload")
		}
		nested, err := e.HandshakeResp.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldEnvelopeHandshakeResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	case KindEventMessage:
		if e.Event == nil {
			return nil, fmt.Errorf("envelope: kind EventMessage with nil payload")
		}
		nested, err := e.Event.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldEnvelopeEventMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	case KindEventResponse:
		if e.Response == nil {
			return nil, fmt.Errorf("envelope: kind EventResponse with nil payload")
		}
		nested, err := e.Response.marshal()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldEnvelopeEventResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, nested)
	default:
		return nil, fmt.Errorf("envelope: unknown kind %d", e.Kind)
	}

	return b, nil
}

// Unmarshal decodes protobuf wire bytes produced by Marshal. Malformed
// input is treated as a fatal decode error — the caller closes the session.
func Unmarshal(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("envelope: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldEnvelopeKind:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("envelope: malformed kind: %w", protowire.ParseError(m))
			}
			e.Kind = Kind(v)
			data = data[m:]
		case fieldEnvelopeHandshakeRequest:
			nested, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("envelope: malformed handshake request: %w", protowire.ParseError(m))
			}
			hr, err := unmarshalHandshakeRequest(nested)
			if err != nil {
				return nil, err
			}
			e.HandshakeRequest = hr
			data = data[m:]
		case fieldEnvelopeHandshakeResponse:
			nested, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("envelope: malformed handshake response: %w", protowire.ParseError(m))
			}
			hr, err := unmarshalHandshakeResponse(nested)
			if err != nil {
				return nil, err
			}
			e.HandshakeResp = hr
			data = data[m:]
		case fieldEnvelopeEventMessage:
			nested, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("envelope: malformed event message: %w", protowire.ParseError(m))
			}
			ev, err := unmarshalEventMessage(nested)
			if err != nil {
				return nil, err
			}
			e.Event = ev
			data = data[m:]
		case fieldEnvelopeEventResponse:
			nested, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("envelope: malformed event response: %w", protowire.ParseError(m))
			}
			er, err := unmarshalEventResponse(nested)
			if err != nil {
				return nil, err
			}
			e.Response = er
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("envelope: malformed unknown field %d: %w", num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}

	if e.Kind == 0 {
		return nil, fmt.Errorf("envelope: missing kind discriminator")
	}
	return e, nil
}
