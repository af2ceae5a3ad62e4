package mcprt

import (
	"context"
	"encoding/json"
)

// InboundHandler classifies and routes one message produced by a Transport. The
// Transport must await its return before producing the next message: that return is
// the backpressure contract between reader and session.
type InboundHandler func(ctx context.Context, msg Message) error

// Transport is an ordered duplex pipe of protocol messages. It never parses protocol
// semantics; it only ferries opaque Messages in both directions.
//
// Messages returned from Send are delivered to the peer in call order. Messages handed
// to the handler installed by Start are delivered in wire-arrival order.
type Transport interface {
	// Start begins producing inbound messages, invoking handler for each and awaiting
	// its return before producing the next. Start returns once the transport can no
	// longer produce messages (EOF, closed, or a permanent I/O error).
	Start(ctx context.Context, handler InboundHandler) error

	// Send enqueues one outbound message. It returns only on a permanent transport
	// error; a successful return means the bytes were handed to the underlying pipe,
	// not that the peer received them.
	Send(ctx context.Context, msg Message) error

	// CloseGracefully stops accepting new Sends, flushes anything in flight, and
	// releases the transport's resources. Idempotent.
	CloseGracefully(ctx context.Context) error

	// UnmarshalFrom decodes raw into v, decoupling callers from the JSON library the
	// transport happens to use for wire decoding.
	UnmarshalFrom(raw json.RawMessage, v any) error
}

// jsonTransportCodec is embedded by transports that use encoding/json for framing, which
// is every transport in this module; it implements the UnmarshalFrom half of Transport.
type jsonTransportCodec struct{}

func (jsonTransportCodec) UnmarshalFrom(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
