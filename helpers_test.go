package mcprt_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/corebridge/mcprt"
)

// pipeTransport is an in-memory, in-process Transport used to connect two Sessions (or a
// Session and a scripted rawPeer) without touching a real process or socket.
type pipeTransport struct {
	out    chan mcprt.Message
	in     chan mcprt.Message
	closed chan struct{}
	once   sync.Once
}

func newPipe() (a, b *pipeTransport) {
	ab := make(chan mcprt.Message, 64)
	ba := make(chan mcprt.Message, 64)
	a = &pipeTransport{out: ab, in: ba, closed: make(chan struct{})}
	b = &pipeTransport{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (p *pipeTransport) Start(ctx context.Context, handler mcprt.InboundHandler) error {
	for {
		select {
		case <-p.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.in:
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (p *pipeTransport) Send(ctx context.Context, msg mcprt.Message) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return &mcprt.TransportError{Err: fmt.Errorf("pipe closed")}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) CloseGracefully(ctx context.Context) error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) UnmarshalFrom(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// rawPeer drives one end of a pipeTransport directly with scripted Messages, bypassing
// Session, so tests can assert on the exact wire traffic a Session under test produces.
type rawPeer struct {
	transport *pipeTransport
	received  chan mcprt.Message
}

func startRawPeer(ctx context.Context, transport *pipeTransport) *rawPeer {
	r := &rawPeer{transport: transport, received: make(chan mcprt.Message, 64)}
	go func() {
		_ = transport.Start(ctx, func(_ context.Context, msg mcprt.Message) error {
			r.received <- msg
			return nil
		})
	}()
	return r
}

func (r *rawPeer) send(ctx context.Context, msg mcprt.Message) error {
	return r.transport.Send(ctx, msg)
}

// answerInitialize replies to the next initialize request peer observes with a minimal
// valid InitializeResult, then drains the notifications/initialized that follows. It lets
// tests drive Client.Initialize to completion against a scripted rawPeer instead of a real
// Server.
func answerInitialize(ctx context.Context, peer *rawPeer) {
	req := <-peer.received
	result, _ := json.Marshal(mcprt.InitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      mcprt.Info{Name: "test-peer", Version: "0.1"},
	})
	_ = peer.send(ctx, mcprt.Message{JSONRPC: "2.0", ID: req.ID, Result: result})
	<-peer.received // notifications/initialized
}
