package mcprt_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/corebridge/mcprt"
)

func TestStdioTransport_EchoRoundTrip(t *testing.T) {
	transport, err := mcprt.NewStdioTransport(mcprt.StdioParams{Command: "cat"}, nil)
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan mcprt.Message, 1)
	go func() {
		_ = transport.Start(ctx, func(_ context.Context, msg mcprt.Message) error {
			received <- msg
			return nil
		})
	}()

	params, _ := json.Marshal(map[string]string{"data": "hello"})
	sent := mcprt.Message{JSONRPC: "2.0", ID: "1", Method: "echo", Params: params}
	if err := transport.Send(ctx, sent); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg.Method != "echo" || msg.ID != "1" {
			t.Errorf("received = %+v, want method=echo id=1", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received echoed message")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := transport.CloseGracefully(closeCtx); err != nil {
		t.Fatalf("CloseGracefully() error = %v", err)
	}
}

func TestStdioTransport_StderrRepublished(t *testing.T) {
	transport, err := mcprt.NewStdioTransport(mcprt.StdioParams{
		Command: "sh",
		Args:    []string{"-c", "echo oops 1>&2"},
	}, nil)
	if err != nil {
		t.Fatalf("NewStdioTransport() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = transport.Start(ctx, func(context.Context, mcprt.Message) error { return nil }) }()

	select {
	case line := <-transport.ErrLines:
		if line != "oops" {
			t.Errorf("ErrLines = %q, want %q", line, "oops")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received stderr line")
	}
}

func TestNewStdioTransport_EmptyCommandRejected(t *testing.T) {
	_, err := mcprt.NewStdioTransport(mcprt.StdioParams{}, nil)

	var cfgErr *mcprt.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("NewStdioTransport() error = %v, want *ConfigurationError", err)
	}
}
