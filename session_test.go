package mcprt_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/corebridge/mcprt"
)

func TestSession_RequestTimeout(t *testing.T) {
	ctx := context.Background()
	a, b := newPipe()
	startRawPeer(ctx, a) // never replies

	session, err := mcprt.NewSession(ctx, b, mcprt.Options{RequestTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	session.MarkInitialized()

	start := time.Now()
	_, err = session.Request(ctx, "ping", nil)
	elapsed := time.Since(start)

	var timeoutErr *mcprt.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Request() error = %v, want *TimeoutError", err)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("Request() took %v, want under 200ms", elapsed)
	}

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := session.CloseGracefully(closeCtx); err != nil {
		t.Fatalf("CloseGracefully() error = %v", err)
	}
}

func TestSession_LateResponseAfterTimeoutIsDropped(t *testing.T) {
	ctx := context.Background()
	a, b := newPipe()
	peer := startRawPeer(ctx, a)

	session, err := mcprt.NewSession(ctx, b, mcprt.Options{RequestTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	session.MarkInitialized()

	resultCh := make(chan error, 1)
	go func() {
		_, err := session.Request(ctx, "ping", nil)
		resultCh <- err
	}()

	var req mcprt.Message
	select {
	case req = <-peer.received:
	case <-time.After(time.Second):
		t.Fatal("request never reached peer")
	}

	var timeoutErr *mcprt.TimeoutError
	select {
	case err := <-resultCh:
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("Request() error = %v, want *TimeoutError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request did not time out in time")
	}

	// A response arriving after the deadline must be silently dropped, not delivered to
	// anything or cause a panic.
	result, _ := json.Marshal("late")
	if err := peer.send(ctx, mcprt.Message{JSONRPC: "2.0", ID: req.ID, Result: result}); err != nil {
		t.Fatalf("send late response: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
}

func TestSession_RequestIDsAreUnique(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, b := newPipe()
	peer := startRawPeer(ctx, a)

	session, err := mcprt.NewSession(ctx, b, mcprt.Options{RequestTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	session.MarkInitialized()

	const n = 10
	for i := 0; i < n; i++ {
		go func() { _, _ = session.Request(ctx, "ping", nil) }()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case msg := <-peer.received:
			id := string(msg.ID)
			if seen[id] {
				t.Fatalf("duplicate request id %s", id)
			}
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("only saw %d of %d requests", i, n)
		}
	}
}

func TestSession_UnknownIDResponseDropped(t *testing.T) {
	ctx := context.Background()
	a, b := newPipe()
	peer := startRawPeer(ctx, a)

	session, err := mcprt.NewSession(ctx, b, mcprt.Options{RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	session.MarkInitialized()

	// A response for an id nobody registered must be dropped without affecting anything.
	result, _ := json.Marshal("ghost")
	if err := peer.send(ctx, mcprt.Message{JSONRPC: "2.0", ID: "does-not-exist", Result: result}); err != nil {
		t.Fatalf("send unsolicited response: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := session.Request(ctx, "ping", nil)
		resultCh <- err
	}()

	var req mcprt.Message
	select {
	case req = <-peer.received:
	case <-time.After(time.Second):
		t.Fatal("request never reached peer")
	}

	ok, _ := json.Marshal("pong")
	if err := peer.send(ctx, mcprt.Message{JSONRPC: "2.0", ID: req.ID, Result: ok}); err != nil {
		t.Fatalf("send response: %v", err)
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("Request() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
}

func TestSession_UnknownMethodRepliesMethodNotFound(t *testing.T) {
	ctx := context.Background()
	a, b := newPipe()
	peer := startRawPeer(ctx, a)

	_, err := mcprt.NewSession(ctx, b, mcprt.Options{})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	if err := peer.send(ctx, mcprt.Message{JSONRPC: "2.0", ID: "7", Method: "nonexistent/method"}); err != nil {
		t.Fatalf("send request: %v", err)
	}

	select {
	case resp := <-peer.received:
		if resp.Error == nil {
			t.Fatal("expected error response, got none")
		}
		if resp.Error.Code != -32601 {
			t.Errorf("Error.Code = %d, want -32601", resp.Error.Code)
		}
		if resp.ID != "7" {
			t.Errorf("ID = %s, want 7", resp.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no response received")
	}
}

func TestSession_NotificationProducesNoOutboundMessage(t *testing.T) {
	ctx := context.Background()
	a, b := newPipe()
	peer := startRawPeer(ctx, a)

	handled := make(chan struct{}, 1)
	_, err := mcprt.NewSession(ctx, b, mcprt.Options{
		NotificationHandlers: map[string]mcprt.NotificationHandler{
			"notifications/initialized": func(context.Context, json.RawMessage) error {
				handled <- struct{}{}
				return nil
			},
		},
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	if err := peer.send(ctx, mcprt.Message{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		t.Fatalf("send notification: %v", err)
	}

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("notification handler never invoked")
	}

	select {
	case msg := <-peer.received:
		t.Fatalf("unexpected outbound message for notification: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_CloseGracefullyDrainsPending(t *testing.T) {
	ctx := context.Background()
	a, b := newPipe()
	startRawPeer(ctx, a) // never replies

	session, err := mcprt.NewSession(ctx, b, mcprt.Options{
		RequestTimeout: time.Minute,
		DrainWindow:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	session.MarkInitialized()

	resultCh := make(chan error, 1)
	go func() {
		_, err := session.Request(ctx, "ping", nil)
		resultCh <- err
	}()
	time.Sleep(10 * time.Millisecond) // let the request register before closing

	closeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := session.CloseGracefully(closeCtx); err != nil {
		t.Fatalf("CloseGracefully() error = %v", err)
	}

	var cancelledErr *mcprt.CancelledError
	select {
	case err := <-resultCh:
		if !errors.As(err, &cancelledErr) {
			t.Fatalf("Request() error = %v, want *CancelledError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request never completed after close")
	}

	if _, err := session.Request(ctx, "ping", nil); err == nil {
		t.Error("Request() after close = nil error, want StateError")
	}
}

func TestSession_NotifyBeforeInitializedRejected(t *testing.T) {
	ctx := context.Background()
	_, b := newPipe()
	session, err := mcprt.NewSession(ctx, b, mcprt.Options{})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	var stateErr *mcprt.StateError
	if err := session.Notify(ctx, "notifications/initialized", nil); !errors.As(err, &stateErr) {
		t.Fatalf("Notify() error = %v, want *StateError", err)
	}
}

func TestSession_DoubleInitializeRejected(t *testing.T) {
	ctx := context.Background()
	a, b := newPipe()
	peer := startRawPeer(ctx, a)

	session, err := mcprt.NewSession(ctx, b, mcprt.Options{RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := session.Request(ctx, mcprt.MethodInitialize, nil)
		resultCh <- err
	}()

	var req mcprt.Message
	select {
	case req = <-peer.received:
	case <-time.After(time.Second):
		t.Fatal("initialize request never reached peer")
	}

	ok, _ := json.Marshal("initialized")
	if err := peer.send(ctx, mcprt.Message{JSONRPC: "2.0", ID: req.ID, Result: ok}); err != nil {
		t.Fatalf("send response: %v", err)
	}

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("Request() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("initialize request never completed")
	}
	session.MarkInitialized()

	var stateErr *mcprt.StateError
	if _, err := session.Request(ctx, mcprt.MethodInitialize, nil); !errors.As(err, &stateErr) {
		t.Fatalf("second Request(initialize) error = %v, want *StateError", err)
	}
}
