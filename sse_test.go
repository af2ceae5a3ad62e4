package mcprt_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/corebridge/mcprt"
)

func TestSseServerAndClient_BidirectionalMessageFlow(t *testing.T) {
	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)
	defer testServer.Close()

	server := mcprt.NewSseServer(testServer.URL+"/message", nil)
	mux.Handle("/sse", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := mcprt.NewSseClient(testServer.URL+"/sse", testServer.Client(), nil)

	clientReceived := make(chan mcprt.Message, 1)
	go func() {
		_ = client.Start(ctx, func(_ context.Context, msg mcprt.Message) error {
			clientReceived <- msg
			return nil
		})
	}()

	var serverTransport *mcprt.SseTransport
	select {
	case serverTransport = <-server.Sessions():
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted a session")
	}

	serverReceived := make(chan mcprt.Message, 1)
	go func() {
		_ = serverTransport.Start(ctx, func(_ context.Context, msg mcprt.Message) error {
			serverReceived <- msg
			return nil
		})
	}()

	params, _ := json.Marshal(map[string]string{"test": "hello"})
	toClient := mcprt.Message{JSONRPC: "2.0", Method: "test", Params: params}
	if err := serverTransport.Send(ctx, toClient); err != nil {
		t.Fatalf("server Send() error = %v", err)
	}

	select {
	case msg := <-clientReceived:
		if msg.Method != "test" {
			t.Errorf("client received method = %s, want test", msg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received server message")
	}

	toServer := mcprt.Message{JSONRPC: "2.0", ID: "1", Method: "ping"}
	if err := client.Send(ctx, toServer); err != nil {
		t.Fatalf("client Send() error = %v", err)
	}

	select {
	case msg := <-serverReceived:
		if msg.Method != "ping" || msg.ID != "1" {
			t.Errorf("server received = %+v, want method=ping id=1", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received client message")
	}

	if err := serverTransport.CloseGracefully(ctx); err != nil {
		t.Fatalf("CloseGracefully() error = %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestSseServer_HandleMessageUnknownSessionID(t *testing.T) {
	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)
	defer testServer.Close()

	server := mcprt.NewSseServer(testServer.URL+"/message", nil)
	mux.Handle("/message", server.HandleMessage())

	body, _ := json.Marshal(mcprt.Message{JSONRPC: "2.0", Method: "ping"})
	resp, err := http.Post(testServer.URL+"/message?sessionID=does-not-exist", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}
