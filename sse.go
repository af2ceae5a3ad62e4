package mcprt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SseServer exposes the two HTTP endpoints spec.md §4.3 describes: a GET endpoint that
// upgrades to an SSE stream for server→client messages, and a POST endpoint that accepts
// one Message per request body for client→server messages. Each connecting peer gets its
// own Transport, identified by a sessionID query parameter assigned on connect; backpressure
// is per connection, so one slow reader never blocks another session's writers.
type SseServer struct {
	messageURL string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*SseTransport

	newSessions chan *SseTransport
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSseServer constructs an SseServer. messageURL is the absolute URL clients must POST
// to, handed to each connecting client as the SSE "endpoint" event.
func NewSseServer(messageURL string, logger *slog.Logger) *SseServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SseServer{
		messageURL:  messageURL,
		logger:      logger,
		sessions:    make(map[string]*SseTransport),
		newSessions: make(chan *SseTransport, 8),
		done:        make(chan struct{}),
	}
}

// Sessions yields a Transport for each client that connects via HandleSSE. Callers should
// range over it (or receive in a loop) and construct a Session per Transport received.
func (s *SseServer) Sessions() <-chan *SseTransport { return s.newSessions }

// HandleSSE upgrades the request to an SSE stream, assigns the connection a session id,
// and publishes the resulting Transport on Sessions. The handler blocks for the lifetime
// of the connection.
func (s *SseServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to upgrade to sse: %v", err), http.StatusInternalServerError)
			return
		}

		sessionID := uuid.New().String()
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessionID)

		msg := &sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(endpoint)
		if err := sess.Send(msg); err != nil {
			s.logger.Error("failed to send sse endpoint event", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush sse endpoint event", "err", err)
			return
		}

		transport := newSseServerTransport(sessionID, sess, s.logger)

		s.mu.Lock()
		s.sessions[sessionID] = transport
		s.mu.Unlock()

		select {
		case s.newSessions <- transport:
		case <-s.done:
			return
		}

		<-transport.closed

		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
	})
}

// HandleMessage accepts one Message per POST body and routes it to the Transport
// identified by the sessionID query parameter.
func (s *SseServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionID")
		if sessionID == "" {
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, fmt.Sprintf("invalid message body: %v", err), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		transport, ok := s.sessions[sessionID]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unknown sessionID", http.StatusNotFound)
			return
		}

		select {
		case transport.received <- msg:
			w.WriteHeader(http.StatusOK)
		case <-r.Context().Done():
		case <-transport.closed:
			http.Error(w, "session closed", http.StatusGone)
		}
	})
}

// Shutdown stops accepting new sessions. It does not close already-accepted sessions;
// the caller owns those via the Sessions it already received.
func (s *SseServer) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// SseTransport is the per-connection Transport returned for each client accepted by
// SseServer.HandleSSE.
type SseTransport struct {
	jsonTransportCodec

	id      string
	sess    *sse.Session
	logger  *slog.Logger

	received chan Message

	sendCh chan sseSend
	closed chan struct{}
	once   sync.Once
}

type sseSend struct {
	msg  *sse.Message
	errs chan<- error
}

func newSseServerTransport(id string, sess *sse.Session, logger *slog.Logger) *SseTransport {
	t := &SseTransport{
		id:       id,
		sess:     sess,
		logger:   logger,
		received: make(chan Message, 8),
		sendCh:   make(chan sseSend, 8),
		closed:   make(chan struct{}),
	}
	go t.runSendWorker()
	return t
}

// ID returns the session identifier assigned when the peer connected.
func (t *SseTransport) ID() string { return t.id }

func (t *SseTransport) runSendWorker() {
	for {
		select {
		case <-t.closed:
			return
		case s := <-t.sendCh:
			err := t.sess.Send(s.msg)
			if err == nil {
				err = t.sess.Flush()
			}
			s.errs <- err
		}
	}
}

// Start implements Transport: it drains messages POSTed by the client and hands each to
// handler in arrival order, awaiting its return before the next (backpressure).
func (t *SseTransport) Start(ctx context.Context, handler InboundHandler) error {
	for {
		select {
		case <-t.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-t.received:
			if err := handler(ctx, msg); err != nil {
				return &TransportError{Err: err}
			}
		}
	}
}

// Send implements Transport by emitting msg as one SSE "message" event.
func (t *SseTransport) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	sm := &sse.Message{Type: sse.Type("message")}
	sm.AppendData(string(data))

	errs := make(chan error, 1)
	select {
	case <-t.closed:
		return &TransportError{Err: fmt.Errorf("sse session closed")}
	case t.sendCh <- sseSend{msg: sm, errs: errs}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		if err != nil {
			return &TransportError{Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseGracefully closes the SSE connection. Idempotent.
func (t *SseTransport) CloseGracefully(ctx context.Context) error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// SseClient is the client-side half of the SSE transport: it connects to an SseServer's
// GET endpoint to receive server→client messages and POSTs client→server messages to the
// endpoint the server names in its "endpoint" event.
type SseClient struct {
	jsonTransportCodec

	httpClient *http.Client
	connectURL string

	mu          sync.Mutex
	endpointURL string
	endpointSet chan struct{}

	logger *slog.Logger
}

// NewSseClient constructs an SseClient that connects to connectURL. A nil httpClient uses
// http.DefaultClient.
func NewSseClient(connectURL string, httpClient *http.Client, logger *slog.Logger) *SseClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SseClient{
		httpClient:  httpClient,
		connectURL:  connectURL,
		endpointSet: make(chan struct{}),
		logger:      logger,
	}
}

// Start implements Transport: it opens the SSE stream and dispatches each "message" event
// to handler, awaiting its return before reading the next event.
func (c *SseClient) Start(ctx context.Context, handler InboundHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		return fmt.Errorf("build sse connect request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("connect to sse server: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Err: fmt.Errorf("unexpected sse connect status: %d", resp.StatusCode)}
	}

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return &TransportError{Err: fmt.Errorf("read sse stream: %w", err)}
		}

		switch ev.Type {
		case "endpoint":
			c.mu.Lock()
			if c.endpointURL == "" {
				c.endpointURL = ev.Data
				close(c.endpointSet)
			}
			c.mu.Unlock()
		case "message", "":
			var msg Message
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Warn("dropping malformed sse message", "err", err)
				continue
			}
			if err := handler(ctx, msg); err != nil {
				return &TransportError{Err: err}
			}
		}
	}
	return nil
}

// Send implements Transport by POSTing msg to the endpoint the server named in its
// "endpoint" event. It blocks until that event has been received at least once.
func (c *SseClient) Send(ctx context.Context, msg Message) error {
	select {
	case <-c.endpointSet:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	endpoint := c.endpointURL
	c.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build sse post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("post message: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Err: fmt.Errorf("unexpected post status: %d", resp.StatusCode)}
	}
	return nil
}

// CloseGracefully is a no-op beyond context cancellation: the SSE stream closes when its
// Start call returns because ctx was cancelled by the caller.
func (c *SseClient) CloseGracefully(ctx context.Context) error { return nil }
