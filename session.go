package mcprt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// SessionState is one of the five states a Session moves through over its lifetime.
type SessionState int32

const (
	StateUnconnected SessionState = iota
	StateConnected
	StateInitialized
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnected:
		return "connected"
	case StateInitialized:
		return "initialized"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RequestHandler answers one inbound Request. A nil error and nil result produce a
// Response with a null result. Returning a *ValidationError maps to JSON-RPC -32602;
// any other error maps to -32603.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler processes one inbound Notification. Returned errors are logged and
// swallowed; notifications never produce a Response.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// defaultRequestTimeout is used when Options.RequestTimeout is left zero.
const defaultRequestTimeout = 30 * time.Second

// defaultDrainWindow bounds how long CloseGracefully waits for in-flight requests to
// finish before cancelling whatever remains.
const defaultDrainWindow = 5 * time.Second

// Options configures a Session at construction time.
type Options struct {
	RequestTimeout       time.Duration
	DrainWindow          time.Duration
	WorkerPoolSize       int
	RequestHandlers      map[string]RequestHandler
	NotificationHandlers map[string]NotificationHandler
	Logger               *slog.Logger
}

// Session multiplexes outbound requests against inbound responses and notifications on a
// single Transport, correlating by id, timing out and cancelling, and routing inbound
// requests/notifications to handlers installed at construction.
//
// Session is the core described in spec.md §4.4: the pending-request table is owned
// exclusively by one internal goroutine (run), mirroring a single serial executor, and
// everything else reaches it over channels. state and nextID are atomics that callers
// update directly.
type Session struct {
	transport Transport
	logger    *slog.Logger

	requestTimeout time.Duration
	drainWindow    time.Duration

	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	pool *workerPool

	nextID atomic.Uint64
	state  atomic.Int32

	registerCh chan registerOp
	inboundCh  chan Message
	cancelCh   chan string
	closeCh    chan closeOp

	loopDone chan struct{}
}

type registerOp struct {
	id     ID
	method string
	result chan requestOutcome
}

type requestOutcome struct {
	msg Message
	err error
}

type closeOp struct {
	graceful bool
	ack      chan struct{}
}

// NewSession constructs a Session bound to transport, which must already be usable for
// Send; NewSession calls transport.Start itself. The returned Session is in
// StateConnected.
func NewSession(ctx context.Context, transport Transport, opts Options) (*Session, error) {
	if transport == nil {
		return nil, &ConfigurationError{Reason: "transport must not be nil"}
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	drain := opts.DrainWindow
	if drain <= 0 {
		drain = defaultDrainWindow
	}
	poolSize := opts.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = runtime.GOMAXPROCS(0) * 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reqHandlers := opts.RequestHandlers
	if reqHandlers == nil {
		reqHandlers = map[string]RequestHandler{}
	}
	notifHandlers := opts.NotificationHandlers
	if notifHandlers == nil {
		notifHandlers = map[string]NotificationHandler{}
	}

	s := &Session{
		transport:            transport,
		logger:               logger,
		requestTimeout:       timeout,
		drainWindow:          drain,
		requestHandlers:      reqHandlers,
		notificationHandlers: notifHandlers,
		pool:                 newWorkerPool(poolSize),
		registerCh:           make(chan registerOp),
		inboundCh:            make(chan Message),
		cancelCh:             make(chan string),
		closeCh:              make(chan closeOp, 1),
		loopDone:             make(chan struct{}),
	}
	s.state.Store(int32(StateConnected))

	go s.run()

	startErrs := make(chan error, 1)
	go func() {
		startErrs <- transport.Start(ctx, s.onInbound)
	}()
	go func() {
		if err := <-startErrs; err != nil {
			s.logger.Error("transport stopped", "err", err)
			s.failFatally(err)
		}
	}()

	return s, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

func (s *Session) setState(state SessionState) { s.state.Store(int32(state)) }

// MarkInitialized transitions the session from Connected to Initialized. It is called by
// ClientFacade after a successful initialize handshake and by ServerFacade upon receiving
// notifications/initialized.
func (s *Session) MarkInitialized() {
	s.state.CompareAndSwap(int32(StateConnected), int32(StateInitialized))
}

// pending is owned exclusively by run; every other method talks to run over a channel.
type pendingEntry struct {
	method string
	result chan requestOutcome
	timer  *time.Timer
}

func (s *Session) run() {
	pending := make(map[ID]*pendingEntry)
	timeoutCh := make(chan ID, 16)

	defer close(s.loopDone)

	for {
		select {
		case op := <-s.registerCh:
			entry := &pendingEntry{method: op.method, result: op.result}
			entry.timer = time.AfterFunc(s.requestTimeout, func() {
				select {
				case timeoutCh <- op.id:
				case <-s.loopDone:
				}
			})
			pending[op.id] = entry

		case msg := <-s.inboundCh:
			id := msg.ID
			entry, ok := pending[id]
			if !ok {
				s.logger.Debug("dropping response with no pending request", "id", string(id))
				continue
			}
			entry.timer.Stop()
			delete(pending, id)
			if msg.Error != nil {
				entry.result <- requestOutcome{err: &ProtocolError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}}
			} else {
				entry.result <- requestOutcome{msg: msg}
			}
			close(entry.result)

		case id := <-timeoutCh:
			entry, ok := pending[id]
			if !ok {
				continue
			}
			delete(pending, id)
			entry.result <- requestOutcome{err: &TimeoutError{Method: entry.method, ID: string(id)}}
			close(entry.result)

		case id := <-s.cancelCh:
			entry, ok := pending[id2ID(id)]
			if !ok {
				continue
			}
			entry.timer.Stop()
			delete(pending, id2ID(id))
			entry.result <- requestOutcome{err: &CancelledError{Method: entry.method, ID: id, Reason: "caller cancelled"}}
			close(entry.result)

		case op := <-s.closeCh:
			if op.graceful {
				deadline := time.Now().Add(s.drainWindow)
				ticker := time.NewTicker(10 * time.Millisecond)
				for len(pending) > 0 && time.Now().Before(deadline) {
					select {
					case newOp := <-s.registerCh:
						// A request that passed the state check before Closing was set
						// registers here; like any other entry it completes with its
						// response, its timeout, or cancellation when the drain window ends.
						entry := &pendingEntry{method: newOp.method, result: newOp.result}
						entry.timer = time.AfterFunc(s.requestTimeout, func() {
							select {
							case timeoutCh <- newOp.id:
							case <-s.loopDone:
							}
						})
						pending[newOp.id] = entry
					case msg := <-s.inboundCh:
						id := msg.ID
						if entry, ok := pending[id]; ok {
							entry.timer.Stop()
							delete(pending, id)
							if msg.Error != nil {
								entry.result <- requestOutcome{err: &ProtocolError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}}
							} else {
								entry.result <- requestOutcome{msg: msg}
							}
							close(entry.result)
						}
					case id := <-timeoutCh:
						if entry, ok := pending[id]; ok {
							delete(pending, id)
							entry.result <- requestOutcome{err: &TimeoutError{Method: entry.method, ID: string(id)}}
							close(entry.result)
						}
					case <-ticker.C:
					}
				}
				ticker.Stop()
			}

			for id, entry := range pending {
				entry.timer.Stop()
				entry.result <- requestOutcome{err: &CancelledError{Method: entry.method, ID: string(id), Reason: "session closed"}}
				close(entry.result)
				delete(pending, id)
			}

			s.setState(StateClosed)
			if op.ack != nil {
				close(op.ack)
			}
			return
		}
	}
}

func id2ID(s string) ID { return ID(s) }

// onInbound is the Transport's InboundHandler. It must return quickly: it only classifies
// and routes, never runs user code synchronously (spec §4.4, §5).
func (s *Session) onInbound(ctx context.Context, msg Message) error {
	switch {
	case msg.IsResponse():
		select {
		case s.inboundCh <- msg:
		case <-s.loopDone:
		}
	case msg.IsRequest():
		if !s.pool.Submit(func() { s.handleRequest(context.Background(), msg) }) {
			s.logger.Warn("dropping inbound request: worker pool at capacity", "method", msg.Method, "id", string(msg.ID))
			resp := newErrorResponse(msg.ID, codeServerOverloaded, "server overloaded", nil)
			_ = s.transport.Send(ctx, resp)
		}
	case msg.IsNotification():
		if !s.pool.Submit(func() { s.handleNotification(context.Background(), msg) }) {
			s.logger.Warn("dropping inbound notification: worker pool at capacity", "method", msg.Method)
		}
	default:
		s.logger.Debug("dropping malformed message")
	}
	return nil
}

func (s *Session) handleRequest(ctx context.Context, msg Message) {
	handler, ok := s.requestHandlers[msg.Method]
	if !ok {
		resp := newErrorResponse(msg.ID, codeMethodNotFound, fmt.Sprintf("Method not found: %s", msg.Method), nil)
		if err := s.transport.Send(ctx, resp); err != nil {
			s.logger.Error("failed to send method-not-found response", "err", err)
		}
		return
	}

	result, err := handler(ctx, msg.Params)
	if err != nil {
		code := codeInternalError
		var verr *ValidationError
		if errors.As(err, &verr) {
			code = codeInvalidParams
		}
		resp := newErrorResponse(msg.ID, code, err.Error(), nil)
		if sendErr := s.transport.Send(ctx, resp); sendErr != nil {
			s.logger.Error("failed to send error response", "err", sendErr)
		}
		return
	}

	resp, err := newResultResponse(msg.ID, result)
	if err != nil {
		s.logger.Error("failed to marshal handler result", "err", err)
		resp = newErrorResponse(msg.ID, codeInternalError, errMsgInternalError, nil)
	}
	if err := s.transport.Send(ctx, resp); err != nil {
		s.logger.Error("failed to send response", "err", err)
	}
}

const errMsgInternalError = "Internal error"

func (s *Session) handleNotification(ctx context.Context, msg Message) {
	handler, ok := s.notificationHandlers[msg.Method]
	if !ok {
		s.logger.Debug("dropping notification with no handler", "method", msg.Method)
		return
	}
	if err := handler(ctx, msg.Params); err != nil {
		s.logger.Error("notification handler failed", "method", msg.Method, "err", err)
	}
}

// Request issues method with params and blocks until a matching Response arrives, the
// request's deadline elapses, ctx is cancelled, or the session closes.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	state := s.State()
	if state == StateClosing || state == StateClosed {
		return nil, &StateError{State: state, Operation: "request " + method}
	}
	if state == StateConnected && method != MethodInitialize {
		return nil, &StateError{State: state, Operation: "request " + method}
	}
	if state == StateInitialized && method == MethodInitialize {
		return nil, &StateError{State: state, Operation: "request " + method}
	}

	id := ID(strconv.FormatUint(s.nextID.Add(1), 10))
	msg, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan requestOutcome, 1)
	select {
	case s.registerCh <- registerOp{id: id, method: method, result: resultCh}:
	case <-s.loopDone:
		return nil, &StateError{State: StateClosed, Operation: "request " + method}
	}

	if err := s.transport.Send(ctx, msg); err != nil {
		select {
		case s.cancelCh <- string(id):
		case <-s.loopDone:
		}
		<-resultCh
		return nil, &TransportError{Err: err}
	}

	select {
	case outcome := <-resultCh:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.msg.Result, nil
	case <-ctx.Done():
		select {
		case s.cancelCh <- string(id):
		case <-s.loopDone:
		}
		<-resultCh
		return nil, &CancelledError{Method: method, ID: string(id), Reason: ctx.Err().Error()}
	}
}

// RequestInto issues method and decodes the result into v via transport.UnmarshalFrom.
func (s *Session) RequestInto(ctx context.Context, method string, params any, v any) error {
	raw, err := s.Request(ctx, method, params)
	if err != nil {
		return err
	}
	if v == nil || raw == nil {
		return nil
	}
	return s.transport.UnmarshalFrom(raw, v)
}

// Notify sends a fire-and-forget Notification. It never creates a pending entry and
// completes as soon as the transport accepts the bytes.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	state := s.State()
	if state != StateInitialized {
		return &StateError{State: state, Operation: "notify " + method}
	}
	msg, err := newNotification(method, params)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, msg); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// CloseGracefully refuses new requests/notifications, waits up to the configured drain
// window for in-flight requests to complete, cancels any that remain, then closes the
// transport.
func (s *Session) CloseGracefully(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateInitialized), int32(StateClosing)) {
		s.state.CompareAndSwap(int32(StateConnected), int32(StateClosing))
	}

	ack := make(chan struct{})
	select {
	case s.closeCh <- closeOp{graceful: true, ack: ack}:
		<-ack
	case <-s.loopDone:
	}

	s.pool.Close()
	return s.transport.CloseGracefully(ctx)
}

// Close closes the session immediately: every pending request is completed with
// CancelledError without waiting, and transport close is requested but not awaited.
func (s *Session) Close() {
	s.setState(StateClosing)
	ack := make(chan struct{})
	select {
	case s.closeCh <- closeOp{graceful: false, ack: ack}:
		<-ack
	case <-s.loopDone:
	}
	go func() { _ = s.transport.CloseGracefully(context.Background()) }()
}

func (s *Session) failFatally(err error) {
	if s.State() == StateClosed {
		return
	}
	s.Close()
}
