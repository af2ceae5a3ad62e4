package mcprt

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
)

// ToolServer answers tools/list and tools/call for one session.
type ToolServer interface {
	ListTools(ctx context.Context, cursor string) (ListToolsResult, error)
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// ToolListUpdater signals that the server's tool list has changed. A value emitted through
// the iterator means "refetch", not "here is the diff".
type ToolListUpdater interface {
	ToolListUpdates() iter.Seq[struct{}]
}

// ResourceServer answers resources/list, resources/templates/list and resources/read for
// one session.
type ResourceServer interface {
	ListResources(ctx context.Context, cursor string) (ListResourcesResult, error)
	ReadResource(ctx context.Context, uri string) (ReadResourceResult, error)
	ListResourceTemplates(ctx context.Context) (ListResourceTemplatesResult, error)
}

// ResourceListUpdater signals that the server's resource list has changed.
type ResourceListUpdater interface {
	ResourceListUpdates() iter.Seq[struct{}]
}

// ResourceSubscriptionHandler answers resources/subscribe and resources/unsubscribe.
type ResourceSubscriptionHandler interface {
	SubscribeResource(ctx context.Context, uri string) error
	UnsubscribeResource(ctx context.Context, uri string) error
}

// PromptServer answers prompts/list and prompts/get for one session.
type PromptServer interface {
	ListPrompts(ctx context.Context, cursor string) (ListPromptsResult, error)
	GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error)
}

// PromptListUpdater signals that the server's prompt list has changed.
type PromptListUpdater interface {
	PromptListUpdates() iter.Seq[struct{}]
}

// RootsListWatcher is notified when the connected client's root list changes.
type RootsListWatcher interface {
	OnRootsListChanged()
}

// ServerOption configures a Server at construction time.
type ServerOption func(*serverConfig)

type serverConfig struct {
	instructions string

	toolServer      ToolServer
	toolListUpdater ToolListUpdater

	resourceServer              ResourceServer
	resourceListUpdater         ResourceListUpdater
	resourceSubscriptionHandler ResourceSubscriptionHandler

	promptServer      PromptServer
	promptListUpdater PromptListUpdater

	requireRootsClient    bool
	requireRootsListChang bool
	requireSamplingClient bool

	rootsListWatcher RootsListWatcher

	logger         *slog.Logger
	sessionOptions Options
}

// WithServerInstructions sets the free-text instructions returned in InitializeResult.
func WithServerInstructions(instructions string) ServerOption {
	return func(c *serverConfig) { c.instructions = instructions }
}

// WithToolServer installs a ToolServer, declaring the tools capability.
func WithToolServer(srv ToolServer) ServerOption {
	return func(c *serverConfig) { c.toolServer = srv }
}

// WithToolListUpdater installs a ToolListUpdater, declaring tools.listChanged.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(c *serverConfig) { c.toolListUpdater = updater }
}

// WithResourceServer installs a ResourceServer, declaring the resources capability.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(c *serverConfig) { c.resourceServer = srv }
}

// WithResourceListUpdater installs a ResourceListUpdater, declaring resources.listChanged.
func WithResourceListUpdater(updater ResourceListUpdater) ServerOption {
	return func(c *serverConfig) { c.resourceListUpdater = updater }
}

// WithResourceSubscriptionHandler installs a ResourceSubscriptionHandler, declaring
// resources.subscribe.
func WithResourceSubscriptionHandler(handler ResourceSubscriptionHandler) ServerOption {
	return func(c *serverConfig) { c.resourceSubscriptionHandler = handler }
}

// WithPromptServer installs a PromptServer, declaring the prompts capability.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(c *serverConfig) { c.promptServer = srv }
}

// WithPromptListUpdater installs a PromptListUpdater, declaring prompts.listChanged.
func WithPromptListUpdater(updater PromptListUpdater) ServerOption {
	return func(c *serverConfig) { c.promptListUpdater = updater }
}

// WithRequireRootsClient rejects initialize from a client that did not declare the roots
// capability. listChanged additionally requires roots.listChanged.
func WithRequireRootsClient(listChanged bool) ServerOption {
	return func(c *serverConfig) {
		c.requireRootsClient = true
		c.requireRootsListChang = listChanged
	}
}

// WithRequireSamplingClient rejects initialize from a client that did not declare the
// sampling capability.
func WithRequireSamplingClient() ServerOption {
	return func(c *serverConfig) { c.requireSamplingClient = true }
}

// WithRootsListWatcher registers a watcher invoked whenever the client sends
// notifications/roots/list_changed.
func WithRootsListWatcher(watcher RootsListWatcher) ServerOption {
	return func(c *serverConfig) { c.rootsListWatcher = watcher }
}

// WithServerLogger overrides the default slog.Logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(c *serverConfig) { c.logger = logger }
}

// WithServerSessionOptions overrides the underlying Session's Options (timeouts, pool
// size); RequestHandlers/NotificationHandlers are set by NewServer itself and any values
// supplied here are ignored.
func WithServerSessionOptions(opts Options) ServerOption {
	return func(c *serverConfig) {
		opts.RequestHandlers = nil
		opts.NotificationHandlers = nil
		c.sessionOptions = opts
	}
}

// Server is the MCP server facade for one connected client: capability negotiation plus
// dispatch to the provider interfaces supplied at construction (spec.md §4.5, expanded).
type Server struct {
	session *Session
	info    Info
	logger  *slog.Logger

	instructions               string
	capabilities               ServerCapabilities
	requiredClientCapabilities ClientCapabilities

	toolServer                  ToolServer
	resourceServer              ResourceServer
	resourceSubscriptionHandler ResourceSubscriptionHandler
	promptServer                PromptServer

	rootsListWatcher RootsListWatcher
}

// NewServer constructs a Server bound to transport and immediately starts its Session
// (StateConnected). The session reaches StateInitialized once the client completes the
// initialize handshake and sends notifications/initialized.
func NewServer(ctx context.Context, info Info, transport Transport, opts ...ServerOption) (*Server, error) {
	cfg := serverConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{
		info:                        info,
		logger:                      cfg.logger,
		instructions:                cfg.instructions,
		toolServer:                  cfg.toolServer,
		resourceServer:              cfg.resourceServer,
		resourceSubscriptionHandler: cfg.resourceSubscriptionHandler,
		promptServer:                cfg.promptServer,
		rootsListWatcher:            cfg.rootsListWatcher,
	}

	if cfg.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{ListChanged: cfg.toolListUpdater != nil}
	}
	if cfg.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{
			ListChanged: cfg.resourceListUpdater != nil,
			Subscribe:   cfg.resourceSubscriptionHandler != nil,
		}
	}
	if cfg.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{ListChanged: cfg.promptListUpdater != nil}
	}

	if cfg.requireRootsClient {
		s.requiredClientCapabilities.Roots = &RootsCapability{ListChanged: cfg.requireRootsListChang}
	}
	if cfg.requireSamplingClient {
		s.requiredClientCapabilities.Sampling = &struct{}{}
	}

	reqHandlers := map[string]RequestHandler{
		MethodInitialize: s.handleInitialize,
		MethodPing:       s.handlePing,
	}
	if cfg.toolServer != nil {
		reqHandlers[MethodToolsList] = s.handleToolsList
		reqHandlers[MethodToolsCall] = s.handleToolsCall
	}
	if cfg.resourceServer != nil {
		reqHandlers[MethodResourcesList] = s.handleResourcesList
		reqHandlers[MethodResourcesRead] = s.handleResourcesRead
		reqHandlers[MethodResourcesTemplatesList] = s.handleResourceTemplatesList
	}
	if cfg.resourceSubscriptionHandler != nil {
		reqHandlers[MethodResourcesSubscribe] = s.handleResourcesSubscribe
		reqHandlers[MethodResourcesUnsubscribe] = s.handleResourcesUnsubscribe
	}
	if cfg.promptServer != nil {
		reqHandlers[MethodPromptsList] = s.handlePromptsList
		reqHandlers[MethodPromptsGet] = s.handlePromptsGet
	}

	notifHandlers := map[string]NotificationHandler{
		MethodNotificationsInitialized: s.handleInitialized,
	}
	if cfg.rootsListWatcher != nil {
		notifHandlers[MethodNotificationsRootsListChanged] = s.handleRootsListChanged
	}

	sessOpts := cfg.sessionOptions
	sessOpts.RequestHandlers = reqHandlers
	sessOpts.NotificationHandlers = notifHandlers
	if sessOpts.Logger == nil {
		sessOpts.Logger = cfg.logger
	}

	session, err := NewSession(ctx, transport, sessOpts)
	if err != nil {
		return nil, err
	}
	s.session = session

	if cfg.toolListUpdater != nil {
		go s.watchToolListUpdates(cfg.toolListUpdater)
	}
	if cfg.resourceListUpdater != nil {
		go s.watchResourceListUpdates(cfg.resourceListUpdater)
	}
	if cfg.promptListUpdater != nil {
		go s.watchPromptListUpdates(cfg.promptListUpdater)
	}

	return s, nil
}

func (s *Server) handleInitialize(ctx context.Context, raw json.RawMessage) (any, error) {
	var params InitializeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	if params.ProtocolVersion != protocolVersion {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("unsupported protocol version: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	if req := s.requiredClientCapabilities.Roots; req != nil {
		got := params.Capabilities.Roots
		if got == nil {
			return nil, &ValidationError{Reason: "insufficient client capabilities: missing required capability 'roots'"}
		}
		if req.ListChanged && !got.ListChanged {
			return nil, &ValidationError{
				Reason: "insufficient client capabilities: missing required capability 'roots.listChanged'",
			}
		}
	}
	if s.requiredClientCapabilities.Sampling != nil && params.Capabilities.Sampling == nil {
		return nil, &ValidationError{Reason: "insufficient client capabilities: missing required capability 'sampling'"}
	}

	return InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) handleInitialized(ctx context.Context, _ json.RawMessage) error {
	s.session.MarkInitialized()
	return nil
}

func (s *Server) handlePing(ctx context.Context, _ json.RawMessage) (any, error) {
	return struct{}{}, nil
}

func (s *Server) handleToolsList(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ListToolsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return s.toolServer.ListTools(ctx, params.Cursor)
}

func (s *Server) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, error) {
	var params CallToolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return s.toolServer.CallTool(ctx, params)
}

func (s *Server) handleResourcesList(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ListResourcesParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return s.resourceServer.ListResources(ctx, params.Cursor)
}

func (s *Server) handleResourcesRead(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ReadResourceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return s.resourceServer.ReadResource(ctx, params.URI)
}

func (s *Server) handleResourceTemplatesList(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.resourceServer.ListResourceTemplates(ctx)
}

func (s *Server) handleResourcesSubscribe(ctx context.Context, raw json.RawMessage) (any, error) {
	var params SubscribeResourceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if err := s.resourceSubscriptionHandler.SubscribeResource(ctx, params.URI); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) handleResourcesUnsubscribe(ctx context.Context, raw json.RawMessage) (any, error) {
	var params UnsubscribeResourceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	if err := s.resourceSubscriptionHandler.UnsubscribeResource(ctx, params.URI); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) handlePromptsList(ctx context.Context, raw json.RawMessage) (any, error) {
	var params ListPromptsParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return s.promptServer.ListPrompts(ctx, params.Cursor)
}

func (s *Server) handlePromptsGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var params GetPromptParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return s.promptServer.GetPrompt(ctx, params)
}

func (s *Server) handleRootsListChanged(ctx context.Context, _ json.RawMessage) error {
	s.rootsListWatcher.OnRootsListChanged()
	return nil
}

func (s *Server) watchToolListUpdates(updater ToolListUpdater) {
	for range updater.ToolListUpdates() {
		if err := s.session.Notify(context.Background(), MethodNotificationsToolsListChanged, nil); err != nil {
			s.logger.Error("failed to notify tools list changed", "err", err)
		}
	}
}

func (s *Server) watchResourceListUpdates(updater ResourceListUpdater) {
	for range updater.ResourceListUpdates() {
		if err := s.session.Notify(context.Background(), MethodNotificationsResourcesListChanged, nil); err != nil {
			s.logger.Error("failed to notify resources list changed", "err", err)
		}
	}
}

func (s *Server) watchPromptListUpdates(updater PromptListUpdater) {
	for range updater.PromptListUpdates() {
		if err := s.session.Notify(context.Background(), MethodNotificationsPromptsListChanged, nil); err != nil {
			s.logger.Error("failed to notify prompts list changed", "err", err)
		}
	}
}

// RequestRootsList asks the connected client for its current root set.
func (s *Server) RequestRootsList(ctx context.Context) (RootsListResult, error) {
	var result RootsListResult
	err := s.session.RequestInto(ctx, MethodRootsList, nil, &result)
	return result, err
}

// CreateMessage asks the connected client's host LLM to generate a message (sampling).
func (s *Server) CreateMessage(ctx context.Context, params CreateMessageParams) (CreateMessageResult, error) {
	var result CreateMessageResult
	err := s.session.RequestInto(ctx, MethodSamplingCreateMessage, params, &result)
	return result, err
}

// CloseGracefully closes the underlying Session gracefully.
func (s *Server) CloseGracefully(ctx context.Context) error { return s.session.CloseGracefully(ctx) }

// Close closes the underlying Session immediately.
func (s *Server) Close() { s.session.Close() }
