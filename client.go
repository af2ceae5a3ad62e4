package mcprt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// SamplingHandler generates a message on the host LLM's behalf in response to a server's
// sampling/createMessage request.
type SamplingHandler func(ctx context.Context, params CreateMessageParams) (CreateMessageResult, error)

// ToolsListConsumer is invoked with the fresh tool list whenever the server signals
// notifications/tools/list_changed. A returned error is logged and swallowed.
type ToolsListConsumer func(ctx context.Context, tools []Tool) error

// ResourcesListConsumer is invoked with the fresh resource list whenever the server
// signals notifications/resources/list_changed.
type ResourcesListConsumer func(ctx context.Context, resources []Resource) error

// PromptsListConsumer is invoked with the fresh prompt list whenever the server signals
// notifications/prompts/list_changed.
type PromptsListConsumer func(ctx context.Context, prompts []Prompt) error

// ClientOption configures a Client at construction time.
type ClientOption func(*clientConfig)

type clientConfig struct {
	rootsCapability    bool
	rootsListChanged   bool
	samplingCapability bool
	samplingHandler    SamplingHandler
	initialRoots       []Root

	toolsConsumers     []ToolsListConsumer
	resourcesConsumers []ResourcesListConsumer
	promptsConsumers   []PromptsListConsumer

	logger         *slog.Logger
	sessionOptions Options
}

// WithSamplingCapability declares the sampling capability during initialize without
// registering a handler. Combined with no WithSamplingHandler call, NewClient fails fast
// with ConfigurationError per spec.md §4.5.
func WithSamplingCapability() ClientOption {
	return func(c *clientConfig) { c.samplingCapability = true }
}

// WithSamplingHandler registers h to answer sampling/createMessage and declares the
// sampling capability.
func WithSamplingHandler(h SamplingHandler) ClientOption {
	return func(c *clientConfig) {
		c.samplingCapability = true
		c.samplingHandler = h
	}
}

// WithRootsCapability declares the roots capability with an empty initial root set and
// roots.listChanged set. Combine with WithRootsListChanged(false) to declare roots without
// listChanged, in which case AddRoot/RemoveRoot never send
// notifications/roots/list_changed (spec.md §4.5).
func WithRootsCapability() ClientOption {
	return func(c *clientConfig) {
		c.rootsCapability = true
		c.rootsListChanged = true
	}
}

// WithRoots declares the roots capability with listChanged set and seeds the client's
// initial root set.
func WithRoots(roots ...Root) ClientOption {
	return func(c *clientConfig) {
		c.rootsCapability = true
		c.rootsListChanged = true
		c.initialRoots = append(c.initialRoots, roots...)
	}
}

// WithRootsListChanged overrides whether the client declares roots.listChanged. It has no
// effect unless combined with WithRootsCapability or WithRoots, which both default it to
// true; pass false to declare the roots capability without listChanged.
func WithRootsListChanged(listChanged bool) ClientOption {
	return func(c *clientConfig) { c.rootsListChanged = listChanged }
}

// WithToolsListConsumer registers a consumer invoked whenever the tool list changes.
func WithToolsListConsumer(fn ToolsListConsumer) ClientOption {
	return func(c *clientConfig) { c.toolsConsumers = append(c.toolsConsumers, fn) }
}

// WithResourcesListConsumer registers a consumer invoked whenever the resource list changes.
func WithResourcesListConsumer(fn ResourcesListConsumer) ClientOption {
	return func(c *clientConfig) { c.resourcesConsumers = append(c.resourcesConsumers, fn) }
}

// WithPromptsListConsumer registers a consumer invoked whenever the prompt list changes.
func WithPromptsListConsumer(fn PromptsListConsumer) ClientOption {
	return func(c *clientConfig) { c.promptsConsumers = append(c.promptsConsumers, fn) }
}

// WithClientLogger overrides the default slog.Logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = logger }
}

// WithClientSessionOptions overrides the underlying Session's Options (timeouts, pool
// size); RequestHandlers/NotificationHandlers are set by NewClient itself and any values
// supplied here are ignored.
func WithClientSessionOptions(opts Options) ClientOption {
	return func(c *clientConfig) {
		opts.RequestHandlers = nil
		opts.NotificationHandlers = nil
		c.sessionOptions = opts
	}
}

// Client is the MCP client facade: typed one-liners over a Session (spec.md §4.5).
type Client struct {
	session *Session
	info    Info
	caps    ClientCapabilities
	logger  *slog.Logger

	samplingHandler SamplingHandler

	rootsMu     sync.Mutex
	roots       map[string]Root
	rootsListen bool // ClientCapabilities.Roots.ListChanged

	serverMu           sync.RWMutex
	serverInfo         Info
	serverCapabilities ServerCapabilities
}

// NewClient constructs a Client bound to transport and immediately starts its Session
// (StateConnected). Call Initialize before any other operation.
func NewClient(ctx context.Context, info Info, transport Transport, opts ...ClientOption) (*Client, error) {
	cfg := clientConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.samplingCapability && cfg.samplingHandler == nil {
		return nil, &ConfigurationError{Reason: "sampling capability declared without a SamplingHandler"}
	}

	c := &Client{
		info:            info,
		logger:          cfg.logger,
		samplingHandler: cfg.samplingHandler,
		roots:           make(map[string]Root),
	}
	for _, r := range cfg.initialRoots {
		c.roots[r.URI] = r
	}

	if cfg.rootsCapability {
		c.caps.Roots = &RootsCapability{ListChanged: cfg.rootsListChanged}
		c.rootsListen = cfg.rootsListChanged
	}
	if cfg.samplingCapability {
		c.caps.Sampling = &struct{}{}
	}

	reqHandlers := map[string]RequestHandler{}
	if cfg.rootsCapability {
		reqHandlers[MethodRootsList] = c.handleRootsList
	}
	if cfg.samplingHandler != nil {
		reqHandlers[MethodSamplingCreateMessage] = c.handleSamplingCreateMessage
	}

	notifHandlers := map[string]NotificationHandler{
		MethodNotificationsToolsListChanged:     c.notifyToolsListChanged(cfg.toolsConsumers),
		MethodNotificationsResourcesListChanged: c.notifyResourcesListChanged(cfg.resourcesConsumers),
		MethodNotificationsPromptsListChanged:   c.notifyPromptsListChanged(cfg.promptsConsumers),
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
	c.session = session

	return c, nil
}

// Initialize performs the initialize handshake (spec.md §4.5). On success the session
// transitions to StateInitialized and notifications/initialized is sent to the peer.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.caps,
		ClientInfo:      c.info,
	}

	var result InitializeResult
	if err := c.session.RequestInto(ctx, MethodInitialize, params, &result); err != nil {
		return InitializeResult{}, err
	}

	if result.ProtocolVersion != protocolVersion {
		return InitializeResult{}, &ProtocolVersionMismatch{Want: protocolVersion, Got: result.ProtocolVersion}
	}

	c.session.MarkInitialized()

	c.serverMu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.serverMu.Unlock()

	if err := c.session.Notify(ctx, MethodNotificationsInitialized, nil); err != nil {
		return result, err
	}
	return result, nil
}

// ServerInfo returns the server's identity, valid after a successful Initialize.
func (c *Client) ServerInfo() Info {
	c.serverMu.RLock()
	defer c.serverMu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the server's declared capabilities, valid after a successful
// Initialize.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.serverMu.RLock()
	defer c.serverMu.RUnlock()
	return c.serverCapabilities
}

// Ping sends a liveness request and returns once the peer replies.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.session.Request(ctx, MethodPing, nil)
	return err
}

// ListTools retrieves one page of the server's tools.
func (c *Client) ListTools(ctx context.Context, cursor string) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.session.RequestInto(ctx, MethodToolsList, ListToolsParams{Cursor: cursor}, &result)
	return result, err
}

// CallTool invokes a tool by name.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	err := c.session.RequestInto(ctx, MethodToolsCall, params, &result)
	return result, err
}

// ListResources retrieves one page of the server's resources.
func (c *Client) ListResources(ctx context.Context, cursor string) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.session.RequestInto(ctx, MethodResourcesList, ListResourcesParams{Cursor: cursor}, &result)
	return result, err
}

// ReadResource retrieves the content of one resource by uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := c.session.RequestInto(ctx, MethodResourcesRead, ReadResourceParams{URI: uri}, &result)
	return result, err
}

// ListResourceTemplates retrieves all resource templates the server exposes.
func (c *Client) ListResourceTemplates(ctx context.Context) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	err := c.session.RequestInto(ctx, MethodResourcesTemplatesList, nil, &result)
	return result, err
}

// SubscribeResource asks the server to notify this client of updates to uri.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	_, err := c.session.Request(ctx, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri})
	return err
}

// UnsubscribeResource cancels a prior SubscribeResource.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string) error {
	_, err := c.session.Request(ctx, MethodResourcesUnsubscribe, UnsubscribeResourceParams{URI: uri})
	return err
}

// ListPrompts retrieves one page of the server's prompts.
func (c *Client) ListPrompts(ctx context.Context, cursor string) (ListPromptsResult, error) {
	var result ListPromptsResult
	err := c.session.RequestInto(ctx, MethodPromptsList, ListPromptsParams{Cursor: cursor}, &result)
	return result, err
}

// GetPrompt renders a prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	err := c.session.RequestInto(ctx, MethodPromptsGet, params, &result)
	return result, err
}

// AddRoot adds a root to the client's advertised root set. It fails with
// AlreadyExistsError if root.URI is already present, or CapabilityMissingError if the
// client was not constructed with the roots capability.
func (c *Client) AddRoot(ctx context.Context, root Root) error {
	if c.caps.Roots == nil {
		return &CapabilityMissingError{Capability: "roots"}
	}

	c.rootsMu.Lock()
	if _, exists := c.roots[root.URI]; exists {
		c.rootsMu.Unlock()
		return &AlreadyExistsError{URI: root.URI}
	}
	c.roots[root.URI] = root
	c.rootsMu.Unlock()

	return c.maybeNotifyRootsListChanged(ctx)
}

// RemoveRoot removes a root by uri. It fails with NotFoundError if uri is absent, or
// CapabilityMissingError if the client was not constructed with the roots capability.
func (c *Client) RemoveRoot(ctx context.Context, uri string) error {
	if c.caps.Roots == nil {
		return &CapabilityMissingError{Capability: "roots"}
	}

	c.rootsMu.Lock()
	if _, exists := c.roots[uri]; !exists {
		c.rootsMu.Unlock()
		return &NotFoundError{URI: uri}
	}
	delete(c.roots, uri)
	c.rootsMu.Unlock()

	return c.maybeNotifyRootsListChanged(ctx)
}

func (c *Client) maybeNotifyRootsListChanged(ctx context.Context) error {
	if !c.rootsListen {
		return nil
	}
	return c.RootsListChangedNotification(ctx)
}

// RootsListChangedNotification sends notifications/roots/list_changed unconditionally.
func (c *Client) RootsListChangedNotification(ctx context.Context) error {
	return c.session.Notify(ctx, MethodNotificationsRootsListChanged, nil)
}

func (c *Client) handleRootsList(ctx context.Context, _ json.RawMessage) (any, error) {
	c.rootsMu.Lock()
	defer c.rootsMu.Unlock()

	roots := make([]Root, 0, len(c.roots))
	for _, r := range c.roots {
		roots = append(roots, r)
	}
	return RootsListResult{Roots: roots}, nil
}

func (c *Client) handleSamplingCreateMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var params CreateMessageParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	return c.samplingHandler(ctx, params)
}

func (c *Client) notifyToolsListChanged(consumers []ToolsListConsumer) NotificationHandler {
	return func(ctx context.Context, _ json.RawMessage) error {
		if len(consumers) == 0 {
			return nil
		}
		result, err := c.ListTools(ctx, "")
		if err != nil {
			return fmt.Errorf("refresh tools list: %w", err)
		}
		for _, consumer := range consumers {
			if err := consumer(ctx, result.Tools); err != nil {
				c.logger.Error("tools list consumer failed", "err", err)
			}
		}
		return nil
	}
}

func (c *Client) notifyResourcesListChanged(consumers []ResourcesListConsumer) NotificationHandler {
	return func(ctx context.Context, _ json.RawMessage) error {
		if len(consumers) == 0 {
			return nil
		}
		result, err := c.ListResources(ctx, "")
		if err != nil {
			return fmt.Errorf("refresh resources list: %w", err)
		}
		for _, consumer := range consumers {
			if err := consumer(ctx, result.Resources); err != nil {
				c.logger.Error("resources list consumer failed", "err", err)
			}
		}
		return nil
	}
}

func (c *Client) notifyPromptsListChanged(consumers []PromptsListConsumer) NotificationHandler {
	return func(ctx context.Context, _ json.RawMessage) error {
		if len(consumers) == 0 {
			return nil
		}
		result, err := c.ListPrompts(ctx, "")
		if err != nil {
			return fmt.Errorf("refresh prompts list: %w", err)
		}
		for _, consumer := range consumers {
			if err := consumer(ctx, result.Prompts); err != nil {
				c.logger.Error("prompts list consumer failed", "err", err)
			}
		}
		return nil
	}
}

// CloseGracefully closes the underlying Session gracefully.
func (c *Client) CloseGracefully(ctx context.Context) error { return c.session.CloseGracefully(ctx) }

// Close closes the underlying Session immediately.
func (c *Client) Close() { c.session.Close() }
