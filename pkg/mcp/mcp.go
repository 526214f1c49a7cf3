// Package mcp implements the MCP Connection Manager: dedup-by-id
// connection lifecycle over stdio/http/sse transports, the Model Context
// Protocol's tool/resource/prompt surface, and SSRF protection before any
// outbound dial. Grounded on the ag-ui SDK's pkg/transport manager shape
// (interfaces_manager.go's AddTransport/RemoveTransport/GetTransport
// registry, and its LoadBalancer-free single-active-instance-per-name
// dedup rule), generalized here to MCP's specific method surface instead
// of AG-UI event routing.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Mekann2904/mekann-sub020/internal/corelog"
	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

var tracer = otel.Tracer("runtime-core-mcp")

// Status is a connection's lifecycle state.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Connection is the observable handle `connect` returns.
type Connection struct {
	ID            string
	URL           string
	Kind          TransportKind
	Status        Status
	ConnectedAt   time.Time
	subscriptions map[string]bool
	tr            transport
}

// NotificationHandler receives the connection manager's unified event
// fan-out.
type NotificationHandler func(connID, method string, params json.RawMessage)

// SamplingHandler and ElicitationHandler are server->client request
// callbacks, registered via SetSamplingHandler/SetElicitationHandler.
type SamplingHandler func(connID string, params json.RawMessage) (json.RawMessage, error)
type ElicitationHandler func(connID string, params json.RawMessage) (json.RawMessage, error)

// DefaultMaxConnections is the default cap on live connections.
const DefaultMaxConnections = 10

// Manager owns the set of live MCP connections for this process. MCP
// connections are not shared cross-process.
type Manager struct {
	mu             sync.RWMutex
	conns          map[string]*Connection
	maxConnections int
	log            *zap.Logger

	notifyFn  NotificationHandler
	samplingFn   SamplingHandler
	elicitFn     ElicitationHandler
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = corelog.Named(l, "mcp") }
}
func WithMaxConnections(n int) Option {
	return func(m *Manager) { m.maxConnections = n }
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		conns:          make(map[string]*Connection),
		maxConnections: DefaultMaxConnections,
		log:            corelog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetNotificationCallback registers the unified event fan-out handler.
func (m *Manager) SetNotificationCallback(fn NotificationHandler) { m.notifyFn = fn }

// SetSamplingHandler registers the server->client sampling callback. It is
// invoked for notification-shaped "sampling/createMessage" frames; its
// return value is discarded, and no reply is sent back over the transport.
func (m *Manager) SetSamplingHandler(fn SamplingHandler) { m.samplingFn = fn }

// SetElicitationHandler registers the server->client elicitation callback,
// invoked for "elicitation/create" frames with the same notification-only
// routing as SetSamplingHandler.
func (m *Manager) SetElicitationHandler(fn ElicitationHandler) { m.elicitFn = fn }

// ConnectOptions is the argument to Connect.
type ConnectOptions struct {
	ID        string
	URL       string
	TimeoutMs time.Duration
}

// Connect establishes (or reuses) an MCP connection. A second call with
// the same id returns the existing connection, not an error.
func (m *Manager) Connect(ctx context.Context, opts ConnectOptions) (*Connection, error) {
	m.mu.RLock()
	if existing, ok := m.conns[opts.ID]; ok {
		m.mu.RUnlock()
		return existing, nil
	}
	count := len(m.conns)
	m.mu.RUnlock()

	if count >= m.maxConnections {
		return nil, rterrors.Newf(rterrors.KindRuntimeLimit, "mcp connection cap reached (%d)", m.maxConnections)
	}

	timeout := opts.TimeoutMs
	if timeout == 0 {
		timeout = defaultTimeoutMs * time.Millisecond
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tr, kind, err := dial(dialCtx, opts.ID, opts.URL, timeout)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		ID:            opts.ID,
		URL:           opts.URL,
		Kind:          kind,
		Status:        StatusConnected,
		ConnectedAt:   time.Now(),
		subscriptions: make(map[string]bool),
		tr:            tr,
	}

	m.mu.Lock()
	if existing, ok := m.conns[opts.ID]; ok {
		// Lost a race with a concurrent Connect(same id); keep the winner,
		// discard ours.
		m.mu.Unlock()
		_ = tr.close()
		return existing, nil
	}
	m.conns[opts.ID] = conn
	m.mu.Unlock()

	go m.pumpNotifications(conn)

	return conn, nil
}

func (m *Manager) pumpNotifications(conn *Connection) {
	for n := range conn.tr.notifications() {
		switch {
		case n.Method == "sampling/createMessage" && m.samplingFn != nil:
			_, _ = m.samplingFn(conn.ID, n.Params)
			continue
		case n.Method == "elicitation/create" && m.elicitFn != nil:
			_, _ = m.elicitFn(conn.ID, n.Params)
			continue
		}
		if n.Method == "notifications/cancelled" {
			m.mu.Lock()
			conn.Status = StatusError
			m.mu.Unlock()
		}
		if m.notifyFn != nil {
			m.notifyFn(conn.ID, n.Method, n.Params)
		}
	}
}

func (m *Manager) get(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok || conn.Status != StatusConnected {
		return nil, rterrors.Newf(rterrors.KindNotFound, "mcp connection %q not found", id)
	}
	return conn, nil
}

// Disconnect closes and forgets connection id.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, id)
	m.mu.Unlock()

	conn.Status = StatusDisconnected
	return conn.tr.close()
}

// DisconnectAll closes every managed connection.
func (m *Manager) DisconnectAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Disconnect(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// redactError scrubs key/token-shaped substrings from a transport error's
// message before it crosses the connection manager boundary, since a tool
// argument or a server-echoed error string can carry a caller-supplied
// secret.
func redactError(err error) error {
	var ce *rterrors.CoreError
	if errors.As(err, &ce) {
		ce.Message = rterrors.Redact(ce.Message)
		return ce
	}
	return rterrors.New(rterrors.KindLLMError, rterrors.Redact(err.Error()))
}

// call is the shared "find connection, forward through transport, decode
// into T" helper every typed operation below builds on.
func call[T any](ctx context.Context, m *Manager, id, method string, params interface{}) (T, error) {
	ctx, span := tracer.Start(ctx, "mcp."+method, trace.WithAttributes(
		attribute.String("mcp.connection_id", id),
	))
	defer span.End()

	var zero T
	conn, err := m.get(id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	raw, err := conn.tr.call(ctx, method, params)
	if err != nil {
		err = redactError(err)
		m.mu.Lock()
		conn.Status = StatusError
		m.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		err = rterrors.New(rterrors.KindIOError, "decode mcp result").WithCause(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	return out, nil
}

// Tool is an MCP tool descriptor.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func (m *Manager) ListTools(ctx context.Context, id string) ([]Tool, error) {
	res, err := call[struct {
		Tools []Tool `json:"tools"`
	}](ctx, m, id, "tools/list", nil)
	return res.Tools, err
}

func (m *Manager) CallTool(ctx context.Context, id, name string, args map[string]interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return call[json.RawMessage](ctx, m, id, "tools/call", map[string]interface{}{"name": name, "arguments": args})
}

// Resource is an MCP resource descriptor.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

func (m *Manager) ListResources(ctx context.Context, id string) ([]Resource, error) {
	res, err := call[struct {
		Resources []Resource `json:"resources"`
	}](ctx, m, id, "resources/list", nil)
	return res.Resources, err
}

func (m *Manager) ReadResource(ctx context.Context, id, uri string) (json.RawMessage, error) {
	return call[json.RawMessage](ctx, m, id, "resources/read", map[string]interface{}{"uri": uri})
}

func (m *Manager) SubscribeResource(ctx context.Context, id, uri string) error {
	_, err := call[json.RawMessage](ctx, m, id, "resources/subscribe", map[string]interface{}{"uri": uri})
	if err != nil {
		return err
	}
	conn, gerr := m.get(id)
	if gerr != nil {
		return gerr
	}
	m.mu.Lock()
	conn.subscriptions[uri] = true
	m.mu.Unlock()
	return nil
}

func (m *Manager) UnsubscribeResource(ctx context.Context, id, uri string) error {
	_, err := call[json.RawMessage](ctx, m, id, "resources/unsubscribe", map[string]interface{}{"uri": uri})
	if err != nil {
		return err
	}
	conn, gerr := m.get(id)
	if gerr != nil {
		return gerr
	}
	m.mu.Lock()
	delete(conn.subscriptions, uri)
	m.mu.Unlock()
	return nil
}

func (m *Manager) GetSubscriptions(id string) ([]string, error) {
	conn, err := m.get(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(conn.subscriptions))
	for uri := range conn.subscriptions {
		out = append(out, uri)
	}
	return out, nil
}

// Prompt is an MCP prompt descriptor.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (m *Manager) ListPrompts(ctx context.Context, id string) ([]Prompt, error) {
	res, err := call[struct {
		Prompts []Prompt `json:"prompts"`
	}](ctx, m, id, "prompts/list", nil)
	return res.Prompts, err
}

func (m *Manager) GetPrompt(ctx context.Context, id, name string, args map[string]interface{}) (json.RawMessage, error) {
	return call[json.RawMessage](ctx, m, id, "prompts/get", map[string]interface{}{"name": name, "arguments": args})
}

// ResourceTemplate is an MCP resource-template descriptor.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
}

func (m *Manager) ListResourceTemplates(ctx context.Context, id string) ([]ResourceTemplate, error) {
	res, err := call[struct {
		ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	}](ctx, m, id, "resources/templates/list", nil)
	return res.ResourceTemplates, err
}

// PaginatedResourceTemplates is the paginated form of ListResourceTemplates.
type PaginatedResourceTemplates struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

func (m *Manager) ListResourceTemplatesPaginated(ctx context.Context, id, cursor string) (PaginatedResourceTemplates, error) {
	var params interface{}
	if cursor != "" {
		params = map[string]interface{}{"cursor": cursor}
	}
	return call[PaginatedResourceTemplates](ctx, m, id, "resources/templates/list", params)
}

func (m *Manager) SetRoots(ctx context.Context, id string, roots []string) error {
	_, err := call[json.RawMessage](ctx, m, id, "roots/set", map[string]interface{}{"roots": roots})
	return err
}

func (m *Manager) GetInstructions(ctx context.Context, id string) (string, error) {
	res, err := call[struct {
		Instructions string `json:"instructions"`
	}](ctx, m, id, "instructions/get", nil)
	return res.Instructions, err
}

func (m *Manager) SetLoggingLevel(ctx context.Context, id, level string) error {
	_, err := call[json.RawMessage](ctx, m, id, "logging/setLevel", map[string]interface{}{"level": level})
	return err
}

func (m *Manager) Ping(ctx context.Context, id string) error {
	_, err := call[json.RawMessage](ctx, m, id, "ping", nil)
	return err
}

func (m *Manager) Complete(ctx context.Context, id string, ref, argument map[string]interface{}) (json.RawMessage, error) {
	return call[json.RawMessage](ctx, m, id, "completion/complete", map[string]interface{}{"ref": ref, "argument": argument})
}
