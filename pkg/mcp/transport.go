package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

// TransportKind is the detected transport family for a connection,
// determined by URL prefix.
type TransportKind string

const (
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
	TransportStdio TransportKind = "stdio"
)

// DetectTransport classifies a server URL by prefix: http(s):// is a
// one-shot HTTP transport, sse:// or http+sse:// is a persistent duplex
// transport, anything else is treated as a stdio command line.
func DetectTransport(rawURL string) TransportKind {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return TransportHTTP
	case strings.HasPrefix(rawURL, "sse://"), strings.HasPrefix(rawURL, "http+sse://"):
		return TransportSSE
	default:
		return TransportStdio
	}
}

// rpcRequest/rpcResponse are the minimal JSON-RPC 2.0 envelope MCP rides on.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// notification is an unsolicited server->client message (no id).
type notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// transport is the minimal request/response + notification channel every
// MCP wire form (stdio, http, sse) is adapted to.
type transport interface {
	call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	notifications() <-chan notification
	close() error
}

var reqIDSeq int64

func nextReqID() int64 { return atomic.AddInt64(&reqIDSeq, 1) }

// --- stdio transport -------------------------------------------------

// stdioTransport spawns a child process (command tokenized from the
// connection's URL) and speaks newline-delimited JSON-RPC over its
// stdin/stdout, the same framing reference MCP stdio servers use.
type stdioTransport struct {
	cmd     *exec.Cmd
	stdin   *bufio.Writer
	mu      sync.Mutex
	pending map[int64]chan rpcResponse
	notifCh chan notification
	closed  chan struct{}
}

func dialStdio(ctx context.Context, commandLine string) (*stdioTransport, error) {
	tokens := tokenizeCommand(commandLine)
	if len(tokens) == 0 {
		return nil, rterrors.New(rterrors.KindDenied, "empty stdio command")
	}
	// Not tied to ctx: ctx here is only the connect() call's timeout, but the
	// child process must outlive that call. Lifetime is instead governed by
	// close(), which kills the process explicitly.
	cmd := exec.Command(tokens[0], tokens[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, rterrors.New(rterrors.KindIOError, "stdin pipe").WithCause(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, rterrors.New(rterrors.KindIOError, "stdout pipe").WithCause(err)
	}
	if err := cmd.Start(); err != nil {
		return nil, rterrors.New(rterrors.KindIOError, "spawn stdio server").WithCause(err)
	}

	t := &stdioTransport{
		cmd:     cmd,
		stdin:   bufio.NewWriter(stdin),
		pending: make(map[int64]chan rpcResponse),
		notifCh: make(chan notification, 32),
		closed:  make(chan struct{}),
	}
	go t.readLoop(bufio.NewScanner(stdout))
	return t, nil
}

func tokenizeCommand(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

func (t *stdioTransport) readLoop(scanner *bufio.Scanner) {
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			continue
		}
		if probe.ID == nil {
			var n notification
			if json.Unmarshal(line, &n) == nil {
				select {
				case t.notifCh <- n:
				default:
				}
			}
			continue
		}
		var resp rpcResponse
		if json.Unmarshal(line, &resp) != nil {
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
	close(t.closed)
}

func (t *stdioTransport) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := nextReqID()
	ch := make(chan rpcResponse, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	enc, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	_, werr := t.stdin.Write(append(enc, '\n'))
	if werr == nil {
		werr = t.stdin.Flush()
	}
	t.mu.Unlock()
	if werr != nil {
		return nil, rterrors.New(rterrors.KindIOError, "write to stdio server").WithCause(werr)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, rterrors.Newf(rterrors.KindLLMError, "mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, rterrors.New(rterrors.KindCancelled, "mcp call cancelled").WithCause(ctx.Err())
	case <-t.closed:
		return nil, rterrors.New(rterrors.KindNotFound, "mcp connection closed")
	}
}

func (t *stdioTransport) notifications() <-chan notification { return t.notifCh }

func (t *stdioTransport) close() error {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	err := t.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// The non-zero exit is the kill above, not a failure to report.
		return nil
	}
	return err
}

// --- http transport ----------------------------------------------------

// httpTransport issues one JSON-RPC POST per call: a "streamable-http"
// variant that doesn't hold a persistent stream.
type httpTransport struct {
	endpoint string
	client   *http.Client
	notifCh  chan notification
}

func dialHTTP(baseURL string, timeout time.Duration) (*httpTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, rterrors.New(rterrors.KindDenied, "invalid mcp url").WithCause(err)
	}
	if isBlockedHost(u.Hostname()) {
		return nil, rterrors.Newf(rterrors.KindSSRFBlocked, "host %q is blocked", u.Hostname())
	}
	return &httpTransport{
		endpoint: baseURL,
		client:   &http.Client{Timeout: timeout},
		notifCh:  make(chan notification),
	}, nil
}

func (t *httpTransport) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: nextReqID(), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, rterrors.New(rterrors.KindLLMError, "mcp http call failed").WithCause(err).WithRetry(0)
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, rterrors.New(rterrors.KindIOError, "decode mcp response").WithCause(err)
	}
	if rpcResp.Error != nil {
		return nil, rterrors.Newf(rterrors.KindLLMError, "mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (t *httpTransport) notifications() <-chan notification { return t.notifCh }
func (t *httpTransport) close() error                        { return nil }

// --- sse / http+sse transport ------------------------------------------

// sseTransport keeps a persistent duplex connection open for servers that
// push notifications (`tools/list_changed` etc.) unprompted. Modeled as a
// websocket rather than a literal text/event-stream, matching the
// persistent-duplex abstraction the ag-ui SDK's pkg/transport/sse/transport.go
// wraps when a bidirectional channel is needed.
type sseTransport struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	pending map[int64]chan rpcResponse
	notifCh chan notification
	closed  chan struct{}
}

func dialSSE(rawURL string) (*sseTransport, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(rawURL, "http+sse://"), "sse://")
	u, err := url.Parse("wss://" + trimmed)
	if err != nil {
		return nil, rterrors.New(rterrors.KindDenied, "invalid mcp sse url").WithCause(err)
	}
	if isBlockedHost(u.Hostname()) {
		return nil, rterrors.Newf(rterrors.KindSSRFBlocked, "host %q is blocked", u.Hostname())
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, rterrors.New(rterrors.KindLLMError, "mcp sse dial failed").WithCause(err).WithRetry(0)
	}

	t := &sseTransport{
		conn:    conn,
		pending: make(map[int64]chan rpcResponse),
		notifCh: make(chan notification, 32),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *sseTransport) readLoop() {
	defer close(t.closed)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		var probe struct {
			ID *int64 `json:"id"`
		}
		if json.Unmarshal(data, &probe) != nil {
			continue
		}
		if probe.ID == nil {
			var n notification
			if json.Unmarshal(data, &n) == nil {
				select {
				case t.notifCh <- n:
				default:
				}
			}
			continue
		}
		var resp rpcResponse
		if json.Unmarshal(data, &resp) != nil {
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (t *sseTransport) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := nextReqID()
	ch := make(chan rpcResponse, 1)
	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	t.mu.Lock()
	err := t.conn.WriteJSON(req)
	t.mu.Unlock()
	if err != nil {
		return nil, rterrors.New(rterrors.KindIOError, "write mcp sse frame").WithCause(err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, rterrors.Newf(rterrors.KindLLMError, "mcp error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, rterrors.New(rterrors.KindCancelled, "mcp call cancelled").WithCause(ctx.Err())
	case <-t.closed:
		return nil, rterrors.New(rterrors.KindNotFound, "mcp connection closed")
	}
}

func (t *sseTransport) notifications() <-chan notification { return t.notifCh }

func (t *sseTransport) close() error {
	return t.conn.Close()
}

func dial(ctx context.Context, id, rawURL string, timeout time.Duration) (transport, TransportKind, error) {
	kind := DetectTransport(rawURL)
	switch kind {
	case TransportHTTP:
		tr, err := dialHTTP(rawURL, timeout)
		return tr, kind, err
	case TransportSSE:
		tr, err := dialSSE(rawURL)
		return tr, kind, err
	default:
		tr, err := dialStdio(ctx, rawURL)
		return tr, kind, err
	}
}
