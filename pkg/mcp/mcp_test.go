package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

func TestDetectTransportPrefixRules(t *testing.T) {
	assert.Equal(t, TransportHTTP, DetectTransport("https://example.com/mcp"))
	assert.Equal(t, TransportHTTP, DetectTransport("http://example.com/mcp"))
	assert.Equal(t, TransportSSE, DetectTransport("sse://example.com/mcp"))
	assert.Equal(t, TransportSSE, DetectTransport("http+sse://example.com/mcp"))
	assert.Equal(t, TransportStdio, DetectTransport("node ./server.js"))
}

func TestTokenizeCommandHandlesQuotedArgs(t *testing.T) {
	got := tokenizeCommand(`node "my server.js" --flag`)
	assert.Equal(t, []string{"node", "my server.js", "--flag"}, got)
}

func TestParseServerConfigValidatesIDPattern(t *testing.T) {
	raw := []byte(`{"version":"1.0","servers":[{"id":"bad id!","url":"http://x","enabled":true}]}`)
	_, err := ParseServerConfig(raw)
	require.Error(t, err)
}

func TestParseServerConfigRejectsDuplicateIDs(t *testing.T) {
	raw := []byte(`{"version":"1.0","servers":[
		{"id":"a","url":"http://x","enabled":true},
		{"id":"a","url":"http://y","enabled":true}
	]}`)
	_, err := ParseServerConfig(raw)
	require.Error(t, err)
}

func TestParseServerConfigAppliesDefaultTimeoutAndRejectsOutOfRange(t *testing.T) {
	raw := []byte(`{"version":"1.0","servers":[{"id":"a","url":"http://x","enabled":true}]}`)
	servers, err := ParseServerConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, defaultTimeoutMs, servers[0].TimeoutMs)

	badRaw := []byte(`{"version":"1.0","servers":[{"id":"a","url":"http://x","enabled":true,"timeout":500}]}`)
	_, err = ParseServerConfig(badRaw)
	require.Error(t, err)
}

func TestIsBlockedHostRejectsPrivateAndMetadataAddresses(t *testing.T) {
	assert.True(t, isBlockedHost("127.0.0.1"))
	assert.True(t, isBlockedHost("169.254.169.254"))
	assert.True(t, isBlockedHost("10.0.0.5"))
	assert.False(t, isBlockedHost("93.184.216.34")) // example.com's public IP
}

// stdioEchoCmd is a stdio-transport target ("cat") that mirrors each
// written JSON-RPC request line straight back on stdout. Since the probed
// "id" field survives the round trip, the manager treats it as a reply
// with no result/error (both absent), which is enough to exercise
// Connect/Disconnect lifecycle without a real MCP server or any outbound
// network dial (so it isn't subject to the SSRF host check below).
const stdioEchoCmd = "cat"

func TestConnectTwiceWithSameIDReturnsExistingConnection(t *testing.T) {
	m := New()

	c1, err := m.Connect(context.Background(), ConnectOptions{ID: "srv-a", URL: stdioEchoCmd, TimeoutMs: 2 * time.Second})
	require.NoError(t, err)
	c2, err := m.Connect(context.Background(), ConnectOptions{ID: "srv-a", URL: stdioEchoCmd, TimeoutMs: 2 * time.Second})
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	_ = m.DisconnectAll()
}

func TestDisconnectThenReconnectIsAllowed(t *testing.T) {
	m := New()

	_, err := m.Connect(context.Background(), ConnectOptions{ID: "srv-a", URL: stdioEchoCmd, TimeoutMs: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, m.Disconnect("srv-a"))

	conn, err := m.Connect(context.Background(), ConnectOptions{ID: "srv-a", URL: stdioEchoCmd, TimeoutMs: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, conn.Status)
	_ = m.DisconnectAll()
}

func TestMaxConnectionsCapEnforced(t *testing.T) {
	m := New(WithMaxConnections(1))
	defer m.DisconnectAll()

	_, err := m.Connect(context.Background(), ConnectOptions{ID: "a", URL: stdioEchoCmd, TimeoutMs: 2 * time.Second})
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), ConnectOptions{ID: "b", URL: stdioEchoCmd, TimeoutMs: 2 * time.Second})
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindRuntimeLimit))
}

func TestCallToolRoundTrips(t *testing.T) {
	m := New()
	defer m.DisconnectAll()

	_, err := m.Connect(context.Background(), ConnectOptions{ID: "a", URL: stdioEchoCmd, TimeoutMs: 2 * time.Second})
	require.NoError(t, err)

	_, err = m.CallTool(context.Background(), "a", "echo", map[string]interface{}{"x": 1}, time.Second)
	require.NoError(t, err)
}

func TestHTTPConnectIsBlockedForLoopbackBySSRFCheck(t *testing.T) {
	m := New()
	_, err := m.Connect(context.Background(), ConnectOptions{ID: "local", URL: "http://127.0.0.1:9/mcp", TimeoutMs: time.Second})
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindSSRFBlocked))
}

func TestOperationOnUnknownConnectionReturnsNotFound(t *testing.T) {
	m := New()
	_, err := m.ListTools(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindNotFound))
}

func TestRedactErrorScrubsSecretShapedText(t *testing.T) {
	ce := rterrors.New(rterrors.KindLLMError, "mcp error 1: api_key=sk-abcdefghijklmnopqrstuvwx rejected")
	got := redactError(ce)

	var out *rterrors.CoreError
	require.True(t, errors.As(got, &out))
	assert.NotContains(t, out.Message, "sk-abcdefghijklmnopqrstuvwx")
	assert.Contains(t, out.Message, "[REDACTED]")
	assert.Equal(t, rterrors.KindLLMError, out.Kind)
}

func TestRedactErrorWrapsPlainError(t *testing.T) {
	got := redactError(fmt.Errorf("dial failed: Bearer abc123tokentext"))
	assert.True(t, rterrors.IsKind(got, rterrors.KindLLMError))
	assert.NotContains(t, got.Error(), "abc123tokentext")
}
