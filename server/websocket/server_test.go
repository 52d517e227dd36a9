// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/stompmux/broker"
	"github.com/absmach/stompmux/ratelimit"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	cmds    chan broker.Command
	postErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{cmds: make(chan broker.Command, 32)}
}

func (f *fakeBroker) Post(cmd broker.Command) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.cmds <- cmd
	return nil
}

func (f *fakeBroker) Submit(ctx context.Context, cmd broker.Command) error {
	select {
	case f.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBroker) next(t *testing.T) broker.Command {
	t.Helper()
	select {
	case cmd := <-f.cmds:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for command")
		return nil
	}
}

type stubLimiter struct {
	allowUpgrade bool
	allowSend    bool
	removed      chan string
}

func (l *stubLimiter) Allow(net.Addr) bool        { return l.allowUpgrade }
func (l *stubLimiter) AllowSend(string) bool      { return l.allowSend }
func (l *stubLimiter) AllowSubscribe(string) bool { return true }
func (l *stubLimiter) Remove(id string)           { l.removed <- id }

func startGateway(t *testing.T, b Broker, opts ...Option) string {
	t.Helper()
	s := New(Config{Path: "/ws", SendBuffer: 8}, b, slog.New(slog.DiscardHandler), opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { ws.Close() })
	return ws
}

// registered dials and returns the socket with the Register the gateway posted.
func registered(t *testing.T, b *fakeBroker, url string) (*websocket.Conn, broker.Register) {
	t.Helper()
	ws := dial(t, url)
	reg, ok := b.next(t).(broker.Register)
	require.True(t, ok, "first command must be Register")
	return ws, reg
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev map[string]any
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestGatewayRegistersConsumer(t *testing.T) {
	b := newFakeBroker()
	url := startGateway(t, b)

	ws, reg := registered(t, b, url)
	assert.NotEmpty(t, reg.Consumer)
	require.NotNil(t, reg.Endpoint)

	reg.Endpoint.Deliver(broker.Event{Type: broker.EventConnection, Payload: broker.ConnectionPayload{State: "connected"}})

	ev := readEvent(t, ws)
	assert.Equal(t, "CONNECTION", ev["type"])
	assert.Equal(t, map[string]any{"state": "connected"}, ev["payload"])
}

func TestGatewayUniqueConsumers(t *testing.T) {
	b := newFakeBroker()
	url := startGateway(t, b)

	_, first := registered(t, b, url)
	_, second := registered(t, b, url)
	assert.NotEqual(t, first.Consumer, second.Consumer)
}

func TestGatewayForwardsRequests(t *testing.T) {
	b := newFakeBroker()
	url := startGateway(t, b)
	ws, reg := registered(t, b, url)

	cases := []struct {
		req  string
		want broker.Command
	}{
		{`{"type":"SUBSCRIBE","payload":"orders"}`, broker.Subscribe{Consumer: reg.Consumer, Channel: "orders"}},
		{`{"type":"SUBSCRIBE_SYNC","payload":{"channel":"alerts"}}`, broker.SubscribeSynced{Consumer: reg.Consumer, Channel: "alerts"}},
		{`{"type":"SEND_MESSAGE","payload":{"channel":"orders","message":{"id":1}}}`, broker.Send{Channel: "orders", Message: json.RawMessage(`{"id":1}`)}},
		{`{"type":"CONNECT"}`, broker.Connect{}},
		{`{"type":"SET_VISIBILITY","payload":false}`, broker.SetVisibility{Consumer: reg.Consumer, Visible: false}},
	}

	for _, tc := range cases {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(tc.req)))
		assert.Equal(t, tc.want, b.next(t), tc.req)
	}
}

func TestGatewayRegisterRequestKeepsSocketEndpoint(t *testing.T) {
	b := newFakeBroker()
	url := startGateway(t, b)
	ws, reg := registered(t, b, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"REGISTER","payload":{"reconnectMaxAttempts":2}}`)))

	again, ok := b.next(t).(broker.Register)
	require.True(t, ok)
	assert.Equal(t, reg.Consumer, again.Consumer)
	assert.Same(t, reg.Endpoint, again.Endpoint)
	require.NotNil(t, again.ReconnectMaxAttempts)
	assert.Equal(t, 2, *again.ReconnectMaxAttempts)
}

func TestGatewayInvalidRequest(t *testing.T) {
	b := newFakeBroker()
	url := startGateway(t, b)
	ws, _ := registered(t, b, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"NOPE"}`)))

	ev := readEvent(t, ws)
	assert.Equal(t, "ERROR", ev["type"])
	payload := ev["payload"].(map[string]any)
	assert.Contains(t, payload["message"], "unknown request")
}

func TestGatewayUnregistersOnClose(t *testing.T) {
	b := newFakeBroker()
	limiter := &stubLimiter{allowUpgrade: true, allowSend: true, removed: make(chan string, 1)}
	url := startGateway(t, b, WithLimiter(limiter))
	ws, reg := registered(t, b, url)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, ws.WriteMessage(websocket.CloseMessage, msg))

	assert.Equal(t, broker.Unregister{Consumer: reg.Consumer}, b.next(t))
	select {
	case id := <-limiter.removed:
		assert.Equal(t, string(reg.Consumer), id)
	case <-time.After(2 * time.Second):
		t.Fatal("limiter state not removed")
	}
}

func TestGatewaySendRateLimited(t *testing.T) {
	b := newFakeBroker()
	limiter := &stubLimiter{allowUpgrade: true, allowSend: false, removed: make(chan string, 1)}
	url := startGateway(t, b, WithLimiter(limiter))
	ws, _ := registered(t, b, url)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"SEND_MESSAGE","payload":{"channel":"orders","message":"x"}}`)))

	ev := readEvent(t, ws)
	assert.Equal(t, "ERROR", ev["type"])
	assert.Equal(t, ErrRateLimited.Error(), ev["payload"].(map[string]any)["message"])

	select {
	case cmd := <-b.cmds:
		t.Fatalf("unexpected command %T", cmd)
	default:
	}
}

func TestGatewayUpgradeRateLimited(t *testing.T) {
	b := newFakeBroker()
	cfg := ratelimit.Config{
		Enabled:    true,
		Connection: ratelimit.ConnectionConfig{Enabled: true, Rate: 0.001, Burst: 1},
	}
	m := ratelimit.NewManager(cfg, clockwork.NewFakeClock())
	t.Cleanup(m.Stop)
	url := startGateway(t, b, WithLimiter(m))

	dial(t, url)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestGatewayRegisterRejected(t *testing.T) {
	b := newFakeBroker()
	b.postErr = broker.ErrQueueFull
	url := startGateway(t, b)

	ws := dial(t, url)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestConsumerConnDropsWhenFull(t *testing.T) {
	// No writer goroutine: nothing drains the buffer.
	conn := &consumerConn{
		id:     "slow",
		logger: slog.New(slog.DiscardHandler),
		send:   make(chan []byte, 2),
		done:   make(chan struct{}),
	}

	for range 5 {
		conn.Deliver(broker.Event{Type: broker.EventConnection})
	}
	assert.Len(t, conn.send, 2)
	assert.Equal(t, uint64(3), conn.dropped.Load())

	close(conn.done)
	conn.Deliver(broker.Event{Type: broker.EventConnection})
	assert.Equal(t, uint64(3), conn.dropped.Load())
}
