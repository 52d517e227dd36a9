// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/stompmux/broker/events"
	"github.com/absmach/stompmux/stomp/client"
	"github.com/absmach/stompmux/stomp/frame"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor      = 2 * time.Second
	tick         = time.Millisecond
	testURL      = "ws://upstream/stomp"
	testInterval = time.Second
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	reads  chan []byte
	done   chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads: make(chan []byte, 16),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.reads:
		return b, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(p []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) push(cmd frame.Command, headers frame.Headers, body string) {
	c.reads <- frame.Marshal(cmd, headers, body)
}

func (c *fakeConn) frames() []*frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []byte
	for _, w := range c.writes {
		all = append(all, w...)
	}
	return frame.Unmarshal(all)
}

func (c *fakeConn) sent(cmd frame.Command) []*frame.Frame {
	var out []*frame.Frame
	for _, f := range c.frames() {
		if f.Command == cmd {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out queued conns and refuses once they run out.
type fakeDialer struct {
	conns chan *fakeConn
	dials atomic.Int32
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (client.Conn, error) {
	d.dials.Add(1)
	select {
	case c := <-d.conns:
		return c, nil
	default:
		return nil, errRefused
	}
}

// inbox is a consumer endpoint recording delivered events.
type inbox struct {
	events chan Event
}

func newInbox() *inbox {
	return &inbox{events: make(chan Event, 64)}
}

func (i *inbox) Deliver(ev Event) {
	select {
	case i.events <- ev:
	default:
	}
}

func (i *inbox) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-i.events:
		return ev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// nextOf skips events until one of type typ arrives.
func (i *inbox) nextOf(t *testing.T, typ EventType) Event {
	t.Helper()
	for {
		if ev := i.next(t); ev.Type == typ {
			return ev
		}
	}
}

// drain discards queued events and returns how many there were of type typ.
func (i *inbox) drain(typ EventType) int {
	n := 0
	for {
		select {
		case ev := <-i.events:
			if ev.Type == typ {
				n++
			}
		default:
			return n
		}
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type())
	}
	return out
}

type harness struct {
	t      *testing.T
	b      *Broker
	dialer *fakeDialer
	clock  *clockwork.FakeClock
	stats  *Stats
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	return newHarnessWith(t, nil, configure...)
}

func newHarnessWith(t *testing.T, extra []Option, configure ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = testURL
	cfg.ReconnectInterval = testInterval
	cfg.ReconnectMaxAttempts = 3
	for _, fn := range configure {
		fn(&cfg)
	}

	clock := clockwork.NewFakeClock()
	stats := NewStats()
	dialer := newFakeDialer()
	copts := client.NewOptions().
		SetDialer(dialer).
		SetHeartbeat(0, 0).
		SetClock(clock).
		SetObserver(Observe(stats, nil)).
		SetLogger(slog.New(slog.DiscardHandler))
	upstream, err := client.New(copts)
	require.NoError(t, err)

	opts := append([]Option{
		WithClock(clock),
		WithStats(stats),
		WithLogger(slog.New(slog.DiscardHandler)),
	}, extra...)
	b := New(cfg, upstream, opts...)
	go b.Run(context.Background())
	t.Cleanup(func() { b.Close() })

	return &harness{t: t, b: b, dialer: dialer, clock: clock, stats: stats}
}

func (h *harness) post(cmd Command) {
	h.t.Helper()
	require.NoError(h.t, h.b.Post(cmd))
}

// status doubles as a barrier: it returns after every earlier command.
func (h *harness) status() Status {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	st, err := h.b.Status(ctx)
	require.NoError(h.t, err)
	return st
}

func (h *harness) waitState(state string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.status().State == state }, waitFor, tick)
}

func (h *harness) register(id ConsumerID) *inbox {
	h.t.Helper()
	in := newInbox()
	h.post(Register{Consumer: id, Endpoint: in})
	ev := in.next(h.t)
	require.Equal(h.t, EventConnection, ev.Type)
	return in
}

// handshake waits for CONNECT on conn and answers it.
func (h *harness) handshake(conn *fakeConn) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(conn.sent(frame.Connect)) > 0 }, waitFor, tick)
	conn.push(frame.Connected, frame.Headers{{Name: frame.HdrVersion, Value: frame.V11}}, "")
	h.waitState("connected")
}

func (h *harness) connect() *fakeConn {
	h.t.Helper()
	conn := newFakeConn()
	h.dialer.conns <- conn
	h.post(Connect{})
	h.handshake(conn)
	return conn
}

func (h *harness) attempts() uint64 {
	return h.stats.Snapshot().ReconnectAttempts
}

func message(sub, body string) frame.Headers {
	return frame.Headers{
		{Name: frame.HdrSubscription, Value: sub},
		{Name: frame.HdrMessageID, Value: "m-" + body},
		{Name: frame.HdrDestination, Value: "/topic/x"},
	}
}

func TestRegisterReceivesState(t *testing.T) {
	h := newHarness(t)
	in := newInbox()
	h.post(Register{Consumer: "a", Endpoint: in})

	ev := in.next(t)
	assert.Equal(t, EventConnection, ev.Type)
	assert.Equal(t, ConnectionPayload{State: "disconnected"}, ev.Payload)

	st := h.status()
	assert.Equal(t, 1, st.Consumers)
	assert.Equal(t, 1, st.Visible)
}

func TestConnectBroadcastsStates(t *testing.T) {
	h := newHarness(t)
	in := h.register("a")
	h.connect()

	var states []string
	for len(states) < 2 {
		ev := in.nextOf(t, EventConnection)
		states = append(states, ev.Payload.(ConnectionPayload).State)
	}
	assert.Equal(t, []string{"connecting", "connected"}, states)
}

func TestConnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.conns <- conn

	h.post(Connect{})
	h.post(Connect{})
	h.handshake(conn)
	h.post(Connect{})
	h.status()

	assert.Len(t, conn.sent(frame.Connect), 1)
	assert.Equal(t, int32(1), h.dialer.dials.Load())
}

func TestConnectHeaders(t *testing.T) {
	h := newHarness(t)
	h.post(SetHeader{Headers: map[string]string{"tenant": "acme", "app": "web"}})
	h.post(SetAuthHeader{Value: "Bearer token"})
	conn := h.connect()

	connect := conn.sent(frame.Connect)[0]
	var names []string
	for _, hdr := range connect.Headers {
		names = append(names, hdr.Name)
	}
	assert.Equal(t, []string{frame.HdrAcceptVersion, frame.HdrHeartBeat, "app", "tenant", frame.HdrAuthorization}, names)
	assert.Equal(t, "Bearer token", connect.Headers.Value(frame.HdrAuthorization))
}

func TestConnectWithoutURL(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.URL = "" })
	in := h.register("a")
	h.post(Connect{})

	ev := in.nextOf(t, EventError)
	assert.Equal(t, ErrNoURL.Error(), ev.Payload.(ErrorPayload).Message)
	assert.Equal(t, "disconnected", h.status().State)
	assert.Zero(t, h.dialer.dials.Load())
}

func TestReferenceCounting(t *testing.T) {
	h := newHarness(t)
	h.register("a")
	h.register("b")
	conn := h.connect()

	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})
	h.post(Subscribe{Consumer: "b", Channel: "/topic/x"})
	h.status()
	require.Len(t, conn.sent(frame.Subscribe), 1)

	h.post(Unsubscribe{Consumer: "a", Channel: "/topic/x"})
	st := h.status()
	assert.Empty(t, conn.sent(frame.Unsubscribe))
	require.Len(t, st.Channels, 1)
	assert.True(t, st.Channels[0].Wire)
	assert.Equal(t, 1, st.Channels[0].Consumers)

	h.post(Unsubscribe{Consumer: "b", Channel: "/topic/x"})
	st = h.status()
	unsubs := conn.sent(frame.Unsubscribe)
	require.Len(t, unsubs, 1)
	assert.Equal(t, "sub-0", unsubs[0].Headers.Value(frame.HdrID))
	assert.Empty(t, st.Channels)

	// Absent interest is a no-op.
	h.post(Unsubscribe{Consumer: "b", Channel: "/topic/x"})
	h.status()
	assert.Len(t, conn.sent(frame.Unsubscribe), 1)
}

func TestEnvelopeUnwrap(t *testing.T) {
	h := newHarness(t)
	in := h.register("a")
	conn := h.connect()

	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})
	h.status()
	sub := conn.sent(frame.Subscribe)[0]
	assert.Equal(t, "/topic/x", sub.Headers.Value(frame.HdrDestination))

	conn.push(frame.Message, message("sub-0", "1"), `{"content":{"v":1}}`)
	ev := in.nextOf(t, EventMessage)
	payload, ok := ev.Payload.(MessagePayload)
	require.True(t, ok)
	assert.Equal(t, "/topic/x", payload.Channel)
	assert.JSONEq(t, `{"v":1}`, string(payload.Message))
}

func TestMalformedBodyDeliveredRaw(t *testing.T) {
	h := newHarness(t)
	in := h.register("a")
	conn := h.connect()
	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})
	h.status()

	conn.push(frame.Message, message("sub-0", "1"), `not json`)
	ev := in.nextOf(t, EventMessage)
	assert.JSONEq(t, `"not json"`, string(ev.Payload.(MessagePayload).Message))
}

func TestEndStatusDisconnects(t *testing.T) {
	h := newHarness(t)
	in := h.register("a")
	conn := h.connect()
	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})
	h.status()
	in.drain(EventConnection)

	conn.push(frame.Message, message("sub-0", "end"), `{"status":"END"}`)
	h.waitState("disconnected")

	assert.Len(t, conn.sent(frame.Disconnect), 1)
	assert.Zero(t, in.drain(EventMessage))

	h.clock.Advance(5 * testInterval)
	h.status()
	assert.Equal(t, int32(1), h.dialer.dials.Load())
	assert.Zero(t, h.attempts())
}

func TestReconnectBound(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()

	conn.Close()
	require.Eventually(t, func() bool {
		return h.attempts() == 1 && h.status().State == "disconnected"
	}, waitFor, tick)

	for want := uint64(2); want <= 3; want++ {
		h.clock.Advance(testInterval)
		require.Eventually(t, func() bool {
			return h.attempts() == want && h.status().State == "disconnected"
		}, waitFor, tick)
	}

	// The next tick gives up.
	h.clock.Advance(testInterval)
	require.Eventually(t, func() bool { return h.status().ReconnectAttempt == 0 }, waitFor, tick)

	for range 3 {
		h.clock.Advance(testInterval)
	}
	h.status()
	assert.Equal(t, uint64(3), h.attempts())
	assert.Equal(t, int32(4), h.dialer.dials.Load())
	assert.Equal(t, "disconnected", h.status().State)
}

func TestReconnectRestoresSubscriptions(t *testing.T) {
	h := newHarness(t)
	in := h.register("a")
	conn := h.connect()
	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})
	h.post(SubscribeSynced{Consumer: "a", Channel: "/topic/y"})
	h.status()
	require.Len(t, conn.sent(frame.Subscribe), 2)

	next := newFakeConn()
	h.dialer.conns <- next
	h.post(Drop{})
	h.handshake(next)
	h.status()

	subs := next.sent(frame.Subscribe)
	require.Len(t, subs, 2)
	assert.Equal(t, "sub-0", subs[0].Headers.Value(frame.HdrID))
	assert.Equal(t, "sub-1", subs[1].Headers.Value(frame.HdrID))
	assert.ElementsMatch(t, []string{"/topic/x", "/topic/y"},
		[]string{subs[0].Headers.Value(frame.HdrDestination), subs[1].Headers.Value(frame.HdrDestination)})

	st := h.status()
	assert.Equal(t, 0, st.ReconnectAttempt)
	assert.Equal(t, uint64(1), h.attempts())

	// Messages on the new connection reach the consumer.
	dest := map[string]string{}
	for _, s := range subs {
		dest[s.Headers.Value(frame.HdrDestination)] = s.Headers.Value(frame.HdrID)
	}
	in.drain(EventMessage)
	next.push(frame.Message, message(dest["/topic/x"], "2"), `{"v":2}`)
	ev := in.nextOf(t, EventMessage)
	assert.Equal(t, "/topic/x", ev.Payload.(MessagePayload).Channel)

	// The retry ticker is gone.
	h.clock.Advance(5 * testInterval)
	h.status()
	assert.Equal(t, int32(2), h.dialer.dials.Load())
}

func TestExplicitDisconnectKeepsInterest(t *testing.T) {
	h := newHarness(t)
	h.register("a")
	conn := h.connect()
	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})

	h.post(Disconnect{})
	h.waitState("disconnected")
	assert.Len(t, conn.sent(frame.Disconnect), 1)

	h.clock.Advance(5 * testInterval)
	h.status()
	assert.Equal(t, int32(1), h.dialer.dials.Load())

	st := h.status()
	require.Len(t, st.Channels, 1)
	assert.False(t, st.Channels[0].Wire)

	next := h.connect()
	h.status()
	require.Len(t, next.sent(frame.Subscribe), 1)
	assert.True(t, h.status().Channels[0].Wire)
}

func TestDisconnectCancelsRetry(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	conn.Close()
	require.Eventually(t, func() bool {
		return h.attempts() == 1 && h.status().State == "disconnected"
	}, waitFor, tick)

	h.post(Disconnect{})
	h.status()
	for range 5 {
		h.clock.Advance(testInterval)
	}
	h.status()
	assert.Equal(t, uint64(1), h.attempts())
	assert.Equal(t, int32(2), h.dialer.dials.Load())
}

func TestReconnectDisabledByRegister(t *testing.T) {
	h := newHarness(t)
	zero := 0
	h.post(Register{Consumer: "a", Endpoint: newInbox(), ReconnectMaxAttempts: &zero})
	assert.Equal(t, 0, h.status().ReconnectMax)

	h.connect()
	h.post(Drop{})
	h.waitState("disconnected")
	h.clock.Advance(5 * testInterval)
	h.status()
	assert.Zero(t, h.attempts())
	assert.Equal(t, int32(1), h.dialer.dials.Load())
}

func TestSyncedDelivery(t *testing.T) {
	h := newHarness(t)
	synced := h.register("a")
	raw := h.register("b")
	conn := h.connect()

	h.post(SubscribeSynced{Consumer: "a", Channel: "/topic/x"})
	snap := synced.nextOf(t, EventMessage).Payload.(SyncedPayload)
	assert.Equal(t, "/topic/x", snap.Channel)
	assert.Empty(t, snap.List)
	assert.Empty(t, snap.Added)

	h.post(Subscribe{Consumer: "b", Channel: "/topic/x"})
	h.status()
	require.Len(t, conn.sent(frame.Subscribe), 1)

	conn.push(frame.Message, message("sub-0", "1"), `{"n":1}`)
	d1 := synced.nextOf(t, EventMessage).Payload.(SyncedPayload)
	require.Len(t, d1.List, 1)
	require.Len(t, d1.Added, 1)
	assert.Empty(t, d1.Removed)
	m1 := d1.Added[0]
	assert.JSONEq(t, `{"n":1}`, string(m1.Message))

	conn.push(frame.Message, message("sub-0", "2"), `{"n":2}`)
	d2 := synced.nextOf(t, EventMessage).Payload.(SyncedPayload)
	require.Len(t, d2.List, 2)
	require.Len(t, d2.Added, 1)
	assert.Equal(t, m1.ID, d2.List[0].ID)
	m2 := d2.Added[0]

	// The raw consumer saw plain messages only.
	first := raw.nextOf(t, EventMessage)
	_, isRaw := first.Payload.(MessagePayload)
	assert.True(t, isRaw)

	h.post(Dismiss{Channel: "/topic/x", IDs: []string{m1.ID}})
	d3 := synced.nextOf(t, EventMessage).Payload.(SyncedPayload)
	assert.Empty(t, d3.Added)
	require.Len(t, d3.Removed, 1)
	assert.Equal(t, m1.ID, d3.Removed[0].ID)
	require.Len(t, d3.List, 1)
	assert.Equal(t, m2.ID, d3.List[0].ID)

	// A second dismiss of the same id delivers nothing.
	h.post(Dismiss{Channel: "/topic/x", IDs: []string{m1.ID}})
	h.status()
	assert.Zero(t, synced.drain(EventMessage))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	items, err := h.b.Retained(ctx, "/topic/x")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, m2.ID, items[0].ID)
}

func TestRetainedDroppedWithLastSyncedConsumer(t *testing.T) {
	h := newHarness(t)
	h.register("a")
	h.register("b")
	conn := h.connect()
	h.post(SubscribeSynced{Consumer: "a", Channel: "/topic/x"})
	h.post(Subscribe{Consumer: "b", Channel: "/topic/x"})
	h.status()

	conn.push(frame.Message, message("sub-0", "1"), `{"n":1}`)
	require.Eventually(t, func() bool {
		st := h.status()
		return len(st.Channels) == 1 && st.Channels[0].Retained == 1
	}, waitFor, tick)
	assert.Equal(t, 1, h.status().RetainedItems)

	h.post(Unsubscribe{Consumer: "a", Channel: "/topic/x"})
	st := h.status()
	require.Len(t, st.Channels, 1)
	assert.Zero(t, st.Channels[0].Retained)
	assert.Zero(t, st.RetainedItems)
	assert.Empty(t, conn.sent(frame.Unsubscribe))
}

func TestUnregisterCleansUp(t *testing.T) {
	h := newHarness(t)
	h.register("a")
	h.register("b")
	conn := h.connect()

	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})
	h.post(SubscribeSynced{Consumer: "a", Channel: "/topic/y"})
	h.post(Subscribe{Consumer: "b", Channel: "/topic/y"})
	h.status()
	require.Len(t, conn.sent(frame.Subscribe), 2)

	h.post(Unregister{Consumer: "a"})
	st := h.status()

	unsubs := conn.sent(frame.Unsubscribe)
	require.Len(t, unsubs, 1)
	assert.Equal(t, "sub-0", unsubs[0].Headers.Value(frame.HdrID))
	require.Len(t, st.Channels, 1)
	assert.Equal(t, "/topic/y", st.Channels[0].Channel)
	assert.Equal(t, 1, st.Channels[0].Consumers)
	assert.Zero(t, st.Channels[0].Synced)
	assert.Equal(t, 1, st.Consumers)
}

func TestSend(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()

	h.post(Send{Channel: "/app/x", Message: json.RawMessage(`{"a":1}`)})
	h.post(Send{Channel: "/app/y", Message: json.RawMessage(`"plain text"`)})
	h.status()

	sends := conn.sent(frame.Send)
	require.Len(t, sends, 2)
	assert.Equal(t, "/app/x", sends[0].Headers.Value(frame.HdrDestination))
	assert.Equal(t, `{"a":1}`, sends[0].Body)
	assert.Equal(t, "plain text", sends[1].Body)
	assert.Equal(t, uint64(2), h.stats.Snapshot().MessagesSent)
}

func TestSendWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	h.post(Send{Channel: "/app/x", Message: json.RawMessage(`{"a":1}`)})
	assert.Equal(t, "disconnected", h.status().State)
	assert.Zero(t, h.stats.Snapshot().FramesSent)
}

func TestSubscribeWhileDisconnectedDefersWire(t *testing.T) {
	var logs bytes.Buffer
	h := newHarnessWith(t, []Option{WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))})
	h.register("a")
	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})
	st := h.status()
	require.Len(t, st.Channels, 1)
	assert.False(t, st.Channels[0].Wire)
	assert.Contains(t, logs.String(), "subscribe while not connected")
	assert.Contains(t, logs.String(), "channel=/topic/x")

	conn := h.connect()
	h.status()
	assert.Len(t, conn.sent(frame.Subscribe), 1)
}

func TestSubscribeUnknownConsumer(t *testing.T) {
	var logs bytes.Buffer
	h := newHarnessWith(t, []Option{WithLogger(slog.New(slog.NewTextHandler(&logs, nil)))})
	h.post(Subscribe{Consumer: "ghost", Channel: "/topic/x"})

	assert.Empty(t, h.status().Channels)
	assert.Contains(t, logs.String(), ErrUnknownConsumer.Error())
}

func TestRegisterWithoutConsumerID(t *testing.T) {
	h := newHarness(t)
	in := newInbox()
	h.post(Register{Endpoint: in})

	ev := in.nextOf(t, EventError)
	assert.Equal(t, ErrConsumerRequired.Error(), ev.Payload.(ErrorPayload).Message)
	assert.Zero(t, h.status().Consumers)
}

func TestSubscribeInvalidChannel(t *testing.T) {
	h := newHarness(t)
	in := h.register("a")
	h.post(Subscribe{Consumer: "a", Channel: "bad\nchannel"})

	ev := in.nextOf(t, EventError)
	assert.NotEmpty(t, ev.Payload.(ErrorPayload).Message)
	assert.Empty(t, h.status().Channels)
}

func TestProtocolErrorBroadcast(t *testing.T) {
	h := newHarness(t)
	a := h.register("a")
	b := h.register("b")
	conn := h.connect()

	conn.push(frame.Error, frame.Headers{{Name: frame.HdrMessage, Value: "bad destination"}}, "details")
	for _, in := range []*inbox{a, b} {
		ev := in.nextOf(t, EventError)
		p := ev.Payload.(ErrorPayload)
		assert.Equal(t, "bad destination", p.Message)
		assert.Equal(t, "details", p.Body)
	}
	assert.Equal(t, "connected", h.status().State)
}

func TestSetVisibility(t *testing.T) {
	h := newHarness(t)
	h.register("a")
	hidden := false
	h.post(Register{Consumer: "b", Endpoint: newInbox(), Visible: &hidden})
	assert.Equal(t, 1, h.status().Visible)

	h.post(SetVisibility{Consumer: "b", Visible: true})
	h.post(SetVisibility{Consumer: "a", Visible: false})
	h.post(SetVisibility{Consumer: "missing", Visible: true})
	st := h.status()
	assert.Equal(t, 2, st.Consumers)
	assert.Equal(t, 1, st.Visible)
}

func TestNotifierReceivesLifecycle(t *testing.T) {
	n := &recordingNotifier{}
	h := newHarnessWith(t, []Option{WithNotifier(n)})

	h.register("a")
	h.connect()
	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})
	h.post(Unregister{Consumer: "a"})
	h.status()

	assert.Equal(t, []string{
		"consumer.registered",
		"connection.state_changed",
		"connection.state_changed",
		"subscription.created",
		"subscription.removed",
		"consumer.unregistered",
	}, n.types())
}

func TestPostAfterClose(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.b.Close())

	assert.ErrorIs(t, h.b.Post(Connect{}), ErrClosed)
	_, err := h.b.Status(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseDisconnectsUpstream(t *testing.T) {
	h := newHarness(t)
	conn := h.connect()
	require.NoError(t, h.b.Close())
	assert.Len(t, conn.sent(frame.Disconnect), 1)
}

func TestPostQueueFull(t *testing.T) {
	b := New(Config{QueueSize: 1}, nil, WithLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, b.Post(Connect{}))
	assert.ErrorIs(t, b.Post(Connect{}), ErrQueueFull)
}

func TestRepeatedDisconnectDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.post(Disconnect{})
	h.post(Disconnect{})
	h.waitState("disconnected")

	for range 3 {
		h.clock.Advance(testInterval)
	}
	h.status()
	assert.Equal(t, int32(1), h.dialer.dials.Load())
	assert.Zero(t, h.attempts())
}

func TestRepeatedEndDoesNotRetry(t *testing.T) {
	h := newHarness(t)
	h.register("a")
	conn := h.connect()
	h.post(Subscribe{Consumer: "a", Channel: "/topic/x"})
	h.status()

	end := frame.Marshal(frame.Message, message("sub-0", "end-1"), `{"status":"END"}`)
	end = append(end, frame.Marshal(frame.Message, message("sub-0", "end-2"), `{"status":"END"}`)...)
	conn.reads <- end
	h.waitState("disconnected")

	for range 3 {
		h.clock.Advance(testInterval)
	}
	h.status()
	assert.Len(t, conn.sent(frame.Disconnect), 1)
	assert.Equal(t, int32(1), h.dialer.dials.Load())
	assert.Zero(t, h.attempts())
}

func TestConnectedAfterDisconnectRequestIgnored(t *testing.T) {
	b := New(DefaultConfig(), nil, WithLogger(slog.New(slog.DiscardHandler)))
	in := newInbox()
	b.dispatch(Register{Consumer: "a", Endpoint: in})
	in.drain(EventConnection)

	// CONNECTED was read before the queued Disconnect took effect.
	b.epoch = 1
	b.state = client.StateDisconnecting
	b.dispatch(upstreamConnected{epoch: 1, frame: &frame.Frame{Command: frame.Connected}})

	assert.Equal(t, client.StateDisconnecting, b.state)
	assert.Zero(t, in.drain(EventConnection))
	assert.Zero(t, b.stats.Snapshot().Connects)
}
