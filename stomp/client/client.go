// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client drives a single upstream connection: it performs the
// CONNECT handshake, negotiates heartbeats, dispatches inbound frames and
// sends SEND, SUBSCRIBE and UNSUBSCRIBE frames.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/absmach/stompmux/stomp/frame"
)

// Conn is one open transport connection. ReadMessage blocks until data
// arrives; a returned error means the connection is gone.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Handlers receive connection lifecycle events for one Connect call.
// OnConnected runs on the read goroutine before any MESSAGE is dispatched.
// OnDisconnected runs on its own goroutine, exactly once per Connect, with a
// nil error for a caller-initiated Disconnect.
type Handlers struct {
	OnConnected    func(*frame.Frame)
	OnDisconnected func(error)
	OnError        func(*frame.Frame)
	OnReceipt      func(*frame.Frame)
}

// MessageHandler receives MESSAGE frames for one subscription.
type MessageHandler func(*frame.Frame)

// Observer is told about wire traffic. Calls come from the read goroutine
// and from writers, so implementations must be safe for concurrent use.
type Observer interface {
	FrameSent(cmd frame.Command, n int)
	FrameReceived(cmd frame.Command)
	BytesReceived(n int)
}

// session is the state of one Connect call, from dial to teardown.
type session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	handlers Handlers
	conn     Conn
	version  string
	subs     map[string]MessageHandler
	nextSub  int
	hb       *heartbeat
	lastRecv atomic.Int64
	closed   bool
}

// Client is a thread-safe protocol client. A Client may be connected again
// after it disconnects; subscription ids restart at sub-0 on every connect.
type Client struct {
	opts   *Options
	state  *stateManager
	logger *slog.Logger

	mu   sync.Mutex
	sess *session

	writeMu sync.Mutex
}

// New creates a client with the given options.
func New(opts *Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		opts:   opts,
		state:  newStateManager(),
		logger: opts.Logger,
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.get()
}

// IsConnected returns true once CONNECTED has been received.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// Version returns the protocol version negotiated on the current connection.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.version
}

// Connect starts dialing url and returns without waiting for the handshake.
// headers are added to the CONNECT frame after the version and heartbeat
// headers. Progress is reported through h.
func (c *Client) Connect(url string, headers frame.Headers, h Handlers) error {
	if !c.state.transition(StateDisconnected, StateConnecting) {
		return ErrAlreadyConnected
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:      ctx,
		cancel:   cancel,
		handlers: h,
		subs:     make(map[string]MessageHandler),
	}
	s.lastRecv.Store(c.opts.Clock.Now().UnixNano())

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	go c.run(s, url, headers.Clone())
	return nil
}

func (c *Client) run(s *session, url string, headers frame.Headers) {
	dialCtx, cancel := context.WithTimeout(s.ctx, c.opts.ConnectTimeout)
	conn, err := c.opts.Dialer.Dial(dialCtx, url)
	cancel()
	if err != nil {
		c.teardown(s, fmt.Errorf("dial %s: %w", url, err))
		return
	}

	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	c.mu.Unlock()

	c.logger.Debug("transport open", slog.String("url", url))

	connect := frame.Headers{
		{Name: frame.HdrAcceptVersion, Value: strings.Join(c.opts.AcceptVersion, ",")},
		{Name: frame.HdrHeartBeat, Value: formatHeartbeat(c.opts.HeartbeatOutgoing, c.opts.HeartbeatIncoming)},
	}
	for _, hdr := range headers {
		connect = connect.Set(hdr.Name, hdr.Value)
	}
	if err := c.transmit(conn, frame.New(frame.Connect, connect, "")); err != nil {
		c.teardown(s, err)
		return
	}

	c.readLoop(s)
}

// readLoop reads until the transport fails or the session is torn down.
func (c *Client) readLoop(s *session) {
	dec := frame.NewDecoder(c.opts.MaxPendingSize)
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			c.teardown(s, fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		}
		s.lastRecv.Store(c.opts.Clock.Now().UnixNano())
		if c.opts.Observer != nil {
			c.opts.Observer.BytesReceived(len(data))
		}

		frames, heartbeat := dec.Feed(data)
		if heartbeat {
			c.logger.Debug("<<< PONG")
			continue
		}
		for _, f := range frames {
			if !c.handleFrame(s, f) {
				return
			}
		}
	}
}

// handleFrame dispatches one inbound frame and reports whether the session
// is still live.
func (c *Client) handleFrame(s *session, f *frame.Frame) bool {
	c.logger.Debug("<<< frame", slog.String("command", string(f.Command)))
	if c.opts.Observer != nil {
		c.opts.Observer.FrameReceived(f.Command)
	}

	switch f.Command {
	case frame.Connected:
		c.mu.Lock()
		if s.closed {
			c.mu.Unlock()
			return false
		}
		// A duplicate CONNECTED, or one racing Disconnect, is not a new session.
		if !c.state.transition(StateConnecting, StateConnected) {
			c.mu.Unlock()
			c.logger.Debug("ignoring CONNECTED", slog.String("state", c.state.get().String()))
			return true
		}
		s.version = f.Headers.Value(frame.HdrVersion)
		if s.version == frame.V11 || s.version == frame.V12 {
			s.hb = c.startHeartbeat(s, f.Headers.Value(frame.HdrHeartBeat))
		}
		c.mu.Unlock()

		c.logger.Debug("connected", slog.String("version", s.version), slog.String("server", f.Headers.Value(frame.HdrServer)))
		if s.handlers.OnConnected != nil {
			s.handlers.OnConnected(f)
		}

	case frame.Message:
		id := f.Headers.Value(frame.HdrSubscription)
		c.mu.Lock()
		if s.closed {
			c.mu.Unlock()
			return false
		}
		handler := s.subs[id]
		c.mu.Unlock()

		if handler == nil {
			c.logger.Debug("message for unknown subscription", slog.String("subscription", id))
			return true
		}
		handler(f)

	case frame.Receipt:
		if s.handlers.OnReceipt != nil {
			s.handlers.OnReceipt(f)
		}

	case frame.Error:
		c.logger.Warn("server error frame", slog.String("message", f.Headers.Value(frame.HdrMessage)))
		if s.handlers.OnError != nil {
			s.handlers.OnError(f)
		}

	default:
		c.logger.Debug("ignoring unsupported frame", slog.String("command", string(f.Command)))
	}
	return true
}

// Disconnect sends DISCONNECT, closes the transport and reports a nil error
// through OnDisconnected. It is a no-op when nothing is connected or a
// disconnect is already in progress. A dial still in flight is cancelled.
func (c *Client) Disconnect() error {
	if !c.state.transitionFrom(StateDisconnecting, StateConnected, StateConnecting) {
		return nil
	}

	c.mu.Lock()
	s := c.sess
	var conn Conn
	if s != nil {
		conn = s.conn
	}
	c.mu.Unlock()
	if s == nil {
		c.state.set(StateDisconnected)
		return nil
	}

	if conn != nil {
		if err := c.transmit(conn, frame.New(frame.Disconnect, nil, "")); err != nil {
			c.logger.Debug("failed to send disconnect", slog.String("error", err.Error()))
		}
	}
	c.teardown(s, nil)
	return nil
}

// Drop closes the transport without sending DISCONNECT, as if the network
// failed. OnDisconnected receives ErrConnectionLost.
func (c *Client) Drop() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	c.teardown(s, ErrConnectionLost)
}

// teardown ends s once. A nil err marks a caller-initiated disconnect.
func (c *Client) teardown(s *session, err error) {
	c.mu.Lock()
	if s.closed {
		c.mu.Unlock()
		return
	}
	s.closed = true
	if c.sess == s {
		c.sess = nil
		c.state.set(StateDisconnected)
	}
	conn := s.conn
	hb := s.hb
	s.subs = nil
	c.mu.Unlock()

	s.cancel()
	hb.stop()
	if conn != nil {
		conn.Close()
	}

	if err != nil {
		c.logger.Debug("connection closed", slog.String("error", err.Error()))
	}
	if s.handlers.OnDisconnected != nil {
		go s.handlers.OnDisconnected(err)
	}
}

// Send transmits a SEND frame to destination. headers follow the
// destination header in order.
func (c *Client) Send(destination string, headers frame.Headers, body string) error {
	if destination == "" {
		return ErrEmptyDestination
	}
	s, err := c.connected()
	if err != nil {
		return err
	}

	hdrs := frame.Headers{{Name: frame.HdrDestination, Value: destination}}
	for _, h := range headers {
		hdrs = hdrs.Set(h.Name, h.Value)
	}
	return c.transmit(s.conn, frame.New(frame.Send, hdrs, body))
}

// Subscribe transmits a SUBSCRIBE frame and routes matching MESSAGE frames
// to handler. An id header in headers is used as the subscription id;
// otherwise the next sub-N id of this connection is assigned.
func (c *Client) Subscribe(destination string, handler MessageHandler, headers frame.Headers) (*Subscription, error) {
	if destination == "" {
		return nil, ErrEmptyDestination
	}

	c.mu.Lock()
	s := c.sess
	if s == nil || !c.state.isConnected() {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id, ok := headers.Get(frame.HdrID)
	if !ok || id == "" {
		id = fmt.Sprintf("sub-%d", s.nextSub)
		s.nextSub++
	}
	s.subs[id] = handler
	c.mu.Unlock()

	hdrs := frame.Headers{
		{Name: frame.HdrDestination, Value: destination},
		{Name: frame.HdrID, Value: id},
	}
	for _, h := range headers {
		hdrs = hdrs.Set(h.Name, h.Value)
	}
	if err := c.transmit(s.conn, frame.New(frame.Subscribe, hdrs, "")); err != nil {
		c.mu.Lock()
		delete(s.subs, id)
		c.mu.Unlock()
		return nil, err
	}

	return &Subscription{ID: id, Destination: destination, client: c, sess: s}, nil
}

// unsubscribe removes the handler and transmits UNSUBSCRIBE. It does nothing
// once the connection the subscription was made on is gone.
func (c *Client) unsubscribe(s *session, id string, headers frame.Headers) error {
	c.mu.Lock()
	if s.closed || c.sess != s {
		c.mu.Unlock()
		return nil
	}
	if _, ok := s.subs[id]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(s.subs, id)
	c.mu.Unlock()

	hdrs := frame.Headers{{Name: frame.HdrID, Value: id}}
	for _, h := range headers {
		hdrs = hdrs.Set(h.Name, h.Value)
	}
	return c.transmit(s.conn, frame.New(frame.Unsubscribe, hdrs, ""))
}

func (c *Client) connected() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil || !c.state.isConnected() {
		return nil, ErrNotConnected
	}
	return c.sess, nil
}

// transmit writes f, split into MaxFrameSize pieces.
func (c *Client) transmit(conn Conn, f *frame.Frame) error {
	c.logger.Debug(">>> frame", slog.String("command", string(f.Command)))
	data := f.Marshal()
	if c.opts.Observer != nil {
		c.opts.Observer.FrameSent(f.Command, len(data))
	}
	return c.write(conn, data)
}

func (c *Client) write(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	limit := c.opts.MaxFrameSize
	for len(data) > 0 {
		n := min(len(data), limit)
		if err := conn.WriteMessage(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
