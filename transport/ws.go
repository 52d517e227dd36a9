// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/stompmux/stomp/client"
	"github.com/gorilla/websocket"
)

// Subprotocols offered during the websocket handshake.
var Subprotocols = []string{"v10.stomp", "v11.stomp", "v12.stomp"}

// WSDialer dials ws:// and wss:// upstream endpoints. Each frame chunk is
// sent as one text message.
type WSDialer struct {
	Header       http.Header // Extra handshake headers
	TLSConfig    *tls.Config
	WriteTimeout time.Duration
	ReadLimit    int64
}

// Dial opens a websocket connection to url.
func (d *WSDialer) Dial(ctx context.Context, url string) (client.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		Subprotocols:     Subprotocols,
		TLSClientConfig:  d.TLSConfig,
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}

	return &WSConn{conn: ws, writeTimeout: d.WriteTimeout}, nil
}

// WSConn adapts a gorilla websocket connection to client.Conn.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

// ReadMessage returns the payload of the next text or binary message.
func (c *WSConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

// WriteMessage sends p as a single text message.
func (c *WSConn) WriteMessage(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, p)
}

// Subprotocol returns the subprotocol the server selected.
func (c *WSConn) Subprotocol() string {
	return c.conn.Subprotocol()
}

// Close closes the underlying connection.
func (c *WSConn) Close() error {
	return c.conn.Close()
}
