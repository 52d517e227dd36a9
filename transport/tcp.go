// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/absmach/stompmux/stomp/client"
)

const readChunk = 4096

// TCPDialer dials tcp://host:port, or tcp+tls:// with TLSConfig set.
// Reads return whatever the socket delivered, so frames may arrive split.
type TCPDialer struct {
	TLSConfig    *tls.Config
	WriteTimeout time.Duration
	KeepAlive    time.Duration
}

// Dial opens a TCP connection to the host in rawURL.
func (d *TCPDialer) Dial(ctx context.Context, rawURL string) (client.Conn, error) {
	addr, useTLS, err := tcpAddress(rawURL)
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{KeepAlive: d.KeepAlive}
	var conn net.Conn
	if useTLS || d.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: d.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	return &TCPConn{Conn: conn, writeTimeout: d.WriteTimeout}, nil
}

// TCPConn adapts a net.Conn to client.Conn.
type TCPConn struct {
	net.Conn
	writeTimeout time.Duration
}

// ReadMessage returns the next chunk read from the socket.
func (c *TCPConn) ReadMessage() ([]byte, error) {
	buf := make([]byte, readChunk)
	n, err := c.Conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// WriteMessage writes p in full.
func (c *TCPConn) WriteMessage(p []byte) error {
	if c.writeTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.Conn.Write(p)
	return err
}

func tcpAddress(rawURL string) (string, bool, error) {
	if !strings.Contains(rawURL, "://") {
		return rawURL, false, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false, err
	}
	switch u.Scheme {
	case "tcp", "stomp":
		return u.Host, false, nil
	case "tcp+tls", "stomp+ssl", "ssl":
		return u.Host, true, nil
	default:
		return "", false, ErrUnsupportedScheme
	}
}
