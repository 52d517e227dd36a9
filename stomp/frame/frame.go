// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the text framing used on the upstream connection:
// a command line, ordered name:value header lines, a blank line and a
// NUL-terminated body.
package frame

import (
	"slices"
	"strconv"
	"strings"
)

// Command identifies the kind of a frame.
type Command string

// Client and server commands.
const (
	Connect     Command = "CONNECT"
	Connected   Command = "CONNECTED"
	Send        Command = "SEND"
	Subscribe   Command = "SUBSCRIBE"
	Unsubscribe Command = "UNSUBSCRIBE"
	Message     Command = "MESSAGE"
	Receipt     Command = "RECEIPT"
	Disconnect  Command = "DISCONNECT"
	Error       Command = "ERROR"
	Begin       Command = "BEGIN"
	Commit      Command = "COMMIT"
	Abort       Command = "ABORT"
	Ack         Command = "ACK"
	Nack        Command = "NACK"
)

// Well-known header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrHeartBeat     = "heart-beat"
	HdrVersion       = "version"
	HdrServer        = "server"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentLength = "content-length"
	HdrContentType   = "content-type"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrMessage       = "message"
	HdrAuthorization = "Authorization"
)

// Protocol versions understood by the client.
const (
	V10 = "1.0"
	V11 = "1.1"
	V12 = "1.2"
)

// Header is a single name:value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Order is preserved on the wire.
type Headers []Header

// Get returns the value of the first header with the given name.
func (h Headers) Get(name string) (string, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return "", false
}

// Value returns the header value or an empty string.
func (h Headers) Value(name string) string {
	v, _ := h.Get(name)
	return v
}

// Set replaces the first header with the given name or appends a new one.
func (h Headers) Set(name, value string) Headers {
	for i := range h {
		if h[i].Name == name {
			h[i].Value = value
			return h
		}
	}
	return append(h, Header{Name: name, Value: value})
}

// Del removes every header with the given name.
func (h Headers) Del(name string) Headers {
	out := h[:0]
	for _, hdr := range h {
		if hdr.Name != name {
			out = append(out, hdr)
		}
	}
	return out
}

// Clone returns a copy that can be modified without touching h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// FromMap builds headers from a map. Keys are sorted to keep the result stable.
func FromMap(m map[string]string) Headers {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(Headers, 0, len(keys))
	for _, k := range keys {
		out = append(out, Header{Name: k, Value: m[k]})
	}
	return out
}

// Map returns the headers as a map, first occurrence winning.
func (h Headers) Map() map[string]string {
	m := make(map[string]string, len(h))
	for _, hdr := range h {
		if _, ok := m[hdr.Name]; !ok {
			m[hdr.Name] = hdr.Value
		}
	}
	return m
}

// Frame is one protocol message unit.
type Frame struct {
	Command Command
	Headers Headers
	Body    string

	// SkipContentLength omits the content-length header even when Body is
	// non-empty. Used for streamed bodies of unknown length.
	SkipContentLength bool
}

// New creates a frame.
func New(cmd Command, headers Headers, body string) *Frame {
	return &Frame{Command: cmd, Headers: headers, Body: body}
}

// ContentLength returns the declared content-length, if any.
func (f *Frame) ContentLength() (int, bool) {
	v, ok := f.Headers.Get(HdrContentLength)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// String returns the marshalled frame without the trailing NUL.
func (f *Frame) String() string {
	b := f.Marshal()
	return string(b[:len(b)-1])
}
