// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/absmach/stompmux/internal/bufpool"
)

// Wire bytes.
const (
	LF  = '\n'
	NUL = '\x00'
)

// Heartbeat is the single end-of-line sent as a keep-alive between frames.
var Heartbeat = []byte{LF}

var encodeBuffers = bufpool.New(64 * 1024)

// Marshal encodes command, headers and body as a NUL-terminated frame.
// Header order is preserved. A content-length header equal to the UTF-8 byte
// length of body is appended after the other headers when body is non-empty.
func Marshal(cmd Command, headers Headers, body string) []byte {
	f := Frame{Command: cmd, Headers: headers, Body: body}
	return f.Marshal()
}

// Marshal encodes the frame. Any content-length supplied by the caller is
// replaced by the computed one, or dropped when SkipContentLength is set.
func (f *Frame) Marshal() []byte {
	buf := encodeBuffers.Get()

	buf.WriteString(string(f.Command))
	buf.WriteByte(LF)
	for _, h := range f.Headers {
		if h.Name == HdrContentLength {
			continue
		}
		buf.WriteString(h.Name)
		buf.WriteByte(':')
		buf.WriteString(h.Value)
		buf.WriteByte(LF)
	}
	if f.Body != "" && !f.SkipContentLength {
		buf.WriteString(HdrContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte(LF)
	}
	buf.WriteByte(LF)
	buf.WriteString(f.Body)
	buf.WriteByte(NUL)

	return encodeBuffers.Detach(buf)
}

// Unmarshal decodes every frame in data. Frames are separated by a NUL
// followed by any number of LF bytes. Segments holding only end-of-lines
// (heartbeats) yield no frame.
func Unmarshal(data []byte) []*Frame {
	var frames []*Frame
	for len(data) > 0 {
		end := bytes.IndexByte(data, NUL)
		var segment []byte
		if end < 0 {
			segment, data = data, nil
		} else {
			segment, data = data[:end], data[end+1:]
			data = trimEOL(data)
		}
		if f := unmarshalSingle(segment); f != nil {
			frames = append(frames, f)
		}
	}
	return frames
}

// unmarshalSingle decodes one frame without its NUL terminator.
func unmarshalSingle(data []byte) *Frame {
	data = trimEOL(data)
	if len(data) == 0 {
		return nil
	}

	f := &Frame{}
	pos := 0
	first := true
	for pos < len(data) {
		nl := bytes.IndexByte(data[pos:], LF)
		var line []byte
		if nl < 0 {
			line = data[pos:]
			pos = len(data)
		} else {
			line = data[pos : pos+nl]
			pos += nl + 1
		}
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if first {
			f.Command = Command(strings.TrimSpace(string(line)))
			first = false
			continue
		}
		if len(line) == 0 {
			break
		}

		idx := bytes.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(string(line[:idx]))
		value := strings.TrimSpace(string(line[idx+1:]))
		// Repeated headers: the first occurrence wins.
		if _, ok := f.Headers.Get(name); ok {
			continue
		}
		f.Headers = append(f.Headers, Header{Name: name, Value: value})
	}

	rest := data[pos:]
	if n, ok := f.ContentLength(); ok {
		if n > len(rest) {
			n = len(rest)
		}
		f.Body = string(rest[:n])
		return f
	}
	if i := bytes.IndexByte(rest, NUL); i >= 0 {
		rest = rest[:i]
	}
	f.Body = string(rest)
	return f
}

func trimEOL(b []byte) []byte {
	for len(b) > 0 && (b[0] == LF || b[0] == '\r') {
		b = b[1:]
	}
	return b
}
