// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package frame

import "bytes"

// Decoder reassembles frames that arrive split over several transport reads.
// It is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	maxSize int
	// skip is set after an oversized partial frame was dropped. Input is
	// discarded up to and including the NUL that ends that frame.
	skip bool
}

// NewDecoder returns a decoder that discards a pending partial frame once it
// grows beyond maxSize bytes, along with the rest of that frame. Zero
// disables the limit.
func NewDecoder(maxSize int) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Feed appends data and returns every frame completed by it. The second
// result reports whether data carried nothing but heartbeat end-of-lines.
func (d *Decoder) Feed(data []byte) ([]*Frame, bool) {
	if d.skip {
		i := bytes.IndexByte(data, NUL)
		if i < 0 {
			return nil, false
		}
		d.skip = false
		data = trimEOL(data[i+1:])
		if len(data) == 0 {
			return nil, false
		}
	}
	if len(d.buf) == 0 {
		data = trimEOL(data)
		if len(data) == 0 {
			return nil, true
		}
	}
	d.buf = append(d.buf, data...)

	end := bytes.LastIndexByte(d.buf, NUL)
	if end < 0 {
		if d.maxSize > 0 && len(d.buf) > d.maxSize {
			d.buf = d.buf[:0]
			d.skip = true
		}
		return nil, false
	}

	frames := Unmarshal(d.buf[:end+1])
	rest := trimEOL(d.buf[end+1:])
	d.buf = append(d.buf[:0], rest...)
	return frames, false
}

// Pending returns the number of buffered bytes of an incomplete frame.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Reset drops any buffered partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.skip = false
}
