// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools scratch buffers used while encoding frames.
package bufpool

import (
	"bytes"
	"sync"
)

// Pool hands out reset buffers. Buffers that grew past the pool's limit are
// dropped on Put so a single large body does not pin memory.
type Pool struct {
	limit int
	pool  sync.Pool
}

// New returns a pool that keeps buffers of at most limit bytes capacity.
// A limit of zero or less keeps every buffer.
func New(limit int) *Pool {
	return &Pool{
		limit: limit,
		pool:  sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

func (p *Pool) Get() *bytes.Buffer {
	b := p.pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func (p *Pool) Put(b *bytes.Buffer) {
	if b == nil || (p.limit > 0 && b.Cap() > p.limit) {
		return
	}
	p.pool.Put(b)
}

// Detach returns the buffer contents as a fresh slice and puts b back.
// b must not be used afterwards.
func (p *Pool) Detach(b *bytes.Buffer) []byte {
	out := bytes.Clone(b.Bytes())
	if out == nil {
		out = []byte{}
	}
	p.Put(b)
	return out
}
