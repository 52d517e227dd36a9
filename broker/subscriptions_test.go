// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRefCounting(t *testing.T) {
	r := newRegistry()

	assert.True(t, r.add("a", "/topic/x", ModeRaw))
	assert.False(t, r.add("b", "/topic/x", ModeRaw))
	assert.False(t, r.add("a", "/topic/x", ModeSynced), "second mode keeps the channel")

	removed, last, _ := r.remove("a", "/topic/x")
	assert.True(t, removed)
	assert.False(t, last)
	assert.Equal(t, []string{"/topic/x"}, r.channelNames())

	removed, last, _ = r.remove("b", "/topic/x")
	assert.True(t, removed)
	assert.True(t, last)
	assert.Empty(t, r.channelNames())

	removed, last, _ = r.remove("b", "/topic/x")
	assert.False(t, removed)
	assert.False(t, last)
}

func TestRegistryModes(t *testing.T) {
	r := newRegistry()
	r.add("b", "/topic/x", ModeRaw)
	r.add("a", "/topic/x", ModeSynced)
	r.add("a", "/topic/x", ModeRaw)

	got := r.interested("/topic/x")
	require.Len(t, got, 2)
	assert.Equal(t, interest{id: "a", mode: ModeRaw | ModeSynced}, got[0])
	assert.Equal(t, interest{id: "b", mode: ModeRaw}, got[1])
	assert.True(t, r.hasSynced("/topic/x"))

	r.remove("a", "/topic/x")
	assert.False(t, r.hasSynced("/topic/x"))
	assert.Nil(t, r.interested("/topic/missing"))
}

func TestRegistryChannelsOf(t *testing.T) {
	r := newRegistry()
	r.add("a", "/topic/y", ModeRaw)
	r.add("a", "/topic/x", ModeSynced)
	r.add("b", "/topic/z", ModeRaw)

	assert.Equal(t, []string{"/topic/x", "/topic/y"}, r.channelsOf("a"))
	assert.Empty(t, r.channelsOf("c"))
}

func TestRegistryWire(t *testing.T) {
	r := newRegistry()
	assert.Nil(t, r.wire("/topic/x"))
	assert.Zero(t, r.clearWire())
	assert.Zero(t, r.wireCount())
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "raw", ModeRaw.String())
	assert.Equal(t, "synced", ModeSynced.String())
	assert.Equal(t, "raw+synced", (ModeRaw | ModeSynced).String())
	assert.Equal(t, "none", Mode(0).String())
}
