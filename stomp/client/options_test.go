// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"testing"
	"time"

	"github.com/absmach/stompmux/stomp/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()

	assert.Equal(t, DefaultHeartbeat, opts.HeartbeatOutgoing)
	assert.Equal(t, DefaultHeartbeat, opts.HeartbeatIncoming)
	assert.Equal(t, []string{frame.V11, frame.V10}, opts.AcceptVersion)
	assert.Equal(t, DefaultMaxFrameSize, opts.MaxFrameSize)
	assert.NotNil(t, opts.Clock)
	assert.NotNil(t, opts.Logger)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    *Options
		wantErr error
	}{
		{
			name:    "missing dialer",
			opts:    NewOptions(),
			wantErr: ErrNoDialer,
		},
		{
			name:    "negative heartbeat",
			opts:    NewOptions().SetDialer(&stubDialer{}).SetHeartbeat(-time.Second, 0),
			wantErr: ErrInvalidHeartbeat,
		},
		{
			name:    "unknown version",
			opts:    NewOptions().SetDialer(&stubDialer{}).SetAcceptVersion("2.0"),
			wantErr: ErrInvalidVersion,
		},
		{
			name: "valid",
			opts: NewOptions().SetDialer(&stubDialer{}).SetAcceptVersion(frame.V12, frame.V11),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestOptionsValidateFillsDefaults(t *testing.T) {
	opts := &Options{Dialer: &stubDialer{}}
	require.NoError(t, opts.Validate())

	assert.Equal(t, DefaultAcceptVersion, opts.AcceptVersion)
	assert.Equal(t, DefaultMaxFrameSize, opts.MaxFrameSize)
	assert.Equal(t, DefaultMaxPendingSize, opts.MaxPendingSize)
	assert.Equal(t, DefaultConnectTimeout, opts.ConnectTimeout)
	assert.NotNil(t, opts.Clock)
	assert.NotNil(t, opts.Logger)
	assert.Zero(t, opts.HeartbeatOutgoing)
}
