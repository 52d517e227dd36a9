// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/absmach/stompmux/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBroker struct {
	posted   []broker.Command
	postErr  error
	status   broker.Status
	retained map[string][]broker.RetainedItem
}

func (f *fakeBroker) Post(cmd broker.Command) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.posted = append(f.posted, cmd)
	return nil
}

func (f *fakeBroker) Status(context.Context) (broker.Status, error) {
	return f.status, nil
}

func (f *fakeBroker) Retained(_ context.Context, channel string) ([]broker.RetainedItem, error) {
	return f.retained[channel], nil
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestServer(b Broker) http.Handler {
	return New(Config{}, b, slog.New(slog.DiscardHandler)).Handler()
}

func TestStatus(t *testing.T) {
	b := &fakeBroker{status: broker.Status{
		State:     "connected",
		URL:       "ws://mq/stomp",
		Consumers: 2,
		Visible:   1,
		Channels:  []broker.ChannelStatus{{Channel: "orders", Consumers: 2, Wire: true}},
	}}
	rec := do(t, newTestServer(b), http.MethodGet, "/api/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got broker.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, b.status, got)
}

func TestCommands(t *testing.T) {
	cases := []struct {
		name   string
		method string
		target string
		body   string
		code   int
		want   broker.Command
	}{
		{
			name:   "connect",
			method: http.MethodPost,
			target: "/api/connect",
			code:   http.StatusAccepted,
			want:   broker.Connect{},
		},
		{
			name:   "disconnect",
			method: http.MethodPost,
			target: "/api/disconnect",
			code:   http.StatusAccepted,
			want:   broker.Disconnect{},
		},
		{
			name:   "send",
			method: http.MethodPost,
			target: "/api/send",
			body:   `{"channel":"orders/eu","message":{"total":3}}`,
			code:   http.StatusAccepted,
			want:   broker.Send{Channel: "orders/eu", Message: json.RawMessage(`{"total":3}`)},
		},
		{
			name:   "send without message",
			method: http.MethodPost,
			target: "/api/send",
			body:   `{"channel":"orders"}`,
			code:   http.StatusBadRequest,
		},
		{
			name:   "send to invalid channel",
			method: http.MethodPost,
			target: "/api/send",
			body:   `{"channel":"bad\nname","message":1}`,
			code:   http.StatusBadRequest,
		},
		{
			name:   "send malformed body",
			method: http.MethodPost,
			target: "/api/send",
			body:   `{`,
			code:   http.StatusBadRequest,
		},
		{
			name:   "dismiss",
			method: http.MethodDelete,
			target: "/api/retained/alerts/disk?id=a&id=b",
			code:   http.StatusAccepted,
			want:   broker.Dismiss{Channel: "alerts/disk", IDs: []string{"a", "b"}},
		},
		{
			name:   "dismiss without id",
			method: http.MethodDelete,
			target: "/api/retained/alerts",
			code:   http.StatusBadRequest,
		},
		{
			name:   "wrong method",
			method: http.MethodGet,
			target: "/api/connect",
			code:   http.StatusMethodNotAllowed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &fakeBroker{}
			rec := do(t, newTestServer(b), tc.method, tc.target, tc.body)

			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			if tc.want == nil {
				assert.Empty(t, b.posted)
				return
			}
			require.Len(t, b.posted, 1)
			assert.Equal(t, tc.want, b.posted[0])
		})
	}
}

func TestCommandQueueFull(t *testing.T) {
	b := &fakeBroker{postErr: broker.ErrQueueFull}
	rec := do(t, newTestServer(b), http.MethodPost, "/api/connect", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), broker.ErrQueueFull.Error())
}

func TestRetained(t *testing.T) {
	b := &fakeBroker{retained: map[string][]broker.RetainedItem{
		"alerts/disk": {{ID: "a", Message: json.RawMessage(`"full"`)}},
	}}
	h := newTestServer(b)

	rec := do(t, h, http.MethodGet, "/api/retained/alerts/disk", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []struct {
		ID      string          `json:"id"`
		Message json.RawMessage `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)
	assert.JSONEq(t, `"full"`, string(items[0].Message))

	rec = do(t, h, http.MethodGet, "/api/retained/unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(&fakeBroker{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
