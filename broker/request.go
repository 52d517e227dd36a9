// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request types accepted from consumers.
const (
	ReqRegister        = "REGISTER"
	ReqUnregister      = "UNREGISTER"
	ReqSetURL          = "SET_URL"
	ReqSetAuthHeader   = "SET_AUTH_HEADER"
	ReqSetHeader       = "SET_HEADER"
	ReqConnect         = "CONNECT"
	ReqDisconnect      = "DISCONNECT"
	ReqTestDisconnect  = "TEST_DISCONNECT"
	ReqSendMessage     = "SEND_MESSAGE"
	ReqSubscribe       = "SUBSCRIBE"
	ReqSubscribeSync   = "SUBSCRIBE_SYNC"
	ReqUnsubscribe     = "UNSUBSCRIBE"
	ReqUnsubscribeSync = "UNSUBSCRIBE_SYNC"
	ReqDismissSync     = "DISMISS_SYNC"
	ReqSetVisibility   = "SET_VISIBILITY"
)

// Request is the wire form of a consumer command.
type Request struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type registerPayload struct {
	ReconnectInterval    *int64 `json:"reconnectInterval"` // Milliseconds
	ReconnectMaxAttempts *int   `json:"reconnectMaxAttempts"`
	Visible              *bool  `json:"visible"`
}

type channelPayload struct {
	Channel string `json:"channel"`
}

type sendPayload struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

type dismissPayload struct {
	Channel string   `json:"channel"`
	ID      string   `json:"id"`
	IDs     []string `json:"ids"`
}

type visibilityPayload struct {
	Visibility *bool `json:"visibility"`
	Visible    *bool `json:"visible"`
}

// ParseRequest decodes a consumer request into a Command on behalf of
// consumer. Identity fields inside the payload are ignored: a consumer can
// only act as itself.
func ParseRequest(consumer ConsumerID, data []byte) (Command, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	switch req.Type {
	case ReqRegister:
		var p registerPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		cmd := Register{Consumer: consumer, Visible: p.Visible, ReconnectMaxAttempts: p.ReconnectMaxAttempts}
		if p.ReconnectInterval != nil {
			d := time.Duration(*p.ReconnectInterval) * time.Millisecond
			cmd.ReconnectInterval = &d
		}
		return cmd, nil

	case ReqUnregister:
		return Unregister{Consumer: consumer}, nil

	case ReqSetURL:
		s, err := stringPayload(req.Payload)
		if err != nil {
			return nil, err
		}
		return SetURL{URL: s}, nil

	case ReqSetAuthHeader:
		s, err := stringPayload(req.Payload)
		if err != nil {
			return nil, err
		}
		return SetAuthHeader{Value: s}, nil

	case ReqSetHeader:
		var h map[string]string
		if err := decodePayload(req.Payload, &h); err != nil {
			return nil, err
		}
		return SetHeader{Headers: h}, nil

	case ReqConnect:
		return Connect{}, nil

	case ReqDisconnect:
		return Disconnect{}, nil

	case ReqTestDisconnect:
		return Drop{}, nil

	case ReqSendMessage:
		var p sendPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		return Send{Channel: p.Channel, Message: p.Message}, nil

	case ReqSubscribe, ReqSubscribeSync, ReqUnsubscribe, ReqUnsubscribeSync:
		channel, err := channelOf(req.Payload)
		if err != nil {
			return nil, err
		}
		switch req.Type {
		case ReqSubscribe:
			return Subscribe{Consumer: consumer, Channel: channel}, nil
		case ReqSubscribeSync:
			return SubscribeSynced{Consumer: consumer, Channel: channel}, nil
		default:
			return Unsubscribe{Consumer: consumer, Channel: channel}, nil
		}

	case ReqDismissSync:
		var p dismissPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			return nil, err
		}
		ids := p.IDs
		if p.ID != "" {
			ids = append([]string{p.ID}, ids...)
		}
		if p.Channel == "" || len(ids) == 0 {
			return nil, fmt.Errorf("%w: dismiss needs channel and id", ErrInvalidPayload)
		}
		return Dismiss{Channel: p.Channel, IDs: ids}, nil

	case ReqSetVisibility:
		var p visibilityPayload
		if err := decodePayload(req.Payload, &p); err != nil {
			var b bool
			if json.Unmarshal(req.Payload, &b) != nil {
				return nil, err
			}
			return SetVisibility{Consumer: consumer, Visible: b}, nil
		}
		v := p.Visibility
		if v == nil {
			v = p.Visible
		}
		if v == nil {
			return nil, fmt.Errorf("%w: visibility missing", ErrInvalidPayload)
		}
		return SetVisibility{Consumer: consumer, Visible: *v}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, req.Type)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// stringPayload accepts a bare JSON string or an object with a value field.
func stringPayload(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := decodePayload(raw, &obj); err != nil {
		return "", err
	}
	return obj.Value, nil
}

// channelOf accepts a bare channel string or an object with a channel field.
func channelOf(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var p channelPayload
	if err := decodePayload(raw, &p); err != nil {
		return "", err
	}
	if p.Channel == "" {
		return "", fmt.Errorf("%w: channel missing", ErrInvalidPayload)
	}
	return p.Channel, nil
}
