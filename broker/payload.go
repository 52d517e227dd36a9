// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"bytes"
	"encoding/json"
)

// endStatus in a decoded payload's status field ends the session.
const endStatus = "END"

// DecodeBody turns a MESSAGE body into the logical payload. JSON objects
// with a truthy content field are unwrapped to that field. Bodies that are
// not valid JSON are returned as a JSON string of the raw text.
func DecodeBody(body string) json.RawMessage {
	raw := bytes.TrimSpace([]byte(body))
	if len(raw) == 0 || !json.Valid(raw) {
		s, _ := json.Marshal(body)
		return s
	}

	if raw[0] == '{' {
		var env map[string]json.RawMessage
		if err := json.Unmarshal(raw, &env); err == nil {
			if content, ok := env["content"]; ok && truthy(content) {
				return content
			}
		}
	}
	return raw
}

// EncodeBody turns a consumer message into a SEND body. JSON strings are
// sent as their raw text; anything else as its JSON encoding.
func EncodeBody(msg json.RawMessage) string {
	raw := bytes.TrimSpace(msg)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// isEnd reports whether a decoded payload carries status END.
func isEnd(payload json.RawMessage) bool {
	if len(payload) == 0 || payload[0] != '{' {
		return false
	}
	var p struct {
		Status any `json:"status"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return false
	}
	s, ok := p.Status.(string)
	return ok && s == endStatus
}

func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
