// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics validates channel names and matches them against filters.
package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxChannelLength bounds a channel name. Longer names are refused before
// they reach a frame header.
const MaxChannelLength = 1024

// Common validation errors.
var (
	ErrEmptyChannel   = errors.New("empty channel name")
	ErrInvalidChannel = errors.New("invalid channel name: illegal characters")
	ErrChannelTooLong = errors.New("channel name too long")
)

// ValidateChannel checks that name can be carried in a destination header.
func ValidateChannel(name string) error {
	if name == "" {
		return ErrEmptyChannel
	}
	if len(name) > MaxChannelLength {
		return ErrChannelTooLong
	}
	if !utf8.ValidString(name) {
		return ErrInvalidChannel
	}
	// NUL ends a frame, LF and CR end a header line.
	if strings.ContainsAny(name, "\x00\n\r") {
		return ErrInvalidChannel
	}
	return nil
}
