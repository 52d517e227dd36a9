// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Wildcard segments.
const (
	SingleWildcard = "*"
	MultiWildcard  = "**"
)

// Match checks if channel matches filter. Both are split on '/'. A '*'
// segment matches exactly one segment and a trailing '**' matches the rest,
// including nothing. Any other segment must be equal.
func Match(filter, channel string) bool {
	if filter == "" || channel == "" {
		return false
	}
	if filter == channel || filter == MultiWildcard {
		return true
	}

	filterSegs := strings.Split(filter, "/")
	channelSegs := strings.Split(channel, "/")

	for i, f := range filterSegs {
		if f == MultiWildcard && i == len(filterSegs)-1 {
			return true
		}
		if i >= len(channelSegs) {
			return false
		}
		if f == SingleWildcard {
			continue
		}
		if f != channelSegs[i] {
			return false
		}
	}

	return len(filterSegs) == len(channelSegs)
}

// MatchAny reports whether channel matches one of filters. An empty filter
// list matches everything.
func MatchAny(filters []string, channel string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if Match(f, channel) {
			return true
		}
	}
	return false
}
