// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "github.com/absmach/stompmux/stomp/frame"

// Subscription is a live wire-level subscription on one connection.
type Subscription struct {
	ID          string
	Destination string

	client *Client
	sess   *session
}

// Unsubscribe transmits UNSUBSCRIBE for this subscription. Once the
// connection it was made on has closed, it does nothing.
func (s *Subscription) Unsubscribe(headers frame.Headers) error {
	return s.client.unsubscribe(s.sess, s.ID, headers)
}

// Active reports whether the connection the subscription was made on is
// still open.
func (s *Subscription) Active() bool {
	s.client.mu.Lock()
	defer s.client.mu.Unlock()
	return !s.sess.closed && s.client.sess == s.sess
}
