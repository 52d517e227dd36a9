// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"log/slog"
	"slices"

	"github.com/absmach/stompmux/broker/events"
	"github.com/absmach/stompmux/stomp/client"
	"github.com/absmach/stompmux/stomp/frame"
	"github.com/absmach/stompmux/topics"
)

// dispatch handles one command. It runs only on the Run goroutine.
func (b *Broker) dispatch(cmd Command) {
	switch c := cmd.(type) {
	case Register:
		b.handleRegister(c)
	case Unregister:
		b.handleUnregister(c.Consumer)
	case SetURL:
		b.url = c.URL
	case SetAuthHeader:
		b.authHeader = c.Value
	case SetHeader:
		b.headers = cloneHeaders(c.Headers)
	case Connect:
		b.connect()
	case Disconnect:
		b.disconnect()
	case Drop:
		b.drop()
	case Send:
		b.handleSend(c)
	case Subscribe:
		b.handleSubscribe(c.Consumer, c.Channel, ModeRaw)
	case SubscribeSynced:
		b.handleSubscribe(c.Consumer, c.Channel, ModeSynced)
	case Unsubscribe:
		b.handleUnsubscribe(c.Consumer, c.Channel)
	case Dismiss:
		b.handleDismiss(c)
	case SetVisibility:
		if !b.consumers.setVisible(c.Consumer, c.Visible) {
			b.logger.Debug("visibility for unknown consumer", slog.String("consumer", string(c.Consumer)))
		}

	case upstreamConnected:
		if c.epoch == b.epoch {
			b.handleConnected(c.frame)
		}
	case upstreamDisconnected:
		if c.epoch == b.epoch {
			b.handleDisconnected(c.err)
		}
	case upstreamMessage:
		if c.epoch == b.epoch {
			b.handleMessage(c.channel, c.frame)
		}
	case upstreamError:
		if c.epoch == b.epoch {
			b.handleProtocolError(c.frame)
		}
	case upstreamReceipt:
		b.logger.Debug("receipt", slog.String("receipt_id", c.frame.Headers.Value(frame.HdrReceiptID)))
	case reconnectTick:
		if c.episode == b.episode {
			b.handleTick()
		}
	case statusQuery:
		c.reply <- b.status()
	case retainedQuery:
		c.reply <- b.retained.List(c.channel)

	default:
		b.logger.Warn("unhandled broker command", slog.Any("command", cmd))
	}
}

func (b *Broker) handleRegister(r Register) {
	if r.Consumer == "" {
		b.logger.Warn("register rejected", slog.String("error", ErrConsumerRequired.Error()))
		if r.Endpoint != nil {
			r.Endpoint.Deliver(Event{Type: EventError, Payload: ErrorPayload{Message: ErrConsumerRequired.Error()}})
		}
		return
	}

	visible := true
	if c, ok := b.consumers.get(r.Consumer); ok {
		visible = c.visible
	}
	if r.Visible != nil {
		visible = *r.Visible
	}

	if b.consumers.add(r.Consumer, r.Endpoint, visible) {
		b.stats.consumerRegistered()
		b.metrics.ConsumersChanged(1)
		b.logger.Debug("consumer registered", slog.String("consumer", string(r.Consumer)))
		b.notify(events.ConsumerRegistered{ConsumerID: string(r.Consumer), Visible: visible})
	}

	if r.ReconnectInterval != nil || r.ReconnectMaxAttempts != nil {
		interval, attempts := b.reconnect.interval, b.reconnect.maxAttempts
		if r.ReconnectInterval != nil {
			interval = *r.ReconnectInterval
		}
		if r.ReconnectMaxAttempts != nil {
			attempts = *r.ReconnectMaxAttempts
		}
		b.reconnect.setPolicy(interval, attempts)
	}

	b.deliver(r.Consumer, Event{Type: EventConnection, Payload: ConnectionPayload{State: b.state.String()}}, "connection")
}

func (b *Broker) handleUnregister(id ConsumerID) {
	if _, ok := b.consumers.get(id); !ok {
		return
	}
	for _, ch := range b.subs.channelsOf(id) {
		b.handleUnsubscribe(id, ch)
	}
	b.consumers.remove(id)
	b.stats.consumerUnregistered()
	b.metrics.ConsumersChanged(-1)
	b.logger.Debug("consumer unregistered", slog.String("consumer", string(id)))
	b.notify(events.ConsumerUnregistered{ConsumerID: string(id)})
}

// connect opens the upstream connection unless one is already open or in
// progress.
func (b *Broker) connect() {
	if b.state != client.StateDisconnected {
		b.logger.Debug("connect ignored", slog.String("state", b.state.String()))
		return
	}
	if b.url == "" {
		b.logger.Warn("connect without upstream url")
		b.consumers.broadcast(Event{Type: EventError, Payload: ErrorPayload{Message: ErrNoURL.Error()}})
		return
	}

	b.epoch++
	epoch := b.epoch
	h := client.Handlers{
		OnConnected: func(f *frame.Frame) {
			b.enqueue(upstreamConnected{epoch: epoch, frame: f})
		},
		OnDisconnected: func(err error) {
			b.enqueue(upstreamDisconnected{epoch: epoch, err: err})
		},
		OnError: func(f *frame.Frame) {
			b.enqueue(upstreamError{epoch: epoch, frame: f})
		},
		OnReceipt: func(f *frame.Frame) {
			b.enqueue(upstreamReceipt{epoch: epoch, frame: f})
		},
	}
	if err := b.upstream.Connect(b.url, b.connectHeaders(), h); err != nil {
		b.logger.Warn("upstream connect failed", slog.String("error", err.Error()))
		return
	}
	b.setState(client.StateConnecting)
}

// connectHeaders returns the custom headers in name order followed by
// Authorization when an auth header is set.
func (b *Broker) connectHeaders() frame.Headers {
	names := make([]string, 0, len(b.headers))
	for name := range b.headers {
		names = append(names, name)
	}
	slices.Sort(names)

	var hdrs frame.Headers
	for _, name := range names {
		hdrs = hdrs.Set(name, b.headers[name])
	}
	if b.authHeader != "" {
		hdrs = hdrs.Set(frame.HdrAuthorization, b.authHeader)
	}
	return hdrs
}

// disconnect closes the upstream connection on request and cancels any
// retry episode.
func (b *Broker) disconnect() {
	pending := b.state == client.StateConnected || b.state == client.StateConnecting
	if b.reconnect.onExplicitDisconnect(pending) == reconnectStop {
		b.stopTicker()
		b.logger.Info("reconnect cancelled")
	}
	if !pending {
		return
	}

	b.setState(client.StateDisconnecting)
	if err := b.upstream.Disconnect(); err != nil {
		b.logger.Warn("upstream disconnect failed", slog.String("error", err.Error()))
	}
}

// drop closes the transport as an unexpected failure would.
func (b *Broker) drop() {
	if b.state != client.StateConnected && b.state != client.StateConnecting {
		return
	}
	b.logger.Info("dropping upstream connection")
	b.upstream.Drop()
}

func (b *Broker) handleConnected(f *frame.Frame) {
	// A disconnect requested during the handshake wins.
	if b.state != client.StateConnecting {
		b.logger.Debug("connected ignored", slog.String("state", b.state.String()))
		return
	}
	b.stats.incrementConnects()
	b.logger.Info("upstream connected",
		slog.String("url", b.url),
		slog.String("version", f.Headers.Value(frame.HdrVersion)),
		slog.String("server", f.Headers.Value(frame.HdrServer)))

	if b.reconnect.onConnected() == reconnectStop {
		b.stopTicker()
	}
	b.setState(client.StateConnected)
	b.resubscribeAll()
}

func (b *Broker) handleDisconnected(err error) {
	if n := b.subs.clearWire(); n > 0 {
		b.stats.wireLost(n)
		b.metrics.SubscriptionsChanged(-n)
	}
	b.stats.incrementDisconnects()

	if err != nil {
		b.logger.Warn("upstream disconnected", slog.String("error", err.Error()))
	} else {
		b.logger.Info("upstream disconnected")
	}
	b.setState(client.StateDisconnected)

	if b.reconnect.onDisconnected() == reconnectStart {
		b.logger.Info("reconnecting",
			slog.Duration("interval", b.reconnect.interval),
			slog.Int("max_attempts", b.reconnect.maxAttempts))
		b.startTicker()
		b.attempt()
	}
}

func (b *Broker) handleTick() {
	switch b.reconnect.onTick(b.state) {
	case reconnectStop:
		b.stopTicker()
	case reconnectGiveUp:
		b.stopTicker()
		b.logger.Warn("reconnect attempts exhausted", slog.Int("max_attempts", b.reconnect.maxAttempts))
		b.notify(events.ReconnectExhausted{URL: b.url, Attempts: b.reconnect.maxAttempts})
	case reconnectAttempt:
		b.attempt()
	}
}

func (b *Broker) attempt() {
	b.stats.incrementReconnectAttempts()
	b.metrics.ReconnectAttempt()
	b.logger.Info("reconnect attempt", slog.Int("attempt", b.reconnect.attempt), slog.Int("max_attempts", b.reconnect.maxAttempts))
	b.connect()
}

// startTicker arms the reconnect timer. Ticks are posted back as commands
// tagged with the episode so ticks from a cancelled timer are ignored.
func (b *Broker) startTicker() {
	b.stopTicker()
	b.episode++
	episode := b.episode
	stop := make(chan struct{})
	b.tickerStop = stop

	ticker := b.clock.NewTicker(b.reconnect.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if !b.enqueue(reconnectTick{episode: episode}) {
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (b *Broker) stopTicker() {
	if b.tickerStop == nil {
		return
	}
	close(b.tickerStop)
	b.tickerStop = nil
	b.episode++
}

func (b *Broker) setState(s client.State) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	b.metrics.StateChanged(s.String())
	b.logger.Debug("state changed", slog.String("from", prev.String()), slog.String("to", s.String()))

	ev := Event{Type: EventConnection, Payload: ConnectionPayload{State: s.String()}}
	for _, id := range b.consumers.ids() {
		b.deliver(id, ev, "connection")
	}
	b.notify(events.ConnectionStateChanged{State: s.String(), Previous: prev.String(), URL: b.url})
}

func (b *Broker) handleSend(s Send) {
	if err := topics.ValidateChannel(s.Channel); err != nil {
		b.logger.Warn("send rejected", slog.String("channel", s.Channel), slog.String("error", err.Error()))
		return
	}
	if b.state != client.StateConnected {
		b.logger.Warn("send while not connected", slog.String("channel", s.Channel), slog.String("state", b.state.String()))
		return
	}
	if err := b.upstream.Send(s.Channel, nil, EncodeBody(s.Message)); err != nil {
		b.logger.Warn("send failed", slog.String("channel", s.Channel), slog.String("error", err.Error()))
	}
}

func (b *Broker) handleSubscribe(id ConsumerID, channel string, mode Mode) {
	if err := topics.ValidateChannel(channel); err != nil {
		b.reject(id, err)
		return
	}
	if _, ok := b.consumers.get(id); !ok {
		b.logger.Warn("subscribe rejected",
			slog.String("consumer", string(id)),
			slog.String("channel", channel),
			slog.String("error", ErrUnknownConsumer.Error()))
		return
	}

	b.subs.add(id, channel, mode)
	b.notify(events.SubscriptionCreated{ConsumerID: string(id), ChannelName: channel, Mode: mode.String()})

	switch {
	case b.state != client.StateConnected:
		b.logger.Warn("subscribe while not connected",
			slog.String("channel", channel),
			slog.String("state", b.state.String()))
	case b.subs.wire(channel) == nil:
		b.subscribeWire(channel)
	}

	if mode == ModeSynced {
		snapshot := SyncedPayload{
			Channel: channel,
			List:    b.retained.List(channel),
			Added:   []RetainedItem{},
			Removed: []RetainedItem{},
		}
		b.deliver(id, Event{Type: EventMessage, Payload: snapshot}, "synced")
	}
}

// subscribeWire issues the one wire subscription serving channel.
func (b *Broker) subscribeWire(channel string) {
	epoch := b.epoch
	handler := func(f *frame.Frame) {
		b.enqueue(upstreamMessage{epoch: epoch, channel: channel, frame: f})
	}
	sub, err := b.upstream.Subscribe(channel, handler, nil)
	if err != nil {
		b.logger.Warn("wire subscribe failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	b.subs.setWire(channel, sub)
	b.stats.incrementSubscriptions()
	b.metrics.SubscriptionsChanged(1)
	b.logger.Debug("wire subscribed", slog.String("channel", channel), slog.String("id", sub.ID))
}

// resubscribeAll restores wire subscriptions after a connect, since the
// server keeps none across connections.
func (b *Broker) resubscribeAll() {
	for _, ch := range b.subs.channelNames() {
		if b.subs.wire(ch) == nil {
			b.subscribeWire(ch)
		}
	}
}

func (b *Broker) handleUnsubscribe(id ConsumerID, channel string) {
	removed, last, wire := b.subs.remove(id, channel)
	if !removed {
		return
	}
	b.notify(events.SubscriptionRemoved{ConsumerID: string(id), ChannelName: channel})

	if last && wire != nil {
		if err := wire.Unsubscribe(nil); err != nil {
			b.logger.Warn("wire unsubscribe failed", slog.String("channel", channel), slog.String("error", err.Error()))
		}
		b.stats.decrementSubscriptions()
		b.metrics.SubscriptionsChanged(-1)
		b.logger.Debug("wire unsubscribed", slog.String("channel", channel))
	}

	if !b.subs.hasSynced(channel) {
		if n := b.retained.Drop(channel); n > 0 {
			b.metrics.RetainedChanged(-n)
		}
	}
}

// handleMessage fans one inbound MESSAGE out to the channel's consumers.
func (b *Broker) handleMessage(channel string, f *frame.Frame) {
	payload := DecodeBody(f.Body)
	if isEnd(payload) {
		b.logger.Info("upstream ended the session", slog.String("channel", channel))
		b.disconnect()
		return
	}

	consumers := b.subs.interested(channel)
	raw := Event{Type: EventMessage, Payload: MessagePayload{Channel: channel, Message: payload}}
	for _, in := range consumers {
		if in.mode&ModeRaw != 0 {
			b.deliver(in.id, raw, "raw")
		}
	}

	if !b.subs.hasSynced(channel) {
		return
	}
	diff := b.retained.Append(channel, payload)
	b.metrics.RetainedChanged(len(diff.Added) - len(diff.Removed))
	for _, it := range diff.Added {
		b.notify(events.RetainedAdded{ChannelName: channel, ItemID: it.ID})
	}
	b.fanoutSynced(consumers, diff)
}

func (b *Broker) handleDismiss(d Dismiss) {
	diff, ok := b.retained.Dismiss(d.Channel, d.IDs...)
	if !ok {
		b.logger.Debug("dismiss of absent items", slog.String("channel", d.Channel))
		return
	}
	b.metrics.RetainedChanged(-len(diff.Removed))

	ids := make([]string, 0, len(diff.Removed))
	for _, it := range diff.Removed {
		ids = append(ids, it.ID)
	}
	b.notify(events.RetainedDismissed{ChannelName: d.Channel, ItemIDs: ids})
	b.fanoutSynced(b.subs.interested(d.Channel), diff)
}

func (b *Broker) fanoutSynced(consumers []interest, diff SyncedPayload) {
	if diff.Empty() {
		return
	}
	ev := Event{Type: EventMessage, Payload: diff}
	for _, in := range consumers {
		if in.mode&ModeSynced != 0 {
			b.deliver(in.id, ev, "synced")
		}
	}
}

func (b *Broker) handleProtocolError(f *frame.Frame) {
	msg := f.Headers.Value(frame.HdrMessage)
	if msg == "" {
		msg = "protocol error"
	}
	ev := Event{Type: EventError, Payload: ErrorPayload{
		Message: msg,
		Headers: f.Headers.Map(),
		Body:    f.Body,
	}}
	for _, id := range b.consumers.ids() {
		b.deliver(id, ev, "error")
	}
}

// deliver sends ev to one consumer and records the outcome.
func (b *Broker) deliver(id ConsumerID, ev Event, kind string) {
	if b.consumers.deliver(id, ev) {
		b.stats.incrementDeliveries()
		b.metrics.Delivered(kind)
		return
	}
	b.stats.incrementDropped()
	b.metrics.DeliveryDropped()
}

// reject reports a refused request to the consumer that made it.
func (b *Broker) reject(id ConsumerID, err error) {
	b.logger.Debug("request rejected", slog.String("consumer", string(id)), slog.String("error", err.Error()))
	if _, ok := b.consumers.get(id); !ok {
		return
	}
	b.deliver(id, Event{Type: EventError, Payload: ErrorPayload{Message: err.Error()}}, "error")
}

func (b *Broker) status() Status {
	st := Status{
		State:             b.state.String(),
		URL:               b.url,
		ReconnectAttempt:  b.reconnect.attempt,
		ReconnectMax:      b.reconnect.maxAttempts,
		ReconnectInterval: b.reconnect.interval,
		Consumers:         b.consumers.len(),
		Visible:           b.consumers.visibleCount(),
		RetainedItems:     b.retained.Total(),
		Channels:          []ChannelStatus{},
		Stats:             b.stats.Snapshot(),
	}
	if b.state == client.StateConnected {
		st.Version = b.upstream.Version()
	}
	for _, ch := range b.subs.channelNames() {
		cs := ChannelStatus{
			Channel:  ch,
			Wire:     b.subs.wire(ch) != nil,
			Retained: b.retained.Len(ch),
		}
		for _, in := range b.subs.interested(ch) {
			cs.Consumers++
			if in.mode&ModeSynced != 0 {
				cs.Synced++
			}
		}
		st.Channels = append(st.Channels, cs)
	}
	return st
}
