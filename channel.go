package phxsocket

import (
	"context"
	"sync"
	"time"
)

// ChannelState is one of the five states in spec §4.4's state machine.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelErrored
	ChannelJoining
	ChannelJoined
	ChannelLeaving
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelErrored:
		return "errored"
	case ChannelJoining:
		return "joining"
	case ChannelJoined:
		return "joined"
	case ChannelLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Channel is the per-topic state machine from spec §4.4: join/leave
// protocol, push buffering while not joined, rejoin-on-error, dispatch of
// received messages/replies, and a waiter map for internally-awaited events.
type Channel struct {
	socket  *Socket
	topic   string
	params  map[string]any
	timeout time.Duration

	mu          sync.Mutex
	state       ChannelState
	joinPush    *Push
	leavePush   *Push
	buffer      []*Push
	rejoinTimer Timer
	waiters     map[Event]*future[Message]
	joinAttempt bool

	stream      *broadcaster[Message]
	streamCancel func()
}

func newChannel(socket *Socket, topic string, params map[string]any, timeout time.Duration) *Channel {
	c := &Channel{
		socket:  socket,
		topic:   topic,
		params:  params,
		timeout: timeout,
		state:   ChannelClosed,
		waiters: make(map[Event]*future[Message]),
		stream:  newBroadcaster[Message](),
	}
	c.joinPush = newPush(c, EventPhxJoin, func() any { return c.paramsSnapshot() }, timeout)
	c.wireJoinPush()
	return c
}

func (c *Channel) paramsSnapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

func (c *Channel) setStreamCancel(cancel func()) {
	c.mu.Lock()
	c.streamCancel = cancel
	c.mu.Unlock()
}

// Topic returns the channel's topic string.
func (c *Channel) Topic() string { return c.topic }

// State returns the channel's current state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinRef returns the ref of the channel's current join push, or "" if the
// join push has never been sent.
func (c *Channel) JoinRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRefLocked()
}

func (c *Channel) joinRefLocked() string {
	if c.joinPush == nil {
		return ""
	}
	ref := c.joinPush.Ref()
	if ref == nil {
		return ""
	}
	return *ref
}

// Messages returns the channel's public broadcast stream, excluding pure
// phx_reply envelopes (those surface only as chan_reply_* Push replies).
func (c *Channel) Messages() (<-chan Message, func()) { return c.stream.Subscribe() }

func (c *Channel) wireJoinPush() {
	c.joinPush.OnReply("ok", func(PushResponse) {
		c.mu.Lock()
		c.state = ChannelJoined
		buffered := c.buffer
		c.buffer = nil
		c.cancelRejoinTimerLocked()
		c.mu.Unlock()
		for _, p := range buffered {
			p.Send()
		}
	})
	c.joinPush.OnReply("error", func(PushResponse) {
		c.mu.Lock()
		c.state = ChannelErrored
		connected := c.socket.isConnected()
		c.mu.Unlock()
		if connected {
			c.scheduleRejoin()
		}
	})
	c.joinPush.OnReply("timeout", func(PushResponse) {
		c.mu.Lock()
		leave := newPush(c, EventPhxLeave, func() any { return map[string]any{} }, c.timeout)
		c.leavePush = leave
		c.state = ChannelErrored
		c.mu.Unlock()
		leave.Send()
		c.scheduleRejoin()
	})
}

// Join attempts to join the channel. newTimeout, if non-zero, replaces the
// join push's timeout for this and every later join attempt.
func (c *Channel) Join(newTimeout time.Duration) *Push {
	c.mu.Lock()
	if newTimeout != 0 {
		c.joinPush.setTimeout(newTimeout)
	}
	c.joinAttempt = true
	connected := c.socket.isConnected()
	if c.state == ChannelClosed {
		if connected {
			c.state = ChannelJoining
		} else {
			c.state = ChannelErrored
		}
	} else {
		c.state = ChannelJoining
	}
	push := c.joinPush
	c.mu.Unlock()

	push.Reset()
	push.Send()
	return push
}

// Leave attempts to leave the channel.
func (c *Channel) Leave(timeout time.Duration) *Push {
	if timeout == 0 {
		timeout = c.timeout
	}
	leave := newPush(c, EventPhxLeave, func() any { return map[string]any{} }, timeout)
	leave.OnReply("ok", func(PushResponse) { c.finishClose() })
	leave.OnReply("timeout", func(PushResponse) { c.finishClose() })

	c.mu.Lock()
	c.leavePush = leave
	c.state = ChannelLeaving
	connected := c.socket.isConnected()
	c.mu.Unlock()

	if !connected {
		c.finishClose()
		return leave
	}

	leave.Send()
	return leave
}

// Push sends eventName/payload on the channel, per spec §4.4. Requires a
// join attempt to have been made at least once; buffers the push in FIFO
// order if the channel cannot push immediately.
func (c *Channel) Push(eventName Event, payload any, timeout time.Duration) (*Push, error) {
	if timeout == 0 {
		timeout = c.timeout
	}
	c.mu.Lock()
	if !c.joinAttempt {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	push := newPush(c, eventName, func() any { return payload }, timeout)
	canSendNow := c.socket.isConnected() && c.state == ChannelJoined
	if !canSendNow {
		c.buffer = append(c.buffer, push)
	}
	c.mu.Unlock()

	if canSendNow {
		push.Send()
	}
	return push, nil
}

// canPush reports whether push should send immediately rather than buffer.
func (c *Channel) canPush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket.isConnected() && c.state == ChannelJoined
}

// scheduleRejoin arms the cancellable one-shot rejoin timer.
func (c *Channel) scheduleRejoin() {
	c.mu.Lock()
	c.cancelRejoinTimerLocked()
	c.rejoinTimer = c.socket.clock.AfterFunc(c.timeout, c.attemptRejoin)
	c.mu.Unlock()
}

func (c *Channel) cancelRejoinTimerLocked() {
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
}

func (c *Channel) attemptRejoin() {
	if c.socket.isConnected() {
		c.Join(0)
	}
}

// TriggerError reacts to a socket-level close/error event: joining or
// joined channels move to errored; a channel mid-leave is force-closed
// rather than left stranded waiting for a reply that will never arrive; the
// rejoin timer is cancelled (no point retrying while the socket is down).
func (c *Channel) TriggerError(err error) {
	c.mu.Lock()
	c.cancelRejoinTimerLocked()
	switch c.state {
	case ChannelJoining, ChannelJoined:
		c.state = ChannelErrored
	case ChannelLeaving:
		c.mu.Unlock()
		c.finishClose()
		return
	}
	c.mu.Unlock()
}

// onSocketReopen is invoked when the socket transitions back to Connected.
// An errored channel immediately attempts to rejoin.
func (c *Channel) onSocketReopen() {
	c.mu.Lock()
	c.cancelRejoinTimerLocked()
	errored := c.state == ChannelErrored
	c.mu.Unlock()
	if errored {
		c.Join(0)
	}
}

// Close is idempotent: cancels timers, completes all waiters with an
// errored status, closes the public stream, and removes the channel from
// the socket's registry.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == ChannelClosed {
		c.mu.Unlock()
		return
	}
	c.state = ChannelClosed
	c.cancelRejoinTimerLocked()
	waiters := c.waiters
	c.waiters = make(map[Event]*future[Message])
	cancel := c.streamCancel
	c.mu.Unlock()

	for _, w := range waiters {
		w.Complete(Message{}, ErrChannelClosed)
	}
	if cancel != nil {
		cancel()
	}
	c.stream.Close()
	c.socket.RemoveChannel(c)
}

func (c *Channel) finishClose() {
	c.Close()
}

// awaitEvent registers a single-shot waiter for event, returning the future
// that resolves when a matching message is dispatched (or the channel
// closes).
func (c *Channel) awaitEvent(event Event) *future[Message] {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := newFuture[Message](c.socket.logger)
	c.waiters[event] = f
	return f
}

// cancelWait removes a previously-registered waiter without completing it.
func (c *Channel) cancelWait(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, event)
}

func (c *Channel) completeWaiter(msg Message) bool {
	c.mu.Lock()
	f, ok := c.waiters[msg.Event]
	if ok {
		delete(c.waiters, msg.Event)
	}
	c.mu.Unlock()
	if ok {
		f.Complete(msg, nil)
	}
	return ok
}

// dispatchTimeout feeds a locally synthesized Message.timeoutFor(ref) to the
// channel's waiter map only (it must never reach the public stream).
func (c *Channel) dispatchTimeout(msg Message) {
	c.completeWaiter(msg)
}

// handleInbound is called for every Message the socket routes to this
// channel's topic, in arrival order.
func (c *Channel) handleInbound(msg Message) {
	if msg.JoinRef != nil && isReservedInternalEvent(msg.Event) {
		current := c.JoinRef()
		if current == "" || *msg.JoinRef != current {
			return // stale frame from a superseded join; drop per spec §4.4
		}
	}

	switch msg.Event {
	case EventPhxClose:
		c.Close()
	case EventPhxError:
		c.mu.Lock()
		c.state = ChannelErrored
		connected := c.socket.isConnected()
		c.mu.Unlock()
		if connected {
			c.scheduleRejoin()
		}
	case EventPhxReply:
		if msg.Ref == nil {
			return
		}
		replyMsg := Message{
			JoinRef: msg.JoinRef,
			Ref:     msg.Ref,
			Topic:   msg.Topic,
			Event:   ChanReplyEvent(*msg.Ref),
			Payload: normalizePushResponse(msg.Payload),
		}
		c.completeWaiter(replyMsg)
	default:
		c.completeWaiter(msg)
		c.stream.Publish(msg)
	}
}

// ensureContext returns ctx, or context.Background() when ctx is nil; a small
// helper so call sites read cleanly.
func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
