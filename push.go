package phxsocket

import (
	"context"
	"sync"
	"time"
)

// Push represents a single outbound channel message awaiting a reply, per
// spec §4.5: it owns its own ref, its own timeout timer, and a status-keyed
// callback multimap that Channel.Join/Leave/Push hand back to callers.
type Push struct {
	channel   *Channel
	event     Event
	payloadFn func() any

	mu         sync.Mutex
	timeout    time.Duration
	ref        *string
	replyEvent Event
	sent       bool
	received   *PushResponse
	timer      Timer
	callbacks  map[string][]func(PushResponse)
	fut        *future[PushResponse]

	clock  Clock
	logger Logger
}

func newPush(channel *Channel, event Event, payloadFn func() any, timeout time.Duration) *Push {
	return &Push{
		channel:   channel,
		event:     event,
		payloadFn: payloadFn,
		timeout:   timeout,
		callbacks: make(map[string][]func(PushResponse)),
		fut:       newFuture[PushResponse](channel.socket.logger),
		clock:     channel.socket.clock,
		logger:    channel.socket.logger,
	}
}

// Ref returns the ref assigned at Send time, or nil if not yet sent.
func (p *Push) Ref() *string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

func (p *Push) setTimeout(d time.Duration) {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// Reset clears any prior reply/ref so the push can be sent again, for the
// join-push's retry-after-error and retry-after-timeout paths in spec §4.4.
func (p *Push) Reset() {
	p.mu.Lock()
	p.cancelTimeoutLocked()
	p.sent = false
	p.received = nil
	p.ref = nil
	p.replyEvent = ""
	p.fut = newFuture[PushResponse](p.logger)
	p.mu.Unlock()
}

func (p *Push) cancelTimeoutLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Send assigns a ref (idempotently — a second call while already sent is a
// no-op), registers the channel-level waiter for its reply, serializes and
// hands the message to the socket's connection manager, and arms the
// timeout timer.
func (p *Push) Send() *Push {
	p.mu.Lock()
	if p.sent {
		p.mu.Unlock()
		return p
	}
	ref := p.channel.socket.NextRef()
	p.ref = &ref
	p.replyEvent = ChanReplyEvent(ref)
	p.sent = true
	timeout := p.timeout
	p.mu.Unlock()

	waitFut := p.channel.awaitEvent(p.replyEvent)
	go p.awaitReply(waitFut)

	var joinRef *string
	if p.event == EventPhxJoin {
		joinRef = &ref
	} else if jr := p.channel.JoinRef(); jr != "" {
		joinRef = &jr
	}

	msg := Message{
		JoinRef: joinRef,
		Ref:     &ref,
		Topic:   p.channel.topic,
		Event:   p.event,
		Payload: p.payloadFn(),
	}

	p.mu.Lock()
	p.cancelTimeoutLocked()
	p.timer = p.clock.AfterFunc(timeout, func() { p.handleLocalTimeout(ref) })
	p.mu.Unlock()

	go p.transmit(msg)
	return p
}

func (p *Push) transmit(msg Message) {
	frame, err := p.channel.socket.ser.Encode(msg)
	if err != nil {
		p.channel.cancelWait(p.replyEvent)
		p.trigger(PushResponse{Status: "error", Response: err.Error()})
		return
	}
	if err := p.channel.socket.manager.AddMessage(context.Background(), frame); err != nil {
		p.channel.cancelWait(p.replyEvent)
		p.trigger(PushResponse{Status: "error", Response: err.Error()})
	}
}

// Resend cancels any prior state and re-sends with an optional new timeout.
func (p *Push) Resend(newTimeout time.Duration) *Push {
	if newTimeout != 0 {
		p.setTimeout(newTimeout)
	}
	p.Reset()
	return p.Send()
}

func (p *Push) handleLocalTimeout(ref string) {
	p.channel.dispatchTimeout(TimeoutFor(ref))
}

func (p *Push) awaitReply(f *future[Message]) {
	msg, err := f.Wait(context.Background())
	p.mu.Lock()
	p.cancelTimeoutLocked()
	p.mu.Unlock()
	if err != nil {
		return // channel closed out from under the waiter
	}
	resp, ok := msg.Payload.(PushResponse)
	if !ok {
		resp = PushResponse{Status: "error", Response: msg.Payload}
	}
	p.trigger(resp)
}

// OnReply registers cb to run when a reply with the given status arrives. If
// a matching reply has already been received, cb fires immediately.
func (p *Push) OnReply(status string, cb func(PushResponse)) *Push {
	p.mu.Lock()
	if p.received != nil && p.received.Status == status {
		received := *p.received
		p.mu.Unlock()
		cb(received)
		return p
	}
	p.callbacks[status] = append(p.callbacks[status], cb)
	p.mu.Unlock()
	return p
}

func (p *Push) trigger(resp PushResponse) {
	p.mu.Lock()
	p.received = &resp
	cbs := append([]func(PushResponse){}, p.callbacks[resp.Status]...)
	fut := p.fut
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(resp)
	}
	if resp.Status == "timeout" {
		fut.Complete(resp, &ChannelTimeoutError{Response: resp})
	} else {
		fut.Complete(resp, nil)
	}
}

// Response blocks for the push's terminal reply, translating a "timeout"
// status into a ChannelTimeoutError.
func (p *Push) Response(ctx context.Context) (PushResponse, error) {
	p.mu.Lock()
	fut := p.fut
	p.mu.Unlock()
	return fut.Wait(ctx)
}
