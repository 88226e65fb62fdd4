package phxsocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braverhealth/phoenix-socket-go/phxtest"
)

func newTestSocket(t *testing.T, ft *phxtest.FakeTransport, clock Clock, heartbeat time.Duration) *Socket {
	t.Helper()
	s, err := NewSocket("ws://example.invalid/socket", Options{
		ReconnectDelays:  []time.Duration{0},
		Heartbeat:        heartbeat,
		Clock:            clock,
		TransportFactory: phxtest.NewQueuedFactory(ft),
	})
	require.NoError(t, err)
	return s
}

func TestSocketConnectPublishesOpen(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := newTestSocket(t, ft, vc, time.Hour)

	openCh, cancel := s.OpenStream()
	defer cancel()

	require.NoError(t, s.Connect())
	// The connect loop arms its zero-delay attempt timer on its own goroutine,
	// so keep firing due timers until that attempt has run.
	require.Eventually(t, func() bool { vc.Advance(0); return s.IsConnected() }, time.Second, time.Millisecond)

	select {
	case <-openCh:
	case <-time.After(time.Second):
		t.Fatal("socket never published open")
	}
	assert.True(t, s.IsConnected())
}

func TestSocketNextRefIsMonotonic(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	s := newTestSocket(t, ft, NewRealClock(), time.Hour)

	a := s.NextRef()
	b := s.NextRef()
	c := s.NextRef()
	assert.Equal(t, []string{"0", "1", "2"}, []string{a, b, c})
}

func TestSocketSendMessageCompletesOnMatchingReply(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := newTestSocket(t, ft, vc, time.Hour)

	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool { vc.Advance(0); return s.IsConnected() }, time.Second, time.Millisecond)

	ref := s.NextRef()
	fut, err := s.SendMessage(context.Background(), Message{
		Ref:     &ref,
		Topic:   "room:lobby",
		Event:   "ping",
		Payload: map[string]any{},
	})
	require.NoError(t, err)

	ser := NewJSONSerializer()
	replyFrame, err := ser.Encode(Message{
		Ref:     &ref,
		Topic:   "room:lobby",
		Event:   EventPhxReply,
		Payload: PushResponse{Status: "ok", Response: map[string]any{}},
	})
	require.NoError(t, err)
	ft.Inject(replyFrame)

	msg, err := fut.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ref, *msg.Ref)
}

func TestSocketHeartbeatTimeoutClosesSocket(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := newTestSocket(t, ft, vc, 20*time.Millisecond)

	closeCh, cancel := s.CloseStream()
	defer cancel()

	require.NoError(t, s.Connect())
	require.Eventually(t, func() bool {
		vc.Advance(0)
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.heartbeatTimer != nil
	}, time.Second, time.Millisecond, "heartbeat never armed")

	// No reply to the initial heartbeat arrives; the next tick must observe
	// the stale ref and force a reconnect.
	vc.Advance(20 * time.Millisecond)

	select {
	case ev := <-closeCh:
		assert.Equal(t, CodeHeartbeatTimedOut, ev.Code)
	case <-time.After(time.Second):
		t.Fatal("expected a close event after heartbeat timeout")
	}
}

func TestSocketDisposeRejectsFurtherConnect(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	s := newTestSocket(t, ft, NewRealClock(), time.Hour)

	s.Dispose()
	assert.ErrorIs(t, s.Connect(), ErrSocketDisposed)
}

func TestSocketAddChannelReturnsSameInstanceForTopic(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	s := newTestSocket(t, ft, NewRealClock(), time.Hour)

	c1 := s.AddChannel("room:lobby", nil, 0)
	c2 := s.AddChannel("room:lobby", nil, 0)
	assert.Same(t, c1, c2)
}
