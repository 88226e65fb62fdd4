package phxsocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braverhealth/phoenix-socket-go/phxtest"
)

func connectedTestSocket(t *testing.T, ft *phxtest.FakeTransport, vc *phxtest.VirtualClock) *Socket {
	t.Helper()
	s := newTestSocket(t, ft, vc, time.Hour) // interval long enough that no heartbeat tick fires during these tests
	require.NoError(t, s.Connect())
	// The connect loop arms its zero-delay attempt timer on its own goroutine,
	// so keep firing due timers until that attempt has run.
	require.Eventually(t, func() bool { vc.Advance(0); return s.IsConnected() }, time.Second, time.Millisecond, "socket never connected")
	return s
}

func injectReply(t *testing.T, ft *phxtest.FakeTransport, joinRef, ref, topic string, resp PushResponse) {
	t.Helper()
	msg := Message{JoinRef: &joinRef, Ref: &ref, Topic: topic, Event: EventPhxReply, Payload: resp}
	frame, err := NewJSONSerializer().Encode(msg)
	require.NoError(t, err)
	ft.Inject(frame)
}

func TestChannelJoinSuccessFlushesBuffer(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := connectedTestSocket(t, ft, vc)

	ch := s.AddChannel("room:lobby", map[string]any{}, time.Second)
	joinPush := ch.Join(0)
	ref := joinPush.Ref()
	require.NotNil(t, ref)

	// Pushed while still joining: must buffer, not send yet.
	buffered, err := ch.Push("say", map[string]any{"body": "hi"}, time.Second)
	require.NoError(t, err)

	injectReply(t, ft, *ref, *ref, "room:lobby", PushResponse{Status: "ok", Response: map[string]any{}})

	require.Eventually(t, func() bool { return ch.State() == ChannelJoined }, time.Second, time.Millisecond)

	// The join reply flushes the buffered push with a fresh ref; answer it.
	require.Eventually(t, func() bool {
		for _, f := range ft.SentFrames() {
			if m, err := NewJSONSerializer().Decode(f); err == nil && m.Event == "say" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "buffered push was never flushed")
	injectReply(t, ft, *ref, *buffered.Ref(), "room:lobby", PushResponse{Status: "ok", Response: map[string]any{}})

	resp, err := buffered.Response(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
}

func TestChannelJoinErrorKeepsChannelErrored(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := connectedTestSocket(t, ft, vc)

	ch := s.AddChannel("room:restricted", map[string]any{}, time.Second)
	joinPush := ch.Join(0)
	ref := joinPush.Ref()
	require.NotNil(t, ref)

	injectReply(t, ft, *ref, *ref, "room:restricted", PushResponse{Status: "error", Response: map[string]any{"reason": "unauthorized"}})

	require.Eventually(t, func() bool { return ch.State() == ChannelErrored }, time.Second, time.Millisecond)
}

func TestChannelPushTimeoutWithoutReply(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := connectedTestSocket(t, ft, vc)

	ch := s.AddChannel("room:lobby", map[string]any{}, time.Second)
	joinPush := ch.Join(0)
	ref := joinPush.Ref()
	require.NotNil(t, ref)
	injectReply(t, ft, *ref, *ref, "room:lobby", PushResponse{Status: "ok", Response: map[string]any{}})
	require.Eventually(t, func() bool { return ch.State() == ChannelJoined }, time.Second, time.Millisecond)

	push, err := ch.Push("slow_event", map[string]any{}, 10*time.Millisecond)
	require.NoError(t, err)

	vc.Advance(10 * time.Millisecond)

	_, err = push.Response(context.Background())
	var timeoutErr *ChannelTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestChannelDropsStaleReservedFrame(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := connectedTestSocket(t, ft, vc)

	ch := s.AddChannel("room:lobby", map[string]any{}, time.Second)
	joinPush := ch.Join(0)
	ref := joinPush.Ref()
	require.NotNil(t, ref)
	injectReply(t, ft, *ref, *ref, "room:lobby", PushResponse{Status: "ok", Response: map[string]any{}})
	require.Eventually(t, func() bool { return ch.State() == ChannelJoined }, time.Second, time.Millisecond)

	staleJoinRef := "not-the-current-join-ref"
	frame, err := NewJSONSerializer().Encode(Message{
		JoinRef: &staleJoinRef,
		Topic:   "room:lobby",
		Event:   EventPhxError,
		Payload: map[string]any{},
	})
	require.NoError(t, err)
	ft.Inject(frame)

	// Give the stale frame a chance to be (wrongly) processed, then assert it wasn't.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ChannelJoined, ch.State())
}

func TestChannelLeaveClosesChannel(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := connectedTestSocket(t, ft, vc)

	ch := s.AddChannel("room:lobby", map[string]any{}, time.Second)
	joinPush := ch.Join(0)
	ref := joinPush.Ref()
	require.NotNil(t, ref)
	injectReply(t, ft, *ref, *ref, "room:lobby", PushResponse{Status: "ok", Response: map[string]any{}})
	require.Eventually(t, func() bool { return ch.State() == ChannelJoined }, time.Second, time.Millisecond)

	leavePush := ch.Leave(0)
	leaveRef := leavePush.Ref()
	require.NotNil(t, leaveRef)
	injectReply(t, ft, *ref, *leaveRef, "room:lobby", PushResponse{Status: "ok", Response: map[string]any{}})

	require.Eventually(t, func() bool { return ch.State() == ChannelClosed }, time.Second, time.Millisecond)
}

func TestChannelLeaveClosesImmediatelyWhenDisconnected(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := connectedTestSocket(t, ft, vc)

	ch := s.AddChannel("room:lobby", map[string]any{}, time.Second)
	joinPush := ch.Join(0)
	ref := joinPush.Ref()
	require.NotNil(t, ref)
	injectReply(t, ft, *ref, *ref, "room:lobby", PushResponse{Status: "ok", Response: map[string]any{}})
	require.Eventually(t, func() bool { return ch.State() == ChannelJoined }, time.Second, time.Millisecond)

	require.NoError(t, s.Close(1000, "going away", false))
	require.Eventually(t, func() bool { return !s.IsConnected() }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		ch.Leave(0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Leave blocked instead of closing immediately while disconnected")
	}
	assert.Equal(t, ChannelClosed, ch.State())
}

func TestChannelTriggerErrorForceClosesLeavingChannel(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := connectedTestSocket(t, ft, vc)

	ch := s.AddChannel("room:lobby", map[string]any{}, time.Second)
	joinPush := ch.Join(0)
	ref := joinPush.Ref()
	require.NotNil(t, ref)
	injectReply(t, ft, *ref, *ref, "room:lobby", PushResponse{Status: "ok", Response: map[string]any{}})
	require.Eventually(t, func() bool { return ch.State() == ChannelJoined }, time.Second, time.Millisecond)

	// Leave while still connected, so it waits on a reply, then drop the
	// socket mid-leave: TriggerError must force-close rather than strand
	// the channel in ChannelLeaving forever.
	ch.Leave(0)
	require.Eventually(t, func() bool { return ch.State() == ChannelLeaving }, time.Second, time.Millisecond)

	ch.TriggerError(ErrNotConnected)

	require.Eventually(t, func() bool { return ch.State() == ChannelClosed }, time.Second, time.Millisecond)
}

func TestChannelPushBeforeAnyJoinFails(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := connectedTestSocket(t, ft, vc)

	ch := s.AddChannel("room:lobby", map[string]any{}, time.Second)
	_, err := ch.Push("say", map[string]any{}, 0)
	assert.ErrorIs(t, err, ErrChannelClosed)
}
