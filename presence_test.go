package phxsocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braverhealth/phoenix-socket-go/phxtest"
)

func joinedTestChannel(t *testing.T, topic string) (*Socket, *Channel, *phxtest.FakeTransport) {
	t.Helper()
	ft := phxtest.NewFakeTransport()
	vc := phxtest.NewVirtualClock(time.Unix(0, 0))
	s := connectedTestSocket(t, ft, vc)
	ch := s.AddChannel(topic, map[string]any{}, time.Second)
	joinPush := ch.Join(0)
	ref := joinPush.Ref()
	require.NotNil(t, ref)
	injectReply(t, ft, *ref, *ref, topic, PushResponse{Status: "ok", Response: map[string]any{}})
	require.Eventually(t, func() bool { return ch.State() == ChannelJoined }, time.Second, time.Millisecond)
	return s, ch, ft
}

func injectPresence(t *testing.T, ft *phxtest.FakeTransport, topic string, event Event, payload any) {
	t.Helper()
	frame, err := NewJSONSerializer().Encode(Message{Topic: topic, Event: event, Payload: payload})
	require.NoError(t, err)
	ft.Inject(frame)
}

func TestPresenceInitialStateSnapshot(t *testing.T) {
	_, ch, ft := joinedTestChannel(t, "room:presence")
	pres := NewPresence(ch, PresenceConfig{})

	var syncCount int
	pres.OnSync(func() { syncCount++ })

	injectPresence(t, ft, "room:presence", EventPresenceState, map[string]any{
		"alice": map[string]any{"metas": []any{
			map[string]any{"phx_ref": "a1", "online_at": "100"},
		}},
	})

	require.Eventually(t, func() bool { return syncCount == 1 }, time.Second, time.Millisecond)

	state := pres.State()
	require.Contains(t, state, "alice")
	require.Len(t, state["alice"].Metas, 1)
	assert.Equal(t, "a1", state["alice"].Metas[0].phxRef())
}

func TestPresenceDiffJoinAndLeave(t *testing.T) {
	_, ch, ft := joinedTestChannel(t, "room:presence")
	pres := NewPresence(ch, PresenceConfig{})

	var joined, left []string
	pres.OnJoin(func(key string, _ *PresenceEntry, _ PresenceEntry) { joined = append(joined, key) })
	pres.OnLeave(func(key string, _ *PresenceEntry, _ PresenceEntry) { left = append(left, key) })

	injectPresence(t, ft, "room:presence", EventPresenceState, map[string]any{
		"alice": map[string]any{"metas": []any{map[string]any{"phx_ref": "a1"}}},
	})
	require.Eventually(t, func() bool { return len(pres.State()) == 1 }, time.Second, time.Millisecond)

	injectPresence(t, ft, "room:presence", EventPresenceDiff, map[string]any{
		"joins":  map[string]any{"bob": map[string]any{"metas": []any{map[string]any{"phx_ref": "b1"}}}},
		"leaves": map[string]any{"alice": map[string]any{"metas": []any{map[string]any{"phx_ref": "a1"}}}},
	})

	require.Eventually(t, func() bool {
		state := pres.State()
		_, hasBob := state["bob"]
		_, hasAlice := state["alice"]
		return hasBob && !hasAlice
	}, time.Second, time.Millisecond)

	assert.Contains(t, joined, "bob")
	assert.Contains(t, left, "alice")
}

func TestPresenceJoinDiffKeepsUnreplacedMetasAfterJoined(t *testing.T) {
	_, ch, ft := joinedTestChannel(t, "room:presence")
	pres := NewPresence(ch, PresenceConfig{})

	injectPresence(t, ft, "room:presence", EventPresenceState, map[string]any{
		"alice": map[string]any{"metas": []any{map[string]any{"phx_ref": "a1"}}},
	})
	require.Eventually(t, func() bool { return len(pres.State()) == 1 }, time.Second, time.Millisecond)

	injectPresence(t, ft, "room:presence", EventPresenceDiff, map[string]any{
		"joins":  map[string]any{"alice": map[string]any{"metas": []any{map[string]any{"phx_ref": "a2"}}}},
		"leaves": map[string]any{},
	})

	require.Eventually(t, func() bool { return len(pres.State()["alice"].Metas) == 2 }, time.Second, time.Millisecond)
	metas := pres.State()["alice"].Metas
	assert.Equal(t, "a2", metas[0].phxRef())
	assert.Equal(t, "a1", metas[1].phxRef())
}
