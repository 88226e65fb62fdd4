package phxsocket

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braverhealth/phoenix-socket-go/phxtest"
)

func newTestManager(t *testing.T, factory TransportFactory, delays []time.Duration) (*ConnectionManager, chan TransportState) {
	t.Helper()
	states := make(chan TransportState, 64)
	m, err := NewConnectionManager(ConnectionManagerConfig{
		URL:             "ws://example.invalid/socket",
		Factory:         factory,
		Clock:           NewRealClock(),
		ReconnectDelays: delays,
		OnStateChange:   func(s TransportState) { states <- s },
	})
	require.NoError(t, err)
	return m, states
}

func TestConnectionManagerConnectsAndPublishesConnected(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	m, states := newTestManager(t, phxtest.NewQueuedFactory(ft), []time.Duration{0})

	require.NoError(t, m.Start(true))

	select {
	case s := <-states:
		assert.True(t, s.IsConnected())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Connected")
	}
}

func TestConnectionManagerRejectsEmptyDelays(t *testing.T) {
	_, err := NewConnectionManager(ConnectionManagerConfig{URL: "ws://x", Factory: phxtest.NewQueuedFactory(phxtest.NewFakeTransport())})
	assert.ErrorIs(t, err, ErrNoReconnectDelays)
}

func TestConnectionManagerRetriesOnDialFailure(t *testing.T) {
	failing := phxtest.NewFailingTransport(errors.New("dial refused"))
	ok := phxtest.NewFakeTransport()
	m, states := newTestManager(t, phxtest.NewQueuedFactory(failing, ok), []time.Duration{0, 0})

	require.NoError(t, m.Start(true))

	select {
	case s := <-states:
		assert.True(t, s.IsConnected())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eventual Connected after a failed attempt")
	}
}

func TestConnectionManagerDisposeFailsFurtherOperations(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	m, _ := newTestManager(t, phxtest.NewQueuedFactory(ft), []time.Duration{0})
	require.NoError(t, m.Start(true))
	time.Sleep(20 * time.Millisecond)

	m.Dispose(1000, "normal closure")

	assert.ErrorIs(t, m.Start(false), ErrManagerDisposed)
	assert.ErrorIs(t, m.Reconnect(1000, "x", false), ErrManagerDisposed)
}

func TestConnectionManagerAddMessageWaitsForConnection(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	m, _ := newTestManager(t, phxtest.NewQueuedFactory(ft), []time.Duration{0})

	done := make(chan error, 1)
	go func() {
		done <- m.AddMessage(context.Background(), Frame{Data: []byte("hi")})
	}()

	require.NoError(t, m.Start(true))

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.Len(t, ft.SentFrames(), 1)
	case <-time.After(time.Second):
		t.Fatal("AddMessage never unblocked after connecting")
	}
}

func TestConnectionManagerStopSuppressesReconnectUntilResumed(t *testing.T) {
	ft := phxtest.NewFakeTransport()
	m, states := newTestManager(t, phxtest.NewQueuedFactory(ft), []time.Duration{0})
	require.NoError(t, m.Start(true))
	<-states // Connected

	require.NoError(t, m.Stop(1000, "stopping"))

	select {
	case s := <-states:
		assert.True(t, s.IsDisconnected())
	case <-time.After(time.Second):
		t.Fatal("expected a Disconnected transition after Stop")
	}

	select {
	case <-states:
		t.Fatal("manager should not reconnect while stopped")
	case <-time.After(50 * time.Millisecond):
	}
}
