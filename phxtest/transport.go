package phxtest

import (
	"context"
	"sync"

	"github.com/braverhealth/phoenix-socket-go"
)

// FakeTransport is an in-memory phxsocket.Transport double: Connect
// succeeds or fails as scripted, Send records frames for assertions, and
// Inject/InjectError/Close simulate server activity.
type FakeTransport struct {
	connectErr error

	mu        sync.Mutex
	sent      []phxsocket.Frame
	messages  chan phxsocket.Frame
	errors    chan error
	closed    chan phxsocket.CloseInfo
	closeOnce sync.Once
}

// NewFakeTransport returns a FakeTransport whose Connect always succeeds.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		messages: make(chan phxsocket.Frame, 64),
		errors:   make(chan error, 16),
		closed:   make(chan phxsocket.CloseInfo, 1),
	}
}

// NewFailingTransport returns a FakeTransport whose Connect always fails
// with err, for exercising the reconnect loop's error path.
func NewFailingTransport(err error) *FakeTransport {
	t := NewFakeTransport()
	t.connectErr = err
	return t
}

func (t *FakeTransport) Connect(ctx context.Context) error { return t.connectErr }

// Send records frame and returns nil; inspect with SentFrames.
func (t *FakeTransport) Send(ctx context.Context, frame phxsocket.Frame) error {
	t.mu.Lock()
	t.sent = append(t.sent, frame)
	t.mu.Unlock()
	return nil
}

func (t *FakeTransport) Messages() <-chan phxsocket.Frame { return t.messages }
func (t *FakeTransport) Errors() <-chan error             { return t.errors }
func (t *FakeTransport) Closed() <-chan phxsocket.CloseInfo { return t.closed }

// Close simulates the transport closing for the given code/reason. Safe to
// call multiple times; only the first call is observed.
func (t *FakeTransport) Close(code int, reason string) error {
	t.emitClosed(phxsocket.CloseInfo{Code: code, Reason: reason})
	return nil
}

// Inject delivers frame as if it arrived from the peer.
func (t *FakeTransport) Inject(frame phxsocket.Frame) {
	t.messages <- frame
}

// InjectError delivers err on the transport's error channel.
func (t *FakeTransport) InjectError(err error) {
	t.errors <- err
}

// SentFrames returns a snapshot of every frame passed to Send, in order.
func (t *FakeTransport) SentFrames() []phxsocket.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]phxsocket.Frame, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *FakeTransport) emitClosed(info phxsocket.CloseInfo) {
	t.closeOnce.Do(func() {
		t.closed <- info
		close(t.closed)
	})
}

// NewQueuedFactory returns a phxsocket.TransportFactory that hands out the
// given transports in order, one per call, and reuses the last one once the
// queue is exhausted — useful for scripting "fails twice then succeeds"
// reconnect scenarios.
func NewQueuedFactory(transports ...*FakeTransport) phxsocket.TransportFactory {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, url string) (phxsocket.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(transports) == 0 {
			return NewFakeTransport(), nil
		}
		t := transports[i]
		if i < len(transports)-1 {
			i++
		}
		return t, nil
	}
}
