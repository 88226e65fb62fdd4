package phxsocket

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Socket sits atop the ConnectionManager: it serializes/deserializes
// messages, allocates refs, tracks pending replies, drives heartbeats,
// routes inbound frames to per-topic streams, and owns the channel
// registry, per spec §4.3.
type Socket struct {
	endpoint string
	opts     Options
	logger   Logger
	clock    Clock
	ser      Serializer
	manager  *ConnectionManager
	refs     refCounter

	mu       sync.Mutex
	disposed bool
	pending  map[string]*future[Message]
	channels map[string]*Channel
	topics   map[string]*broadcaster[Message]

	latestHeartbeatRef *string
	heartbeatTimer     Timer

	openStream  *broadcaster[struct{}]
	closeStream *broadcaster[PhoenixSocketCloseEvent]
	errorStream *broadcaster[error]
	msgStream   *broadcaster[Message]
}

// NewSocket constructs a Socket for endpoint. The socket does not connect
// until Connect is called.
func NewSocket(endpoint string, opts Options) (*Socket, error) {
	if len(opts.ReconnectDelays) == 0 {
		return nil, ErrNoReconnectDelays
	}
	opts = opts.withDefaults()
	if opts.TransportFactory == nil {
		return nil, fmt.Errorf("phxsocket: Options.TransportFactory is required")
	}

	s := &Socket{
		endpoint:    endpoint,
		opts:        opts,
		logger:      opts.Logger,
		clock:       opts.Clock,
		ser:         opts.Serializer,
		pending:     make(map[string]*future[Message]),
		channels:    make(map[string]*Channel),
		topics:      make(map[string]*broadcaster[Message]),
		openStream:  newBroadcaster[struct{}](),
		closeStream: newBroadcaster[PhoenixSocketCloseEvent](),
		errorStream: newBroadcaster[error](),
		msgStream:   newBroadcaster[Message](),
	}

	factory := func(ctx context.Context, _ string) (Transport, error) {
		url, err := buildURL(ctx, endpoint, opts)
		if err != nil {
			return nil, err
		}
		return opts.TransportFactory(ctx, url)
	}

	manager, err := NewConnectionManager(ConnectionManagerConfig{
		URL:             endpoint,
		Factory:         factory,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
		ReconnectDelays: opts.ReconnectDelays,
		OnStateChange:   s.onTransportStateChange,
		OnMessage:       s.onTransportFrame,
		OnError:         s.onTransportError,
	})
	if err != nil {
		return nil, err
	}
	s.manager = manager
	return s, nil
}

// Connect opens the socket. Per spec §9 open question (a), calling Connect
// while a reconnect delay is already active does not error; it returns nil
// and leaves the existing attempt to fire after its delay (Start's
// non-immediate path).
func (s *Socket) Connect() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSocketDisposed
	}
	s.mu.Unlock()
	return s.manager.Start(false)
}

// NextRef allocates the next monotonically increasing ref.
func (s *Socket) NextRef() string { return s.refs.next() }

// AddChannel returns the existing Channel for topic if one is registered,
// otherwise constructs and registers a new one.
func (s *Socket) AddChannel(topic string, params map[string]any, timeout time.Duration) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		return ch
	}
	if timeout == 0 {
		timeout = s.opts.Timeout
	}
	ch := newChannel(s, topic, params, timeout)
	s.channels[topic] = ch
	s.subscribeChannelLocked(ch)
	return ch
}

// subscribeChannelLocked wires the channel to receive every frame routed to
// its topic. Must be called with s.mu held.
func (s *Socket) subscribeChannelLocked(ch *Channel) {
	stream := s.topicBroadcasterLocked(ch.topic)
	out, cancel := stream.Subscribe()
	ch.setStreamCancel(cancel)
	go func() {
		for msg := range out {
			ch.handleInbound(msg)
		}
	}()
}

func (s *Socket) topicBroadcasterLocked(topic string) *broadcaster[Message] {
	b, ok := s.topics[topic]
	if !ok {
		b = newBroadcaster[Message]()
		s.topics[topic] = b
	}
	return b
}

// RemoveChannel drops ch from the registry and tears down its topic stream.
func (s *Socket) RemoveChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.channels[ch.topic]; !ok || existing != ch {
		return
	}
	delete(s.channels, ch.topic)
	if b, ok := s.topics[ch.topic]; ok {
		b.Close()
		delete(s.topics, ch.topic)
	}
}

// StreamForTopic returns the broadcast stream of raw decoded Messages routed
// to topic, creating the topic's broadcaster if it doesn't exist yet.
func (s *Socket) StreamForTopic(topic string) (<-chan Message, func()) {
	s.mu.Lock()
	b := s.topicBroadcasterLocked(topic)
	s.mu.Unlock()
	return b.Subscribe()
}

// OpenStream, CloseStream, ErrorStream, and MessageStream are the three
// observable streams named in spec §6, plus the socket-wide message stream.
func (s *Socket) OpenStream() (<-chan struct{}, func())                   { return s.openStream.Subscribe() }
func (s *Socket) CloseStream() (<-chan PhoenixSocketCloseEvent, func())   { return s.closeStream.Subscribe() }
func (s *Socket) ErrorStream() (<-chan error, func())                     { return s.errorStream.Subscribe() }
func (s *Socket) MessageStream() (<-chan Message, func())                 { return s.msgStream.Subscribe() }

// IsConnected reports whether the connection manager currently has a live
// transport published.
func (s *Socket) IsConnected() bool {
	state, ok := s.manager.State()
	return ok && state.IsConnected()
}

func (s *Socket) isConnected() bool { return s.IsConnected() }

// WaitForMessage registers a one-shot wait for the next inbound message
// bearing ref, independent of any Channel.
func (s *Socket) WaitForMessage(ref string) *future[Message] {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := newFuture[Message](s.logger)
	s.pending[ref] = f
	return f
}

// SendMessage serializes m (which must carry a non-nil Ref), hands it to the
// connection manager, and registers a pending-reply token keyed on the ref.
func (s *Socket) SendMessage(ctx context.Context, m Message) (*future[Message], error) {
	if m.Ref == nil {
		return nil, fmt.Errorf("phxsocket: SendMessage requires a non-nil ref")
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrSocketDisposed
	}
	f, exists := s.pending[*m.Ref]
	if !exists {
		f = newFuture[Message](s.logger)
		s.pending[*m.Ref] = f
	}
	s.mu.Unlock()

	frame, err := s.ser.Encode(m)
	if err != nil {
		s.mu.Lock()
		delete(s.pending, *m.Ref)
		s.mu.Unlock()
		f.Complete(Message{}, err)
		return f, err
	}

	if m.Event != EventHeartbeat {
		s.rescheduleHeartbeat()
	}

	go func() {
		if err := s.manager.AddMessage(ctx, frame); err != nil {
			s.mu.Lock()
			delete(s.pending, *m.Ref)
			s.mu.Unlock()
			f.Complete(Message{}, err)
		}
	}()
	return f, nil
}

// onTransportFrame is the ConnectionManager callback for inbound frames. It
// is only ever invoked for frames from the currently-published transport
// (obsolete attempts are filtered upstream); this method further drops
// frames observed after the transport has stopped being Connected, per
// spec §4.3's receive-path filter.
func (s *Socket) onTransportFrame(frame Frame) {
	if !s.IsConnected() {
		return
	}
	msg, err := s.ser.Decode(frame)
	if err != nil {
		s.logger.Errorf("phxsocket: failed to decode inbound frame: %v", err)
		return
	}

	s.mu.Lock()
	s.latestHeartbeatRef = nil // any received frame counts as liveness
	var pendingFuture *future[Message]
	if msg.Ref != nil {
		if f, ok := s.pending[*msg.Ref]; ok {
			pendingFuture = f
			delete(s.pending, *msg.Ref)
		}
	}
	var topicBroadcaster *broadcaster[Message]
	if msg.Topic != "" {
		topicBroadcaster = s.topics[msg.Topic]
	}
	s.mu.Unlock()

	if pendingFuture != nil {
		pendingFuture.Complete(msg, nil)
	}
	s.msgStream.Publish(msg)
	if topicBroadcaster != nil {
		topicBroadcaster.Publish(msg)
	}
}

func (s *Socket) onTransportStateChange(state TransportState) {
	switch {
	case state.IsConnected():
		s.openStream.Publish(struct{}{})
		s.startHeartbeat()
		s.mu.Lock()
		channels := make([]*Channel, 0, len(s.channels))
		for _, ch := range s.channels {
			channels = append(channels, ch)
		}
		s.mu.Unlock()
		for _, ch := range channels {
			ch.onSocketReopen()
		}
	case state.IsDisconnected():
		s.stopHeartbeat()
		s.closeStream.Publish(PhoenixSocketCloseEvent{Code: state.Code, Reason: state.Reason})
		s.failAllPending(&PhoenixSocketCloseEvent{Code: state.Code, Reason: state.Reason})
		s.triggerAllChannelsError(&PhoenixSocketCloseEvent{Code: state.Code, Reason: state.Reason})
	}
}

func (s *Socket) onTransportError(err error) {
	s.errorStream.Publish(err)
	s.failAllPending(err)
	s.triggerAllChannelsError(err)
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if !disposed {
		_ = s.manager.Reconnect(codeProtocolError, "protocol error", false)
	}
}

func (s *Socket) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]*future[Message])
	s.mu.Unlock()
	for _, f := range pending {
		f.Complete(Message{}, err)
	}
}

func (s *Socket) triggerAllChannelsError(err error) {
	s.mu.Lock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()
	for _, ch := range channels {
		ch.TriggerError(err)
	}
}

// startHeartbeat begins the heartbeat cycle described in spec §4.3.
func (s *Socket) startHeartbeat() {
	s.sendHeartbeat()
}

func (s *Socket) sendHeartbeat() {
	ref := s.NextRef()
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.latestHeartbeatRef = &ref
	s.mu.Unlock()

	_, _ = s.SendMessage(context.Background(), Heartbeat(ref))

	s.mu.Lock()
	s.heartbeatTimer = s.clock.AfterFunc(s.opts.Heartbeat, s.onHeartbeatTick)
	s.mu.Unlock()
}

func (s *Socket) onHeartbeatTick() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	ref := s.latestHeartbeatRef
	s.mu.Unlock()

	if ref != nil {
		s.mu.Lock()
		f, ok := s.pending[*ref]
		if ok {
			delete(s.pending, *ref)
		}
		s.mu.Unlock()
		if ok {
			f.Complete(Message{}, &HeartbeatFailedError{})
		}
		s.logger.Warnf("phxsocket: heartbeat timed out")
		_ = s.manager.Reconnect(CodeHeartbeatTimedOut, "heartbeat timeout", false)
		return
	}
	s.sendHeartbeat()
}

// rescheduleHeartbeat pushes the next heartbeat tick out by Options.Heartbeat,
// conserving bandwidth: every non-heartbeat send counts as a fresh tick.
func (s *Socket) rescheduleHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Reset(s.opts.Heartbeat)
	}
}

func (s *Socket) stopHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
		s.heartbeatTimer = nil
	}
	s.latestHeartbeatRef = nil
}

// Close asks the connection manager to either stop (no reconnect) or
// stop-then-start, per spec §4.3.
func (s *Socket) Close(code int, reason string, reconnect bool) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSocketDisposed
	}
	s.mu.Unlock()
	if reconnect {
		return s.manager.Reconnect(code, reason, false)
	}
	return s.manager.Stop(code, reason)
}

// Dispose is terminal: cancels subscriptions, fails every pending reply,
// closes all channels, and closes the transport.
func (s *Socket) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]*Channel)
	pending := s.pending
	s.pending = make(map[string]*future[Message])
	topics := s.topics
	s.topics = make(map[string]*broadcaster[Message])
	s.mu.Unlock()

	s.stopHeartbeat()
	for _, f := range pending {
		f.Complete(Message{}, ErrSocketDisposed)
	}
	for _, ch := range channels {
		ch.Close()
	}
	for _, b := range topics {
		b.Close()
	}
	s.manager.Dispose(codeNormalClosure, "socket disposed")
	s.openStream.Close()
	s.closeStream.Close()
	s.errorStream.Close()
	s.msgStream.Close()
}
