package phxsocket

import (
	"context"
	"sync"
	"time"
)

// Custom close codes reserved by this client, per spec §4.2.
const (
	CodeHeartbeatTimedOut           = 4001
	CodeForcedReconnectionRequested = 4002
	codeNormalClosure               = 1000
	codeProtocolError               = 1002
)

// ConnectionManager is the single source of truth for "do we have a live
// transport?". It serializes start/reconnect/dispose and drives the
// reconnect loop described in spec §4.2, filtering out any callback that
// originates from a superseded connection attempt.
type ConnectionManager struct {
	url     string
	factory TransportFactory
	clock   Clock
	logger  Logger
	delays  []time.Duration

	onStateChange func(TransportState)
	onMessage     func(Frame)
	onError       func(error)

	mu               sync.Mutex
	disposed         bool
	attempts         int
	curAttempt       *connectionAttempt
	transport        Transport
	transportAttempt *connectionAttempt
	lastState        TransportState
	hasLastState     bool
	loopActive       bool
	connSignal       chan struct{}
	stopped          bool
}

// ConnectionManagerConfig bundles ConnectionManager's construction
// dependencies.
type ConnectionManagerConfig struct {
	URL             string
	Factory         TransportFactory
	Clock           Clock
	Logger          Logger
	ReconnectDelays []time.Duration
	OnStateChange   func(TransportState)
	OnMessage       func(Frame)
	OnError         func(error)
}

// NewConnectionManager constructs a ConnectionManager. It does not begin
// connecting; call Start to do that.
func NewConnectionManager(cfg ConnectionManagerConfig) (*ConnectionManager, error) {
	if len(cfg.ReconnectDelays) == 0 {
		return nil, ErrNoReconnectDelays
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &ConnectionManager{
		url:           cfg.URL,
		factory:       cfg.Factory,
		clock:         cfg.Clock,
		logger:        logger,
		delays:        cfg.ReconnectDelays,
		onStateChange: nilSafeState(cfg.OnStateChange),
		onMessage:     nilSafeFrame(cfg.OnMessage),
		onError:       nilSafeErr(cfg.OnError),
		connSignal:    make(chan struct{}),
	}, nil
}

func nilSafeState(f func(TransportState)) func(TransportState) {
	if f != nil {
		return f
	}
	return func(TransportState) {}
}
func nilSafeFrame(f func(Frame)) func(Frame) {
	if f != nil {
		return f
	}
	return func(Frame) {}
}
func nilSafeErr(f func(error)) func(error) {
	if f != nil {
		return f
	}
	return func(error) {}
}

// Start begins (or nudges) a connection attempt, per spec §4.2.
//
//   - If a current attempt is still in its delay window and immediate is
//     true, its delay is collapsed so the callback runs right away.
//   - If already connected or connecting, Start does nothing.
//   - Otherwise a reconnect cycle begins with code CodeForcedReconnectionRequested.
func (m *ConnectionManager) Start(immediate bool) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrManagerDisposed
	}
	m.stopped = false
	if m.curAttempt != nil && !m.curAttempt.delayResolved() {
		attempt := m.curAttempt
		m.mu.Unlock()
		if immediate {
			attempt.skipDelay()
		}
		return nil
	}
	if m.hasLastState && (m.lastState.IsConnected() || m.loopActive) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.Reconnect(CodeForcedReconnectionRequested, "forced reconnection requested", immediate)
}

// Reconnect kicks off a new connect loop and, if currently connected, closes
// the live transport with the given code/reason first.
func (m *ConnectionManager) Reconnect(code int, reason string, immediate bool) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrManagerDisposed
	}
	m.stopped = false
	t := m.transport
	wasConnected := m.hasLastState && m.lastState.IsConnected()
	m.mu.Unlock()

	if wasConnected && t != nil {
		_ = t.Close(code, reason)
	}
	m.startConnectLoop()
	if immediate {
		m.mu.Lock()
		attempt := m.curAttempt
		m.mu.Unlock()
		if attempt != nil {
			attempt.skipDelay()
		}
	}
	return nil
}

// AddMessage ensures a connected transport, awaiting one if necessary, then
// sends the frame.
func (m *ConnectionManager) AddMessage(ctx context.Context, frame Frame) error {
	for {
		m.mu.Lock()
		if m.disposed {
			m.mu.Unlock()
			return ErrManagerDisposed
		}
		if m.hasLastState && m.lastState.IsConnected() && m.transport != nil {
			t := m.transport
			m.mu.Unlock()
			return t.Send(ctx, frame)
		}
		signal := m.connSignal
		m.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop closes the live transport (if any) with the given code/reason and
// suppresses automatic reconnection, without making the manager terminal:
// a later Start or Reconnect call resumes normal operation. Used by
// Socket.Close(reconnect: false).
func (m *ConnectionManager) Stop(code int, reason string) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrManagerDisposed
	}
	m.stopped = true
	t := m.transport
	attempt := m.curAttempt
	m.mu.Unlock()

	if attempt != nil {
		attempt.abort()
	}
	if t != nil {
		_ = t.Close(code, reason)
	}
	return nil
}

// Dispose is terminal: it cancels the active attempt, closes the transport,
// and fails all further operations with ErrManagerDisposed.
func (m *ConnectionManager) Dispose(code int, reason string) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	attempt := m.curAttempt
	t := m.transport
	close(m.connSignal)
	m.mu.Unlock()

	if attempt != nil {
		attempt.abort()
	}
	if t != nil {
		_ = t.Close(code, reason)
	}
}

// startConnectLoop launches the reconnect loop goroutine if one is not
// already running.
func (m *ConnectionManager) startConnectLoop() {
	m.mu.Lock()
	if m.disposed || m.loopActive {
		m.mu.Unlock()
		return
	}
	m.loopActive = true
	m.mu.Unlock()
	go m.runLoop()
}

// runLoop is the reconnect loop from spec §4.2: a loop, not recursion, that
// terminates only when the current published connection is live.
func (m *ConnectionManager) runLoop() {
	for {
		m.mu.Lock()
		if m.disposed {
			m.loopActive = false
			m.mu.Unlock()
			return
		}

		delayIdx := m.attempts
		if delayIdx >= len(m.delays) {
			delayIdx = len(m.delays) - 1
		}
		delay := m.delays[delayIdx]
		m.attempts++

		m.applyStateTransitionLocked(Connecting)
		var attempt *connectionAttempt
		attempt = newConnectionAttempt(m.clock, delay, func() error {
			return m.runAttemptCallback(attempt)
		})
		m.curAttempt = attempt
		m.mu.Unlock()

		err := <-attempt.callbackFuture()

		m.mu.Lock()
		disposed := m.disposed
		isCurrent := attempt.equal(m.curAttempt)
		m.mu.Unlock()

		if disposed {
			m.mu.Lock()
			m.loopActive = false
			m.mu.Unlock()
			return
		}

		if err != nil {
			if isCurrent {
				m.onError(&ConnectionInitializationError{Cause: err})
			}
			continue
		}

		if isCurrent {
			m.mu.Lock()
			m.attempts = 0
			m.loopActive = false
			m.mu.Unlock()
			return
		}
		// Not current: the callback already closed the superseded transport.
		continue
	}
}

// runAttemptCallback dials a fresh transport and, if this attempt is still
// current once dialing completes, publishes it.
func (m *ConnectionManager) runAttemptCallback(attempt *connectionAttempt) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrManagerDisposed
	}
	m.mu.Unlock()

	ctx := context.Background()
	t, err := m.factory(ctx, m.url)
	if err != nil {
		return err
	}
	if err := t.Connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	disposed := m.disposed
	current := attempt.equal(m.curAttempt)
	if disposed || !current {
		m.mu.Unlock()
		_ = t.Close(codeNormalClosure, "normal closure")
		if disposed {
			return ErrManagerDisposed
		}
		return nil
	}

	m.transport = t
	m.transportAttempt = attempt
	accepted := m.applyStateTransitionLocked(Connected)
	if accepted {
		old := m.connSignal
		m.connSignal = make(chan struct{})
		close(old)
	}
	m.mu.Unlock()
	if accepted {
		m.onStateChange(Connected)
	}

	go m.pumpTransport(attempt, t)
	return nil
}

// pumpTransport forwards frames/errors/close notifications from t, dropping
// anything observed after attempt has been superseded (the obsolete-callback
// filter from spec §4.2).
func (m *ConnectionManager) pumpTransport(attempt *connectionAttempt, t Transport) {
	messages := t.Messages()
	errs := t.Errors()
	closed := t.Closed()
	for {
		select {
		case frame, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if m.isCurrentAttempt(attempt) {
				m.onMessage(frame)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if m.isCurrentAttempt(attempt) {
				m.onError(&PhoenixSocketErrorEvent{Err: err})
			}
		case info, ok := <-closed:
			if !ok {
				return
			}
			if m.isCurrentAttempt(attempt) {
				m.handleTransportClosed(info)
			}
			return
		}
	}
}

func (m *ConnectionManager) isCurrentAttempt(attempt *connectionAttempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return attempt.equal(m.transportAttempt)
}

// handleTransportClosed applies the transition filter and, if accepted,
// re-enters the connect loop unless disposed.
func (m *ConnectionManager) handleTransportClosed(info CloseInfo) {
	m.mu.Lock()
	accepted := m.applyStateTransitionLocked(Disconnected(info.Code, info.Reason))
	disposed := m.disposed
	if accepted {
		// A fresh cycle begins; the next Connecting transition is accepted
		// again per the "from any non-null state" rule.
		m.hasLastState = false
	}
	m.mu.Unlock()

	if !accepted {
		return
	}
	m.onStateChange(Disconnected(info.Code, info.Reason))
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if !disposed && !stopped {
		m.startConnectLoop()
	}
}

// applyStateTransitionLocked implements the transition filter table from
// spec §4.2. Must be called with m.mu held. Returns whether the transition
// was accepted (and, if so, updates m.lastState/m.hasLastState).
func (m *ConnectionManager) applyStateTransitionLocked(target TransportState) bool {
	if m.hasLastState {
		src := m.lastState
		if src.kind == target.kind { // (a) same case
			return false
		}
		if target.kind == transportConnecting { // (b) Connecting from any non-null state
			return false
		}
		if src.kind == transportDisconnected { // (c) source is Disconnected
			return false
		}
		if src.kind == transportDisconnecting && target.kind != transportDisconnected { // (d)
			return false
		}
	}
	m.lastState = target
	m.hasLastState = true
	return true
}

// State returns the last-accepted transport state observed by the manager.
func (m *ConnectionManager) State() (TransportState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastState, m.hasLastState
}

// delayResolved reports whether the attempt's delay window has elapsed.
func (a *connectionAttempt) delayResolved() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delayDone
}
