package phxsocket

import "context"

// TransportState is a tagged variant describing the underlying transport's
// connection lifecycle, per spec §3 "TransportConnectionState". Equality is
// by case, except for Disconnected which also compares Code and Reason.
type TransportState struct {
	kind   transportStateKind
	Code   int
	Reason string
}

type transportStateKind int

const (
	transportConnecting transportStateKind = iota
	transportConnected
	transportDisconnecting
	transportDisconnected
)

// Connecting, Connected, and Disconnecting are the singleton non-terminal
// transport states.
var (
	Connecting    = TransportState{kind: transportConnecting}
	Connected     = TransportState{kind: transportConnected}
	Disconnecting = TransportState{kind: transportDisconnecting}
)

// Disconnected constructs a Disconnected transport state carrying the close
// code and reason.
func Disconnected(code int, reason string) TransportState {
	return TransportState{kind: transportDisconnected, Code: code, Reason: reason}
}

// IsDisconnected reports whether s is the Disconnected case.
func (s TransportState) IsDisconnected() bool { return s.kind == transportDisconnected }

// IsConnected reports whether s is the Connected case.
func (s TransportState) IsConnected() bool { return s.kind == transportConnected }

// Equal implements case equality, plus Code/Reason equality when both sides
// are Disconnected.
func (s TransportState) Equal(other TransportState) bool {
	if s.kind != other.kind {
		return false
	}
	if s.kind == transportDisconnected {
		return s.Code == other.Code && s.Reason == other.Reason
	}
	return true
}

func (s TransportState) String() string {
	switch s.kind {
	case transportConnecting:
		return "connecting"
	case transportConnected:
		return "connected"
	case transportDisconnecting:
		return "disconnecting"
	case transportDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Frame is a single inbound or outbound transport-level payload: either a
// UTF-8 text frame (JSON array wire protocol) or a binary frame.
type Frame struct {
	Binary bool
	Data   []byte
}

// CloseInfo carries the final close code and reason delivered on a
// Transport's closed-stream, per spec §1's "close-with-code, closed-stream"
// collaborator surface.
type CloseInfo struct {
	Code   int
	Reason string
}

// Transport is the out-of-scope WebSocket collaborator named in spec §1/§6.
// A concrete implementation (see package wsconn) owns exactly one underlying
// connection attempt; the ConnectionManager owns the Transport's lifecycle.
type Transport interface {
	// Connect dials the remote endpoint and performs any ready handshake.
	// It must not return until the transport is usable for Send.
	Connect(ctx context.Context) error
	// Send writes a single frame. The ConnectionManager does not serialize
	// sends: several goroutines may call Send at once, so implementations
	// must be safe for concurrent use.
	Send(ctx context.Context, frame Frame) error
	// Messages returns the channel on which inbound frames are delivered, in
	// arrival order. It is closed when the transport's read loop exits.
	Messages() <-chan Frame
	// Errors returns the channel on which transport-level I/O/framing
	// errors are delivered (at most one, immediately preceding the close of
	// Messages and Closed).
	Errors() <-chan error
	// Closed delivers exactly one CloseInfo once the transport has fully
	// shut down, then is closed itself.
	Closed() <-chan CloseInfo
	// Close closes the transport with the given close code and reason.
	Close(code int, reason string) error
}

// TransportFactory constructs a fresh, unconnected Transport for a single
// connection attempt. The ConnectionManager calls this once per attempt.
type TransportFactory func(ctx context.Context, url string) (Transport, error)
