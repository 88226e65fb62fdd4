package phxsocket

import (
	"context"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// Options configures a Socket, per spec §4.3.
type Options struct {
	// Timeout is the default request timeout applied to Channel pushes that
	// don't specify their own.
	Timeout time.Duration
	// Heartbeat is the interval between heartbeat sends.
	Heartbeat time.Duration
	// ReconnectDelays is the ordered backoff schedule; the N-th reconnect
	// uses ReconnectDelays[min(N-1, len-1)].
	ReconnectDelays []time.Duration
	// Params are static query parameters merged into the connection URL.
	Params map[string]string
	// GetParams resolves dynamic query parameters (e.g. a rotating auth
	// token) freshly before each connection attempt.
	GetParams func(ctx context.Context) (map[string]string, error)
	// Serializer controls the wire codec; defaults to JSONSerializer.
	Serializer Serializer
	// Logger receives diagnostic output; defaults to a no-op logger.
	Logger Logger
	// Clock creates timers; defaults to the real OS clock.
	Clock Clock
	// TransportFactory dials a fresh transport for each connection attempt;
	// required (no default — production code should pass wsconn.NewFactory()).
	TransportFactory TransportFactory
}

// DefaultReconnectDelays mirrors the common Phoenix-client backoff ladder.
func DefaultReconnectDelays() []time.Duration {
	return []time.Duration{
		10 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond,
		150 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond,
		500 * time.Millisecond, 1 * time.Second, 2 * time.Second, 5 * time.Second,
	}
}

// withDefaults fills in everything except ReconnectDelays, which NewSocket
// requires the caller to supply explicitly (ErrNoReconnectDelays otherwise) —
// use DefaultReconnectDelays() to opt into the standard backoff ladder.
func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.Serializer == nil {
		o.Serializer = NewJSONSerializer()
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Clock == nil {
		o.Clock = NewRealClock()
	}
	return o
}

// buildURL merges static Params, any GetParams result, and the protocol
// version (vsn=2.0.0) into endpoint's query string, per spec §6.
func buildURL(ctx context.Context, endpoint string, opts Options) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range opts.Params {
		q.Set(k, v)
	}
	if opts.GetParams != nil {
		dynamic, err := opts.GetParams(ctx)
		if err != nil {
			return "", err
		}
		for k, v := range dynamic {
			q.Set(k, v)
		}
	}
	q.Set("vsn", ProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// refCounter allocates the monotonically increasing decimal ref string
// described in spec §4.3. It uses a 64-bit counter per the spec's stated
// overflow policy.
type refCounter struct {
	n atomic.Uint64
}

func (r *refCounter) next() string {
	return strconv.FormatUint(r.n.Add(1)-1, 10)
}
