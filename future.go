package phxsocket

import (
	"context"
	"sync"
)

// future is a single-shot completion token: the "structure that can be
// completed at most once" from spec §9. A second completion is logged and
// ignored rather than panicking or blocking.
type future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	val       T
	err       error
	completed bool
	logger    Logger
}

func newFuture[T any](logger Logger) *future[T] {
	if logger == nil {
		logger = noopLogger{}
	}
	return &future[T]{done: make(chan struct{}), logger: logger}
}

// Complete resolves the future exactly once. Subsequent calls are no-ops,
// logged as warnings.
func (f *future[T]) Complete(val T, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		f.logger.Warnf("phxsocket: redundant future completion ignored")
		return
	}
	f.completed = true
	f.val = val
	f.err = err
	close(f.done)
	f.mu.Unlock()
}

// Wait blocks until the future resolves or ctx is done.
func (f *future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done exposes the resolution channel directly, for select-based callers.
func (f *future[T]) Done() <-chan struct{} { return f.done }

// Result returns the resolved value; only meaningful after Done is closed.
func (f *future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}
