package behaviour

import "context"

// call is an asynchronous request whose result is polled without blocking.
// The scheduler never waits on I/O; it checks Ready on the next tick.
type call[T any] struct {
	done   chan struct{}
	val    T
	err    error
	cancel context.CancelFunc
}

func startCall[T any](ctx context.Context, fn func(context.Context) (T, error)) *call[T] {
	cctx, cancel := context.WithCancel(ctx)
	c := &call[T]{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(c.done)
		defer cancel()
		c.val, c.err = fn(cctx)
	}()
	return c
}

// Ready reports whether the result is available.
func (c *call[T]) Ready() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the result. Only valid once Ready is true.
func (c *call[T]) Result() (T, error) {
	return c.val, c.err
}

// Cancel abandons the call. Its result is never read.
func (c *call[T]) Cancel() {
	c.cancel()
}
