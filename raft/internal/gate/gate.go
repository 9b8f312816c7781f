// Package gate implements a small cooperative-scheduling primitive used to
// drain in-flight operations during shutdown. The name and role mirror the
// Seastar "gate" used throughout the original C++ source this module's
// specification was distilled from: operations Enter before doing work and
// Exit when done, and Close blocks until every entered operation has
// exited, refusing new entries from the moment it is called.
package gate

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Enter once the gate has been closed.
var ErrClosed = errors.New("gate: closed")

// Gate tracks in-flight operations and blocks new ones once closed.
type Gate struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Enter registers one in-flight operation. The caller must call the
// returned exit function exactly once, regardless of outcome.
func (g *Gate) Enter() (exit func(), err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return func() {}, ErrClosed
	}
	g.wg.Add(1)
	var once sync.Once
	return func() { once.Do(g.wg.Done) }, nil
}

// Close marks the gate closed, refusing further Enter calls, and waits for
// all entered operations to Exit or for ctx to expire.
func (g *Gate) Close(ctx context.Context) error {
	g.mu.Lock()
	already := g.closed
	g.closed = true
	g.mu.Unlock()
	if already {
		return nil
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsClosed reports whether Close has been called.
func (g *Gate) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
