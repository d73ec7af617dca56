// Package runnable runs a set of long-lived components as one unit.
package runnable

import (
	"context"
	"errors"
	"sync"
)

var errGroupStopped = errors.New("can't accept new runnable as the group is already stopped")

// Runnable allows a component to be started. It's very important that
// Start blocks until it's done running: the component stops when the
// context is closed.
type Runnable interface {
	Start(context.Context) error
}

// RunnableFunc adapts a plain function to the Runnable interface.
type RunnableFunc func(context.Context) error

func (f RunnableFunc) Start(ctx context.Context) error { return f(ctx) }

// Group runs its runnables together until one of them fails or the
// caller's context is done; either way every member is stopped and
// awaited before Run returns.
type Group struct {
	mu        sync.Mutex
	started   bool
	stopped   bool
	runnables []Runnable
}

func NewGroup() *Group {
	return &Group{}
}

// Add registers a runnable. Only allowed before Run.
func (g *Group) Add(rn Runnable) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started || g.stopped {
		return errGroupStopped
	}
	g.runnables = append(g.runnables, rn)
	return nil
}

// Run starts every runnable and blocks. The first member error cancels
// the rest and is returned; a clean context cancellation returns nil.
func (g *Group) Run(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return errors.New("group already started")
	}
	g.started = true
	runnables := g.runnables
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(runnables))
	var wg sync.WaitGroup
	for _, rn := range runnables {
		wg.Add(1)
		go func(rn Runnable) {
			defer wg.Done()
			if err := rn.Start(ctx); err != nil {
				errCh <- err
				cancel()
			}
		}(rn)
	}

	wg.Wait()
	g.mu.Lock()
	g.stopped = true
	g.mu.Unlock()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
