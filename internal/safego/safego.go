// Package safego launches background goroutines that recover from panics instead of crashing the
// process.
package safego

import (
	"context"
	"log/slog"
	"sync"
)

// Go runs fn in a new goroutine. A panic is recovered and logged with the task name.
func Go(name string, fn func()) {
	go run(name, fn)
}

func run(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background goroutine", "task", name, "panic", r)
		}
	}()
	fn()
}

// Group tracks in-flight goroutines so shutdown can drain them.
type Group struct {
	wg sync.WaitGroup
}

// Go runs fn like the package-level Go and tracks it until it returns.
func (g *Group) Go(name string, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(name, fn)
	}()
}

// Wait blocks until every tracked goroutine has returned or ctx is done. It reports whether the
// group drained.
func (g *Group) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
