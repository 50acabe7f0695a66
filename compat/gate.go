package compat

import (
	"context"
	"sync"
)

// gate is a one-shot latch. Many goroutines may wait; fire releases them all
// and every later wait returns immediately. Firing twice is a no-op.
type gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) fire() {
	g.once.Do(func() { close(g.ch) })
}

func (g *gate) wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) fired() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}
