// Package callgroup collapses concurrent calls for the same key into one
// execution. A burst of ingest requests presenting the same unknown API key
// costs a single store read; the other callers wait and share the result.
// Once the call returns the key is forgotten, so a later call executes
// fresh.
package callgroup

import "sync"

// Result carries one call's outcome to every waiter.
type Result[V any] struct {
	Val V
	Err error
}

// Group deduplicates concurrent calls by key and hands the shared result
// to every caller. The zero value is ready to use.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	res  Result[V]
}

// DoChan executes fn unless a call for key is already in flight, in which
// case the returned channel receives that call's result instead. The
// channel receives exactly one value and is never closed.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return c.wait()
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.res.Val, c.res.Err = fn()
		close(c.done)

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
	}()

	return c.wait()
}

func (c *call[V]) wait() <-chan Result[V] {
	ch := make(chan Result[V], 1)
	go func() {
		<-c.done
		ch <- c.res
	}()
	return ch
}
