package callgroup

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCollapsesConcurrentCalls(t *testing.T) {
	var g Group[string, int]

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func() (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	lead := g.DoChan("key-hash", fn)
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	// With the call in flight, every further DoChan for the key joins it.
	const waiters = 7
	joined := make([]<-chan Result[int], waiters)
	for i := range joined {
		joined[i] = g.DoChan("key-hash", fn)
	}
	close(release)

	results := []Result[int]{<-lead}
	for _, ch := range joined {
		results = append(results, <-ch)
	}

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected one execution, got %d", got)
	}
	for i, res := range results {
		if res.Err != nil || res.Val != 7 {
			t.Errorf("waiter %d: got (%d, %v), want (7, nil)", i, res.Val, res.Err)
		}
	}
}

func TestDistinctKeysRunIndependently(t *testing.T) {
	var g Group[string, string]

	var calls atomic.Int32
	block := make(chan struct{})
	mk := func(v string) func() (string, error) {
		return func() (string, error) {
			calls.Add(1)
			<-block
			return v, nil
		}
	}

	chA := g.DoChan("a", mk("alpha"))
	chB := g.DoChan("b", mk("beta"))
	for calls.Load() != 2 {
		time.Sleep(time.Millisecond)
	}
	close(block)

	ra, rb := <-chA, <-chB
	if ra.Err != nil || rb.Err != nil {
		t.Fatalf("unexpected errors: %v, %v", ra.Err, rb.Err)
	}
	if ra.Val != "alpha" || rb.Val != "beta" {
		t.Errorf("values crossed keys: %q, %q", ra.Val, rb.Val)
	}
}

func TestWaitersShareError(t *testing.T) {
	var g Group[int, int]
	sentinel := errors.New("lookup failed")

	var started atomic.Bool
	gate := make(chan struct{})
	ch1 := g.DoChan(1, func() (int, error) {
		started.Store(true)
		<-gate
		return 0, sentinel
	})
	for !started.Load() {
		time.Sleep(time.Millisecond)
	}

	ch2 := g.DoChan(1, func() (int, error) {
		t.Error("joined caller's fn must not run")
		return 0, nil
	})
	close(gate)

	for i, res := range []Result[int]{<-ch1, <-ch2} {
		if !errors.Is(res.Err, sentinel) {
			t.Errorf("waiter %d: got %v, want the shared error", i+1, res.Err)
		}
	}
}

func TestKeyForgottenAfterReturn(t *testing.T) {
	var g Group[int, int]

	var calls atomic.Int32
	fn := func() (int, error) { return int(calls.Add(1)), nil }

	if res := <-g.DoChan(9, fn); res.Err != nil || res.Val != 1 {
		t.Fatalf("first call: (%d, %v)", res.Val, res.Err)
	}

	// The finished call may linger briefly until its cleanup goroutine
	// runs; a joined stale result reports Val=1, so retry until the key
	// is actually forgotten.
	deadline := time.Now().Add(time.Second)
	for {
		res := <-g.DoChan(9, fn)
		if res.Err != nil {
			t.Fatalf("second call: %v", res.Err)
		}
		if res.Val == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("key never forgotten, still seeing %d", res.Val)
		}
	}
}
