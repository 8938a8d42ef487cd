// Package mock provides in-memory test doubles for the store contracts.
//
// Unlike pure stubs, each mock keeps real in-memory state so that the
// synchronizer and recommendation engine can be exercised end-to-end without
// a database. Every mock also records its method calls and exposes *Err
// fields that force a method to fail. All mocks are safe for concurrent use.
//
// Typical usage:
//
//	docs := mock.NewDocumentStore()
//	docs.FindLatestErr = errors.New("boom")
//
//	// inject docs into the system under test …
//
//	if got := docs.CallCount("FindLatest"); got != 1 {
//	    t.Errorf("expected 1 FindLatest call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is embedded by every mock. Its mutex also guards the embedding
// mock's state.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

// record appends a call. The caller must hold mu.
func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls clears all recorded calls without touching stored data.
func (r *recorder) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// wait blocks for d or until ctx is done. A zero d returns immediately.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
