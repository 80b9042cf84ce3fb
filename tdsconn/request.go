package tdsconn

import "github.com/ha1tch/tdscore/wire"

// RequestContext is the dispatcher's wrapper around a submitted
// Request (spec.md §3): the delegate, a one-shot completion signal,
// and the last error seen while driving it.
type RequestContext struct {
	req      wire.Request
	done     chan error
	lastErr  error
	started  bool
}

func newRequestContext(req wire.Request) *RequestContext {
	return &RequestContext{
		req:  req,
		done: make(chan error, 1),
	}
}

// Wait blocks until the request completes (successfully or not) and
// returns the terminal error, if any. This is the "one-shot
// completion handle resolved exactly once" spec.md §9 calls for.
func (rc *RequestContext) Wait() error {
	return <-rc.done
}

// finish fulfills the completion signal exactly once. Later calls are
// no-ops, which matters for Close(): a request can be finished by
// both an inbound "end" signal and, racily, a subsequent close.
func (rc *RequestContext) finish(err error) {
	select {
	case rc.done <- err:
	default:
	}
}
