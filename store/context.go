package store

import "github.com/outrider/fastdispatch/request"

// Context is passed to every callback invocation alongside its Response
// or Error. It is a fixed structure, not a dynamic mapping — the only
// freely typed part is Store itself.
type Context struct {
	// Store is the shared key/value store. Get/Set on a disabled store
	// return StoreNotSupportedError.
	Store *Store
	// RPS is the instantaneous average completions/second since start.
	RPS float64
	// RPS1 is the completion count in the last second.
	RPS1 int
	// RPS10 is the completion count in the last ten seconds.
	RPS10 int

	retry func(request.Request)
	exit  func()
}

// NewContext builds a Context for one callback invocation.
func NewContext(st *Store, rps float64, rps1, rps10 int, retry func(request.Request), exit func()) Context {
	return Context{Store: st, RPS: rps, RPS1: rps1, RPS10: rps10, retry: retry, exit: exit}
}

// Retry re-enqueues req onto the main request queue. A callback calls this
// to get a second attempt at the same logical request. The enqueue does
// not wait: if the queue is full at that moment, the retry is dropped and
// logged.
func (c Context) Retry(req request.Request) {
	if c.retry != nil {
		c.retry(req)
	}
}

// Exit signals this invocation's controller to stop dispatching. A
// controller built by client.New also forwards the call to the Client, so
// every sibling controller stops too, the ticket generator and pools tear
// down, and Run returns.
func (c Context) Exit() {
	if c.exit != nil {
		c.exit()
	}
}
