// Package controller implements the dispatch loop: one controller owns a
// group of pools, a private ticket stream from the rate limiter, and a
// shared request queue. On every ticket it polls the queue without
// blocking, picks the least-busy pool it owns, and submits the request in
// the background; completions fan in through a single channel and are
// delivered to registered callbacks with the shared store locked for the
// callback's entire duration.
//
// The goroutine-per-loop-with-context-cancellation shape and the
// fan-in-via-channel pattern for draining concurrent work are adapted from
// the teacher's provider.Registry.HealthCheckAll (concurrent fan-out
// gathered through a result channel) and provider.HealthPoller's
// Start/Stop lifecycle.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/outrider/fastdispatch/errs"
	"github.com/outrider/fastdispatch/pool"
	"github.com/outrider/fastdispatch/request"
	"github.com/outrider/fastdispatch/rpscounter"
	"github.com/outrider/fastdispatch/store"
)

// EventKind distinguishes the two callback channels a caller can register.
type EventKind int

const (
	// EventResponse fires for every completed round trip, regardless of
	// status code, unless ClassifyByStatus routes it to EventError too.
	EventResponse EventKind = iota
	// EventError fires for transport failures, and for 5xx responses when
	// ClassifyByStatus is enabled.
	EventError
)

// ResponseCallback observes a completed request/response pair.
type ResponseCallback func(req request.Request, resp request.Response, ctx store.Context)

// ErrorCallback observes a failed request.
type ErrorCallback func(req request.Request, errResp request.Error, ctx store.Context)

// Options configures a Controller's optional behavior.
type Options struct {
	// UseStore enables the shared key/value store surfaced on Context.
	UseStore bool
	// UseRPS enables the RPS gauges surfaced on Context. When false,
	// Context.RPS/RPS1/RPS10 are always zero and no bookkeeping runs.
	UseRPS bool
	// ClassifyByStatus additionally routes 5xx responses to the error
	// callbacks (in addition to the response callbacks), per the
	// status-code classification design note.
	ClassifyByStatus bool
	// CompletionBuffer bounds the controller's completion fan-in channel.
	CompletionBuffer int
}

type completionKind int

const (
	completionResponse completionKind = iota
	completionError
	completionBoth
)

type completion struct {
	kind    completionKind
	req     request.Request
	resp    request.Response
	errResp request.Error
}

// Controller owns a pool group and drives dispatch for one ticket stream.
type Controller struct {
	id      string
	pools   []pool.Pool
	tickets <-chan struct{}
	queue   chan request.Request

	// rrCursor rotates leastBusy's tie-break starting point. Touched only
	// by dispatchLoop's goroutine.
	rrCursor int

	completions chan completion

	store  *store.Store
	rps    *rpscounter.Counter
	ledger *Ledger
	opts   Options

	mu                sync.RWMutex
	responseCallbacks []ResponseCallback
	errorCallbacks    []ErrorCallback

	logger zerolog.Logger

	cancel     context.CancelFunc
	done       chan struct{}
	exit       chan struct{}
	exitOnce   sync.Once
	globalExit func()
}

// New builds a Controller owning one pool group, fed tickets from the
// given stream and polling the given shared request queue. queue is the
// single process-wide request queue: every controller polls the same
// channel, so whichever controller's ticket fires first claims the head
// of the line. st, rps, and ledger are shared with sibling controllers.
// ledger may be nil (disables natural-termination bookkeeping, used by
// standalone tests). globalExit, if non-nil, is called once when this
// controller's Context.Exit hook fires, so one callback's Exit call stops
// every sibling controller too, not just the one that called it.
func New(id string, pools []pool.Pool, tickets <-chan struct{}, queue chan request.Request, st *store.Store, rps *rpscounter.Counter, ledger *Ledger, opts Options, logger zerolog.Logger, globalExit func()) *Controller {
	if opts.CompletionBuffer <= 0 {
		opts.CompletionBuffer = 256
	}
	return &Controller{
		id:          id,
		pools:       pools,
		tickets:     tickets,
		queue:       queue,
		completions: make(chan completion, opts.CompletionBuffer),
		store:       st,
		rps:         rps,
		ledger:      ledger,
		opts:        opts,
		logger:      logger.With().Str("component", "controller").Str("controller_id", id).Logger(),
		done:        make(chan struct{}),
		exit:        make(chan struct{}),
		globalExit:  globalExit,
	}
}

// OnResponse registers a callback invoked for every successful completion,
// in registration order.
func (c *Controller) OnResponse(cb ResponseCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseCallbacks = append(c.responseCallbacks, cb)
}

// OnError registers a callback invoked for every failed completion, in
// registration order.
func (c *Controller) OnError(cb ErrorCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCallbacks = append(c.errorCallbacks, cb)
}

// HasListeners reports whether at least one callback of either kind is
// registered.
func (c *Controller) HasListeners() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.responseCallbacks) > 0 || len(c.errorCallbacks) > 0
}

// Submit enqueues a request onto the shared request queue for dispatch by
// whichever controller's ticket fires first. It blocks if the queue is
// full. Exposed mainly for tests; client.Client.Submit is the normal path.
func (c *Controller) Submit(ctx context.Context, req request.Request) error {
	c.ledger.Submit()
	select {
	case c.queue <- req:
		return nil
	case <-ctx.Done():
		c.ledger.Abandon()
		return ctx.Err()
	}
}

// Pending sums the in-flight count across every pool this controller owns.
func (c *Controller) Pending() int64 {
	var total int64
	for _, p := range c.pools {
		total += p.Pending()
	}
	return total
}

// Run starts the dispatch and drain loops in the background. Run returns
// immediately; call Stop (or cancel ctx) to shut the controller down.
func (c *Controller) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.dispatchLoop(runCtx)
	}()
	go func() {
		defer wg.Done()
		c.drainLoop(runCtx)
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()
}

// Stop cancels the controller's loops and waits for them to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// Done returns a channel closed once both loops have exited, whether
// because of external cancellation or a callback calling Context.Exit.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Exit stops the controller's dispatch and drain loops. It is exposed to
// callbacks through Context.Exit. The loops return without waiting for
// in-flight requests: completions that arrive after Exit are not delivered
// to callbacks. So that one callback's Exit stops the whole engine, not
// just the controller that happened to observe the callback, Exit also
// invokes globalExit once.
func (c *Controller) Exit() {
	c.exitOnce.Do(func() {
		close(c.exit)
		if c.globalExit != nil {
			c.globalExit()
		}
	})
}

// quiescenceInterval is how often the dispatch loop checks whether every
// submitted request has completed and the shared queue is empty, i.e.
// "local pending is 0 and the request queue is empty" from the controller
// main loop's termination check (spec.md §4.3 step 1), evaluated against
// the engine-wide Ledger rather than a purely local count because the
// queue is shared across every controller.
const quiescenceInterval = 2 * time.Millisecond

func (c *Controller) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(quiescenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.exit:
			return
		case <-ticker.C:
			if c.ledger.Quiescent(len(c.queue)) {
				c.Exit()
				return
			}
		case <-c.tickets:
			select {
			case req := <-c.queue:
				c.dispatch(ctx, req)
			default:
				// queue empty: the ticket is discarded, not banked for
				// a future poll.
			}
		}
	}
}

// dispatch picks the least-busy owned pool and submits req through it in
// the background so the dispatch loop keeps consuming tickets.
func (c *Controller) dispatch(ctx context.Context, req request.Request) {
	p := c.leastBusy()
	if p == nil {
		c.completions <- completion{
			kind:    completionError,
			req:     req,
			errResp: request.Error{Cause: errs.Transport(fmt.Errorf("no pool configured for group %q", c.id)), ID: req.ID},
		}
		return
	}

	go func() {
		resp, err := p.Submit(ctx, req)
		if err != nil {
			c.completions <- completion{
				kind:    completionError,
				req:     req,
				errResp: request.Error{Cause: err, ID: req.ID, Retryable: true},
			}
			return
		}

		if c.opts.ClassifyByStatus && resp.Status >= 500 {
			c.completions <- completion{
				kind: completionBoth,
				req:  req,
				resp: resp,
				errResp: request.Error{
					Cause:     fmt.Errorf("upstream status %d", resp.Status),
					ID:        req.ID,
					Retryable: true,
				},
			}
			return
		}

		c.completions <- completion{kind: completionResponse, req: req, resp: resp}
	}()
}

// leastBusy returns the owned pool with the fewest in-flight requests. A
// pool that is strictly less busy than every other always wins. Among
// pools tied for least busy — the common case against a fast transport,
// where pending drops back to 0 before the next ticket fires and every
// pool in the group looks equally idle — the scan starts from a cursor
// that advances on every call, so tied pools rotate through the pick
// instead of the first-registered pool winning every tie. dispatch is
// only ever called from the single dispatchLoop goroutine, so rrCursor
// needs no synchronization of its own.
func (c *Controller) leastBusy() pool.Pool {
	n := len(c.pools)
	if n == 0 {
		return nil
	}

	start := c.rrCursor % n
	c.rrCursor++

	best := c.pools[start]
	bestPending := best.Pending()
	for i := 1; i < n; i++ {
		p := c.pools[(start+i)%n]
		pending := p.Pending()
		if pending < bestPending {
			best = p
			bestPending = pending
		}
	}
	return best
}

func (c *Controller) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.exit:
			return
		case comp := <-c.completions:
			c.handleCompletion(comp)
		}
	}
}

// handleCompletion delivers one finished request to its callbacks. The
// Ledger's Complete() for this request is deferred to the very end, after
// every callback has run, so a callback calling Context.Retry (which calls
// Ledger.Submit for the re-enqueued request) is counted before this
// request's own completion is subtracted — never a transient zero.
func (c *Controller) handleCompletion(comp completion) {
	defer c.ledger.Complete()

	isErr := comp.kind != completionResponse

	var gauges rpscounter.Gauges
	if c.opts.UseRPS {
		c.rps.RecordCompletion(isErr)
		gauges = c.rps.Snapshot()
	}

	if c.opts.UseStore {
		c.store.Lock()
		defer c.store.Unlock()
	}

	sctx := store.NewContext(c.store, gauges.RPS, gauges.RPS1, gauges.RPS10, c.retry, c.Exit)

	if comp.kind == completionResponse || comp.kind == completionBoth {
		c.invokeResponseCallbacks(comp.req, comp.resp, sctx)
	}
	if comp.kind == completionError || comp.kind == completionBoth {
		c.invokeErrorCallbacks(comp.req, comp.errResp, sctx)
	}
}

func (c *Controller) retry(req request.Request) {
	c.ledger.Submit()
	select {
	case c.queue <- req.Clone():
	default:
		c.ledger.Abandon()
		c.logger.Warn().Int64("request_id", req.ID).Msg("retry dropped, queue full")
	}
}

func (c *Controller) invokeResponseCallbacks(req request.Request, resp request.Response, sctx store.Context) {
	c.mu.RLock()
	callbacks := c.responseCallbacks
	c.mu.RUnlock()

	for _, cb := range callbacks {
		c.safeInvoke(func() { cb(req, resp, sctx) })
	}
}

func (c *Controller) invokeErrorCallbacks(req request.Request, errResp request.Error, sctx store.Context) {
	c.mu.RLock()
	callbacks := c.errorCallbacks
	c.mu.RUnlock()

	for _, cb := range callbacks {
		c.safeInvoke(func() { cb(req, errResp, sctx) })
	}
}

func (c *Controller) safeInvoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			err := errs.Callback(fmt.Errorf("%v", r))
			c.logger.Error().Err(err).Msg("callback panicked")
		}
	}()
	f()
}
