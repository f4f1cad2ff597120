// Package client is the facade a caller uses to drive the dispatch engine:
// describe pools, register RESPONSE/ERROR callbacks, submit requests, and
// run until every controller exits. It wires request, pool, ticket,
// controller, store, and rpscounter together the way the teacher's main.go
// wires config, redis, provider registry, router, and the HTTP server.
package client

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/outrider/fastdispatch/controller"
	"github.com/outrider/fastdispatch/errs"
	"github.com/outrider/fastdispatch/pool"
	"github.com/outrider/fastdispatch/request"
	"github.com/outrider/fastdispatch/rpscounter"
	"github.com/outrider/fastdispatch/store"
	"github.com/outrider/fastdispatch/ticket"
)

// PoolGroup is the set of pools one controller exclusively owns. Every
// group gets its own controller and its own ticket stream at the
// configured rate; all groups pull from the same shared request queue, so
// which group ends up serving a given submission depends on ticket
// timing, not on anything the caller sets on the request itself.
type PoolGroup struct {
	ID    string
	Pools []pool.Pool
}

// Options configures a Client.
type Options struct {
	// Rate is the ticket rate R, in tickets/second, each controller
	// receives. The aggregate ceiling across every pool group is R times
	// the number of groups.
	Rate float64
	// UseStore enables the shared key/value store on callback Context.
	UseStore bool
	// UseRPS enables the RPS gauges on callback Context.
	UseRPS bool
	// ClassifyByStatus additionally routes 5xx responses to error
	// callbacks.
	ClassifyByStatus bool
	// QueueSize bounds the single shared request queue every controller
	// polls from.
	QueueSize int
}

func (o *Options) setDefaults() {
	if o.Rate <= 0 {
		o.Rate = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
}

// Client is the engine: one controller per pool group, all sharing a
// single request queue, a ticket generator, a key/value store, and an RPS
// counter.
type Client struct {
	opts        Options
	groups      []PoolGroup
	controllers []*controller.Controller
	generator   *ticket.Generator
	store       *store.Store
	rps         *rpscounter.Counter
	ledger      *controller.Ledger
	queue       chan request.Request
	logger      zerolog.Logger

	cancel context.CancelFunc
}

// New builds a Client with one controller per pool group. Every
// controller polls the same shared request queue and its own private
// ticket stream; pools in one group are never selected for a group owned
// by another controller.
func New(groups []PoolGroup, opts Options, logger zerolog.Logger) *Client {
	opts.setDefaults()
	if len(groups) == 0 {
		groups = []PoolGroup{{ID: "default"}}
	}

	cl := &Client{
		opts:   opts,
		groups: groups,
		logger: logger.With().Str("component", "client").Logger(),
	}

	st := store.New(opts.UseStore)
	rps := rpscounter.New()
	gen := ticket.NewGenerator(opts.Rate, len(groups), logger)
	queue := make(chan request.Request, opts.QueueSize)
	ledger := controller.NewLedger()

	controllers := make([]*controller.Controller, len(groups))
	for i, g := range groups {
		id := g.ID
		if id == "" {
			id = fmt.Sprintf("group-%d", i)
		}
		controllers[i] = controller.New(
			id,
			g.Pools,
			gen.Channel(i),
			queue,
			st,
			rps,
			ledger,
			controller.Options{
				UseStore:         opts.UseStore,
				UseRPS:           opts.UseRPS,
				ClassifyByStatus: opts.ClassifyByStatus,
			},
			logger,
			cl.Exit,
		)
	}

	cl.controllers = controllers
	cl.generator = gen
	cl.store = st
	cl.rps = rps
	cl.ledger = ledger
	cl.queue = queue
	return cl
}

// On registers resp for every completed dispatch and errCb for every
// failed one, across all controllers. Either may be nil.
func (c *Client) On(resp controller.ResponseCallback, errCb controller.ErrorCallback) {
	for _, ctrl := range c.controllers {
		if resp != nil {
			ctrl.OnResponse(resp)
		}
		if errCb != nil {
			ctrl.OnError(errCb)
		}
	}
}

// Store exposes the shared key/value store for direct inspection outside
// of a callback (tests, metrics export). Callbacks already receive it
// through their Context, already locked for the callback's duration.
// Get/Set take no lock of their own — a caller using the returned Store
// outside a callback must bracket every access with Store.Lock/Unlock
// itself, exactly as the controller does around a callback invocation, or
// it races the engine.
func (c *Client) Store() *store.Store {
	return c.store
}

// RPS returns a snapshot of the process-wide RPS gauges.
func (c *Client) RPS() rpscounter.Gauges {
	return c.rps.Snapshot()
}

// Submit places req on the shared request queue. Whichever controller's
// ticket fires first claims it and dispatches through the least-busy pool
// in its own group.
func (c *Client) Submit(ctx context.Context, req request.Request) error {
	c.ledger.Submit()
	select {
	case c.queue <- req:
		return nil
	case <-ctx.Done():
		c.ledger.Abandon()
		return ctx.Err()
	}
}

// Run starts every controller and the ticket generator, then blocks until
// ctx is canceled, every submitted request has completed and the shared
// queue has gone quiet (natural completion), or a callback calls
// Context.Exit. Run fails fast with a NoListenersError if no callback of
// either kind has been registered.
func (c *Client) Run(ctx context.Context) error {
	hasListeners := false
	for _, ctrl := range c.controllers {
		if ctrl.HasListeners() {
			hasListeners = true
			break
		}
	}
	if !hasListeners {
		return errs.NoListeners()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	c.generator.Start(runCtx)
	defer c.generator.Stop()

	for _, ctrl := range c.controllers {
		ctrl.Run(runCtx)
	}

	allDone := make(chan struct{})
	go func() {
		for _, ctrl := range c.controllers {
			<-ctrl.Done()
		}
		close(allDone)
	}()

	select {
	case <-runCtx.Done():
	case <-allDone:
	}

	for _, ctrl := range c.controllers {
		ctrl.Stop()
	}
	for _, g := range c.groups {
		for _, p := range g.Pools {
			p.Close()
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Exit requests that Run return, as if every controller's Context.Exit had
// been called.
func (c *Client) Exit() {
	if c.cancel != nil {
		c.cancel()
	}
}
