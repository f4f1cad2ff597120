// Package ticket implements the global rate limiter: a single broadcast
// loop that hands every controller one ticket per 1/R seconds, so the
// aggregate ceiling across N controllers is R*N requests/second.
//
// The goroutine-plus-cancel-and-done-channel shape is adapted from the
// teacher's provider/healthpoller.go background poller: Start launches the
// loop, Stop cancels it and waits for the done channel to close.
package ticket

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Generator broadcasts tickets to a fixed number of controller channels at
// a shared rate R. Each channel is buffered to depth 1: when a ticket still
// sits unconsumed as the next one arrives, the new ticket is silently
// dropped, matching the "unused permits are lost" discard rule controllers
// apply on their end.
type Generator struct {
	limiter  *rate.Limiter
	channels []chan struct{}
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewGenerator builds a Generator for n controllers at rate r tickets/sec
// per controller. r must be positive; n must be at least 1.
func NewGenerator(r float64, n int, logger zerolog.Logger) *Generator {
	if n < 1 {
		n = 1
	}
	channels := make([]chan struct{}, n)
	for i := range channels {
		channels[i] = make(chan struct{}, 1)
	}
	return &Generator{
		limiter:  rate.NewLimiter(rate.Limit(r), 1),
		channels: channels,
		logger:   logger.With().Str("component", "ticket_generator").Logger(),
		done:     make(chan struct{}),
	}
}

// Channel returns the ticket stream dedicated to controller i.
func (g *Generator) Channel(i int) <-chan struct{} {
	return g.channels[i]
}

// Start begins the broadcast loop in a background goroutine. Call Stop to
// shut it down.
func (g *Generator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	go g.run(runCtx)
}

// Stop cancels the broadcast loop and waits for it to exit.
func (g *Generator) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	<-g.done
}

func (g *Generator) run(ctx context.Context) {
	defer close(g.done)

	g.logger.Debug().Int("controllers", len(g.channels)).Msg("ticket generator started")

	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return
		}
		g.broadcast()
	}
}

func (g *Generator) broadcast() {
	for _, ch := range g.channels {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// TryTick attempts to deliver one ticket to every channel immediately,
// bypassing the rate limiter. It exists for tests that need deterministic
// control over ticket delivery without sleeping on real time.
func (g *Generator) TryTick() {
	g.broadcast()
}

// Period returns the nominal interval between ticks at the configured rate.
func (g *Generator) Period() time.Duration {
	limit := g.limiter.Limit()
	if limit <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(limit))
}
