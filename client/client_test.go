package client_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/outrider/fastdispatch/client"
	"github.com/outrider/fastdispatch/errs"
	"github.com/outrider/fastdispatch/internal/stubtransport"
	"github.com/outrider/fastdispatch/logger"
	"github.com/outrider/fastdispatch/pool"
	"github.com/outrider/fastdispatch/request"
	"github.com/outrider/fastdispatch/store"
)

func directTestPool(id string, maxConns int64) (*pool.DirectPool, *stubtransport.Stub) {
	stub := stubtransport.NewStub()
	p := pool.NewDirectPoolWithRoundTripper(id, "", maxConns, nil, stub, nil)
	return p, stub
}

// TestRunFailsFastWithoutListeners covers the no-listener gate: Run must
// refuse to start rather than silently drop every completion.
func TestRunFailsFastWithoutListeners(t *testing.T) {
	p, _ := directTestPool("p1", 4)
	c := client.New([]client.PoolGroup{{Pools: []pool.Pool{p}}}, client.Options{Rate: 50}, logger.New(false))

	err := c.Run(context.Background())
	if !errs.IsKind(err, errs.KindNoListeners) {
		t.Fatalf("expected NoListenersError, got %v", err)
	}
}

// TestCompletenessEveryRequestProducesExactlyOneCompletion covers the
// scenario where N submitted requests yield N total callback invocations,
// no more, no fewer (S1/testable property: completeness).
func TestCompletenessEveryRequestProducesExactlyOneCompletion(t *testing.T) {
	p1, _ := directTestPool("p1", 8)
	p2, _ := directTestPool("p2", 8)
	c := client.New([]client.PoolGroup{
		{Pools: []pool.Pool{p1}},
		{Pools: []pool.Pool{p2}},
	}, client.Options{Rate: 200}, logger.New(false))

	const n = 25
	var responses int64
	var wg sync.WaitGroup
	wg.Add(n)

	c.On(func(req request.Request, resp request.Response, sctx store.Context) {
		atomic.AddInt64(&responses, 1)
		wg.Done()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	for i := 0; i < n; i++ {
		if err := c.Submit(ctx, request.Request{Method: http.MethodGet, URL: "http://example.test", ID: int64(i)}); err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	waitGroupOrTimeout(t, &wg, 3*time.Second)
	cancel()
	<-runDone

	if atomic.LoadInt64(&responses) != n {
		t.Fatalf("expected exactly %d completions, got %d", n, responses)
	}
}

// TestErrorCallbackFiresOnTransportFailure covers S4-style upstream
// failure handling: every submission to a failing pool surfaces through
// the error callback, correlated by ID, and marked retryable.
func TestErrorCallbackFiresOnTransportFailure(t *testing.T) {
	p, stub := directTestPool("p1", 4)
	stub.Fail.Store(true)

	c := client.New([]client.PoolGroup{{Pools: []pool.Pool{p}}}, client.Options{Rate: 100}, logger.New(false))

	var gotErr request.Error
	var wg sync.WaitGroup
	wg.Add(1)
	c.On(nil, func(req request.Request, errResp request.Error, sctx store.Context) {
		gotErr = errResp
		wg.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	if err := c.Submit(ctx, request.Request{Method: http.MethodGet, URL: "http://example.test", ID: 11}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitGroupOrTimeout(t, &wg, 3*time.Second)
	cancel()
	<-runDone

	if gotErr.ID != 11 {
		t.Fatalf("expected correlated error id 11, got %d", gotErr.ID)
	}
	if !gotErr.Retryable {
		t.Fatalf("expected transport failure to be retryable")
	}
}

// TestStoreSerializationAcrossCallbacks covers the store-serialization
// testable property: concurrent completions across controllers must never
// race on a shared counter reachable only through Context.Store.
func TestStoreSerializationAcrossCallbacks(t *testing.T) {
	p1, _ := directTestPool("p1", 16)
	p2, _ := directTestPool("p2", 16)
	p3, _ := directTestPool("p3", 16)
	p4, _ := directTestPool("p4", 16)
	c := client.New([]client.PoolGroup{
		{Pools: []pool.Pool{p1}},
		{Pools: []pool.Pool{p2}},
		{Pools: []pool.Pool{p3}},
		{Pools: []pool.Pool{p4}},
	}, client.Options{
		Rate:     500,
		UseStore: true,
	}, logger.New(false))

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)

	c.On(func(req request.Request, resp request.Response, sctx store.Context) {
		defer wg.Done()
		v, err := sctx.Store.Get("count")
		if err != nil {
			v = 0
		}
		count, _ := v.(int)
		_ = sctx.Store.Set("count", count+1)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	for i := 0; i < n; i++ {
		c.Submit(ctx, request.Request{Method: http.MethodGet, URL: "http://example.test", ID: int64(i)})
	}

	waitGroupOrTimeout(t, &wg, 5*time.Second)
	cancel()
	<-runDone

	c.Store().Lock()
	v, _ := c.Store().Get("count")
	c.Store().Unlock()

	if v.(int) != n {
		t.Fatalf("expected exact count %d under concurrent callback access, got %v", n, v)
	}
}

// TestContextExitStopsDispatch covers the Exit hook: once a callback
// calls Context.Exit, Run must return promptly with a nil error.
func TestContextExitStopsDispatch(t *testing.T) {
	p, _ := directTestPool("p1", 4)
	c := client.New([]client.PoolGroup{{Pools: []pool.Pool{p}}}, client.Options{Rate: 100}, logger.New(false))

	var exited atomic.Bool
	c.On(func(req request.Request, resp request.Response, sctx store.Context) {
		if !exited.Swap(true) {
			sctx.Exit()
		}
	}, nil)

	ctx := context.Background()
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	c.Submit(ctx, request.Request{Method: http.MethodGet, URL: "http://example.test"})

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("expected clean return after Exit, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after Context.Exit was called")
	}
}

// TestClassifyByStatusRoutesServerErrorsToBothCallbacks exercises the
// status-code classification design note: a 5xx response should reach
// both the response and error callbacks when ClassifyByStatus is set.
func TestClassifyByStatusRoutesServerErrorsToBothCallbacks(t *testing.T) {
	p, stub := directTestPool("p1", 4)
	stub.Status = http.StatusInternalServerError

	c := client.New([]client.PoolGroup{{Pools: []pool.Pool{p}}}, client.Options{
		Rate:             100,
		ClassifyByStatus: true,
	}, logger.New(false))

	var gotResponse, gotError atomic.Bool
	var wg sync.WaitGroup
	wg.Add(2)
	c.On(
		func(req request.Request, resp request.Response, sctx store.Context) {
			gotResponse.Store(true)
			wg.Done()
		},
		func(req request.Request, errResp request.Error, sctx store.Context) {
			gotError.Store(true)
			wg.Done()
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	c.Submit(ctx, request.Request{Method: http.MethodGet, URL: "http://example.test"})

	waitGroupOrTimeout(t, &wg, 3*time.Second)
	cancel()
	<-runDone

	if !gotResponse.Load() || !gotError.Load() {
		t.Fatalf("expected a 5xx response to reach both callbacks, response=%v error=%v", gotResponse.Load(), gotError.Load())
	}
}

// TestPoolLoadBalanceWithinGroup covers the pool-load-balance testable
// property: within a group of K identical pools, requests land within
// ±⌈N/K·0.1⌉ of N/K on any one pool.
func TestPoolLoadBalanceWithinGroup(t *testing.T) {
	const k = 4
	const n = 400
	pools := make([]pool.Pool, k)
	stubs := make([]*stubtransport.Stub, k)
	for i := range pools {
		pools[i], stubs[i] = directTestPool(string(rune('a'+i)), 16)
	}

	c := client.New([]client.PoolGroup{{ID: "g", Pools: pools}}, client.Options{Rate: 1000}, logger.New(false))

	var wg sync.WaitGroup
	wg.Add(n)
	c.On(func(req request.Request, resp request.Response, sctx store.Context) {
		wg.Done()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	for i := 0; i < n; i++ {
		c.Submit(ctx, request.Request{Method: http.MethodGet, URL: "http://example.test", ID: int64(i)})
	}

	waitGroupOrTimeout(t, &wg, 5*time.Second)
	cancel()
	<-runDone

	expected := int64(n / k)
	tolerance := int64((n/k + 9) / 10) // ceil(N/K * 0.1)
	for i, p := range pools {
		handled := stubs[i].Calls()
		if handled < expected-tolerance || handled > expected+tolerance {
			t.Fatalf("pool %s handled %d requests, expected within %d of %d", p.ID(), handled, tolerance, expected)
		}
	}
}

// TestRetryHookReplaysRequestOnce covers S6: a callback inspecting a
// response and calling Context.Retry once gets exactly two RESPONSE
// invocations for that request's id, and Run still terminates cleanly on
// its own once the retry completes.
func TestRetryHookReplaysRequestOnce(t *testing.T) {
	p, _ := directTestPool("p1", 4)
	c := client.New([]client.PoolGroup{{Pools: []pool.Pool{p}}}, client.Options{Rate: 100}, logger.New(false))

	var invocations int64
	var retried atomic.Bool
	c.On(func(req request.Request, resp request.Response, sctx store.Context) {
		atomic.AddInt64(&invocations, 1)
		if req.ID == 42 && !retried.Swap(true) {
			sctx.Retry(req)
		}
	}, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(context.Background()) }()

	if err := c.Submit(context.Background(), request.Request{Method: http.MethodGet, URL: "http://example.test", ID: 42}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("expected Run to terminate naturally, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not terminate after the retried request completed")
	}

	if got := atomic.LoadInt64(&invocations); got != 2 {
		t.Fatalf("expected exactly 2 RESPONSE invocations for the retried id, got %d", got)
	}
}

// TestCorrelationIsABijection covers the correlation testable property:
// every response's id equals the id of exactly one submitted request.
func TestCorrelationIsABijection(t *testing.T) {
	p, _ := directTestPool("p1", 16)
	c := client.New([]client.PoolGroup{{Pools: []pool.Pool{p}}}, client.Options{Rate: 500}, logger.New(false))

	const n = 150
	seen := make(map[int64]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)

	c.On(func(req request.Request, resp request.Response, sctx store.Context) {
		mu.Lock()
		seen[resp.ID]++
		mu.Unlock()
		wg.Done()
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()

	for i := 0; i < n; i++ {
		c.Submit(ctx, request.Request{Method: http.MethodGet, URL: "http://example.test", ID: int64(i)})
	}

	waitGroupOrTimeout(t, &wg, 5*time.Second)
	cancel()
	<-runDone

	if len(seen) != n {
		t.Fatalf("expected %d distinct correlated ids, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("id %d was delivered %d times, expected exactly 1", id, count)
		}
	}
}

func waitGroupOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timed out waiting for expected callbacks")
	}
}
