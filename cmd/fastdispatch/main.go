// Command fastdispatch is a minimal demonstration of the dispatch engine:
// it reads one URL per line from a file (or stdin), submits each as a GET
// request against a single direct pool, logs every response and error as
// it arrives, and shuts down gracefully on SIGINT/SIGTERM.
//
// Entry-point wiring (config → logger → engine → OS signal handling) is
// adapted from the teacher's main.go.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outrider/fastdispatch/client"
	"github.com/outrider/fastdispatch/config"
	"github.com/outrider/fastdispatch/logger"
	"github.com/outrider/fastdispatch/pool"
	"github.com/outrider/fastdispatch/request"
	"github.com/outrider/fastdispatch/store"
)

func main() {
	urlFile := flag.String("urls", "", "path to a file with one URL per line (defaults to stdin)")
	rate := flag.Float64("rate", 10, "tickets per second for the pool group's controller")
	maxConns := flag.Int64("max-connections", 16, "max concurrent connections in the pool")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(cfg.IsDevelopment())

	log.Info().Str("env", cfg.Env).Msg("fastdispatch starting")

	urls, err := readURLs(*urlFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read URLs")
	}
	if len(urls) == 0 {
		log.Fatal().Msg("no URLs to dispatch")
	}

	direct := pool.NewDirectPool("direct", "", *maxConns, nil, pool.DefaultTransportConfig(), nil)
	defer direct.Close()

	eng := client.New([]client.PoolGroup{{ID: "direct", Pools: []pool.Pool{direct}}}, client.Options{
		Rate:     *rate,
		UseStore: true,
		UseRPS:   true,
	}, log)

	eng.On(
		func(req request.Request, resp request.Response, sctx store.Context) {
			log.Info().
				Int64("request_id", req.ID).
				Int("status", resp.Status).
				Dur("elapsed", resp.Elapsed).
				Float64("rps", sctx.RPS).
				Int("rps1", sctx.RPS1).
				Msg("response")
		},
		func(req request.Request, errResp request.Error, sctx store.Context) {
			log.Error().
				Int64("request_id", req.ID).
				Err(errResp.Cause).
				Bool("retryable", errResp.Retryable).
				Msg("error")
		},
	)

	ctx := context.Background()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() { runDone <- eng.Run(ctx) }()

	for i, u := range urls {
		if err := eng.Submit(ctx, request.Request{Method: "GET", URL: u, ID: int64(i)}); err != nil {
			log.Warn().Err(err).Str("url", u).Msg("submit failed")
		}
	}

	select {
	case <-sig:
		log.Info().Msg("shutdown signal received")
	case err := <-runDone:
		if err != nil {
			log.Error().Err(err).Msg("engine stopped with error")
		}
		log.Info().Msg("fastdispatch stopped")
		return
	}

	eng.Exit()
	select {
	case <-runDone:
	case <-time.After(cfg.GracefulTimeout):
		log.Warn().Msg("graceful timeout exceeded, exiting anyway")
	}

	log.Info().Msg("fastdispatch stopped")
}

func readURLs(path string) ([]string, error) {
	var f *os.File
	if path == "" {
		f = os.Stdin
	} else {
		opened, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		defer opened.Close()
		f = opened
	}

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		urls = append(urls, line)
	}
	return urls, scanner.Err()
}
