// Package ratelimitgate implements the global upload concurrency and
// pacing gate: a worker-count cap and a single shared "minimum delay
// between upload starts" token, process-wide for a run rather than per
// worker. A per-worker sleep would start uploads N times faster than
// intended and trip remote rate limits.
package ratelimitgate

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/ratelimit"
	"github.com/uplo-tech/threadgroup"
)

// Gate serializes the start of uploads across the worker pool: at most
// maxConcurrent uploads run at a time, and no two uploads may start less
// than minDelay apart, regardless of which worker initiates them.
type Gate struct {
	tg  threadgroup.ThreadGroup
	rl  *ratelimit.RateLimit
	sem chan struct{}

	mu            sync.Mutex
	nextAvailable time.Time
	minDelay      time.Duration
}

// New creates a Gate. uploadBPS bounds aggregate upload bandwidth (0 means
// unlimited); maxConcurrent and minDelay carry
// rate_limit.max_concurrent_uploads and rate_limit.min_delay_ms.
func New(maxConcurrent int, minDelay time.Duration, uploadBPS int64) *Gate {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Gate{
		rl:       ratelimit.NewRateLimit(0, uploadBPS, 0),
		sem:      make(chan struct{}, maxConcurrent),
		minDelay: minDelay,
	}
}

// Acquire blocks until both a worker slot and the shared pacing token are
// available, or ctx is cancelled, or the gate is stopped. The returned
// release func must be called exactly once to free the worker slot.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.tg.Add(); err != nil {
		return nil, errors.AddContext(err, "ratelimitgate: gate is shutting down")
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		g.tg.Done()
		return nil, ctx.Err()
	case <-g.tg.StopChan():
		g.tg.Done()
		return nil, threadgroup.ErrStopped
	}

	if err := g.waitForToken(ctx); err != nil {
		<-g.sem
		g.tg.Done()
		return nil, err
	}

	return func() {
		<-g.sem
		g.tg.Done()
	}, nil
}

// waitForToken blocks until the shared minDelay token is available,
// advancing nextAvailable to now+minDelay as soon as this caller claims it.
// This is the "single shared token, released at now + min_delay_ms"
// behavior, as opposed to a per-worker sleep.
func (g *Gate) waitForToken(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := time.Now()
		if !now.Before(g.nextAvailable) {
			g.nextAvailable = now.Add(g.minDelay)
			g.mu.Unlock()
			return nil
		}
		wait := g.nextAvailable.Sub(now)
		g.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-g.tg.StopChan():
			t.Stop()
			return threadgroup.ErrStopped
		}
	}
}

// ThrottleUpload drains data through the gate's shared upload
// ratelimit.RateLimit stream, so aggregate upload bandwidth across all
// workers stays under the configured bytes/sec. With no bandwidth cap
// configured the copy passes straight through.
func (g *Gate) ThrottleUpload(data []byte) ([]byte, error) {
	pr, pw := io.Pipe()
	stream := ratelimit.NewRLStream(&pipeReadWriteCloser{pr, pw}, g.rl, g.tg.StopChan())

	go func() {
		_, _ = pw.Write(data)
		_ = pw.Close()
	}()

	out := make([]byte, 0, len(data))
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.AddContext(err, "ratelimitgate: throttled read failed")
		}
	}
	return out, nil
}

// pipeReadWriteCloser adapts an io.PipeReader/io.PipeWriter pair into the
// single io.ReadWriteCloser that ratelimit.NewRLStream expects.
type pipeReadWriteCloser struct {
	*io.PipeReader
	*io.PipeWriter
}

func (p *pipeReadWriteCloser) Close() error {
	return errors.Compose(p.PipeReader.Close(), p.PipeWriter.Close())
}

// Stop shuts down the gate, releasing any goroutines blocked in Acquire.
func (g *Gate) Stop() error {
	return g.tg.Stop()
}
