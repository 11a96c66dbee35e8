package ratelimitgate

import (
	"context"
	"testing"
	"time"
)

// TestGateMinDelayIsGlobal checks that the pacing delay applies across
// callers, not per caller: N sequential acquisitions take at least
// (N-1)*minDelay regardless of which goroutine acquires.
func TestGateMinDelayIsGlobal(t *testing.T) {
	const minDelay = 20 * time.Millisecond
	g := New(4, minDelay, 0)
	defer g.Stop()

	const n = 5
	start := time.Now()
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			release, err := g.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
			} else {
				release()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if elapsed := time.Since(start); elapsed < (n-1)*minDelay {
		t.Fatalf("expected %d acquisitions to take at least %v, took %v", n, (n-1)*minDelay, elapsed)
	}
}

// TestGateConcurrencyCap checks that at most maxConcurrent slots are held
// at once.
func TestGateConcurrencyCap(t *testing.T) {
	g := New(2, 0, 0)
	defer g.Stop()

	r1, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	r2, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx); err == nil {
		t.Fatal("expected the third Acquire to block until timeout while both slots are held")
	}

	r1()
	r3, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	r3()
	r2()
}

// TestGateStopUnblocksAcquire checks that Stop releases callers blocked
// waiting for a slot.
func TestGateStopUnblocksAcquire(t *testing.T) {
	g := New(1, 0, 0)
	release, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Acquire(context.Background())
		errCh <- err
	}()

	// Stop blocks until every held slot is released, so it runs in its own
	// goroutine and release() is called once the blocked Acquire has failed.
	time.Sleep(10 * time.Millisecond)
	stopCh := make(chan error, 1)
	go func() { stopCh <- g.Stop() }()

	if err := <-errCh; err == nil {
		t.Fatal("expected the blocked Acquire to fail once the gate stopped")
	}
	release()
	if err := <-stopCh; err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestThrottleUploadUnlimitedPassesThrough checks that with no bandwidth
// cap the throttled copy returns the input bytes unchanged.
func TestThrottleUploadUnlimitedPassesThrough(t *testing.T) {
	g := New(1, 0, 0)
	defer g.Stop()

	in := make([]byte, 256*1024)
	for i := range in {
		in[i] = byte(i)
	}
	out, err := g.ThrottleUpload(in)
	if err != nil {
		t.Fatalf("ThrottleUpload: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}
