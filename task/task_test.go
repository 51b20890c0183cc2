package task

import (
	"sync"
	"testing"
	"time"
)

func TestCancelToken(t *testing.T) {
	tok := NewCancelToken()
	if tok.Cancelled() {
		t.Fatal("fresh token cancelled")
	}
	tok.Cancel()
	tok.Cancel() // repeatable
	if !tok.Cancelled() {
		t.Fatal("Cancel did not stick")
	}

	// A nil token is always live; loops do not special-case it.
	var nilTok *CancelToken
	if nilTok.Cancelled() || nilTok.ShouldStop(0) {
		t.Fatal("nil token reported cancellation")
	}
}

func TestShouldStopCadence(t *testing.T) {
	tok := NewCancelToken()
	tok.Cancel()

	// Only check boundaries observe the cancellation.
	if tok.ShouldStop(CancelCheckInterval + 1) {
		t.Fatal("stopped off-boundary")
	}
	if !tok.ShouldStop(0) || !tok.ShouldStop(CancelCheckInterval) || !tok.ShouldStop(CancelCheckInterval*3) {
		t.Fatal("boundary check missed cancellation")
	}

	// A live token never stops, boundary or not.
	live := NewCancelToken()
	if live.ShouldStop(0) || live.ShouldStop(CancelCheckInterval) {
		t.Fatal("live token stopped")
	}
}

func TestCompletionQueue(t *testing.T) {
	q := NewCompletionQueue()
	if got := q.Drain(); got != nil {
		t.Fatalf("empty drain = %v", got)
	}

	var order []int
	q.Enqueue(func() { order = append(order, 1) })
	q.Enqueue(func() { order = append(order, 2) })

	completions := q.Drain()
	if len(completions) != 2 {
		t.Fatalf("drained %d completions", len(completions))
	}
	for _, c := range completions {
		c()
	}
	if order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v", order)
	}
	if got := q.Drain(); got != nil {
		t.Fatal("second drain not empty")
	}
}

func TestPollWakesOnEnqueue(t *testing.T) {
	q := NewCompletionQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(func() {})
	}()

	start := time.Now()
	completions := q.Poll(5 * time.Second)
	if len(completions) != 1 {
		t.Fatalf("Poll returned %d completions", len(completions))
	}
	if time.Since(start) > time.Second {
		t.Fatal("Poll waited for the full timeout instead of waking")
	}

	// Empty queue with zero wait returns immediately.
	if got := q.Poll(0); got != nil {
		t.Fatalf("zero-wait poll = %v", got)
	}
}

func TestRunnerSingleFlight(t *testing.T) {
	q := NewCompletionQueue()
	r := NewRunner(q)

	release := make(chan struct{})
	started := make(chan struct{})
	h1, ok := r.Submit("layer-a", func(*CancelToken) Completion {
		close(started)
		<-release
		return func() {}
	})
	if !ok {
		t.Fatal("first submission rejected")
	}
	<-started

	if _, ok := r.Submit("layer-a", func(*CancelToken) Completion { return nil }); ok {
		t.Fatal("second submission on busy key accepted")
	}
	if !r.InFlight("layer-a") {
		t.Fatal("InFlight false while running")
	}

	// A different key runs concurrently.
	h2, ok := r.Submit("layer-b", func(*CancelToken) Completion { return nil })
	if !ok {
		t.Fatal("independent key rejected")
	}
	h2.Wait()

	close(release)
	h1.Wait()
	if r.InFlight("layer-a") {
		t.Fatal("key still held after completion")
	}

	// The key is reusable once released.
	h3, ok := r.Submit("layer-a", func(*CancelToken) Completion { return nil })
	if !ok {
		t.Fatal("resubmission after completion rejected")
	}
	h3.Wait()

	if got := q.Drain(); len(got) != 1 {
		t.Fatalf("queued completions = %d, want 1", len(got))
	}
}

func TestRunnerCancellation(t *testing.T) {
	r := NewRunner(NewCompletionQueue())

	var once sync.Once
	observed := make(chan bool, 1)
	h, ok := r.Submit("layer-a", func(token *CancelToken) Completion {
		for i := 0; ; i++ {
			if token.ShouldStop(i) {
				once.Do(func() { observed <- true })
				return nil
			}
		}
	})
	if !ok {
		t.Fatal("submission rejected")
	}
	h.Cancel()
	h.Wait()

	select {
	case <-observed:
	default:
		t.Fatal("worker never observed cancellation")
	}
}
