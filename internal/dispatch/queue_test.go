package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/claudiohq/claudio/internal/config"
)

// recordingProcessor tracks pipeline invocations.
type recordingProcessor struct {
	mu     sync.Mutex
	calls  []string // "<bot>/<body>"
	delay  time.Duration
	active int
	maxAct int
}

func (r *recordingProcessor) process(_ context.Context, _, botID string, _ *config.BotConfig, body []byte) {
	r.mu.Lock()
	r.active++
	if r.active > r.maxAct {
		r.maxAct = r.active
	}
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.calls = append(r.calls, botID+"/"+string(body))
	r.active--
	r.mu.Unlock()
}

func (r *recordingProcessor) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recordingProcessor) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestPerChatFIFO(t *testing.T) {
	proc := &recordingProcessor{delay: 20 * time.Millisecond}
	qm := NewQueueManager(proc.process)

	key := QueueKey{BotID: "b1", ChatID: "1"}
	cfg := &config.BotConfig{BotID: "b1"}
	qm.Enqueue(key, "telegram", cfg, []byte("m1"))
	qm.Enqueue(key, "telegram", cfg, []byte("m2"))
	qm.Enqueue(key, "telegram", cfg, []byte("m3"))

	waitFor(t, 5*time.Second, func() bool { return proc.callCount() == 3 })

	calls := proc.snapshot()
	want := []string{"b1/m1", "b1/m2", "b1/m3"}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("FIFO violated: %v", calls)
		}
	}
	if proc.maxAct != 1 {
		t.Errorf("same-chat messages ran concurrently (max active %d)", proc.maxAct)
	}
}

func TestDistinctChatsRunConcurrently(t *testing.T) {
	proc := &recordingProcessor{delay: 100 * time.Millisecond}
	qm := NewQueueManager(proc.process)
	cfg := &config.BotConfig{BotID: "b1"}

	qm.Enqueue(QueueKey{BotID: "b1", ChatID: "1"}, "telegram", cfg, []byte("a"))
	qm.Enqueue(QueueKey{BotID: "b1", ChatID: "2"}, "telegram", cfg, []byte("b"))

	waitFor(t, 5*time.Second, func() bool { return proc.callCount() == 2 })

	if proc.maxAct < 2 {
		t.Error("distinct chats should process in parallel")
	}
}

func TestQueueBoundDropsExcess(t *testing.T) {
	block := make(chan struct{})
	var calls int
	var mu sync.Mutex
	qm := NewQueueManager(func(context.Context, string, string, *config.BotConfig, []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-block
	})
	cfg := &config.BotConfig{BotID: "b1"}
	key := QueueKey{BotID: "b1", ChatID: "1"}

	// First message occupies the worker; the queue holds at most
	// MaxQueueSize more.
	for i := 0; i < MaxQueueSize+5; i++ {
		qm.Enqueue(key, "telegram", cfg, []byte("m"))
	}

	qm.mu.Lock()
	pending := len(qm.queues[key])
	qm.mu.Unlock()
	if pending > MaxQueueSize {
		t.Errorf("queue grew to %d, bound is %d", pending, MaxQueueSize)
	}

	close(block)
}

func TestDedup(t *testing.T) {
	qm := NewQueueManager(nil)

	if qm.Seen("u1") {
		t.Error("first sighting should not be a duplicate")
	}
	if !qm.Seen("u1") {
		t.Error("second sighting should be a duplicate")
	}

	// Eviction: fill the window past its bound.
	for i := 0; i < DedupWindow+10; i++ {
		qm.Seen(strings.Repeat("x", 3) + string(rune('a'+i%26)) + time.Now().String())
	}
	if len(qm.dedup.seenM) > DedupWindow {
		t.Errorf("dedup set grew to %d, bound is %d", len(qm.dedup.seenM), DedupWindow)
	}
}

func TestWorkerSurvivesPanic(t *testing.T) {
	var calls int
	var mu sync.Mutex
	qm := NewQueueManager(func(_ context.Context, _, _ string, _ *config.BotConfig, body []byte) {
		mu.Lock()
		calls++
		mu.Unlock()
		if string(body) == "boom" {
			panic("pipeline exploded")
		}
	})
	cfg := &config.BotConfig{BotID: "b1"}
	key := QueueKey{BotID: "b1", ChatID: "1"}

	qm.Enqueue(key, "telegram", cfg, []byte("boom"))
	qm.Enqueue(key, "telegram", cfg, []byte("next"))

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
}

func TestDrainWaitsForInFlight(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	qm := NewQueueManager(func(context.Context, string, string, *config.BotConfig, []byte) {
		close(started)
		<-finish
		mu.Lock()
		finished = true
		mu.Unlock()
	})
	qm.messageTimeout = 5 * time.Second

	qm.Enqueue(QueueKey{BotID: "b1", ChatID: "1"}, "telegram", &config.BotConfig{}, []byte("m"))
	<-started

	qm.BeginShutdown()
	if !qm.ShuttingDown() {
		t.Fatal("shutting-down flag not set")
	}

	drained := make(chan struct{})
	go func() {
		qm.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned while a worker was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(finish)
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return after the worker finished")
	}

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Error("in-flight message did not run to completion")
	}
}
