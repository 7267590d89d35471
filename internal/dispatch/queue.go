// Package dispatch implements the multi-tenant webhook server: secret-based
// bot lookup, update dedup, media-group coalescing, per-chat serial queues
// and the graceful-shutdown drain.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/claudiohq/claudio/internal/config"
)

const (
	// MaxQueueSize bounds the pending bodies per chat-queue-key.
	MaxQueueSize = 5

	// queueWarnThreshold emits a warning when a queue reaches this share of
	// its capacity.
	queueWarnThreshold = 0.8

	// MessageTimeout is the per-message processing cap inherited by workers.
	MessageTimeout = 600 * time.Second

	// drainGrace is added to MessageTimeout when joining workers at
	// shutdown.
	drainGrace = 10 * time.Second

	// DedupWindow is the size of the sliding update-id dedup set.
	DedupWindow = 1000
)

// QueueKey is the unit of per-conversation ordering.
type QueueKey struct {
	BotID  string
	ChatID string
}

// queuedItem is one webhook body waiting for its chat worker.
type queuedItem struct {
	platform string
	cfg      *config.BotConfig
	body     []byte
}

// Processor runs the message pipeline for one body.
type Processor func(ctx context.Context, platformName, botID string, cfg *config.BotConfig, body []byte)

// QueueManager owns the per-chat queues, the active-worker set and the
// dedup window. All maps live under one lock; critical sections are O(1).
type QueueManager struct {
	process Processor

	mu           sync.Mutex
	queues       map[QueueKey][]queuedItem
	workers      map[QueueKey]chan struct{} // worker exit signals, for the drain
	shuttingDown bool

	dedup *dedupSet

	// messageTimeout is overridable in tests.
	messageTimeout time.Duration
}

// NewQueueManager builds a queue manager dispatching to process.
func NewQueueManager(process Processor) *QueueManager {
	return &QueueManager{
		process:        process,
		queues:         map[QueueKey][]queuedItem{},
		workers:        map[QueueKey]chan struct{}{},
		dedup:          newDedupSet(DedupWindow),
		messageTimeout: MessageTimeout,
	}
}

// Seen records an update id and reports whether it was already in the
// dedup window.
func (q *QueueManager) Seen(updateID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dedup.seen(updateID)
}

// ShuttingDown reports whether the drain has started.
func (q *QueueManager) ShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuttingDown
}

// Enqueue appends a body to its chat queue, dropping with a warning when
// the queue is full, and spawns a worker when none is active for the key.
func (q *QueueManager) Enqueue(key QueueKey, platformName string, cfg *config.BotConfig, body []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.queues[key]
	if len(queue) >= MaxQueueSize {
		slog.Warn("chat queue full, dropping message",
			"bot", key.BotID, "chat_id", key.ChatID, "size", len(queue))
		return
	}
	if float64(len(queue)+1) >= queueWarnThreshold*float64(MaxQueueSize) {
		slog.Warn("chat queue near capacity",
			"bot", key.BotID, "chat_id", key.ChatID, "size", len(queue)+1)
	}

	q.queues[key] = append(queue, queuedItem{platform: platformName, cfg: cfg, body: body})

	if _, active := q.workers[key]; !active {
		done := make(chan struct{})
		q.workers[key] = done
		go q.workerLoop(key, done)
	}
}

// workerLoop drains one chat queue serially. During shutdown it keeps
// draining — shutdown never interrupts an in-flight message.
func (q *QueueManager) workerLoop(key QueueKey, done chan struct{}) {
	defer close(done)

	for {
		q.mu.Lock()
		queue := q.queues[key]
		if len(queue) == 0 {
			delete(q.queues, key)
			delete(q.workers, key)
			q.mu.Unlock()
			return
		}
		item := queue[0]
		q.queues[key] = queue[1:]
		q.mu.Unlock()

		q.runOne(key, item)
	}
}

// runOne executes the pipeline for one body under the per-message timeout.
// Nothing propagates out of a worker.
func (q *QueueManager) runOne(key QueueKey, item queuedItem) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in chat worker",
				"bot", key.BotID, "chat_id", key.ChatID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), q.messageTimeout)
	defer cancel()

	start := time.Now()
	q.process(ctx, item.platform, key.BotID, item.cfg, item.body)
	if ctx.Err() == context.DeadlineExceeded {
		slog.Error("message processing timed out",
			"bot", key.BotID, "chat_id", key.ChatID, "elapsed", time.Since(start))
	}
}

// BeginShutdown flips the shutting-down flag; subsequent webhooks get 503.
func (q *QueueManager) BeginShutdown() {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()
}

// Drain joins every active worker, allowing each the per-message timeout
// plus a grace period. Workers still alive after that are logged and
// abandoned.
func (q *QueueManager) Drain() {
	q.mu.Lock()
	snapshot := make(map[QueueKey]chan struct{}, len(q.workers))
	for key, done := range q.workers {
		snapshot[key] = done
	}
	q.mu.Unlock()

	for key, done := range snapshot {
		select {
		case <-done:
		case <-time.After(q.messageTimeout + drainGrace):
			slog.Warn("worker did not finish within drain timeout",
				"bot", key.BotID, "chat_id", key.ChatID)
		}
	}
}

// ActiveWorkers returns the number of live workers (for health reporting).
func (q *QueueManager) ActiveWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// dedupSet is a bounded insertion-ordered set with LRU-by-insertion
// eviction. Best-effort: ids older than the window may re-enter.
type dedupSet struct {
	limit int
	seenM map[string]bool
	order []string
}

func newDedupSet(limit int) *dedupSet {
	return &dedupSet{limit: limit, seenM: make(map[string]bool, limit)}
}

func (d *dedupSet) seen(id string) bool {
	if d.seenM[id] {
		return true
	}
	d.seenM[id] = true
	d.order = append(d.order, id)
	if len(d.order) > d.limit {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seenM, oldest)
	}
	return false
}
