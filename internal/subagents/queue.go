package subagents

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/subtrack/internal/delivery"
)

// Queue modes.
const (
	// QueueModeSteer injects into an already-streaming run, or gives up.
	QueueModeSteer = "steer"
	// QueueModeSteerBacklog steers when possible, otherwise enqueues.
	QueueModeSteerBacklog = "steer-backlog"
	// QueueModeCollect debounces and coalesces queued items into one send.
	QueueModeCollect = "collect"
	// QueueModeFollowup debounces but sends each item separately, in order.
	QueueModeFollowup = "followup"
	// QueueModeInterrupt sends immediately.
	QueueModeInterrupt = "interrupt"
)

// Disposition is the queue's answer to a submitted announce.
type Disposition int

const (
	// NotHandled means the caller must deliver directly.
	NotHandled Disposition = iota
	// Steered means the item was injected into a live run.
	Steered
	// Queued means the queue owns eventual delivery.
	Queued
)

// QueueItem is one pending announce.
type QueueItem struct {
	AnnounceID  string
	Prompt      string
	SummaryLine string
	EnqueuedAt  int64
	SessionKey  string
	Origin      *delivery.Context
}

// SendFunc flushes a batch of items to their session. Collect mode passes
// the whole coalesced batch at once; other modes pass one item per call.
type SendFunc func(items []QueueItem) error

// QueueSettings selects the policy for one submission.
type QueueSettings struct {
	Mode     string
	Debounce time.Duration
}

type sessionQueue struct {
	items []QueueItem
	timer *time.Timer
	mode  string
	send  SendFunc
}

// AnnounceQueue holds per-requester-session pending announces and flushes
// them after a debounce window.
type AnnounceQueue struct {
	mu      sync.Mutex
	byKey   map[string]*sessionQueue
	probe   RunProbe
	logger  *slog.Logger
	stopped bool
}

// NewAnnounceQueue creates a queue using probe to detect steerable runs.
func NewAnnounceQueue(probe RunProbe, logger *slog.Logger) *AnnounceQueue {
	if probe == nil {
		probe = NoopProbe{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnnounceQueue{
		byKey:  make(map[string]*sessionQueue),
		probe:  probe,
		logger: logger,
	}
}

// Submit routes one announce according to the policy. A Steered or Queued
// result means delivery is now the queue's responsibility.
func (q *AnnounceQueue) Submit(key string, item QueueItem, settings QueueSettings, send SendFunc) Disposition {
	mode := settings.Mode
	if mode == "" {
		mode = QueueModeCollect
	}

	switch mode {
	case QueueModeSteer:
		if q.trySteer(key, item) {
			return Steered
		}
		return NotHandled

	case QueueModeSteerBacklog:
		if q.trySteer(key, item) {
			return Steered
		}
		return q.enqueue(key, item, mode, settings.Debounce, send)

	case QueueModeCollect, QueueModeFollowup:
		return q.enqueue(key, item, mode, settings.Debounce, send)

	case QueueModeInterrupt:
		if err := send([]QueueItem{item}); err != nil {
			q.logger.Warn("announce queue: interrupt send failed", "session", key, "error", err)
			return NotHandled
		}
		return Queued

	default:
		return NotHandled
	}
}

func (q *AnnounceQueue) trySteer(key string, item QueueItem) bool {
	if !q.probe.IsRunStreaming(key) {
		return false
	}
	return q.probe.QueueMessage(key, item.Prompt)
}

func (q *AnnounceQueue) enqueue(key string, item QueueItem, mode string, debounce time.Duration, send SendFunc) Disposition {
	if debounce <= 0 {
		debounce = time.Second
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return NotHandled
	}

	sq, ok := q.byKey[key]
	if !ok {
		sq = &sessionQueue{mode: mode}
		q.byKey[key] = sq
	}
	sq.items = append(sq.items, item)
	sq.mode = mode
	sq.send = send
	if sq.timer != nil {
		sq.timer.Stop()
	}
	sq.timer = time.AfterFunc(debounce, func() { q.flush(key) })
	return Queued
}

func (q *AnnounceQueue) flush(key string) {
	q.mu.Lock()
	sq, ok := q.byKey[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.byKey, key)
	q.mu.Unlock()

	if len(sq.items) == 0 {
		return
	}

	if sq.mode == QueueModeCollect {
		if err := sq.send(sq.items); err != nil {
			q.logger.Warn("announce queue: flush failed", "session", key, "items", len(sq.items), "error", err)
		}
		return
	}
	for _, item := range sq.items {
		if err := sq.send([]QueueItem{item}); err != nil {
			q.logger.Warn("announce queue: flush failed", "session", key, "announce", item.AnnounceID, "error", err)
		}
	}
}

// Pending returns the number of items waiting for key. Intended for tests
// and introspection.
func (q *AnnounceQueue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sq, ok := q.byKey[key]; ok {
		return len(sq.items)
	}
	return 0
}

// Stop cancels all pending timers and drops queued items.
func (q *AnnounceQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for key, sq := range q.byKey {
		if sq.timer != nil {
			sq.timer.Stop()
		}
		delete(q.byKey, key)
	}
}
