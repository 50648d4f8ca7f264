package delivery

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Deduper drops duplicate delivery attempts within a TTL window. It is a
// single-process convenience on top of the downstream idempotency-key
// dedupe: when the lifecycle listener and a resumed completion waiter both
// observe the same completion in this process, the second send is dropped
// before it ever hits the wire.
type Deduper struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewDeduper creates a dedupe cache holding at most size keys for ttl each.
func NewDeduper(ttl time.Duration, size int) *Deduper {
	if size <= 0 {
		size = 5000
	}
	if ttl <= 0 {
		ttl = 20 * time.Minute
	}
	return &Deduper{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

// Seen reports whether key was already recorded within the TTL window, and
// records it if not. The check-and-record is atomic.
func (d *Deduper) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Get(key); ok {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

// Forget drops a recorded key so the attempt can be retried, used when the
// send behind it failed.
func (d *Deduper) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(key)
}
