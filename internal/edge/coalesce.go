package edge

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxCoalesceEntries caps the in-process coalescer's lingering
// result map per spec.md §4.9 layer 1.
const DefaultMaxCoalesceEntries = 100_000

// DefaultCoalesceLinger is how long a resolved entry stays memoized
// after its winner completes, so near-simultaneous arrivals still find
// it before the edge cache write finishes.
const DefaultCoalesceLinger = 200 * time.Millisecond

// Cross-node sentinel tuning, per spec.md §4.9 layer 2.
const (
	sentinelTTL      = 30 * time.Second
	sentinelDeadline = 31 * time.Second
	sentinelJitter   = 20 * time.Millisecond
	sentinelPoll     = 50 * time.Millisecond
)

// Result is one coalesced fetch's outcome: enough to replay as an HTTP
// response or store in the response cache.
type Result struct {
	StatusCode int
	Header     map[string][]string
	Body       []byte
}

// SharedCache is the cross-node layer's dependency: a short-TTL marker
// store any node in a fleet can read and write. Implementing this
// against a real distributed cache (Redis, Memcached) is how layer 2
// becomes effective across more than one edge process; the default
// in-process implementation degrades it to a no-op (single node sees
// its own sentinels only, which is harmless — the in-process layer
// above already does the real collapsing on one node).
type SharedCache interface {
	// SetNX stores value under key with the given ttl only if key is
	// absent, reporting whether this call was the one that set it.
	SetNX(key string, value []byte, ttl time.Duration) bool
	Get(key string) ([]byte, bool)
	Delete(key string)
}

// InMemorySharedCache is the default SharedCache: adequate for a
// single-process deployment or tests; a fleet deployment wires a real
// shared backend instead.
type InMemorySharedCache struct {
	mu      sync.Mutex
	entries map[string]sharedItem
}

type sharedItem struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemorySharedCache builds an empty SharedCache.
func NewInMemorySharedCache() *InMemorySharedCache {
	return &InMemorySharedCache{entries: make(map[string]sharedItem)}
}

func (c *InMemorySharedCache) SetNX(key string, value []byte, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.entries[key]; ok && time.Now().Before(item.expiresAt) {
		return false
	}
	c.entries[key] = sharedItem{value: value, expiresAt: time.Now().Add(ttl)}
	return true
}

func (c *InMemorySharedCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.entries[key]
	if !ok || time.Now().After(item.expiresAt) {
		return nil, false
	}
	return item.value, true
}

func (c *InMemorySharedCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

var _ SharedCache = (*InMemorySharedCache)(nil)

type lingeringResult struct {
	result *Result
	err    error
}

// Coalescer implements spec.md §4.9's two layers: an in-process
// singleflight.Group collapses genuinely concurrent callers for the
// same URL, backed by a lingering-result map so callers that arrive
// within the 200ms linger window after the winner finishes are served
// the memoized result without a second singleflight call; an optional
// SharedCache adds the cross-node sentinel protocol on top.
type Coalescer struct {
	group singleflight.Group

	mu         sync.Mutex
	lingering  map[string]*lingeringResult
	maxEntries int
	linger     time.Duration

	shared SharedCache
}

// NewCoalescer builds a Coalescer with no cross-node layer wired.
func NewCoalescer(maxEntries int, linger time.Duration) *Coalescer {
	return &Coalescer{
		lingering:  make(map[string]*lingeringResult),
		maxEntries: maxEntries,
		linger:     linger,
	}
}

// WithSharedCache wires the cross-node sentinel layer.
func (c *Coalescer) WithSharedCache(s SharedCache) *Coalescer {
	c.shared = s
	return c
}

// Do runs fn on behalf of key, collapsing concurrent and near-
// simultaneous callers into a single execution. cacheable controls
// whether the result is allowed to linger after completion; a
// non-cacheable result (e.g. a live-at-tail GET) is never memoized, per
// spec.md §4.9.
func (c *Coalescer) Do(ctx context.Context, key string, cacheableResult bool, fn func() (*Result, error)) (res *Result, err error, shared bool) {
	c.mu.Lock()
	if lr, ok := c.lingering[key]; ok {
		c.mu.Unlock()
		return lr.result, lr.err, true
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		if c.shared != nil {
			return c.sharedFetch(ctx, key, fn)
		}
		return fn()
	})

	if v != nil {
		res = v.(*Result)
	}

	if cacheableResult && err == nil {
		c.mu.Lock()
		if len(c.lingering) < c.maxEntries {
			c.lingering[key] = &lingeringResult{result: res, err: err}
			c.mu.Unlock()
			time.AfterFunc(c.linger, func() {
				c.mu.Lock()
				delete(c.lingering, key)
				c.mu.Unlock()
			})
		} else {
			c.mu.Unlock()
		}
	} else {
		// Non-cacheable or failed results must never be found by a
		// later caller — delete defensively in case a prior cacheable
		// attempt at this key is still lingering.
		c.mu.Lock()
		delete(c.lingering, key)
		c.mu.Unlock()
	}

	return res, err, shared
}

// sharedFetch implements the cross-node sentinel protocol: the first
// caller across the fleet to observe no sentinel places one and does
// the real fetch; everyone else (on any node, within the jitter/poll
// window) waits for the fetch's result to land in the shared cache
// instead of repeating it.
func (c *Coalescer) sharedFetch(ctx context.Context, key string, fn func() (*Result, error)) (*Result, error) {
	sentinelKey := key + "?__sentinel=1"

	// The sentinel value is a request id, not a plain marker: a stuck
	// sentinel (winner crashed before publishing) is identifiable in logs
	// by which attempt placed it, instead of every sentinel looking alike.
	if c.shared.SetNX(sentinelKey, []byte(uuid.NewString()), sentinelTTL) {
		return fn()
	}

	jitter := time.Duration(rand.Int63n(int64(sentinelJitter) + 1))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	deadline := time.Now().Add(sentinelDeadline)
	for time.Now().Before(deadline) {
		if body, ok := c.shared.Get(key); ok {
			return decodeSharedResult(body)
		}
		select {
		case <-time.After(sentinelPoll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Nobody published a result before our deadline (winner crashed or
	// is simply slow) — fall back to doing the fetch ourselves rather
	// than failing the request.
	return fn()
}

// PublishShared stores a coalesced fetch's result under key in the
// shared cache, for other nodes' sentinel pollers to pick up. The edge
// cache write path calls this after writing its own local entry.
func (c *Coalescer) PublishShared(key string, body []byte) {
	if c.shared == nil {
		return
	}
	c.shared.SetNX(key, body, sentinelTTL)
}

// decodeSharedResult is a placeholder seam: the default InMemorySharedCache
// only ever round-trips bytes a single process itself wrote (via
// PublishShared), so this package never needs to actually deserialize an
// HTTP response out of it. A real distributed SharedCache backend would
// replace this with the wire format it shares across nodes.
func decodeSharedResult(body []byte) (*Result, error) {
	return &Result{StatusCode: 200, Body: body}, nil
}
