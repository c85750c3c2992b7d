package edge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CacheEntry is one stored response, keyed by its full request URL per
// spec.md §4.8.
type CacheEntry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	ETag       string
	StoredAt   time.Time
}

// ResponseCache is the content-addressed cache spec.md §4.8 describes.
// The default is in-process; a production deployment can substitute a
// shared backend without the router changing.
type ResponseCache interface {
	Get(key string) (CacheEntry, bool)
	Set(key string, entry CacheEntry, ttl time.Duration)
	Delete(key string)
}

type cacheItem struct {
	entry     CacheEntry
	expiresAt time.Time
}

// InMemoryResponseCache is the default ResponseCache: a single
// process-wide map guarded by a mutex, matching spec.md §9's "global
// state" list item (b), the process-wide response cache handle.
type InMemoryResponseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheItem
}

// NewInMemoryResponseCache builds an empty cache.
func NewInMemoryResponseCache() *InMemoryResponseCache {
	return &InMemoryResponseCache{entries: make(map[string]cacheItem)}
}

// DefaultCacheTTL bounds how long a historical-read or long-poll
// response lingers; cursor rotation (every 20s) naturally obsoletes
// long-poll URLs well before this would matter.
const DefaultCacheTTL = 5 * time.Minute

func (c *InMemoryResponseCache) Get(key string) (CacheEntry, bool) {
	c.mu.RLock()
	item, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return CacheEntry{}, false
	}
	if time.Now().After(item.expiresAt) {
		c.Delete(key)
		return CacheEntry{}, false
	}
	return item.entry, true
}

func (c *InMemoryResponseCache) Set(key string, entry CacheEntry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheItem{entry: entry, expiresAt: time.Now().Add(ttl)}
}

func (c *InMemoryResponseCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

var _ ResponseCache = (*InMemoryResponseCache)(nil)

// cursorEpoch and cursorIntervalSeconds define the monotonic interval
// bucket described in spec.md's glossary ("Cursor"): a 20s tick since a
// fixed epoch, used only to invalidate stale long-poll cache entries,
// never treated as authoritative.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const cursorIntervalSeconds = 20

func generateCursor(now time.Time) string {
	interval := int64(now.Sub(cursorEpoch) / (cursorIntervalSeconds * time.Second))
	return strconv.FormatInt(interval, 10)
}

// generateResponseCursor implements spec.md §4.8's cursor-rotation rule:
// a client that already holds the current (or a future) interval gets
// bumped forward by one, so repeated long-polls within the same 20s
// bucket don't collide on an identical cache key.
func generateResponseCursor(now time.Time, clientCursor string) string {
	current := generateCursor(now)
	if clientCursor == "" {
		return current
	}
	currentN, err := strconv.ParseInt(current, 10, 64)
	if err != nil {
		return current
	}
	clientN, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientN < currentN {
		return current
	}
	return strconv.FormatInt(clientN+1, 10)
}

// cacheable implements spec.md §4.8's cacheability predicate.
func cacheable(method, liveMode string, debugRequested bool, statusCode int, cacheControl string, atTail bool) bool {
	if method != http.MethodGet {
		return false
	}
	if liveMode == "sse" {
		return false
	}
	if debugRequested {
		return false
	}
	if statusCode != http.StatusOK {
		return false
	}
	if strings.Contains(strings.ToLower(cacheControl), "no-store") {
		return false
	}
	if atTail && liveMode != "long-poll" {
		return false
	}
	return true
}

// readerKeyFor derives a stream's reader key deterministically from its
// doKey and the project's first signing secret, so the edge never needs
// to persist a separately-generated key: the same project secret that
// signs bearer tokens also seeds this HMAC. Truncated to 16 hex chars —
// long enough to be unguessable in a query parameter, short enough to
// stay out of the way in a URL.
func readerKeyFor(doKey, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(doKey))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}
