// Package fanout implements per-stream realtime delivery: the long-poll
// waiter queue and the push-channel broadcast set described in
// spec.md §4.5. One Hub is bound to one stream, mirroring
// internal/engine's one-Engine-per-stream shape; the sequencer wires a
// Hub's NotifyAppend/NotifyClose as the Engine's Notifier.
//
// Grounded on the teacher's store/memory_store.go longPollManager
// (register/unregister/notify over buffered channels) and handler.go's
// handleSSE loop, generalized to add the pre-cache-before-resolve
// ordering and stagger window the teacher's version didn't implement,
// and to push typed frames instead of re-polling the store.
package fanout

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/durablelog/durablelog/internal/offset"
)

// DefaultStagger is the upper bound of the random delay applied before
// waking a long-poll waiter, to desynchronize reconnection bursts.
const DefaultStagger = 100 * time.Millisecond

// DefaultLongPollTimeout is how long a long-poll wait blocks before
// resolving empty.
const DefaultLongPollTimeout = 4 * time.Second

// FrameType distinguishes the push channel's frame kinds. The only kind
// produced today is FrameControl: a tail/close notification that tells
// internal/ssebridge's subscriber to re-fetch via ReadAt rather than
// carrying the appended bytes itself, so a dropped frame under
// backpressure (see broadcast's channelCapacity policy) never loses
// data — only a wakeup, which the next frame or the client's own
// catch-up loop recovers.
type FrameType string

const (
	FrameControl FrameType = "control"
)

// Frame is one push-channel message.
type Frame struct {
	Type FrameType

	StreamNextOffset     string
	StreamCursor         string
	StreamWriteTimestamp int64
	StreamClosed         bool
	UpToDate             bool
}

// Precache is called for every woken long-poll waiter, before its
// channel is signaled, so that a reconnecting client's retry hits the
// edge cache instead of the sequencer. Implemented by the edge cache's
// write path; Hub only calls it, never touches the cache itself.
type Precache func(ctx context.Context, waiterURL string, fromOffset offset.Offset)

type waiter struct {
	url          string
	notifyOffset offset.Offset
	ch           chan struct{}
}

// Hub is one stream's long-poll waiter queue plus push-channel set.
type Hub struct {
	mu       sync.Mutex
	waiters  []*waiter
	channels map[uint64]chan Frame
	nextID   uint64

	precache Precache
	stagger  time.Duration

	// channelCapacity bounds each push channel's buffer; a send that
	// would block past it instead drops the channel, per spec.md §5's
	// "drop the slowest channel rather than block" resource policy.
	channelCapacity int
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithPrecache wires the pre-cache hook.
func WithPrecache(p Precache) Option {
	return func(h *Hub) { h.precache = p }
}

// WithStagger overrides the wake-up jitter window (default
// DefaultStagger). Used by tests to make timing deterministic.
func WithStagger(d time.Duration) Option {
	return func(h *Hub) { h.stagger = d }
}

// NewHub constructs an empty Hub for one stream.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		channels:        make(map[uint64]chan Frame),
		stagger:         DefaultStagger,
		channelCapacity: 64,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Wait registers a long-poll waiter at notifyOffset and blocks until
// either a later append wakes it, the context is cancelled, or
// DefaultLongPollTimeout elapses. Returns true if woken by an append.
func (h *Hub) Wait(ctx context.Context, url string, notifyOffset offset.Offset) bool {
	w := &waiter{url: url, notifyOffset: notifyOffset, ch: make(chan struct{}, 1)}

	h.mu.Lock()
	h.waiters = append(h.waiters, w)
	h.mu.Unlock()

	defer h.unregister(w)

	timer := time.NewTimer(DefaultLongPollTimeout)
	defer timer.Stop()

	select {
	case <-w.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) unregister(target *waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, w := range h.waiters {
		if w == target {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return
		}
	}
}

// Subscribe opens a new push channel for SSE delivery. The caller must
// call the returned cancel function when the client disconnects.
func (h *Hub) Subscribe() (<-chan Frame, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Frame, h.channelCapacity)
	h.channels[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.channels[id]; ok {
			delete(h.channels, id)
			close(c)
		}
	}
	return ch, cancel
}

// NotifyAppend implements engine.Notifier: wake every long-poll waiter
// whose notifyOffset is behind tail (pre-caching each one first), then
// broadcast one control frame (new tail, write timestamp, closed flag) to
// every push channel. No data frame is sent: the appended bytes are not
// carried on the channel. Matches spec.md §4.5's broadcast-order
// contract: long-poll before push.
func (h *Hub) NotifyAppend(ctx context.Context, tail offset.Offset, writeTimestamp int64, closed bool) {
	h.wakeWaiters(ctx, tail)
	h.broadcastAppend(tail, writeTimestamp, closed)
}

// NotifyClose implements engine.Notifier: send a closed-only control
// frame to every push channel. Long-poll waiters are not touched here:
// only the NotifyAppend call that Close makes (Close shares Append's code
// path) can wake them, and it wakes only waiters behind the tail, so a
// close that appends no data leaves waiters at the tail to time out.
func (h *Hub) NotifyClose(ctx context.Context) {
	h.broadcast(Frame{Type: FrameControl, StreamClosed: true})
}

func (h *Hub) wakeWaiters(ctx context.Context, tail offset.Offset) {
	h.mu.Lock()
	var toWake []*waiter
	var remaining []*waiter
	for _, w := range h.waiters {
		if w.notifyOffset.LessThan(tail) {
			toWake = append(toWake, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	h.waiters = remaining
	h.mu.Unlock()

	for _, w := range toWake {
		w := w
		if h.precache != nil {
			h.precache(ctx, w.url, w.notifyOffset)
		}
		delay := time.Duration(rand.Int63n(int64(h.stagger) + 1))
		time.AfterFunc(delay, func() {
			select {
			case w.ch <- struct{}{}:
			default:
			}
		})
	}
}

func (h *Hub) broadcastAppend(tail offset.Offset, writeTimestamp int64, closed bool) {
	h.broadcast(Frame{
		Type:                 FrameControl,
		StreamNextOffset:     tail.String(),
		StreamWriteTimestamp: writeTimestamp,
		StreamClosed:         closed,
	})
}

// broadcast sends frame to every open push channel, best-effort: a full
// channel is dropped rather than blocked on.
func (h *Hub) broadcast(frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.channels {
		select {
		case ch <- frame:
		default:
			delete(h.channels, id)
			close(ch)
		}
	}
}
