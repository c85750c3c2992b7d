// Package sequencer implements spec.md §4.6's single-writer-per-stream
// host: every mutation (and every read that depends on mutation-visible
// state) for a given stream runs inside that stream's own non-overlapping
// critical section.
//
// Grounded on the design note in spec.md §9 describing a per-stream task
// serializing requests off a channel, and on the teacher's
// store/memory_store.go per-producer locking idiom (getProducerLock),
// generalized from a lock-per-producer to a single actor goroutine per
// stream so reads and writes alike serialize through one place.
package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/durablelog/durablelog/internal/blobstore"
	"github.com/durablelog/durablelog/internal/engine"
	"github.com/durablelog/durablelog/internal/fanout"
	"github.com/durablelog/durablelog/internal/hotstore"
	"github.com/durablelog/durablelog/internal/offset"
)

// DoKey names one stream's actor, matching spec.md §4.7's
// "{projectId}/{streamId}" addressing.
type DoKey string

// NewDoKey builds the canonical key for a project/stream pair.
func NewDoKey(projectID, streamID string) DoKey {
	return DoKey(projectID + "/" + streamID)
}

// Opener lazily provisions the hot store and blob store a stream's actor
// needs the first time it is addressed. Implemented by whatever owns
// per-stream file layout (e.g. one SQLite file per stream under a data
// directory, sharing one blobstore.Store for cold segments).
type Opener interface {
	Open(ctx context.Context, doKey DoKey) (*hotstore.DB, blobstore.Store, error)
}

// Op selects which field of Request/Response is meaningful.
type Op int

const (
	OpCreate Op = iota
	OpAppend
	OpClose
	OpRead
	OpStat
	OpDelete
	OpSubscribe
	OpDebug
)

// Request is routeStreamRequest's typed payload.
type Request struct {
	Op     Op
	Create engine.CreateOptions
	Append engine.AppendOptions
	Read   engine.ReadRequest
	Debug  DebugAction
}

// Timing reports how long a request spent queued behind other work on
// the same stream vs. actually executing inside the critical section.
// Populated only when the caller asked for it.
type Timing struct {
	QueueWait       time.Duration
	CriticalSection time.Duration
}

// SubscribeResult is returned for OpSubscribe: a push-channel onto the
// stream's fan-out hub, per spec.md §4.10.
type SubscribeResult struct {
	Frames <-chan fanout.Frame
	Cancel func()
}

// Response is routeStreamRequest's result. Only the field matching the
// request's Op is meaningful.
type Response struct {
	Create    engine.CreateResult
	Append    engine.AppendResult
	Read      engine.ReadResult
	Stat      engine.StatResult
	Subscribe SubscribeResult
	Debug     DebugResult
	Timing    *Timing
}

// Host owns one actor per addressed stream and routes requests to them.
type Host struct {
	opener   Opener
	cfg      engine.Config
	precache fanout.Precache

	mu     sync.Mutex
	actors map[DoKey]*actor
}

// HostOption configures a Host at construction time.
type HostOption func(*Host)

// Config returns the engine configuration every stream's actor is built
// with, so callers (e.g. the edge router's body-size pre-check) don't
// need their own copy of the resource limits.
func (h *Host) Config() engine.Config { return h.cfg }

// WithPrecache wires the edge cache's precache hook into every stream's
// fan-out hub, so a woken long-poll waiter's retry hits the cache
// instead of falling through to this host again.
func WithPrecache(p fanout.Precache) HostOption {
	return func(h *Host) { h.precache = p }
}

// NewHost constructs a Host. cfg is used for every stream's engine
// unless a future per-project override is wired in by the caller.
func NewHost(opener Opener, cfg engine.Config, opts ...HostOption) *Host {
	h := &Host{
		opener: opener,
		cfg:    cfg,
		actors: make(map[DoKey]*actor),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type job struct {
	req      Request
	timing   bool
	queuedAt time.Time
	resultCh chan jobResult
}

type jobResult struct {
	resp Response
	err  error
}

type actor struct {
	eng  *engine.Engine
	hub  *fanout.Hub
	reqs chan job
}

func (a *actor) run() {
	for j := range a.reqs {
		start := time.Now()
		// Deliberately not j.ctx: a caller cancelling while this request
		// is queued or running must not abort the storage calls
		// underneath it (a cancelled context.Context fails driver calls
		// immediately) — the critical section always runs to completion,
		// per spec.md §4.6. Only the reply, not the work, is cancellable.
		resp, err := a.execute(context.Background(), j.req)
		if j.timing {
			resp.Timing = &Timing{
				QueueWait:       start.Sub(j.queuedAt),
				CriticalSection: time.Since(start),
			}
		}
		// The channel is buffered to exactly 1, so this never blocks even
		// if routeStreamRequest already gave up on a cancelled context —
		// the critical section above still ran to completion, preserving
		// durability per spec.md §4.6's cancellation rule; the response
		// is simply never read.
		j.resultCh <- jobResult{resp: resp, err: err}
	}
}

func (a *actor) execute(ctx context.Context, req Request) (Response, error) {
	switch req.Op {
	case OpCreate:
		res, err := a.eng.Create(ctx, req.Create)
		return Response{Create: res}, err
	case OpAppend:
		res, err := a.eng.Append(ctx, req.Append)
		return Response{Append: res}, err
	case OpClose:
		res, err := a.eng.Close(ctx, req.Append)
		return Response{Append: res}, err
	case OpRead:
		res, err := a.eng.Read(ctx, req.Read)
		return Response{Read: res}, err
	case OpStat:
		res, err := a.eng.Stat(ctx)
		return Response{Stat: res}, err
	case OpDelete:
		err := a.eng.Delete(ctx)
		return Response{}, err
	case OpSubscribe:
		frames, cancel := a.hub.Subscribe()
		return Response{Subscribe: SubscribeResult{Frames: frames, Cancel: cancel}}, nil
	case OpDebug:
		res, err := runDebugAction(ctx, a.eng, req.Debug)
		return Response{Debug: res}, err
	default:
		return Response{}, fmt.Errorf("sequencer: unknown op %d", req.Op)
	}
}

// RouteStreamRequest is the RPC entry point named in spec.md §4.6: it
// finds (or starts) doKey's actor, enqueues the request behind whatever
// else is already running for that stream, and waits for the result.
//
// If ctx is cancelled before the actor finishes, RouteStreamRequest
// returns ctx.Err() immediately but the actor keeps running the request
// to completion — a cancelled caller discards the response, it never
// aborts the mutation.
func (h *Host) RouteStreamRequest(ctx context.Context, doKey DoKey, timingEnabled bool, req Request) (Response, error) {
	a, err := h.getOrStartActor(ctx, doKey)
	if err != nil {
		return Response{}, err
	}

	j := job{
		req:      req,
		timing:   timingEnabled,
		queuedAt: time.Now(),
		resultCh: make(chan jobResult, 1),
	}

	// Enqueueing always succeeds (the channel only blocks if 64 requests
	// are already queued for this one stream): once accepted, the request
	// is guaranteed to run, so durability doesn't depend on the caller
	// still being around to see the result.
	a.reqs <- j

	select {
	case r := <-j.resultCh:
		return r.resp, r.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Wait blocks a long-poll GET outside the stream's critical section,
// per spec.md §4.6 ("long-running reads never hold the section"): the
// caller snapshots via RouteStreamRequest(OpRead) first, and only calls
// Wait when that snapshot came back up-to-date. Returns true if an
// append arrived (the caller should re-issue OpRead to fetch it), false
// on timeout or context cancellation (the caller returns 204).
func (h *Host) Wait(ctx context.Context, doKey DoKey, notifyOffset offset.Offset) (bool, error) {
	a, err := h.getOrStartActor(ctx, doKey)
	if err != nil {
		return false, err
	}
	return a.hub.Wait(ctx, string(doKey), notifyOffset), nil
}

func (h *Host) getOrStartActor(ctx context.Context, doKey DoKey) (*actor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if a, ok := h.actors[doKey]; ok {
		return a, nil
	}

	db, blobs, err := h.opener.Open(ctx, doKey)
	if err != nil {
		return nil, fmt.Errorf("sequencer: open %s: %w", doKey, err)
	}

	var hubOpts []fanout.Option
	if h.precache != nil {
		hubOpts = append(hubOpts, fanout.WithPrecache(h.precache))
	}
	hub := fanout.NewHub(hubOpts...)
	eng := engine.New(db, blobs, string(doKey), h.cfg, engine.WithNotifier(hub))

	a := &actor{eng: eng, hub: hub, reqs: make(chan job, 64)}
	go a.run()

	h.actors[doKey] = a
	return a, nil
}
