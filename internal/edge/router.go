package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/durablelog/durablelog/internal/auth"
	"github.com/durablelog/durablelog/internal/engine"
	"github.com/durablelog/durablelog/internal/offset"
	"github.com/durablelog/durablelog/internal/project"
	"github.com/durablelog/durablelog/internal/sequencer"
	"github.com/durablelog/durablelog/internal/ssebridge"
	"go.uber.org/zap"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// parseStreamPath splits "/v1/stream/{projectId}/{streamId}" (and the
// legacy "/v1/stream/{streamId}" form, which is implicitly scoped to
// project.DefaultProjectID) into its two components. ok is false for
// anything that isn't one of those two shapes.
func parseStreamPath(path string) (projectID, streamID string, ok bool) {
	const prefix = "/v1/stream/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", "", false
		}
		return project.DefaultProjectID, parts[0], true
	case 2:
		if parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

// ServeHTTP implements http.Handler, dispatching every request spec.md
// §6 names: health check, CORS preflight, and the five stream methods.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return
	}

	projectID, streamID, ok := parseStreamPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")

	cfg, err := h.Projects.Lookup(projectID)
	if err != nil {
		cfg = project.Config{ProjectID: projectID}
	}

	origin := resolveCORSOrigin(h.GlobalOrigins, cfg.CORSOrigins, r.Header.Get("Origin"))
	writeCORSHeaders(w, origin, false)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !projectIDPattern.MatchString(projectID) {
		h.writeError(w, newHTTPError(http.StatusBadRequest, "invalid projectId"))
		return
	}

	doKey := sequencer.NewDoKey(projectID, streamID)

	h.Logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("project", projectID),
		zap.String("stream", streamID))

	if action := r.Header.Get(HeaderXDebugAction); action != "" {
		if herr := h.handleDebug(w, r, doKey, action); herr != nil {
			h.writeError(w, herr)
		}
		return
	}

	var herr error
	switch r.Method {
	case http.MethodPut:
		herr = h.handleCreate(w, r, doKey, cfg, projectID, streamID)
	case http.MethodHead:
		herr = h.handleHead(w, r, doKey, cfg, projectID, streamID)
	case http.MethodGet:
		herr = h.handleRead(w, r, doKey, cfg, projectID, streamID)
	case http.MethodPost:
		herr = h.handleAppend(w, r, doKey, cfg, projectID, streamID)
	case http.MethodDelete:
		herr = h.handleDelete(w, r, doKey, cfg, projectID, streamID)
	default:
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if herr != nil {
		h.writeError(w, herr)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Cache-Control", "no-store")
	if herr := mapEngineErr(err); herr != nil {
		for k, v := range herr.headers {
			w.Header().Set(k, v)
		}
		http.Error(w, herr.message, herr.status)
		return
	}
	h.Logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func (h *Handler) authorizeMutation(r *http.Request, projectID, streamID string) error {
	dec := h.Authorizer.AuthorizeMutation(r.Context(), auth.Request{
		ProjectID: projectID,
		StreamID:  streamID,
		Token:     auth.BearerToken(r.Header.Get("Authorization")),
	})
	if !dec.Allowed {
		return newHTTPError(dec.Status, dec.Message)
	}
	return nil
}

func (h *Handler) authorizeRead(r *http.Request, projectID, streamID string, public bool) error {
	dec := h.Authorizer.AuthorizeRead(r.Context(), auth.Request{
		ProjectID:    projectID,
		StreamID:     streamID,
		Token:        auth.BearerToken(r.Header.Get("Authorization")),
		StreamPublic: public,
	})
	if !dec.Allowed {
		return newHTTPError(dec.Status, dec.Message)
	}
	return nil
}

func debugTiming(r *http.Request) bool {
	return r.Header.Get(HeaderXDebugTiming) != ""
}

func firstSecret(cfg project.Config) string {
	if len(cfg.SigningSecrets) == 0 {
		return ""
	}
	return cfg.SigningSecrets[0]
}

// handleCreate implements the PUT method: spec.md §4.4's idempotent
// create-or-replace, optionally appending an initial body in the same
// call.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, doKey sequencer.DoKey, cfg project.Config, projectID, streamID string) error {
	if err := h.authorizeMutation(r, projectID, streamID); err != nil {
		return err
	}

	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)
	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *int64
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		ea := t.Unix()
		expiresAt = &ea
	}

	var body []byte
	if r.ContentLength > 0 {
		b, err := io.ReadAll(io.LimitReader(r.Body, int64(h.maxAppendBytes())+1))
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
		body = b
	}

	public := cfg.PublicByDefault
	if v := r.URL.Query().Get("public"); v != "" {
		public = v == "true"
	}

	resp, err := h.Host.RouteStreamRequest(r.Context(), doKey, debugTiming(r), sequencer.Request{
		Op: sequencer.OpCreate,
		Create: engine.CreateOptions{
			ContentType: contentType,
			TTLSeconds:  ttlSeconds,
			ExpiresAt:   expiresAt,
			Public:      public,
			Body:        body,
		},
	})
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set(HeaderStreamNextOffset, resp.Create.NextOffset.String())
	if cfg.RequireReaderKey && !public {
		w.Header().Set(HeaderStreamReaderKey, readerKeyFor(string(doKey), firstSecret(cfg)))
	}

	if resp.Create.Created {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		w.Header().Set("Location", fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path))
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	h.Metrics.AppendCommitted(projectID, int64(len(body)))
	return nil
}

// handleHead implements the HEAD method: a metadata-only snapshot via
// OpStat, never touching message bodies.
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, doKey sequencer.DoKey, cfg project.Config, projectID, streamID string) error {
	resp, err := h.Host.RouteStreamRequest(r.Context(), doKey, debugTiming(r), sequencer.Request{Op: sequencer.OpStat})
	if err != nil {
		return err
	}
	stat := resp.Stat

	if err := h.authorizeRead(r, projectID, streamID, stat.Public); err != nil {
		return err
	}

	w.Header().Set("Content-Type", stat.ContentType)
	w.Header().Set(HeaderStreamNextOffset, stat.TailOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	if stat.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if stat.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*stat.TTLSeconds, 10))
	}
	if stat.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, time.Unix(*stat.ExpiresAt, 0).UTC().Format(time.RFC3339))
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// handleDelete implements the DELETE method.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, doKey sequencer.DoKey, cfg project.Config, projectID, streamID string) error {
	if err := h.authorizeMutation(r, projectID, streamID); err != nil {
		return err
	}
	if _, err := h.Host.RouteStreamRequest(r.Context(), doKey, debugTiming(r), sequencer.Request{Op: sequencer.OpDelete}); err != nil {
		return err
	}
	h.Cache.Delete(cacheKey(r))
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleAppend implements the POST method: append, and (via
// Stream-Closed: true) close, per spec.md §4.4's "same code path" rule.
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, doKey sequencer.DoKey, cfg project.Config, projectID, streamID string) error {
	if err := h.authorizeMutation(r, projectID, streamID); err != nil {
		return err
	}

	closeStream := strings.EqualFold(r.Header.Get(HeaderStreamClosed), "true")
	contentType := r.Header.Get("Content-Type")

	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.maxAppendBytes())+1))
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if !closeStream || len(body) > 0 {
		if contentType == "" {
			return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
		}
	}

	opts := engine.AppendOptions{
		ContentType: contentType,
		Body:        body,
		CloseStream: closeStream,
		StreamSeq:   r.Header.Get(HeaderStreamSeq),
		ProducerID:  r.Header.Get(HeaderProducerID),
	}
	if v := r.Header.Get(HeaderProducerEpoch); v != "" {
		epoch, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch")
		}
		opts.ProducerEpoch = &epoch
	}
	if v := r.Header.Get(HeaderProducerSeq); v != "" {
		seq, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Producer-Seq")
		}
		opts.ProducerSeq = &seq
	}

	hasProducer := opts.ProducerID != "" && opts.ProducerEpoch != nil && opts.ProducerSeq != nil

	op := sequencer.OpAppend
	if closeStream && len(body) == 0 {
		op = sequencer.OpClose
	}
	resp, err := h.Host.RouteStreamRequest(r.Context(), doKey, debugTiming(r), sequencer.Request{Op: op, Append: opts})
	if err != nil {
		return err
	}

	result := resp.Append
	w.Header().Set(HeaderStreamNextOffset, result.NextOffset.String())
	if result.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if result.HasProducer {
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(*opts.ProducerEpoch, 10))
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.LastSeq, 10))
	}

	h.Cache.Delete(cacheKey(r))

	if !result.Duplicate {
		h.Metrics.AppendCommitted(projectID, int64(len(body)))
	}

	// spec.md §4.4: 204 with no producer (including a no-producer close
	// replay), 200 whenever producer headers were supplied.
	if !hasProducer {
		w.WriteHeader(http.StatusNoContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

func cacheKey(r *http.Request) string {
	return r.URL.String()
}

func (h *Handler) maxAppendBytes() uint64 {
	if h.Host != nil {
		return h.Host.Config().MaxAppendBytes
	}
	return engine.DefaultConfig().MaxAppendBytes
}

// handleRead implements the GET method: a plain historical read, a
// 4s-bounded long-poll, or an SSE stream, per spec.md §4.7/§4.10.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, doKey sequencer.DoKey, cfg project.Config, projectID, streamID string) error {
	statResp, err := h.Host.RouteStreamRequest(r.Context(), doKey, debugTiming(r), sequencer.Request{Op: sequencer.OpStat})
	if err != nil {
		return err
	}
	stat := statResp.Stat

	if err := h.authorizeRead(r, projectID, streamID, stat.Public); err != nil {
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}

	startOffset, err := offset.Parse(offsetStr, stat)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")
	if liveMode == "long-poll" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for long-poll mode")
	}
	if liveMode == "sse" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for SSE mode")
	}

	if cfg.RequireReaderKey {
		rk := readerKeyFor(string(doKey), firstSecret(cfg))
		if query.Get("rk") != rk {
			return newHTTPError(http.StatusForbidden, "missing or invalid reader key")
		}
	}

	if liveMode == "sse" {
		return h.serveSSE(w, r, doKey, stat, startOffset)
	}

	debugRequested := r.Header.Get(HeaderXDebugTiming) != "" || r.Header.Get(HeaderXDebugCoalesce) != ""
	key := cacheKey(r)

	if entry, ok := h.Cache.Get(key); ok && !debugRequested {
		if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && ifNoneMatch == entry.ETag {
			w.Header().Set(HeaderXCache, "HIT")
			w.WriteHeader(http.StatusNotModified)
			h.Metrics.CacheHit(projectID)
			return nil
		}
		for k, vs := range entry.Header {
			w.Header()[k] = vs
		}
		w.Header().Set(HeaderXCache, "HIT")
		w.WriteHeader(entry.StatusCode)
		w.Write(entry.Body)
		h.Metrics.CacheHit(projectID)
		return nil
	}
	h.Metrics.CacheMiss(projectID)

	bypassCoalesce := r.Header.Get(HeaderXDebugCoalesce) != ""
	doFetch := func() (*Result, error) {
		return h.readOnce(r, doKey, streamID, projectID, startOffset, liveMode, cursor)
	}

	var res *Result
	var shared bool
	if bypassCoalesce {
		res, err = doFetch()
	} else {
		res, err, shared = h.Coalescer.Do(r.Context(), key, liveMode != "sse", doFetch)
	}
	if err != nil {
		return err
	}
	if shared {
		h.Metrics.CoalesceHit(projectID)
	} else {
		h.Metrics.CoalesceMiss(projectID)
	}

	for k, vs := range res.Header {
		w.Header()[k] = vs
	}
	if debugRequested {
		w.Header().Set(HeaderXCache, "BYPASS")
	} else {
		w.Header().Set(HeaderXCache, "MISS")
	}
	w.WriteHeader(res.StatusCode)
	w.Write(res.Body)

	if !debugRequested {
		entry := CacheEntry{StatusCode: res.StatusCode, Header: http.Header(res.Header), Body: res.Body, StoredAt: time.Now()}
		if etags, ok := res.Header["Etag"]; ok && len(etags) > 0 {
			entry.ETag = etags[0]
		}
		if cacheableResponse(r.Method, liveMode, res.StatusCode, res.Header) {
			h.Cache.Set(key, entry, DefaultCacheTTL)
			h.Coalescer.PublishShared(key, res.Body)
		}
	}

	return nil
}

// cacheableResponse adapts the cacheable predicate in cache.go to a
// concrete response, re-deriving atTail from the Stream-Up-To-Date
// header the fetch already set.
func cacheableResponse(method, liveMode string, statusCode int, header map[string][]string) bool {
	cacheControl := ""
	if cc, ok := header["Cache-Control"]; ok && len(cc) > 0 {
		cacheControl = cc[0]
	}
	atTail := false
	if v, ok := header[HeaderStreamUpToDate]; ok && len(v) > 0 && v[0] == "true" {
		atTail = true
	}
	return cacheable(method, liveMode, false, statusCode, cacheControl, atTail)
}

// readOnce performs one GET's worth of work (including the long-poll
// wait, if applicable) and builds the Result the coalescer and cache
// both operate on.
func (h *Handler) readOnce(r *http.Request, doKey sequencer.DoKey, streamID, projectID string, startOffset offset.Offset, liveMode, cursor string) (*Result, error) {
	readResp, err := h.Host.RouteStreamRequest(r.Context(), doKey, debugTiming(r), sequencer.Request{
		Op:   sequencer.OpRead,
		Read: engine.ReadRequest{Offset: startOffset},
	})
	if err != nil {
		return nil, err
	}
	result := readResp.Read

	if liveMode == "long-poll" && result.UpToDate && !result.HasData && !result.ClosedAtTail {
		ctx, cancel := context.WithTimeout(r.Context(), h.LongPollTimeout)
		defer cancel()

		woke, waitErr := h.Host.Wait(ctx, doKey, startOffset)
		if waitErr == nil && woke {
			readResp, err = h.Host.RouteStreamRequest(r.Context(), doKey, debugTiming(r), sequencer.Request{
				Op:   sequencer.OpRead,
				Read: engine.ReadRequest{Offset: startOffset},
			})
			if err != nil {
				return nil, err
			}
			result = readResp.Read
		} else {
			h.Metrics.LongPollTimeout(projectID)
			header := map[string][]string{
				HeaderStreamNextOffset: {startOffset.String()},
				HeaderStreamUpToDate:   {"true"},
			}
			return &Result{StatusCode: http.StatusNoContent, Header: header}, nil
		}
	}

	header := map[string][]string{
		HeaderStreamNextOffset: {result.NextOffset.String()},
	}
	if result.UpToDate {
		header[HeaderStreamUpToDate] = []string{"true"}
	}
	if result.ClosedAtTail {
		header[HeaderStreamClosed] = []string{"true"}
	}
	if result.WriteTimestamp != 0 {
		header[HeaderStreamWriteTS] = []string{strconv.FormatInt(result.WriteTimestamp, 10)}
	}
	if liveMode == "long-poll" {
		header[HeaderStreamCursor] = []string{generateResponseCursor(time.Now(), cursor)}
	}
	etag := fmt.Sprintf(`"%s"`, result.NextOffset.String())
	header["Etag"] = []string{etag}
	if !result.UpToDate && result.HasData {
		header["Cache-Control"] = []string{"public, max-age=60, stale-while-revalidate=300"}
	}

	status := http.StatusOK
	if !result.HasData && result.UpToDate {
		status = http.StatusNoContent
	}

	h.Metrics.ReadServed(projectID, int64(len(result.Body)), false)

	return &Result{StatusCode: status, Header: header, Body: result.Body}, nil
}

// serveSSE hands the request off to internal/ssebridge, which translates
// the stream's fan-out push channel into Server-Sent Events frames.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, doKey sequencer.DoKey, stat engine.StatResult, startOffset offset.Offset) error {
	normalizedCT := engine.NormalizeContentType(stat.ContentType)
	isTextual := strings.HasPrefix(normalizedCT, "text/") || normalizedCT == "application/json"

	subResp, err := h.Host.RouteStreamRequest(r.Context(), doKey, false, sequencer.Request{Op: sequencer.OpSubscribe})
	if err != nil {
		return err
	}
	defer subResp.Subscribe.Cancel()

	// spec.md §4.5/§4.10: a non-textual stream's data frames are
	// base64-encoded, and the encoding is announced once up front via
	// this header rather than per-frame.
	if !isTextual {
		w.Header().Set(HeaderStreamSSEEncoding, "base64")
	}

	return ssebridge.Serve(r.Context(), w, ssebridge.Source{
		From:       startOffset,
		Base64:     !isTextual,
		Frames:     subResp.Subscribe.Frames,
		ReadAt: func(ctx context.Context, at offset.Offset) (engine.ReadResult, error) {
			resp, err := h.Host.RouteStreamRequest(ctx, doKey, false, sequencer.Request{Op: sequencer.OpRead, Read: engine.ReadRequest{Offset: at}})
			return resp.Read, err
		},
	})
}

var debugActionNames = map[string]sequencer.DebugActionKind{
	"force-rotate":            sequencer.DebugForceRotate,
	"set-producer-age":        sequencer.DebugSetProducerAge,
	"get-ops-count":           sequencer.DebugGetOpsCount,
	"truncate-latest-segment": sequencer.DebugTruncateLatestSegment,
}

// handleDebug dispatches the test-tooling surface spec.md §4.6 requires:
// a debugactions-build-only entry point, reached via the X-Debug-Action
// header rather than a dedicated method/path so it rides the same
// per-stream critical section as every other request. In a production
// (non-debugactions) build sequencer.runDebugAction always fails with
// ErrDebugActionsDisabled, which mapEngineErr turns into a 404 here.
func (h *Handler) handleDebug(w http.ResponseWriter, r *http.Request, doKey sequencer.DoKey, actionName string) error {
	kind, ok := debugActionNames[actionName]
	if !ok {
		return newHTTPError(http.StatusBadRequest, "unknown debug action")
	}

	action := sequencer.DebugAction{Kind: kind}
	q := r.URL.Query()
	if v := q.Get("producer_id"); v != "" {
		action.ProducerID = v
	}
	if v := q.Get("age_seconds"); v != "" {
		age, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid age_seconds")
		}
		action.AgeSeconds = age
	}
	if q.Get("force_even_if_empty") == "true" {
		action.ForceEvenIfEmpty = true
	}

	requestID := uuid.NewString()
	h.Logger.Debug("debug action",
		zap.String("request_id", requestID),
		zap.String("action", actionName),
		zap.String("doKey", string(doKey)))

	resp, err := h.Host.RouteStreamRequest(r.Context(), doKey, false, sequencer.Request{Op: sequencer.OpDebug, Debug: action})
	if err != nil {
		return err
	}

	body, err := json.Marshal(resp.Debug)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}
