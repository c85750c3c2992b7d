// Package ssebridge translates a stream's fan-out push channel into
// Server-Sent Events framing, per spec.md §4.10: catch the connecting
// client up to the current tail, announce up-to-date, then relay every
// subsequent control frame as one or more "message" events followed by
// a "closed" event if the stream closes. The same ReadAt/Frames pairing
// lets the edge cache's background precache hook (spec.md §4.5) reuse
// this package's catch-up loop without going through HTTP at all.
//
// Grounded on the teacher's handleSSE loop in handler.go (SSE header
// set, http.Flusher check, periodic keepalive ticker) and the id/event/
// data framing idiom shown in the pack's other_examples SSE handlers,
// generalized from a single-chunk store.Read call to the engine's
// offset-addressed ReadAt plus the sequencer's push-channel frames.
package ssebridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/durablelog/durablelog/internal/engine"
	"github.com/durablelog/durablelog/internal/fanout"
	"github.com/durablelog/durablelog/internal/offset"
)

// KeepaliveInterval is how often an idle connection gets an SSE comment
// line, so intermediary proxies don't time it out.
const KeepaliveInterval = 15 * time.Second

// Source is everything Serve needs, decoupled from internal/sequencer so
// this package stays testable without a live Host.
type Source struct {
	// From is the offset catch-up starts at.
	From offset.Offset
	// Base64 marks a non-textual stream: every "message" event's data is
	// base64-encoded instead of written raw, per spec.md §4.5's rule that
	// SSE frames for a non-textual content type carry base64 data.
	Base64 bool
	// Frames is the stream's push channel, from sequencer.SubscribeResult.
	Frames <-chan fanout.Frame
	// ReadAt fetches one chunk starting at an offset, the same call the
	// edge's plain GET path uses.
	ReadAt func(ctx context.Context, at offset.Offset) (engine.ReadResult, error)
}

// Serve writes the SSE response to w and blocks until the client
// disconnects, the stream closes, or ctx is done. w must implement
// http.Flusher.
func Serve(ctx context.Context, w http.ResponseWriter, src Source) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("ssebridge: streaming not supported")
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	current := src.From
	if err := catchUp(ctx, w, flusher, src, &current); err != nil {
		return nil
	}
	if err := writeEventFlush(w, flusher, "upToDate", "", []byte(`{"upToDate":true}`)); err != nil {
		return nil
	}

	keepalive := time.NewTicker(KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case frame, ok := <-src.Frames:
			if !ok {
				return nil
			}
			closed, err := handleFrame(ctx, w, flusher, src, &current, frame)
			if err != nil || closed {
				return nil
			}
		}
	}
}

// catchUp drains ReadAt from *current until the read reports up to
// date, forwarding every non-empty chunk as a "message" event.
func catchUp(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, src Source, current *offset.Offset) error {
	for {
		res, err := src.ReadAt(ctx, *current)
		if err != nil {
			return err
		}
		if len(res.Body) > 0 {
			if err := writeDataEventFlush(w, flusher, current.String(), res.Body, src.Base64); err != nil {
				return err
			}
		}
		if res.NextOffset.Equal(*current) {
			return nil
		}
		*current = res.NextOffset
		if res.UpToDate {
			return nil
		}
	}
}

// handleFrame applies one push-channel frame, returning closed=true once
// the caller should end the SSE response (the stream closed).
func handleFrame(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, src Source, current *offset.Offset, frame fanout.Frame) (closed bool, err error) {
	if frame.Type != fanout.FrameControl {
		return false, nil
	}

	if frame.StreamNextOffset != "" {
		target, perr := offset.Parse(frame.StreamNextOffset, nil)
		if perr == nil {
			for !current.Equal(target) {
				res, rerr := src.ReadAt(ctx, *current)
				if rerr != nil {
					return false, rerr
				}
				if len(res.Body) > 0 {
					if werr := writeDataEventFlush(w, flusher, current.String(), res.Body, src.Base64); werr != nil {
						return false, werr
					}
				}
				if res.NextOffset.Equal(*current) {
					break
				}
				*current = res.NextOffset
			}
		}
	}
	if frame.StreamClosed {
		return true, writeEventFlush(w, flusher, "closed", "", []byte(`{"closed":true}`))
	}
	return false, nil
}

// writeDataEventFlush writes one "message" event, base64-encoding data
// when the stream's content type is non-textual.
func writeDataEventFlush(w http.ResponseWriter, flusher http.Flusher, id string, data []byte, base64Encode bool) error {
	if base64Encode {
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
		base64.StdEncoding.Encode(encoded, data)
		data = encoded
	}
	return writeEventFlush(w, flusher, "message", id, data)
}

func writeEventFlush(w http.ResponseWriter, flusher http.Flusher, event, id string, data []byte) error {
	if err := writeEvent(w, event, id, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// writeEvent renders one SSE event, splitting data across multiple
// "data:" lines per the spec's multi-line framing rule.
func writeEvent(w io.Writer, event, id string, data []byte) error {
	var buf bytes.Buffer
	if id != "" {
		fmt.Fprintf(&buf, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}
