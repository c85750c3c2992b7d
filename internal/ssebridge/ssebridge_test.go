package ssebridge

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/durablelog/durablelog/internal/engine"
	"github.com/durablelog/durablelog/internal/fanout"
	"github.com/durablelog/durablelog/internal/offset"
)

func TestServeWritesTextMessageThenUpToDate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := httptest.NewRecorder()
	frames := make(chan fanout.Frame)

	err := Serve(ctx, w, Source{
		From:   offset.Offset{},
		Frames: frames,
		ReadAt: func(ctx context.Context, at offset.Offset) (engine.ReadResult, error) {
			return engine.ReadResult{
				Body:       []byte("hello"),
				NextOffset: offset.Offset{ByteOffset: 5},
				UpToDate:   true,
				HasData:    true,
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, "event: message\ndata: hello\n") {
		t.Fatalf("expected plain-text message event, got:\n%s", body)
	}
	if !strings.Contains(body, `event: upToDate`) {
		t.Fatalf("expected upToDate event, got:\n%s", body)
	}
}

func TestServeBase64EncodesNonTextualMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload := []byte{0x00, 0xFF, 0x10, 0x0A, 0x0D}
	w := httptest.NewRecorder()
	frames := make(chan fanout.Frame)

	err := Serve(ctx, w, Source{
		From:   offset.Offset{},
		Base64: true,
		Frames: frames,
		ReadAt: func(ctx context.Context, at offset.Offset) (engine.ReadResult, error) {
			return engine.ReadResult{
				Body:       payload,
				NextOffset: offset.Offset{ByteOffset: uint64(len(payload))},
				UpToDate:   true,
				HasData:    true,
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	want := "data: " + base64.StdEncoding.EncodeToString(payload)
	body := w.Body.String()
	if !strings.Contains(body, want) {
		t.Fatalf("expected base64-encoded message data %q, got:\n%s", want, body)
	}
	if strings.Contains(body, string(payload)) {
		t.Fatalf("raw binary payload must not appear unencoded in the SSE body:\n%s", body)
	}
}

func TestServeRelaysControlFrameThenCloses(t *testing.T) {
	w := httptest.NewRecorder()
	frames := make(chan fanout.Frame, 1)

	reads := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames <- fanout.Frame{Type: fanout.FrameControl, StreamClosed: true}

	err := Serve(ctx, w, Source{
		From:   offset.Offset{},
		Frames: frames,
		ReadAt: func(ctx context.Context, at offset.Offset) (engine.ReadResult, error) {
			reads++
			return engine.ReadResult{NextOffset: at, UpToDate: true}, nil
		},
	})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, `event: closed`) {
		t.Fatalf("expected closed event, got:\n%s", body)
	}
}
