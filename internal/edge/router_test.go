package edge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/durablelog/durablelog/internal/auth"
	"github.com/durablelog/durablelog/internal/blobstore"
	"github.com/durablelog/durablelog/internal/engine"
	"github.com/durablelog/durablelog/internal/hotstore"
	"github.com/durablelog/durablelog/internal/project"
	"github.com/durablelog/durablelog/internal/sequencer"
)

// allowAllAuthorizer grants every request, so router tests exercise
// dispatch and storage wiring without needing real bearer tokens.
type allowAllAuthorizer struct{}

func (allowAllAuthorizer) AuthorizeRead(context.Context, auth.Request) auth.Decision {
	return auth.Allow("test")
}
func (allowAllAuthorizer) AuthorizeMutation(context.Context, auth.Request) auth.Decision {
	return auth.Allow("test")
}

var _ auth.Authorizer = allowAllAuthorizer{}

type memOpener struct {
	blobs blobstore.Store
}

func (o *memOpener) Open(ctx context.Context, doKey sequencer.DoKey) (*hotstore.DB, blobstore.Store, error) {
	db, err := hotstore.OpenMemory(ctx)
	return db, o.blobs, err
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	blobs, err := blobstore.Open(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("blobstore.Open: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	host := sequencer.NewHost(&memOpener{blobs: blobs}, engine.DefaultConfig())
	projects := project.NewInMemoryRegistry(project.Config{ProjectID: project.DefaultProjectID})

	h := New(host, projects, allowAllAuthorizer{})
	h.LongPollTimeout = 100 * time.Millisecond
	return h
}

func TestServeHTTP_CreateThenHead(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/v1/stream/s1", nil)
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodHead, "/v1/stream/s1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("head: status = %d", rec.Code)
	}
	if rec.Header().Get(HeaderStreamNextOffset) == "" {
		t.Fatalf("head: expected Stream-Next-Offset header")
	}
}

func TestServeHTTP_AppendThenRead(t *testing.T) {
	h := newTestHandler(t)

	create := httptest.NewRequest(http.MethodPut, "/v1/stream/s1", nil)
	create.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	body := strings.NewReader("hello")
	append_ := httptest.NewRequest(http.MethodPost, "/v1/stream/s1", body)
	append_.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, append_)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("append: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	read := httptest.NewRequest(http.MethodGet, "/v1/stream/s1?offset=-1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, read)
	if rec.Code != http.StatusOK {
		t.Fatalf("read: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("read: body = %q, want %q", rec.Body.String(), "hello")
	}
	if rec.Header().Get(HeaderXCache) != "MISS" {
		t.Fatalf("read: X-Cache = %q, want MISS", rec.Header().Get(HeaderXCache))
	}
}

func TestServeHTTP_ReadMissingStreamIs404(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTP_LongPollTimesOutWith204(t *testing.T) {
	h := newTestHandler(t)

	create := httptest.NewRequest(http.MethodPut, "/v1/stream/s1", nil)
	create.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/stream/s1?offset=now&live=long-poll", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get(HeaderStreamUpToDate) != "true" {
		t.Fatalf("expected Stream-Up-To-Date: true")
	}
}

func TestServeHTTP_NoProducerCloseReplayIs204(t *testing.T) {
	h := newTestHandler(t)

	create := httptest.NewRequest(http.MethodPut, "/v1/stream/s1", nil)
	create.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	closeReq := httptest.NewRequest(http.MethodPost, "/v1/stream/s1", nil)
	closeReq.Header.Set(HeaderStreamClosed, "true")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, closeReq)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close: status = %d, want 204", rec.Code)
	}

	// Replaying the same no-producer close must also be 204, not 200 —
	// Duplicate alone never promotes the status code.
	replay := httptest.NewRequest(http.MethodPost, "/v1/stream/s1", nil)
	replay.Header.Set(HeaderStreamClosed, "true")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, replay)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("close replay: status = %d, want 204", rec.Code)
	}
}

func TestServeHTTP_DeleteThenNotFound(t *testing.T) {
	h := newTestHandler(t)

	create := httptest.NewRequest(http.MethodPut, "/v1/stream/s1", nil)
	create.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	del := httptest.NewRequest(http.MethodDelete, "/v1/stream/s1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, del)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status = %d", rec.Code)
	}

	head := httptest.NewRequest(http.MethodHead, "/v1/stream/s1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, head)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("head after delete: status = %d, want 404", rec.Code)
	}
}

func TestServeHTTP_OptionsPreflight(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/stream/s1", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestServeHTTP_DebugActionDisabledByDefault(t *testing.T) {
	h := newTestHandler(t)

	create := httptest.NewRequest(http.MethodPut, "/v1/stream/s1", nil)
	create.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/stream/s1", nil)
	req.Header.Set(HeaderXDebugAction, "get-ops-count")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (debug actions disabled in default build)", rec.Code)
	}
}

func TestParseStreamPath(t *testing.T) {
	cases := []struct {
		path              string
		wantProject       string
		wantStream        string
		wantOK            bool
	}{
		{"/v1/stream/s1", "_default", "s1", true},
		{"/v1/stream/proj1/s1", "proj1", "s1", true},
		{"/v1/stream/", "", "", false},
		{"/v1/other", "", "", false},
		{"/v1/stream/proj1/s1/extra", "", "", false},
	}
	for _, c := range cases {
		gotProject, gotStream, gotOK := parseStreamPath(c.path)
		if gotOK != c.wantOK || gotProject != c.wantProject || gotStream != c.wantStream {
			t.Errorf("parseStreamPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				c.path, gotProject, gotStream, gotOK, c.wantProject, c.wantStream, c.wantOK)
		}
	}
}
