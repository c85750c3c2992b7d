package edge

import (
	"net/http/httptest"
	"testing"
)

func TestResolveCORSOrigin(t *testing.T) {
	cases := []struct {
		name   string
		global []string
		proj   []string
		origin string
		want   string
	}{
		{"no origin header", nil, nil, "", ""},
		{"both unrestricted allows anything", nil, nil, "https://a.example", "https://a.example"},
		{"global restricts, project open", []string{"https://a.example"}, nil, "https://a.example", "https://a.example"},
		{"global restricts, origin not in list", []string{"https://a.example"}, nil, "https://b.example", ""},
		{"project restricts beyond global", nil, []string{"https://a.example"}, "https://b.example", ""},
		{"intersection requires both", []string{"https://a.example"}, []string{"https://a.example"}, "https://a.example", "https://a.example"},
		{"global allows, project denies", []string{"https://a.example", "https://b.example"}, []string{"https://a.example"}, "https://b.example", ""},
		{"wildcard in list allows any origin", []string{"*"}, nil, "https://anything.example", "https://anything.example"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := resolveCORSOrigin(c.global, c.proj, c.origin)
			if got != c.want {
				t.Errorf("resolveCORSOrigin(%v, %v, %q) = %q, want %q", c.global, c.proj, c.origin, got, c.want)
			}
		})
	}
}

func TestWriteCORSHeadersNoopOnEmptyOrigin(t *testing.T) {
	rec := httptest.NewRecorder()
	writeCORSHeaders(rec, "", false)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no CORS headers written for empty origin")
	}
}

func TestWriteCORSHeadersSetsExpectedHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	writeCORSHeaders(rec, "https://a.example", false)

	h := rec.Header()
	if got := h.Get("Access-Control-Allow-Origin"); got != "https://a.example" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, "https://a.example")
	}
	if got := h.Get("Vary"); got != "Origin" {
		t.Fatalf("Vary = %q, want %q", got, "Origin")
	}
	if h.Get("Access-Control-Allow-Methods") == "" {
		t.Fatalf("expected Access-Control-Allow-Methods to be set")
	}
	if h.Get("Access-Control-Expose-Headers") == "" {
		t.Fatalf("expected Access-Control-Expose-Headers to be set")
	}
	if h.Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected no Access-Control-Allow-Credentials when not requested")
	}
}

func TestWriteCORSHeadersAllowCredentials(t *testing.T) {
	rec := httptest.NewRecorder()
	writeCORSHeaders(rec, "https://a.example", true)
	if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Access-Control-Allow-Credentials = %q, want %q", got, "true")
	}
}
