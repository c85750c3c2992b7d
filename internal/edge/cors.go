package edge

import "net/http"

// resolveCORSOrigin implements spec.md §4.7's CORS rule: the echoed
// origin is the intersection of the deployment-wide allow-list and the
// project's own allow-list against the request's Origin header. An
// empty allow-list on either side means "no restriction beyond the
// other side's list" rather than "deny everything" — a project with no
// CORSOrigins configured inherits whatever the deployment allows.
// Returns "" when CORS headers should be omitted entirely (no Origin
// header, or the origin isn't allowed by both lists).
func resolveCORSOrigin(global, project []string, origin string) string {
	if origin == "" {
		return ""
	}
	if !originAllowed(global, origin) || !originAllowed(project, origin) {
		return ""
	}
	return origin
}

func originAllowed(allowList []string, origin string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, o := range allowList {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// writeCORSHeaders sets the standard CORS response headers when origin
// is non-empty; a "" origin means the caller already determined CORS
// doesn't apply and this is a no-op.
func writeCORSHeaders(w http.ResponseWriter, origin string, allowCredentials bool) {
	if origin == "" {
		return
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Vary", "Origin")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match")
	h.Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, Stream-Write-Timestamp, ETag, Producer-Epoch, Producer-Seq, Producer-Expected-Seq, Producer-Received-Seq, X-Cache, Location")
	if allowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}
