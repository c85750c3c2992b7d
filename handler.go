package durablestreams

import (
	"net/http"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler by delegating every
// request to the edge tier built up in Provision. next is never called:
// this module owns the full /v1/stream/* route, the same as the teacher's
// handler did for its own route.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	h.edge.ServeHTTP(w, r)
	return nil
}
