// Package durablestreams wires the durable log service described by
// spec.md into a Caddy HTTP module: this file is the Caddyfile/JSON
// config surface and Provision-time wiring (storage, auth, metrics,
// project registry) into internal/edge's stateless request tier and
// internal/sequencer's single-writer-per-stream host.
//
// Grounded on the teacher's module.go end to end: CaddyModule/Provision/
// Validate/Cleanup/UnmarshalCaddyfile keep the same shape, generalized
// from constructing a single store.Store to constructing the sequencer
// Host + project registry + authorizer + metrics sink the edge tier
// needs.
package durablestreams

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/durablelog/durablelog/internal/auth"
	"github.com/durablelog/durablelog/internal/blobstore"
	"github.com/durablelog/durablelog/internal/edge"
	"github.com/durablelog/durablelog/internal/engine"
	"github.com/durablelog/durablelog/internal/hotstore"
	"github.com/durablelog/durablelog/internal/metrics"
	"github.com/durablelog/durablelog/internal/project"
	"github.com/durablelog/durablelog/internal/sequencer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the durable log service as a Caddy HTTP handler.
type Handler struct {
	// DataDir is the directory each stream's SQLite hot-log file and the
	// shared cold-segment blob store live under. Empty means in-memory,
	// non-persistent storage (dev/test mode).
	DataDir string `json:"data_dir,omitempty"`

	// QuotaBytes caps each stream's hot storage; 0 keeps engine.DefaultConfig's value.
	QuotaBytes uint64 `json:"quota_bytes,omitempty"`

	// LongPollTimeout bounds how long a GET with live=long-poll blocks
	// waiting for new data before returning 204.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SigningSecrets validate inbound bearer tokens for the default
	// "_default" project; more than one supports rotation.
	SigningSecrets []string `json:"signing_secrets,omitempty"`

	// PublicByDefault makes streams under the default project readable
	// without auth unless created otherwise.
	PublicByDefault bool `json:"public_by_default,omitempty"`

	// CORSOrigins is the deployment-wide CORS allow-list. Empty means no
	// deployment-wide restriction beyond each project's own list.
	CORSOrigins []string `json:"cors_origins,omitempty"`

	// EnableMetrics registers a Prometheus-backed metrics.Sink against
	// the default registry instead of the no-op default.
	EnableMetrics bool `json:"enable_metrics,omitempty"`

	logger *zap.Logger
	host   *sequencer.Host
	blobs  blobstore.Store
	edge   *edge.Handler
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// fsOpener lays one SQLite file per stream out under DataDir, sharing a
// single bbolt-backed blobstore.Store for every stream's cold segments.
type fsOpener struct {
	dataDir string
	blobs   blobstore.Store
}

func (o *fsOpener) Open(ctx context.Context, doKey sequencer.DoKey) (*hotstore.DB, blobstore.Store, error) {
	path := filepath.Join(o.dataDir, sanitizeDoKeyPath(string(doKey))+".db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("durablestreams: create stream dir: %w", err)
	}
	db, err := hotstore.Open(ctx, path)
	return db, o.blobs, err
}

// memOpener never touches disk: every stream's hot log lives in an
// in-memory SQLite database and cold segments share one in-memory blob
// map. Used when DataDir is unset.
type memOpener struct {
	blobs blobstore.Store
}

func (o *memOpener) Open(ctx context.Context, doKey sequencer.DoKey) (*hotstore.DB, blobstore.Store, error) {
	db, err := hotstore.OpenMemory(ctx)
	return db, o.blobs, err
}

// sanitizeDoKeyPath turns "{projectId}/{streamId}" into a filesystem
// path segment pair, rejecting path traversal the way a DoKey built from
// projectIDPattern-validated input never would, but defense in depth
// against a misbehaving Opener caller costs nothing here.
func sanitizeDoKeyPath(doKey string) string {
	parts := strings.SplitN(doKey, "/", 2)
	clean := make([]string, len(parts))
	for i, p := range parts {
		clean[i] = strings.ReplaceAll(strings.ReplaceAll(p, "..", "_"), string(filepath.Separator), "_")
	}
	return filepath.Join(clean...)
}

// Provision sets up storage, auth, metrics, and the edge tier.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(edge.DefaultLongPollTimeout)
	}

	cfg := engine.DefaultConfig()
	if h.QuotaBytes != 0 {
		cfg.QuotaBytes = h.QuotaBytes
	}

	var opener sequencer.Opener
	if h.DataDir == "" {
		h.blobs = blobstore.NewMemoryStore()
		opener = &memOpener{blobs: h.blobs}
		h.logger.Info("using in-memory storage (no data_dir configured)")
	} else {
		blobs, err := blobstore.Open(filepath.Join(h.DataDir, "_segments"))
		if err != nil {
			return fmt.Errorf("durablestreams: open blob store: %w", err)
		}
		h.blobs = blobs
		opener = &fsOpener{dataDir: h.DataDir, blobs: blobs}
		h.logger.Info("using file-backed storage", zap.String("data_dir", h.DataDir))
	}

	h.host = sequencer.NewHost(opener, cfg)

	projects := project.NewInMemoryRegistry(project.Config{
		ProjectID:        project.DefaultProjectID,
		SigningSecrets:   h.SigningSecrets,
		PublicByDefault:  h.PublicByDefault,
		CORSOrigins:      nil,
		RequireReaderKey: false,
	})

	var authorizer auth.Authorizer
	if len(h.SigningSecrets) > 0 {
		authorizer = auth.NewJWTAuthorizer(func(projectID string) ([]string, error) {
			cfg, err := projects.Lookup(projectID)
			if err != nil {
				return nil, err
			}
			return cfg.SigningSecrets, nil
		})
	} else {
		authorizer = openAuthorizer{}
	}

	sink := metrics.Sink(metrics.Noop{})
	if h.EnableMetrics {
		sink = metrics.NewPrometheus(prometheus.DefaultRegisterer)
	}

	eh := edge.New(h.host, projects, authorizer)
	eh.Metrics = sink
	eh.Logger = h.logger
	eh.GlobalOrigins = h.CORSOrigins
	eh.LongPollTimeout = time.Duration(h.LongPollTimeout)
	h.edge = eh

	return nil
}

// openAuthorizer allows every request, used when the module is
// provisioned without any signing secrets configured (dev/test mode, or
// a deployment that fronts auth with something else entirely).
type openAuthorizer struct{}

func (openAuthorizer) AuthorizeRead(context.Context, auth.Request) auth.Decision {
	return auth.Allow("anonymous")
}
func (openAuthorizer) AuthorizeMutation(context.Context, auth.Request) auth.Decision {
	return auth.Allow("anonymous")
}

var _ auth.Authorizer = openAuthorizer{}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.blobs != nil {
		return h.blobs.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    quota_bytes 10737418240
//	    long_poll_timeout 20s
//	    signing_secret <secret>
//	    public_by_default
//	    cors_origin https://example.com
//	    enable_metrics
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "quota_bytes":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var n uint64
				if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
					return d.Errf("invalid quota_bytes: %v", err)
				}
				h.QuotaBytes = n
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "signing_secret":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				h.SigningSecrets = append(h.SigningSecrets, val)
			case "public_by_default":
				h.PublicByDefault = true
			case "cors_origin":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				h.CORSOrigins = append(h.CORSOrigins, val)
			case "enable_metrics":
				h.EnableMetrics = true
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
