// Package metrics implements the best-effort metrics sink spec.md
// treats as an external collaborator, plus a default Prometheus-backed
// implementation. The teacher has no metrics layer of its own;
// client_golang is already a transitive dependency (pulled in via
// Caddy's own instrumentation) promoted here to direct, concrete use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the metrics collaborator every component writes best-effort
// points to. Writes never return an error — a metrics outage must never
// fail a stream operation.
type Sink interface {
	AppendCommitted(projectID string, bytes int64)
	ReadServed(projectID string, bytes int64, fromColdSegment bool)
	SegmentRotated(projectID string)
	ProducerExpired(projectID string)
	CoalesceHit(projectID string)
	CoalesceMiss(projectID string)
	LongPollTimeout(projectID string)
	CacheHit(projectID string)
	CacheMiss(projectID string)
}

// Noop discards every point. Used when a caller wires no sink.
type Noop struct{}

func (Noop) AppendCommitted(string, int64)       {}
func (Noop) ReadServed(string, int64, bool)      {}
func (Noop) SegmentRotated(string)               {}
func (Noop) ProducerExpired(string)              {}
func (Noop) CoalesceHit(string)                  {}
func (Noop) CoalesceMiss(string)                 {}
func (Noop) LongPollTimeout(string)               {}
func (Noop) CacheHit(string)                     {}
func (Noop) CacheMiss(string)                    {}

var _ Sink = Noop{}

// Prometheus is the default Sink, registering its collectors against
// the supplied registerer (pass prometheus.DefaultRegisterer to use the
// global registry, as the teacher's Caddy host process does for its own
// metrics).
type Prometheus struct {
	appendBytes     *prometheus.CounterVec
	readBytes       *prometheus.CounterVec
	segmentRotations *prometheus.CounterVec
	producerExpiries *prometheus.CounterVec
	coalesceHits    *prometheus.CounterVec
	coalesceMisses  *prometheus.CounterVec
	longPollTimeouts *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
}

// NewPrometheus builds and registers a Prometheus sink. reg may be nil
// to use prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		appendBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durablelog_append_bytes_total",
			Help: "Total bytes committed by successful appends.",
		}, []string{"project"}),
		readBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durablelog_read_bytes_total",
			Help: "Total bytes served by reads.",
		}, []string{"project", "source"}),
		segmentRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durablelog_segment_rotations_total",
			Help: "Total hot-to-cold segment rotations.",
		}, []string{"project"}),
		producerExpiries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durablelog_producer_expiries_total",
			Help: "Total producer idempotency states lazily expired.",
		}, []string{"project"}),
		coalesceHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durablelog_coalesce_hits_total",
			Help: "Requests folded into an in-flight coalesced fetch.",
		}, []string{"project"}),
		coalesceMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durablelog_coalesce_misses_total",
			Help: "Requests that became the coalescing winner.",
		}, []string{"project"}),
		longPollTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durablelog_long_poll_timeouts_total",
			Help: "Long-poll waiters that resolved via timeout, not a write.",
		}, []string{"project"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durablelog_cache_hits_total",
			Help: "Edge cache hits.",
		}, []string{"project"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durablelog_cache_misses_total",
			Help: "Edge cache misses.",
		}, []string{"project"}),
	}

	reg.MustRegister(
		p.appendBytes, p.readBytes, p.segmentRotations, p.producerExpiries,
		p.coalesceHits, p.coalesceMisses, p.longPollTimeouts, p.cacheHits, p.cacheMisses,
	)
	return p
}

var _ Sink = (*Prometheus)(nil)

func (p *Prometheus) AppendCommitted(projectID string, bytes int64) {
	p.appendBytes.WithLabelValues(projectID).Add(float64(bytes))
}

func (p *Prometheus) ReadServed(projectID string, bytes int64, fromColdSegment bool) {
	source := "hot"
	if fromColdSegment {
		source = "cold"
	}
	p.readBytes.WithLabelValues(projectID, source).Add(float64(bytes))
}

func (p *Prometheus) SegmentRotated(projectID string) {
	p.segmentRotations.WithLabelValues(projectID).Inc()
}

func (p *Prometheus) ProducerExpired(projectID string) {
	p.producerExpiries.WithLabelValues(projectID).Inc()
}

func (p *Prometheus) CoalesceHit(projectID string) {
	p.coalesceHits.WithLabelValues(projectID).Inc()
}

func (p *Prometheus) CoalesceMiss(projectID string) {
	p.coalesceMisses.WithLabelValues(projectID).Inc()
}

func (p *Prometheus) LongPollTimeout(projectID string) {
	p.longPollTimeouts.WithLabelValues(projectID).Inc()
}

func (p *Prometheus) CacheHit(projectID string) {
	p.cacheHits.WithLabelValues(projectID).Inc()
}

func (p *Prometheus) CacheMiss(projectID string) {
	p.cacheMisses.WithLabelValues(projectID).Inc()
}
