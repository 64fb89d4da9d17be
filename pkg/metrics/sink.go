package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamplex/streamplex/pkg/config"
)

const (
	// emitBuffer bounds the fire-and-forget channel. When full, points are
	// dropped; metrics emission must never block a data-path request.
	emitBuffer = 4096

	// flushBatchSize is the maximum points per analytics POST.
	flushBatchSize = 100

	// flushInterval bounds how long a point sits in the pending batch.
	flushInterval = time.Second
)

// Prometheus operational series. These mirror the analytics kinds so the
// dashboards work even when analytics credentials are absent.
var (
	pointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamplex_points_total",
		Help: "Data points emitted, by kind.",
	}, []string{"kind"})

	pointsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamplex_points_dropped_total",
		Help: "Data points dropped because the sink buffer was full.",
	})

	// FanoutDeliveries counts per-subscriber fan-out write outcomes.
	FanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamplex_fanout_deliveries_total",
		Help: "Per-subscriber fan-out deliveries, by outcome (success, stale, failure).",
	}, []string{"outcome"})

	// CacheLookups counts edge cache lookups by result (hit, miss, bypass).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamplex_cache_lookups_total",
		Help: "Edge read cache lookups, by result.",
	}, []string{"result"})

	// CoalescedReads counts read requests collapsed onto an in-flight origin fetch.
	CoalescedReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamplex_coalesced_reads_total",
		Help: "Read requests served by awaiting an in-flight origin fetch.",
	})

	// HTTPDuration observes northbound request latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamplex_http_request_duration_seconds",
		Help:    "Northbound HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Sink is the write-only data-point emitter. Emission is fire-and-forget:
// points flow through a buffered channel to a background flusher that posts
// NDJSON batches to the analytics dataset. Without analytics credentials the
// sink still maintains the Prometheus series and silently discards points.
type Sink struct {
	writer *analyticsWriter // nil when analytics is disabled

	ch       chan Point
	cancel   context.CancelFunc
	done     chan struct{}
	initOnce sync.Once
}

// NewSink creates a sink for the given analytics configuration.
func NewSink(cfg config.AnalyticsConfig) *Sink {
	s := &Sink{ch: make(chan Point, emitBuffer)}
	if cfg.Enabled() {
		s.writer = newAnalyticsWriter(cfg)
	}
	return s
}

// Start launches the background flusher. Safe to call once.
func (s *Sink) Start(ctx context.Context) {
	s.initOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		s.done = make(chan struct{})
		go s.run(ctx)
		slog.Info("Metrics sink started", "analytics_enabled", s.writer != nil)
	})
}

// Stop flushes what it can and stops the background flusher.
func (s *Sink) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Metrics sink stopped")
}

// Emit records a data point. Never blocks; drops when the buffer is full.
func (s *Sink) Emit(p Point) {
	pointsTotal.WithLabelValues(string(p.Kind)).Inc()
	select {
	case s.ch <- p:
	default:
		pointsDropped.Inc()
	}
}

func (s *Sink) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Point, 0, flushBatchSize)
	flush := func() {
		if len(batch) == 0 || s.writer == nil {
			batch = batch[:0]
			return
		}
		if err := s.writer.WriteBatch(ctx, batch); err != nil {
			// Degrade silently: analytics loss never fails the data path.
			slog.Warn("Analytics batch write failed", "points", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain with a short independent deadline.
			drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			for {
				select {
				case p := <-s.ch:
					batch = append(batch, p)
					if len(batch) >= flushBatchSize {
						s.flushWith(drainCtx, &batch)
					}
					continue
				default:
				}
				break
			}
			s.flushWith(drainCtx, &batch)
			cancel()
			return
		case p := <-s.ch:
			batch = append(batch, p)
			if len(batch) >= flushBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) flushWith(ctx context.Context, batch *[]Point) {
	if len(*batch) == 0 || s.writer == nil {
		*batch = (*batch)[:0]
		return
	}
	if err := s.writer.WriteBatch(ctx, *batch); err != nil {
		slog.Warn("Analytics final flush failed", "points", len(*batch), "error", err)
	}
	*batch = (*batch)[:0]
}
