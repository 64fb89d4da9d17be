// Package cleanup reconciles expired sessions: it removes their
// subscriptions from the owning stream actors and deletes their session
// streams. Expiry itself is decided by the oracle.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/streamplex/streamplex/pkg/expiry"
	"github.com/streamplex/streamplex/pkg/metrics"
	"github.com/streamplex/streamplex/pkg/registry"
	"github.com/streamplex/streamplex/pkg/session"
)

// sweepBatchSize is how many expired sessions are reconciled in parallel.
const sweepBatchSize = 10

// Result aggregates one sweep's effects.
type Result struct {
	Deleted                     int
	StreamDeleteSuccesses       int
	StreamDeleteFailures        int
	SubscriptionRemoveSuccesses int
	SubscriptionRemoveFailures  int
}

// Emitter is the metrics sink slice the sweeper needs.
type Emitter interface {
	Emit(metrics.Point)
}

// Sweeper runs the scheduled expiry sweep.
type Sweeper struct {
	oracle   *expiry.Oracle
	registry *registry.Registry
	sessions *session.Controller
	sink     Emitter
	project  string
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over the given collaborators.
func NewSweeper(oracle *expiry.Oracle, reg *registry.Registry, sessions *session.Controller, sink Emitter, project string, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		oracle:   oracle,
		registry: reg,
		sessions: sessions,
		sink:     sink,
		project:  project,
		interval: interval,
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup sweeper started",
		"interval", s.interval, "analytics", s.oracle.Enabled())
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := s.Sweep(ctx)
			if res.Deleted > 0 {
				slog.Info("Cleanup sweep finished",
					"deleted", res.Deleted,
					"subscriptions_removed", res.SubscriptionRemoveSuccesses,
					"failures", res.StreamDeleteFailures+res.SubscriptionRemoveFailures)
			}
		}
	}
}

// Sweep performs one reconciliation pass. Without analytics it is a no-op
// returning zeros. Failures against one session never block the others.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	if !s.oracle.Enabled() {
		return Result{}
	}

	expired := s.oracle.ExpiredSessions(ctx)
	if expired.Err != "" {
		slog.Warn("Cleanup sweep skipped", "reason", expired.Err)
		return Result{}
	}
	if len(expired.Sessions) == 0 {
		return Result{}
	}

	var mu sync.Mutex
	var total Result

	for start := 0; start < len(expired.Sessions); start += sweepBatchSize {
		end := min(start+sweepBatchSize, len(expired.Sessions))

		var g errgroup.Group
		for _, sess := range expired.Sessions[start:end] {
			g.Go(func() error {
				r := s.reconcile(ctx, sess.SessionID)
				mu.Lock()
				total.Deleted += r.Deleted
				total.StreamDeleteSuccesses += r.StreamDeleteSuccesses
				total.StreamDeleteFailures += r.StreamDeleteFailures
				total.SubscriptionRemoveSuccesses += r.SubscriptionRemoveSuccesses
				total.SubscriptionRemoveFailures += r.SubscriptionRemoveFailures
				mu.Unlock()
				// All-settled: one session's failure never aborts the batch.
				return nil
			})
		}
		_ = g.Wait()
	}

	s.sink.Emit(metrics.CleanupBatchPoint(s.project,
		total.Deleted, total.SubscriptionRemoveSuccesses, total.SubscriptionRemoveFailures))
	return total
}

// reconcile tears down one expired session.
func (s *Sweeper) reconcile(ctx context.Context, sessionID string) Result {
	var r Result
	s.sink.Emit(metrics.SessionExpirePoint(s.project, sessionID))

	streams, err := s.oracle.SessionStreams(ctx, sessionID)
	if err != nil {
		slog.Warn("Subscription lookup failed during cleanup",
			"session_id", sessionID, "error", err)
	}
	for _, streamID := range streams {
		if err := s.registry.Actor(streamID).RemoveSubscriber(ctx, sessionID); err != nil {
			slog.Error("Removing expired subscription failed",
				"session_id", sessionID, "stream_id", streamID, "error", err)
			r.SubscriptionRemoveFailures++
			continue
		}
		r.SubscriptionRemoveSuccesses++
		s.sink.Emit(metrics.UnsubscribePoint(s.project, streamID, sessionID))
	}

	if err := s.sessions.Delete(ctx, s.project, sessionID); err != nil {
		slog.Error("Deleting expired session stream failed",
			"session_id", sessionID, "error", err)
		r.StreamDeleteFailures++
		return r
	}
	r.StreamDeleteSuccesses++
	r.Deleted++
	return r
}
