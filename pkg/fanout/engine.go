// Package fanout delivers one published message to every subscriber's
// session stream, either inline with bounded parallelism or through a
// durable queue drained by a consumer.
package fanout

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
)

// StreamAppender is the slice of the log client the engine needs.
type StreamAppender interface {
	PostStream(ctx context.Context, doKey string, body []byte, contentType string, producer *logclient.Producer) (logclient.Result, error)
}

// Result aggregates per-subscriber delivery outcomes for one message.
type Result struct {
	Successes int
	Failures  int
	// StaleSessionIDs lists subscribers whose session stream returned 404;
	// the caller evicts them from its set. Each is also counted as a failure.
	StaleSessionIDs []string
}

// Engine performs inline fan-out.
type Engine struct {
	log         StreamAppender
	parallelism int
}

// NewEngine creates an inline fan-out engine with the given delivery
// parallelism bound.
func NewEngine(log StreamAppender, parallelism int) *Engine {
	if parallelism <= 0 {
		parallelism = 32
	}
	return &Engine{log: log, parallelism: parallelism}
}

// Deliver writes payload to every subscriber's session stream with
// all-settled semantics: one slow or failing delivery never aborts the rest.
// producer carries the deterministic fan-out triple so replays of the same
// source write collapse at the subscriber log.
func (e *Engine) Deliver(ctx context.Context, project string, sessionIDs []string, payload []byte, contentType string, producer *logclient.Producer) Result {
	if len(sessionIDs) == 0 {
		return Result{}
	}

	var mu sync.Mutex
	var res Result

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, sid := range sessionIDs {
		g.Go(func() error {
			doKey := logclient.DoKey(project, logclient.SessionStreamID(sid))
			wr, err := e.log.PostStream(gctx, doKey, payload, contentType, producer)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failures++
				metrics.FanoutDeliveries.WithLabelValues(outcomeFailure).Inc()
			case wr.Status == http.StatusNotFound:
				res.Failures++
				res.StaleSessionIDs = append(res.StaleSessionIDs, sid)
				metrics.FanoutDeliveries.WithLabelValues(outcomeStale).Inc()
			case wr.OK:
				res.Successes++
				metrics.FanoutDeliveries.WithLabelValues(outcomeSuccess).Inc()
			default:
				res.Failures++
				metrics.FanoutDeliveries.WithLabelValues(outcomeFailure).Inc()
			}
			// All-settled: never propagate an error into the group.
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// FanoutProducer builds the deterministic producer triple for fan-out
// writes: the ID is fixed per source stream and the seq equals the source
// offset, so retries of the same source write produce stable dedup keys.
func FanoutProducer(sourceStreamID, sourceOffset string) *logclient.Producer {
	if sourceOffset == "" {
		return nil
	}
	return &logclient.Producer{
		ID:    "fanout:" + sourceStreamID,
		Epoch: "1",
		Seq:   sourceOffset,
	}
}
