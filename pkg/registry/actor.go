package registry

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/streamplex/streamplex/pkg/fanout"
	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
)

// Envelope is one publish request as the actor sees it.
type Envelope struct {
	Payload     []byte
	ContentType string
	// Producer is the caller's idempotency triple, forwarded verbatim to
	// the source write. Fan-out writes synthesize their own triple.
	Producer *logclient.Producer
}

// PublishResult reports the outcome of one publish, including the fan-out
// tally surfaced back to the producer.
type PublishResult struct {
	StatusCode int
	Body       []byte
	NextOffset string

	FanoutMode      string // "inline" or "queued"
	FanoutCount     int
	FanoutSuccesses int
	FanoutFailures  int
}

// Deliverer is the inline fan-out engine as the actor uses it.
type Deliverer interface {
	Deliver(ctx context.Context, project string, sessionIDs []string, payload []byte, contentType string, producer *logclient.Producer) fanout.Result
}

// Enqueuer hands a publish off to the durable fan-out queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, project string, sessionIDs []string, payload []byte, contentType string, producer *logclient.Producer) error
}

// Emitter is the metrics sink slice the actor needs.
type Emitter interface {
	Emit(metrics.Point)
}

// Actor owns the subscriber set of one source stream. Every operation takes
// the actor's mutex, so mutations against a stream serialize regardless of
// how many request handlers hold a reference.
type Actor struct {
	streamID string
	mu       sync.Mutex
	reg      *Registry
}

func (a *Actor) lock() func() {
	a.mu.Lock()
	return a.mu.Unlock
}

// AddSubscriber inserts the session into the set. Idempotent: a second add
// is a no-op and keeps the original subscribedAt.
func (a *Actor) AddSubscriber(ctx context.Context, sessionID string) error {
	defer a.lock()()
	return a.reg.store.insert(ctx, a.streamID, sessionID)
}

// RemoveSubscriber deletes the session from the set; no-op when absent.
func (a *Actor) RemoveSubscriber(ctx context.Context, sessionID string) error {
	defer a.lock()()
	return a.reg.store.remove(ctx, a.streamID, sessionID)
}

// RemoveSubscribers deletes a batch in a single write.
func (a *Actor) RemoveSubscribers(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	defer a.lock()()
	return a.reg.store.removeMany(ctx, a.streamID, sessionIDs)
}

// GetSubscribers returns the current subscriber set, ordered by
// subscription time.
func (a *Actor) GetSubscribers(ctx context.Context) ([]Subscriber, error) {
	defer a.lock()()
	return a.reg.store.list(ctx, a.streamID)
}

// Publish writes the envelope to the source stream, then fans it out to
// every subscriber's session stream.
//
// The source write always happens first; if it fails no fan-out is
// attempted and the upstream status is returned to the caller. Subscribers
// whose session stream returns 404 during fan-out are evicted from the set
// before this call returns.
func (a *Actor) Publish(ctx context.Context, project string, env Envelope) (PublishResult, error) {
	defer a.lock()()

	doKey := logclient.DoKey(project, a.streamID)
	wr, err := a.reg.log.PostStream(ctx, doKey, env.Payload, env.ContentType, env.Producer)
	if err != nil {
		a.reg.sink.Emit(metrics.PublishErrorPoint(project, a.streamID, http.StatusBadGateway))
		return PublishResult{
			StatusCode: http.StatusBadGateway,
			Body:       []byte("Failed to write to stream"),
			FanoutMode: fanoutModeInline,
		}, nil
	}
	if !wr.OK {
		a.reg.sink.Emit(metrics.PublishErrorPoint(project, a.streamID, wr.Status))
		return PublishResult{
			StatusCode: wr.Status,
			Body:       []byte("Failed to write to stream"),
			FanoutMode: fanoutModeInline,
		}, nil
	}

	producer := fanout.FanoutProducer(a.streamID, wr.NextOffset)

	subs, err := a.reg.store.list(ctx, a.streamID)
	if err != nil {
		// The source write landed; surface it rather than failing the
		// publish over local state.
		slog.Error("Listing subscribers after source write failed",
			"stream_id", a.streamID, "error", err)
		subs = nil
	}
	sessionIDs := make([]string, len(subs))
	for i, s := range subs {
		sessionIDs[i] = s.SessionID
	}

	res := PublishResult{
		StatusCode:  wr.Status,
		Body:        wr.Body,
		NextOffset:  wr.NextOffset,
		FanoutMode:  fanoutModeInline,
		FanoutCount: len(sessionIDs),
	}
	a.reg.sink.Emit(metrics.PublishPoint(project, a.streamID, len(env.Payload)))
	if len(sessionIDs) == 0 {
		return res, nil
	}

	if len(sessionIDs) > a.reg.queueThreshold && a.reg.queue != nil {
		if err := a.reg.queue.Enqueue(ctx, project, sessionIDs, env.Payload, env.ContentType, producer); err != nil {
			// Soft downgrade: the queue rejecting a publish must never
			// drop it.
			slog.Warn("Fan-out enqueue failed, delivering inline",
				"stream_id", a.streamID, "subscribers", len(sessionIDs), "error", err)
		} else {
			res.FanoutMode = fanoutModeQueued
			a.reg.sink.Emit(metrics.FanoutQueuedPoint(project, a.streamID, len(sessionIDs)))
			return res, nil
		}
	}

	fr := a.reg.engine.Deliver(ctx, project, sessionIDs, env.Payload, env.ContentType, producer)
	res.FanoutSuccesses = fr.Successes
	res.FanoutFailures = fr.Failures

	if len(fr.StaleSessionIDs) > 0 {
		if err := a.reg.store.removeMany(ctx, a.streamID, fr.StaleSessionIDs); err != nil {
			slog.Error("Evicting stale subscribers failed",
				"stream_id", a.streamID, "stale", len(fr.StaleSessionIDs), "error", err)
		} else {
			slog.Info("Evicted stale subscribers",
				"stream_id", a.streamID, "stale", len(fr.StaleSessionIDs))
		}
	}

	a.reg.sink.Emit(metrics.FanoutPoint(project, a.streamID, fr.Successes, fr.Failures))
	return res, nil
}

const (
	fanoutModeInline = "inline"
	fanoutModeQueued = "queued"
)
