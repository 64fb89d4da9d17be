// Package metrics emits structured data points to the analytics dataset and
// mirrors the operational ones as Prometheus series.
//
// The write interface is a closed set of event kinds; each kind has a
// constructor with a fixed argument list so the sink binding is
// compile-checked. Points carry the (blobs, doubles, indexes) tuple of the
// analytics schema:
//
//	index1  = event category ("session", "subscription", "publish", ...)
//	blob1   = event kind
//	blob2   = session id (when applicable)
//	blob3   = stream id (when applicable)
//	double1 = kind-specific value (ttl seconds, counts, duration ms)
package metrics

import (
	"time"
)

// Kind enumerates every data-point kind the fabric emits.
type Kind string

// Data-point kinds.
const (
	KindFanout        Kind = "fanout"
	KindFanoutQueued  Kind = "fanout_queued"
	KindSubscribe     Kind = "subscribe"
	KindUnsubscribe   Kind = "unsubscribe"
	KindSessionCreate Kind = "session_create"
	KindSessionTouch  Kind = "session_touch"
	KindSessionDelete Kind = "session_delete"
	KindSessionExpire Kind = "session_expire"
	KindCleanupBatch  Kind = "cleanup_batch"
	KindHTTP          Kind = "http"
	KindPublish       Kind = "publish"
	KindPublishError  Kind = "publish_error"
)

// Event categories (index1). The expiry oracle aggregates by category.
const (
	CategorySession      = "session"
	CategorySubscription = "subscription"
	CategoryPublish      = "publish"
	CategoryFanout       = "fanout"
	CategoryCleanup      = "cleanup"
	CategoryHTTP         = "http"
)

// Point is one analytics data point.
type Point struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"ts"`
	Blobs     []string  `json:"blobs"`
	Doubles   []float64 `json:"doubles"`
	Indexes   []string  `json:"indexes"`
}

func newPoint(kind Kind, category string, blobs []string, doubles []float64) Point {
	return Point{
		Kind:      kind,
		Timestamp: time.Now(),
		Blobs:     append([]string{string(kind)}, blobs...),
		Doubles:   doubles,
		Indexes:   []string{category},
	}
}

// FanoutPoint records an inline fan-out result for one publish.
func FanoutPoint(project, streamID string, successes, failures int) Point {
	return newPoint(KindFanout, CategoryFanout,
		[]string{"", streamID, project},
		[]float64{float64(successes), float64(failures)})
}

// FanoutQueuedPoint records a publish whose fan-out was enqueued.
func FanoutQueuedPoint(project, streamID string, enqueued int) Point {
	return newPoint(KindFanoutQueued, CategoryFanout,
		[]string{"", streamID, project},
		[]float64{float64(enqueued)})
}

// SubscribePoint records a session subscribing to a stream.
func SubscribePoint(project, streamID, sessionID string) Point {
	return newPoint(KindSubscribe, CategorySubscription,
		[]string{sessionID, streamID, project},
		[]float64{1})
}

// UnsubscribePoint records a session unsubscribing from a stream.
func UnsubscribePoint(project, streamID, sessionID string) Point {
	return newPoint(KindUnsubscribe, CategorySubscription,
		[]string{sessionID, streamID, project},
		[]float64{-1})
}

// SessionCreatePoint records creation of a session stream. ttl feeds the
// expiry oracle's per-session TTL aggregate.
func SessionCreatePoint(project, sessionID string, ttl time.Duration) Point {
	return newPoint(KindSessionCreate, CategorySession,
		[]string{sessionID, "", project},
		[]float64{ttl.Seconds()})
}

// SessionTouchPoint records a session TTL refresh.
func SessionTouchPoint(project, sessionID string, ttl time.Duration) Point {
	return newPoint(KindSessionTouch, CategorySession,
		[]string{sessionID, "", project},
		[]float64{ttl.Seconds()})
}

// SessionDeletePoint records an explicit or cleanup-driven session deletion.
func SessionDeletePoint(project, sessionID string) Point {
	return newPoint(KindSessionDelete, CategorySession,
		[]string{sessionID, "", project},
		nil)
}

// SessionExpirePoint records a session detected as expired by the sweeper.
func SessionExpirePoint(project, sessionID string) Point {
	return newPoint(KindSessionExpire, CategorySession,
		[]string{sessionID, "", project},
		nil)
}

// CleanupBatchPoint records the aggregate result of one cleanup sweep.
func CleanupBatchPoint(project string, deleted, removeSuccesses, removeFailures int) Point {
	return newPoint(KindCleanupBatch, CategoryCleanup,
		[]string{"", "", project},
		[]float64{float64(deleted), float64(removeSuccesses), float64(removeFailures)})
}

// HTTPPoint records one northbound HTTP request.
func HTTPPoint(method, path string, status int, duration time.Duration) Point {
	return newPoint(KindHTTP, CategoryHTTP,
		[]string{method + " " + path},
		[]float64{float64(status), float64(duration.Milliseconds())})
}

// PublishPoint records a successful publish to a source stream.
func PublishPoint(project, streamID string, payloadBytes int) Point {
	return newPoint(KindPublish, CategoryPublish,
		[]string{"", streamID, project},
		[]float64{float64(payloadBytes)})
}

// PublishErrorPoint records a failed source write.
func PublishErrorPoint(project, streamID string, status int) Point {
	return newPoint(KindPublishError, CategoryPublish,
		[]string{"", streamID, project},
		[]float64{float64(status)})
}
