// Package session manages the lifecycle of per-consumer session streams.
// A session exists iff its stream exists in the log; the stream's expiry
// header is the only TTL state.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
)

// DefaultTTL applies when no session TTL is configured.
const DefaultTTL = 30 * time.Minute

// StreamLifecycle is the slice of the log client the controller needs.
type StreamLifecycle interface {
	PutStream(ctx context.Context, doKey, contentType string, expiresAt time.Time) (logclient.Result, error)
	HeadStream(ctx context.Context, doKey string) (logclient.HeadResult, error)
	DeleteStream(ctx context.Context, doKey string) (logclient.Result, error)
}

// SubscriptionSource lists the streams a session is subscribed to,
// best-effort. Implemented by the expiry oracle.
type SubscriptionSource interface {
	SessionStreams(ctx context.Context, sessionID string) ([]string, error)
}

// Emitter is the metrics sink slice the controller needs.
type Emitter interface {
	Emit(metrics.Point)
}

// Subscription is one stream a session receives fan-out from.
type Subscription struct {
	StreamID string `json:"streamId"`
}

// Info describes an existing session.
type Info struct {
	SessionID         string         `json:"sessionId"`
	SessionStreamPath string         `json:"sessionStreamPath"`
	Subscriptions     []Subscription `json:"subscriptions"`
}

// TouchResult reports a create-or-refresh of a session stream.
type TouchResult struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
	// IsNew is true when the touch created the stream (2xx) rather than
	// refreshing an existing one (409).
	IsNew bool `json:"isNewSession"`
}

// Controller creates, refreshes and deletes session streams.
type Controller struct {
	log  StreamLifecycle
	subs SubscriptionSource // nil when analytics is not configured
	sink Emitter
	ttl  time.Duration
}

// NewController creates a session controller. subs may be nil; GetSession
// then reports empty subscription lists.
func NewController(log StreamLifecycle, subs SubscriptionSource, sink Emitter, ttl time.Duration) *Controller {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Controller{log: log, subs: subs, sink: sink, ttl: ttl}
}

// TTL returns the configured session TTL.
func (c *Controller) TTL() time.Duration {
	return c.ttl
}

// Touch creates the session stream or refreshes its expiry. 2xx and 409
// both succeed; 409 means the stream already existed and only the expiry
// header moved. contentType sets the stream's content type on create;
// empty defaults to application/json.
func (c *Controller) Touch(ctx context.Context, project, sessionID, contentType string) (TouchResult, error) {
	if contentType == "" {
		contentType = "application/json"
	}
	expiresAt := time.Now().Add(c.ttl)
	doKey := logclient.DoKey(project, logclient.SessionStreamID(sessionID))

	res, err := c.log.PutStream(ctx, doKey, contentType, expiresAt)
	if err != nil {
		return TouchResult{}, fmt.Errorf("touching session %s: %w", sessionID, err)
	}
	if !res.OK && res.Status != http.StatusConflict {
		return TouchResult{}, fmt.Errorf("touching session %s: log returned %d", sessionID, res.Status)
	}

	isNew := res.OK
	if isNew {
		c.sink.Emit(metrics.SessionCreatePoint(project, sessionID, c.ttl))
		slog.Info("Session created", "session_id", sessionID, "expires_at", expiresAt)
	} else {
		c.sink.Emit(metrics.SessionTouchPoint(project, sessionID, c.ttl))
	}

	return TouchResult{SessionID: sessionID, ExpiresAt: expiresAt, IsNew: isNew}, nil
}

// Get returns the session's info, or nil when no session stream exists.
// The subscription list is best-effort: analytics being unavailable yields
// an empty list, never an error.
func (c *Controller) Get(ctx context.Context, project, sessionID string) (*Info, error) {
	doKey := logclient.DoKey(project, logclient.SessionStreamID(sessionID))

	res, err := c.log.HeadStream(ctx, doKey)
	if err != nil {
		return nil, fmt.Errorf("checking session %s: %w", sessionID, err)
	}
	if res.Status == http.StatusNotFound {
		return nil, nil
	}
	if !res.OK {
		return nil, fmt.Errorf("checking session %s: log returned %d", sessionID, res.Status)
	}

	info := &Info{
		SessionID:         sessionID,
		SessionStreamPath: logclient.SessionStreamID(sessionID),
		Subscriptions:     []Subscription{},
	}
	if c.subs != nil {
		streams, err := c.subs.SessionStreams(ctx, sessionID)
		if err != nil {
			slog.Warn("Subscription lookup degraded to empty",
				"session_id", sessionID, "error", err)
		}
		for _, streamID := range streams {
			info.Subscriptions = append(info.Subscriptions, Subscription{StreamID: streamID})
		}
	}
	return info, nil
}

// Delete removes the session stream. Idempotent: a 404 is success.
func (c *Controller) Delete(ctx context.Context, project, sessionID string) error {
	doKey := logclient.DoKey(project, logclient.SessionStreamID(sessionID))

	res, err := c.log.DeleteStream(ctx, doKey)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	if !res.OK && res.Status != http.StatusNotFound {
		return fmt.Errorf("deleting session %s: log returned %d", sessionID, res.Status)
	}

	c.sink.Emit(metrics.SessionDeletePoint(project, sessionID))
	return nil
}
