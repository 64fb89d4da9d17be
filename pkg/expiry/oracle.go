// Package expiry derives session expiry from the analytics dataset. The
// dataset is the only record of session activity; no central session table
// exists. Queries degrade to empty results so cleanup never fails hard on
// analytics trouble.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
)

// GraceWindow is the minimum quiet period before a session may be treated
// as expired. A session touched within the window is never reported, so a
// touch racing the sweep always wins.
const GraceWindow = 60 * time.Second

// activityWindow bounds how far back the oracle looks for session activity.
const activityWindow = 24 * time.Hour

// ExpiredSession is one session past its TTL.
type ExpiredSession struct {
	SessionID    string
	LastActivity time.Time
	TTL          time.Duration
}

// Result carries the oracle's answer. Err is informational: a failed or
// unconfigured query yields an empty Sessions list plus the reason, never
// an error return.
type Result struct {
	Sessions []ExpiredSession
	Err      string
}

// Querier is the analytics read side the oracle runs on.
type Querier interface {
	QueryRows(ctx context.Context, sql string) ([]map[string]any, error)
	Dataset() string
}

// Oracle answers "which sessions are expired" and "what is this session
// subscribed to" from aggregations over emitted data points.
type Oracle struct {
	q     Querier
	now   func() time.Time
	grace time.Duration
}

// NewOracle creates an oracle over q. q may be nil (analytics not
// configured); every query then degrades to empty.
func NewOracle(q Querier) *Oracle {
	return &Oracle{q: q, now: time.Now, grace: GraceWindow}
}

// Enabled reports whether the oracle has an analytics backend.
func (o *Oracle) Enabled() bool {
	return o != nil && o.q != nil
}

// ExpiredSessions returns sessions whose last create/touch activity is
// older than their TTL, looking back over the activity window. Sessions
// active within the grace window are excluded regardless of TTL.
func (o *Oracle) ExpiredSessions(ctx context.Context) Result {
	if !o.Enabled() {
		return Result{Err: "analytics credentials not configured"}
	}

	query := fmt.Sprintf(`
		SELECT blob2 AS session_id,
		       max(toUnixTimestamp(timestamp)) AS last_activity,
		       max(double1) AS ttl_seconds
		FROM %s
		WHERE index1 = '%s'
		  AND blob1 IN ('%s', '%s')
		  AND timestamp > now() - INTERVAL '24' HOUR
		GROUP BY session_id`,
		o.q.Dataset(), metrics.CategorySession,
		metrics.KindSessionCreate, metrics.KindSessionTouch)

	rows, err := o.q.QueryRows(ctx, query)
	if err != nil {
		slog.Warn("Expired-session query degraded to empty", "error", err)
		return Result{Err: err.Error()}
	}

	now := o.now()
	var out []ExpiredSession
	for _, row := range rows {
		sessionID := stringField(row, "session_id")
		if sessionID == "" {
			continue
		}
		lastActivity := time.Unix(int64(numberField(row, "last_activity")), 0)
		ttl := time.Duration(numberField(row, "ttl_seconds")) * time.Second
		if ttl <= 0 {
			continue
		}

		idle := now.Sub(lastActivity)
		if idle <= ttl || idle < o.grace {
			continue
		}
		out = append(out, ExpiredSession{
			SessionID:    sessionID,
			LastActivity: lastActivity,
			TTL:          ttl,
		})
	}
	return Result{Sessions: out}
}

// SessionStreams returns the streams the session currently subscribes to:
// those with a positive net subscribe count in its subscription events.
func (o *Oracle) SessionStreams(ctx context.Context, sessionID string) ([]string, error) {
	if !o.Enabled() {
		return nil, nil
	}
	if !logclient.ValidIdentifier(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}

	query := fmt.Sprintf(`
		SELECT blob3 AS stream_id,
		       sum(if(blob1 = '%s', 1, -1)) AS net
		FROM %s
		WHERE index1 = '%s'
		  AND blob2 = '%s'
		GROUP BY stream_id`,
		metrics.KindSubscribe, o.q.Dataset(),
		metrics.CategorySubscription, sessionID)

	rows, err := o.q.QueryRows(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions of %s: %w", sessionID, err)
	}

	var streams []string
	for _, row := range rows {
		streamID := stringField(row, "stream_id")
		if streamID == "" {
			continue
		}
		if numberField(row, "net") > 0 {
			streams = append(streams, streamID)
		}
	}
	return streams, nil
}

// stringField reads a string column from a decoded row.
func stringField(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

// numberField reads a numeric column. The analytics API returns numbers
// either as JSON numbers or as strings depending on magnitude.
func numberField(row map[string]any, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
