package cleanup

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplex/streamplex/pkg/expiry"
	"github.com/streamplex/streamplex/pkg/fanout"
	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
	"github.com/streamplex/streamplex/pkg/registry"
	"github.com/streamplex/streamplex/pkg/session"
)

// fakeLog satisfies both the fan-out appender and the session lifecycle.
type fakeLog struct {
	mu           sync.Mutex
	deleteStatus map[string]int // doKey → status, default 200
	deleted      []string
}

func (f *fakeLog) PostStream(ctx context.Context, doKey string, body []byte, contentType string, producer *logclient.Producer) (logclient.Result, error) {
	return logclient.Result{OK: true, Status: http.StatusOK}, nil
}

func (f *fakeLog) PutStream(ctx context.Context, doKey, contentType string, expiresAt time.Time) (logclient.Result, error) {
	return logclient.Result{OK: true, Status: http.StatusCreated}, nil
}

func (f *fakeLog) HeadStream(ctx context.Context, doKey string) (logclient.HeadResult, error) {
	return logclient.HeadResult{OK: true, Status: http.StatusOK}, nil
}

func (f *fakeLog) DeleteStream(ctx context.Context, doKey string) (logclient.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, doKey)
	status, ok := f.deleteStatus[doKey]
	if !ok {
		status = http.StatusOK
	}
	return logclient.Result{OK: status < 300, Status: status}, nil
}

type fakeQuerier struct {
	expiredRows []map[string]any
	streamsBy   map[string][]map[string]any
}

func (f *fakeQuerier) QueryRows(ctx context.Context, sql string) ([]map[string]any, error) {
	for sid, rows := range f.streamsBy {
		if strings.Contains(sql, "'"+sid+"'") {
			return rows, nil
		}
	}
	return f.expiredRows, nil
}

func (f *fakeQuerier) Dataset() string { return "streamplex_events" }

type nullSink struct {
	mu     sync.Mutex
	points []metrics.Point
}

func (s *nullSink) Emit(p metrics.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, p)
}

func (s *nullSink) count(kind metrics.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.points {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

func expiredRow(sessionID string) map[string]any {
	return map[string]any{
		"session_id":    sessionID,
		"last_activity": float64(time.Now().Add(-2 * time.Hour).Unix()),
		"ttl_seconds":   float64(1800),
	}
}

func newTestSweeper(t *testing.T, q expiry.Querier, log *fakeLog) (*Sweeper, *registry.Registry, *nullSink) {
	t.Helper()
	store, err := registry.OpenStore(filepath.Join(t.TempDir(), "subs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sink := &nullSink{}
	reg := registry.New(registry.Options{
		Store:  store,
		Log:    log,
		Engine: fanout.NewEngine(log, 4),
		Sink:   sink,
	})
	sessions := session.NewController(log, nil, sink, 30*time.Minute)
	sw := NewSweeper(expiry.NewOracle(q), reg, sessions, sink, "proj", time.Minute)
	return sw, reg, sink
}

func TestSweep_NoAnalyticsIsNoop(t *testing.T) {
	log := &fakeLog{}
	sw, _, sink := newTestSweeper(t, nil, log)

	// Querier nil inside the oracle: disabled.
	sw.oracle = expiry.NewOracle(nil)
	res := sw.Sweep(context.Background())
	assert.Equal(t, Result{}, res)
	assert.Empty(t, log.deleted)
	assert.Zero(t, sink.count(metrics.KindCleanupBatch))
}

func TestSweep_NoExpiredSessions(t *testing.T) {
	sw, _, _ := newTestSweeper(t, &fakeQuerier{}, &fakeLog{})
	assert.Equal(t, Result{}, sw.Sweep(context.Background()))
}

func TestSweep_ReconcilesExpiredSession(t *testing.T) {
	log := &fakeLog{}
	q := &fakeQuerier{
		expiredRows: []map[string]any{expiredRow("dead")},
		streamsBy: map[string][]map[string]any{
			"dead": {
				{"stream_id": "orders", "net": float64(1)},
				{"stream_id": "invoices", "net": float64(1)},
			},
		},
	}
	sw, reg, sink := newTestSweeper(t, q, log)
	ctx := context.Background()

	require.NoError(t, reg.Actor("orders").AddSubscriber(ctx, "dead"))
	require.NoError(t, reg.Actor("orders").AddSubscriber(ctx, "alive"))
	require.NoError(t, reg.Actor("invoices").AddSubscriber(ctx, "dead"))

	res := sw.Sweep(ctx)

	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.StreamDeleteSuccesses)
	assert.Equal(t, 2, res.SubscriptionRemoveSuccesses)
	assert.Zero(t, res.SubscriptionRemoveFailures)

	subs, err := reg.Actor("orders").GetSubscribers(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1, "only the expired session is removed")
	assert.Equal(t, "alive", subs[0].SessionID)

	assert.Equal(t, []string{"proj/session:dead"}, log.deleted)
	assert.Equal(t, 1, sink.count(metrics.KindSessionExpire))
	assert.Equal(t, 1, sink.count(metrics.KindSessionDelete))
	assert.Equal(t, 1, sink.count(metrics.KindCleanupBatch))
}

func TestSweep_SessionStreamAlreadyGone(t *testing.T) {
	log := &fakeLog{deleteStatus: map[string]int{
		"proj/session:dead": http.StatusNotFound,
	}}
	q := &fakeQuerier{expiredRows: []map[string]any{expiredRow("dead")}}
	sw, _, _ := newTestSweeper(t, q, log)

	res := sw.Sweep(context.Background())
	assert.Equal(t, 1, res.Deleted, "404 on delete is success")
	assert.Zero(t, res.StreamDeleteFailures)
}

func TestSweep_OneFailureDoesNotBlockOthers(t *testing.T) {
	log := &fakeLog{deleteStatus: map[string]int{
		"proj/session:bad": http.StatusInternalServerError,
	}}
	q := &fakeQuerier{expiredRows: []map[string]any{
		expiredRow("bad"), expiredRow("good"),
	}}
	sw, _, _ := newTestSweeper(t, q, log)

	res := sw.Sweep(context.Background())
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.StreamDeleteFailures)
	assert.ElementsMatch(t, []string{"proj/session:bad", "proj/session:good"}, log.deleted)
}

func TestSweeper_StartStop(t *testing.T) {
	sw, _, _ := newTestSweeper(t, &fakeQuerier{}, &fakeLog{})
	sw.Start(context.Background())
	sw.Stop()
}
