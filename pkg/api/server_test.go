package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamplex/streamplex/pkg/cache"
	"github.com/streamplex/streamplex/pkg/config"
	"github.com/streamplex/streamplex/pkg/fanout"
	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
	"github.com/streamplex/streamplex/pkg/registry"
	"github.com/streamplex/streamplex/pkg/session"
)

// fakeLogService emulates the durable log over httptest: streams are
// in-memory, offsets count appends.
type fakeLogService struct {
	mu       sync.Mutex
	streams  map[string][][]byte // doKey → appended bodies
	putTypes map[string]string   // doKey → Content-Type of the creating PUT
	reqs     []string            // "METHOD doKey" in arrival order
}

func newFakeLogService() *fakeLogService {
	return &fakeLogService{
		streams:  map[string][][]byte{},
		putTypes: map[string]string{},
	}
}

func (f *fakeLogService) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doKey := strings.TrimPrefix(r.URL.Path, "/v1/stream/")
		f.mu.Lock()
		defer f.mu.Unlock()
		f.reqs = append(f.reqs, r.Method+" "+doKey)

		switch r.Method {
		case http.MethodPut:
			f.putTypes[doKey] = r.Header.Get("Content-Type")
			if _, ok := f.streams[doKey]; ok {
				w.WriteHeader(http.StatusConflict)
				return
			}
			f.streams[doKey] = [][]byte{}
			w.WriteHeader(http.StatusCreated)
		case http.MethodPost:
			msgs, ok := f.streams[doKey]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			body := new(bytes.Buffer)
			_, _ = body.ReadFrom(r.Body)
			f.streams[doKey] = append(msgs, body.Bytes())
			w.Header().Set(logclient.HeaderNextOffset, strconv.Itoa(len(msgs)+1))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		case http.MethodHead:
			if _, ok := f.streams[doKey]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			if _, ok := f.streams[doKey]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.streams, doKey)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			msgs, ok := f.streams[doKey]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("ETag", `"`+strconv.Itoa(len(msgs))+`-open"`)
			w.Header().Set(logclient.HeaderNextOffset, strconv.Itoa(len(msgs)))
			w.WriteHeader(http.StatusOK)
			for _, m := range msgs {
				_, _ = w.Write(m)
				_, _ = w.Write([]byte("\n"))
			}
		}
	})
}

func (f *fakeLogService) messages(doKey string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[doKey]
}

func (f *fakeLogService) putContentType(doKey string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putTypes[doKey]
}

func (f *fakeLogService) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reqs...)
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakeLogService) {
	t.Helper()
	logSvc := newFakeLogService()
	ts := httptest.NewServer(logSvc.handler())
	t.Cleanup(ts.Close)

	cfg := &config.Config{
		CoreURL:              ts.URL,
		Project:              "default",
		SessionTTL:           30 * time.Minute,
		FanoutQueueThreshold: 100,
		FanoutParallelism:    4,
		CORSOrigins:          []string{"*"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	logCli := logclient.New(cfg.CoreURL)
	sink := metrics.NewSink(cfg.Analytics)
	store, err := registry.OpenStore(filepath.Join(t.TempDir(), "subs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(registry.Options{
		Store:          store,
		Log:            logCli,
		Engine:         fanout.NewEngine(logCli, cfg.FanoutParallelism),
		Sink:           sink,
		QueueThreshold: cfg.FanoutQueueThreshold,
	})
	sessions := session.NewController(logCli, nil, sink, cfg.SessionTTL)

	return NewServer(cfg, reg, sessions, cache.New(), logCli, sink), logSvc
}

func doJSON(t *testing.T, s *Server, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestSubscribe(t *testing.T) {
	s, logSvc := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/v1/subscribe",
		SubscribeRequest{SessionID: "sess-a", StreamID: "orders"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SubscribeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sess-a", resp.SessionID)
	assert.Equal(t, "orders", resp.StreamID)
	assert.Equal(t, "session:sess-a", resp.SessionStreamPath)
	assert.True(t, resp.IsNewSession)
	assert.NotNil(t, logSvc.messages("default/session:sess-a"), "session stream created")

	// Resubscribing touches the existing session.
	rec = doJSON(t, s, http.MethodPost, "/v1/subscribe",
		SubscribeRequest{SessionID: "sess-a", StreamID: "orders"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.IsNewSession)
}

func TestSubscribe_SessionContentType(t *testing.T) {
	s, logSvc := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/v1/subscribe",
		SubscribeRequest{SessionID: "sess-a", StreamID: "orders", ContentType: "application/vnd.custom"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/vnd.custom", logSvc.putContentType("default/session:sess-a"))

	rec = doJSON(t, s, http.MethodPost, "/v1/subscribe",
		SubscribeRequest{SessionID: "sess-b", StreamID: "orders"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", logSvc.putContentType("default/session:sess-b"),
		"default when the body omits contentType")
}

func TestSubscribe_Validation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/v1/subscribe",
		SubscribeRequest{SessionID: "bad id", StreamID: "orders"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/subscribe",
		SubscribeRequest{StreamID: "orders"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnsubscribe(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodPost, "/v1/subscribe",
		SubscribeRequest{SessionID: "sess-a", StreamID: "orders"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodDelete, "/v1/unsubscribe",
		UnsubscribeRequest{SessionID: "sess-a", StreamID: "orders"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unsubscribed":true}`, rec.Body.String())
}

func TestPublish_FanoutHeaders(t *testing.T) {
	s, logSvc := newTestServer(t, nil)

	for _, sid := range []string{"a", "b", "c"} {
		rec := doJSON(t, s, http.MethodPost, "/v1/subscribe",
			SubscribeRequest{SessionID: sid, StreamID: "orders"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	// The source stream must exist before publish.
	_, err := logclient.New(s.cfg.CoreURL).PutStream(t.Context(), "default/orders", "application/json", time.Time{})
	require.NoError(t, err)

	pub := httptest.NewRequest(http.MethodPost, "/v1/publish/orders",
		strings.NewReader(`{"hello":"world"}`))
	pub.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, pub)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3", rec.Header().Get("X-Fanout-Count"))
	assert.Equal(t, "3", rec.Header().Get("X-Fanout-Successes"))
	assert.Equal(t, "0", rec.Header().Get("X-Fanout-Failures"))
	assert.Equal(t, "inline", rec.Header().Get("X-Fanout-Mode"))
	assert.NotEmpty(t, rec.Header().Get("X-Stream-Next-Offset"))

	for _, sid := range []string{"a", "b", "c"} {
		msgs := logSvc.messages("default/session:" + sid)
		require.Len(t, msgs, 1, "session %s received the fan-out", sid)
		assert.JSONEq(t, `{"hello":"world"}`, string(msgs[0]))
	}
}

func TestPublish_MissingSourceStream(t *testing.T) {
	s, _ := newTestServer(t, nil)

	pub := httptest.NewRequest(http.MethodPost, "/v1/publish/ghost", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, pub)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Failed to write to stream", rec.Body.String())
	assert.Equal(t, "0", rec.Header().Get("X-Fanout-Count"))
}

func TestSessionLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/v1/session/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/v1/session/sess-a/touch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var touch TouchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &touch))
	assert.Equal(t, "sess-a", touch.SessionID)
	assert.True(t, touch.ExpiresAt.After(time.Now()))

	rec = doJSON(t, s, http.MethodGet, "/v1/session/sess-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info session.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "session:sess-a", info.SessionStreamPath)
	assert.NotNil(t, info.Subscriptions)

	rec = doJSON(t, s, http.MethodDelete, "/v1/session/sess-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessionId":"sess-a","deleted":true}`, rec.Body.String())

	// Idempotent delete.
	rec = doJSON(t, s, http.MethodDelete, "/v1/session/sess-a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadStream_CacheFlow(t *testing.T) {
	s, _ := newTestServer(t, nil)

	_, err := logclient.New(s.cfg.CoreURL).PutStream(t.Context(), "default/orders", "application/json", time.Time{})
	require.NoError(t, err)

	read := func(header http.Header) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/streams/orders?offset=0", nil)
		for k, v := range header {
			req.Header[k] = v
		}
		rec := httptest.NewRecorder()
		s.Echo().ServeHTTP(rec, req)
		return rec
	}

	rec := read(nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = read(nil)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	rec = read(http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = read(http.Header{"Cache-Control": {"no-cache"}})
	assert.Equal(t, "BYPASS", rec.Header().Get("X-Cache"))
}

func TestReadStream_SSEProxy(t *testing.T) {
	s, _ := newTestServer(t, nil)
	cli := logclient.New(s.cfg.CoreURL)
	_, err := cli.PutStream(t.Context(), "default/orders", "application/json", time.Time{})
	require.NoError(t, err)
	_, err = cli.PostStream(t.Context(), "default/orders", []byte(`{"n":1}`), "application/json", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/streams/orders?live=sse", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("X-Cache"), "SSE is never cached")
	assert.Contains(t, rec.Body.String(), `{"n":1}`)
}

func TestReadStream_HEADGoesUpstreamAsHEAD(t *testing.T) {
	s, logSvc := newTestServer(t, nil)
	_, err := logclient.New(s.cfg.CoreURL).PutStream(t.Context(), "default/orders", "application/json", time.Time{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodHead, "/v1/streams/orders", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("X-Cache"))
	assert.Contains(t, logSvc.requests(), "HEAD default/orders")
	assert.NotContains(t, logSvc.requests(), "GET default/orders")
}

func TestRequestMetrics_StatusFromResponse(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// The handler writes 404 itself and returns nil, so the middleware
	// must read the status off the response writer.
	pub := httptest.NewRequest(http.MethodPost, "/v1/publish/ghost", strings.NewReader("x"))
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, pub)
	require.Equal(t, http.StatusNotFound, rec.Code)

	m, ok := metrics.HTTPDuration.WithLabelValues("POST", "/v1/publish/:streamId", "404").(prometheus.Metric)
	require.True(t, ok)
	var pb dto.Metric
	require.NoError(t, m.Write(&pb))
	assert.GreaterOrEqual(t, pb.GetHistogram().GetSampleCount(), uint64(1))
}

func TestReadStream_InvalidIdentifier(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/streams/bad%20id", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) { cfg.AuthToken = "secret" })

	rec := doJSON(t, s, http.MethodGet, "/v1/session/sess-a", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/session/sess-a", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/session/sess-a", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "authorized request reaches the handler")

	// Health stays open.
	rec = doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	s2, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.CORSOrigins = []string{"https://app.example.com"}
	})
	req = httptest.NewRequest(http.MethodOptions, "/v1/subscribe", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	s2.Echo().ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
