// Package cache is the edge read cache in front of the log read path. It
// stores cacheable read responses, collapses concurrent identical reads
// onto a single origin fetch, and keeps at-tail reads uncached so
// read-after-write holds.
package cache

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/streamplex/streamplex/pkg/metrics"
)

// Coalescing limits.
const (
	// MaxInFlight caps the in-flight registry; beyond it new misses fetch
	// the origin directly instead of registering.
	MaxInFlight = 100_000

	// CoalesceLinger keeps a resolved in-flight entry around briefly when
	// its response was stored, so near-simultaneous arrivals still collapse.
	CoalesceLinger = 200 * time.Millisecond
)

// Response is a materialized read response. Header is owned by the caller;
// the cache always hands out fresh copies.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) clone() *Response {
	return &Response{Status: r.Status, Header: r.Header.Clone(), Body: r.Body}
}

// Origin performs the actual upstream read on a cache miss.
type Origin func(ctx context.Context) (*Response, error)

// Request describes one read passing through the cache.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	// Timing, when non-nil, collects phase durations rendered as a
	// Server-Timing header on the response.
	Timing *Timing
}

type entry struct {
	resp      *Response
	etag      string
	expiresAt time.Time
}

// flight is one pending origin fetch shared by coalesced waiters.
type flight struct {
	done   chan struct{}
	resp   *Response // nil on error
	err    error
	stored bool
}

// Cache is shared by all request handlers of a process.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*flight

	maxInFlight int
	linger      time.Duration
	now         func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries:     make(map[string]*entry),
		inflight:    make(map[string]*flight),
		maxInFlight: MaxInFlight,
		linger:      CoalesceLinger,
		now:         time.Now,
	}
}

// Get serves one read request, consulting the cache and the in-flight
// registry before falling back to origin. Only GET and HEAD reach this
// point; HEAD is never cached and carries no X-Cache header.
func (c *Cache) Get(ctx context.Context, req *Request, origin Origin) (*Response, error) {
	if req.Method == http.MethodHead {
		resp, err := c.fetchDirect(ctx, req, origin, false)
		if err != nil {
			return nil, err
		}
		resp.Header.Set("Cache-Control", "no-store")
		return resp, nil
	}

	debug := req.Header.Get(HeaderDebugCoalesce) != ""
	if debug {
		// No lookup, no store, no X-Cache.
		return origin(ctx)
	}

	key := Key(req.Method, req.URL)

	if hasNoCache(req.Header) {
		metrics.CacheLookups.WithLabelValues("bypass").Inc()
		resp, err := c.fetchDirect(ctx, req, origin, true)
		if err != nil {
			return nil, err
		}
		resp.Header.Set("X-Cache", "BYPASS")
		req.Timing.render(resp.Header)
		return resp, nil
	}

	if resp, ok := c.lookup(key, req); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		req.Timing.render(resp.Header)
		return resp, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	return c.coalesce(ctx, key, req, origin)
}

// lookup returns a materialized response on hit, honoring If-None-Match.
func (c *Cache) lookup(key string, req *Request) (*Response, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.now().After(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}

	if match := req.Header.Get("If-None-Match"); match != "" && e.etag != "" && match == e.etag {
		h := http.Header{}
		h.Set("ETag", e.etag)
		h.Set("Cache-Control", "max-age=0")
		h.Set("X-Cache", "HIT")
		return &Response{Status: http.StatusNotModified, Header: h}, true
	}

	resp := e.resp.clone()
	resp.Header.Set("X-Cache", "HIT")
	return resp, true
}

// coalesce funnels concurrent misses for the same key onto one origin
// fetch. The registering caller reports MISS; everyone who piggybacked
// reports HIT.
func (c *Cache) coalesce(ctx context.Context, key string, req *Request, origin Origin) (*Response, error) {
	c.mu.Lock()
	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		metrics.CoalescedReads.Inc()
		return c.wait(ctx, f, req, origin, "HIT")
	}
	if len(c.inflight) >= c.maxInFlight {
		// Registry full: fetch directly rather than queueing behind a map
		// we refuse to grow.
		c.mu.Unlock()
		slog.Warn("Coalescing registry full, fetching origin directly", "in_flight", c.maxInFlight)
		resp, err := c.fetchDirect(ctx, req, origin, true)
		if err != nil {
			return nil, err
		}
		resp.Header.Set("X-Cache", "MISS")
		req.Timing.render(resp.Header)
		return resp, nil
	}

	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	// The fetch outlives any single waiter; a client hanging up must not
	// starve the peers sharing this flight.
	go c.fetchInto(context.WithoutCancel(ctx), key, f, req, origin)

	// First caller materializes the miss; piggybackers report HIT.
	return c.wait(ctx, f, req, origin, "MISS")
}

// fetchInto runs the shared origin fetch, applies the store policy, and
// resolves the flight.
func (c *Cache) fetchInto(ctx context.Context, key string, f *flight, req *Request, origin Origin) {
	req.Timing.start("origin")
	resp, err := origin(ctx)
	req.Timing.stop("origin")

	if err == nil {
		f.stored = c.maybeStore(key, req, resp)
		f.resp = resp
	} else {
		f.err = err
	}
	close(f.done)

	if f.stored {
		// Linger, then delete only if this flight still owns the slot.
		time.AfterFunc(c.linger, func() {
			c.mu.Lock()
			if c.inflight[key] == f {
				delete(c.inflight, key)
			}
			c.mu.Unlock()
		})
		return
	}
	c.mu.Lock()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}

// wait blocks on a flight and materializes a fresh response from it. A
// rejected flight sends the waiter to its own origin fetch, never to a
// cached error.
func (c *Cache) wait(ctx context.Context, f *flight, req *Request, origin Origin, xcache string) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
	}

	if f.err != nil {
		resp, err := c.fetchDirect(ctx, req, origin, true)
		if err != nil {
			return nil, err
		}
		resp.Header.Set("X-Cache", "MISS")
		req.Timing.render(resp.Header)
		return resp, nil
	}

	resp := f.resp.clone()
	resp.Header.Set("X-Cache", xcache)
	req.Timing.render(resp.Header)
	return resp, nil
}

// fetchDirect performs an uncoalesced origin fetch, optionally storing the
// result per policy.
func (c *Cache) fetchDirect(ctx context.Context, req *Request, origin Origin, store bool) (*Response, error) {
	req.Timing.start("origin")
	resp, err := origin(ctx)
	req.Timing.stop("origin")
	if err != nil {
		return nil, err
	}
	if store {
		c.maybeStore(Key(req.Method, req.URL), req, resp)
	}
	return resp, nil
}

// maybeStore applies the store policy and, when storable, records the
// entry and stamps the response's Cache-Control.
func (c *Cache) maybeStore(key string, req *Request, resp *Response) bool {
	d := storePolicy(req.Method, req.URL.Query(), req.Header, resp.Status, resp.Header, c.now())
	if !d.store {
		return false
	}
	resp.Header.Set("Cache-Control", d.cacheControl)

	c.mu.Lock()
	c.entries[key] = &entry{
		resp:      resp.clone(),
		etag:      resp.Header.Get("ETag"),
		expiresAt: c.now().Add(d.maxAge),
	}
	c.mu.Unlock()
	return true
}

func hasNoCache(h http.Header) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(strings.ToLower(part)) == "no-cache" {
				return true
			}
		}
	}
	return false
}
