package cache

import (
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/streamplex/streamplex/pkg/logclient"
)

// Store lifetimes per response class.
const (
	plainMaxAge    = 60 * time.Second
	plainSWR       = 300 * time.Second
	longPollMaxAge = 20 * time.Second
)

// HeaderDebugCoalesce tags a request as debug: no lookup, no store, no
// X-Cache header.
const HeaderDebugCoalesce = "X-Debug-Coalesce"

// Key derives the cache key: method plus the request path with its query
// parameters sorted. Scheme and host are not part of the key; the cache
// fronts a single origin in-process. Long-poll cursors rotate per
// response, so a long-poll page's key is naturally unique.
func Key(method string, u *url.URL) string {
	return method + " " + canonical(u)
}

func canonical(u *url.URL) string {
	c := *u
	q := c.Query()
	if len(q) > 0 {
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		c.RawQuery = b.String()
	}
	return c.String()
}

// directive is the outcome of the store-policy decision for one response.
type directive struct {
	store        bool
	maxAge       time.Duration
	swr          time.Duration // zero when not applicable
	cacheControl string
}

// storePolicy decides whether a response may be stored and for how long.
//
// Never stored: non-GET, status >= 400, origin no-store, debug-tagged
// requests, SSE, offset=now reads, long-poll timeouts (204), at-tail plain
// reads, responses whose stream TTL already lapsed.
func storePolicy(method string, query url.Values, reqHeader http.Header, status int, respHeader http.Header, now time.Time) directive {
	if method != http.MethodGet {
		return directive{}
	}
	if status >= 400 || status == http.StatusNoContent {
		return directive{}
	}
	if strings.Contains(strings.ToLower(respHeader.Get("Cache-Control")), "no-store") {
		return directive{}
	}
	if reqHeader.Get(HeaderDebugCoalesce) != "" {
		return directive{}
	}
	if strings.HasPrefix(respHeader.Get("Content-Type"), "text/event-stream") {
		return directive{}
	}
	if query.Get("offset") == "now" {
		return directive{}
	}

	longPoll := query.Get("live") == "long-poll"
	if !longPoll && respHeader.Get(logclient.HeaderUpToDate) == "true" {
		// At-tail plain read: storing it would break read-after-write for
		// the reader that just caught up.
		return directive{}
	}

	d := directive{store: true, maxAge: plainMaxAge, swr: plainSWR}
	if longPoll {
		d.maxAge, d.swr = longPollMaxAge, 0
	}

	// TTL-bearing stream: never outlive the stream itself.
	if remaining, ok := remainingTTL(respHeader, now); ok {
		if remaining <= 0 {
			return directive{}
		}
		if remaining < d.maxAge {
			d.maxAge = remaining
		}
	}

	d.cacheControl = "public, max-age=" + strconv.Itoa(int(d.maxAge.Seconds()))
	if d.swr > 0 {
		d.cacheControl += ", stale-while-revalidate=" + strconv.Itoa(int(d.swr.Seconds()))
	}
	return d
}

// remainingTTL reads the stream's expiry header (epoch ms) when present.
func remainingTTL(respHeader http.Header, now time.Time) (time.Duration, bool) {
	raw := respHeader.Get(logclient.HeaderExpiresAt)
	if raw == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.UnixMilli(ms).Sub(now), true
}
