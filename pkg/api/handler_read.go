package api

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/streamplex/streamplex/pkg/cache"
	"github.com/streamplex/streamplex/pkg/logclient"
)

// readQueryParams are the log read parameters forwarded upstream.
var readQueryParams = []string{"offset", "cursor", "live"}

// readStreamHandler handles GET/HEAD /v1/streams/:streamId, the consumer
// read path. Plain and long-poll reads go through the edge cache; SSE
// streams straight from the origin.
func (s *Server) readStreamHandler(c *echo.Context) error {
	streamID := c.Param("streamId")
	if err := requireIdentifier("streamId", streamID); err != nil {
		return err
	}
	project := s.project(c.QueryParam("project"))
	doKey := logclient.DoKey(project, streamID)

	query := url.Values{}
	for _, k := range readQueryParams {
		if v := c.QueryParam(k); v != "" {
			query.Set(k, v)
		}
	}

	if query.Get("live") == "sse" {
		return s.proxySSE(c, doKey, query)
	}

	ctx := c.Request().Context()
	if query.Get("live") == "long-poll" && s.cfg.LongPollWindow > 0 {
		// Safety bound: the upstream answers 204 within its window; give
		// it that plus slack before this side gives up.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.LongPollWindow+5*time.Second)
		defer cancel()
	}

	req := &cache.Request{
		Method: c.Request().Method,
		URL:    c.Request().URL,
		Header: c.Request().Header,
		Timing: cache.NewTiming(),
	}
	origin := func(ctx context.Context) (*cache.Response, error) {
		return s.fetchOrigin(ctx, c.Request().Method, doKey, query)
	}

	resp, err := s.cache.Get(ctx, req, origin)
	if err != nil {
		return mapError(err)
	}

	h := c.Response().Header()
	for k, vals := range resp.Header {
		h[k] = vals
	}
	if len(resp.Body) == 0 {
		return c.NoContent(resp.Status)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Blob(resp.Status, contentType, resp.Body)
}

// fetchOrigin reads from the log and materializes the response. HEAD goes
// upstream as HEAD so large pages are never transferred just for headers.
func (s *Server) fetchOrigin(ctx context.Context, method, doKey string, query url.Values) (*cache.Response, error) {
	if method == http.MethodHead {
		head, err := s.log.HeadStream(ctx, doKey)
		if err != nil {
			return nil, err
		}
		return &cache.Response{Status: head.Status, Header: head.Header}, nil
	}

	upstream, err := s.log.ReadStream(ctx, doKey, query)
	if err != nil {
		return nil, err
	}
	defer upstream.Body.Close()

	body, err := io.ReadAll(upstream.Body)
	if err != nil {
		return nil, err
	}
	return &cache.Response{
		Status: upstream.StatusCode,
		Header: upstream.Header.Clone(),
		Body:   body,
	}, nil
}

// proxySSE streams server-sent events straight through; SSE is never
// cached or coalesced.
func (s *Server) proxySSE(c *echo.Context, doKey string, query url.Values) error {
	upstream, err := s.log.ReadStream(c.Request().Context(), doKey, query)
	if err != nil {
		return mapError(err)
	}
	defer upstream.Body.Close()

	h := c.Response().Header()
	for k, vals := range upstream.Header {
		h[k] = vals
	}
	h.Set("Cache-Control", "no-store")
	c.Response().WriteHeader(upstream.StatusCode)

	flusher, _ := c.Response().(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, readErr := upstream.Body.Read(buf)
		if n > 0 {
			if _, writeErr := c.Response().Write(buf[:n]); writeErr != nil {
				return nil // client went away
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			// EOF and mid-stream disconnects both just end the proxy; the
			// status line already went out.
			return nil
		}
	}
}
