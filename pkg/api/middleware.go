package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/streamplex/streamplex/pkg/metrics"
)

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// bearerAuth requires a bearer token on every route except /health and
// /metrics. Failures reveal nothing about the expected token.
func bearerAuth(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			path := c.Request().URL.Path
			if path == "/health" || path == "/metrics" {
				return next(c)
			}

			auth := c.Request().Header.Get("Authorization")
			presented, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

// corsMiddleware applies the configured origin allow-list. Headers are set
// per request, after any cached response is materialized, so a cached
// entry serves all allowed origins.
func corsMiddleware(origins []string) echo.MiddlewareFunc {
	allowAll := len(origins) == 1 && origins[0] == "*"
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			h := c.Response().Header()
			switch {
			case allowAll:
				h.Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}

			if c.Request().Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, If-None-Match, Cache-Control")
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// requestMetrics records per-request duration and emits an http data point.
func (s *Server) requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			status := http.StatusOK
			if rw, ok := c.Response().(*echo.Response); ok && rw.Status != 0 {
				status = rw.Status
			}
			if err != nil {
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			route := routeLabel(c.Request().URL.Path)
			method := c.Request().Method
			metrics.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			s.sink.Emit(metrics.HTTPPoint(method, route, status, time.Since(start)))
			return err
		}
	}
}

// routeLabel collapses identifier path segments so metric label
// cardinality stays bounded.
func routeLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/publish/"):
		return "/v1/publish/:streamId"
	case strings.HasPrefix(path, "/v1/streams/"):
		return "/v1/streams/:streamId"
	case strings.HasPrefix(path, "/v1/session/"):
		if strings.HasSuffix(path, "/touch") {
			return "/v1/session/:sessionId/touch"
		}
		return "/v1/session/:sessionId"
	default:
		return path
	}
}
