package api

import (
	"io"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/registry"
)

// maxPublishBody bounds a single publish payload.
const maxPublishBody = 8 << 20

// publishHandler handles POST /v1/publish/:streamId. The body is the
// message payload; an optional producer triple rides in headers and is
// forwarded verbatim to the source write.
func (s *Server) publishHandler(c *echo.Context) error {
	streamID := c.Param("streamId")
	if err := requireIdentifier("streamId", streamID); err != nil {
		return err
	}
	project := s.project(c.QueryParam("project"))

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPublishBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading request body")
	}
	if len(payload) > maxPublishBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	contentType := c.Request().Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	env := registry.Envelope{
		Payload:     payload,
		ContentType: contentType,
		Producer:    producerFromHeaders(c.Request().Header),
	}

	res, err := s.registry.Actor(streamID).Publish(c.Request().Context(), project, env)
	if err != nil {
		return mapError(err)
	}

	h := c.Response().Header()
	h.Set("X-Fanout-Count", strconv.Itoa(res.FanoutCount))
	h.Set("X-Fanout-Successes", strconv.Itoa(res.FanoutSuccesses))
	h.Set("X-Fanout-Failures", strconv.Itoa(res.FanoutFailures))
	h.Set("X-Fanout-Mode", res.FanoutMode)
	if res.NextOffset != "" {
		h.Set("X-"+logclient.HeaderNextOffset, res.NextOffset)
	}

	body := res.Body
	respType := "application/json"
	if res.StatusCode >= 400 {
		respType = "text/plain"
	}
	if len(body) == 0 {
		return c.NoContent(res.StatusCode)
	}
	return c.Blob(res.StatusCode, respType, body)
}

// producerFromHeaders reads the optional idempotency triple. All three
// headers must be present for the triple to count.
func producerFromHeaders(h http.Header) *logclient.Producer {
	id := h.Get(logclient.HeaderProducerID)
	epoch := h.Get(logclient.HeaderProducerEpoch)
	seq := h.Get(logclient.HeaderProducerSeq)
	if id == "" || epoch == "" || seq == "" {
		return nil
	}
	return &logclient.Producer{ID: id, Epoch: epoch, Seq: seq}
}
