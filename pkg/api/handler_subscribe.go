package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
)

// subscribeHandler handles POST /v1/subscribe: touch the session stream,
// then add the session to the stream's subscriber set.
func (s *Server) subscribeHandler(c *echo.Context) error {
	var req SubscribeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return mapError(err)
	}
	project := s.project(req.Project)
	ctx := c.Request().Context()

	touch, err := s.sessions.Touch(ctx, project, req.SessionID, req.ContentType)
	if err != nil {
		return mapError(err)
	}

	if err := s.registry.Actor(req.StreamID).AddSubscriber(ctx, req.SessionID); err != nil {
		return mapError(err)
	}
	s.sink.Emit(metrics.SubscribePoint(project, req.StreamID, req.SessionID))

	return c.JSON(http.StatusOK, SubscribeResponse{
		SessionID:         req.SessionID,
		StreamID:          req.StreamID,
		SessionStreamPath: logclient.SessionStreamID(req.SessionID),
		ExpiresAt:         touch.ExpiresAt,
		IsNewSession:      touch.IsNew,
	})
}

// unsubscribeHandler handles DELETE /v1/unsubscribe.
func (s *Server) unsubscribeHandler(c *echo.Context) error {
	var req UnsubscribeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(&req); err != nil {
		return mapError(err)
	}
	project := s.project(req.Project)
	ctx := c.Request().Context()

	if err := s.registry.Actor(req.StreamID).RemoveSubscriber(ctx, req.SessionID); err != nil {
		return mapError(err)
	}
	s.sink.Emit(metrics.UnsubscribePoint(project, req.StreamID, req.SessionID))

	return c.JSON(http.StatusOK, UnsubscribeResponse{Unsubscribed: true})
}
