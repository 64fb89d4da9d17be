package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// getSessionHandler handles GET /v1/session/:sessionId.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if err := requireIdentifier("sessionId", sessionID); err != nil {
		return err
	}
	project := s.project(c.QueryParam("project"))

	info, err := s.sessions.Get(c.Request().Context(), project, sessionID)
	if err != nil {
		return mapError(err)
	}
	if info == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, info)
}

// touchSessionHandler handles POST /v1/session/:sessionId/touch.
func (s *Server) touchSessionHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if err := requireIdentifier("sessionId", sessionID); err != nil {
		return err
	}
	project := s.project(c.QueryParam("project"))

	res, err := s.sessions.Touch(c.Request().Context(), project, sessionID, "")
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, TouchResponse{SessionID: res.SessionID, ExpiresAt: res.ExpiresAt})
}

// deleteSessionHandler handles DELETE /v1/session/:sessionId. Idempotent:
// deleting an absent session succeeds.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	if err := requireIdentifier("sessionId", sessionID); err != nil {
		return err
	}
	project := s.project(c.QueryParam("project"))

	if err := s.sessions.Delete(c.Request().Context(), project, sessionID); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, DeleteSessionResponse{SessionID: sessionID, Deleted: true})
}
