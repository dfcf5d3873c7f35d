package api

import (
	"github.com/labstack/echo/v4"
)

// Realtime handles GET /ws, upgrading the request and handing the connection
// to the relay hub for its lifetime.
func (s *Server) Realtime(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already answered the request.
		s.logger.WithError(err).Debug("websocket upgrade failed")
		return nil
	}
	s.realtime.Serve(c.Request().Context(), conn, GetUserID(c), GetRole(c))
	return nil
}
