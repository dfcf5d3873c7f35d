package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/servicehub/chatcore/internal/metrics"
	"github.com/servicehub/chatcore/internal/types"
)

// AuthMiddleware validates JWT bearer tokens and extracts the caller.
func (s *Server) AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return s.authenticate(next, false)
}

// SocketAuthMiddleware also accepts the token as a ?token= query parameter,
// since browsers cannot set headers on websocket requests.
func (s *Server) SocketAuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return s.authenticate(next, true)
}

func (s *Server) authenticate(next echo.HandlerFunc, allowQuery bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := ""
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		switch {
		case authHeader != "":
			parts := strings.Fields(authHeader)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid authorization header"})
			}
			token = parts[1]
		case allowQuery:
			token = c.QueryParam("token")
		}
		if token == "" {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "missing authorization header"})
		}

		claims, err := s.authService.ValidateToken(token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		return next(c)
	}
}

// GetUserID extracts the authenticated user id from the echo context.
func GetUserID(c echo.Context) string {
	id, _ := c.Get("user_id").(string)
	return id
}

// GetRole extracts the authenticated role from the echo context.
func GetRole(c echo.Context) types.Role {
	role, _ := c.Get("role").(types.Role)
	return role
}

// MetricsMiddleware records request counts and latency per route.
func MetricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request().Method
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		return nil
	}
}
