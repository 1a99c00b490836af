package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ronappleton/flowengine/internal/workflow"
)

// problem is an RFC 7807 body.
type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrNotFound), errors.Is(err, workflow.ErrBookmarkNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrInvalidState), errors.Is(err, workflow.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := statusFor(err)
	detail := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			detail = msg
		} else {
			detail = http.StatusText(status)
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("route", c.Path()), zap.Error(err))
		detail = http.StatusText(status)
	}
	body := problem{Type: "about:blank", Title: http.StatusText(status), Status: status, Detail: detail}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

const tenantKey = "tenant_id"

// identity reads the caller's tenant and user from headers. The user becomes
// the acting user on every engine call.
func identity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		if user := req.Header.Get("X-User-ID"); user != "" {
			c.SetRequest(req.WithContext(workflow.WithActor(req.Context(), user)))
		}
		c.Set(tenantKey, req.Header.Get("X-Tenant-ID"))
		return next(c)
	}
}

func tenantOf(c echo.Context) string {
	v, _ := c.Get(tenantKey).(string)
	return v
}

// authorize rejects callers from another tenant. Resources without a tenant
// are shared.
func authorize(c echo.Context, owner string) error {
	caller := tenantOf(c)
	if caller == "" || owner == "" || caller == owner {
		return nil
	}
	return echo.NewHTTPError(http.StatusForbidden, "resource belongs to another tenant")
}
