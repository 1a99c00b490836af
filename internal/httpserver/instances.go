package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ronappleton/flowengine/internal/workflow"
)

func (s *Server) registerInstanceRoutes(g *echo.Group) {
	g.GET("/instances", s.queryInstances)
	g.POST("/instances", s.startInstance)
	g.GET("/instances/:id", s.getInstance)
	g.GET("/instances/:id/history", s.getHistory)
	g.GET("/instances/:id/history/stream", s.streamHistory)
	g.POST("/instances/:id/resume", s.resumeInstance)
	g.POST("/instances/:id/cancel", s.cancelInstance)
	g.POST("/instances/:id/terminate", s.terminateInstance)
	g.POST("/instances/:id/retry", s.retryInstance)
	g.POST("/instances/:id/signals/:name", s.signalInstance)
	g.POST("/signals/:name", s.broadcastSignal)
	g.POST("/correlations/:cid/signals/:name", s.signalCorrelation)
	g.POST("/events/:name", s.triggerEvent)
}

type startRequest struct {
	WorkflowID         string            `json:"workflow_id"`
	Version            *int              `json:"version,omitempty"`
	Input              workflow.Values   `json:"input,omitempty"`
	Name               string            `json:"name,omitempty"`
	Priority           int               `json:"priority,omitempty"`
	CorrelationID      string            `json:"correlation_id,omitempty"`
	ScheduledStartTime *time.Time        `json:"scheduled_start_time,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

type resumeRequest struct {
	Bookmark string          `json:"bookmark"`
	Input    workflow.Values `json:"input,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type signalRequest struct {
	Data       workflow.Values `json:"data,omitempty"`
	WorkflowID string          `json:"workflow_id,omitempty"`
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

func (s *Server) queryInstances(c echo.Context) error {
	q := workflow.InstanceQuery{
		WorkflowID:    c.QueryParam("workflow_id"),
		CorrelationID: c.QueryParam("correlation_id"),
		BookmarkName:  c.QueryParam("bookmark"),
		TenantID:      c.QueryParam("tenant_id"),
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := workflow.Status(strings.TrimSpace(part))
			if !st.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+part)
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	var err error
	if q.CreatedAfter, err = timeParam(c, "created_after"); err != nil {
		return err
	}
	if q.CreatedBefore, err = timeParam(c, "created_before"); err != nil {
		return err
	}
	if q.Page, q.PageSize, err = pageParams(c); err != nil {
		return err
	}
	if tenant := tenantOf(c); tenant != "" {
		q.TenantID = tenant
	}
	page, err := s.svc.QueryInstances(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) startInstance(c echo.Context) error {
	var req startRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_id required")
	}
	ctx := c.Request().Context()
	def, err := s.svc.GetDefinition(ctx, req.WorkflowID, req.Version)
	if err != nil {
		return err
	}
	if err := authorize(c, def.TenantID); err != nil {
		return err
	}
	res, err := s.svc.Start(ctx, req.WorkflowID, req.Input, workflow.StartOptions{
		TenantID:           tenantOf(c),
		UserID:             workflow.ActorFrom(ctx),
		Name:               req.Name,
		Priority:           req.Priority,
		CorrelationID:      req.CorrelationID,
		ScheduledStartTime: req.ScheduledStartTime,
		Version:            req.Version,
		Metadata:           req.Metadata,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

// ownedInstance loads :id and checks the caller's tenant against it.
func (s *Server) ownedInstance(c echo.Context) (workflow.Instance, error) {
	inst, err := s.svc.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return workflow.Instance{}, err
	}
	if err := authorize(c, inst.TenantID); err != nil {
		return workflow.Instance{}, err
	}
	return inst, nil
}

func (s *Server) getInstance(c echo.Context) error {
	inst, err := s.ownedInstance(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) getHistory(c echo.Context) error {
	inst, err := s.ownedInstance(c)
	if err != nil {
		return err
	}
	records, err := s.svc.GetHistory(c.Request().Context(), inst.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": records})
}

func (s *Server) resumeInstance(c echo.Context) error {
	var req resumeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	inst, err := s.ownedInstance(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Resume(c.Request().Context(), inst.ID, req.Bookmark, req.Input)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) cancelInstance(c echo.Context) error {
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	inst, err := s.ownedInstance(c)
	if err != nil {
		return err
	}
	out, err := s.svc.Cancel(c.Request().Context(), inst.ID, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) terminateInstance(c echo.Context) error {
	var req reasonRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	inst, err := s.ownedInstance(c)
	if err != nil {
		return err
	}
	out, err := s.svc.Terminate(c.Request().Context(), inst.ID, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) retryInstance(c echo.Context) error {
	inst, err := s.ownedInstance(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Retry(c.Request().Context(), inst.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) signalInstance(c echo.Context) error {
	var req signalRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	inst, err := s.ownedInstance(c)
	if err != nil {
		return err
	}
	res, err := s.svc.Signal(c.Request().Context(), inst.ID, c.Param("name"), req.Data)
	if err != nil {
		return err
	}
	if res == nil {
		return c.JSON(http.StatusAccepted, map[string]string{"status": "ignored"})
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) broadcastSignal(c echo.Context) error {
	var req signalRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if tenantOf(c) != "" {
		return echo.NewHTTPError(http.StatusForbidden, "broadcast signals are not tenant scoped")
	}
	res, err := s.svc.BroadcastSignal(c.Request().Context(), c.Param("name"), req.Data, req.WorkflowID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) signalCorrelation(c echo.Context) error {
	var req signalRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if tenantOf(c) != "" {
		return echo.NewHTTPError(http.StatusForbidden, "correlation signals are not tenant scoped")
	}
	res, err := s.svc.SignalByCorrelation(c.Request().Context(), c.Param("cid"), c.Param("name"), req.Data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) triggerEvent(c echo.Context) error {
	var req signalRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	results, err := s.svc.TriggerEventForTenant(c.Request().Context(), tenantOf(c), c.Param("name"), req.Data)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

func timeParam(c echo.Context, name string) (*time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC 3339")
	}
	return &t, nil
}
