package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ronappleton/flowengine/internal/workflow"
)

func (s *Server) registerDefinitionRoutes(g *echo.Group) {
	g.GET("/definitions", s.listDefinitions)
	g.POST("/definitions", s.saveDraft)
	g.GET("/definitions/:id", s.getDefinition)
	g.GET("/definitions/:id/versions", s.getVersions)
	g.POST("/definitions/:id/versions/:version/publish", s.versionAction(s.svc.Publish))
	g.POST("/definitions/:id/versions/:version/unpublish", s.versionAction(s.svc.Unpublish))
	g.POST("/definitions/:id/versions/:version/activate", s.versionAction(s.setActive(true)))
	g.POST("/definitions/:id/versions/:version/deactivate", s.versionAction(s.setActive(false)))
	g.DELETE("/definitions/:id/versions/:version", s.deleteVersion)
}

func (s *Server) listDefinitions(c echo.Context) error {
	q := workflow.DefinitionQuery{
		Search:   c.QueryParam("search"),
		Category: c.QueryParam("category"),
		TenantID: c.QueryParam("tenant_id"),
	}
	if tags := c.QueryParam("tags"); tags != "" {
		q.Tags = strings.Split(tags, ",")
	}
	var err error
	if q.IsDraft, err = boolParam(c, "draft"); err != nil {
		return err
	}
	if q.IsPublished, err = boolParam(c, "published"); err != nil {
		return err
	}
	if q.IsActive, err = boolParam(c, "active"); err != nil {
		return err
	}
	if q.Page, q.PageSize, err = pageParams(c); err != nil {
		return err
	}
	if tenant := tenantOf(c); tenant != "" {
		q.TenantID = tenant
	}
	page, err := s.svc.ListDefinitions(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) saveDraft(c echo.Context) error {
	var def workflow.Definition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if tenant := tenantOf(c); tenant != "" {
		if def.TenantID == "" {
			def.TenantID = tenant
		}
		if err := authorize(c, def.TenantID); err != nil {
			return err
		}
	}
	if def.CreatedBy == "" {
		def.CreatedBy = workflow.ActorFrom(c.Request().Context())
	}
	saved, err := s.svc.SaveDraft(c.Request().Context(), def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, saved)
}

func (s *Server) getDefinition(c echo.Context) error {
	var version *int
	if raw := c.QueryParam("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "version must be an integer")
		}
		version = &v
	}
	def, err := s.svc.GetDefinition(c.Request().Context(), c.Param("id"), version)
	if err != nil {
		return err
	}
	if err := authorize(c, def.TenantID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) getVersions(c echo.Context) error {
	versions, err := s.svc.GetVersions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if len(versions) > 0 {
		if err := authorize(c, versions[0].TenantID); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"items": versions})
}

type versionOp func(ctx context.Context, id string, version int) (workflow.Definition, error)

func (s *Server) setActive(active bool) versionOp {
	return func(ctx context.Context, id string, version int) (workflow.Definition, error) {
		return s.svc.SetActive(ctx, id, version, active)
	}
}

func (s *Server) versionAction(op versionOp) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, version, err := s.ownedVersion(c)
		if err != nil {
			return err
		}
		def, err := op(c.Request().Context(), id, version)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, def)
	}
}

func (s *Server) deleteVersion(c echo.Context) error {
	id, version, err := s.ownedVersion(c)
	if err != nil {
		return err
	}
	if err := s.svc.DeleteVersion(c.Request().Context(), id, version); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// ownedVersion resolves the :id/:version path and checks the caller may touch it.
func (s *Server) ownedVersion(c echo.Context) (string, int, error) {
	id := c.Param("id")
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		return "", 0, echo.NewHTTPError(http.StatusBadRequest, "version must be a positive integer")
	}
	def, err := s.svc.GetDefinition(c.Request().Context(), id, &version)
	if err != nil {
		return "", 0, err
	}
	if err := authorize(c, def.TenantID); err != nil {
		return "", 0, err
	}
	return id, version, nil
}

func boolParam(c echo.Context, name string) (*bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, name+" must be a boolean")
	}
	return &v, nil
}

func pageParams(c echo.Context) (int, int, error) {
	var page, size int
	var err error
	if raw := c.QueryParam("page"); raw != "" {
		if page, err = strconv.Atoi(raw); err != nil {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "page must be an integer")
		}
	}
	if raw := c.QueryParam("page_size"); raw != "" {
		if size, err = strconv.Atoi(raw); err != nil {
			return 0, 0, echo.NewHTTPError(http.StatusBadRequest, "page_size must be an integer")
		}
	}
	return page, size, nil
}
