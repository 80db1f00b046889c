package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/wxbridge/plugin/platforms"
	"github.com/hrygo/wxbridge/server/service/reload"
	"github.com/hrygo/wxbridge/store"
)

// testTimeout bounds one connection test against a remote backend.
const testTimeout = 15 * time.Second

type platformResponse struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      string         `json:"type"`
	Config    map[string]any `json:"config"`
	Enabled   bool           `json:"enabled"`
	CreatedTs int64          `json:"created_ts"`
	UpdatedTs int64          `json:"updated_ts"`
}

func convertPlatform(p *store.Platform) *platformResponse {
	return &platformResponse{
		ID:        p.ID,
		Name:      p.Name,
		Type:      string(p.Type.Normalize()),
		Config:    p.Config,
		Enabled:   p.Enabled,
		CreatedTs: p.CreatedTs,
		UpdatedTs: p.UpdatedTs,
	}
}

func (s *APIV1Service) findPlatform(ctx context.Context, id string) (*store.Platform, error) {
	rows, err := s.Store.ListPlatforms(ctx, &store.FindPlatform{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (s *APIV1Service) listPlatforms(c echo.Context) error {
	rows, err := s.Store.ListPlatforms(c.Request().Context(), &store.FindPlatform{})
	if err != nil {
		return httpError(err)
	}
	out := make([]*platformResponse, 0, len(rows))
	for _, p := range rows {
		out = append(out, convertPlatform(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIV1Service) getPlatform(c echo.Context) error {
	p, err := s.findPlatform(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if p == nil {
		return notFound("platform", c.Param("id"))
	}
	return c.JSON(http.StatusOK, convertPlatform(p))
}

func (s *APIV1Service) createPlatform(c echo.Context) error {
	var body struct {
		Name    string         `json:"name"`
		Type    string         `json:"type"`
		Config  map[string]any `json:"config"`
		Enabled *bool          `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	platformType := store.PlatformType(body.Type)
	if !platformType.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown platform type: "+body.Type)
	}
	if body.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	row := &store.Platform{
		ID:      shortuuid.New(),
		Name:    body.Name,
		Type:    platformType.Normalize(),
		Config:  body.Config,
		Enabled: body.Enabled == nil || *body.Enabled,
	}
	// Reject unusable configs before they hit the registry.
	if _, err := platforms.Build(row, platforms.Deps{Store: s.Store}); err != nil {
		return httpError(err)
	}

	created, err := s.Store.CreatePlatform(c.Request().Context(), row)
	if err != nil {
		return httpError(err)
	}

	s.Bus.Publish(reload.PlatformAdded, created.ID)
	return c.JSON(http.StatusCreated, convertPlatform(created))
}

func (s *APIV1Service) updatePlatform(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	existing, err := s.findPlatform(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if existing == nil {
		return notFound("platform", id)
	}

	var body struct {
		Name    *string        `json:"name"`
		Config  map[string]any `json:"config"`
		Enabled *bool          `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if body.Config != nil {
		probe := *existing
		probe.Config = body.Config
		if _, err := platforms.Build(&probe, platforms.Deps{Store: s.Store}); err != nil {
			return httpError(err)
		}
	}

	updated, err := s.Store.UpdatePlatform(ctx, &store.UpdatePlatform{
		ID:      id,
		Name:    body.Name,
		Config:  body.Config,
		Enabled: body.Enabled,
	})
	if err != nil {
		return httpError(err)
	}

	s.Bus.Publish(reload.PlatformUpdated, id)
	return c.JSON(http.StatusOK, convertPlatform(updated))
}

func (s *APIV1Service) deletePlatform(c echo.Context) error {
	id := c.Param("id")
	if err := s.Store.DeletePlatform(c.Request().Context(), &store.DeletePlatform{ID: id}); err != nil {
		return httpError(err)
	}
	s.Bus.Publish(reload.PlatformRemoved, id)
	return c.NoContent(http.StatusNoContent)
}

type testResponse struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// testPlatform builds a throwaway instance from the stored row and runs its
// connection test. Works for disabled platforms too since it bypasses the
// registry.
func (s *APIV1Service) testPlatform(c echo.Context) error {
	row, err := s.findPlatform(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if row == nil {
		return notFound("platform", c.Param("id"))
	}

	p, err := platforms.Build(row, platforms.Deps{Store: s.Store})
	if err != nil {
		return httpError(err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), testTimeout)
	defer cancel()
	if err := p.Initialize(ctx); err != nil {
		return c.JSON(http.StatusOK, &testResponse{Detail: err.Error()})
	}
	result, err := p.Test(ctx)
	if err != nil {
		return c.JSON(http.StatusOK, &testResponse{Detail: err.Error()})
	}
	return c.JSON(http.StatusOK, &testResponse{OK: result.OK, Detail: result.Detail})
}
