package v1

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hrygo/wxbridge/server/service/reload"
	"github.com/hrygo/wxbridge/store"
)

type instanceResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	Enabled   bool   `json:"enabled"`
	CreatedTs int64  `json:"created_ts"`
	UpdatedTs int64  `json:"updated_ts"`
}

// API keys never leave the server.
func convertInstance(i *store.Instance) *instanceResponse {
	return &instanceResponse{
		ID:        i.ID,
		Name:      i.Name,
		BaseURL:   i.BaseURL,
		Enabled:   i.Enabled,
		CreatedTs: i.CreatedTs,
		UpdatedTs: i.UpdatedTs,
	}
}

type createInstanceRequest struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Enabled *bool  `json:"enabled"`
}

func (s *APIV1Service) listInstances(c echo.Context) error {
	instances, err := s.Store.ListInstances(c.Request().Context(), &store.FindInstance{})
	if err != nil {
		return httpError(err)
	}
	out := make([]*instanceResponse, 0, len(instances))
	for _, i := range instances {
		out = append(out, convertInstance(i))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIV1Service) getInstance(c echo.Context) error {
	inst, err := s.Store.GetInstance(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if inst == nil {
		return notFound("instance", c.Param("id"))
	}
	return c.JSON(http.StatusOK, convertInstance(inst))
}

func (s *APIV1Service) createInstance(c echo.Context) error {
	var body createInstanceRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if body.Name == "" || body.BaseURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and base_url are required")
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	inst, err := s.Store.CreateInstance(c.Request().Context(), &store.Instance{
		ID:      uuid.NewString(),
		Name:    body.Name,
		BaseURL: body.BaseURL,
		APIKey:  body.APIKey,
		Enabled: enabled,
	})
	if err != nil {
		return httpError(err)
	}

	s.Bus.Publish(reload.InstanceAdded, inst.ID)
	return c.JSON(http.StatusCreated, convertInstance(inst))
}

func (s *APIV1Service) updateInstance(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	existing, err := s.Store.GetInstance(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if existing == nil {
		return notFound("instance", id)
	}

	var body struct {
		Name    *string `json:"name"`
		BaseURL *string `json:"base_url"`
		APIKey  *string `json:"api_key"`
		Enabled *bool   `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	inst, err := s.Store.UpdateInstance(ctx, &store.UpdateInstance{
		ID:      id,
		Name:    body.Name,
		BaseURL: body.BaseURL,
		APIKey:  body.APIKey,
		Enabled: body.Enabled,
	})
	if err != nil {
		return httpError(err)
	}

	switch {
	case body.Enabled != nil && *body.Enabled && !existing.Enabled:
		s.Bus.Publish(reload.InstanceEnabled, id)
	case body.Enabled != nil && !*body.Enabled && existing.Enabled:
		s.Bus.Publish(reload.InstanceDisabled, id)
	default:
		s.Bus.Publish(reload.InstanceUpdated, id)
	}
	return c.JSON(http.StatusOK, convertInstance(inst))
}

func (s *APIV1Service) deleteInstance(c echo.Context) error {
	id := c.Param("id")
	if err := s.Store.DeleteInstance(c.Request().Context(), &store.DeleteInstance{ID: id}); err != nil {
		return httpError(err)
	}
	s.Bus.Publish(reload.InstanceRemoved, id)
	return c.NoContent(http.StatusNoContent)
}
