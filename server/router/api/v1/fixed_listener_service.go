package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/wxbridge/server/service/reload"
	"github.com/hrygo/wxbridge/store"
)

type fixedListenerResponse struct {
	ID          string `json:"id"`
	SessionName string `json:"session_name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
	CreatedTs   int64  `json:"created_ts"`
	UpdatedTs   int64  `json:"updated_ts"`
}

func convertFixedListener(f *store.FixedListener) *fixedListenerResponse {
	return &fixedListenerResponse{
		ID:          f.ID,
		SessionName: f.SessionName,
		Enabled:     f.Enabled,
		Description: f.Description,
		CreatedTs:   f.CreatedTs,
		UpdatedTs:   f.UpdatedTs,
	}
}

func (s *APIV1Service) listFixedListeners(c echo.Context) error {
	rows, err := s.Store.ListFixedListeners(c.Request().Context(), &store.FindFixedListener{})
	if err != nil {
		return httpError(err)
	}
	out := make([]*fixedListenerResponse, 0, len(rows))
	for _, f := range rows {
		out = append(out, convertFixedListener(f))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIV1Service) createFixedListener(c echo.Context) error {
	var body struct {
		SessionName string `json:"session_name"`
		Enabled     *bool  `json:"enabled"`
		Description string `json:"description"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if body.SessionName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_name is required")
	}

	created, err := s.Store.CreateFixedListener(c.Request().Context(), &store.FixedListener{
		ID:          shortuuid.New(),
		SessionName: body.SessionName,
		Enabled:     body.Enabled == nil || *body.Enabled,
		Description: body.Description,
	})
	if err != nil {
		return httpError(err)
	}

	s.Bus.Publish(reload.FixedListenerChanged, "")
	return c.JSON(http.StatusCreated, convertFixedListener(created))
}

func (s *APIV1Service) updateFixedListener(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	rows, err := s.Store.ListFixedListeners(ctx, &store.FindFixedListener{ID: &id})
	if err != nil {
		return httpError(err)
	}
	if len(rows) == 0 {
		return notFound("fixed listener", id)
	}

	var body struct {
		SessionName *string `json:"session_name"`
		Enabled     *bool   `json:"enabled"`
		Description *string `json:"description"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	updated, err := s.Store.UpdateFixedListener(ctx, &store.UpdateFixedListener{
		ID:          id,
		SessionName: body.SessionName,
		Enabled:     body.Enabled,
		Description: body.Description,
	})
	if err != nil {
		return httpError(err)
	}

	s.Bus.Publish(reload.FixedListenerChanged, "")
	return c.JSON(http.StatusOK, convertFixedListener(updated))
}

func (s *APIV1Service) deleteFixedListener(c echo.Context) error {
	if err := s.Store.DeleteFixedListener(c.Request().Context(), &store.DeleteFixedListener{ID: c.Param("id")}); err != nil {
		return httpError(err)
	}
	s.Bus.Publish(reload.FixedListenerChanged, "")
	return c.NoContent(http.StatusNoContent)
}
