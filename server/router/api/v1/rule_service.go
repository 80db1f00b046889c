package v1

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/wxbridge/server/service/reload"
	"github.com/hrygo/wxbridge/store"
)

type ruleResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	InstanceID     string `json:"instance_id"`
	ChatPattern    string `json:"chat_pattern"`
	PlatformID     string `json:"platform_id"`
	Priority       int    `json:"priority"`
	Enabled        bool   `json:"enabled"`
	OnlyAtMessages bool   `json:"only_at_messages"`
	AtName         string `json:"at_name"`
	ReplyAtSender  bool   `json:"reply_at_sender"`
	CreatedTs      int64  `json:"created_ts"`
	UpdatedTs      int64  `json:"updated_ts"`
}

func convertRule(r *store.Rule) *ruleResponse {
	return &ruleResponse{
		ID:             r.ID,
		Name:           r.Name,
		InstanceID:     r.InstanceID,
		ChatPattern:    r.ChatPattern,
		PlatformID:     r.PlatformID,
		Priority:       r.Priority,
		Enabled:        r.Enabled,
		OnlyAtMessages: r.OnlyAtMessages,
		AtName:         r.AtName,
		ReplyAtSender:  r.ReplyAtSender,
		CreatedTs:      r.CreatedTs,
		UpdatedTs:      r.UpdatedTs,
	}
}

func validateChatPattern(pattern string) error {
	if pattern == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat_pattern is required")
	}
	if expr, ok := strings.CutPrefix(pattern, "regex:"); ok {
		if _, err := regexp.Compile(expr); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid chat_pattern regex: "+err.Error())
		}
	}
	return nil
}

func (s *APIV1Service) listRules(c echo.Context) error {
	rules, err := s.Store.ListRules(c.Request().Context(), &store.FindRule{})
	if err != nil {
		return httpError(err)
	}
	out := make([]*ruleResponse, 0, len(rules))
	for _, r := range rules {
		out = append(out, convertRule(r))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *APIV1Service) getRule(c echo.Context) error {
	id := c.Param("id")
	rules, err := s.Store.ListRules(c.Request().Context(), &store.FindRule{ID: &id})
	if err != nil {
		return httpError(err)
	}
	if len(rules) == 0 {
		return notFound("rule", id)
	}
	return c.JSON(http.StatusOK, convertRule(rules[0]))
}

func (s *APIV1Service) createRule(c echo.Context) error {
	ctx := c.Request().Context()
	var body struct {
		Name           string `json:"name"`
		InstanceID     string `json:"instance_id"`
		ChatPattern    string `json:"chat_pattern"`
		PlatformID     string `json:"platform_id"`
		Priority       int    `json:"priority"`
		Enabled        *bool  `json:"enabled"`
		OnlyAtMessages bool   `json:"only_at_messages"`
		AtName         string `json:"at_name"`
		ReplyAtSender  bool   `json:"reply_at_sender"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if body.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	if err := validateChatPattern(body.ChatPattern); err != nil {
		return err
	}
	if body.OnlyAtMessages && body.AtName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "at_name is required when only_at_messages is set")
	}
	platform, err := s.findPlatform(ctx, body.PlatformID)
	if err != nil {
		return httpError(err)
	}
	if platform == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "platform "+body.PlatformID+" does not exist")
	}
	if body.InstanceID == "" {
		body.InstanceID = store.InstanceWildcard
	}

	rule, err := s.Store.CreateRule(ctx, &store.Rule{
		ID:             shortuuid.New(),
		Name:           body.Name,
		InstanceID:     body.InstanceID,
		ChatPattern:    body.ChatPattern,
		PlatformID:     body.PlatformID,
		Priority:       body.Priority,
		Enabled:        body.Enabled == nil || *body.Enabled,
		OnlyAtMessages: body.OnlyAtMessages,
		AtName:         body.AtName,
		ReplyAtSender:  body.ReplyAtSender,
	})
	if err != nil {
		return httpError(err)
	}

	s.Bus.Publish(reload.RuleAdded, rule.ID)
	return c.JSON(http.StatusCreated, convertRule(rule))
}

func (s *APIV1Service) updateRule(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	existing, err := s.Store.ListRules(ctx, &store.FindRule{ID: &id})
	if err != nil {
		return httpError(err)
	}
	if len(existing) == 0 {
		return notFound("rule", id)
	}

	var body struct {
		Name           *string `json:"name"`
		InstanceID     *string `json:"instance_id"`
		ChatPattern    *string `json:"chat_pattern"`
		PlatformID     *string `json:"platform_id"`
		Priority       *int    `json:"priority"`
		Enabled        *bool   `json:"enabled"`
		OnlyAtMessages *bool   `json:"only_at_messages"`
		AtName         *string `json:"at_name"`
		ReplyAtSender  *bool   `json:"reply_at_sender"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if body.ChatPattern != nil {
		if err := validateChatPattern(*body.ChatPattern); err != nil {
			return err
		}
	}
	if body.PlatformID != nil {
		platform, err := s.findPlatform(ctx, *body.PlatformID)
		if err != nil {
			return httpError(err)
		}
		if platform == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "platform "+*body.PlatformID+" does not exist")
		}
	}

	rule, err := s.Store.UpdateRule(ctx, &store.UpdateRule{
		ID:             id,
		Name:           body.Name,
		InstanceID:     body.InstanceID,
		ChatPattern:    body.ChatPattern,
		PlatformID:     body.PlatformID,
		Priority:       body.Priority,
		Enabled:        body.Enabled,
		OnlyAtMessages: body.OnlyAtMessages,
		AtName:         body.AtName,
		ReplyAtSender:  body.ReplyAtSender,
	})
	if err != nil {
		return httpError(err)
	}

	s.Bus.Publish(reload.RuleUpdated, id)
	return c.JSON(http.StatusOK, convertRule(rule))
}

func (s *APIV1Service) deleteRule(c echo.Context) error {
	id := c.Param("id")
	if err := s.Store.DeleteRule(c.Request().Context(), &store.DeleteRule{ID: id}); err != nil {
		return httpError(err)
	}
	s.Bus.Publish(reload.RuleRemoved, id)
	return c.NoContent(http.StatusNoContent)
}
