package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/wxbridge/store"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func queryLimit(c echo.Context) int {
	limit := defaultPageLimit
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	return limit
}

func queryString(c echo.Context, name string) *string {
	if v := c.QueryParam(name); v != "" {
		return &v
	}
	return nil
}

func queryBool(c echo.Context, name string) *bool {
	if v := c.QueryParam(name); v != "" {
		b := v == "true" || v == "1"
		return &b
	}
	return nil
}

type listenerResponse struct {
	InstanceID      string `json:"instance_id"`
	ChatName        string `json:"chat_name"`
	Status          string `json:"status"`
	LastMessageTime int64  `json:"last_message_time"`
	ManualAdded     bool   `json:"manual_added"`
	Fixed           bool   `json:"fixed"`
	CreatedTs       int64  `json:"created_ts"`
}

func (s *APIV1Service) listListeners(c echo.Context) error {
	find := &store.FindListener{
		InstanceID: queryString(c, "instance_id"),
		ChatName:   queryString(c, "chat_name"),
	}
	if v := c.QueryParam("status"); v != "" {
		status := store.ListenerStatus(v)
		find.Status = &status
	}

	listeners, err := s.Store.ListListeners(c.Request().Context(), find)
	if err != nil {
		return httpError(err)
	}
	out := make([]*listenerResponse, 0, len(listeners))
	for _, l := range listeners {
		out = append(out, &listenerResponse{
			InstanceID:      l.InstanceID,
			ChatName:        l.ChatName,
			Status:          string(l.Status),
			LastMessageTime: l.LastMessageTime,
			ManualAdded:     l.ManualAdded,
			Fixed:           l.Fixed,
			CreatedTs:       l.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type messageResponse struct {
	ID             int64  `json:"id"`
	MessageID      string `json:"message_id"`
	InstanceID     string `json:"instance_id"`
	ChatName       string `json:"chat_name"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	CreateTime     int64  `json:"create_time"`
	Processed      bool   `json:"processed"`
	DeliveryStatus int    `json:"delivery_status"`
	PlatformID     string `json:"platform_id,omitempty"`
	ReplyContent   string `json:"reply_content,omitempty"`
	ReplyStatus    int    `json:"reply_status"`
	RetryCount     int    `json:"retry_count"`
	LastError      string `json:"last_error,omitempty"`
}

func (s *APIV1Service) listMessages(c echo.Context) error {
	msgs, err := s.Store.ListMessages(c.Request().Context(), &store.FindMessage{
		InstanceID: queryString(c, "instance_id"),
		ChatName:   queryString(c, "chat_name"),
		Processed:  queryBool(c, "processed"),
		Limit:      queryLimit(c),
	})
	if err != nil {
		return httpError(err)
	}
	out := make([]*messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &messageResponse{
			ID:             m.ID,
			MessageID:      m.MessageID,
			InstanceID:     m.InstanceID,
			ChatName:       m.ChatName,
			Sender:         m.Sender,
			Content:        m.Content,
			MessageType:    string(m.MessageType),
			CreateTime:     m.CreateTime,
			Processed:      m.Processed,
			DeliveryStatus: m.DeliveryStatus,
			PlatformID:     m.PlatformID,
			ReplyContent:   m.ReplyContent,
			ReplyStatus:    m.ReplyStatus,
			RetryCount:     m.RetryCount,
			LastError:      m.LastError,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type accountingResponse struct {
	ID               int64   `json:"id"`
	PlatformID       string  `json:"platform_id"`
	MessageID        string  `json:"message_id"`
	Description      string  `json:"description"`
	Amount           float64 `json:"amount"`
	Category         string  `json:"category"`
	AccountBookName  string  `json:"account_book_name"`
	Success          bool    `json:"success"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	CreatedTs        int64   `json:"created_ts"`
}

func (s *APIV1Service) listAccountingRecords(c echo.Context) error {
	records, err := s.Store.ListAccountingRecords(c.Request().Context(), &store.FindAccountingRecord{
		PlatformID: queryString(c, "platform_id"),
		Success:    queryBool(c, "success"),
		Limit:      queryLimit(c),
	})
	if err != nil {
		return httpError(err)
	}
	out := make([]*accountingResponse, 0, len(records))
	for _, r := range records {
		out = append(out, &accountingResponse{
			ID:               r.ID,
			PlatformID:       r.PlatformID,
			MessageID:        r.MessageID,
			Description:      r.Description,
			Amount:           r.Amount,
			Category:         r.Category,
			AccountBookName:  r.AccountBookName,
			Success:          r.Success,
			ErrorMessage:     r.ErrorMessage,
			ProcessingTimeMs: r.ProcessingTimeMs,
			CreatedTs:        r.CreatedTs,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type clientStatusResponse struct {
	InstanceID      string `json:"instance_id"`
	Connected       bool   `json:"connected"`
	ActiveListeners int    `json:"active_listeners"`
	Calls           int64  `json:"calls"`
	Failures        int64  `json:"failures"`
	AvgLatencyMs    int64  `json:"avg_latency_ms"`
	LastError       string `json:"last_error,omitempty"`
}

type recentErrorResponse struct {
	At    int64  `json:"at"`
	Stage string `json:"stage"`
	Err   string `json:"err"`
}

type statusResponse struct {
	Running          bool                    `json:"running"`
	HealthScore      int                     `json:"health_score"`
	ConnectedClients int                     `json:"connected_clients"`
	TotalClients     int                     `json:"total_clients"`
	ActiveListeners  int                     `json:"active_listeners"`
	TotalListeners   int                     `json:"total_listeners"`
	Processed        int64                   `json:"processed"`
	Delivered        int64                   `json:"delivered"`
	Replied          int64                   `json:"replied"`
	Failed           int64                   `json:"failed"`
	Clients          []*clientStatusResponse `json:"clients"`
	RecentErrors     []*recentErrorResponse  `json:"recent_errors"`
	SampledAt        int64                   `json:"sampled_at"`
	Version          string                  `json:"version"`
}

func (s *APIV1Service) getStatus(c echo.Context) error {
	snap := s.Monitor.Snapshot()

	clients := make([]*clientStatusResponse, 0, len(snap.Clients))
	for _, cl := range snap.Clients {
		clients = append(clients, &clientStatusResponse{
			InstanceID:      cl.InstanceID,
			Connected:       cl.Connected,
			ActiveListeners: cl.ActiveListeners,
			Calls:           cl.Stats.Calls,
			Failures:        cl.Stats.Failures,
			AvgLatencyMs:    cl.Stats.AvgLatency.Milliseconds(),
			LastError:       cl.Stats.LastError,
		})
	}
	recent := make([]*recentErrorResponse, 0, len(snap.RecentErrors))
	for _, e := range snap.RecentErrors {
		recent = append(recent, &recentErrorResponse{At: e.At.Unix(), Stage: e.Stage, Err: e.Err})
	}

	return c.JSON(http.StatusOK, &statusResponse{
		Running:          snap.Running,
		HealthScore:      snap.HealthScore,
		ConnectedClients: snap.ConnectedClients,
		TotalClients:     snap.TotalClients,
		ActiveListeners:  snap.ActiveListeners,
		TotalListeners:   snap.TotalListeners,
		Processed:        snap.Processed,
		Delivered:        snap.Delivered,
		Replied:          snap.Replied,
		Failed:           snap.Failed,
		Clients:          clients,
		RecentErrors:     recent,
		SampledAt:        snap.SampledAt.Unix(),
		Version:          s.Profile.Version,
	})
}

func (s *APIV1Service) healthz(c echo.Context) error {
	snap := s.Monitor.Snapshot()
	status, state := http.StatusOK, "ok"
	if !snap.Running {
		status, state = http.StatusServiceUnavailable, "stopped"
	}
	return c.JSON(status, map[string]any{
		"status": state,
		"score":  snap.HealthScore,
	})
}
