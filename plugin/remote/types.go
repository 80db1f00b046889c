// Package remote provides typed HTTP access to one instance's
// chat-automation endpoint. One Client per enabled instance; the supervisor
// recreates it when the instance config changes.
package remote

import (
	"sync"
	"time"
)

// RawMessage is a message as returned by the remote endpoint, before ingest
// normalization.
type RawMessage struct {
	MessageID    string `json:"message_id"`
	Sender       string `json:"sender"`
	SenderRemark string `json:"sender_remark"`
	Content      string `json:"content"`
	Type         string `json:"type"`
	CreateTime   int64  `json:"create_time"`
}

// ChatUnread is one main-window entry: a chat with its unread batch.
type ChatUnread struct {
	ChatName string       `json:"chat_name"`
	Messages []RawMessage `json:"messages"`
}

// ListenerOptions configure what the remote captures for a subscribed chat.
type ListenerOptions struct {
	SavePic   bool `json:"save_pic"`
	SaveVideo bool `json:"save_video"`
	SaveFile  bool `json:"save_file"`
	SaveVoice bool `json:"save_voice"`
	ParseURL  bool `json:"parse_url"`
}

// ServerStatus is the remote health report.
type ServerStatus struct {
	Status       string `json:"status"`
	WeChatStatus string `json:"wechat_status"`
	Version      string `json:"version"`
	Uptime       int64  `json:"uptime"`
}

// LoginResult is the outcome of an auto-login attempt.
type LoginResult struct {
	LoginResult bool `json:"login_result"`
	Success     bool `json:"success"`
}

// Stats aggregates call latency and outcome per client.
type Stats struct {
	mu sync.Mutex

	calls       int64
	failures    int64
	totalLatency time.Duration
	lastLatency time.Duration
	lastError   string
	lastCallAt  time.Time
}

func (s *Stats) record(latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.totalLatency += latency
	s.lastLatency = latency
	s.lastCallAt = time.Now()
	if err != nil {
		s.failures++
		s.lastError = err.Error()
	}
}

// StatsSnapshot is a read-only copy of client stats.
type StatsSnapshot struct {
	Calls       int64
	Failures    int64
	AvgLatency  time.Duration
	LastLatency time.Duration
	LastError   string
	LastCallAt  time.Time
}

// Snapshot returns a consistent copy of the stats.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := StatsSnapshot{
		Calls:       s.calls,
		Failures:    s.failures,
		LastLatency: s.lastLatency,
		LastError:   s.lastError,
		LastCallAt:  s.lastCallAt,
	}
	if s.calls > 0 {
		snap.AvgLatency = s.totalLatency / time.Duration(s.calls)
	}
	return snap
}
