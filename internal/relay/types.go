// Package relay carries results and status updates from the worker pool to the
// process that holds the user's live connections.
package relay

import (
	"errors"

	"github.com/suPer8Hu/teamchat/internal/chat"
)

var (
	// ErrJobCancelled is returned when a result arrives for a job the user stopped.
	ErrJobCancelled = errors.New("relay: job cancelled")
	ErrBadRequest   = errors.New("relay: bad request")
)

const (
	PathResult = "/internal/agent-result"
	PathStatus = "/internal/chat-status"

	// TokenHeader carries the shared secret between workers and the gateway.
	TokenHeader = "X-Internal-Token"
)

// NextStatus is a status the gateway emits right after persisting a result.
type NextStatus struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

type ResultRequest struct {
	JobID        string            `json:"job_id"`
	TeammateKey  string            `json:"teammate_key"`
	UserID       uint64            `json:"user_id"`
	ThreadID     string            `json:"thread_id"`
	ResultText   string            `json:"result_text"`
	Attachments  []chat.Attachment `json:"attachments,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Intermediate bool              `json:"intermediate,omitempty"`
	NextStatus   *NextStatus       `json:"next_status,omitempty"`
}

type ResultResponse struct {
	MessageID uint64 `json:"message_id"`
}

type StatusRequest struct {
	JobID       string   `json:"job_id,omitempty"`
	TeammateKey string   `json:"teammate_key"`
	UserID      uint64   `json:"user_id"`
	ThreadID    string   `json:"thread_id"`
	Status      string   `json:"status"`
	Stage       string   `json:"stage,omitempty"`
	Message     string   `json:"message,omitempty"`
	Progress    *float64 `json:"progress,omitempty"`
}

func (r ResultRequest) validate() error {
	if r.TeammateKey == "" || r.UserID == 0 || r.ThreadID == "" {
		return ErrBadRequest
	}
	return nil
}

func (r StatusRequest) validate() error {
	if r.TeammateKey == "" || r.UserID == 0 || r.ThreadID == "" || r.Status == "" {
		return ErrBadRequest
	}
	return nil
}
