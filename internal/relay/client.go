package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client is the worker side of the relay.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		log:     log.With(zap.String("component", "relay")),
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// DeliverResult asks the gateway to persist and broadcast a teammate reply.
// A cancelled job yields ErrJobCancelled.
func (c *Client) DeliverResult(ctx context.Context, req ResultRequest) (ResultResponse, error) {
	var out ResultResponse
	env, err := c.post(ctx, PathResult, req)
	if err != nil {
		return out, err
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return out, fmt.Errorf("relay: decode result response: %w", err)
		}
	}
	return out, nil
}

func (c *Client) DeliverStatus(ctx context.Context, req StatusRequest) error {
	_, err := c.post(ctx, PathStatus, req)
	return err
}

// Notify sends a status and only logs a failure. Status updates never interrupt work.
func (c *Client) Notify(ctx context.Context, req StatusRequest) {
	if err := c.DeliverStatus(ctx, req); err != nil {
		c.log.Warn("status delivery failed",
			zap.Error(err),
			zap.String("job_id", req.JobID),
			zap.String("status", req.Status),
			zap.String("thread_id", req.ThreadID),
		)
	}
}

func (c *Client) post(ctx context.Context, path string, body any) (*envelope, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(TokenHeader, c.Token)

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusConflict {
		return nil, ErrJobCancelled
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("relay: %s status=%d body=%s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, fmt.Errorf("relay: decode %s: %w", path, err)
		}
	}
	return &env, nil
}
