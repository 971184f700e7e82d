package handoff

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/logiwatch/incident-orchestrator/internal/config"
	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// Sender delivers a payload to the automation workflow.
type Sender interface {
	Send(ctx context.Context, p Payload) (Ack, error)
}

// Ack is what the workflow returns on success. RunID may be empty.
type Ack struct {
	RunID  string `json:"run_id,omitempty"`
	Status string `json:"status,omitempty"`
}

// Client posts payloads to the automation endpoint over HTTP.
type Client struct {
	Endpoint string
	APIKey   string
	HTTP     *http.Client
}

// NewClient returns a Client for cfg, or nil when no endpoint is configured.
func NewClient(cfg config.AutomationConfig) *Client {
	if cfg.Endpoint == "" {
		return nil
	}
	return &Client{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		HTTP:     &http.Client{Timeout: cfg.Timeout()},
	}
}

// Send makes exactly one request. Any non-2xx status or transport error is
// returned as ErrAutomationUpstream; nothing is retried.
func (c *Client) Send(ctx context.Context, p Payload) (Ack, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Ack{}, domain.WrapOrchestratorError(domain.ErrAutomationUpstream, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Ack{}, domain.WrapOrchestratorError(domain.ErrAutomationUpstream, "send", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Ack{}, domain.NewOrchestratorError(domain.ErrAutomationUpstream.Code,
			fmt.Sprintf("%s: status %d: %s", domain.ErrAutomationUpstream.Message, resp.StatusCode, snippet(raw)))
	}

	var ack Ack
	if len(bytes.TrimSpace(raw)) > 0 {
		// A non-JSON 2xx body is still a success.
		_ = json.Unmarshal(raw, &ack)
	}
	return ack, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
