// Package client talks to a running orchestrator over HTTP and websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
	"github.com/logiwatch/incident-orchestrator/internal/reconcile"
)

// DeclareRequest is the body for declaring an incident.
type DeclareRequest struct {
	ID          string `json:"id,omitempty"`
	ShipmentID  string `json:"shipment_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// IncidentDetail is an incident with the shipment it was declared against.
type IncidentDetail struct {
	Incident domain.Incident  `json:"incident"`
	Shipment *domain.Shipment `json:"shipment,omitempty"`
}

// HandoffResult reports a successful handoff trigger.
type HandoffResult struct {
	IncidentID string `json:"incident_id"`
	RunID      string `json:"run_id,omitempty"`
	Status     string `json:"status"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is an orchestrator API client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Dialer  *websocket.Dialer

	logger *slog.Logger
}

// New creates a Client for baseURL, e.g. http://localhost:9810.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		Dialer:  websocket.DefaultDialer,
		logger:  slog.Default().With("component", "client"),
	}
}

// Declare creates an incident.
func (c *Client) Declare(ctx context.Context, req DeclareRequest) (domain.Incident, error) {
	var inc domain.Incident
	err := c.do(ctx, http.MethodPost, "/api/v1/incidents", req, &inc)
	return inc, err
}

// ListIncidents returns every incident, newest first.
func (c *Client) ListIncidents(ctx context.Context) ([]domain.Incident, error) {
	var out []domain.Incident
	err := c.do(ctx, http.MethodGet, "/api/v1/incidents", nil, &out)
	return out, err
}

// Incident returns one incident and its shipment.
func (c *Client) Incident(ctx context.Context, id string) (IncidentDetail, error) {
	var out IncidentDetail
	err := c.do(ctx, http.MethodGet, "/api/v1/incidents/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Logs returns the full ordered log of an incident.
func (c *Client) Logs(ctx context.Context, id string) ([]domain.LogEntry, error) {
	var out []domain.LogEntry
	err := c.do(ctx, http.MethodGet, "/api/v1/incidents/"+url.PathEscape(id)+"/logs", nil, &out)
	return out, err
}

// Snapshot fetches everything a reconciler needs for one incident.
func (c *Client) Snapshot(ctx context.Context, id string) (reconcile.Snapshot, error) {
	detail, err := c.Incident(ctx, id)
	if err != nil {
		return reconcile.Snapshot{}, err
	}
	logs, err := c.Logs(ctx, id)
	if err != nil {
		return reconcile.Snapshot{}, err
	}
	return reconcile.Snapshot{Incident: detail.Incident, Shipment: detail.Shipment, Logs: logs}, nil
}

// Discover triggers discovery.
func (c *Client) Discover(ctx context.Context, id string) (domain.DiscoveryResult, error) {
	var out domain.DiscoveryResult
	err := c.do(ctx, http.MethodPost, "/api/v1/incidents/"+url.PathEscape(id)+"/discover", nil, &out)
	return out, err
}

// Handoff triggers the automation handoff.
func (c *Client) Handoff(ctx context.Context, id string) (HandoffResult, error) {
	var out HandoffResult
	err := c.do(ctx, http.MethodPost, "/api/v1/incidents/"+url.PathEscape(id)+"/handoff", nil, &out)
	return out, err
}

// Resolve closes an incident as RESOLVED or FAILED.
func (c *Client) Resolve(ctx context.Context, id string, status domain.IncidentStatus, note string) (domain.Incident, error) {
	var out domain.Incident
	body := map[string]string{"status": string(status), "note": note}
	err := c.do(ctx, http.MethodPost, "/api/v1/incidents/"+url.PathEscape(id)+"/resolve", body, &out)
	return out, err
}

// Reset deletes every incident and log entry.
func (c *Client) Reset(ctx context.Context) (int64, error) {
	var out struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/v1/demo", nil, &out)
	return out.Deleted, err
}

// do sends one request. API errors come back as *domain.OrchestratorError so
// callers can match them with errors.Is.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &ae) == nil && ae.Code != 0 {
			return domain.NewOrchestratorError(ae.Code, ae.Message)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Stream opens the websocket event stream for incidentID, or every incident
// when incidentID is empty. The channel closes when ctx is done or the
// connection drops; the caller recovers missed events from Logs.
func (c *Client) Stream(ctx context.Context, incidentID string) (<-chan domain.Event, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/ws"
	if incidentID != "" {
		u.RawQuery = url.Values{"incident_id": {incidentID}}.Encode()
	}

	conn, _, err := c.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial event stream: %w", err)
	}

	out := make(chan domain.Event, 64)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ev domain.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("event stream closed", "incident_id", incidentID, "error", err)
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
