package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/logiwatch/incident-orchestrator/internal/domain"
)

// envelope wraps an event with the id of the process that published it so a
// relay can skip its own messages.
type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// NATSRelay mirrors hub events across orchestrator processes on one subject.
type NATSRelay struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
	origin  string
	hub     *Hub
	logger  *slog.Logger
}

// NATSConfig holds connection settings for the relay.
type NATSConfig struct {
	URL           string
	Channel       string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Subject returns the NATS subject events for channel are published on.
func Subject(channel string) string {
	return channel + ".events"
}

// DialNATS connects to NATS, subscribes to the channel subject and attaches
// the relay to hub.
func DialNATS(cfg NATSConfig, hub *Hub) (*NATSRelay, error) {
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	r := newNATSRelay(conn, cfg.Channel, hub)
	sub, err := conn.Subscribe(r.subject, r.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	r.sub = sub
	hub.SetRelay(r)
	return r, nil
}

func newNATSRelay(conn *nats.Conn, channel string, hub *Hub) *NATSRelay {
	return &NATSRelay{
		conn:    conn,
		subject: Subject(channel),
		origin:  uuid.NewString(),
		hub:     hub,
		logger:  slog.Default().With("component", "bus.nats"),
	}
}

// Forward publishes ev for other processes.
func (r *NATSRelay) Forward(_ context.Context, ev domain.Event) error {
	data, err := json.Marshal(envelope{Origin: r.origin, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.conn.Publish(r.subject, data)
}

func (r *NATSRelay) handle(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		r.logger.Warn("discarding malformed relay message", "error", err)
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.hub.Deliver(env.Event)
}

// Close detaches the relay and drains the connection.
func (r *NATSRelay) Close() error {
	r.hub.SetRelay(nil)
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.conn == nil {
		return nil
	}
	return r.conn.Drain()
}
