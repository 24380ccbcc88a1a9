// Package realtime maintains the push channel to the upstream service and
// judges its health. The client speaks the phoenix-channel framing the hosted
// realtime endpoint exposes: join per topic, periodic heartbeats, row-change
// events pushed per joined topic.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one row-change notification received over the push channel.
type Event struct {
	Topic  string
	Table  string
	Type   string
	Record map[string]any
}

// ShotID extracts the shot scope affected by the event, when present.
func (e Event) ShotID() string {
	if e.Table == "shots" {
		return stringField(e.Record, "id")
	}
	return stringField(e.Record, "shot_id")
}

// ProjectID extracts the project scope affected by the event, when present.
func (e Event) ProjectID() string {
	if e.Table == "projects" {
		return stringField(e.Record, "id")
	}
	return stringField(e.Record, "project_id")
}

func stringField(record map[string]any, key string) string {
	if record == nil {
		return ""
	}
	if v, ok := record[key].(string); ok {
		return v
	}
	return ""
}

// ClientConfig carries the connection settings for the push channel.
type ClientConfig struct {
	URL       string
	APIKey    string
	Topics    []string
	Heartbeat time.Duration
}

// EventHandler receives every decoded row-change event. Handlers run on the
// reader goroutine and must not block.
type EventHandler func(Event)

// Client owns the websocket lifecycle: dial, join, heartbeat, reconnect with
// capped backoff. It implements ConnState for the health estimator.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	onEvent EventHandler
	dialer  *websocket.Dialer

	mu        sync.Mutex
	connected bool
	joined    map[string]struct{}
	lastEvent time.Time
	ref       int64
}

// NewClient prepares a client; Run must be called to open the channel.
func NewClient(cfg ClientConfig, logger *slog.Logger, onEvent EventHandler) *Client {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.With(slog.String("agent", "realtime_client")),
		onEvent: onEvent,
		dialer:  websocket.DefaultDialer,
		joined:  make(map[string]struct{}),
	}
}

// SocketConnected reports whether the websocket is currently open.
func (c *Client) SocketConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// JoinedTopics lists the topics whose joins have been acknowledged.
func (c *Client) JoinedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.joined))
	for topic := range c.joined {
		topics = append(topics, topic)
	}
	return topics
}

// LastEventAt reports when the channel last delivered any frame.
func (c *Client) LastEventAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvent
}

// Run keeps the channel open until the context is cancelled, reconnecting
// with capped exponential backoff. It returns the context error on shutdown.
func (c *Client) Run(ctx context.Context) error {
	if c.cfg.URL == "" {
		return errors.New("realtime: url required")
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := c.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("realtime session ended", slog.Any("error", err), slog.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type changePayload struct {
	Table  string         `json:"table"`
	Type   string         `json:"type"`
	Record map[string]any `json:"record"`
}

type replyPayload struct {
	Status string `json:"status"`
}

func (c *Client) session(ctx context.Context) error {
	header := map[string][]string{}
	if c.cfg.APIKey != "" {
		header["Authorization"] = []string{"Bearer " + c.cfg.APIKey}
	}
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	defer conn.Close()

	c.setConnected(true)
	defer c.setConnected(false)

	for _, topic := range c.cfg.Topics {
		if err := c.writeFrame(conn, frame{
			Topic:   topic,
			Event:   "phx_join",
			Ref:     c.nextRef(),
			Payload: json.RawMessage(`{}`),
		}); err != nil {
			return fmt.Errorf("realtime: join %s: %w", topic, err)
		}
	}
	c.logger.Info("realtime channel open", slog.Int("topics", len(c.cfg.Topics)))

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn)
	}()

	heartbeat := time.NewTicker(c.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-heartbeat.C:
			hb := frame{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Ref:     c.nextRef(),
				Payload: json.RawMessage(`{}`),
			}
			if err := c.writeFrame(conn, hb); err != nil {
				<-readErr
				return fmt.Errorf("realtime: heartbeat: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("realtime: read: %w", err)
		}
		c.touch()

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("realtime frame undecodable", slog.Any("error", err))
			continue
		}
		switch f.Event {
		case "phx_reply":
			var reply replyPayload
			if err := json.Unmarshal(f.Payload, &reply); err == nil && reply.Status == "ok" && f.Topic != "phoenix" {
				c.markJoined(f.Topic)
			}
		case "phx_close", "phx_error":
			c.dropJoined(f.Topic)
		case "INSERT", "UPDATE", "DELETE":
			var change changePayload
			if err := json.Unmarshal(f.Payload, &change); err != nil {
				c.logger.Debug("realtime change undecodable", slog.String("topic", f.Topic), slog.Any("error", err))
				continue
			}
			if change.Type == "" {
				change.Type = f.Event
			}
			if c.onEvent != nil {
				c.onEvent(Event{
					Topic:  f.Topic,
					Table:  change.Table,
					Type:   change.Type,
					Record: change.Record,
				})
			}
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) nextRef() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ref++
	return strconv.FormatInt(c.ref, 10)
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	if !connected {
		// Joins do not survive a reconnect; the next session re-joins.
		c.joined = make(map[string]struct{})
	}
}

func (c *Client) markJoined(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined[topic] = struct{}{}
}

func (c *Client) dropJoined(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, topic)
}

func (c *Client) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastEvent = time.Now()
}
