package ari

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Event kinds consumed by the orchestrator.
const (
	EventStasisStart         = "StasisStart"
	EventStasisEnd           = "StasisEnd"
	EventEndpointStateChange = "EndpointStateChange"
)

// Channel is one leg of a call from the engine's perspective.
type Channel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// Endpoint is the engine's view of a SIP endpoint's reachability.
type Endpoint struct {
	Technology string `json:"technology"`
	Resource   string `json:"resource"`
	State      string `json:"state"` // online, offline, unknown
}

// Event is a decoded message from the engine's event stream.
type Event struct {
	Type        string    `json:"type"`
	Application string    `json:"application"`
	Timestamp   time.Time `json:"timestamp"`
	Args        []string  `json:"args"`
	Channel     *Channel  `json:"channel"`
	Endpoint    *Endpoint `json:"endpoint"`
}

// Handler receives decoded events in arrival order. Handlers must not
// block the stream reader; long work belongs in its own goroutine.
type Handler func(ctx context.Context, ev Event)

// Reconnect backoff bounds.
const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// Run consumes the engine event stream until ctx is cancelled. The socket
// is self-healing: on close or error it reconnects with exponential
// backoff; a successful connect resets the backoff. Payloads that fail to
// decode are dropped silently.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, err := c.dial(ctx)
		if err != nil {
			delay := backoffDelay(attempt)
			attempt++
			slog.Warn("event stream connect failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		slog.Info("event stream connected", "app", c.appName)
		attempt = 0

		if err := c.readLoop(ctx, conn, handler); err != nil && ctx.Err() == nil {
			slog.Warn("event stream closed", "error", err)
		}
		conn.Close()
	}
}

// dial opens the websocket with Basic auth in the Authorization header.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	cred := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
	header.Set("Authorization", "Basic "+cred)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, header)
	return conn, err
}

// readLoop reads and dispatches messages until the connection drops or
// ctx is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, handler Handler) error {
	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			continue
		}
		handler(ctx, ev)
	}
}

// backoffDelay returns the exponential backoff delay for the given
// attempt: base 1s doubling to a 30s cap.
func backoffDelay(attempt int) time.Duration {
	delay := reconnectBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectCap {
			return reconnectCap
		}
	}
	return delay
}
