// Package ari is a client for the telephony engine's REST and event-stream
// control surface. The engine terminates SIP and RTP; this client only
// drives bridges, channels and endpoint subscriptions.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// EngineError is a non-2xx response from the engine's REST surface.
type EngineError struct {
	Status int
	Body   string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.Status, e.Body)
}

// Client talks to the telephony engine. Credentials are sent in the
// Authorization header, never in the URL.
type Client struct {
	baseURL    string
	wsURL      string
	appName    string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient creates an engine client. baseURL is the REST base
// (e.g. "http://host:8088/ari"); wsURL is the event-stream URL.
func NewClient(baseURL, wsURL, appName, username, password string) *Client {
	return &Client{
		baseURL:    baseURL,
		wsURL:      wsURL,
		appName:    appName,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// do performs a REST call. A 2xx response with a body returns the parsed
// body; 204 and empty bodies return nil. Non-2xx surfaces an *EngineError.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling engine: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading engine response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &EngineError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if resp.StatusCode == http.StatusNoContent || len(respBody) == 0 {
		return nil, nil
	}
	return respBody, nil
}

// Bridge is the engine's view of a mixing bridge.
type Bridge struct {
	ID       string   `json:"id"`
	Channels []string `json:"channels"`
}

// CreateBridge creates a mixing bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/bridges", map[string]string{"type": "mixing"})
	if err != nil {
		return "", err
	}
	var b Bridge
	if err := json.Unmarshal(raw, &b); err != nil {
		return "", fmt.Errorf("decoding bridge: %w", err)
	}
	return b.ID, nil
}

// AddChannel adds a channel to a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	_, err := c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel",
		map[string]string{"channel": channelID})
	return err
}

// GetBridge returns the bridge with its current channel membership.
func (c *Client) GetBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	raw, err := c.do(ctx, http.MethodGet, "/bridges/"+bridgeID, nil)
	if err != nil {
		return nil, err
	}
	var b Bridge
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decoding bridge: %w", err)
	}
	return &b, nil
}

// DeleteBridge destroys a bridge.
func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil)
	return err
}

// Answer answers a channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil)
	return err
}

// Hold puts a channel on hold.
func (c *Client) Hold(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/hold", nil)
	return err
}

// Hangup hangs up a channel. A 404 means the channel is already gone and
// is treated as success.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil)
	var engErr *EngineError
	if errors.As(err, &engErr) && engErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// channelRef is the minimal channel shape returned by originate.
type channelRef struct {
	ID string `json:"id"`
}

// Originate places an outbound call to endpoint into this client's
// application with the given appArgs, and returns the new channel id.
func (c *Client) Originate(ctx context.Context, endpoint, appArgs string) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, "/channels", map[string]string{
		"endpoint": endpoint,
		"app":      c.appName,
		"appArgs":  appArgs,
	})
	if err != nil {
		return "", err
	}
	var ch channelRef
	if err := json.Unmarshal(raw, &ch); err != nil {
		return "", fmt.Errorf("decoding channel: %w", err)
	}
	return ch.ID, nil
}

// SubscribeEndpointEvents registers the application as a consumer of
// endpoint-state events for the PJSIP technology. Idempotent on the
// engine side; called once at startup.
func (c *Client) SubscribeEndpointEvents(ctx context.Context) error {
	path := "/applications/" + c.appName + "/subscription?eventSource=" + url.QueryEscape("endpoint:PJSIP")
	_, err := c.do(ctx, http.MethodPost, path, nil)
	return err
}
