// Package push delivers call-invite notifications to registered mobile
// devices. Payloads are data-only so the mobile OS wakes a background
// handler instead of showing a plain notification.
package push

import (
	"context"
	"fmt"
)

// PayloadTypeSIPCall marks a call-invite push.
const PayloadTypeSIPCall = "SIP_CALL"

// SIPCredentials is the short-lived SIP identity carried inside a push so
// the app can register and join the call.
type SIPCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	ServerIP string `json:"serverIp"`
}

// Payload is the data-only body of a call-invite push.
type Payload struct {
	Type           string         `json:"type"`
	CallID         string         `json:"callId"`
	SIPCredentials SIPCredentials `json:"sipCredentials"`
}

// Target is one registered device.
type Target struct {
	Token    string
	Platform string
}

// SendError aggregates partial failures across a batch.
type SendError struct {
	Failed int
	Total  int
	First  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("push: %d/%d messages failed: %v", e.Failed, e.Total, e.First)
}

// Sender delivers a payload to a batch of same-platform tokens.
type Sender interface {
	SendBatch(ctx context.Context, tokens []string, payload Payload) error
}

// Dispatcher routes targets to per-platform senders. Unknown platforms
// fall back to the default sender.
type Dispatcher struct {
	senders         map[string]Sender
	defaultPlatform string
}

// NewDispatcher creates a Dispatcher. defaultPlatform must have a sender
// registered; targets with an unknown platform are routed to it.
func NewDispatcher(senders map[string]Sender, defaultPlatform string) *Dispatcher {
	return &Dispatcher{senders: senders, defaultPlatform: defaultPlatform}
}

// Dispatch fans a payload out to all targets, grouped by platform.
// Partial failures surface as a single *SendError; a nil return means
// every message was accepted.
func (d *Dispatcher) Dispatch(ctx context.Context, targets []Target, payload Payload) error {
	if len(targets) == 0 {
		return nil
	}

	byPlatform := make(map[string][]string)
	for _, t := range targets {
		platform := t.Platform
		if _, ok := d.senders[platform]; !ok {
			platform = d.defaultPlatform
		}
		byPlatform[platform] = append(byPlatform[platform], t.Token)
	}

	agg := &SendError{Total: len(targets)}
	for platform, tokens := range byPlatform {
		sender, ok := d.senders[platform]
		if !ok {
			err := fmt.Errorf("no sender configured for platform %q", platform)
			agg.Failed += len(tokens)
			if agg.First == nil {
				agg.First = err
			}
			continue
		}
		if err := sender.SendBatch(ctx, tokens, payload); err != nil {
			if batchErr, ok := err.(*SendError); ok {
				agg.Failed += batchErr.Failed
				if agg.First == nil {
					agg.First = batchErr.First
				}
			} else {
				agg.Failed += len(tokens)
				if agg.First == nil {
					agg.First = err
				}
			}
		}
	}

	if agg.Failed > 0 {
		return agg
	}
	return nil
}
