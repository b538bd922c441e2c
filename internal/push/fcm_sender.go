package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMSender delivers call invites natively over Firebase Cloud Messaging
// for devices registered with the "fcm" platform.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender initialises a Firebase app from the service-account JSON
// file at credentialsFile. If credentialsFile is empty, the SDK falls back
// to GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSender(ctx context.Context, credentialsFile string) (*FCMSender, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm sender initialised")
	return &FCMSender{client: client}, nil
}

// SendBatch delivers the payload to each token as a data-only, high
// priority message with a short TTL. Per-token failures aggregate into a
// *SendError.
func (f *FCMSender) SendBatch(ctx context.Context, tokens []string, payload Payload) error {
	ttl := 30 * time.Second
	agg := &SendError{Total: len(tokens)}

	for _, token := range tokens {
		msg := &messaging.Message{
			Token: token,
			Data: map[string]string{
				"type":     payload.Type,
				"callId":   payload.CallID,
				"username": payload.SIPCredentials.Username,
				"password": payload.SIPCredentials.Password,
				"domain":   payload.SIPCredentials.Domain,
				"serverIp": payload.SIPCredentials.ServerIP,
			},
			Android: &messaging.AndroidConfig{
				Priority: "high",
				TTL:      &ttl,
			},
		}

		id, err := f.client.Send(ctx, msg)
		if err != nil {
			agg.Failed++
			if agg.First == nil {
				agg.First = fmt.Errorf("fcm: send failed: %w", err)
			}
			continue
		}
		slog.Debug("fcm message sent", "message_id", id, "call_id", payload.CallID)
	}

	if agg.Failed > 0 {
		return agg
	}
	return nil
}
