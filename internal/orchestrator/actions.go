package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/doorlink/doorlink/internal/kv"
	"github.com/doorlink/doorlink/internal/realtime"
)

// Credentials is what a client receives when resolving a call token.
// Minted outgoing credentials use OutgoingCredentials.
type Credentials struct {
	CallID   string `json:"callId,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	Domain   string `json:"domain"`
	ServerIP string `json:"serverIp"`
}

// ResolveCredentials resolves a call token to the SIP credentials it was
// minted with. Side-effect free: the bridge and pending originate already
// exist from the creation step.
func (o *Orchestrator) ResolveCredentials(ctx context.Context, callToken string) (*Credentials, error) {
	var call kv.CallRecord
	if err := o.store.GetJSON(ctx, kv.CallKey(callToken), &call); err != nil {
		return nil, mapNotFound(err)
	}
	return &Credentials{
		CallID:   call.CallID,
		Username: call.Username,
		Password: call.Password,
		Domain:   call.Domain,
		ServerIP: call.ServerIP,
	}, nil
}

// EndCall hangs up the doorphone channel for a live call and retires its
// token. A second call with the same token reports not-found; other
// sessions are untouched.
func (o *Orchestrator) EndCall(ctx context.Context, callToken string) error {
	var call kv.CallRecord
	if err := o.store.GetJSON(ctx, kv.CallKey(callToken), &call); err != nil {
		return mapNotFound(err)
	}

	if err := o.engine.Hangup(ctx, call.ChannelID); err != nil {
		// Cleanup path: log and continue; StasisEnd or the ring timer
		// converges the rest.
		slog.Warn("hanging up doorphone channel failed", "call_id", call.CallID, "error", err)
	}

	// Tear down the bridge and endpoint rows now; the StasisEnd that
	// follows the hangup will find the token already retired.
	o.cleanupCall(ctx, call)

	// Retire the token so a repeated end/reject is a deterministic 404.
	// The remaining session records expire by TTL.
	if err := o.store.Delete(ctx, kv.CallKey(callToken)); err != nil {
		return err
	}

	o.stats.CallsEnded.Add(1)
	slog.Info("call ended by client", "call_id", call.CallID)
	return nil
}

// OutgoingCredentials is the payload for a client-initiated call.
type OutgoingCredentials struct {
	OutgoingToken string `json:"outgoingToken"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	Domain        string `json:"domain"`
	ServerIP      string `json:"serverIp"`
}

// MintOutgoing creates a disposable out_ endpoint for a client-initiated
// call and returns its credentials. The records share the call-token TTL;
// the janitor removes the endpoint rows once they expire.
func (o *Orchestrator) MintOutgoing(ctx context.Context) (*OutgoingCredentials, error) {
	token := newCallToken()
	endpointID := kv.OutEndpointPrefix + newCallID()
	password := newSIPPassword()

	if err := o.dir.CreateEphemeralEndpoint(ctx, realtime.EndpointParams{
		ID:         endpointID,
		Username:   endpointID,
		Password:   password,
		Context:    endpointContext,
		TemplateID: realtime.TemplateClient,
	}); err != nil {
		return nil, err
	}

	rec := kv.OutgoingRecord{
		EndpointID: endpointID,
		Username:   endpointID,
		Password:   password,
		Domain:     o.cfg.ServerDomain,
		ServerIP:   o.cfg.ServerIP,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.SetJSON(ctx, kv.OutgoingKey(token), rec, o.cfg.CallTokenTTL); err != nil {
		return nil, err
	}
	if err := o.store.SetJSON(ctx, kv.EndpointKey(endpointID),
		kv.EndpointRecord{Kind: kv.EndpointKindOutgoing, Token: token}, o.cfg.CallTokenTTL); err != nil {
		return nil, err
	}

	slog.Info("minted outgoing credentials", "endpoint_id", endpointID)

	return &OutgoingCredentials{
		OutgoingToken: token,
		Username:      endpointID,
		Password:      password,
		Domain:        o.cfg.ServerDomain,
		ServerIP:      o.cfg.ServerIP,
	}, nil
}

// CleanupOutgoing removes a minted outgoing identity ahead of its TTL.
func (o *Orchestrator) CleanupOutgoing(ctx context.Context, token string) error {
	var rec kv.OutgoingRecord
	if err := o.store.GetJSON(ctx, kv.OutgoingKey(token), &rec); err != nil {
		return mapNotFound(err)
	}

	if err := o.dir.DeleteEphemeralEndpoint(ctx, rec.EndpointID); err != nil {
		slog.Warn("deleting outgoing endpoint rows failed", "endpoint_id", rec.EndpointID, "error", err)
	}
	if err := o.store.Delete(ctx, kv.EndpointKey(rec.EndpointID)); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, kv.OutgoingKey(token)); err != nil {
		return err
	}

	slog.Info("outgoing credentials cleaned up", "endpoint_id", rec.EndpointID)
	return nil
}

// RegisterPushToken stores a device push token for a user, creating the
// user row on first sight.
func (o *Orchestrator) RegisterPushToken(ctx context.Context, userID, token, platform, deviceID string) error {
	return o.dir.SavePushToken(ctx, &realtime.PushToken{
		UserID:   userID,
		Token:    token,
		Platform: platform,
		DeviceID: deviceID,
	})
}
