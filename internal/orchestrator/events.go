package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/doorlink/doorlink/internal/ari"
	"github.com/doorlink/doorlink/internal/kv"
	"github.com/doorlink/doorlink/internal/push"
	"github.com/doorlink/doorlink/internal/realtime"
)

// appArgOutgoing marks a StasisStart of a leg we originated ourselves.
const appArgOutgoing = "outgoing"

// HandleEvent dispatches one engine event. Safe for concurrent use; the
// event pump runs each invocation in its own goroutine so the stream
// reader is never blocked.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev ari.Event) {
	switch ev.Type {
	case ari.EventStasisStart:
		if ev.Channel == nil {
			return
		}
		if len(ev.Args) >= 2 && ev.Args[0] == appArgOutgoing {
			o.handleOutgoingJoin(ctx, ev.Channel.ID, ev.Args[1])
			return
		}
		o.handleDoorphoneCall(ctx, ev.Channel.ID)
	case ari.EventStasisEnd:
		if ev.Channel == nil {
			return
		}
		o.handleChannelGone(ctx, ev.Channel.ID)
	case ari.EventEndpointStateChange:
		if ev.Endpoint == nil {
			return
		}
		o.handleEndpointStateChange(ctx, ev.Endpoint)
	}
}

// handleDoorphoneCall runs the composite creation step for an inbound
// doorphone leg: mint identity and tokens, create the ephemeral endpoint,
// write the session records, build the bridge, store the pending
// originate, dispatch the push and arm the ring timer. A failure on any
// setup step abandons the call; TTLs and the janitor converge the stores
// back to a clean state.
func (o *Orchestrator) handleDoorphoneCall(ctx context.Context, channelID string) {
	// The doorphone expects a prompt 200 OK; it generates its own
	// ringback. Answering early also gives the bridge a live leg.
	if err := o.engine.Answer(ctx, channelID); err != nil {
		slog.Error("answering doorphone channel failed, abandoning call",
			"channel_id", channelID, "error", err)
		return
	}

	callID := newCallID()
	callToken := newCallToken()
	endpointID := kv.TmpEndpointPrefix + callID
	password := newSIPPassword()

	if err := o.dir.CreateEphemeralEndpoint(ctx, realtime.EndpointParams{
		ID:         endpointID,
		Username:   endpointID,
		Password:   password,
		Context:    endpointContext,
		TemplateID: realtime.TemplateClient,
	}); err != nil {
		slog.Error("creating ephemeral endpoint failed, abandoning call",
			"call_id", callID, "error", err)
		return
	}

	call := kv.CallRecord{
		CallID:     callID,
		CallToken:  callToken,
		ChannelID:  channelID,
		EndpointID: endpointID,
		Username:   endpointID,
		Password:   password,
		Domain:     o.cfg.ServerDomain,
		ServerIP:   o.cfg.ServerIP,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.SetJSON(ctx, kv.CallKey(callToken), call, o.cfg.CallTokenTTL); err != nil {
		slog.Error("storing call record failed, abandoning call", "call_id", callID, "error", err)
		return
	}
	if err := o.store.SetJSON(ctx, kv.EndpointKey(endpointID),
		kv.EndpointRecord{Kind: kv.EndpointKindCall, Token: callToken}, o.cfg.CallTokenTTL); err != nil {
		slog.Error("storing endpoint record failed, abandoning call", "call_id", callID, "error", err)
		return
	}
	if err := o.store.SetJSON(ctx, kv.ChannelKey(channelID),
		kv.ChannelRecord{CallToken: callToken, EndpointID: endpointID}, o.cfg.CallTokenTTL); err != nil {
		slog.Error("storing channel record failed, abandoning call", "call_id", callID, "error", err)
		return
	}

	bridgeID, err := o.engine.CreateBridge(ctx)
	if err != nil {
		slog.Error("creating bridge failed, abandoning call", "call_id", callID, "error", err)
		return
	}

	call.BridgeID = bridgeID
	if err := o.store.SetJSON(ctx, kv.CallKey(callToken), call, o.cfg.CallTokenTTL); err != nil {
		slog.Error("updating call record failed, abandoning call", "call_id", callID, "error", err)
		return
	}

	if err := o.engine.AddChannel(ctx, bridgeID, channelID); err != nil {
		slog.Error("adding doorphone channel to bridge failed, abandoning call",
			"call_id", callID, "bridge_id", bridgeID, "error", err)
		return
	}

	// The pending-originate lease must exist before the push goes out, so
	// a client that registers instantly still finds it.
	if err := o.store.SetJSON(ctx, kv.OriginateKey(endpointID),
		kv.OriginateRecord{BridgeID: bridgeID, ChannelID: channelID}, o.cfg.RingTimeout); err != nil {
		slog.Error("storing pending originate failed, abandoning call", "call_id", callID, "error", err)
		return
	}

	o.stats.CallsStarted.Add(1)

	o.dispatchCallPush(ctx, call)

	if err := o.dir.RecordCall(ctx, realtime.CallEntry{
		ID:         callID,
		Token:      callToken,
		ChannelID:  channelID,
		EndpointID: endpointID,
		State:      "ringing",
	}); err != nil {
		slog.Warn("recording call journal row failed", "call_id", callID, "error", err)
	}

	o.armRingTimer(callToken, channelID, callID)

	slog.Info("doorphone call ringing",
		"call_id", callID, "channel_id", channelID, "bridge_id", bridgeID, "endpoint_id", endpointID)
}

// dispatchCallPush sends the data-only invite to every device registered
// for the configured recipient. Failure is non-fatal; the ring timer will
// close an unanswered call.
func (o *Orchestrator) dispatchCallPush(ctx context.Context, call kv.CallRecord) {
	tokens, err := o.dir.ListPushTokens(ctx, o.cfg.Realphone)
	if err != nil {
		o.stats.PushesFailed.Add(1)
		slog.Warn("listing push tokens failed", "call_id", call.CallID, "error", err)
		return
	}
	if len(tokens) == 0 {
		slog.Warn("no push tokens registered for recipient",
			"call_id", call.CallID, "user_id", o.cfg.Realphone)
		return
	}

	targets := make([]push.Target, len(tokens))
	for i, t := range tokens {
		targets[i] = push.Target{Token: t.Token, Platform: t.Platform}
	}

	payload := push.Payload{
		Type:   push.PayloadTypeSIPCall,
		CallID: call.CallID,
		SIPCredentials: push.SIPCredentials{
			Username: call.Username,
			Password: call.Password,
			Domain:   call.Domain,
			ServerIP: call.ServerIP,
		},
	}

	if err := o.pusher.Dispatch(ctx, targets, payload); err != nil {
		o.stats.PushesFailed.Add(1)
		slog.Warn("push dispatch failed", "call_id", call.CallID, "error", err)
		return
	}
	o.stats.PushesSent.Add(1)
}

// armRingTimer closes the call when nobody answers within the ring
// timeout. The timer only acts if the call record is still live, so a
// call already ended or rejected is left alone.
func (o *Orchestrator) armRingTimer(callToken, channelID, callID string) {
	time.AfterFunc(o.cfg.RingTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var call kv.CallRecord
		err := o.store.GetJSON(ctx, kv.CallKey(callToken), &call)
		if errors.Is(err, kv.ErrNotFound) {
			return
		}
		if err != nil {
			slog.Warn("ring timer could not check call record", "call_id", callID, "error", err)
			return
		}

		o.stats.CallsTimedOut.Add(1)
		slog.Info("ring timeout, hanging up doorphone", "call_id", callID, "channel_id", channelID)

		if err := o.engine.Hangup(ctx, channelID); err != nil {
			slog.Warn("ring timeout hangup failed", "call_id", callID, "error", err)
		}
		// Session records are left to expire by TTL so a late client gets
		// a deterministic not-found instead of a half-open state.

		if err := o.dir.RecordCall(ctx, realtime.CallEntry{
			ID: callID, Token: callToken, ChannelID: channelID,
			EndpointID: call.EndpointID, State: "timed_out",
		}); err != nil {
			slog.Warn("recording call timeout failed", "call_id", callID, "error", err)
		}
	})
}

// handleOutgoingJoin places a leg we originated into its bridge. The
// settle interval lets the engine finish channel setup; one retry is
// allowed on add-to-bridge failure. After joining, Answer is issued for
// every other leg in the bridge without checking its state; a failed
// answer (for example on a leg that is already up) is logged and ignored.
func (o *Orchestrator) handleOutgoingJoin(ctx context.Context, channelID, bridgeID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.settleDelay):
	}

	if err := o.engine.AddChannel(ctx, bridgeID, channelID); err != nil {
		slog.Warn("adding outbound leg to bridge failed, retrying",
			"channel_id", channelID, "bridge_id", bridgeID, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.retryDelay):
		}
		if err := o.engine.AddChannel(ctx, bridgeID, channelID); err != nil {
			slog.Error("adding outbound leg to bridge failed",
				"channel_id", channelID, "bridge_id", bridgeID, "error", err)
			return
		}
	}

	o.stats.CallsBridged.Add(1)

	bridge, err := o.engine.GetBridge(ctx, bridgeID)
	if err != nil {
		slog.Warn("inspecting bridge failed", "bridge_id", bridgeID, "error", err)
		return
	}
	for _, ch := range bridge.Channels {
		if ch == channelID {
			continue
		}
		if err := o.engine.Answer(ctx, ch); err != nil {
			slog.Debug("answering counterpart leg failed", "channel_id", ch, "error", err)
		}
	}

	slog.Info("outbound leg bridged", "channel_id", channelID, "bridge_id", bridgeID)
}

// handleEndpointStateChange reacts to a disposable endpoint becoming
// reachable: if a pending-originate lease exists, originate into the
// recorded bridge. This is one of the two triggers in the
// registration/originate race; the janitor's retry loop is the other.
func (o *Orchestrator) handleEndpointStateChange(ctx context.Context, ep *ari.Endpoint) {
	if !kv.IsEphemeralEndpointID(ep.Resource) {
		return
	}
	if ep.State == "offline" || ep.State == "unknown" || ep.State == "" {
		return
	}

	if err := o.TryOriginate(ctx, ep.Resource); err != nil {
		slog.Warn("originate on endpoint state change failed",
			"endpoint_id", ep.Resource, "state", ep.State, "error", err)
	}
}

// TryOriginate attempts the pending originate for an endpoint. The lease
// record is deleted on success, so whichever trigger runs second observes
// no record and is a no-op. Failure leaves the record for the next
// trigger.
func (o *Orchestrator) TryOriginate(ctx context.Context, endpointID string) error {
	var rec kv.OriginateRecord
	err := o.store.GetJSON(ctx, kv.OriginateKey(endpointID), &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	o.stats.OriginateAttempts.Add(1)

	if _, err := o.engine.Originate(ctx, sipEndpointName(endpointID), appArgOutgoing+","+rec.BridgeID); err != nil {
		return err
	}

	o.stats.OriginateSuccesses.Add(1)

	if err := o.store.Delete(ctx, kv.OriginateKey(endpointID)); err != nil {
		slog.Warn("deleting pending originate failed", "endpoint_id", endpointID, "error", err)
	}

	slog.Info("originated client leg", "endpoint_id", endpointID, "bridge_id", rec.BridgeID)
	return nil
}

// handleChannelGone tears down engine-side resources when a tracked
// channel leaves the application. Session records are left to expire by
// TTL; the janitor reconciles the realtime rows.
func (o *Orchestrator) handleChannelGone(ctx context.Context, channelID string) {
	var chRec kv.ChannelRecord
	err := o.store.GetJSON(ctx, kv.ChannelKey(channelID), &chRec)
	if errors.Is(err, kv.ErrNotFound) {
		// A leg we do not track (e.g. the originated client leg).
		return
	}
	if err != nil {
		slog.Warn("looking up ended channel failed", "channel_id", channelID, "error", err)
		return
	}

	var call kv.CallRecord
	err = o.store.GetJSON(ctx, kv.CallKey(chRec.CallToken), &call)
	if errors.Is(err, kv.ErrNotFound) {
		return
	}
	if err != nil {
		slog.Warn("looking up call for ended channel failed", "channel_id", channelID, "error", err)
		return
	}

	o.stats.CallsEnded.Add(1)
	o.cleanupCall(ctx, call)

	if err := o.dir.RecordCall(ctx, realtime.CallEntry{
		ID: call.CallID, Token: call.CallToken, ChannelID: call.ChannelID,
		EndpointID: call.EndpointID, State: "ended",
	}); err != nil {
		slog.Warn("recording call end failed", "call_id", call.CallID, "error", err)
	}

	slog.Info("doorphone call ended", "call_id", call.CallID, "channel_id", channelID)
}

// cleanupCall hangs up remaining legs, deletes the bridge and removes the
// ephemeral endpoint rows. Every step is best-effort: a failure is logged
// and the rest of the cleanup continues, with TTLs and the janitor as the
// backstop.
func (o *Orchestrator) cleanupCall(ctx context.Context, call kv.CallRecord) {
	if call.BridgeID != "" {
		if bridge, err := o.engine.GetBridge(ctx, call.BridgeID); err == nil {
			for _, ch := range bridge.Channels {
				if ch == call.ChannelID {
					continue
				}
				if err := o.engine.Hangup(ctx, ch); err != nil {
					slog.Warn("hanging up remaining leg failed", "channel_id", ch, "error", err)
				}
			}
		}
		if err := o.engine.DeleteBridge(ctx, call.BridgeID); err != nil {
			slog.Warn("deleting bridge failed", "bridge_id", call.BridgeID, "error", err)
		}
	}

	if err := o.dir.DeleteEphemeralEndpoint(ctx, call.EndpointID); err != nil {
		slog.Warn("deleting ephemeral endpoint failed", "endpoint_id", call.EndpointID, "error", err)
	}
}
