package kv

import (
	"strings"
	"time"
)

// Key prefixes for the session record namespaces.
const (
	callPrefix      = "call:"
	channelPrefix   = "channel:"
	endpointPrefix  = "endpoint:"
	originatePrefix = "originate:"
	outgoingPrefix  = "outgoing:"
)

// Disposable SIP identity prefixes. Inbound (doorphone-triggered) endpoints
// are tmp_<callId>; client-initiated outbound endpoints are out_<id> with a
// freshly generated id that is independent of the outgoing token.
const (
	TmpEndpointPrefix = "tmp_"
	OutEndpointPrefix = "out_"
)

func CallKey(callToken string) string       { return callPrefix + callToken }
func ChannelKey(channelID string) string    { return channelPrefix + channelID }
func EndpointKey(endpointID string) string  { return endpointPrefix + endpointID }
func OriginateKey(endpointID string) string { return originatePrefix + endpointID }
func OutgoingKey(token string) string       { return outgoingPrefix + token }

// IsEphemeralEndpointID reports whether id belongs to the disposable
// SIP identity namespace.
func IsEphemeralEndpointID(id string) bool {
	return strings.HasPrefix(id, TmpEndpointPrefix) || strings.HasPrefix(id, OutEndpointPrefix)
}

// CallRecord is the primary session record, keyed by call token. It carries
// everything the mobile client needs to join the call.
type CallRecord struct {
	CallID     string    `json:"callId"`
	CallToken  string    `json:"callToken"`
	ChannelID  string    `json:"channelId"`
	EndpointID string    `json:"endpointId"`
	BridgeID   string    `json:"bridgeId"`
	Username   string    `json:"username"`
	Password   string    `json:"password"`
	Domain     string    `json:"domain"`
	ServerIP   string    `json:"serverIp"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ChannelRecord is a weak back-reference from the engine's channel id to
// the owning session, used for lookup when the channel leaves the
// application (StasisEnd).
type ChannelRecord struct {
	CallToken  string `json:"callToken"`
	EndpointID string `json:"endpointId"`
}

// EndpointRecord marks an ephemeral SIP identity as alive and points back
// at the session that owns it. Kind is "call" or "outgoing".
type EndpointRecord struct {
	Kind  string `json:"kind"`
	Token string `json:"token"`
}

// Endpoint record kinds.
const (
	EndpointKindCall     = "call"
	EndpointKindOutgoing = "outgoing"
)

// OriginateRecord is the pending-originate lease: when the endpoint it is
// keyed by becomes reachable, originate into BridgeID. Deleted on the first
// successful originate so the event path and the fallback poller cannot
// both win.
type OriginateRecord struct {
	BridgeID  string `json:"bridgeId"`
	ChannelID string `json:"channelId"`
}

// OutgoingRecord holds credentials minted for a client-initiated call,
// keyed by the outgoing token.
type OutgoingRecord struct {
	EndpointID string    `json:"endpointId"`
	Username   string    `json:"username"`
	Password   string    `json:"password"`
	Domain     string    `json:"domain"`
	ServerIP   string    `json:"serverIp"`
	CreatedAt  time.Time `json:"createdAt"`
}
