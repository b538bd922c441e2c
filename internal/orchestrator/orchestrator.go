// Package orchestrator drives the per-call state machine: it mints a
// single-use SIP identity for each inbound doorphone call, builds the
// mixing bridge, coordinates the registration/originate race and
// guarantees cleanup on every exit path. There is deliberately no
// in-memory call table; all state lives in the KV session records and the
// realtime store so a crash-restart recovers from the stores alone.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/doorlink/doorlink/internal/ari"
	"github.com/doorlink/doorlink/internal/kv"
	"github.com/doorlink/doorlink/internal/push"
	"github.com/doorlink/doorlink/internal/realtime"
)

// ErrNotFound is returned when a token resolves to no live session.
var ErrNotFound = errors.New("orchestrator: not found")

// Engine is the subset of the telephony engine surface the orchestrator
// drives.
type Engine interface {
	CreateBridge(ctx context.Context) (string, error)
	AddChannel(ctx context.Context, bridgeID, channelID string) error
	GetBridge(ctx context.Context, bridgeID string) (*ari.Bridge, error)
	DeleteBridge(ctx context.Context, bridgeID string) error
	Answer(ctx context.Context, channelID string) error
	Hold(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	Originate(ctx context.Context, endpoint, appArgs string) (string, error)
}

// SessionStore is the TTL'd record substrate coordinating live calls.
type SessionStore interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dst any) error
	Delete(ctx context.Context, key string) error
}

// Directory is the realtime-config store the engine polls, plus the push
// registry.
type Directory interface {
	CreateEphemeralEndpoint(ctx context.Context, p realtime.EndpointParams) error
	DeleteEphemeralEndpoint(ctx context.Context, id string) error
	ListPushTokens(ctx context.Context, userID string) ([]realtime.PushToken, error)
	SavePushToken(ctx context.Context, t *realtime.PushToken) error
	RecordCall(ctx context.Context, e realtime.CallEntry) error
}

// Pusher dispatches call invites to registered devices.
type Pusher interface {
	Dispatch(ctx context.Context, targets []push.Target, payload push.Payload) error
}

// Stats counts orchestrator activity for the metrics collector.
type Stats struct {
	CallsStarted       atomic.Int64
	CallsBridged       atomic.Int64
	CallsEnded         atomic.Int64
	CallsTimedOut      atomic.Int64
	OriginateAttempts  atomic.Int64
	OriginateSuccesses atomic.Int64
	PushesSent         atomic.Int64
	PushesFailed       atomic.Int64
}

// Config carries the orchestrator's slice of the runtime configuration.
type Config struct {
	ServerDomain string
	ServerIP     string
	Realphone    string
	CallTokenTTL time.Duration
	RingTimeout  time.Duration
}

// Orchestrator coordinates engine events, session records, realtime rows
// and push dispatch for every live call.
type Orchestrator struct {
	cfg    Config
	engine Engine
	store  SessionStore
	dir    Directory
	pusher Pusher
	stats  Stats

	// Outbound-leg join pacing; shortened in tests.
	settleDelay time.Duration
	retryDelay  time.Duration
}

// New creates an Orchestrator.
func New(cfg Config, engine Engine, store SessionStore, dir Directory, pusher Pusher) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		engine:      engine,
		store:       store,
		dir:         dir,
		pusher:      pusher,
		settleDelay: 200 * time.Millisecond,
		retryDelay:  500 * time.Millisecond,
	}
}

// Stats exposes the activity counters.
func (o *Orchestrator) Stats() *Stats {
	return &o.stats
}

// newCallToken returns an opaque 128-bit secret.
func newCallToken() string {
	return randomHex(16)
}

// newSIPPassword returns a random SIP password (96 bits).
func newSIPPassword() string {
	return randomHex(12)
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// newCallID returns a fresh opaque call id.
func newCallID() string {
	return uuid.NewString()
}

// SIP endpoint context the disposable identities land in.
const endpointContext = "doorlink"

// sipEndpointName returns the engine dial string for an endpoint id.
func sipEndpointName(endpointID string) string {
	return "PJSIP/" + endpointID
}

// mapNotFound converts a KV miss into the orchestrator's sentinel.
func mapNotFound(err error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
