package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doorlink/doorlink/internal/ari"
	"github.com/doorlink/doorlink/internal/kv"
	"github.com/doorlink/doorlink/internal/push"
	"github.com/doorlink/doorlink/internal/realtime"
)

// fakeStore is an in-memory SessionStore that also remembers the TTL each
// key was written with.
type fakeStore struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (s *fakeStore) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	s.ttls[key] = ttl
	return nil
}

func (s *fakeStore) GetJSON(ctx context.Context, key string, dst any) error {
	s.mu.Lock()
	data, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return kv.ErrNotFound
	}
	return json.Unmarshal(data, dst)
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	delete(s.ttls, key)
	return nil
}

func (s *fakeStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// keyWithPrefix returns the first stored key with the given prefix.
func (s *fakeStore) keyWithPrefix(prefix string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			return k, true
		}
	}
	return "", false
}

// fakeEngine records engine calls and simulates bridge membership.
type fakeEngine struct {
	mu                 sync.Mutex
	bridgeSeq          int
	createErr          error
	addChannelErr      error
	addChannelFailures int
	bridges            map[string][]string
	addChannels    []string // "bridge/channel"
	answers        []string
	hangups        []string
	originates     []string // "endpoint|appArgs"
	originateErr   error
	deletedBridges []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{bridges: make(map[string][]string)}
}

func (e *fakeEngine) CreateBridge(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return "", e.createErr
	}
	e.bridgeSeq++
	id := fmt.Sprintf("B%d", e.bridgeSeq)
	e.bridges[id] = nil
	return id, nil
}

func (e *fakeEngine) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.addChannelErr != nil {
		return e.addChannelErr
	}
	if e.addChannelFailures > 0 {
		e.addChannelFailures--
		return &ari.EngineError{Status: 500, Body: "busy"}
	}
	e.bridges[bridgeID] = append(e.bridges[bridgeID], channelID)
	e.addChannels = append(e.addChannels, bridgeID+"/"+channelID)
	return nil
}

func (e *fakeEngine) GetBridge(ctx context.Context, bridgeID string) (*ari.Bridge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chans, ok := e.bridges[bridgeID]
	if !ok {
		return nil, &ari.EngineError{Status: 404, Body: "Bridge not found"}
	}
	return &ari.Bridge{ID: bridgeID, Channels: append([]string(nil), chans...)}, nil
}

func (e *fakeEngine) DeleteBridge(ctx context.Context, bridgeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.bridges, bridgeID)
	e.deletedBridges = append(e.deletedBridges, bridgeID)
	return nil
}

func (e *fakeEngine) Answer(ctx context.Context, channelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answers = append(e.answers, channelID)
	return nil
}

func (e *fakeEngine) Hold(ctx context.Context, channelID string) error { return nil }

func (e *fakeEngine) Hangup(ctx context.Context, channelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hangups = append(e.hangups, channelID)
	return nil
}

func (e *fakeEngine) Originate(ctx context.Context, endpoint, appArgs string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.originateErr != nil {
		return "", e.originateErr
	}
	e.originates = append(e.originates, endpoint+"|"+appArgs)
	return fmt.Sprintf("CH-out-%d", len(e.originates)), nil
}

// engineSnapshot is a race-free copy of the recorded engine calls.
type engineSnapshot struct {
	addChannels    []string
	answers        []string
	hangups        []string
	originates     []string
	deletedBridges []string
}

func (e *fakeEngine) snapshot() engineSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engineSnapshot{
		addChannels:    append([]string(nil), e.addChannels...),
		answers:        append([]string(nil), e.answers...),
		hangups:        append([]string(nil), e.hangups...),
		originates:     append([]string(nil), e.originates...),
		deletedBridges: append([]string(nil), e.deletedBridges...),
	}
}

// fakeDirectory implements Directory in memory.
type fakeDirectory struct {
	mu        sync.Mutex
	endpoints map[string]realtime.EndpointParams
	deleted   []string
	tokens    map[string][]realtime.PushToken
	journal   []realtime.CallEntry
	createErr error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		endpoints: make(map[string]realtime.EndpointParams),
		tokens:    make(map[string][]realtime.PushToken),
	}
}

func (d *fakeDirectory) CreateEphemeralEndpoint(ctx context.Context, p realtime.EndpointParams) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return d.createErr
	}
	d.endpoints[p.ID] = p
	return nil
}

func (d *fakeDirectory) DeleteEphemeralEndpoint(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.endpoints, id)
	d.deleted = append(d.deleted, id)
	return nil
}

func (d *fakeDirectory) ListPushTokens(ctx context.Context, userID string) ([]realtime.PushToken, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tokens[userID], nil
}

func (d *fakeDirectory) SavePushToken(ctx context.Context, t *realtime.PushToken) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[t.UserID] = append(d.tokens[t.UserID], *t)
	return nil
}

func (d *fakeDirectory) RecordCall(ctx context.Context, e realtime.CallEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.journal = append(d.journal, e)
	return nil
}

// fakePusher records dispatched batches.
type fakePusher struct {
	mu       sync.Mutex
	payloads []push.Payload
	targets  [][]push.Target
	err      error
}

func (p *fakePusher) Dispatch(ctx context.Context, targets []push.Target, payload push.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.targets = append(p.targets, targets)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

// newTestOrchestrator wires an orchestrator over fakes with short timers.
func newTestOrchestrator(ringTimeout time.Duration) (*Orchestrator, *fakeEngine, *fakeStore, *fakeDirectory, *fakePusher) {
	engine := newFakeEngine()
	store := newFakeStore()
	dir := newFakeDirectory()
	pusher := &fakePusher{}
	dir.tokens["user-1"] = []realtime.PushToken{{UserID: "user-1", Token: "tok-a", Platform: "expo"}}

	o := New(Config{
		ServerDomain: "door.example.com",
		ServerIP:     "203.0.113.10",
		Realphone:    "user-1",
		CallTokenTTL: 2 * time.Minute,
		RingTimeout:  ringTimeout,
	}, engine, store, dir, pusher)
	o.settleDelay = time.Millisecond
	o.retryDelay = time.Millisecond
	return o, engine, store, dir, pusher
}

func stasisStart(channelID string, args ...string) ari.Event {
	return ari.Event{
		Type:    ari.EventStasisStart,
		Args:    args,
		Channel: &ari.Channel{ID: channelID},
	}
}

func endpointOnline(resource string) ari.Event {
	return ari.Event{
		Type:     ari.EventEndpointStateChange,
		Endpoint: &ari.Endpoint{Technology: "PJSIP", Resource: resource, State: "online"},
	}
}

func TestHappyPath(t *testing.T) {
	o, engine, store, _, pusher := newTestOrchestrator(time.Minute)
	ctx := context.Background()

	// Doorphone leg enters the application.
	o.HandleEvent(ctx, stasisStart("CH1"))

	snap := engine.snapshot()
	if len(snap.addChannels) != 1 || snap.addChannels[0] != "B1/CH1" {
		t.Fatalf("addChannels = %v, want [B1/CH1]", snap.addChannels)
	}
	if pusher.count() != 1 {
		t.Fatalf("pushes = %d, want 1", pusher.count())
	}
	if pusher.payloads[0].Type != push.PayloadTypeSIPCall || pusher.payloads[0].CallID == "" {
		t.Errorf("push payload = %+v", pusher.payloads[0])
	}

	origKey, ok := store.keyWithPrefix("originate:tmp_")
	if !ok {
		t.Fatal("no pending-originate record written")
	}
	endpointID := strings.TrimPrefix(origKey, "originate:")

	// The pending-originate lease carries the ring TTL, not the call TTL.
	callKey, _ := store.keyWithPrefix("call:")
	store.mu.Lock()
	origTTL := store.ttls[origKey]
	callTTL := store.ttls[callKey]
	store.mu.Unlock()
	if origTTL != time.Minute {
		t.Errorf("originate TTL = %v, want ring timeout %v", origTTL, time.Minute)
	}
	if callTTL != 2*time.Minute {
		t.Errorf("call TTL = %v, want %v", callTTL, 2*time.Minute)
	}

	// Client registers; its endpoint comes online.
	o.HandleEvent(ctx, endpointOnline(endpointID))

	snap = engine.snapshot()
	if len(snap.originates) != 1 {
		t.Fatalf("originates = %v, want exactly one", snap.originates)
	}
	want := "PJSIP/" + endpointID + "|outgoing,B1"
	if snap.originates[0] != want {
		t.Errorf("originate = %q, want %q", snap.originates[0], want)
	}
	if store.has(origKey) {
		t.Error("pending-originate record not deleted on success")
	}

	// The originated leg enters the application and joins the bridge.
	o.HandleEvent(ctx, stasisStart("CH2", "outgoing", "B1"))

	snap = engine.snapshot()
	if len(snap.addChannels) != 2 || snap.addChannels[1] != "B1/CH2" {
		t.Fatalf("addChannels = %v, want second entry B1/CH2", snap.addChannels)
	}
}

func TestRingTimeout(t *testing.T) {
	o, engine, store, _, _ := newTestOrchestrator(30 * time.Millisecond)
	ctx := context.Background()

	o.HandleEvent(ctx, stasisStart("CH1"))

	if _, ok := store.keyWithPrefix("call:"); !ok {
		t.Fatal("call record missing after setup")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if len(engine.snapshot().hangups) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ring timer never hung up the doorphone channel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := engine.snapshot()
	if len(snap.hangups) != 1 || snap.hangups[0] != "CH1" {
		t.Errorf("hangups = %v, want [CH1]", snap.hangups)
	}
	// Records are left to expire by TTL, not deleted.
	if _, ok := store.keyWithPrefix("call:"); !ok {
		t.Error("call record should be left for TTL expiry")
	}
}

func TestClientReject(t *testing.T) {
	o, engine, store, _, _ := newTestOrchestrator(time.Minute)
	ctx := context.Background()

	o.HandleEvent(ctx, stasisStart("CH1"))

	callKey, ok := store.keyWithPrefix("call:")
	if !ok {
		t.Fatal("call record missing after setup")
	}
	token := strings.TrimPrefix(callKey, "call:")

	if err := o.EndCall(ctx, token); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	snap := engine.snapshot()
	if len(snap.hangups) != 1 || snap.hangups[0] != "CH1" {
		t.Errorf("hangups = %v, want [CH1]", snap.hangups)
	}

	// Second identical call reports not-found.
	if err := o.EndCall(ctx, token); !errors.Is(err, ErrNotFound) {
		t.Errorf("second EndCall = %v, want ErrNotFound", err)
	}
}

func TestDuplicateOriginateTriggers(t *testing.T) {
	o, engine, store, _, _ := newTestOrchestrator(time.Minute)
	ctx := context.Background()

	o.HandleEvent(ctx, stasisStart("CH1"))

	origKey, _ := store.keyWithPrefix("originate:tmp_")
	endpointID := strings.TrimPrefix(origKey, "originate:")

	// Two state-change events in quick succession plus one poller tick.
	o.HandleEvent(ctx, endpointOnline(endpointID))
	o.HandleEvent(ctx, endpointOnline(endpointID))
	if err := o.TryOriginate(ctx, endpointID); err != nil {
		t.Fatalf("TryOriginate: %v", err)
	}

	if n := len(engine.snapshot().originates); n != 1 {
		t.Errorf("originates = %d, want exactly 1", n)
	}
}

func TestOriginateFailureKeepsLease(t *testing.T) {
	o, engine, store, _, _ := newTestOrchestrator(time.Minute)
	ctx := context.Background()

	o.HandleEvent(ctx, stasisStart("CH1"))

	origKey, _ := store.keyWithPrefix("originate:tmp_")
	endpointID := strings.TrimPrefix(origKey, "originate:")

	engine.mu.Lock()
	engine.originateErr = &ari.EngineError{Status: 503, Body: "Allocation failed"}
	engine.mu.Unlock()

	o.HandleEvent(ctx, endpointOnline(endpointID))
	if !store.has(origKey) {
		t.Fatal("pending-originate record must survive a failed originate")
	}

	// Next trigger succeeds and consumes the lease.
	engine.mu.Lock()
	engine.originateErr = nil
	engine.mu.Unlock()

	if err := o.TryOriginate(ctx, endpointID); err != nil {
		t.Fatalf("TryOriginate: %v", err)
	}
	if store.has(origKey) {
		t.Error("pending-originate record not deleted after success")
	}
}

func TestEngineDownDuringSetup(t *testing.T) {
	o, engine, store, _, pusher := newTestOrchestrator(time.Minute)
	engine.createErr = &ari.EngineError{Status: 503, Body: "Allocation failed"}
	ctx := context.Background()

	o.HandleEvent(ctx, stasisStart("CH1"))

	if pusher.count() != 0 {
		t.Errorf("pushes = %d, want 0 when bridge creation fails", pusher.count())
	}
	if _, ok := store.keyWithPrefix("originate:"); ok {
		t.Error("no pending-originate record should exist")
	}
	// The call record is present but harmless; TTL will clear it.
	if _, ok := store.keyWithPrefix("call:"); !ok {
		t.Error("call record should remain for TTL expiry")
	}
}

func TestRealtimeFailureAbortsBeforePush(t *testing.T) {
	o, _, store, dir, pusher := newTestOrchestrator(time.Minute)
	dir.createErr = errors.New("postgres down")
	ctx := context.Background()

	o.HandleEvent(ctx, stasisStart("CH1"))

	if pusher.count() != 0 {
		t.Errorf("pushes = %d, want 0 when realtime store fails", pusher.count())
	}
	if _, ok := store.keyWithPrefix("call:"); ok {
		t.Error("no call record should be written when endpoint creation fails")
	}
}

func TestPushFailureIsNonFatal(t *testing.T) {
	o, _, store, _, pusher := newTestOrchestrator(time.Minute)
	pusher.err = &push.SendError{Failed: 1, Total: 1, First: errors.New("vendor down")}
	ctx := context.Background()

	o.HandleEvent(ctx, stasisStart("CH1"))

	// The ring continues: records exist and the originate lease is armed.
	if _, ok := store.keyWithPrefix("call:"); !ok {
		t.Error("call record missing")
	}
	if _, ok := store.keyWithPrefix("originate:tmp_"); !ok {
		t.Error("pending-originate record missing")
	}
}

func TestStasisEndCleansUp(t *testing.T) {
	o, engine, store, dir, _ := newTestOrchestrator(time.Minute)
	ctx := context.Background()

	o.HandleEvent(ctx, stasisStart("CH1"))

	origKey, _ := store.keyWithPrefix("originate:tmp_")
	endpointID := strings.TrimPrefix(origKey, "originate:")
	o.HandleEvent(ctx, endpointOnline(endpointID))
	o.HandleEvent(ctx, stasisStart("CH2", "outgoing", "B1"))

	// Doorphone hangs up.
	o.HandleEvent(ctx, ari.Event{Type: ari.EventStasisEnd, Channel: &ari.Channel{ID: "CH1"}})

	snap := engine.snapshot()
	if len(snap.hangups) != 1 || snap.hangups[0] != "CH2" {
		t.Errorf("hangups = %v, want remaining leg CH2", snap.hangups)
	}
	if len(snap.deletedBridges) != 1 || snap.deletedBridges[0] != "B1" {
		t.Errorf("deletedBridges = %v, want [B1]", snap.deletedBridges)
	}

	dir.mu.Lock()
	deleted := append([]string(nil), dir.deleted...)
	dir.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != endpointID {
		t.Errorf("deleted endpoints = %v, want [%s]", deleted, endpointID)
	}
}

func TestResolveCredentials(t *testing.T) {
	o, _, store, _, _ := newTestOrchestrator(time.Minute)
	ctx := context.Background()

	o.HandleEvent(ctx, stasisStart("CH1"))

	callKey, _ := store.keyWithPrefix("call:")
	token := strings.TrimPrefix(callKey, "call:")

	creds, err := o.ResolveCredentials(ctx, token)
	if err != nil {
		t.Fatalf("ResolveCredentials: %v", err)
	}
	if !strings.HasPrefix(creds.Username, "tmp_") {
		t.Errorf("username = %q, want tmp_ prefix", creds.Username)
	}
	if creds.Domain != "door.example.com" || creds.ServerIP != "203.0.113.10" {
		t.Errorf("credentials = %+v", creds)
	}

	if _, err := o.ResolveCredentials(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown token = %v, want ErrNotFound", err)
	}
}

func TestMintAndCleanupOutgoing(t *testing.T) {
	o, _, store, dir, _ := newTestOrchestrator(time.Minute)
	ctx := context.Background()

	creds, err := o.MintOutgoing(ctx)
	if err != nil {
		t.Fatalf("MintOutgoing: %v", err)
	}
	if !strings.HasPrefix(creds.Username, "out_") {
		t.Errorf("username = %q, want out_ prefix", creds.Username)
	}
	if !store.has(kv.OutgoingKey(creds.OutgoingToken)) {
		t.Error("outgoing record missing")
	}
	if !store.has(kv.EndpointKey(creds.Username)) {
		t.Error("endpoint record missing")
	}

	dir.mu.Lock()
	_, created := dir.endpoints[creds.Username]
	dir.mu.Unlock()
	if !created {
		t.Error("realtime endpoint rows not created")
	}

	if err := o.CleanupOutgoing(ctx, creds.OutgoingToken); err != nil {
		t.Fatalf("CleanupOutgoing: %v", err)
	}
	if store.has(kv.OutgoingKey(creds.OutgoingToken)) {
		t.Error("outgoing record not deleted")
	}
	if err := o.CleanupOutgoing(ctx, creds.OutgoingToken); !errors.Is(err, ErrNotFound) {
		t.Errorf("second cleanup = %v, want ErrNotFound", err)
	}
}

func TestOutgoingJoinRetriesOnce(t *testing.T) {
	o, engine, _, _, _ := newTestOrchestrator(time.Minute)
	ctx := context.Background()

	// Seed a bridge; the first add-to-bridge attempt fails, the retry
	// succeeds.
	bridgeID, _ := engine.CreateBridge(ctx)
	engine.mu.Lock()
	engine.addChannelFailures = 1
	engine.mu.Unlock()

	o.HandleEvent(ctx, stasisStart("CH9", "outgoing", bridgeID))

	snap := engine.snapshot()
	if len(snap.addChannels) != 1 || snap.addChannels[0] != bridgeID+"/CH9" {
		t.Errorf("addChannels = %v, want one successful retry", snap.addChannels)
	}
}
