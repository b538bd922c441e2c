package janitor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/doorlink/doorlink/internal/kv"
)

// memStore is a minimal in-memory SessionStore.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) set(key string, v any) {
	data, _ := json.Marshal(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
}

func (s *memStore) GetJSON(ctx context.Context, key string, dst any) error {
	s.mu.Lock()
	data, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return kv.ErrNotFound
	}
	return json.Unmarshal(data, dst)
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// memDirectory lists and deletes endpoint ids.
type memDirectory struct {
	mu      sync.Mutex
	ids     []string
	deleted []string
}

func (d *memDirectory) ListEphemeralEndpoints(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...), nil
}

func (d *memDirectory) DeleteEphemeralEndpoint(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, id)
	return nil
}

// recordingOriginator counts TryOriginate calls per endpoint.
type recordingOriginator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingOriginator) TryOriginate(ctx context.Context, endpointID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, endpointID)
	return nil
}

func TestSweepDeletesExpiredEndpoints(t *testing.T) {
	store := newMemStore()
	dir := &memDirectory{ids: []string{"tmp_live", "tmp_dead", "out_orphan"}}
	j := New(store, dir, &recordingOriginator{})

	// tmp_live has a live endpoint record and a live call record.
	store.set(kv.EndpointKey("tmp_live"), kv.EndpointRecord{Kind: kv.EndpointKindCall, Token: "tok-live"})
	store.set(kv.CallKey("tok-live"), map[string]string{"callId": "c1"})
	// tmp_dead has no endpoint record at all.
	// out_orphan has an endpoint record but its outgoing record expired.
	store.set(kv.EndpointKey("out_orphan"), kv.EndpointRecord{Kind: kv.EndpointKindOutgoing, Token: "tok-gone"})

	j.SweepEndpoints(context.Background())

	dir.mu.Lock()
	deleted := append([]string(nil), dir.deleted...)
	dir.mu.Unlock()

	if len(deleted) != 2 {
		t.Fatalf("deleted = %v, want tmp_dead and out_orphan", deleted)
	}
	got := map[string]bool{deleted[0]: true, deleted[1]: true}
	if !got["tmp_dead"] || !got["out_orphan"] {
		t.Errorf("deleted = %v, want tmp_dead and out_orphan", deleted)
	}
	if j.SweptEndpoints.Load() != 2 {
		t.Errorf("SweptEndpoints = %d, want 2", j.SweptEndpoints.Load())
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	store := newMemStore()
	dir := &memDirectory{ids: []string{"tmp_dead"}}
	j := New(store, dir, &recordingOriginator{})

	j.SweepEndpoints(context.Background())
	j.SweepEndpoints(context.Background())

	// Second pass deletes again (rows may have been recreated), which is
	// harmless: DeleteEphemeralEndpoint is safe on missing ids.
	dir.mu.Lock()
	n := len(dir.deleted)
	dir.mu.Unlock()
	if n != 2 {
		t.Errorf("deletes = %d, want 2 no-op-safe deletes", n)
	}
}

func TestRetryOriginatesOnlyInboundEndpoints(t *testing.T) {
	store := newMemStore()
	dir := &memDirectory{ids: []string{"tmp_a", "out_b", "tmp_c"}}
	orig := &recordingOriginator{}
	j := New(store, dir, orig)

	j.RetryOriginates(context.Background())

	orig.mu.Lock()
	calls := append([]string(nil), orig.calls...)
	orig.mu.Unlock()

	if len(calls) != 2 || calls[0] != "tmp_a" || calls[1] != "tmp_c" {
		t.Errorf("TryOriginate calls = %v, want [tmp_a tmp_c]", calls)
	}
}
