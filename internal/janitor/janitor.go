// Package janitor reconciles realtime endpoint rows against the live
// session records and retries pending originates. Both sweeps are
// idempotent; the KV records act as single-writer leases, so running
// concurrently with the event handler is safe.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/doorlink/doorlink/internal/kv"
)

// Default sweep intervals.
const (
	DefaultSweepInterval = 60 * time.Second
	DefaultRetryInterval = 2 * time.Second
)

// SessionStore is the slice of the KV surface the janitor reads.
type SessionStore interface {
	GetJSON(ctx context.Context, key string, dst any) error
	Delete(ctx context.Context, key string) error
}

// Directory lists and deletes realtime endpoint rows.
type Directory interface {
	ListEphemeralEndpoints(ctx context.Context) ([]string, error)
	DeleteEphemeralEndpoint(ctx context.Context, id string) error
}

// Originator retries pending originates; implemented by the orchestrator.
type Originator interface {
	TryOriginate(ctx context.Context, endpointID string) error
}

// Janitor owns the two periodic reconciliation tasks.
type Janitor struct {
	store      SessionStore
	dir        Directory
	originator Originator

	// SweptEndpoints counts realtime rows deleted by the stale sweep.
	SweptEndpoints atomic.Int64
}

// New creates a Janitor.
func New(store SessionStore, dir Directory, originator Originator) *Janitor {
	return &Janitor{store: store, dir: dir, originator: originator}
}

// StartEndpointSweeper runs the stale-endpoint sweep every interval until
// ctx is cancelled.
func (j *Janitor) StartEndpointSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.SweepEndpoints(ctx)
			}
		}
	}()
}

// StartOriginateRetrier runs the pending-originate retry loop every
// interval until ctx is cancelled.
func (j *Janitor) StartOriginateRetrier(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RetryOriginates(ctx)
			}
		}
	}()
}

// SweepEndpoints removes realtime rows for disposable endpoints whose
// session records have expired. A row survives only if its endpoint
// record is live AND the token record that endpoint points at still
// exists.
func (j *Janitor) SweepEndpoints(ctx context.Context) {
	ids, err := j.dir.ListEphemeralEndpoints(ctx)
	if err != nil {
		slog.Error("janitor: listing ephemeral endpoints failed", "error", err)
		return
	}

	removed := 0
	for _, id := range ids {
		stale, err := j.endpointIsStale(ctx, id)
		if err != nil {
			slog.Warn("janitor: checking endpoint failed", "endpoint_id", id, "error", err)
			continue
		}
		if !stale {
			continue
		}
		if err := j.dir.DeleteEphemeralEndpoint(ctx, id); err != nil {
			slog.Warn("janitor: deleting stale endpoint failed", "endpoint_id", id, "error", err)
			continue
		}
		removed++
		j.SweptEndpoints.Add(1)
	}

	if removed > 0 {
		slog.Info("janitor: removed stale endpoints", "count", removed)
	}
}

// endpointIsStale reports whether the realtime rows for id have no live
// owner left in the session store.
func (j *Janitor) endpointIsStale(ctx context.Context, id string) (bool, error) {
	var ep kv.EndpointRecord
	err := j.store.GetJSON(ctx, kv.EndpointKey(id), &ep)
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	// The endpoint record is live; verify the session it points at is too.
	tokenKey := kv.CallKey(ep.Token)
	if ep.Kind == kv.EndpointKindOutgoing {
		tokenKey = kv.OutgoingKey(ep.Token)
	}

	var probe map[string]any
	err = j.store.GetJSON(ctx, tokenKey, &probe)
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// RetryOriginates attempts the pending originate for every disposable
// inbound endpoint that still holds a lease. Failures are swallowed; the
// next tick or the event path will try again.
func (j *Janitor) RetryOriginates(ctx context.Context) {
	ids, err := j.dir.ListEphemeralEndpoints(ctx)
	if err != nil {
		slog.Debug("janitor: listing endpoints for originate retry failed", "error", err)
		return
	}

	for _, id := range ids {
		if !strings.HasPrefix(id, kv.TmpEndpointPrefix) {
			continue
		}
		if err := j.originator.TryOriginate(ctx, id); err != nil {
			slog.Debug("janitor: originate retry failed", "endpoint_id", id, "error", err)
		}
	}
}
