package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred/iptv-proxy/internal/kv"
	"github.com/adred/iptv-proxy/internal/model"
)

// clientTTL is how long a client's KV hash survives without being touched.
// On a live worker, a client whose streamer stops touching its record is
// dropped from both the local map and the KV set within one sweep interval
// plus this TTL. A dead worker's members stay in the KV set; only their
// per-client hashes expire.
const clientTTL = 30 * time.Second

// Registry tracks a channel's connected clients, both in the local worker
// process (for an O(1) local count) and in the KV store (for the
// cross-worker global count spec.md §4.3 requires).
//
// Grounded on go-server/pkg/websocket/hub.go's Hub: a map mutated only
// through register/unregister-shaped calls, plus a periodic sweeper
// goroutine (there, cleanupNonces; here, expiring stale clients).
type Registry struct {
	channelID string
	workerID  string
	store     kv.Store
	logger    *zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*model.Client
}

// NewRegistry constructs a registry for one channel on this worker.
func NewRegistry(channelID, workerID string, store kv.Store, logger *zerolog.Logger) *Registry {
	return &Registry{
		channelID: channelID,
		workerID:  workerID,
		store:     store,
		clients:   make(map[string]*model.Client),
		logger:    logger,
	}
}

// Add registers a new client both locally and in the KV store.
func (r *Registry) Add(ctx context.Context, clientID string) (*model.Client, error) {
	now := time.Now()
	c := &model.Client{
		ID:          clientID,
		ChannelID:   r.channelID,
		WorkerID:    r.workerID,
		ConnectedAt: now,
		LastSeenAt:  now,
	}

	r.mu.Lock()
	r.clients[clientID] = c
	r.mu.Unlock()

	if r.store == nil {
		return c, nil
	}

	setKey := fmt.Sprintf("clients:%s", r.channelID)
	if err := r.store.SetAdd(ctx, setKey, clientID); err != nil {
		return c, fmt.Errorf("registry %s: add to set: %w", r.channelID, err)
	}
	if err := r.writeHash(ctx, c); err != nil {
		return c, err
	}
	return c, nil
}

// Touch refreshes a client's last-seen timestamp and cursor, keeping its
// KV TTL alive.
func (r *Registry) Touch(ctx context.Context, clientID string, cursor uint64) error {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		c.LastSeenAt = time.Now()
		c.Cursor = cursor
	}
	r.mu.Unlock()

	if !ok || r.store == nil {
		return nil
	}
	return r.writeHash(ctx, c)
}

func (r *Registry) writeHash(ctx context.Context, c *model.Client) error {
	key := fmt.Sprintf("client:%s:%s", r.channelID, c.ID)
	fields := map[string]string{
		"worker_id":    c.WorkerID,
		"cursor":       fmt.Sprintf("%d", c.Cursor),
		"connected_at": c.ConnectedAt.Format(time.RFC3339Nano),
		"last_seen_at": c.LastSeenAt.Format(time.RFC3339Nano),
	}
	if err := r.store.HashSet(ctx, key, fields, clientTTL); err != nil {
		return fmt.Errorf("registry %s: write client hash %s: %w", r.channelID, c.ID, err)
	}
	return nil
}

// Remove deregisters a client locally and from the KV store.
func (r *Registry) Remove(ctx context.Context, clientID string) error {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}

	setKey := fmt.Sprintf("clients:%s", r.channelID)
	if err := r.store.SetRemove(ctx, setKey, clientID); err != nil {
		return fmt.Errorf("registry %s: remove from set: %w", r.channelID, err)
	}
	return nil
}

// Sweep drops locally-tracked clients that have not been touched within
// clientTTL, matching the TTL their KV hash would have already expired
// under. It should be invoked periodically by the channel's sweeper timer.
func (r *Registry) Sweep(ctx context.Context) (removed []string) {
	cutoff := time.Now().Add(-clientTTL)

	r.mu.Lock()
	for id, c := range r.clients {
		if c.LastSeenAt.Before(cutoff) {
			delete(r.clients, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		if r.store != nil {
			setKey := fmt.Sprintf("clients:%s", r.channelID)
			if err := r.store.SetRemove(ctx, setKey, id); err != nil && r.logger != nil {
				r.logger.Warn().Err(err).Str("channel", r.channelID).Str("client", id).Msg("sweep: failed to remove stale client from kv set")
			}
		}
	}

	return removed
}

// LocalCount returns the number of clients connected to this worker.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GlobalCount returns the number of clients connected across every worker,
// by way of the KV set. It falls back to LocalCount if the store is
// unavailable (the memory-only degrade path from spec.md §7).
func (r *Registry) GlobalCount(ctx context.Context) (int, error) {
	if r.store == nil {
		return r.LocalCount(), nil
	}
	setKey := fmt.Sprintf("clients:%s", r.channelID)
	members, err := r.store.SetMembers(ctx, setKey)
	if err != nil {
		return r.LocalCount(), fmt.Errorf("registry %s: global count: %w", r.channelID, err)
	}
	return len(members), nil
}
