// Package stream implements the channel-centric heart of the proxy: the
// Chunk Buffer (buffer.go), the Client Registry (registry.go), the owner's
// Stream Manager (manager.go), the per-client read loop (streamer.go), and
// here, Core — the struct that replaces the teacher's package-level
// globals (spec.md §9's design note) by holding every live channel's state
// and being passed explicitly to the HTTP layer instead of reached for
// through package scope.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred/iptv-proxy/internal/config"
	"github.com/adred/iptv-proxy/internal/eventbus"
	"github.com/adred/iptv-proxy/internal/kv"
	"github.com/adred/iptv-proxy/internal/metrics"
	"github.com/adred/iptv-proxy/internal/model"
)

// channelEntry is one channel's live state on this worker, whether this
// worker owns it or only follows it as a fan-out reader.
type channelEntry struct {
	mu      sync.Mutex
	channel model.Channel

	buffer   *ChunkBuffer
	registry *Registry
	manager  *Manager // nil on a follower worker

	owner         bool
	heartbeatStop chan struct{}
	sweeperStop   chan struct{}
	shutdownTimer *time.Timer
}

// Core is the single per-worker object holding every channel this worker
// knows about. It is constructed once in cmd/proxy/main.go and threaded
// explicitly into the HTTP layer — never reached for
// through a package-level variable, per spec.md §9.
type Core struct {
	cfg      *config.Config
	store    kv.Store
	bus      *eventbus.Bus
	logger   zerolog.Logger
	workerID string
	limiter  *rate.Limiter
	metrics  *metrics.Metrics

	onHealthChange func(channelID string, healthy bool)

	mu       sync.RWMutex
	channels map[string]*channelEntry
	creating map[string]chan struct{} // channelID -> closed when its creation finishes

	kvFailures int64
	kvDegraded int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCore constructs a Core. workerID identifies this process in the
// ownership protocol (spec.md §4.5); it should be stable for the process
// lifetime but need not survive a restart.
func NewCore(cfg *config.Config, store kv.Store, bus *eventbus.Bus, m *metrics.Metrics, workerID string, logger zerolog.Logger) *Core {
	ctx, cancel := context.WithCancel(context.Background())

	// The KV chunk-write throttle from DESIGN.md's Open Question (a):
	// pace write-throughs to roughly what the configured target bitrate
	// implies, so a saturated store sheds load by slowing writes rather
	// than by an unbounded batching buffer.
	bytesPerSec := float64(cfg.TargetBitrateKbps) * 1000 / 8
	chunksPerSec := bytesPerSec / float64(maxReadBurst)
	if chunksPerSec < 1 {
		chunksPerSec = 1
	}
	limiter := rate.NewLimiter(rate.Limit(chunksPerSec*2), int(chunksPerSec)+1)

	return &Core{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		metrics:  m,
		workerID: workerID,
		logger:   logger,
		limiter:  limiter,
		channels: make(map[string]*channelEntry),
		creating: make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func metadataKey(channelID string) string { return fmt.Sprintf("metadata:%s", channelID) }
func ownerKey(channelID string) string     { return fmt.Sprintf("owner:%s", channelID) }
func switchRequestKey(channelID string) string {
	return fmt.Sprintf("switch_request:%s", channelID)
}

// EnsureChannel idempotently creates or joins a channel. Concurrent callers
// racing on the same channelID converge on exactly one owner: the KV
// AcquireLock's atomic set-if-absent is the single cross-worker arbitration
// point, per spec.md's testable property. Within a single worker, a
// per-channel creation gate (c.creating) serializes the callers that race
// here too — without it, N simultaneous first-viewers of a brand-new
// channel would each pass the exists-check, each build a full channelEntry
// and start their own Manager/heartbeat/sweeper goroutines, and the last
// write to c.channels would silently orphan every loser's goroutines.
func (c *Core) EnsureChannel(ctx context.Context, channelID, url, userAgent string, transcodeCmd []string) (*model.Channel, error) {
	for {
		c.mu.Lock()
		if entry, exists := c.channels[channelID]; exists {
			c.mu.Unlock()
			entry.mu.Lock()
			ch := entry.channel
			entry.mu.Unlock()
			return &ch, nil
		}

		if gate, inFlight := c.creating[channelID]; inFlight {
			c.mu.Unlock()
			select {
			case <-gate:
				continue // the winner published c.channels[channelID]; re-check it
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		gate := make(chan struct{})
		c.creating[channelID] = gate
		c.mu.Unlock()

		ch, err := c.createChannel(ctx, channelID, url, userAgent, transcodeCmd)

		c.mu.Lock()
		delete(c.creating, channelID)
		c.mu.Unlock()
		close(gate)

		return ch, err
	}
}

// createChannel runs the one-time side-effecting channel creation path:
// acquiring (or losing) the ownership lock, and starting the Manager plus
// heartbeat/sweeper goroutines if this worker wins it. EnsureChannel holds
// c.creating[channelID] as a gate for the duration of this call, so only
// one goroutine per worker ever runs it for a given channel ID.
func (c *Core) createChannel(ctx context.Context, channelID, url, userAgent string, transcodeCmd []string) (*model.Channel, error) {
	acquired, err := c.store.AcquireLock(ctx, ownerKey(channelID), c.workerID, c.cfg.OwnerLockTTL)
	if err != nil {
		return nil, fmt.Errorf("ensure channel %s: acquire ownership: %w", channelID, err)
	}

	entry := &channelEntry{
		channel: model.Channel{
			ID:        channelID,
			URL:       url,
			UserAgent: userAgent,
			State:     model.ChannelInitializing,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
		registry: NewRegistry(channelID, c.workerID, c.store, &c.logger),
	}

	if !acquired {
		// Someone else owns this channel; join as a follower. Read the
		// metadata they published so our local view (URL, state) starts
		// accurate instead of stale; initializing is only the fallback for
		// metadata that hasn't landed in the store yet.
		if fields, found, err := c.store.HashGetAll(ctx, metadataKey(channelID)); err == nil && found {
			entry.channel.URL = fields["url"]
			entry.channel.UserAgent = fields["user_agent"]
			entry.channel.Owner = fields["owner"]
			entry.channel.State = model.ChannelState(fields["state"])
		}
		entry.buffer = NewChunkBuffer(channelID, c.store, c.cfg.RedisChunkTTL, nil, &c.logger)
		entry.buffer.SetKVResultHook(c.recordKVResult)
		entry.owner = false
		entry.sweeperStop = make(chan struct{})
		c.wg.Add(1)
		go c.sweeperLoop(entry)
	} else {
		entry.channel.Owner = c.workerID
		entry.channel.State = model.ChannelConnecting
		entry.owner = true
		if c.metrics != nil {
			c.metrics.IncOwnershipAcquired()
		}
		entry.buffer = NewChunkBuffer(channelID, c.store, c.cfg.RedisChunkTTL, c.limiter, &c.logger)
		entry.buffer.SetKVResultHook(c.recordKVResult)
		entry.manager = NewManager(channelID, entry.buffer, c.cfg.StreamTimeout, c.cfg.MaxRetries, c.logger, func(healthy bool) {
			if c.onHealthChange != nil {
				c.onHealthChange(channelID, healthy)
			}
		})
		entry.manager.Start(c.ctx, url, userAgent, transcodeCmd)
		entry.heartbeatStop = make(chan struct{})
		entry.sweeperStop = make(chan struct{})

		c.writeMetadata(ctx, &entry.channel)
		c.wg.Add(1)
		go c.ownerHeartbeatLoop(entry)
		c.wg.Add(1)
		go c.sweeperLoop(entry)

		if err := c.bus.Subscribe(channelID, func(ev model.Event) {
			c.handleEvent(entry, ev)
		}); err != nil {
			c.logger.Warn().Err(err).Str("channel", channelID).Msg("owner failed to subscribe to event bus")
		}
	}

	c.mu.Lock()
	c.channels[channelID] = entry
	c.mu.Unlock()
	c.recordChannelGauges()

	ch := entry.channel
	return &ch, nil
}

func (c *Core) writeMetadata(ctx context.Context, ch *model.Channel) {
	ch.UpdatedAt = time.Now()
	fields := map[string]string{
		"url":          ch.URL,
		"user_agent":   ch.UserAgent,
		"state":        string(ch.State),
		"owner":        ch.Owner,
		"buffer_index": fmt.Sprintf("%d", ch.BufferIndex),
		"created_at":   ch.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   ch.UpdatedAt.Format(time.RFC3339Nano),
	}
	err := c.store.HashSet(ctx, metadataKey(ch.ID), fields, c.cfg.OwnerLockTTL*4)
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", ch.ID).Msg("failed to write channel metadata")
	}
	c.recordKVResult(err)
}

// recordKVResult tracks consecutive KV failures across every channel this
// worker serves. Once the run reaches cfg.KVFailureThreshold it logs once
// and flips into a degraded state (spec.md §7: continue serving purely from
// local ChunkBuffer/Registry state, accepting that cross-worker fan-out and
// failover stop working until the store recovers); a single success resets
// the run and, if it was degraded, logs the recovery.
func (c *Core) recordKVResult(err error) {
	if err == nil {
		if prev := atomic.SwapInt64(&c.kvFailures, 0); prev >= int64(c.cfg.KVFailureThreshold) {
			if atomic.CompareAndSwapInt32(&c.kvDegraded, 1, 0) {
				c.logger.Info().Msg("coordination store reachable again, resuming cross-worker sync")
			}
		}
		return
	}

	if c.metrics != nil {
		c.metrics.RecordKVError("coordination")
	}

	n := atomic.AddInt64(&c.kvFailures, 1)
	if n >= int64(c.cfg.KVFailureThreshold) {
		if atomic.CompareAndSwapInt32(&c.kvDegraded, 0, 1) {
			c.logger.Error().Err(err).Int64("consecutive_failures", n).
				Msg("coordination store unreachable past threshold, degrading to memory-only serving")
		}
	}
}

// KVDegraded reports whether this worker has crossed the consecutive-KV-
// failure threshold and is currently serving purely from local state.
func (c *Core) KVDegraded() bool {
	return atomic.LoadInt32(&c.kvDegraded) == 1
}

// AmOwner reports whether this worker currently owns channelID.
func (c *Core) AmOwner(channelID string) bool {
	c.mu.RLock()
	entry, ok := c.channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.owner
}

// ownerHeartbeatLoop renews the ownership lock every TTL/3 (spec.md §4.5).
// A failed renewal means another worker has already taken over (this
// worker stalled past the lock TTL); this worker demotes itself, stopping
// its fetch loop but leaving the chunk buffer in place for the remainder
// of the chunk TTL window so any client still reading from it locally is
// not cut off mid-read.
func (c *Core) ownerHeartbeatLoop(entry *channelEntry) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-entry.heartbeatStop:
			return
		case <-ticker.C:
			ok, err := c.store.RenewLock(c.ctx, ownerKey(entry.channel.ID), c.workerID, c.cfg.OwnerLockTTL)
			if err != nil {
				c.logger.Warn().Err(err).Str("channel", entry.channel.ID).Msg("ownership heartbeat renewal failed")
				continue
			}
			if !ok {
				c.logger.Warn().Str("channel", entry.channel.ID).Msg("lost channel ownership, demoting")
				if c.metrics != nil {
					c.metrics.IncOwnershipLost()
				}
				entry.mu.Lock()
				entry.owner = false
				mgr := entry.manager
				entry.manager = nil
				entry.mu.Unlock()
				if mgr != nil {
					mgr.Stop()
				}
				return
			}
			c.publishHeartbeat(entry.channel.ID)
			c.refreshMetadataState(entry)
		}
	}
}

// refreshMetadataState recomputes this owner's effective channel state and
// writes it to the metadata KV record, so followers' periodic state polls
// (pollState) observe real connecting→waiting_for_clients→active
// transitions instead of the value captured at channel creation.
func (c *Core) refreshMetadataState(entry *channelEntry) {
	state, _, ok := c.pollState(c.ctx, entry)
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.channel.State = state
	ch := entry.channel
	entry.mu.Unlock()
	c.writeMetadata(c.ctx, &ch)
}

// pollState resolves a channel's current lifecycle state (model.
// ChannelState): from the owner's live Manager if this worker owns it,
// otherwise by re-reading the metadata KV record, since a follower's local
// copy is only as fresh as the moment it joined. Grounded on views.py's
// stream_ts follower wait loop, which re-fetches the Redis metadata hash
// on every poll rather than trusting a cached value. shouldRetry is only
// meaningful when ok is true and the caller owns the channel (mgr != nil);
// followers get shouldRetry=true unconditionally since only the owner's
// Manager knows its own retry budget.
func (c *Core) pollState(ctx context.Context, entry *channelEntry) (state model.ChannelState, shouldRetry bool, ok bool) {
	entry.mu.Lock()
	mgr := entry.manager
	channelID := entry.channel.ID
	entry.mu.Unlock()

	if mgr != nil {
		switch mgr.State() {
		case model.ChannelError:
			return model.ChannelError, mgr.ShouldRetry(), true
		case model.ChannelStopped:
			return model.ChannelStopped, false, true
		}
		if !mgr.Connected() {
			return model.ChannelConnecting, mgr.ShouldRetry(), true
		}
		global, _ := entry.registry.GlobalCount(ctx)
		if global == 0 {
			return model.ChannelWaitingForClients, true, true
		}
		return model.ChannelActive, true, true
	}

	fields, found, err := c.store.HashGetAll(ctx, metadataKey(channelID))
	if err != nil || !found {
		return "", true, false
	}
	return model.ChannelState(fields["state"]), true, true
}

// sweeperLoop periodically drops clients this worker's Registry hasn't
// heard from within clientTTL, on every worker that tracks the channel
// (not just the owner) since each worker's Registry only knows about the
// clients connected to itself.
func (c *Core) sweeperLoop(entry *channelEntry) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ClientCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-entry.sweeperStop:
			return
		case <-ticker.C:
			removed := entry.registry.Sweep(c.ctx)
			if len(removed) > 0 {
				c.logger.Debug().Str("channel", entry.channel.ID).Int("count", len(removed)).Msg("swept stale clients")
				c.maybeScheduleShutdown(entry)
			}
		}
	}
}

func (c *Core) publishHeartbeat(channelID string) {
	_ = c.bus.Publish(model.Event{
		Kind:      model.EventOwnerHeartbeat,
		ChannelID: channelID,
		WorkerID:  c.workerID,
		Timestamp: time.Now(),
	})
}

// handleEvent reacts to an event this channel's event bus subscription
// received. Only the owner subscribes (EnsureChannel only wires Subscribe
// on the acquired branch), so this always runs on the owning worker.
func (c *Core) handleEvent(entry *channelEntry, ev model.Event) {
	switch ev.Kind {
	case model.EventStreamSwitch:
		var payload model.StreamSwitchPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			c.logger.Warn().Err(err).Str("channel", entry.channel.ID).Msg("failed to decode stream_switch payload")
			return
		}
		entry.mu.Lock()
		mgr := entry.manager
		entry.mu.Unlock()
		if mgr != nil {
			mgr.UpdateURL(payload.URL, payload.UserAgent)
		}
	case model.EventStopChannel:
		c.StopChannel(c.ctx, entry.channel.ID)
	}
}

// ChangeStream implements the POST /change_stream/{channel} operation
// (spec.md §6): if this worker owns the channel, it updates the Stream
// Manager directly (the same-worker shortcut spec.md §4.7 calls for);
// otherwise it writes the new URL into metadata, leaves a short-lived
// switch_request hint, and publishes a stream_switch event for the owner
// to pick up.
func (c *Core) ChangeStream(ctx context.Context, channelID, url, userAgent string) (*model.Channel, error) {
	c.mu.RLock()
	entry, ok := c.channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}

	entry.mu.Lock()
	entry.channel.URL = url
	entry.channel.UserAgent = userAgent
	isOwner := entry.owner
	mgr := entry.manager
	ch := entry.channel
	entry.mu.Unlock()

	if isOwner && mgr != nil {
		mgr.UpdateURL(url, userAgent)
		c.writeMetadata(ctx, &ch)
		return &ch, nil
	}

	c.writeMetadata(ctx, &ch)
	if err := c.store.BlobSet(ctx, switchRequestKey(channelID), []byte(url), 30*time.Second); err != nil {
		c.logger.Warn().Err(err).Str("channel", channelID).Msg("failed to write switch_request hint")
	}

	payload, _ := json.Marshal(model.StreamSwitchPayload{URL: url, UserAgent: userAgent})
	if err := c.bus.Publish(model.Event{
		Kind:      model.EventStreamSwitch,
		ChannelID: channelID,
		WorkerID:  c.workerID,
		Timestamp: time.Now(),
		Payload:   payload,
	}); err != nil {
		return nil, fmt.Errorf("change stream %s: publish: %w", channelID, err)
	}

	return &ch, nil
}

// StopChannel tears down a channel on this worker: stops the fetch loop
// (if owner), unsubscribes from events, and removes it from the live map.
func (c *Core) StopChannel(ctx context.Context, channelID string) error {
	c.mu.Lock()
	entry, ok := c.channels[channelID]
	if ok {
		delete(c.channels, channelID)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	mgr := entry.manager
	isOwner := entry.owner
	if entry.heartbeatStop != nil {
		close(entry.heartbeatStop)
	}
	if entry.sweeperStop != nil {
		close(entry.sweeperStop)
	}
	if entry.shutdownTimer != nil {
		entry.shutdownTimer.Stop()
	}
	entry.mu.Unlock()

	if mgr != nil {
		mgr.Stop()
	}
	if err := c.bus.Unsubscribe(channelID); err != nil {
		c.logger.Warn().Err(err).Str("channel", channelID).Msg("unsubscribe on stop failed")
	}
	if isOwner {
		if err := c.store.ReleaseLock(ctx, ownerKey(channelID), c.workerID); err != nil {
			c.logger.Warn().Err(err).Str("channel", channelID).Msg("failed to release ownership lock on stop")
		}
	}
	c.recordChannelGauges()

	return nil
}

// recordChannelGauges refreshes the channel-count gauges after the live
// channel map changes. Called with c.mu already released, since it takes
// its own read lock.
func (c *Core) recordChannelGauges() {
	if c.metrics == nil {
		return
	}
	c.mu.RLock()
	total := len(c.channels)
	owned := 0
	for _, entry := range c.channels {
		entry.mu.Lock()
		if entry.owner {
			owned++
		}
		entry.mu.Unlock()
	}
	c.mu.RUnlock()
	c.metrics.SetChannelsActive(total)
	c.metrics.SetChannelsOwned(owned)
}

// maybeScheduleShutdown starts the channel_shutdown_delay grace timer when
// the global client count reaches zero, per spec.md §4.5, and cancels a
// pending timer when called while clients remain. When the timer fires it
// re-reads the global count and stops the channel only if it is still zero.
func (c *Core) maybeScheduleShutdown(entry *channelEntry) {
	count, err := entry.registry.GlobalCount(c.ctx)
	if err != nil {
		c.logger.Warn().Err(err).Str("channel", entry.channel.ID).Msg("global count check failed during shutdown scheduling")
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if count > 0 {
		if entry.shutdownTimer != nil {
			entry.shutdownTimer.Stop()
			entry.shutdownTimer = nil
		}
		return
	}

	if !entry.owner || entry.shutdownTimer != nil {
		return
	}

	channelID := entry.channel.ID
	entry.shutdownTimer = time.AfterFunc(c.cfg.ChannelShutdownDelay, func() {
		entry.mu.Lock()
		entry.shutdownTimer = nil
		entry.mu.Unlock()
		n, err := entry.registry.GlobalCount(c.ctx)
		if err == nil && n == 0 {
			_ = c.StopChannel(c.ctx, channelID)
		}
	})
}

// Shutdown stops every channel this worker owns or follows and releases
// its resources. It mirrors go-server/internal/server/server.go's
// cancel-then-wait-group-drain sequence.
func (c *Core) Shutdown(ctx context.Context) error {
	c.cancel()

	c.mu.Lock()
	ids := make([]string, 0, len(c.channels))
	for id := range c.channels {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.StopChannel(ctx, id)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		c.logger.Warn().Msg("shutdown timed out waiting for background loops")
	}

	return nil
}

// StatusAll returns a summary of every channel this worker knows about,
// for GET /status/.
func (c *Core) StatusAll(ctx context.Context) []ChannelStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ChannelStatus, 0, len(c.channels))
	for _, entry := range c.channels {
		out = append(out, c.statusFor(ctx, entry))
	}
	return out
}

// Status returns a single channel's detailed status, for
// GET /status/{channel}.
func (c *Core) Status(ctx context.Context, channelID string) (*ChannelStatus, error) {
	c.mu.RLock()
	entry, ok := c.channels[channelID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channel %s not found", channelID)
	}
	s := c.statusFor(ctx, entry)
	return &s, nil
}

// ChannelStatus is the JSON shape returned by the status endpoints.
type ChannelStatus struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	State         string `json:"state"`
	Owner         string `json:"owner"`
	IsOwner       bool   `json:"is_owner"`
	BufferIndex   uint64 `json:"buffer_index"`
	LocalClients  int    `json:"local_clients"`
	GlobalClients int    `json:"global_clients"`
	Healthy       bool   `json:"healthy"`
}

func (c *Core) statusFor(ctx context.Context, entry *channelEntry) ChannelStatus {
	entry.mu.Lock()
	ch := entry.channel
	isOwner := entry.owner
	mgr := entry.manager
	entry.mu.Unlock()

	latest, _ := entry.buffer.LatestIndex()
	global, _ := entry.registry.GlobalCount(ctx)
	healthy := mgr != nil && mgr.Healthy()

	state, _, ok := c.pollState(ctx, entry)
	if !ok {
		state = ch.State
	}

	return ChannelStatus{
		ID:            ch.ID,
		URL:           ch.URL,
		State:         string(state),
		Owner:         ch.Owner,
		IsOwner:       isOwner,
		BufferIndex:   latest,
		LocalClients:  entry.registry.LocalCount(),
		GlobalClients: global,
		Healthy:       healthy,
	}
}

// channelFor is a small accessor used by streamer.go to reach a channel's
// buffer/registry/manager without exposing the channels map itself.
func (c *Core) channelFor(channelID string) (*channelEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.channels[channelID]
	return entry, ok
}
