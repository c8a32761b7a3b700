package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred/iptv-proxy/internal/kv"
	"github.com/adred/iptv-proxy/internal/model"
)

// ChunkBuffer is the per-channel monotonic indexed chunk store (spec.md
// §4.2). It holds a bounded local window in memory for O(1) append and
// indexed reads, and write-throughs every chunk to the KV store so a
// late-joining client on another worker can still catch up.
//
// Adapted from other_examples' StreamCoordinator: a container/ring-backed
// buffer with an atomically advancing sequence number and a
// close-and-recreate broadcast channel that wakes every blocked reader at
// once. Generalized here to one instance per channel (the source file used
// a single global coordinator) and extended with the KV write-through the
// single-process source has no need for. Only the broadcast idiom is kept:
// chunks live in a map keyed by index behind an RWMutex, not in a ring.
type ChunkBuffer struct {
	channelID string
	store     kv.Store
	chunkTTL  time.Duration
	limiter   *rate.Limiter
	logger    *zerolog.Logger

	mu        sync.RWMutex
	chunks    map[uint64][]byte
	oldest    uint64
	latest    uint64
	hasLatest bool

	broadcastMu sync.Mutex
	broadcast   chan struct{}

	onKVResult func(error)
}

// SetKVResultHook registers a callback invoked with the outcome of every KV
// write-through this buffer performs (remote reads are not reported), letting Core track
// consecutive failures across every channel for the KV-degrade threshold
// (spec.md §7). A nil hook (the default) disables this.
func (b *ChunkBuffer) SetKVResultHook(hook func(error)) {
	b.mu.Lock()
	b.onKVResult = hook
	b.mu.Unlock()
}

func (b *ChunkBuffer) reportKVResult(err error) {
	b.mu.RLock()
	hook := b.onKVResult
	b.mu.RUnlock()
	if hook != nil {
		hook(err)
	}
}

// NewChunkBuffer constructs an empty buffer for one channel. limiter may be
// nil to disable KV write-through pacing (DESIGN.md Open Question (a)).
func NewChunkBuffer(channelID string, store kv.Store, chunkTTL time.Duration, limiter *rate.Limiter, logger *zerolog.Logger) *ChunkBuffer {
	return &ChunkBuffer{
		channelID: channelID,
		store:     store,
		chunkTTL:  chunkTTL,
		limiter:   limiter,
		logger:    logger,
		chunks:    make(map[uint64][]byte),
		broadcast: make(chan struct{}),
	}
}

// Append adds the next chunk to the buffer, assigns it the next monotonic
// index, and write-throughs it to the KV store so cross-worker readers can
// serve it. Only the channel's owner may call this; the buffer itself does
// not enforce that — the Stream Manager does, per spec.md §9's single-writer
// design note.
func (b *ChunkBuffer) Append(ctx context.Context, data []byte) (uint64, error) {
	b.mu.Lock()
	var index uint64
	if b.hasLatest {
		index = b.latest + 1
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.chunks[index] = cp
	b.latest = index
	b.hasLatest = true
	b.mu.Unlock()

	b.notifySubscribers()

	if b.store != nil {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return index, fmt.Errorf("chunk buffer %s: write throttle: %w", b.channelID, err)
			}
		}
		key := fmt.Sprintf("chunk:%s:%d", b.channelID, index)
		err := b.store.BlobSet(ctx, key, cp, b.chunkTTL)
		if err != nil {
			// KV persistence is best-effort from the buffer's point of view:
			// local readers are unaffected, and the degrade-to-memory-only
			// behavior in spec.md §7 is the caller's (Core's) concern, driven
			// by the failure counts reportKVResult feeds it.
			if b.logger != nil {
				b.logger.Warn().Err(err).Str("channel", b.channelID).Uint64("index", index).Msg("chunk kv write-through failed")
			}
		}
		b.reportKVResult(err)
	}

	return index, nil
}

// LatestIndex returns the highest chunk index written so far. It returns
// (0, false) if nothing has been appended yet.
func (b *ChunkBuffer) LatestIndex() (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest, b.hasLatest
}

// GetChunksFrom returns up to maxCount chunks (capped at maxBytes total)
// starting at startIndex, and the index the caller should request next.
// Per spec.md's boundary behavior, a startIndex beyond the current latest
// returns an empty slice, not an error.
func (b *ChunkBuffer) GetChunksFrom(ctx context.Context, startIndex uint64, maxCount, maxBytes int) ([]model.Chunk, uint64, error) {
	b.mu.RLock()
	latest, hasLatest := b.latest, b.hasLatest
	b.mu.RUnlock()

	if !hasLatest || startIndex > latest {
		return nil, startIndex, nil
	}

	var out []model.Chunk
	total := 0
	idx := startIndex
	for idx <= latest && len(out) < maxCount {
		b.mu.RLock()
		data, ok := b.chunks[idx]
		b.mu.RUnlock()
		if !ok {
			// Evicted locally; try the KV store for a late-joining read on
			// another worker's behalf.
			remote, found, err := b.fetchRemote(ctx, idx)
			if err != nil {
				return out, idx, err
			}
			if !found {
				// Gap: the chunk has already expired everywhere. Skip ahead
				// rather than stalling the reader on data that is gone.
				idx++
				continue
			}
			data = remote
		}
		if total+len(data) > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, model.Chunk{ChannelID: b.channelID, Index: idx, Data: data})
		total += len(data)
		idx++
	}

	return out, idx, nil
}

func (b *ChunkBuffer) fetchRemote(ctx context.Context, index uint64) ([]byte, bool, error) {
	if b.store == nil {
		return nil, false, nil
	}
	key := fmt.Sprintf("chunk:%s:%d", b.channelID, index)
	data, found, err := b.store.BlobGet(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("chunk buffer %s: remote fetch index %d: %w", b.channelID, index, err)
	}
	return data, found, nil
}

// EvictOlderThan drops every locally-held chunk with an index below
// minIndex. The KV copies expire on their own TTL and are not touched here.
func (b *ChunkBuffer) EvictOlderThan(minIndex uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for idx := range b.chunks {
		if idx < minIndex {
			delete(b.chunks, idx)
		}
	}
	if minIndex > b.oldest {
		b.oldest = minIndex
	}
}

// Wait blocks until either a new chunk has been appended, ctx is done, or
// timeout elapses, whichever comes first. It lets a caught-up reader avoid
// busy-polling while still bounding how long it waits between checks.
func (b *ChunkBuffer) Wait(ctx context.Context, timeout time.Duration) {
	b.broadcastMu.Lock()
	ch := b.broadcast
	b.broadcastMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// notifySubscribers wakes every goroutine blocked in Wait by closing the
// current broadcast channel and replacing it with a fresh one — the same
// close-and-recreate idiom the source StreamCoordinator uses to avoid a
// slow consumer missing a signal sent before it started waiting.
func (b *ChunkBuffer) notifySubscribers() {
	b.broadcastMu.Lock()
	close(b.broadcast)
	b.broadcast = make(chan struct{})
	b.broadcastMu.Unlock()
}
