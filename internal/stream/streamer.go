package stream

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/adred/iptv-proxy/internal/model"
)

// keepAlivePacket is a single null MPEG-TS packet: sync byte 0x47, PID
// 0x1FFF (the reserved null-packet PID), the remainder zeroed. Sent to a
// client when the stream has stalled and is unhealthy, so the connection
// stays open without the client's player treating silence as an error.
var keepAlivePacket = buildKeepAlivePacket()

func buildKeepAlivePacket() []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = 0x1F
	pkt[2] = 0xFF
	return pkt
}

// ErrChannelNotFound is returned by StreamClient when channelID has no
// live entry on this worker (spec.md's 404 case).
var ErrChannelNotFound = fmt.Errorf("channel not found")

// ErrClientWaitTimeout is returned when the channel never reaches a
// servable state within client_wait_timeout (spec.md's 503 case).
var ErrClientWaitTimeout = fmt.Errorf("timed out waiting for channel to become ready")

// ErrConnectTimeout is returned to the owning worker when its Stream
// Manager has not completed its first successful upstream read within
// connection_timeout (spec.md's 504 case, distinct from the 503 a
// follower gets from ErrClientWaitTimeout).
var ErrConnectTimeout = fmt.Errorf("timed out waiting for upstream connection")

// ErrUpstreamFailed is returned once a channel's Stream Manager has
// exhausted max_retries and will not attempt another connection (spec.md's
// 502 case).
var ErrUpstreamFailed = fmt.Errorf("upstream failed after retries")

// flusher is the subset of http.Flusher this package depends on, so tests
// can supply a fake.
type flusher interface {
	Flush()
}

// StreamClient is the Client Streamer (spec.md §4.6): one goroutine per
// HTTP request, registered in the channel's Registry, reading chunks from
// the ChunkBuffer starting initial_behind_chunks behind live and writing
// them to w until the request's context is cancelled or the client
// disconnects.
//
// Grounded on go-server/pkg/websocket/client.go's handleConnection: a
// write loop driven by a ticker plus an explicit flush, generalized here
// from framed WebSocket writes to a raw io.Writer body with http.Flusher,
// per SPEC_FULL.md §3.4's "generator-streaming as write+flush+check-
// cancellation loop" design note.
func (c *Core) StreamClient(ctx context.Context, channelID string, w http.ResponseWriter) error {
	entry, ok := c.channelFor(channelID)
	if !ok {
		return ErrChannelNotFound
	}

	if err := c.waitForServable(ctx, entry); err != nil {
		return err
	}

	clientID := newClientID()
	if _, err := entry.registry.Add(ctx, clientID); err != nil {
		c.logger.Warn().Err(err).Str("channel", channelID).Str("client", clientID).Msg("registry add failed")
	}
	if c.metrics != nil {
		c.metrics.IncClientConnected()
	}
	defer func() {
		_ = entry.registry.Remove(context.Background(), clientID)
		c.maybeScheduleShutdown(entry)
		if c.metrics != nil {
			c.metrics.DecClientActive()
		}
	}()

	fl, _ := w.(flusher)

	cursor := c.initialCursor(entry)

	emptyReads := 0
	lastKeepAlive := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		entry.mu.Lock()
		mgr := entry.manager
		entry.mu.Unlock()

		chunks, next, err := entry.buffer.GetChunksFrom(ctx, cursor, c.cfg.MaxChunks, c.cfg.MaxChunkBytes)
		if err != nil {
			return fmt.Errorf("stream client %s: read chunks: %w", channelID, err)
		}

		if len(chunks) == 0 {
			emptyReads++

			// Ghost-client heuristic (DESIGN.md Open Question (b)): a
			// reader whose cursor is suspiciously far behind the buffer's
			// actual latest after many empty reads in a row is presumed
			// to have gone away without the write failing yet.
			if c.cfg.GhostClientAheadChunks > 0 && emptyReads >= c.cfg.GhostClientMinEmptyReads {
				if latest, has := entry.buffer.LatestIndex(); has && latest > cursor+c.cfg.GhostClientAheadChunks {
					if c.metrics != nil {
						c.metrics.IncClientGhosted()
					}
					return fmt.Errorf("stream client %s: ghost client detected at cursor %d, latest %d", channelID, cursor, latest)
				}
			}

			unhealthy := mgr == nil || !mgr.Healthy()
			if unhealthy && time.Since(lastKeepAlive) >= c.cfg.KeepaliveInterval {
				if _, err := w.Write(keepAlivePacket); err != nil {
					return fmt.Errorf("stream client %s: keepalive write: %w", channelID, err)
				}
				if fl != nil {
					fl.Flush()
				}
				lastKeepAlive = time.Now()
				if c.metrics != nil {
					c.metrics.IncKeepAliveSent()
				}
			}

			if mgr != nil && !mgr.Healthy() && time.Since(lastKeepAlive) > c.cfg.StreamTimeout {
				return fmt.Errorf("stream client %s: stream unhealthy past timeout", channelID)
			}

			entry.buffer.Wait(ctx, progressiveBackoff(emptyReads))
			continue
		}

		emptyReads = 0
		for _, chunk := range chunks {
			if _, err := w.Write(chunk.Data); err != nil {
				return fmt.Errorf("stream client %s: write: %w", channelID, err)
			}
		}
		if fl != nil {
			fl.Flush()
		}
		cursor = next

		if err := entry.registry.Touch(ctx, clientID, cursor); err != nil {
			c.logger.Warn().Err(err).Str("channel", channelID).Str("client", clientID).Msg("registry touch failed")
		}
	}
}

// WaitForServable blocks until channelID reaches a servable state or
// client_wait_timeout elapses, without registering a client or streaming
// any bytes. httpapi calls this before committing to a 200 response, since
// the status codes spec.md §6 requires (404/503/502) must be decided
// before the streaming body begins.
func (c *Core) WaitForServable(ctx context.Context, channelID string) error {
	entry, ok := c.channelFor(channelID)
	if !ok {
		return ErrChannelNotFound
	}
	return c.waitForServable(ctx, entry)
}

// waitForServable blocks until the channel reaches waiting_for_clients or
// active, the channel has moved to the terminal error state (or its owner
// has given up retrying), or client_wait_timeout elapses. Grounded on
// views.py's stream_ts metadata-wait loop (lines 103-137): only
// waiting_for_clients and active count as ready; initializing and
// connecting keep the caller waiting; anything else is treated as failed.
func (c *Core) waitForServable(ctx context.Context, entry *channelEntry) error {
	deadline := time.Now().Add(c.cfg.ClientWaitTimeout)
	for {
		state, shouldRetry, ok := c.pollState(ctx, entry)
		if ok {
			if state == model.ChannelWaitingForClients || state == model.ChannelActive {
				return nil
			}
			if state == model.ChannelError || state == model.ChannelStopped || !shouldRetry {
				return ErrUpstreamFailed
			}
		}

		if time.Now().After(deadline) {
			return ErrClientWaitTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// WaitForConnect blocks, for the owning worker only, until its Stream
// Manager reports Connected() (ErrConnectTimeout's spec.md 504 case is
// therefore bounded by connection_timeout, not client_wait_timeout), until
// ShouldRetry() turns false (ErrUpstreamFailed, the 502 case), or until
// timeout elapses. It is a no-op (returns nil immediately) for a follower
// worker, which has no local Manager to wait on.
//
// Grounded on views.py:87-99, the owner's wait-for-connection loop:
// poll every 100ms, 504 once connection_timeout elapses without
// connecting, 502 as soon as the manager gives up retrying.
func (c *Core) WaitForConnect(ctx context.Context, channelID string, timeout time.Duration) error {
	entry, ok := c.channelFor(channelID)
	if !ok {
		return ErrChannelNotFound
	}

	entry.mu.Lock()
	mgr := entry.manager
	entry.mu.Unlock()
	if mgr == nil {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		if mgr.Connected() {
			return nil
		}
		if !mgr.ShouldRetry() {
			return ErrUpstreamFailed
		}
		if time.Now().After(deadline) {
			return ErrConnectTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// initialCursor computes max(0, latest - initial_behind_chunks), clamping
// to 0 when initial_behind_chunks exceeds the current buffer depth, per
// spec.md's boundary behavior.
func (c *Core) initialCursor(entry *channelEntry) uint64 {
	latest, has := entry.buffer.LatestIndex()
	if !has {
		return 0
	}
	if c.cfg.InitialBehindChunks > latest {
		return 0
	}
	return latest - c.cfg.InitialBehindChunks
}

// progressiveBackoff grows from a fast initial poll up to a 1-second cap
// as consecutive empty reads accumulate, per spec.md §4.6.
func progressiveBackoff(emptyReads int) time.Duration {
	wait := time.Duration(emptyReads*50) * time.Millisecond
	if wait > time.Second {
		wait = time.Second
	}
	if wait < 50*time.Millisecond {
		wait = 50 * time.Millisecond
	}
	return wait
}

func newClientID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
