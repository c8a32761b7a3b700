package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred/iptv-proxy/internal/model"
)

const (
	minReadBurst = 16 * 1024
	maxReadBurst = 64 * 1024

	backoffInitial = 250 * time.Millisecond
	backoffMax     = 30 * time.Second
)

// fetchState is the Stream Manager's own fetch-loop position (spec.md
// §4.4): connecting, active, switching (UpdateURL has swapped the URL; the
// old connection is dropped once its in-flight read returns, and the loop
// reconnects to the new URL), or one of the terminal states error and
// stopped. It is private to Manager — State() projects it down to the
// model.ChannelState enum every other worker can see, which has no
// "switching" value of its own.
type fetchState string

const (
	fetchConnecting fetchState = "connecting"
	fetchActive     fetchState = "active"
	fetchSwitching  fetchState = "switching"
	fetchError      fetchState = "error"
	fetchStopped    fetchState = "stopped"
)

// Manager is the owner-only Stream Manager for one channel (spec.md §4.4):
// it runs the single fetch loop that reads the upstream and appends every
// burst to the channel's ChunkBuffer, and owns the connecting→active→
// switching→error/stopped state machine.
//
// The fetch loop's shape — defer/recover guard, read loop, backoff on
// transient error, clean EOF handling — is grounded on other_examples' StreamCoordinator.StartWriter.
// Its read/flush/cancel-check structuring is grounded on
// go-server/pkg/websocket/client.go's handleConnection. The connected/
// should_retry/max_retries contract is grounded on
// _examples/original_source/apps/proxy/ts_proxy/views.py:87-99, the
// owner's wait-for-connection loop.
type Manager struct {
	channelID string
	buffer    *ChunkBuffer
	logger    zerolog.Logger
	onHealthy func(bool)

	streamTimeout time.Duration
	maxRetries    int

	mu               sync.Mutex
	url              string
	userAgent        string
	transcodeCmd     []string
	state            fetchState
	connected        bool
	consecutiveFails int
	lastErr          error
	lastDataAt       time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs a Manager for one channel. onHealthy, if non-nil,
// is invoked whenever the stream's health (data within streamTimeout)
// changes, so the Client Streamer can decide when to emit keep-alives.
// maxRetries bounds consecutive connection/read failures before the
// manager gives up and moves to the terminal error state; 0 means retry
// forever.
func NewManager(channelID string, buffer *ChunkBuffer, streamTimeout time.Duration, maxRetries int, logger zerolog.Logger, onHealthy func(bool)) *Manager {
	return &Manager{
		channelID:     channelID,
		buffer:        buffer,
		logger:        logger.With().Str("channel", channelID).Logger(),
		streamTimeout: streamTimeout,
		maxRetries:    maxRetries,
		state:         fetchConnecting,
		onHealthy:     onHealthy,
	}
}

// Start launches the fetch loop against url (or, if transcodeCmd is
// non-empty, spawns it as a subprocess and reads its stdout instead).
func (m *Manager) Start(ctx context.Context, url, userAgent string, transcodeCmd []string) {
	m.mu.Lock()
	m.url = url
	m.userAgent = userAgent
	m.transcodeCmd = transcodeCmd
	m.state = fetchConnecting
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.fetchLoop(loopCtx)
}

// UpdateURL swaps the upstream URL without resetting the chunk index.
// Calling it twice with the same URL is a no-op the second time
// (changed=false), per spec.md's testable properties.
func (m *Manager) UpdateURL(url, userAgent string) (changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.url == url && m.userAgent == userAgent {
		return false
	}
	m.url = url
	m.userAgent = userAgent
	m.state = fetchSwitching
	return true
}

// Stop terminates the fetch loop (and any transcode subprocess) and marks
// the channel stopped. No further chunks are appended after Stop returns.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
	m.mu.Lock()
	m.state = fetchStopped
	m.mu.Unlock()
}

// State returns the channel-visible projection of the manager's fetch-loop
// position: switching collapses into connecting, since no worker outside
// this Manager needs to distinguish a mid-switch reconnect from an initial
// one.
func (m *Manager) State() model.ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case fetchActive:
		return model.ChannelActive
	case fetchError:
		return model.ChannelError
	case fetchStopped:
		return model.ChannelStopped
	default: // fetchConnecting, fetchSwitching
		return model.ChannelConnecting
	}
}

// Connected reports whether the fetch loop has completed at least one
// successful read from upstream (spec.md §4.4). It is a one-way latch:
// once true it stays true even if the connection later drops and the loop
// reconnects, matching views.py's manager.connected check, which the
// owner's wait loop polls only until the first success.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ShouldRetry reports whether the fetch loop will still attempt another
// connection. It turns false once consecutive connection/read failures
// reach max_retries, matching spec.md §4.4's terminal error transition and
// views.py's manager.should_retry() check.
func (m *Manager) ShouldRetry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxRetries <= 0 {
		return true
	}
	return m.consecutiveFails < m.maxRetries
}

// Healthy reports whether the upstream has produced data within the
// configured stream timeout.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastDataAt.IsZero() {
		return false
	}
	return time.Since(m.lastDataAt) < m.streamTimeout
}

func (m *Manager) setState(s fetchState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// setError records a fetch failure and reports whether the manager has now
// exhausted max_retries, in which case it has moved to the terminal error
// state and the fetch loop must stop.
func (m *Manager) setError(err error) (terminal bool) {
	m.mu.Lock()
	m.consecutiveFails++
	terminal = m.maxRetries > 0 && m.consecutiveFails >= m.maxRetries
	if terminal {
		m.state = fetchError
	}
	m.lastErr = err
	fails := m.consecutiveFails
	m.mu.Unlock()

	if terminal {
		m.logger.Error().Err(err).Int("consecutive_failures", fails).Msg("stream manager retries exhausted, giving up")
	} else {
		m.logger.Warn().Err(err).Int("consecutive_failures", fails).Msg("stream manager fetch error, retrying")
	}
	return terminal
}

func (m *Manager) recordData() {
	m.mu.Lock()
	wasHealthy := !m.lastDataAt.IsZero() && time.Since(m.lastDataAt) < m.streamTimeout
	m.lastDataAt = time.Now()
	if m.state != fetchSwitching {
		m.state = fetchActive
	}
	m.connected = true
	m.consecutiveFails = 0
	m.mu.Unlock()
	if !wasHealthy && m.onHealthy != nil {
		m.onHealthy(true)
	}
}

// fetchLoop is the channel's single writer: it connects, reads bursts, and
// reconnects with backoff on failure, until ctx is cancelled or max_retries
// consecutive failures move it to the terminal error state.
func (m *Manager) fetchLoop(ctx context.Context) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("fetch loop panic recovered")
			m.setError(fmt.Errorf("fetch loop panicked: %v", r))
		}
	}()

	backoff := backoffInitial

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.mu.Lock()
		url, userAgent, transcodeCmd := m.url, m.userAgent, m.transcodeCmd
		m.mu.Unlock()

		reader, closer, err := m.open(ctx, url, userAgent, transcodeCmd)
		if err != nil {
			if m.setError(fmt.Errorf("open upstream: %w", err)) {
				return
			}
			if !sleepBackoff(ctx, &backoff) {
				return
			}
			continue
		}

		m.setState(fetchActive)
		connectedAt := time.Now()
		streamErr := m.readUntilEOFOrError(ctx, reader, url, userAgent)
		if closer != nil {
			closer()
		}

		// A connection that delivered data resets the backoff, even if it
		// later failed.
		m.mu.Lock()
		deliveredData := m.lastDataAt.After(connectedAt)
		m.mu.Unlock()
		if deliveredData {
			backoff = backoffInitial
		}

		if streamErr == nil {
			// Clean EOF, or UpdateURL swapped the upstream: reconnect
			// immediately with the backoff reset.
			backoff = backoffInitial
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.setError(fmt.Errorf("upstream read: %w", streamErr)) {
			return
		}
		if !sleepBackoff(ctx, &backoff) {
			return
		}
	}
}

// open dials the upstream, either an HTTP(S) URL or a configured transcode
// subprocess reading from it, and returns a reader over the raw TS bytes.
func (m *Manager) open(ctx context.Context, url, userAgent string, transcodeCmd []string) (io.Reader, func(), error) {
	if len(transcodeCmd) > 0 {
		cmd := exec.CommandContext(ctx, transcodeCmd[0], transcodeCmd[1:]...)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("transcode stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("start transcode command: %w", err)
		}
		return bufio.NewReaderSize(stdout, maxReadBurst), func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	return bufio.NewReaderSize(resp.Body, maxReadBurst), func() { resp.Body.Close() }, nil
}

// readUntilEOFOrError reads fixed-size bursts from r, appending each to the
// buffer, until EOF (returns nil) or a read error (returned to the caller).
// It also returns nil once UpdateURL has replaced url or userAgent, so the
// fetch loop drops this connection and reconnects to the new upstream.
func (m *Manager) readUntilEOFOrError(ctx context.Context, r io.Reader, url, userAgent string) error {
	buf := make([]byte, maxReadBurst)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		m.mu.Lock()
		swapped := m.url != url || m.userAgent != userAgent
		m.mu.Unlock()
		if swapped {
			return nil
		}

		n, err := r.Read(buf)
		if n > 0 {
			if _, appendErr := m.buffer.Append(ctx, buf[:n]); appendErr != nil {
				m.logger.Warn().Err(appendErr).Msg("chunk append failed")
			}
			m.recordData()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// sleepBackoff waits the current backoff duration (with jitter), doubling
// it for next time up to backoffMax, and reports whether the context is
// still live. It never doubles past backoffMax; fetchLoop resets it to
// backoffInitial after a connection that delivered data or ended cleanly.
func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(*backoff) / 2))
	wait := *backoff + jitter

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	next := *backoff * 2
	if next > backoffMax {
		next = backoffMax
	}
	*backoff = next
	return true
}
