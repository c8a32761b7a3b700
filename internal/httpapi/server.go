// Package httpapi exposes the proxy's HTTP surface: the streaming and
// control-plane endpoints spec.md §6 names, plus the ambient metrics and
// health routes every worker in this module's stack carries.
//
// Grounded on go-server/internal/server/server.go: a mux built in one
// setup method, handlers as methods on the server struct, a CORS
// middleware wrapping the whole mux, and the same listen/shutdown shape —
// generalized here from a single WebSocket+JSON API to the proxy's
// streaming-body-plus-JSON-control-plane surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred/iptv-proxy/internal/adminfeed"
	"github.com/adred/iptv-proxy/internal/catalog"
	"github.com/adred/iptv-proxy/internal/config"
	"github.com/adred/iptv-proxy/internal/metrics"
	"github.com/adred/iptv-proxy/internal/stream"
)

// Server wires Core, the catalog and metrics into the proxy's HTTP surface.
type Server struct {
	cfg       *config.Config
	core      *stream.Core
	catalog   catalog.Catalog
	metrics   *metrics.Metrics
	adminFeed *adminfeed.Hub
	logger    zerolog.Logger
	workerID  string

	httpServer *http.Server
	startedAt  time.Time
}

// New constructs a Server. Call ListenAndServe to start it. adminFeed may be
// nil to disable the /admin/feed endpoint.
func New(cfg *config.Config, core *stream.Core, cat catalog.Catalog, m *metrics.Metrics, adminFeed *adminfeed.Hub, workerID string, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		core:      core,
		catalog:   cat,
		metrics:   m,
		adminFeed: adminFeed,
		logger:    logger,
		workerID:  workerID,
		startedAt: time.Now(),
	}
	s.setupHTTPServer()
	return s
}

func (s *Server) setupHTTPServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/change_stream/", s.handleChangeStream)
	mux.HandleFunc("/status/", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.adminFeed != nil {
		mux.HandleFunc("/admin/feed", s.handleAdminFeed)
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      s.corsMiddleware(mux),
		ReadTimeout:  s.cfg.ConnectionTimeout,
		WriteTimeout: 0, // streaming responses can run indefinitely
	}
}

// ListenAndServe starts serving and blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.cfg.HTTPAddr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func pathSuffix(prefix, path string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	suffix := strings.TrimPrefix(path, prefix)
	suffix = strings.Trim(suffix, "/")
	if suffix == "" {
		return "", false
	}
	return suffix, true
}

// handleStream implements GET /stream/{channel_uuid} (spec.md §6): resolve
// the channel via the catalog, ensure it is live on this worker, and stream
// chunks to the client until it disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channelID, ok := pathSuffix("/stream/", r.URL.Path)
	if !ok {
		http.Error(w, "channel id required", http.StatusNotFound)
		return
	}

	entry, err := s.catalog.Resolve(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		s.logger.Error().Err(err).Str("channel", channelID).Msg("catalog resolve failed")
		http.Error(w, "resolution error", http.StatusNotFound)
		return
	}

	userAgent := entry.UserAgent
	if ua := r.Header.Get("User-Agent"); ua != "" {
		userAgent = ua
	}

	if _, err := s.core.EnsureChannel(r.Context(), channelID, entry.URL, userAgent, entry.TranscodeCmd); err != nil {
		s.logger.Error().Err(err).Str("channel", channelID).Msg("ensure channel failed")
		http.Error(w, "upstream connect error", http.StatusBadGateway)
		return
	}

	// Only the owner waits here, bounded by connection_timeout: a follower
	// has no local Manager to wait on and falls straight through to the
	// client_wait_timeout-bounded servable check below. Grounded on
	// views.py:87-99's owner-only wait-for-connection branch.
	if s.core.AmOwner(channelID) {
		if err := s.core.WaitForConnect(r.Context(), channelID, s.cfg.ConnectionTimeout); err != nil {
			switch {
			case errors.Is(err, stream.ErrConnectTimeout):
				http.Error(w, "upstream connection timed out", http.StatusGatewayTimeout)
				return
			case errors.Is(err, stream.ErrUpstreamFailed):
				http.Error(w, "upstream failed after retries", http.StatusBadGateway)
				return
			}
		}
	}

	if err := s.core.WaitForServable(r.Context(), channelID); err != nil {
		switch {
		case errors.Is(err, stream.ErrChannelNotFound):
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		case errors.Is(err, stream.ErrUpstreamFailed):
			http.Error(w, "upstream failed after retries", http.StatusBadGateway)
			return
		}
		http.Error(w, "channel initialization timed out", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}

	if err := s.core.StreamClient(r.Context(), channelID, w); err != nil {
		switch {
		case errors.Is(err, stream.ErrChannelNotFound):
			s.logger.Warn().Err(err).Str("channel", channelID).Msg("stream client: channel disappeared")
		case errors.Is(err, stream.ErrClientWaitTimeout):
			s.logger.Warn().Err(err).Str("channel", channelID).Msg("stream client: channel never became ready")
		default:
			s.logger.Warn().Err(err).Str("channel", channelID).Msg("stream client exited")
		}
	}
}

type changeStreamRequest struct {
	URL       string `json:"url"`
	UserAgent string `json:"user_agent,omitempty"`
}

type changeStreamResponse struct {
	Message  string `json:"message"`
	Channel  string `json:"channel"`
	URL      string `json:"url"`
	Owner    bool   `json:"owner"`
	WorkerID string `json:"worker_id"`
}

// handleChangeStream implements POST /change_stream/{channel_uuid}.
func (s *Server) handleChangeStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channelID, ok := pathSuffix("/change_stream/", r.URL.Path)
	if !ok {
		http.Error(w, "channel id required", http.StatusNotFound)
		return
	}

	var req changeStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "url is required")
		return
	}

	ch, err := s.core.ChangeStream(r.Context(), channelID, req.URL, req.UserAgent)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "channel not found")
		return
	}

	writeJSON(w, http.StatusOK, changeStreamResponse{
		Message:  "stream change accepted",
		Channel:  channelID,
		URL:      ch.URL,
		Owner:    s.core.AmOwner(channelID),
		WorkerID: s.workerID,
	})
}

type statusAllResponse struct {
	Channels []stream.ChannelStatus `json:"channels"`
	Count    int                    `json:"count"`
}

// handleStatus implements both GET /status/ and GET /status/{channel_uuid}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	channelID, hasChannel := pathSuffix("/status/", r.URL.Path)
	if !hasChannel {
		all := s.core.StatusAll(r.Context())
		writeJSON(w, http.StatusOK, statusAllResponse{Channels: all, Count: len(all)})
		return
	}

	status, err := s.core.Status(r.Context(), channelID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "channel not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleHealthz is the ambient liveness/readiness endpoint, grounded on
// go-server/internal/server/server.go's handleHealth.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":      "healthy",
		"uptime_sec":  time.Since(s.startedAt).Seconds(),
		"goroutines":  runtime.NumGoroutine(),
		"kv_degraded": s.core.KVDegraded(),
	}
	writeJSON(w, http.StatusOK, health)
}

// handleAdminFeed upgrades to a WebSocket streaming every Event Bus event
// to the connected operator dashboard.
func (s *Server) handleAdminFeed(w http.ResponseWriter, r *http.Request) {
	adminfeed.ServeWS(s.adminFeed, s.logger, w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
