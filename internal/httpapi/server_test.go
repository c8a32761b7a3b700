package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred/iptv-proxy/internal/catalog"
	"github.com/adred/iptv-proxy/internal/config"
	"github.com/adred/iptv-proxy/internal/metrics"
	"github.com/adred/iptv-proxy/internal/stream"
)

// fakeCatalog lets each test control exactly what Resolve/Put return,
// without a coordination store.
type fakeCatalog struct {
	entry catalog.Entry
	err   error
}

func (f *fakeCatalog) Resolve(ctx context.Context, channelID string) (catalog.Entry, error) {
	return f.entry, f.err
}

func (f *fakeCatalog) Put(ctx context.Context, channelID string, entry catalog.Entry) error {
	return nil
}

var metricsOnce sync.Once
var sharedMetrics *metrics.Metrics

// testMetrics returns one process-wide Metrics instance, since
// metrics.New() registers collectors with Prometheus's default registry and
// a second registration of the same name panics.
func testMetrics() *metrics.Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = metrics.New()
	})
	return sharedMetrics
}

func testServer(t *testing.T, cat catalog.Catalog) *Server {
	t.Helper()
	cfg := &config.Config{ClientWaitTimeout: 50 * time.Millisecond, ConnectionTimeout: time.Second}
	core := stream.NewCore(cfg, nil, nil, testMetrics(), "worker-test", zerolog.Nop())
	return New(cfg, core, cat, testMetrics(), nil, "worker-test", zerolog.Nop())
}

func TestHandleStreamCatalogNotFound(t *testing.T) {
	s := testServer(t, &fakeCatalog{err: catalog.ErrNotFound})

	req := httptest.NewRequest(http.MethodGet, "/stream/missing-channel", nil)
	rec := httptest.NewRecorder()
	s.handleStream(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleStreamMethodNotAllowed(t *testing.T) {
	s := testServer(t, &fakeCatalog{})

	req := httptest.NewRequest(http.MethodPost, "/stream/ch1", nil)
	rec := httptest.NewRecorder()
	s.handleStream(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleStreamMissingChannelID(t *testing.T) {
	s := testServer(t, &fakeCatalog{})

	req := httptest.NewRequest(http.MethodGet, "/stream/", nil)
	rec := httptest.NewRecorder()
	s.handleStream(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleChangeStreamMissingURL(t *testing.T) {
	s := testServer(t, &fakeCatalog{})

	body := strings.NewReader(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/change_stream/ch1", body)
	rec := httptest.NewRecorder()
	s.handleChangeStream(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleChangeStreamInvalidJSON(t *testing.T) {
	s := testServer(t, &fakeCatalog{})

	body := strings.NewReader(`not json`)
	req := httptest.NewRequest(http.MethodPost, "/change_stream/ch1", body)
	rec := httptest.NewRecorder()
	s.handleChangeStream(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleChangeStreamUnknownChannel(t *testing.T) {
	s := testServer(t, &fakeCatalog{})

	body := strings.NewReader(`{"url": "http://upstream.example/x.ts"}`)
	req := httptest.NewRequest(http.MethodPost, "/change_stream/does-not-exist", body)
	rec := httptest.NewRecorder()
	s.handleChangeStream(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleStatusSingleChannelNotFound(t *testing.T) {
	s := testServer(t, &fakeCatalog{})

	req := httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleStatusAllEmpty(t *testing.T) {
	s := testServer(t, &fakeCatalog{})

	req := httptest.NewRequest(http.MethodGet, "/status/", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Fatalf("expected count:0 in body, got %s", rec.Body.String())
	}
}

func TestHandleHealthz(t *testing.T) {
	s := testServer(t, &fakeCatalog{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Fatalf("expected healthy status in body, got %s", rec.Body.String())
	}
}

func TestHandleStreamResolveErrorOtherThanNotFound(t *testing.T) {
	s := testServer(t, &fakeCatalog{err: errors.New("kv unavailable")})

	req := httptest.NewRequest(http.MethodGet, "/stream/ch1", nil)
	rec := httptest.NewRecorder()
	s.handleStream(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
