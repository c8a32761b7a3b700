package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adred/iptv-proxy/internal/kv"
)

// memStore is a minimal in-memory kv.Store backing only the hash operations
// this package uses.
type memStore struct {
	mu   sync.Mutex
	hash map[string]map[string]string
}

func newMemStore() *memStore {
	return &memStore{hash: make(map[string]map[string]string)}
}

func (m *memStore) AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, errors.New("unused")
}
func (m *memStore) RenewLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, errors.New("unused")
}
func (m *memStore) ReleaseLock(ctx context.Context, key, value string) error { return nil }
func (m *memStore) GetString(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (m *memStore) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hash[key]
	if !ok {
		h = make(map[string]string)
		m.hash[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *memStore) HashGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hash[key]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, true, nil
}

func (m *memStore) BlobSet(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return nil
}
func (m *memStore) BlobGet(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (m *memStore) SetAdd(ctx context.Context, key, member string) error    { return nil }
func (m *memStore) SetRemove(ctx context.Context, key, member string) error { return nil }
func (m *memStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return nil, nil
}
func (m *memStore) Scan(ctx context.Context, pattern string) ([]string, error) { return nil, nil }
func (m *memStore) Publish(ctx context.Context, topic string, data []byte) error { return nil }
func (m *memStore) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}
func (m *memStore) Close() error { return nil }

var _ kv.Store = (*memStore)(nil)

func TestResolveNotFound(t *testing.T) {
	cat := NewKVCatalog(newMemStore())
	if _, err := cat.Resolve(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() err = %v, want ErrNotFound", err)
	}
}

func TestPutThenResolveRoundTrip(t *testing.T) {
	cat := NewKVCatalog(newMemStore())
	entry := Entry{
		URL:          "http://upstream.example/ch1.ts",
		UserAgent:    "iptv-proxy/1.0",
		TranscodeCmd: []string{"ffmpeg", "-i", "-", "-c", "copy", "-f", "mpegts", "-"},
	}

	if err := cat.Put(context.Background(), "ch1", entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := cat.Resolve(context.Background(), "ch1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.URL != entry.URL || got.UserAgent != entry.UserAgent {
		t.Fatalf("resolve() = %+v, want %+v", got, entry)
	}
	if len(got.TranscodeCmd) != len(entry.TranscodeCmd) {
		t.Fatalf("transcode_cmd = %v, want %v", got.TranscodeCmd, entry.TranscodeCmd)
	}
	for i := range entry.TranscodeCmd {
		if got.TranscodeCmd[i] != entry.TranscodeCmd[i] {
			t.Fatalf("transcode_cmd[%d] = %q, want %q", i, got.TranscodeCmd[i], entry.TranscodeCmd[i])
		}
	}
}

func TestPutWithoutTranscodeCmdThenResolve(t *testing.T) {
	cat := NewKVCatalog(newMemStore())
	entry := Entry{URL: "http://upstream.example/ch2.ts", UserAgent: "vlc"}

	if err := cat.Put(context.Background(), "ch2", entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := cat.Resolve(context.Background(), "ch2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got.TranscodeCmd) != 0 {
		t.Fatalf("expected empty transcode_cmd, got %v", got.TranscodeCmd)
	}
}

func TestPutNeverExpiresEntry(t *testing.T) {
	// Put writes with ttl=0, meaning no expiry. This checks the entry is
	// present after Put through the in-memory store, which ignores TTLs;
	// RedisStore's handling of ttl<=0 is not exercised here.
	store := newMemStore()
	cat := NewKVCatalog(store)
	if err := cat.Put(context.Background(), "ch3", Entry{URL: "http://x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, found, err := store.HashGetAll(context.Background(), catalogKey("ch3")); err != nil || !found {
		t.Fatalf("expected catalog entry to remain present, found=%v err=%v", found, err)
	}
}
