package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adred/iptv-proxy/internal/kv"
)

// fakeStore is a minimal in-memory kv.Store for tests that don't need a
// real Redis instance, just the set/hash/lock semantics the stream package
// relies on.
type fakeStore struct {
	mu    sync.Mutex
	sets  map[string]map[string]bool
	hash  map[string]map[string]string
	blobs map[string][]byte
	locks map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sets:  make(map[string]map[string]bool),
		hash:  make(map[string]map[string]string),
		blobs: make(map[string][]byte),
		locks: make(map[string]string),
	}
}

func (f *fakeStore) AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.locks[key]; ok {
		return false, nil
	}
	f.locks[key] = value
	return true, nil
}

func (f *fakeStore) RenewLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locks[key] == value, nil
}

func (f *fakeStore) ReleaseLock(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] == value {
		delete(f.locks, key)
	}
	return nil
}

func (f *fakeStore) GetString(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.blobs[key]
	return string(v), ok, nil
}

func (f *fakeStore) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hash[key]
	if !ok {
		h = make(map[string]string)
		f.hash[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *fakeStore) HashGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hash[key]
	if !ok {
		return nil, false, nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, true, nil
}

func (f *fakeStore) BlobSet(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.blobs[key] = cp
	return nil
}

func (f *fakeStore) BlobGet(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.blobs[key]
	return v, ok, nil
}

func (f *fakeStore) SetAdd(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]bool)
		f.sets[key] = s
	}
	s[member] = true
	return nil
}

func (f *fakeStore) SetRemove(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sets[key]; ok {
		delete(s, member)
	}
	return nil
}

func (f *fakeStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) Publish(ctx context.Context, topic string, data []byte) error { return nil }

func (f *fakeStore) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (f *fakeStore) Close() error { return nil }

var _ kv.Store = (*fakeStore)(nil)

func TestRegistryAddTouchRemove(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry("ch1", "worker-a", store, nil)

	if _, err := r.Add(context.Background(), "client-1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := r.LocalCount(); got != 1 {
		t.Fatalf("LocalCount() = %d, want 1", got)
	}

	if err := r.Touch(context.Background(), "client-1", 42); err != nil {
		t.Fatalf("touch: %v", err)
	}

	global, err := r.GlobalCount(context.Background())
	if err != nil {
		t.Fatalf("global count: %v", err)
	}
	if global != 1 {
		t.Fatalf("GlobalCount() = %d, want 1", global)
	}

	if err := r.Remove(context.Background(), "client-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := r.LocalCount(); got != 0 {
		t.Fatalf("LocalCount() after remove = %d, want 0", got)
	}
	global, err = r.GlobalCount(context.Background())
	if err != nil {
		t.Fatalf("global count: %v", err)
	}
	if global != 0 {
		t.Fatalf("GlobalCount() after remove = %d, want 0", global)
	}
}

func TestRegistrySweepDropsStaleClients(t *testing.T) {
	store := newFakeStore()
	r := NewRegistry("ch1", "worker-a", store, nil)

	if _, err := r.Add(context.Background(), "stale"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := r.Add(context.Background(), "fresh"); err != nil {
		t.Fatalf("add: %v", err)
	}

	r.mu.Lock()
	r.clients["stale"].LastSeenAt = time.Now().Add(-2 * clientTTL)
	r.mu.Unlock()

	removed := r.Sweep(context.Background())
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("Sweep() removed = %v, want [stale]", removed)
	}
	if got := r.LocalCount(); got != 1 {
		t.Fatalf("LocalCount() after sweep = %d, want 1", got)
	}
}

func TestAcquireLockSingleWinner(t *testing.T) {
	store := newFakeStore()

	firstAcquired, err := store.AcquireLock(context.Background(), "owner:ch1", "worker-a", time.Second)
	if err != nil || !firstAcquired {
		t.Fatalf("first acquire: ok=%v err=%v", firstAcquired, err)
	}

	secondAcquired, err := store.AcquireLock(context.Background(), "owner:ch1", "worker-b", time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if secondAcquired {
		t.Fatal("second acquire should have lost the race")
	}
}

func TestRenewLockFailsAfterAnotherWorkerTakesOver(t *testing.T) {
	store := newFakeStore()

	if ok, err := store.AcquireLock(context.Background(), "owner:ch1", "worker-a", time.Second); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// worker-a's renewal still succeeds while it holds the lock.
	renewed, err := store.RenewLock(context.Background(), "owner:ch1", "worker-a", time.Second)
	if err != nil || !renewed {
		t.Fatalf("renew while holding lock: ok=%v err=%v", renewed, err)
	}

	// worker-a releases (simulating a stalled heartbeat past TTL in a real
	// store) and worker-b takes over.
	if err := store.ReleaseLock(context.Background(), "owner:ch1", "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := store.AcquireLock(context.Background(), "owner:ch1", "worker-b", time.Second); err != nil || !ok {
		t.Fatalf("worker-b acquire: ok=%v err=%v", ok, err)
	}

	// worker-a's renewal must now fail since the lock's value is worker-b's,
	// matching RenewLock's compare-and-renew semantics: a renewal only
	// succeeds if the caller still owns the lock.
	renewed, err = store.RenewLock(context.Background(), "owner:ch1", "worker-a", time.Second)
	if err != nil {
		t.Fatalf("renew after takeover: %v", err)
	}
	if renewed {
		t.Fatal("worker-a's renewal should fail once worker-b owns the lock")
	}
}
