package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred/iptv-proxy/internal/config"
	"github.com/adred/iptv-proxy/internal/model"
)

func newTestCore(failureThreshold int) *Core {
	cfg := &config.Config{KVFailureThreshold: failureThreshold}
	return NewCore(cfg, nil, nil, nil, "worker-test", zerolog.Nop())
}

// followerOnlyStore is a minimal in-memory kv.Store for exercising EnsureChannel
// without a real Redis. AcquireLock always reports failure, so every
// caller takes the follower branch (no event bus involved, unlike the
// owner branch's bus.Subscribe).
type followerOnlyStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
}

func newFollowerOnlyStore() *followerOnlyStore {
	return &followerOnlyStore{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (f *followerOnlyStore) AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, nil
}
func (f *followerOnlyStore) RenewLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *followerOnlyStore) ReleaseLock(ctx context.Context, key, value string) error { return nil }
func (f *followerOnlyStore) GetString(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}
func (f *followerOnlyStore) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	for k, v := range fields {
		f.hashes[key][k] = v
	}
	return nil
}
func (f *followerOnlyStore) HashGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields, ok := f.hashes[key]
	return fields, ok, nil
}
func (f *followerOnlyStore) BlobSet(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return nil
}
func (f *followerOnlyStore) BlobGet(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}
func (f *followerOnlyStore) SetAdd(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]struct{})
	}
	f.sets[key][member] = struct{}{}
	return nil
}
func (f *followerOnlyStore) SetRemove(ctx context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}
func (f *followerOnlyStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}
func (f *followerOnlyStore) Scan(ctx context.Context, pattern string) ([]string, error) { return nil, nil }
func (f *followerOnlyStore) Publish(ctx context.Context, topic string, data []byte) error { return nil }
func (f *followerOnlyStore) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	ch := make(chan []byte)
	return ch, nil
}
func (f *followerOnlyStore) Close() error { return nil }

// TestEnsureChannelConcurrentCallsConvergeOnOneEntry exercises spec.md §8's
// idempotence property: N concurrent EnsureChannel calls for a brand-new
// channel ID must leave exactly one channelEntry (and therefore exactly
// one set of follower goroutines) on this worker, never one per caller.
func TestEnsureChannelConcurrentCallsConvergeOnOneEntry(t *testing.T) {
	cfg := &config.Config{
		OwnerLockTTL:          30 * time.Second,
		RedisChunkTTL:         60 * time.Second,
		ClientCleanupInterval: 50 * time.Millisecond,
	}
	store := newFollowerOnlyStore()
	c := NewCore(cfg, store, nil, nil, "worker-test", zerolog.Nop())

	const n = 25
	var wg sync.WaitGroup
	entries := make([]*model.Channel, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := c.EnsureChannel(context.Background(), "race-channel", "http://upstream.example/x.ts", "ua", nil)
			entries[i] = ch
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("EnsureChannel call %d failed: %v", i, err)
		}
	}

	c.mu.RLock()
	numChannels := len(c.channels)
	entry, ok := c.channels["race-channel"]
	c.mu.RUnlock()
	if !ok {
		t.Fatal("expected race-channel to be present after concurrent EnsureChannel calls")
	}
	if numChannels != 1 {
		t.Fatalf("expected exactly 1 live channel entry, got %d", numChannels)
	}

	for i, ch := range entries {
		if ch.ID != entry.channel.ID {
			t.Fatalf("call %d returned a channel for a different entry", i)
		}
	}
}

func TestRecordKVResultDegradesAtThreshold(t *testing.T) {
	c := newTestCore(3)
	kvErr := errors.New("connection refused")

	c.recordKVResult(kvErr)
	c.recordKVResult(kvErr)
	if c.KVDegraded() {
		t.Fatal("should not be degraded before reaching the threshold")
	}

	c.recordKVResult(kvErr)
	if !c.KVDegraded() {
		t.Fatal("expected degraded state once consecutive failures reach the threshold")
	}

	// Failures past the threshold keep it degraded.
	c.recordKVResult(kvErr)
	if !c.KVDegraded() {
		t.Fatal("expected to remain degraded")
	}
}

func TestRecordKVResultRecoversOnSuccess(t *testing.T) {
	c := newTestCore(2)
	kvErr := errors.New("timeout")

	c.recordKVResult(kvErr)
	c.recordKVResult(kvErr)
	if !c.KVDegraded() {
		t.Fatal("expected degraded state after reaching the threshold")
	}

	c.recordKVResult(nil)
	if c.KVDegraded() {
		t.Fatal("expected a single success to clear the degraded state")
	}
}

func TestRecordKVResultSuccessResetsFailureCountBelowThreshold(t *testing.T) {
	c := newTestCore(3)
	kvErr := errors.New("timeout")

	c.recordKVResult(kvErr)
	c.recordKVResult(nil)
	c.recordKVResult(kvErr)
	c.recordKVResult(kvErr)
	if c.KVDegraded() {
		t.Fatal("an intervening success should reset the consecutive-failure count")
	}
}

func TestNewCoreStartsNotDegraded(t *testing.T) {
	c := newTestCore(5)
	if c.KVDegraded() {
		t.Fatal("a fresh Core should not start degraded")
	}
}
