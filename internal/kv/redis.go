package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig configures the Redis-backed Store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore implements Store on top of github.com/redis/go-redis/v9. It is
// the coordination backend this module ships with; no example repo in the
// retrieval pack imports a Redis client, so this wraps go-redis the way the
// teacher's pkg/nats/client.go wraps nats.go — a thin struct holding the
// real client plus a logger, every method translating one Store operation
// into the matching Redis command(s) and wrapping any error.
type RedisStore struct {
	client *redis.Client
	logger *zerolog.Logger
}

// NewRedisStore connects to Redis and returns a ready Store.
func NewRedisStore(cfg RedisConfig, logger *zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger.Info().Str("addr", cfg.Addr).Msg("connected to redis")

	return &RedisStore{client: client, logger: logger}, nil
}

func (s *RedisStore) AcquireLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// renewScript performs the compare-and-renew atomically: only extend the
// TTL if the key still belongs to the caller, so a lock that already
// migrated to a new owner is never clobbered by the old owner's heartbeat.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

func (s *RedisStore) RenewLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("kv: renew lock %s: %w", key, err)
	}
	return res == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

func (s *RedisStore) ReleaseLock(ctx context.Context, key, value string) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{key}, value).Int(); err != nil {
		return fmt.Errorf("kv: release lock %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) GetString(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return val, true, nil
}

// HashSet writes fields as a Redis hash. A ttl of zero or less leaves the
// key without an expiry (the catalog's registrations are the only caller
// that does this; everything else in this module sets a real TTL).
func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	pipe.HSet(ctx, key, values)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: hash set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) HashGetAll(ctx context.Context, key string) (map[string]string, bool, error) {
	res, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("kv: hash get %s: %w", key, err)
	}
	if len(res) == 0 {
		return nil, false, nil
	}
	return res, true, nil
}

func (s *RedisStore) BlobSet(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("kv: blob set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) BlobGet(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv: blob get %s: %w", key, err)
	}
	return val, true, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, key, member string) error {
	if err := s.client.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("kv: set add %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetRemove(ctx context.Context, key, member string) error {
	if err := s.client.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("kv: set remove %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: set members %s: %w", key, err)
	}
	return members, nil
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv: scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Publish(ctx context.Context, topic string, data []byte) error {
	if err := s.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("kv: publish %s: %w", topic, err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	sub := s.client.Subscribe(ctx, topic)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("kv: subscribe %s: %w", topic, err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
