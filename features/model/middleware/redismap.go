package middleware

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisMap implements ClusterMap on a Redis hash plus a pub/sub channel used
// to signal writers. All limiter processes sharing a budget point at the same
// hash key.
type RedisMap struct {
	client  *redis.Client
	hashKey string
	channel string
}

var _ ClusterMap = (*RedisMap)(nil)

// testAndSetScript atomically replaces a hash field only when it still holds
// the expected value, returning the value observed before the write.
var testAndSetScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false then cur = '' end
if cur == ARGV[2] then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
  redis.call('PUBLISH', KEYS[2], ARGV[1])
end
return cur
`)

// NewRedisMap builds a shared map rooted at the given hash key.
func NewRedisMap(client *redis.Client, hashKey string) *RedisMap {
	return &RedisMap{
		client:  client,
		hashKey: hashKey,
		channel: hashKey + ":events",
	}
}

// Get reads a field, reporting whether it exists.
func (m *RedisMap) Get(ctx context.Context, key string) (string, bool) {
	val, err := m.client.HGet(ctx, m.hashKey, key).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

// SetIfNotExists writes a field only when absent.
func (m *RedisMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	set, err := m.client.HSetNX(ctx, m.hashKey, key, value).Result()
	if err != nil {
		return false, err
	}
	if set {
		m.client.Publish(ctx, m.channel, key)
	}
	return set, nil
}

// TestAndSet replaces a field only when it still holds test, returning the
// previously observed value.
func (m *RedisMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	prev, err := testAndSetScript.Run(ctx, m.client, []string{m.hashKey, m.channel}, key, test, value).Text()
	if err != nil {
		return "", err
	}
	return prev, nil
}

// Subscribe emits a signal whenever any field of the map changes. The channel
// closes when ctx is cancelled.
func (m *RedisMap) Subscribe(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := m.client.Subscribe(ctx, m.channel)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}
