package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript adds ARGV[1] to KEYS[1] and sets the expiry only when the
// key has none yet, so a window counter keeps the ttl of its first hit.
var incrementScript = redis.NewScript(`
local value = redis.call('INCRBY', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return value
`)

// Redis is a Store shared by every instance pointing at the same server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Redis{client: client}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Client exposes the underlying connection so components that need native
// Redis structures can share it.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapRedisErr(err)
	}
	return data, true, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Forget(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *Redis) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	value, err := incrementScript.Run(ctx, r.client, []string{key}, delta, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, wrapRedisErr(err)
	}
	return value, nil
}

func (r *Redis) Append(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, key, int64(-maxLen), -1)
		}
		if ttl > 0 {
			pipe.PExpire(ctx, key, ttl)
		}
		return nil
	})
	return wrapRedisErr(err)
}

func (r *Redis) Range(ctx context.Context, key string) ([][]byte, error) {
	values, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}

	items := make([][]byte, len(values))
	for i, v := range values {
		items[i] = []byte(v)
	}
	return items, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "WRONGTYPE"):
		return ErrWrongType
	case strings.Contains(msg, "not an integer"):
		return ErrNotInteger
	}
	return err
}
