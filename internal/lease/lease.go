// Package lease serializes release builds that share a release store.
//
// A lease is a Redis key set with NX and a TTL whose value is a random
// token; only the holder of the token can release it. Builds that cannot
// acquire the lease fail fast instead of racing on version allocation.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another build holds the lease.
var ErrHeld = errors.New("release store lease is held by another build")

// ErrLost is returned on release when the lease expired or was taken over.
var ErrLost = errors.New("release store lease was lost")

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client acquires leases on a Redis server.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to the Redis server at addr.
func NewClient(addr string) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewClientFromRedis wraps an existing Redis client.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Lease is a held lock on key.
type Lease struct {
	client *Client
	Key    string
	Token  string
	TTL    time.Duration
}

// Acquire takes the lease on key for ttl. It returns ErrHeld if another
// holder owns it.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("lease key cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !ok {
		holder, _ := c.rdb.Get(ctx, key).Result()
		return nil, fmt.Errorf("%w (key=%s, holder=%s)", ErrHeld, key, holder)
	}

	return &Lease{client: c, Key: key, Token: token, TTL: ttl}, nil
}

// Release gives the lease back. Releasing an expired lease returns ErrLost.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client.rdb, []string{l.Key}, l.Token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.Key, err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Holder returns the token currently stored for key, or "" if free.
func (c *Client) Holder(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}
