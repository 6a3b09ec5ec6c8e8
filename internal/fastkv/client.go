// Package fastkv wraps the Redis-backed fast store: the cache, queue, and
// lock-primitive tier that sits in front of the durable store. Every call is
// wrapped in a circuit breaker so a struggling Redis degrades the engine
// instead of cascading failures into every request path.
package fastkv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUnavailable is returned for any call rejected by the open circuit
// breaker, letting callers fall back to durable-store reads per the
// graceful-degradation requirement.
var ErrUnavailable = errors.New("fastkv: fast store unavailable")

type Client struct {
	rdb *redis.Client
	cb  *gobreaker.CircuitBreaker
	log *zap.Logger
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

func New(cfg Config, log *zap.Logger) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fastkv",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	return &Client{rdb: rdb, cb: cb, log: log}
}

// Raw exposes the underlying client for Redis primitives this wrapper
// doesn't expose directly. Calls made on it bypass the circuit breaker
// unless the caller wraps them in Do; no package in this module calls it.
func (c *Client) Raw() *redis.Client { return c.rdb }

// Do runs fn through the circuit breaker, translating an open breaker into
// ErrUnavailable so callers can branch on it explicitly.
func (c *Client) Do(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	v, err := c.cb.Execute(func() (any, error) { return fn(ctx) })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return v, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		s, err := c.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return s, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	v, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		n, err := c.rdb.Exists(ctx, key).Result()
		return n > 0, err
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Client) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	_, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, c.rdb.Set(ctx, key, val, ttl).Err()
	})
	return err
}

// SetNX is the building block for the lock manager: it succeeds only when
// key did not already exist, atomically establishing ownership.
func (c *Client) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	v, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		return c.rdb.SetNX(ctx, key, val, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	_, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, c.rdb.Del(ctx, keys...).Err()
	})
	return err
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	v, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		return c.rdb.Incr(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		return nil, c.rdb.Expire(ctx, key, ttl).Err()
	})
	return err
}

// CompareAndDelete removes key only if its current value matches val,
// guaranteeing a lock holder can never release a lock it no longer owns.
// Grounded on the Redis "unlock script" pattern: a single Lua script makes
// the read-then-delete atomic.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end
`)

func (c *Client) CompareAndDelete(ctx context.Context, key, val string) (bool, error) {
	v, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		return unlockScript.Run(ctx, c.rdb, []string{key}, val).Result()
	})
	if err != nil {
		return false, err
	}
	n, _ := v.(int64)
	return n == 1, nil
}

func (c *Client) LPush(ctx context.Context, key string, vals ...string) error {
	_, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		args := make([]any, len(vals))
		for i, v := range vals {
			args[i] = v
		}
		return nil, c.rdb.LPush(ctx, key, args...).Err()
	})
	return err
}

func (c *Client) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	v, err := c.Do(ctx, func(ctx context.Context) (any, error) {
		res, err := c.rdb.BRPop(ctx, timeout, key).Result()
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return res, err
	})
	if err != nil {
		return "", false, err
	}
	res := v.([]string)
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}

func (c *Client) Close() error { return c.rdb.Close() }
