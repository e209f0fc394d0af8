// Package redisstore provides a store.Provider backed by Redis lists. Each
// connection handle pins one pooled client connection so that WATCH and
// the following MULTI/EXEC run on the same server session.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/jensholdgaard/streamstore/internal/config"
	"github.com/jensholdgaard/streamstore/internal/store"
)

func init() {
	store.Register("redis", open)
}

// open is the store.Driver for the "redis" backend.
func open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (store.Provider, error) {
	p, err := Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "connected to redis", slog.String("addr", cfg.Redis.Addr))
	return p, nil
}

// Provider implements store.Provider with a go-redis client pool.
type Provider struct {
	client *redis.Client
}

// Connect opens and verifies a Redis client with OTEL instrumentation.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Provider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := redisotel.InstrumentTracing(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("instrumenting redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		client.Close()
		return nil, fmt.Errorf("instrumenting redis metrics: %w", err)
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Provider{client: client}, nil
}

// NewProvider wraps an existing client.
func NewProvider(client *redis.Client) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Acquire(ctx context.Context) (store.Conn, error) {
	cn := p.client.Conn()
	if err := cn.Ping(ctx).Err(); err != nil {
		cn.Close()
		return nil, fmt.Errorf("acquiring redis connection: %w", err)
	}
	return &conn{cn: cn}, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Provider) Close() error {
	return p.client.Close()
}

type conn struct {
	cn       *redis.Conn
	watching bool
}

func (c *conn) Watch(ctx context.Context, key string) error {
	if err := c.command(ctx, "WATCH", key); err != nil {
		return fmt.Errorf("watching %s: %w", key, err)
	}
	c.watching = true
	return nil
}

func (c *conn) Unwatch(ctx context.Context) error {
	if err := c.command(ctx, "UNWATCH"); err != nil {
		return fmt.Errorf("unwatching: %w", err)
	}
	c.watching = false
	return nil
}

// command runs a connection-scoped command on the pinned session.
func (c *conn) command(ctx context.Context, args ...interface{}) error {
	return c.cn.Process(ctx, redis.NewStatusCmd(ctx, args...))
}

func (c *conn) Len(ctx context.Context, key string) (int64, error) {
	n, err := c.cn.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading length of %s: %w", key, err)
	}
	return n, nil
}

func (c *conn) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := c.cn.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("reading range of %s: %w", key, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (c *conn) Begin(_ context.Context) (store.Tx, error) {
	return &tx{c: c, pipe: c.cn.TxPipeline()}, nil
}

// Close returns the connection to the pool. A pending WATCH would outlive
// the handle on the pooled session, so it is dropped first.
func (c *conn) Close() error {
	var errs []error
	if c.watching {
		if err := c.command(context.Background(), "UNWATCH"); err != nil {
			errs = append(errs, fmt.Errorf("unwatching on close: %w", err))
		}
		c.watching = false
	}
	if err := c.cn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type tx struct {
	c    *conn
	pipe redis.Pipeliner
}

func (t *tx) Push(key string, payload []byte) {
	t.pipe.RPush(context.Background(), key, payload)
}

func (t *tx) Commit(ctx context.Context) error {
	cmds, err := t.pipe.Exec(ctx)
	if errors.Is(err, redis.TxFailedErr) {
		// EXEC clears every watch, whether or not it ran the transaction.
		t.c.watching = false
		return store.ErrGuardViolated
	}
	if err != nil {
		return fmt.Errorf("executing transaction: %w", err)
	}
	if len(cmds) > 0 {
		t.c.watching = false
	}
	return nil
}

func (t *tx) Discard() {
	t.pipe.Discard()
}
