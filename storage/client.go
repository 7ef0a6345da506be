// Package storage provides the shared Redis store used by every worker
// process. All authoritative task and cache state lives here; in-process
// components hold only this handle.
package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// DefaultURL is used when no store URL is configured.
	DefaultURL = "redis://localhost:6379/0"

	// DefaultPoolSize is the per-process connection pool size.
	DefaultPoolSize = 10

	// DefaultTimeout bounds every store round trip.
	DefaultTimeout = time.Second

	// scanCount is the COUNT hint passed to SCAN.
	scanCount = 100
)

// Config configures the store connection.
type Config struct {
	// URL is either a redis:// URL or a bare host:port address.
	URL string

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// Timeout applies to each individual store call.
	Timeout time.Duration
}

// Client wraps the Redis client with the bounded-deadline conventions
// the registry and cache rely on.
type Client struct {
	rdb     *redis.Client
	timeout time.Duration
}

// NewClient creates a store client. It does not dial; call Ping to verify
// the connection.
func NewClient(cfg Config) (*Client, error) {
	opts, err := parseOptions(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}

	opts.PoolSize = cfg.PoolSize
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout

	return &Client{
		rdb:     redis.NewClient(opts),
		timeout: timeout,
	}, nil
}

func parseOptions(url string) (*redis.Options, error) {
	if url == "" {
		url = DefaultURL
	}
	if strings.Contains(url, "://") {
		return redis.ParseURL(url)
	}
	return &redis.Options{Addr: url}, nil
}

// Redis exposes the underlying client for command execution.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// WithTimeout derives the bounded context every store call must use.
func (c *Client) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()
	return Unavailable("ping", c.rdb.Ping(ctx).Err())
}

// ScanKeys walks every key matching pattern with SCAN and hands each batch
// to fn. It never blocks the store the way KEYS would. Returning an error
// from fn stops the walk.
func (c *Client) ScanKeys(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		callCtx, cancel := c.WithTimeout(ctx)
		keys, next, err := c.rdb.Scan(callCtx, cursor, pattern, scanCount).Result()
		cancel()
		if err != nil {
			return Unavailable("scan "+pattern, err)
		}

		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Info returns the raw INFO reply for one section.
func (c *Client) Info(ctx context.Context, section string) (string, error) {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	info, err := c.rdb.Info(ctx, section).Result()
	if err != nil {
		return "", Unavailable("info "+section, err)
	}
	return info, nil
}

// DBSize returns the number of keys in the selected database.
func (c *Client) DBSize(ctx context.Context) (int64, error) {
	ctx, cancel := c.WithTimeout(ctx)
	defer cancel()

	n, err := c.rdb.DBSize(ctx).Result()
	if err != nil {
		return 0, Unavailable("dbsize", err)
	}
	return n, nil
}

// MemoryUsage returns the store's human readable used_memory figure.
func (c *Client) MemoryUsage(ctx context.Context) (string, error) {
	info, err := c.Info(ctx, "memory")
	if err != nil {
		return "", err
	}

	if v := infoField(info, "used_memory_human"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("used_memory_human missing from INFO output")
}

// infoField extracts a field from INFO's "name:value" line format.
func infoField(info, name string) string {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if k, v, ok := strings.Cut(line, ":"); ok && k == name {
			return v
		}
	}
	return ""
}

// IsNil reports whether err is the client's "no such key" reply.
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
