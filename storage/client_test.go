package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(Config{URL: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(Config{})
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, DefaultTimeout, c.Timeout())
	assert.Equal(t, DefaultPoolSize, c.Redis().Options().PoolSize)
	assert.Equal(t, "localhost:6379", c.Redis().Options().Addr)
}

func TestNewClient_URL(t *testing.T) {
	c, err := NewClient(Config{URL: "redis://cache.internal:6380/2", PoolSize: 4, Timeout: 250 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	opts := c.Redis().Options()
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 4, opts.PoolSize)
	assert.Equal(t, 250*time.Millisecond, opts.ReadTimeout)
}

func TestNewClient_BadURL(t *testing.T) {
	_, err := NewClient(Config{URL: "http://localhost:6379"})
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, c.Ping(context.Background()))

	mr.Close()
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestDBSize(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set("a", "1"))
	require.NoError(t, mr.Set("b", "2"))

	n, err := c.DBSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	mr.Close()
	_, err = c.DBSize(context.Background())
	assert.True(t, IsUnavailable(err))
}

func TestScanKeys_VisitsEveryKey(t *testing.T) {
	c, mr := newTestClient(t)

	for i := 0; i < 250; i++ {
		require.NoError(t, mr.Set(fmt.Sprintf("llm_cache:%03d", i), "[]"))
	}
	require.NoError(t, mr.Set("task:unrelated", "x"))

	var seen []string
	err := c.ScanKeys(context.Background(), CacheKeyPattern, func(keys []string) error {
		seen = append(seen, keys...)
		return nil
	})
	require.NoError(t, err)

	sort.Strings(seen)
	seen = dedupe(seen)
	assert.Len(t, seen, 250)
	assert.Equal(t, "llm_cache:000", seen[0])
}

func TestScanKeys_StopsOnCallbackError(t *testing.T) {
	c, mr := newTestClient(t)
	require.NoError(t, mr.Set("llm_cache:a", "[]"))

	stop := errors.New("stop")
	err := c.ScanKeys(context.Background(), CacheKeyPattern, func([]string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable("get", nil))

	cause := errors.New("dial tcp: connection refused")
	err := Unavailable("get", cause)
	assert.EqualError(t, err, "store unavailable: get: dial tcp: connection refused")
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsUnavailable(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsUnavailable(cause))
}

func TestInfoField(t *testing.T) {
	info := "# Memory\r\nused_memory:1024\r\nused_memory_human:1.00K\r\n"
	assert.Equal(t, "1.00K", infoField(info, "used_memory_human"))
	assert.Equal(t, "1024", infoField(info, "used_memory"))
	assert.Equal(t, "", infoField(info, "missing"))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "task:abc", TaskKey("abc"))
	assert.Equal(t, "project:p1:tasks", ProjectTasksKey("p1"))
	assert.Equal(t, "llm_cache:ff", CacheKey("ff"))
}

// SCAN may return a key more than once; callers must tolerate duplicates.
func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
