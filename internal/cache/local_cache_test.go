package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCache(t *testing.T) {
	t.Run("写入后读取成功", func(t *testing.T) {
		c := NewLocalCache(10, time.Minute)
		c.Set("token:alice", "abc", 0)

		v, ok := c.Get("token:alice")
		require.True(t, ok)
		assert.Equal(t, "abc", v)
	})

	t.Run("过期条目不可读", func(t *testing.T) {
		c := NewLocalCache(10, time.Minute)
		now := time.Now()
		c.now = func() time.Time { return now }
		c.Set("k", 1, time.Second)

		now = now.Add(2 * time.Second)
		_, ok := c.Get("k")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("容量满时淘汰最早过期条目", func(t *testing.T) {
		c := NewLocalCache(2, time.Minute)
		c.Set("short", 1, time.Second*10)
		c.Set("long", 2, time.Hour)
		c.Set("new", 3, time.Hour)

		_, ok := c.Get("short")
		assert.False(t, ok)
		_, ok = c.Get("long")
		assert.True(t, ok)
		_, ok = c.Get("new")
		assert.True(t, ok)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("覆盖已有键不触发淘汰", func(t *testing.T) {
		c := NewLocalCache(1, time.Minute)
		c.Set("a", 1, 0)
		c.Set("a", 2, 0)

		v, ok := c.Get("a")
		require.True(t, ok)
		assert.Equal(t, 2, v)
	})

	t.Run("删除与清空", func(t *testing.T) {
		c := NewLocalCache(0, time.Minute)
		c.Set("a", 1, 0)
		c.Set("b", 2, 0)
		c.Delete("a")
		_, ok := c.Get("a")
		assert.False(t, ok)

		c.Clear()
		assert.Equal(t, 0, c.Len())
	})

	t.Run("清理循环随 ctx 退出", func(t *testing.T) {
		c := NewLocalCache(0, time.Minute)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			c.Run(ctx)
			close(done)
		}()
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("cleanup loop did not stop")
		}
	})
}
