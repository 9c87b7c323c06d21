package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	t.Run("写入后可以读回", func(t *testing.T) {
		c := New(time.Minute)
		defer c.Close()

		c.Set("key", "value", 0)

		got, ok := c.Get("key")
		assert.True(t, ok)
		assert.Equal(t, "value", got)
	})

	t.Run("不存在的键返回false", func(t *testing.T) {
		c := New(time.Minute)
		defer c.Close()

		_, ok := c.Get("missing")
		assert.False(t, ok)
	})

	t.Run("过期条目读取时被剔除", func(t *testing.T) {
		c := New(time.Minute)
		defer c.Close()

		c.Set("key", "value", 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		_, ok := c.Get("key")
		assert.False(t, ok)
	})

	t.Run("Delete删除条目", func(t *testing.T) {
		c := New(time.Minute)
		defer c.Close()

		c.Set("key", "value", 0)
		c.Delete("key")

		_, ok := c.Get("key")
		assert.False(t, ok)
	})

	t.Run("Clear清空全部条目", func(t *testing.T) {
		c := New(time.Minute)
		defer c.Close()

		c.Set("a", 1, 0)
		c.Set("b", 2, 0)
		c.Clear()

		_, okA := c.Get("a")
		_, okB := c.Get("b")
		assert.False(t, okA)
		assert.False(t, okB)
	})

	t.Run("Close可以重复调用", func(t *testing.T) {
		c := New(time.Minute)
		c.Close()
		c.Close()
	})
}
