package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool(t *testing.T) {
	t.Run("Get and Put", func(t *testing.T) {
		pool := NewBufferPool(0)
		require.Equal(t, initialPoolSize, len(pool.items), "Pool should be pre-warmed")

		buf := pool.Get()
		require.NotNil(t, buf)
		require.Equal(t, initialPoolSize-1, len(pool.items))

		buf.WriteString("hello world")
		pool.Put(buf)
		require.Equal(t, initialPoolSize, len(pool.items))

		buf2 := pool.Get()
		assert.Equal(t, 0, buf2.Len(), "Reused buffer should be reset")
	})

	t.Run("Get more than pool size", func(t *testing.T) {
		pool := NewBufferPool(0)
		for i := 0; i < initialPoolSize; i++ {
			pool.Get()
		}
		require.Empty(t, pool.items)

		newBuf := pool.Get()
		require.NotNil(t, newBuf)
		_, misses, created, _ := pool.GetMetrics()
		assert.Equal(t, uint64(1), misses)
		assert.Equal(t, uint64(initialPoolSize+1), created)
	})

	t.Run("Idle limit", func(t *testing.T) {
		pool := NewBufferPool(0)
		for i := 0; i < maxIdleBuffers*2; i++ {
			pool.Put(pool.newFunc())
		}
		assert.Equal(t, maxIdleBuffers, len(pool.items))
	})

	t.Run("With Initial Capacity", func(t *testing.T) {
		pool := NewBufferPool(128)
		buf := pool.Get()
		assert.GreaterOrEqual(t, buf.Cap(), 128)
	})

	t.Run("Concurrent", func(t *testing.T) {
		pool := NewBufferPool(0)
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					b := pool.Get()
					b.WriteByte('x')
					pool.Put(b)
				}
			}()
		}
		wg.Wait()
	})
}
