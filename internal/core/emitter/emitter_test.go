package emitter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
//                              基本订阅与发射
// ============================================================================

func TestEmitter_SubscribeEmit(t *testing.T) {
	t.Run("单个监听器收到事件", func(t *testing.T) {
		e := New[int]()

		var got []int
		sub := e.Subscribe(func(v int) { got = append(got, v) })
		defer sub.Close()

		e.Emit(1)
		e.Emit(2)

		assert.Equal(t, []int{1, 2}, got)
	})

	t.Run("多个监听器都收到事件", func(t *testing.T) {
		e := New[string]()

		var a, b []string
		subA := e.Subscribe(func(v string) { a = append(a, v) })
		subB := e.Subscribe(func(v string) { b = append(b, v) })
		defer subA.Close()
		defer subB.Close()

		e.Emit("x")

		assert.Equal(t, []string{"x"}, a)
		assert.Equal(t, []string{"x"}, b)
	})

	t.Run("无监听器时发射不出错", func(t *testing.T) {
		e := New[int]()
		e.Emit(42)
	})
}

// ============================================================================
//                              退订
// ============================================================================

func TestSubscription_Close(t *testing.T) {
	t.Run("退订后不再收到事件", func(t *testing.T) {
		e := New[int]()

		var got []int
		sub := e.Subscribe(func(v int) { got = append(got, v) })

		e.Emit(1)
		require.NoError(t, sub.Close())
		e.Emit(2)

		assert.Equal(t, []int{1}, got)
		assert.Equal(t, 0, e.Len())
	})

	t.Run("重复退订安全", func(t *testing.T) {
		e := New[int]()
		sub := e.Subscribe(func(int) {})

		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())
	})

	t.Run("监听器在回调中退订自身", func(t *testing.T) {
		e := New[int]()

		count := 0
		var sub *Subscription[int]
		sub = e.Subscribe(func(int) {
			count++
			_ = sub.Close()
		})

		e.Emit(1)
		e.Emit(2)

		assert.Equal(t, 1, count)
	})
}

// ============================================================================
//                              并发安全
// ============================================================================

func TestEmitter_Concurrent(t *testing.T) {
	e := New[int]()

	var mu sync.Mutex
	total := 0
	sub := e.Subscribe(func(v int) {
		mu.Lock()
		total += v
		mu.Unlock()
	})
	defer sub.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Emit(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, total)
}
