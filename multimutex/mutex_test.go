package multimutex

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTryLock checks that TryLock refuses a held ID and succeeds for others.
func TestTryLock(t *testing.T) {
	t.Parallel()

	m := NewMutex[string]()

	require.True(t, m.TryLock("a"))
	require.False(t, m.TryLock("a"))
	require.True(t, m.TryLock("b"))

	m.Unlock("a")
	require.True(t, m.TryLock("a"))

	m.Unlock("a")
	m.Unlock("b")

	require.Panics(t, func() {
		m.Unlock("a")
	})
}

// TestLockSerializes runs many goroutines incrementing a counter under the
// same ID and asserts no update is lost.
func TestLockSerializes(t *testing.T) {
	t.Parallel()

	m := NewMutex[int]()

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			m.Lock(1)
			counter++
			m.Unlock(1)
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
	require.True(t, m.TryLock(1))
	m.Unlock(1)
}
