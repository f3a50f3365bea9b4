package chatsync

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeduplicatorAdmitsOnce(t *testing.T) {
	d := NewDeduplicator[int64]()

	require.True(t, d.Admit(1))
	require.False(t, d.Admit(1))
	require.False(t, d.Admit(1))
	require.True(t, d.Admit(2))
	require.True(t, d.Seen(1))
	require.False(t, d.Seen(3))
	require.Equal(t, 2, d.Len())

	d.Reset()
	require.Equal(t, 0, d.Len())
	require.True(t, d.Admit(1))
}

func TestDeduplicatorConcurrentRedelivery(t *testing.T) {
	d := NewDeduplicator[string]()
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Admit("m-1") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), admitted.Load())
}
