package registry_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"repomigrate/internal/registry"

	"github.com/stretchr/testify/require"
)

func TestRegisterOnce(t *testing.T) {
	r := registry.New()

	require.True(t, r.Register("a"))
	require.False(t, r.Register("a"))
	require.True(t, r.Register("b"))
	require.True(t, r.Executing("a"))
	require.Equal(t, 2, r.Count())
	require.Equal(t, []string{"a", "b"}, r.IDs())

	r.Deregister("a")
	require.False(t, r.Executing("a"))
	require.Equal(t, []string{"b"}, r.IDs())

	// deregistering twice is harmless
	r.Deregister("a")
	require.True(t, r.Register("a"))
}

func TestConcurrentRegister(t *testing.T) {
	r := registry.New()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register("task") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
}

func TestWait(t *testing.T) {
	r := registry.New()
	ctx := context.Background()

	require.NoError(t, r.Wait(ctx, "unknown"))

	require.True(t, r.Register("a"))
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Deregister("a")
	}()
	require.NoError(t, r.Wait(ctx, "a"))

	require.True(t, r.Register("b"))
	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Wait(timeout, "b"), context.DeadlineExceeded)
}
