package spike

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoaderCoalescesConcurrentFetches(t *testing.T) {
	var fetches atomic.Int64
	release := make(chan struct{})
	l := NewLoader(func(ctx context.Context, key string) (string, error) {
		fetches.Add(1)
		<-release
		return "value-" + key, nil
	}, time.Minute)

	const callers = 10
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := l.Get(context.Background(), "k")
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// let all callers queue up before the fetch completes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int64(1), fetches.Load())
	for _, v := range results {
		require.Equal(t, "value-k", v)
	}
}

func TestLoaderCachesValue(t *testing.T) {
	var fetches atomic.Int64
	l := NewLoader(func(ctx context.Context, key string) (int, error) {
		fetches.Add(1)
		return 42, nil
	}, time.Minute)

	for i := 0; i < 5; i++ {
		v, err := l.Get(context.Background(), "k")
		require.NoError(t, err)
		require.Equal(t, 42, v)
	}
	require.Equal(t, int64(1), fetches.Load())
}

func TestLoaderDoesNotCacheErrors(t *testing.T) {
	var fetches atomic.Int64
	boom := errors.New("boom")
	l := NewLoader(func(ctx context.Context, key string) (int, error) {
		if fetches.Add(1) == 1 {
			return 0, boom
		}
		return 7, nil
	}, time.Minute)

	_, err := l.Get(context.Background(), "k")
	require.ErrorIs(t, err, boom)

	v, err := l.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Equal(t, int64(2), fetches.Load())
}

func TestLoaderExpiry(t *testing.T) {
	var fetches atomic.Int64
	l := NewLoader(func(ctx context.Context, key string) (int, error) {
		return int(fetches.Add(1)), nil
	}, 30*time.Millisecond)

	v, err := l.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	time.Sleep(50 * time.Millisecond)

	v, err = l.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestLoaderContextCancel(t *testing.T) {
	l := NewLoader(func(ctx context.Context, key string) (int, error) {
		time.Sleep(time.Second)
		return 1, nil
	}, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := l.Get(ctx, "k")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
