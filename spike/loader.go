// Package spike coalesces spikes of identical fetches of external resources
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Minute

type result[T any] struct {
	v T
	e error
}

// Loader deduplicates concurrent fetches for the same key and caches the
// result for a TTL. Errors are not cached; the next Get retries the fetch.
type Loader[T any] struct {
	mu       sync.Mutex
	fetch    func(ctx context.Context, key string) (T, error)
	cache    *gocache.Cache
	inflight map[string][]chan result[T]
}

func NewLoader[T any](fetch func(ctx context.Context, key string) (T, error), ttl time.Duration) *Loader[T] {
	return &Loader[T]{
		fetch:    fetch,
		cache:    gocache.New(ttl, defaultCleanupInterval),
		inflight: make(map[string][]chan result[T]),
	}
}

// Get returns the cached value for key, or fetches it. Concurrent callers
// for the same key share a single fetch.
func (l *Loader[T]) Get(ctx context.Context, key string) (T, error) { //nolint:ireturn
	if v, ok := l.cache.Get(key); ok {
		//nolint:forcetypeassert
		return v.(T), nil
	}

	ch := make(chan result[T], 1)

	l.mu.Lock()
	if v, ok := l.cache.Get(key); ok {
		l.mu.Unlock()
		//nolint:forcetypeassert
		return v.(T), nil
	}
	waiters, running := l.inflight[key]
	l.inflight[key] = append(waiters, ch)
	l.mu.Unlock()

	if !running {
		go l.run(key)
	}

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.e
	}
}

func (l *Loader[T]) run(key string) {
	v, err := l.fetch(context.Background(), key)
	if err == nil {
		l.cache.SetDefault(key, v)
	}

	l.mu.Lock()
	waiters := l.inflight[key]
	delete(l.inflight, key)
	l.mu.Unlock()

	for _, ch := range waiters {
		ch <- result[T]{v: v, e: err}
		close(ch)
	}
}
