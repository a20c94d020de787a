// Package querycache is the in-memory request cache shared by the session
// client. It tracks in-flight fetches so they can be cancelled together and
// refuses to store results that arrive after the cache was cleared.
package querycache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrDiscarded is returned by Fetch when the cache was cleared or its
// in-flight requests cancelled while the fetch was running.
var ErrDiscarded = errors.New("querycache: result discarded after cache reset")

// FetchOptions controls how Fetch treats an existing entry.
type FetchOptions struct {
	// StaleTime is how long an entry may be served without refetching.
	// Zero means every Fetch goes to the source.
	StaleTime time.Duration
}

type entry struct {
	key       Key
	value     any
	updatedAt time.Time
}

type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	inflight   map[uint64]context.CancelFunc
	nextID     uint64
	generation uint64
	nowTime    func() time.Time
}

type Option func(*Cache)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(c *Cache) {
		c.nowTime = nowFunc
	}
}

func New(options ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]entry),
		inflight: make(map[uint64]context.CancelFunc),
		nowTime:  time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	return e.value, ok
}

// Set stores value directly, e.g. to prime an entry from a mutation response.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = entry{key: append(Key(nil), key...), value: value, updatedAt: c.nowTime()}
}

// Invalidate drops every entry whose key starts with prefix and returns how many
// were removed.
func (c *Cache) Invalidate(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Clear drops every entry. Fetches still running will have their results
// discarded.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	c.generation++
}

// CancelAll cancels the context of every in-flight fetch and returns how many
// were cancelled.
func (c *Cache) CancelAll() int {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for id, cancel := range c.inflight {
		cancels = append(cancels, cancel)
		delete(c.inflight, id)
	}
	c.generation++
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		log.Debug().Int("count", len(cancels)).Msg("querycache: cancelled in-flight requests")
	}
	return len(cancels)
}

// InFlight returns the number of fetches currently running.
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Fetch returns a fresh entry for key or runs fn to produce one. fn receives a
// context that CancelAll cancels. A result is stored and returned only if the
// cache was not reset while fn ran; otherwise ErrDiscarded is returned.
// Errors from fn are returned as is and never cached.
func (c *Cache) Fetch(ctx context.Context, key Key, opts FetchOptions, fn func(ctx context.Context) (any, error)) (any, error) {
	k := key.String()

	c.mu.Lock()
	if e, ok := c.entries[k]; ok && opts.StaleTime > 0 && c.nowTime().Sub(e.updatedAt) < opts.StaleTime {
		c.mu.Unlock()
		return e.value, nil
	}
	fetchCtx, cancel := context.WithCancel(ctx)
	id := c.nextID
	c.nextID++
	c.inflight[id] = cancel
	generation := c.generation
	c.mu.Unlock()

	value, err := fn(fetchCtx)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, id)
	cancel()

	if c.generation != generation {
		return nil, ErrDiscarded
	}
	if err != nil {
		return nil, err
	}
	c.entries[k] = entry{key: append(Key(nil), key...), value: value, updatedAt: c.nowTime()}
	return value, nil
}

// FetchAs is Fetch with a typed result.
func FetchAs[T any](ctx context.Context, c *Cache, key Key, opts FetchOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Fetch(ctx, key, opts, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, errors.New("querycache: cached value has unexpected type")
	}
	return typed, nil
}
