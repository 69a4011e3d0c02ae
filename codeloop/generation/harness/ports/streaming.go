package harnessports

import "context"

// Cache memoizes finished completions keyed by a hash of the prompt and sampling options.
// Values are JSON-encoded stream results; a ttlSeconds <= 0 keeps the entry until evicted.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	// Delete drops an entry whose payload no longer decodes.
	Delete(ctx context.Context, key string) error
}

// RateLimiter admits completion requests against the single local engine.
// Acquire blocks until a slot is free or ctx ends; release must be called once.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Tracer records the "turn", "stream" and "execute" spans of a turn plus point events
// such as cache hits, rejected code and store failures.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error))
	Event(ctx context.Context, name string, attrs map[string]any)
}
