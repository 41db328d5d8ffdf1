package scanning

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// throttled waits on a token bucket before each call. Cloud engines bill
// and throttle per request.
type throttled struct {
	Engine
	limiter *rate.Limiter
}

// Throttle limits engine calls to rps requests per second with the given
// burst. A non-positive rps returns the engine unchanged.
func Throttle(engine Engine, rps float64, burst int) Engine {
	if rps <= 0 {
		return engine
	}
	if burst < 1 {
		burst = 1
	}
	return &throttled{Engine: engine, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *throttled) Recognize(ctx context.Context, req Request) (Recognition, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Recognition{}, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return t.Engine.Recognize(ctx, req)
}

// limited caps the number of calls in flight across every caller sharing
// the engine.
type limited struct {
	Engine
	sem *semaphore.Weighted
}

// Limit allows at most n concurrent calls. A non-positive n returns the
// engine unchanged.
func Limit(engine Engine, n int) Engine {
	if n <= 0 {
		return engine
	}
	return &limited{Engine: engine, sem: semaphore.NewWeighted(int64(n))}
}

func (l *limited) Recognize(ctx context.Context, req Request) (Recognition, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Recognition{}, fmt.Errorf("waiting for OCR slot: %w", err)
	}
	defer l.sem.Release(1)
	return l.Engine.Recognize(ctx, req)
}
