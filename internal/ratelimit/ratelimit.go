// Package ratelimit keeps a per-provider request budget: a token bucket
// (capacity C, refill R tokens/s) combined with a rolling window that admits
// at most C grants per window.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hyperifyio/searchd/internal/search"
)

// DefaultWindow is the rolling window used when none is configured.
const DefaultWindow = time.Second

// Limit is the budget of one provider.
type Limit struct {
	Capacity int
	// Refill is tokens per second.
	Refill float64
}

// waiter is one queued Acquire. ready is closed when it reaches the head.
type waiter struct {
	ready chan struct{}
}

type bucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	capacity int
	// grants holds recent grant times in non-decreasing order.
	grants []time.Time
	// queue is FIFO. Only queue[0] may reserve from lim, so cancelling it
	// always hands its token back in full.
	queue []*waiter
}

// Limiter holds one bucket per provider. The bucket map is fixed at
// construction; providers without a bucket are not limited.
type Limiter struct {
	window  time.Duration
	buckets map[string]*bucket
}

// New builds a limiter for the given providers. Limits with a non-positive
// capacity or refill are skipped.
func New(limits map[string]Limit, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{window: window, buckets: make(map[string]*bucket, len(limits))}
	for name, lim := range limits {
		if lim.Capacity <= 0 || lim.Refill <= 0 {
			continue
		}
		l.buckets[name] = &bucket{
			lim:      rate.NewLimiter(rate.Limit(lim.Refill), lim.Capacity),
			capacity: lim.Capacity,
		}
	}
	return l
}

// Acquire blocks until provider may issue one request or ctx is done.
// Callers are served in arrival order. A canceled caller consumes no token
// and does not delay the callers queued behind it.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := l.buckets[provider]
	if b == nil {
		return nil
	}

	w := b.enqueue()
	defer b.leave(w)
	select {
	case <-w.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Head of the queue: wait for the window first, then for a token.
	b.mu.Lock()
	now := time.Now()
	at := b.windowBound(now, l.window)
	b.mu.Unlock()
	if err := sleepUntil(ctx, at); err != nil {
		return err
	}

	b.mu.Lock()
	now = time.Now()
	r := b.lim.ReserveN(now, 1)
	at = now.Add(r.DelayFrom(now))
	b.mu.Unlock()
	if err := sleepUntil(ctx, at); err != nil {
		b.mu.Lock()
		r.Cancel()
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	b.grants = append(b.grants, time.Now())
	b.mu.Unlock()
	return nil
}

// TryAcquire takes a token only if one is available right now and nobody is
// queued. Otherwise it returns search.ErrThrottled and consumes nothing.
func (l *Limiter) TryAcquire(provider string) error {
	b := l.buckets[provider]
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if len(b.queue) > 0 || b.windowBound(now, l.window).After(now) || !b.lim.AllowN(now, 1) {
		return search.ErrThrottled
	}
	b.grants = append(b.grants, now)
	return nil
}

// Tokens reports the tokens currently available to provider, or -1 when the
// provider is not limited.
func (l *Limiter) Tokens(provider string) float64 {
	b := l.buckets[provider]
	if b == nil {
		return -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.TokensAt(time.Now())
}

func (b *bucket) enqueue() *waiter {
	w := &waiter{ready: make(chan struct{})}
	b.mu.Lock()
	b.queue = append(b.queue, w)
	if len(b.queue) == 1 {
		close(w.ready)
	}
	b.mu.Unlock()
	return w
}

// leave removes w from the queue and wakes the next head if w was it.
func (b *bucket) leave(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range b.queue {
		if q != w {
			continue
		}
		b.queue = append(b.queue[:i], b.queue[i+1:]...)
		if i == 0 && len(b.queue) > 0 {
			close(b.queue[0].ready)
		}
		return
	}
}

// windowBound returns the earliest time at or after now at which a new grant
// keeps every window at no more than capacity grants. Caller holds b.mu.
func (b *bucket) windowBound(now time.Time, window time.Duration) time.Time {
	b.prune(now, window)
	at := now
	if n := len(b.grants); n >= b.capacity {
		if earliest := b.grants[n-b.capacity].Add(window); at.Before(earliest) {
			at = earliest
		}
	}
	return at
}

// prune drops grants that can no longer constrain a new grant at or after now.
func (b *bucket) prune(now time.Time, window time.Duration) {
	cut := sort.Search(len(b.grants), func(i int) bool {
		return b.grants[i].Add(window).After(now)
	})
	if cut > 0 {
		b.grants = append(b.grants[:0], b.grants[cut:]...)
	}
}

func sleepUntil(ctx context.Context, at time.Time) error {
	wait := time.Until(at)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
