// Package buslock arbitrates access to the single shared hardware bus.
//
// Waiters are ordered by tier first and by arrival within a tier. A Low
// waiter can starve while High requests keep arriving.
package buslock

import (
	"context"
	"sync"
	"time"
)

type Tier int

const (
	High Tier = iota
	Medium
	Low

	numTiers = int(Low) + 1
)

func (t Tier) String() string {
	switch t {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	}
	return "unknown"
}

type Lock struct {
	mu   sync.Mutex
	cond *sync.Cond
	busy bool
	// per tier tickets in arrival order, the head is served next
	queue [numTiers][]uint64
	next  [numTiers]uint64
}

func New() *Lock {
	l := &Lock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Acquire blocks until the bus is granted to the caller at tier t and
// returns how long it waited.
func (l *Lock) Acquire(t Tier) time.Duration {
	wait, _ := l.AcquireContext(context.Background(), t)
	return wait
}

// AcquireContext is Acquire that gives up when ctx is done. A caller that
// gives up leaves the queue and does not hold the bus.
func (l *Lock) AcquireContext(ctx context.Context, t Tier) (time.Duration, error) {
	t = clampTier(t)
	start := time.Now()
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.mu.Lock()
	ticket := l.next[t]
	l.next[t]++
	l.queue[t] = append(l.queue[t], ticket)
	for l.busy || l.higherWaiting(t) || l.queue[t][0] != ticket {
		if err := ctx.Err(); err != nil {
			l.withdraw(t, ticket)
			l.mu.Unlock()
			l.cond.Broadcast()
			return time.Since(start), err
		}
		l.cond.Wait()
	}
	l.queue[t] = l.queue[t][1:]
	l.busy = true
	l.mu.Unlock()

	return time.Since(start), nil
}

// must hold mu
func (l *Lock) withdraw(t Tier, ticket uint64) {
	q := l.queue[t]
	for i, tk := range q {
		if tk == ticket {
			l.queue[t] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

func (l *Lock) Release() {
	l.mu.Lock()
	if !l.busy {
		l.mu.Unlock()
		panic("buslock: release of a free bus")
	}
	l.busy = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Do runs fn while holding the bus at tier t.
func (l *Lock) Do(t Tier, fn func() error) (time.Duration, error) {
	wait := l.Acquire(t)
	defer l.Release()
	return wait, fn()
}

// DoContext is Do that gives up waiting for the bus when ctx is done. fn
// is not called in that case.
func (l *Lock) DoContext(ctx context.Context, t Tier, fn func() error) (time.Duration, error) {
	wait, err := l.AcquireContext(ctx, t)
	if err != nil {
		return wait, err
	}
	defer l.Release()
	return wait, fn()
}

// Waiting reports the number of callers currently blocked at tier t.
func (l *Lock) Waiting(t Tier) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue[clampTier(t)])
}

func (l *Lock) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy
}

func (l *Lock) higherWaiting(t Tier) bool {
	for h := High; h < t; h++ {
		if len(l.queue[h]) > 0 {
			return true
		}
	}
	return false
}

func clampTier(t Tier) Tier {
	if t < High {
		return High
	}
	if t > Low {
		return Low
	}
	return t
}
