// Package governor implements per-(source, tenant) token-bucket admission
// for outbound SaaS calls. Buckets are created lazily on first reference
// and live for the life of the process.
package governor

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Status is a bucket snapshot for response metadata. Reading it never
// consumes tokens.
type Status struct {
	Remaining int `json:"remaining"`
	Capacity  int `json:"capacity"`
}

// bucket is the mutable rate state for one (source, tenant) pair. The
// mutex guards the refill+consume critical section only; it is never held
// across IO.
type bucket struct {
	mu           sync.Mutex
	tokens       float64
	capacity     float64
	refillPerSec float64
	lastRefill   time.Time
}

// refill lazily tops the bucket up based on elapsed time. Caller holds mu.
func (b *bucket) refill(now time.Time) {
	delta := now.Sub(b.lastRefill).Seconds()
	if delta > 0 {
		b.tokens = min(b.capacity, b.tokens+delta*b.refillPerSec)
	}
	b.lastRefill = now
}

// Governor admits fetches against per-(source, tenant) token buckets.
// Admission is FIFO within a tenant (mutex fairness); tenants never share
// a bucket, so one tenant cannot starve another here.
type Governor struct {
	buckets *xsync.Map[string, *bucket]
	now     func() time.Time
}

// New creates an empty governor.
func New() *Governor {
	return &Governor{
		buckets: xsync.NewMap[string, *bucket](),
		now:     time.Now,
	}
}

func key(source, tenant string) string { return source + "|" + tenant }

func (g *Governor) bucketFor(source, tenant string, capacity, refillPerSec float64) *bucket {
	b, _ := g.buckets.LoadOrCompute(key(source, tenant), func() (*bucket, bool) {
		return &bucket{
			tokens:       capacity,
			capacity:     capacity,
			refillPerSec: refillPerSec,
			lastRefill:   g.now(),
		}, false
	})
	return b
}

// Admit refills the bucket and consumes one token. On refusal it returns
// the retry-after hint (1 - tokens) / refill_per_second.
//
// Capacity and refill rate come from the source descriptor on every call;
// a config change takes effect on the next admission without resetting
// accumulated tokens below the new capacity.
func (g *Governor) Admit(source, tenant string, capacity, refillPerSec float64) (ok bool, retryAfter time.Duration) {
	b := g.bucketFor(source, tenant, capacity, refillPerSec)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.capacity = capacity
	b.refillPerSec = refillPerSec
	b.refill(g.now())

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.refillPerSec <= 0 {
		// No refill configured; the deficit never clears.
		return false, time.Duration(1<<62 - 1)
	}
	deficit := 1 - b.tokens
	return false, time.Duration(deficit / b.refillPerSec * float64(time.Second))
}

// Status reports the bucket state without consuming tokens. An unseen
// (source, tenant) pair reports a full bucket.
func (g *Governor) Status(source, tenant string, capacity, refillPerSec float64) Status {
	b := g.bucketFor(source, tenant, capacity, refillPerSec)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(g.now())
	return Status{Remaining: int(b.tokens), Capacity: int(b.capacity)}
}
