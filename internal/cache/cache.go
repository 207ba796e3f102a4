// Package cache implements the freshness-aware rowset cache. Entries are
// keyed by (tenant, source, table, canonical filter hash) and carry their
// materialization time; callers decide freshness against a per-query
// staleness budget, while the store itself enforces the source's hard
// staleness ceiling via entry TTL.
//
// The cache is local to one process. Its only cross-request coordination
// obligation is single-flight: concurrent misses for the same key coalesce
// into one upstream fetch.
package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"github.com/omnisql/omnisql/internal/types"
)

// Entry is one cached rowset with its materialization time.
type Entry struct {
	Rowset    types.Rowset
	CreatedAt time.Time
	Hits      atomic.Int64
}

// Config sizes the cache.
type Config struct {
	// MaxEntries bounds the total entry count; eviction beyond it is the
	// store's LRU-flavored policy.
	MaxEntries int
	// TenantSoftCap bounds entries per tenant. When a tenant exceeds it,
	// that tenant's oldest entries are dropped.
	TenantSoftCap int
}

// DefaultConfig returns the sizing used when none is configured.
func DefaultConfig() Config {
	return Config{MaxEntries: 4096, TenantSoftCap: 512}
}

// Cache is the freshness cache. Safe for concurrent use.
type Cache struct {
	cfg     Config
	store   otter.CacheWithVariableTTL[string, *Entry]
	flights singleflight.Group
	tenants *xsync.Map[string, *atomic.Int64]

	hits   atomic.Int64
	misses atomic.Int64

	now func() time.Time
}

// New builds a cache with the given sizing.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg = DefaultConfig()
	}
	c := &Cache{
		cfg:     cfg,
		tenants: xsync.NewMap[string, *atomic.Int64](),
		now:     time.Now,
	}
	store, err := otter.MustBuilder[string, *Entry](cfg.MaxEntries).
		Cost(func(_ string, _ *Entry) uint32 { return 1 }).
		WithVariableTTL().
		DeletionListener(func(key string, _ *Entry, _ otter.DeletionCause) {
			if ctr, ok := c.tenants.Load(tenantOf(key)); ok {
				ctr.Add(-1)
			}
		}).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build cache store: %w", err)
	}
	c.store = store
	return c, nil
}

// Key builds the canonical cache key. The fetched projection and the
// pushed filters both shape what a connector returns, so both go into
// the key: entries fetched with different column sets must not collide.
// Filters are sorted by column and serialized with a stable encoding
// before hashing, so logically equal filter maps collide regardless of
// construction order; columns keep their given order (the planner emits
// them in schema order).
func Key(tenant, source, table string, columns []string, filters map[string]types.PushedFilter) string {
	cols := make([]string, 0, len(filters))
	for col := range filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	var sb strings.Builder
	for _, col := range columns {
		sb.WriteString(col)
		sb.WriteByte(0x1f)
	}
	sb.WriteByte(0x1e)
	for _, col := range cols {
		f := filters[col]
		sb.WriteString(col)
		sb.WriteByte(0)
		sb.WriteString(f.Op.String())
		sb.WriteByte(0)
		if f.Op == types.OpIn {
			for _, v := range f.Values {
				fmt.Fprintf(&sb, "%v", v)
				sb.WriteByte(0x1f)
			}
		} else {
			fmt.Fprintf(&sb, "%v", f.Value)
		}
		sb.WriteByte(0)
	}

	h := xxh3.Hash128([]byte(sb.String()))
	var buf [16]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(h.Lo >> (8 * i))
		buf[8+i] = byte(h.Hi >> (8 * i))
	}
	return tenant + "|" + source + "|" + table + "|" + hex.EncodeToString(buf[:])
}

func tenantOf(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}

// Lookup returns the cached rowset and its age when an entry exists within
// the staleness budget. A budget of zero always misses (cache bypass).
func (c *Cache) Lookup(key string, maxStaleness time.Duration) (types.Rowset, time.Duration, bool) {
	if maxStaleness <= 0 {
		c.misses.Add(1)
		return types.Rowset{}, 0, false
	}
	entry, ok := c.store.Get(key)
	if !ok {
		c.misses.Add(1)
		return types.Rowset{}, 0, false
	}
	age := c.now().Sub(entry.CreatedAt)
	if age > maxStaleness {
		c.misses.Add(1)
		return types.Rowset{}, 0, false
	}
	entry.Hits.Add(1)
	c.hits.Add(1)
	rs := entry.Rowset
	rs.Age = age
	return rs, age, true
}

// LookupStale returns an entry regardless of the caller's budget, bounded
// only by the hard staleness ceiling. Used as the fallback when upstream
// is throttled or timing out.
func (c *Cache) LookupStale(key string, hardCap time.Duration) (types.Rowset, time.Duration, bool) {
	entry, ok := c.store.Get(key)
	if !ok {
		return types.Rowset{}, 0, false
	}
	age := c.now().Sub(entry.CreatedAt)
	if hardCap > 0 && age > hardCap {
		return types.Rowset{}, 0, false
	}
	rs := entry.Rowset
	rs.Age = age
	return rs, age, true
}

// Put stores a freshly fetched rowset. The entry TTL is the source's hard
// staleness ceiling, so an entry can never be served past it.
func (c *Cache) Put(key string, rs types.Rowset, hardCap time.Duration) {
	if hardCap <= 0 {
		hardCap = time.Hour
	}
	entry := &Entry{Rowset: rs, CreatedAt: c.now()}
	if c.store.Set(key, entry, hardCap) {
		tenant := tenantOf(key)
		ctr, _ := c.tenants.LoadOrStore(tenant, new(atomic.Int64))
		if ctr.Add(1) > int64(c.cfg.TenantSoftCap) {
			c.evictOldest(tenant)
		}
	}
}

// evictOldest drops the oldest entries of one tenant until it is back
// under the soft cap.
func (c *Cache) evictOldest(tenant string) {
	type aged struct {
		key string
		at  time.Time
	}
	var entries []aged
	prefix := tenant + "|"
	c.store.Range(func(key string, e *Entry) bool {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, aged{key, e.CreatedAt})
		}
		return true
	})
	over := len(entries) - c.cfg.TenantSoftCap
	if over <= 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for _, e := range entries[:over] {
		c.store.Delete(e.key)
	}
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(key string) {
	c.store.Delete(key)
}

// Fetch coalesces concurrent misses for the same key: one caller runs fn,
// all callers receive its result. The fn result is NOT written back here;
// the fetch pipeline owns write-back so it can honor the source's hard
// cap. Returns shared=true for callers that received a coalesced result.
func (c *Cache) Fetch(ctx context.Context, key string, fn func() (types.Rowset, error)) (types.Rowset, bool, error) {
	ch := c.flights.DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case <-ctx.Done():
		return types.Rowset{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return types.Rowset{}, res.Shared, res.Err
		}
		return res.Val.(types.Rowset), res.Shared, nil
	}
}

// Stats is a point-in-time cache summary for diagnostics.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// Stats reports hit/miss counters and the current entry count.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.store.Size(),
	}
}
