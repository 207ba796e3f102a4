package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omnisql/omnisql/internal/types"
)

func testRowset(n int) types.Rowset {
	schema := types.Schema{Columns: []types.ColumnDef{{Name: "id", Type: types.TypeString}}}
	rows := make([]types.Row, n)
	for i := range rows {
		rows[i] = types.Row{"row"}
	}
	return types.Rowset{Schema: schema, Rows: rows}
}

func TestKeyCanonicalization(t *testing.T) {
	a := map[string]types.PushedFilter{
		"status": {Op: types.OpEq, Value: "merged"},
		"repo":   {Op: types.OpEq, Value: "x"},
	}
	b := map[string]types.PushedFilter{
		"repo":   {Op: types.OpEq, Value: "x"},
		"status": {Op: types.OpEq, Value: "merged"},
	}
	if Key("acme", "github", "pull_requests", nil, a) != Key("acme", "github", "pull_requests", nil, b) {
		t.Error("keys differ for logically equal filter maps")
	}

	c := map[string]types.PushedFilter{
		"status": {Op: types.OpEq, Value: "open"},
		"repo":   {Op: types.OpEq, Value: "x"},
	}
	if Key("acme", "github", "pull_requests", nil, a) == Key("acme", "github", "pull_requests", nil, c) {
		t.Error("keys collide for different filter values")
	}
}

func TestKeyScopedByTenant(t *testing.T) {
	filters := map[string]types.PushedFilter{"status": {Op: types.OpEq, Value: "open"}}
	if Key("acme", "github", "pull_requests", nil, filters) == Key("globex", "github", "pull_requests", nil, filters) {
		t.Error("cache keys not tenant-scoped")
	}
}

func TestKeyScopedByProjection(t *testing.T) {
	if Key("acme", "github", "pull_requests", []string{"pr_id"}, nil) ==
		Key("acme", "github", "pull_requests", []string{"pr_id", "team_id"}, nil) {
		t.Error("cache keys not scoped by fetched projection")
	}
}

func TestLookupFreshness(t *testing.T) {
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	key := Key("acme", "github", "pull_requests", nil, nil)
	c.Put(key, testRowset(3), time.Hour)

	now = base.Add(2 * time.Second)
	rs, age, ok := c.Lookup(key, 5*time.Second)
	if !ok {
		t.Fatal("expected fresh hit")
	}
	if age != 2*time.Second {
		t.Errorf("age = %s, want 2s", age)
	}
	if len(rs.Rows) != 3 {
		t.Errorf("rows = %d, want 3", len(rs.Rows))
	}

	now = base.Add(10 * time.Second)
	if _, _, ok := c.Lookup(key, 5*time.Second); ok {
		t.Error("expected miss past the staleness budget")
	}
}

func TestZeroBudgetBypassesCache(t *testing.T) {
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	key := Key("acme", "jira", "issues", nil, nil)
	c.Put(key, testRowset(1), time.Hour)

	if _, _, ok := c.Lookup(key, 0); ok {
		t.Error("zero staleness budget must bypass the cache")
	}
}

func TestLookupStaleHonorsHardCap(t *testing.T) {
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	base := time.Unix(1_700_000_000, 0)
	now := base
	c.now = func() time.Time { return now }

	key := Key("acme", "github", "pull_requests", nil, nil)
	c.Put(key, testRowset(1), time.Hour)

	now = base.Add(30 * time.Second)
	if _, _, ok := c.LookupStale(key, time.Minute); !ok {
		t.Error("expected stale hit within hard cap")
	}
	now = base.Add(2 * time.Minute)
	if _, _, ok := c.LookupStale(key, time.Minute); ok {
		t.Error("stale entry served past the hard staleness cap")
	}
}

func TestSingleFlightCoalesces(t *testing.T) {
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	release := make(chan struct{})
	fetch := func() (types.Rowset, error) {
		calls.Add(1)
		<-release
		return testRowset(1), nil
	}

	const k = 8
	var wg sync.WaitGroup
	key := Key("acme", "github", "pull_requests", nil, nil)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs, _, err := c.Fetch(context.Background(), key, fetch)
			if err != nil {
				t.Errorf("fetch: %v", err)
				return
			}
			if len(rs.Rows) != 1 {
				t.Errorf("rows = %d, want 1", len(rs.Rows))
			}
		}()
	}

	// Let all goroutines pile onto the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("upstream called %d times for %d concurrent misses, want 1", got, k)
	}
}

func TestFetchRespectsCancellation(t *testing.T) {
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	defer close(block)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.Fetch(ctx, "k", func() (types.Rowset, error) {
			<-block
			return types.Rowset{}, nil
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Fetch did not observe cancellation")
	}
}

func TestTenantSoftCap(t *testing.T) {
	c, err := New(Config{MaxEntries: 1024, TenantSoftCap: 4})
	if err != nil {
		t.Fatal(err)
	}
	base := time.Unix(1_700_000_000, 0)
	step := 0
	c.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	keys := make([]string, 6)
	for i := range keys {
		keys[i] = Key("acme", "github", "pull_requests", nil, map[string]types.PushedFilter{
			"repo": {Op: types.OpEq, Value: i},
		})
		c.Put(keys[i], testRowset(1), time.Hour)
	}

	count := 0
	for _, k := range keys {
		if _, _, ok := c.LookupStale(k, 0); ok {
			count++
		}
	}
	if count > 4 {
		t.Errorf("tenant holds %d entries, soft cap is 4", count)
	}
	// The newest entries survive.
	if _, _, ok := c.LookupStale(keys[5], 0); !ok {
		t.Error("newest entry evicted by soft cap")
	}
}
