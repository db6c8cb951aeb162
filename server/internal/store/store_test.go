package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ospulse/ospulse/server/internal/seriescache"
)

func id(repo, metric string) seriescache.Identity {
	return seriescache.Identity{Platform: "github", Entity: "apache", Repo: repo, Metric: metric}
}

func entry(i seriescache.Identity, at time.Time, v float64) seriescache.Entry {
	return seriescache.Entry{
		Identity:  i,
		Points:    seriescache.Series{{Period: "2024-01", Value: v}},
		UpdatedAt: at,
	}
}

func TestUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	st := New(0)
	if err := st.Upsert(ctx, entry(id("kafka", "openrank"), time.Now(), 4.2)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	e, ok, err := st.Get(ctx, id("kafka", "openrank"))
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if e.Points[0].Value != 4.2 {
		t.Errorf("Value: got %v, want 4.2", e.Points[0].Value)
	}
}

func TestGet_Missing(t *testing.T) {
	_, ok, err := New(0).Get(context.Background(), id("unknown", "openrank"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get on empty store: expected false, got true")
	}
}

func TestGet_UserLevelDistinctFromRepo(t *testing.T) {
	ctx := context.Background()
	st := New(0)
	now := time.Now()
	st.Upsert(ctx, entry(id("", "openrank"), now, 1))      //nolint:errcheck
	st.Upsert(ctx, entry(id("kafka", "openrank"), now, 2)) //nolint:errcheck

	e, _, _ := st.Get(ctx, id("", "openrank"))
	if e.Points[0].Value != 1 {
		t.Errorf("user-level value: got %v, want 1", e.Points[0].Value)
	}
	if st.Count() != 2 {
		t.Errorf("Count: got %d, want 2", st.Count())
	}
}

func TestUpsert_Overwrites(t *testing.T) {
	ctx := context.Background()
	st := New(0)
	base := time.Now()
	st.Upsert(ctx, entry(id("kafka", "activity"), base, 1))                  //nolint:errcheck
	st.Upsert(ctx, entry(id("kafka", "activity"), base.Add(time.Minute), 2)) //nolint:errcheck

	e, _, _ := st.Get(ctx, id("kafka", "activity"))
	if e.Points[0].Value != 2 {
		t.Errorf("Value: got %v, want 2", e.Points[0].Value)
	}
}

func TestUpsert_KeepsNewer(t *testing.T) {
	ctx := context.Background()
	st := New(0)
	base := time.Now()
	st.Upsert(ctx, entry(id("kafka", "activity"), base, 2))                   //nolint:errcheck
	st.Upsert(ctx, entry(id("kafka", "activity"), base.Add(-time.Minute), 1)) //nolint:errcheck

	e, _, _ := st.Get(ctx, id("kafka", "activity"))
	if e.Points[0].Value != 2 {
		t.Errorf("Value: got %v, want 2 (older write must not win)", e.Points[0].Value)
	}
}

func TestList_FiltersByMetric(t *testing.T) {
	ctx := context.Background()
	st := New(0)
	now := time.Now()
	for _, repo := range []string{"kafka", "flink", "spark"} {
		st.Upsert(ctx, entry(id(repo, "openrank"), now, 1)) //nolint:errcheck
		st.Upsert(ctx, entry(id(repo, "activity"), now, 1)) //nolint:errcheck
		st.Upsert(ctx, entry(id(repo, "stars"), now, 1))    //nolint:errcheck
	}

	all, _ := st.List(ctx)
	if len(all) != 9 {
		t.Errorf("List(): got %d entries, want 9", len(all))
	}
	some, _ := st.List(ctx, "openrank", "activity")
	if len(some) != 6 {
		t.Errorf("List(openrank, activity): got %d entries, want 6", len(some))
	}
	for _, e := range some {
		if e.Identity.Metric == "stars" {
			t.Errorf("List returned filtered metric %q", e.Identity.Metric)
		}
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	st := New(0)
	st.Upsert(ctx, entry(id("kafka", "openrank"), time.Now(), 1)) //nolint:errcheck
	if err := st.Delete(ctx, id("kafka", "openrank")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, id("kafka", "openrank")); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if st.Count() != 0 {
		t.Errorf("Count after delete: got %d, want 0", st.Count())
	}
}

func TestEvict_RemovesExpired(t *testing.T) {
	ctx := context.Background()
	base := time.Now()
	st := New(48 * time.Hour)

	st.Upsert(ctx, entry(id("old1", "openrank"), base.Add(-72*time.Hour), 1)) //nolint:errcheck
	st.Upsert(ctx, entry(id("old2", "openrank"), base.Add(-49*time.Hour), 1)) //nolint:errcheck
	st.Upsert(ctx, entry(id("live", "openrank"), base.Add(-time.Hour), 1))    //nolint:errcheck

	if removed := st.Evict(base); removed != 2 {
		t.Errorf("Evict: removed %d, want 2", removed)
	}
	if st.Count() != 1 {
		t.Errorf("Count after evict: got %d, want 1", st.Count())
	}
}

func TestEvict_DisabledKeepsEverything(t *testing.T) {
	ctx := context.Background()
	st := New(0)
	st.Upsert(ctx, entry(id("ancient", "openrank"), time.Unix(0, 0), 1)) //nolint:errcheck
	if removed := st.Evict(time.Now()); removed != 0 {
		t.Errorf("Evict with retention off: removed %d, want 0", removed)
	}
}

func TestRun_ReturnsWhenDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		New(0).Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with retention off did not return")
	}
}

func TestConcurrentUpserts(t *testing.T) {
	ctx := context.Background()
	st := New(0)
	base := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			st.Upsert(ctx, entry(id("kafka", "openrank"), base.Add(time.Duration(n)*time.Second), float64(n))) //nolint:errcheck
		}(i)
	}
	wg.Wait()

	if st.Count() != 1 {
		t.Errorf("Count after concurrent upserts: got %d, want 1", st.Count())
	}
	// The newest write wins regardless of scheduling.
	e, _, _ := st.Get(ctx, id("kafka", "openrank"))
	if e.Points[0].Value != 99 {
		t.Errorf("Value: got %v, want 99", e.Points[0].Value)
	}
}

func TestConcurrentMixedOps(t *testing.T) {
	ctx := context.Background()
	st := New(0)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			st.Upsert(ctx, entry(id(fmt.Sprintf("repo-%d", n), "openrank"), time.Now(), 1)) //nolint:errcheck
		}(i)
		go func() {
			defer wg.Done()
			st.List(ctx) //nolint:errcheck
		}()
	}
	wg.Wait()
}
