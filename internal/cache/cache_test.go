package cache

import (
	"fmt"
	"maps"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type record struct {
	Name   string
	Fields map[string]string
}

func cloneRecord(r record) record {
	r.Fields = maps.Clone(r.Fields)
	return r
}

func newRecordCache() *Cache[string, record] {
	return New[string, record](WithName[record]("test"), WithClone(cloneRecord))
}

// TestMergeIsIdempotent verifies merging identical input twice yields an equal snapshot.
func TestMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	input := map[string]record{
		"a": {Name: "alice", Fields: map[string]string{"avatar": "cat"}},
		"b": {Name: "bob"},
	}

	if changed := c.Merge(input); !changed {
		t.Fatal("first merge reported no change")
	}
	once := c.Snapshot()

	if changed := c.Merge(input); changed {
		t.Fatal("second identical merge reported a change")
	}
	twice := c.Snapshot()

	if diff := cmp.Diff(once.Pick(nil), twice.Pick(nil)); diff != "" {
		t.Fatalf("snapshots differ (-once +twice):\n%s", diff)
	}
	if once.Version() != twice.Version() {
		t.Fatalf("version = %d, want %d", twice.Version(), once.Version())
	}
}

// TestMergeLastWriteWins verifies overwrite semantics per key.
func TestMergeLastWriteWins(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	c.Put("a", record{Name: "alice"})
	c.Put("a", record{Name: "alicia"})

	got, found := c.Get("a")
	if !found || got.Name != "alicia" {
		t.Fatalf("get = (%+v, %v), want alicia", got, found)
	}
	if c.Snapshot().Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Snapshot().Len())
	}
}

// TestSnapshotsAreImmutable verifies earlier snapshots are unaffected by later writes.
func TestSnapshotsAreImmutable(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	fields := map[string]string{"avatar": "cat"}
	c.Put("a", record{Name: "alice", Fields: fields})
	before := c.Snapshot()

	fields["avatar"] = "dog"
	c.Put("b", record{Name: "bob"})
	c.Delete("a")

	got, found := before.Get("a")
	if !found {
		t.Fatal("old snapshot lost key a")
	}
	if got.Fields["avatar"] != "cat" {
		t.Fatalf("old snapshot avatar = %q, want cat", got.Fields["avatar"])
	}
	if before.Has("b") {
		t.Fatal("old snapshot observed later insert")
	}

	got.Fields["avatar"] = "fish"
	again, _ := before.Get("a")
	if again.Fields["avatar"] != "cat" {
		t.Fatal("Get must not expose snapshot-owned maps")
	}
}

// TestPickFiltersByPredicate verifies pick projections.
func TestPickFiltersByPredicate(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	c.Merge(map[string]record{"a": {Name: "alice"}, "b": {Name: "bob"}, "c": {Name: "carol"}})

	picked := c.Pick(func(key string) bool { return key != "b" })
	want := map[string]record{"a": {Name: "alice"}, "c": {Name: "carol"}}
	if diff := cmp.Diff(want, picked); diff != "" {
		t.Fatalf("pick mismatch (-want +got):\n%s", diff)
	}

	byKeys := c.Snapshot().PickKeys([]string{"c", "missing"})
	if diff := cmp.Diff(map[string]record{"c": {Name: "carol"}}, byKeys); diff != "" {
		t.Fatalf("pick keys mismatch (-want +got):\n%s", diff)
	}
}

// TestWatchKeyPrecision verifies a single-key view ignores writes to other keys.
func TestWatchKeyPrecision(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	var notifications []Lookup[record]
	initial, unsubscribe := WatchKey(c, "a", func(lookup Lookup[record]) {
		notifications = append(notifications, lookup)
	})
	t.Cleanup(unsubscribe)

	if initial.Found {
		t.Fatalf("initial = %+v, want miss", initial)
	}

	c.Put("b", record{Name: "bob"})
	if len(notifications) != 0 {
		t.Fatalf("notifications after unrelated write = %d, want 0", len(notifications))
	}

	c.Put("a", record{Name: "alice"})
	if len(notifications) != 1 {
		t.Fatalf("notifications after write to a = %d, want 1", len(notifications))
	}
	if !notifications[0].Found || notifications[0].Value.Name != "alice" {
		t.Fatalf("notification = %+v, want alice", notifications[0])
	}

	c.Put("a", record{Name: "alice"})
	if len(notifications) != 1 {
		t.Fatalf("notifications after identical write = %d, want 1", len(notifications))
	}

	c.Merge(map[string]record{"a": {Name: "alicia"}, "b": {Name: "bobby"}})
	if len(notifications) != 2 {
		t.Fatalf("notifications after batch write = %d, want 2", len(notifications))
	}
}

// TestWatchKeysFiresOnSubsetChange verifies multi-key views.
func TestWatchKeysFiresOnSubsetChange(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	c.Put("a", record{Name: "alice"})

	fired := 0
	var last map[string]record
	initial, unsubscribe := WatchKeys(c, []string{"a", "b"}, func(values map[string]record) {
		fired++
		last = values
	})
	t.Cleanup(unsubscribe)

	if len(initial) != 1 {
		t.Fatalf("initial = %v, want only a", initial)
	}

	c.Put("z", record{Name: "zed"})
	c.Put("b", record{Name: "bob"})
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if len(last) != 2 {
		t.Fatalf("last = %v, want a and b", last)
	}

	c.Delete("a")
	if fired != 2 || len(last) != 1 {
		t.Fatalf("after delete fired=%d last=%v", fired, last)
	}
}

// TestUnsubscribeIsIdempotent verifies unsubscribe stops delivery and releases the view.
func TestUnsubscribeIsIdempotent(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	fired := 0
	_, unsubscribe := WatchKey(c, "a", func(Lookup[record]) { fired++ })
	if c.ViewCount() != 1 {
		t.Fatalf("view count = %d, want 1", c.ViewCount())
	}

	unsubscribe()
	unsubscribe()
	c.Put("a", record{Name: "alice"})

	if fired != 0 {
		t.Fatalf("fired = %d after unsubscribe, want 0", fired)
	}
	if c.ViewCount() != 0 {
		t.Fatalf("view count = %d, want 0", c.ViewCount())
	}
}

// TestObserverMayWriteBack verifies re-entrant writes from a callback are delivered, not deadlocked.
func TestObserverMayWriteBack(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	_, unsubscribeA := WatchKey(c, "a", func(lookup Lookup[record]) {
		if lookup.Found {
			c.Put("mirror", record{Name: lookup.Value.Name})
		}
	})
	t.Cleanup(unsubscribeA)

	var mirrored []string
	_, unsubscribeMirror := WatchKey(c, "mirror", func(lookup Lookup[record]) {
		mirrored = append(mirrored, lookup.Value.Name)
	})
	t.Cleanup(unsubscribeMirror)

	c.Put("a", record{Name: "alice"})

	if diff := cmp.Diff([]string{"alice"}, mirrored); diff != "" {
		t.Fatalf("mirrored mismatch (-want +got):\n%s", diff)
	}
}

// TestObserverPanicDoesNotWedgeCache verifies a panicking observer is isolated.
func TestObserverPanicDoesNotWedgeCache(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	_, unsubscribePanic := WatchKey(c, "a", func(Lookup[record]) { panic("boom") })
	t.Cleanup(unsubscribePanic)

	fired := 0
	_, unsubscribe := WatchKey(c, "a", func(Lookup[record]) { fired++ })
	t.Cleanup(unsubscribe)

	c.Put("a", record{Name: "alice"})
	c.Put("a", record{Name: "alicia"})

	if fired != 2 {
		t.Fatalf("fired = %d, want 2", fired)
	}
}

// TestConcurrentWritersConverge verifies concurrent writes end in a consistent snapshot
// and every view observes the final value.
func TestConcurrentWritersConverge(t *testing.T) {
	t.Parallel()

	c := newRecordCache()
	var mu sync.Mutex
	var lastSeen Lookup[record]
	_, unsubscribe := WatchKey(c, "k-7", func(lookup Lookup[record]) {
		mu.Lock()
		lastSeen = lookup
		mu.Unlock()
	})
	t.Cleanup(unsubscribe)

	const writers = 16
	var wg sync.WaitGroup
	for idx := 0; idx < writers; idx++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.Put(fmt.Sprintf("k-%d", id), record{Name: fmt.Sprintf("writer-%d", id)})
		}(idx)
	}
	wg.Wait()

	if got := c.Snapshot().Len(); got != writers {
		t.Fatalf("len = %d, want %d", got, writers)
	}

	mu.Lock()
	defer mu.Unlock()
	if !lastSeen.Found || lastSeen.Value.Name != "writer-7" {
		t.Fatalf("view last value = %+v, want writer-7", lastSeen)
	}
}
