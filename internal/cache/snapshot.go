package cache

import (
	"iter"
	"maps"
)

// Snapshot is an immutable view of the cache at one version.
//
// Snapshots are never mutated after publication; holders of an older
// snapshot keep seeing exactly what they captured.
type Snapshot[K comparable, V any] struct {
	entries map[K]V
	version uint64
	clone   func(V) V
}

// Version returns the mutation counter that produced this snapshot.
func (s Snapshot[K, V]) Version() uint64 {
	return s.version
}

// Len returns the number of entries.
func (s Snapshot[K, V]) Len() int {
	return len(s.entries)
}

// Has reports whether key has an entry.
func (s Snapshot[K, V]) Has(key K) bool {
	_, ok := s.entries[key]
	return ok
}

// Get returns the entry for key. A miss reports found=false.
func (s Snapshot[K, V]) Get(key K) (value V, found bool) {
	value, found = s.entries[key]
	if !found {
		return value, false
	}

	return s.cloneValue(value), true
}

// Pick returns the sub-mapping whose keys satisfy keep. The result is owned by the caller.
func (s Snapshot[K, V]) Pick(keep func(K) bool) map[K]V {
	picked := make(map[K]V)
	for key, value := range s.entries {
		if keep == nil || keep(key) {
			picked[key] = s.cloneValue(value)
		}
	}

	return picked
}

// PickKeys returns the entries for keys, omitting misses.
func (s Snapshot[K, V]) PickKeys(keys []K) map[K]V {
	picked := make(map[K]V, len(keys))
	for _, key := range keys {
		if value, ok := s.entries[key]; ok {
			picked[key] = s.cloneValue(value)
		}
	}

	return picked
}

// All iterates entries in unspecified order.
func (s Snapshot[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for key, value := range s.entries {
			if !yield(key, s.cloneValue(value)) {
				return
			}
		}
	}
}

// Keys iterates keys in unspecified order.
func (s Snapshot[K, V]) Keys() iter.Seq[K] {
	return maps.Keys(s.entries)
}

func (s Snapshot[K, V]) cloneValue(value V) V {
	if s.clone == nil {
		return value
	}

	return s.clone(value)
}
