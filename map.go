// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package exthash is an in-memory key-value index built on extendible
// hashing: a hash table whose addressing structure grows and shrinks one
// bucket at a time rather than via full-table rehashing. See
// https://en.wikipedia.org/wiki/Extendible_hashing. It is the kind of hash
// index a database or cache engine embeds as a storage primitive.
//
// # Structure
//
// A Map is two levels of addressing over a 64-bit hash. The top level is a
// fixed array of 2^shardDepth shards indexed by the high bits of the hash;
// each shard is an independent extendible-hash directory, created lazily on
// first write and never resized. A directory routes by the low bits of the
// hash, masked to its current global depth, to a bucket holding the
// entries. The two levels read disjoint ends of the same hash value, which
// is what makes them independent addressing spaces.
//
// A directory's slot array always has power-of-two length 2^globalDepth.
// Each bucket records a localDepth <= globalDepth: the number of low-order
// hash bits that distinguish its entries from its buddy's. When localDepth <
// globalDepth, multiple directory slots reference the same bucket:
//
//	 directory (globalDepth=2)
//	+----+
//	| 00 | --> slot[0] \
//	+----+              +--> bucket[localDepth=1]
//	| 10 | --> slot[2] /
//	+----+
//	| 01 | --> slot[1] ----> bucket[localDepth=2]
//	+----+
//	| 11 | --> slot[3] ----> bucket[localDepth=2]
//	+----+
//
// (Slots are shown in suffix order: low-bit routing groups slots by their
// low localDepth bits.) When a bucket fills up it is split: its depth is
// incremented, a buddy bucket is allocated, and the entries are partitioned
// by the newly significant hash bit. If the new local depth exceeds the
// global depth the directory first doubles by mirroring its slot array.
// Splitting the bucket at slot[1] above:
//
//	 directory (globalDepth=3)
//	+-----+
//	| 000 | --> slot[0] \
//	+-----+              \
//	| 010 | --> slot[2]   \
//	+-----+                +--> bucket[localDepth=1]
//	| 100 | --> slot[4]   /
//	+-----+              /
//	| 110 | --> slot[6] /
//	+-----+
//	| 001 | --> slot[1] \
//	+-----+              +----> bucket[localDepth=2]
//	| 101 | --> slot[5] /
//	+-----+
//	| 011 | --> slot[3] ------> bucket[localDepth=3]
//	+-----+
//	| 111 | --> slot[7] ------> bucket[localDepth=3]
//	+-----+
//
// Deletion runs the inverse maintenance: a bucket merges with its buddy when
// both sit at the same depth below 1/8 load, and the directory halves its
// slot array when no bucket addresses the full global depth. Bucket capacity
// therefore tracks local load in both directions, and no operation ever
// rehashes more than one bucket's worth of entries.
//
// Within a bucket, operations are linear scans over a small control byte
// array holding 7 bits of each slot's hash, so most non-matching slots are
// rejected with a single byte comparison. The full hash is stored alongside
// each entry; a lookup requires both the hash and key to match.
//
// # Concurrency
//
// A Map is NOT goroutine-safe. All operations are synchronous and run to
// completion; callers requiring concurrent access must synchronize
// externally, either with a single exclusive lock or one lock per shard
// (shards are independent after creation).
package exthash

import "fmt"

const debug = false

// hashBits is the width of the hash type routed over.
const hashBits = 64

// Map is an unordered map from keys to values with Put, Get, Contains,
// Delete, and All operations, implemented as 2^shardDepth independent
// extendible-hash directories. By default keys are hashed with
// hash/maphash seeded per Map; a different hash function can be specified
// using the WithHash option.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	// The hash function applied to keys. Deterministic for the lifetime of
	// the Map; equal keys hash equal.
	hash func(key K) uint64
	// The allocator to use for bucket slot and control storage.
	allocator Allocator[K, V]
	// shards is 2^shardDepth in length, entries created on first write and
	// never destroyed or resized.
	shards []*directory[K, V]
	// The number of entries across all shards.
	used int
	// shardDepth is the number of high-order hash bits used to index
	// shards. Fixed at construction.
	shardDepth uint
	// Initial local depth of newly allocated buckets and initial global
	// depth of newly created shard directories.
	bucketDepth uint
	dirDepth    uint
}

// New constructs an empty Map with 2^shardDepth shards. New panics if
// shardDepth is negative or not below the 64-bit hash width; this is a
// programmer error, not a runtime condition, and is reported at
// construction rather than surfacing mid-operation. The upper bound is
// exclusive: 1<<64 overflows int to zero, which would leave the map with
// an empty shard array.
func New[K comparable, V any](shardDepth int, options ...option[K, V]) *Map[K, V] {
	if shardDepth < 0 || shardDepth >= hashBits {
		panic(fmt.Sprintf("exthash: shard depth %d outside [0, %d)", shardDepth, hashBits))
	}
	m := &Map[K, V]{
		hash:        defaultHasher[K](),
		allocator:   defaultAllocator[K, V]{},
		shards:      make([]*directory[K, V], 1<<shardDepth),
		shardDepth:  uint(shardDepth),
		bucketDepth: defaultBucketDepth,
		dirDepth:    defaultDirectoryDepth,
	}
	for _, op := range options {
		op.apply(m)
	}
	return m
}

// shard returns the shard index for hash value h: the top shardDepth bits.
// When shardDepth is 0 the shift count is 64 and the index is always 0.
func (m *Map[K, V]) shard(h uint64) uint64 {
	return h >> (hashBits - m.shardDepth)
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists.
func (m *Map[K, V]) Put(key K, value V) {
	h := m.hash(key)
	s := m.shard(h)
	d := m.shards[s]
	if d == nil {
		d = newDirectory(m)
		m.shards[s] = d
	}
	if d.put(m, h, key, value) {
		m.used++
	}
}

// Get retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	h := m.hash(key)
	if d := m.shards[m.shard(h)]; d != nil {
		return d.get(h, key)
	}
	return value, false
}

// Contains reports whether the map holds an entry for the specified key.
func (m *Map[K, V]) Contains(key K) bool {
	h := m.hash(key)
	if d := m.shards[m.shard(h)]; d != nil {
		return d.contains(h, key)
	}
	return false
}

// Delete removes the entry corresponding to the specified key from the map,
// returning the removed value. It is a noop to delete a non-existent key. A
// successful delete additionally runs the shard's merge and shrink
// maintenance, releasing bucket and directory capacity that load no longer
// justifies.
func (m *Map[K, V]) Delete(key K) (value V, ok bool) {
	h := m.hash(key)
	d := m.shards[m.shard(h)]
	if d == nil {
		return value, false
	}
	value, ok = d.delete(m, h, key)
	if ok {
		m.used--
	}
	return value, ok
}

// All calls yield sequentially for each key and value present in the map, in
// no particular order. If yield returns false, iteration stops. The map must
// not be mutated during iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	for _, d := range m.shards {
		if d == nil {
			continue
		}
		stop := false
		d.buckets(func(_ handle, b *bucket[K, V]) bool {
			for i := range b.ctrls {
				if b.ctrls[i] == ctrlEmpty {
					continue
				}
				if s := &b.slots[i]; !yield(s.key, s.value) {
					stop = true
					return false
				}
			}
			return true
		})
		if stop {
			return
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Empty reports whether the map holds no entries.
func (m *Map[K, V]) Empty() bool {
	return m.used == 0
}

// Depth returns the shard depth the map was constructed with.
func (m *Map[K, V]) Depth() int {
	return int(m.shardDepth)
}

// Clear removes all entries from the map, releasing bucket storage back to
// the configured allocator and dropping every shard directory. The shard
// array itself is retained.
func (m *Map[K, V]) Clear() {
	for i, d := range m.shards {
		if d == nil {
			continue
		}
		d.buckets(func(_ handle, b *bucket[K, V]) bool {
			b.release(m)
			return true
		})
		m.shards[i] = nil
	}
	m.used = 0
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[K, V]) Close() {
	if m.allocator == nil {
		return
	}
	m.Clear()
	m.shards = nil
	m.allocator = nil
}

// capacity returns the total entry capacity of all buckets. Useful for
// testing.
func (m *Map[K, V]) capacity() int {
	var n int
	for _, d := range m.shards {
		if d == nil {
			continue
		}
		d.buckets(func(_ handle, b *bucket[K, V]) bool {
			n += b.capacity()
			return true
		})
	}
	return n
}
