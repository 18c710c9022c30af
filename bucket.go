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

package exthash

import "fmt"

// Slot holds a key and value along with the full hash of the key. The hash
// is stored so that lookups can reject non-matching slots without comparing
// keys, and so that structural operations (split, merge) can redistribute
// entries without rehashing.
type Slot[K comparable, V any] struct {
	hash  uint64
	key   K
	value V
}

// Each slot in a bucket has a control byte: either ctrlEmpty, or 7 bits of
// the slot's hash (h2) with the high bit clear. Scans compare the control
// byte before touching the slot which keeps the common case of a linear scan
// to a single byte comparison per slot.
//
//	empty: 1 0 0 0 0 0 0 0
//	 full: 0 h h h h h h h  // h represents the h2 hash bits
const ctrlEmpty uint8 = 0b10000000

// h2 extracts 7 hash bits for a slot's control byte. The bits are taken from
// the middle of the hash: the low bits address the directory slot array and
// the high bits address the shard array, so neither end is discriminating
// within a bucket.
func h2(h uint64) uint8 {
	return uint8(h>>48) & 0x7f
}

// bucket is a fixed-capacity array of 2^localDepth slots. Point operations
// are linear scans over the control bytes; the capacity is kept small by the
// directory splitting any bucket that fills up, so the scans stay bounded.
//
// A bucket never relocates entries on its own: grow appends capacity and
// existing entries keep their slot index, and shrink compacts the occupied
// slots into a freshly sized array. Both are invoked only by the owning
// directory as part of split and merge.
type bucket[K comparable, V any] struct {
	// ctrls is 2^localDepth in length, one byte per slot. A released bucket
	// (one sitting on the directory's free list) has a nil ctrls.
	ctrls []uint8
	// slots is 2^localDepth in length, parallel to ctrls.
	slots []Slot[K, V]
	// The number of filled slots.
	used int
	// localDepth is the number of low-order hash bits that distinguish this
	// bucket's entries from its buddy's. localDepth <= globalDepth of the
	// owning directory.
	localDepth uint
}

// init (re)initializes the bucket to an empty state with capacity 2^depth,
// obtaining storage from the map's allocator.
func (b *bucket[K, V]) init(m *Map[K, V], depth uint) {
	n := 1 << depth
	b.ctrls = m.allocator.AllocControls(n)
	for i := range b.ctrls {
		b.ctrls[i] = ctrlEmpty
	}
	b.slots = m.allocator.AllocSlots(n)
	b.used = 0
	b.localDepth = depth
}

// release returns the bucket's storage to the map's allocator. The bucket is
// unusable until the next init.
func (b *bucket[K, V]) release(m *Map[K, V]) {
	m.allocator.FreeSlots(b.slots)
	m.allocator.FreeControls(b.ctrls)
	b.ctrls = nil
	b.slots = nil
	b.used = 0
}

// live reports whether the bucket holds storage, i.e. is not sitting on the
// owning directory's free list.
func (b *bucket[K, V]) live() bool {
	return b.ctrls != nil
}

func (b *bucket[K, V]) capacity() int {
	return len(b.slots)
}

func (b *bucket[K, V]) full() bool {
	return b.used == len(b.slots)
}

func (b *bucket[K, V]) empty() bool {
	return b.used == 0
}

// put inserts an entry into the bucket, overwriting the value if an entry
// with the same hash and key already exists. inserted distinguishes a fresh
// insert from an overwrite so that callers can maintain entry counts by
// delta. ok=false means the bucket is at capacity and the entry was not
// consumed; the caller is expected to split the bucket and retry.
func (b *bucket[K, V]) put(h uint64, key K, value V) (inserted, ok bool) {
	c := h2(h)
	free := -1
	for i := range b.ctrls {
		if b.ctrls[i] == ctrlEmpty {
			if free < 0 {
				free = i
			}
			continue
		}
		if b.ctrls[i] == c {
			if s := &b.slots[i]; s.hash == h && s.key == key {
				s.value = value
				return false, true
			}
		}
	}
	if free < 0 {
		return false, false
	}
	b.ctrls[free] = c
	b.slots[free] = Slot[K, V]{hash: h, key: key, value: value}
	b.used++
	return true, true
}

// uncheckedPut places an entry known not to be in the bucket into the first
// free slot. The caller guarantees there is room. Used when redistributing
// entries during split and merge, where per-key uniqueness already holds.
func (b *bucket[K, V]) uncheckedPut(h uint64, key K, value V) {
	for i := range b.ctrls {
		if b.ctrls[i] == ctrlEmpty {
			b.ctrls[i] = h2(h)
			b.slots[i] = Slot[K, V]{hash: h, key: key, value: value}
			b.used++
			return
		}
	}
	panic("exthash: uncheckedPut into a full bucket")
}

// get retrieves the value for the specified hash and key, returning ok=false
// if no matching entry is present.
func (b *bucket[K, V]) get(h uint64, key K) (value V, ok bool) {
	c := h2(h)
	for i := range b.ctrls {
		if b.ctrls[i] == c {
			if s := &b.slots[i]; s.hash == h && s.key == key {
				return s.value, true
			}
		}
	}
	return value, false
}

func (b *bucket[K, V]) contains(h uint64, key K) bool {
	_, ok := b.get(h, key)
	return ok
}

// delete removes the entry matching the specified hash and key, returning
// the removed value. It is a noop to delete a non-existent entry.
func (b *bucket[K, V]) delete(h uint64, key K) (value V, ok bool) {
	c := h2(h)
	for i := range b.ctrls {
		if b.ctrls[i] == c {
			if s := &b.slots[i]; s.hash == h && s.key == key {
				value = s.value
				b.ctrls[i] = ctrlEmpty
				b.slots[i] = Slot[K, V]{}
				b.used--
				return value, true
			}
		}
	}
	return value, false
}

// grow doubles the bucket's capacity, incrementing localDepth. Existing
// entries keep their slot index; the new capacity is appended after them.
func (b *bucket[K, V]) grow(m *Map[K, V]) {
	oldCtrls, oldSlots := b.ctrls, b.slots
	b.localDepth++
	n := 1 << b.localDepth
	b.ctrls = m.allocator.AllocControls(n)
	b.slots = m.allocator.AllocSlots(n)
	copy(b.ctrls, oldCtrls)
	for i := len(oldCtrls); i < n; i++ {
		b.ctrls[i] = ctrlEmpty
	}
	copy(b.slots, oldSlots)
	m.allocator.FreeSlots(oldSlots)
	m.allocator.FreeControls(oldCtrls)
}

// shrink halves the bucket's capacity, decrementing localDepth and
// compacting the occupied slots into the front of the new array. The caller
// is responsible for ensuring the occupancy fits the halved capacity.
func (b *bucket[K, V]) shrink(m *Map[K, V]) {
	oldCtrls, oldSlots := b.ctrls, b.slots
	b.localDepth--
	n := 1 << b.localDepth
	if b.used > n {
		panic(fmt.Sprintf("exthash: shrink of a bucket with %d entries to capacity %d", b.used, n))
	}
	b.ctrls = m.allocator.AllocControls(n)
	b.slots = m.allocator.AllocSlots(n)
	j := 0
	for i := range oldCtrls {
		if oldCtrls[i] != ctrlEmpty {
			b.ctrls[j] = oldCtrls[i]
			b.slots[j] = oldSlots[i]
			j++
		}
	}
	for ; j < n; j++ {
		b.ctrls[j] = ctrlEmpty
	}
	m.allocator.FreeSlots(oldSlots)
	m.allocator.FreeControls(oldCtrls)
}
