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

import (
	"fmt"
	"strings"
)

const (
	// defaultBucketDepth is the local depth of the first bucket in a fresh
	// directory: 2^2 = 4 slots.
	defaultBucketDepth = 2
	// defaultDirectoryDepth is the global depth of a fresh directory: 2^3 =
	// 8 directory slots.
	defaultDirectoryDepth = 3
	// mergeLoadShift gates buddy merges: a bucket and its buddy merge only
	// when used<<mergeLoadShift < capacity holds on both sides, i.e. both
	// are below 1/8 load. The combined occupancy is then below 1/4 of the
	// merged capacity, so the post-merge shrink always fits.
	mergeLoadShift = 3
)

// handle addresses a bucket in a directory's pool. Directory slots hold
// handles rather than bucket pointers, which makes the many-to-one mapping
// from slots to buckets an explicit, inspectable table: the number of slots
// holding a given handle is always 2^(globalDepth-localDepth) for that
// bucket.
type handle int32

// directory is a single-level extendible hash table over a pool of buckets.
// It routes an entry by the low globalDepth bits of its hash and maintains
// the slot array across bucket splits and merges.
//
// A directory slot array always has power-of-two length 2^globalDepth. Slots
// whose indexes agree in their low localDepth bits reference the same bucket
// ("buddy" aliasing); grow doubles the array by mirroring it, so a depth
// increase never moves an entry, it only rewrites handles.
type directory[K comparable, V any] struct {
	// slots is 2^globalDepth in length.
	slots []handle
	// pool backs every bucket the directory has ever allocated; slots and
	// freeList partition it into referenced and spare buckets. Appending to
	// pool moves its backing array, so bucket pointers must be re-acquired
	// via their handle after any allocBucket call.
	pool []bucket[K, V]
	// freeList holds handles of released buckets available for reuse by the
	// next split.
	freeList []handle
	// The number of live entries across all buckets, maintained by delta.
	used int
	// globalDepth is the number of low-order hash bits used to index slots.
	globalDepth uint
	// minDepth is the directory's initial global depth. Buckets never merge
	// below it.
	minDepth uint
}

// newDirectory constructs an empty directory at the map's configured initial
// global depth, with one bucket per low-bit suffix class at the initial
// local depth. Every slot class therefore starts with exactly
// 2^(globalDepth-localDepth) aliases of its bucket, which is the state the
// split and merge repointing loops preserve.
func newDirectory[K comparable, V any](m *Map[K, V]) *directory[K, V] {
	d := &directory[K, V]{
		slots:       make([]handle, 1<<m.dirDepth),
		globalDepth: m.dirDepth,
		minDepth:    m.dirDepth,
	}
	depth := min(m.bucketDepth, m.dirDepth)
	for c := 0; c < 1<<depth; c++ {
		h := d.allocBucket(m, depth)
		for i := c; i < len(d.slots); i += 1 << depth {
			d.slots[i] = h
		}
	}
	return d
}

// slotIndex returns the directory slot for hash value h.
func (d *directory[K, V]) slotIndex(h uint64) int {
	return int(h & (uint64(1)<<d.globalDepth - 1))
}

// pairIndex returns the buddy slot of bucketNo for a bucket at the given
// local depth: the slot whose index differs only in bit localDepth-1.
func pairIndex(bucketNo int, localDepth uint) int {
	return bucketNo ^ (1 << (localDepth - 1))
}

// allocBucket returns a handle to an empty bucket of capacity 2^depth,
// reusing a released bucket if one is available.
func (d *directory[K, V]) allocBucket(m *Map[K, V], depth uint) handle {
	if n := len(d.freeList); n > 0 {
		h := d.freeList[n-1]
		d.freeList = d.freeList[:n-1]
		d.pool[h].init(m, depth)
		return h
	}
	d.pool = append(d.pool, bucket[K, V]{})
	h := handle(len(d.pool) - 1)
	d.pool[h].init(m, depth)
	return h
}

// freeBucket releases the bucket's storage and places its handle on the free
// list. The caller must have already removed every slot reference.
func (d *directory[K, V]) freeBucket(m *Map[K, V], h handle) {
	d.pool[h].release(m)
	d.freeList = append(d.freeList, h)
}

// buckets calls yield for every live bucket in the pool. If yield returns
// false, iteration stops.
func (d *directory[K, V]) buckets(yield func(h handle, b *bucket[K, V]) bool) {
	for i := range d.pool {
		if b := &d.pool[i]; b.live() {
			if !yield(handle(i), b) {
				return
			}
		}
	}
}

// put inserts an entry into the directory, overwriting an existing value if
// an entry with the same key already exists. If the target bucket is at
// capacity it is split and the put is retried; the retry cannot fail because
// a split doubles the capacity available to the entry's slot. Returns true
// if a new entry was inserted rather than overwritten.
func (d *directory[K, V]) put(m *Map[K, V], h uint64, key K, value V) bool {
	i := d.slotIndex(h)
	inserted, ok := d.pool[d.slots[i]].put(h, key, value)
	if !ok {
		d.split(m, i)
		// The split may have grown the directory; recompute the slot.
		i = d.slotIndex(h)
		inserted, ok = d.pool[d.slots[i]].put(h, key, value)
		if !ok {
			panic(fmt.Sprintf("exthash: bucket %d full after split\n%s", i, d.debugString()))
		}
	}
	if inserted {
		d.used++
	}
	d.checkInvariants(m)
	return inserted
}

// get retrieves the value for the specified hash and key, returning ok=false
// if the key is not present.
func (d *directory[K, V]) get(h uint64, key K) (V, bool) {
	return d.pool[d.slots[d.slotIndex(h)]].get(h, key)
}

func (d *directory[K, V]) contains(h uint64, key K) bool {
	return d.pool[d.slots[d.slotIndex(h)]].contains(h, key)
}

// delete removes the entry for the specified hash and key, returning the
// removed value. A successful delete triggers the opportunistic maintenance
// pass: merge the target bucket with its buddy if both are under-loaded, and
// halve the directory when the live entry count drops below a quarter of the
// slot count and no bucket still addresses the full global depth.
func (d *directory[K, V]) delete(m *Map[K, V], h uint64, key K) (V, bool) {
	i := d.slotIndex(h)
	value, ok := d.pool[d.slots[i]].delete(h, key)
	if !ok {
		return value, false
	}
	d.used--
	d.tryMerge(m, i)
	if d.used*4 < len(d.slots) {
		d.tryShrink()
	}
	d.checkInvariants(m)
	return value, true
}

// split grows the bucket referenced by slot bucketNo by one depth, allocates
// a new buddy bucket, partitions the entries between the two by the now
// significant hash bit, and repoints every directory slot so that the buddy
// aliasing invariant holds at the new depth. Grows the directory first if
// the new local depth exceeds the current global depth.
func (d *directory[K, V]) split(m *Map[K, V], bucketNo int) {
	bh := d.slots[bucketNo]
	d.pool[bh].grow(m)
	newDepth := d.pool[bh].localDepth
	if newDepth > d.globalDepth {
		d.grow()
	}

	pair := pairIndex(bucketNo, newDepth)
	ph := d.allocBucket(m, newDepth)
	b, pb := &d.pool[bh], &d.pool[ph]

	if debug {
		fmt.Printf("split(%d): depth=%d pair=%d global=%d\n", bucketNo, newDepth, pair, d.globalDepth)
	}

	// Move every entry whose hash selects the buddy slot at the new depth.
	mask := uint64(1)<<newDepth - 1
	for i := range b.ctrls {
		if b.ctrls[i] == ctrlEmpty {
			continue
		}
		if s := &b.slots[i]; s.hash&mask == uint64(pair)&mask {
			pb.uncheckedPut(s.hash, s.key, s.value)
			b.ctrls[i] = ctrlEmpty
			b.slots[i] = Slot[K, V]{}
			b.used--
		}
	}

	for i := range d.slots {
		switch uint64(i) & mask {
		case uint64(bucketNo) & mask:
			d.slots[i] = bh
		case uint64(pair) & mask:
			d.slots[i] = ph
		}
	}
}

// grow doubles the slot array by mirroring it and increments the global
// depth. Slot i and slot i+2^oldGlobalDepth alias the same bucket
// afterwards; no entry moves.
func (d *directory[K, V]) grow() {
	d.slots = append(d.slots, d.slots...)
	d.globalDepth++
}

// canShrink reports whether no bucket addresses the full global depth, i.e.
// the top half of the slot array is redundant aliasing.
func (d *directory[K, V]) canShrink() bool {
	ok := true
	d.buckets(func(_ handle, b *bucket[K, V]) bool {
		if b.localDepth == d.globalDepth {
			ok = false
		}
		return ok
	})
	return ok
}

// tryShrink halves the slot array and decrements the global depth if no
// bucket requires the current addressing width. A noop otherwise.
func (d *directory[K, V]) tryShrink() {
	if !d.canShrink() {
		return
	}
	d.globalDepth--
	d.slots = d.slots[:1<<d.globalDepth]
}

// tryMerge merges the bucket referenced by slot bucketNo with its buddy if
// both are at the same local depth and both are below the merge load gate.
// The buddy's entries move into the surviving bucket, the merged bucket
// shrinks to the decremented depth, every slot that referenced the buddy is
// repointed, and the buddy's handle returns to the free list. A noop if any
// precondition fails.
func (d *directory[K, V]) tryMerge(m *Map[K, V], bucketNo int) {
	bh := d.slots[bucketNo]
	depth := d.pool[bh].localDepth
	if depth <= d.minDepth {
		return
	}
	pair := pairIndex(bucketNo, depth)
	ph := d.slots[pair]
	if d.pool[ph].localDepth != depth {
		return
	}
	capacity := 1 << depth
	if d.pool[bh].used<<mergeLoadShift >= capacity ||
		d.pool[ph].used<<mergeLoadShift >= capacity {
		return
	}

	if debug {
		fmt.Printf("merge(%d): depth=%d pair=%d used=%d+%d\n",
			bucketNo, depth, pair, d.pool[bh].used, d.pool[ph].used)
	}

	b, pb := &d.pool[bh], &d.pool[ph]
	for i := range pb.ctrls {
		if pb.ctrls[i] != ctrlEmpty {
			s := &pb.slots[i]
			b.uncheckedPut(s.hash, s.key, s.value)
		}
	}
	b.shrink(m)

	for i := range d.slots {
		if d.slots[i] == ph {
			d.slots[i] = bh
		}
	}
	d.freeBucket(m, ph)
}

// checkInvariants verifies the directory's structural invariants, panicking
// on violation. Compiled away unless the invariants build tag is set.
func (d *directory[K, V]) checkInvariants(m *Map[K, V]) {
	if !invariants {
		return
	}

	if n := len(d.slots); n != 1<<d.globalDepth {
		panic(fmt.Sprintf("invariant failed: %d slots at global depth %d\n%s",
			n, d.globalDepth, d.debugString()))
	}

	refs := make(map[handle]int)
	canonical := make(map[handle]int)
	for i, h := range d.slots {
		if int(h) < 0 || int(h) >= len(d.pool) || !d.pool[h].live() {
			panic(fmt.Sprintf("invariant failed: slot %d references dead bucket %d\n%s",
				i, h, d.debugString()))
		}
		b := &d.pool[h]
		if c, ok := canonical[h]; !ok {
			canonical[h] = i & (1<<b.localDepth - 1)
		} else if i&(1<<b.localDepth-1) != c {
			panic(fmt.Sprintf("invariant failed: slot %d aliases bucket %d with suffix %0*b\n%s",
				i, h, int(b.localDepth), c, d.debugString()))
		}
		refs[h]++
	}

	var used int
	d.buckets(func(h handle, b *bucket[K, V]) bool {
		if b.localDepth > d.globalDepth {
			panic(fmt.Sprintf("invariant failed: bucket %d local depth %d > global depth %d\n%s",
				h, b.localDepth, d.globalDepth, d.debugString()))
		}
		if b.capacity() != 1<<b.localDepth {
			panic(fmt.Sprintf("invariant failed: bucket %d capacity %d at local depth %d\n%s",
				h, b.capacity(), b.localDepth, d.debugString()))
		}
		if want := 1 << (d.globalDepth - b.localDepth); refs[h] != want {
			panic(fmt.Sprintf("invariant failed: bucket %d referenced by %d slots, want %d\n%s",
				h, refs[h], want, d.debugString()))
		}
		var n int
		for i := range b.ctrls {
			if b.ctrls[i] == ctrlEmpty {
				continue
			}
			n++
			s := &b.slots[i]
			if b.ctrls[i] != h2(s.hash) {
				panic(fmt.Sprintf("invariant failed: bucket %d slot %d ctrl %02x != h2 %02x\n%s",
					h, i, b.ctrls[i], h2(s.hash), d.debugString()))
			}
			if got := d.slots[d.slotIndex(s.hash)]; got != h {
				panic(fmt.Sprintf("invariant failed: bucket %d entry %v routes to bucket %d\n%s",
					h, s.key, got, d.debugString()))
			}
		}
		if n != b.used {
			panic(fmt.Sprintf("invariant failed: bucket %d holds %d entries, used count is %d\n%s",
				h, n, b.used, d.debugString()))
		}
		used += b.used
		return true
	})
	if used != d.used {
		panic(fmt.Sprintf("invariant failed: buckets hold %d entries, used count is %d\n%s",
			used, d.used, d.debugString()))
	}

	for _, h := range d.freeList {
		if d.pool[h].live() {
			panic(fmt.Sprintf("invariant failed: free bucket %d is live\n%s", h, d.debugString()))
		}
		if refs[h] != 0 {
			panic(fmt.Sprintf("invariant failed: free bucket %d referenced by %d slots\n%s",
				h, refs[h], d.debugString()))
		}
	}
}

func (d *directory[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "global-depth=%d  used=%d  pool=%d  free=%d\n",
		d.globalDepth, d.used, len(d.pool), len(d.freeList))
	for i, h := range d.slots {
		fmt.Fprintf(&buf, "  %0*b: bucket %d\n", int(d.globalDepth), i, h)
	}
	d.buckets(func(h handle, b *bucket[K, V]) bool {
		fmt.Fprintf(&buf, "  bucket %d: local-depth=%d used=%d/%d\n",
			h, b.localDepth, b.used, b.capacity())
		return true
	})
	return buf.String()
}
