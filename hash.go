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
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// defaultHasher returns a hash function for any comparable key type, backed
// by hash/maphash with a seed drawn at construction. The seed varies between
// Map instances, so hash values are stable for the lifetime of a Map but not
// across instances or processes; use WithHash for a reproducible hash.
func defaultHasher[K comparable]() func(key K) uint64 {
	seed := maphash.MakeSeed()
	return func(key K) uint64 {
		return maphash.Comparable(seed, key)
	}
}

// StringHash hashes a string key with xxhash. It is deterministic across
// processes, unlike the default per-Map seeded hash, and is intended for use
// with WithHash:
//
//	m := New[string, string](5, WithHash[string, string](StringHash))
func StringHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// BytesHash hashes a byte slice with xxhash, for callers composing their own
// key encodings before handing a hash to WithHash.
func BytesHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}
