// Copyright 2024 The strtab Authors
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

// Package strtab implements a hash table mapping string keys to opaque
// values, using open-addressing with linear probing. If you're not familiar
// with open-addressing see https://en.wikipedia.org/wiki/Open_addressing:
// all entries are stored directly in a single slot array rather than in
// per-bucket chains, and a colliding key simply scans forward (wrapping at
// the end of the array) until it finds its slot or an empty one.
//
// Linear probing is cache friendly but clusters under high load, so the
// table grows eagerly: whenever half the slots are occupied the slot array
// is doubled and every entry is rehashed into it. Growth is
// build-new-array-then-swap; a failed growth leaves the table exactly as it
// was. Keeping the load factor at or below 1/2 bounds expected probe length
// and guarantees every probe walk terminates at an empty slot.
//
// Keys are hashed with 64-bit FNV-1a
// (https://en.wikipedia.org/wiki/Fowler–Noll–Vo_hash_function) by default.
// FNV-1a is deterministic and unseeded, which makes slot order reproducible
// for a given key set but provides no resistance to adversarially chosen
// keys; a different hash function can be supplied with the WithHash option.
// The capacity is always a power of two so that hash values map onto slots
// with a mask rather than a modulus.
//
// The table owns a private copy of every stored key and returns that copy
// from Set for callers that want a stable handle. Values are caller-opaque
// references: the table stores and returns them without interpreting them,
// and a nil value is rejected rather than stored. Individual entries cannot
// be deleted; use Clear to empty the table wholesale.
//
// A Table is NOT goroutine-safe.
package strtab

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strings"
)

const (
	debug = false

	// initialCapacity is the slot count of a freshly created table. Must be
	// a non-zero power of two.
	initialCapacity = 16

	fnvOffset = 14695981039346656037
	fnvPrime  = 1099511628211
)

var (
	// ErrNilValue is returned by Set when the supplied value is nil. A nil
	// value is never stored because it would be indistinguishable from the
	// not-found result of Get.
	ErrNilValue = errors.New("strtab: nil value")

	// ErrAllocFailed is returned when the configured Allocator fails to
	// provide a slot array. The table is left unchanged.
	ErrAllocFailed = errors.New("strtab: slot allocation failed")

	// ErrCapacityOverflow is returned when doubling the capacity would
	// overflow. The table is left unchanged.
	ErrCapacityOverflow = errors.New("strtab: capacity overflow")
)

// Slot holds a key and value. An unoccupied slot holds neither; the
// occupied tag is explicit so that the empty string remains a legal key.
type Slot struct {
	key      string
	value    any
	occupied bool
}

// Table is a map from string keys to opaque values with Set, Get, Len,
// Clear, and iteration operations. The zero value for a Table is not
// usable; construct one with New.
//
// A Table is NOT goroutine-safe.
type Table struct {
	// The hash function applied to keys. Defaults to fnv1a.
	hash func(key string) uint64
	// The allocator to use for the slot array.
	allocator Allocator
	// slots is the backing array. len(slots) is the table's capacity,
	// always a non-zero power of two, so len(slots)-1 serves as the mask
	// that maps hash values onto slot indices.
	slots []Slot
	// The number of occupied slots. Growth keeps length <= len(slots)/2.
	length int
}

// New constructs an empty Table. The capacity starts at 16 slots; a larger
// initialCapacity is rounded up to the next power of two. New fails only if
// the configured allocator cannot provide the slot array.
func New(initialCap int, options ...option) (*Table, error) {
	t := &Table{
		hash:      fnv1a,
		allocator: defaultAllocator{},
	}
	for _, op := range options {
		op.apply(t)
	}

	capacity := initialCapacity
	if initialCap > capacity {
		capacity = 1 << bits.Len(uint(initialCap-1))
	}
	slots := t.allocator.AllocSlots(capacity)
	if len(slots) != capacity {
		return nil, ErrAllocFailed
	}
	t.slots = slots
	t.checkInvariants()
	return t, nil
}

// Close closes the table, returning the slot array to its configured
// allocator and dropping every stored key. It is unnecessary to close a
// table using the default allocator. It is invalid to use a Table after it
// has been closed, though Close itself is idempotent.
func (t *Table) Close() {
	if t.slots != nil {
		t.allocator.FreeSlots(t.slots)
		t.slots = nil
	}
	t.length = 0
	t.allocator = nil
}

// Get retrieves the value stored for key, returning ok=false if the key is
// not present. Absence is a normal outcome, not an error, and can never be
// confused with a stored value because nil values are rejected by Set.
func (t *Table) Get(key string) (value any, ok bool) {
	if i, ok := t.find(key); ok {
		return t.slots[i].value, true
	}
	return nil, false
}

// Set inserts an entry into the table, overwriting the value if an entry
// with the same key already exists. It returns the table-owned copy of the
// key, which is stable across updates and growth. Setting a nil value
// returns ErrNilValue; a failed growth returns ErrAllocFailed or
// ErrCapacityOverflow. On error the table is unchanged.
func (t *Table) Set(key string, value any) (string, error) {
	if value == nil {
		return "", ErrNilValue
	}

	i, ok := t.find(key)
	if ok {
		// Update in place. The stored key is untouched.
		t.slots[i].value = value
		return t.slots[i].key, nil
	}

	// Grow before placing a new key so that the load factor never exceeds
	// 1/2 and probe chains stay short. The probe path changes with the
	// capacity, so the insertion slot is recomputed afterwards.
	if t.length >= len(t.slots)/2 {
		if err := t.grow(); err != nil {
			return "", err
		}
		i, _ = t.find(key)
	}

	// Clone the key so the table owns its bytes independently of whatever
	// backing array the caller's string shares.
	stored := strings.Clone(key)
	t.slots[i] = Slot{key: stored, value: value, occupied: true}
	t.length++
	if debug {
		fmt.Printf("set(%q): index=%d length=%d capacity=%d\n",
			key, i, t.length, len(t.slots))
	}
	t.checkInvariants()
	return stored, nil
}

// Len returns the number of entries in the table.
func (t *Table) Len() int {
	return t.length
}

// Clear removes every entry from the table while retaining its current
// capacity.
func (t *Table) Clear() {
	for i := range t.slots {
		t.slots[i] = Slot{}
	}
	t.length = 0
	t.checkInvariants()
}

// capacity returns the size of the slot array. Useful for testing.
func (t *Table) capacity() int {
	return len(t.slots)
}

// find probes for key starting at hash(key) masked into the slot array and
// walking forward one slot at a time, wrapping at the end. It returns the
// index of the matching slot, or the index of the first empty slot on the
// probe path when the key is absent. The walk terminates because growth
// keeps the table at most half full.
func (t *Table) find(key string) (index int, ok bool) {
	mask := uint64(len(t.slots) - 1)
	i := t.hash(key) & mask
	for t.slots[i].occupied {
		if t.slots[i].key == key {
			return int(i), true
		}
		i = (i + 1) & mask
	}
	return int(i), false
}

// grow doubles the capacity of the table by allocating a new slot array and
// rehashing every occupied slot into it. The stored keys move by reference;
// their bytes are not re-cloned, and length is unchanged since the same
// entries are being relocated. The old array is swapped out only once the
// new one is fully built, so any failure leaves the table untouched.
func (t *Table) grow() error {
	if len(t.slots) > math.MaxInt/2 {
		return ErrCapacityOverflow
	}
	newCapacity := 2 * len(t.slots)
	newSlots := t.allocator.AllocSlots(newCapacity)
	if len(newSlots) != newCapacity {
		return ErrAllocFailed
	}
	if debug {
		fmt.Printf("grow: capacity=%d->%d length=%d\n",
			len(t.slots), newCapacity, t.length)
	}

	mask := uint64(newCapacity - 1)
	for _, s := range t.slots {
		if !s.occupied {
			continue
		}
		i := t.hash(s.key) & mask
		for newSlots[i].occupied {
			i = (i + 1) & mask
		}
		newSlots[i] = s
	}

	oldSlots := t.slots
	t.slots = newSlots
	t.allocator.FreeSlots(oldSlots)
	t.checkInvariants()
	return nil
}

// All calls yield sequentially for each key and value present in the table,
// in slot order. If yield returns false, iteration stops. The slot array is
// snapshotted before iterating, so a growth triggered from inside yield
// does not corrupt the walk, though entries moved by it may be observed at
// their old positions.
func (t *Table) All(yield func(key string, value any) bool) {
	slots := t.slots
	for i := range slots {
		if slots[i].occupied {
			if !yield(slots[i].key, slots[i].value) {
				return
			}
		}
	}
}

// Iterator is a cursor over a Table's entries. The zero value is an
// exhausted iterator; obtain a useful one from Table.Iter.
type Iterator struct {
	slots []Slot
	index int
}

// Iter returns an iterator positioned before the table's first occupied
// slot. The iteration order is slot order, not insertion order, and can
// differ for the same key set before and after a growth. Mutating the table
// while an iteration is in progress is unsupported.
func (t *Table) Iter() Iterator {
	return Iterator{slots: t.slots}
}

// Next returns the next entry and advances the cursor, or ok=false once
// every occupied slot has been yielded. An exhausted iterator cannot be
// restarted.
func (it *Iterator) Next() (key string, value any, ok bool) {
	for it.index < len(it.slots) {
		s := &it.slots[it.index]
		it.index++
		if s.occupied {
			return s.key, s.value, true
		}
	}
	return "", nil, false
}

// fnv1a returns the 64-bit FNV-1a hash of key: each byte is XORed into the
// running hash which is then multiplied by the FNV prime, with wraparound
// arithmetic throughout.
func fnv1a(key string) uint64 {
	h := uint64(fnvOffset)
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= fnvPrime
	}
	return h
}

func (t *Table) checkInvariants() {
	if invariants {
		if c := len(t.slots); c == 0 || c&(c-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a non-zero power of two\n%s",
				c, t.debugString()))
		}

		// For every occupied slot, verify the key is reachable through Get.
		// Count the occupied slots.
		var occupied int
		for i := range t.slots {
			if !t.slots[i].occupied {
				continue
			}
			occupied++
			if _, ok := t.Get(t.slots[i].key); !ok {
				panic(fmt.Sprintf("invariant failed: slot(%d): %q not found\n%s",
					i, t.slots[i].key, t.debugString()))
			}
		}
		if occupied != t.length {
			panic(fmt.Sprintf("invariant failed: found %d occupied slots, but length is %d\n%s",
				occupied, t.length, t.debugString()))
		}
		if t.length > len(t.slots) {
			panic(fmt.Sprintf("invariant failed: length %d exceeds capacity %d\n%s",
				t.length, len(t.slots), t.debugString()))
		}
	}
}

func (t *Table) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  length=%d\n", len(t.slots), t.length)
	for i := range t.slots {
		if !t.slots[i].occupied {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
			continue
		}
		fmt.Fprintf(&buf, "  %4d: %q [hash=%016x]\n",
			i, t.slots[i].key, t.hash(t.slots[i].key))
	}
	return buf.String()
}
