// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package pagetable implements the hash-indexed group-by store:
// fixed-width value slots keyed by a 64-bit hash supplied by the caller,
// organized as a radix trie whose leaves head a chain of same-hash slots
// (no open addressing), so that lookups stay shallow as the
// table grows and pages can be memory-mapped once the working set is
// large. The caller resolves hash collisions by re-comparing key bytes;
// this package only promises "every slot inserted under hash h is
// returned by IterHash(h)".
package pagetable

import (
	"github.com/csvagg/csvagg/internal/arena"
	"github.com/csvagg/csvagg/internal/scratch"
)

const (
	radix   = 4
	tabsize = 1 << radix
	tabmask = tabsize - 1
	maxbits = 64
)

// Table is a paged hash table of fixed-width value slots. The zero value
// is not usable; construct with New.
type Table struct {
	valueSize int
	vals      *arena.Arena

	// nodes is the radix trie: nodes[0] is the root. A positive entry is
	// 1+index of a child node; a negative entry is ^index of a slots[]
	// entry (the head of the hash chain for that entry's exact hash).
	nodes [][tabsize]int32
	slots []slotRec
}

type slotRec struct {
	hash uint64
	data []byte
	next int32 // index into slots, -1 if this is the chain tail
}

// New creates an empty Table. dir may be nil to keep all value storage
// resident in the Go heap (suitable for small runs and tests); pass a
// *scratch.Dir to allow pages to spill to disk once the working set
// crosses arena.DefaultMmapThreshold.
func New(dir *scratch.Dir) *Table {
	return &Table{
		vals:  arena.New(dir),
		nodes: make([][tabsize]int32, 1),
	}
}

// SetValueSize fixes the width, in bytes, of every slot. Must be called
// once before the first Insert.
func (t *Table) SetValueSize(n int) {
	t.valueSize = n
}

// Insert allocates a fresh, zero-initialized slot associated with hash
// and returns it. Multiple inserts with the same hash are permitted; the
// table does not deduplicate by hash, only the caller knows whether two
// equal hashes represent the same logical key.
func (t *Table) Insert(hash uint64) []byte {
	data := t.vals.Alloc(t.valueSize, 8)
	idx := int32(len(t.slots))
	t.slots = append(t.slots, slotRec{hash: hash, data: data})

	nodeIdx := 0
	depth := uint(0)
	for {
		nib := (hash >> depth) & tabmask
		ref := t.nodes[nodeIdx][nib]
		switch {
		case ref == 0:
			// empty slot in the trie: this chain starts here
			t.slots[idx].next = -1
			t.nodes[nodeIdx][nib] = ^idx
			return data
		case ref > 0:
			nodeIdx = int(ref - 1)
			depth += radix
		default:
			headIdx := ^ref
			if t.slots[headIdx].hash == hash || depth >= maxbits {
				// same hash (or we've run out of bits to disambiguate,
				// which only happens for a true hash collision):
				// prepend onto the existing chain
				t.slots[idx].next = headIdx
				t.nodes[nodeIdx][nib] = ^idx
				return data
			}
			// different hash sharing this prefix: push a new level and
			// re-home the existing chain head one level deeper, then
			// keep walking for the new entry
			newNode := int32(len(t.nodes))
			t.nodes = append(t.nodes, [tabsize]int32{})
			existingNib := (t.slots[headIdx].hash >> (depth + radix)) & tabmask
			t.nodes[newNode][existingNib] = ref
			t.nodes[nodeIdx][nib] = newNode + 1
			nodeIdx = int(newNode)
			depth += radix
		}
	}
}

// find locates the head slot index for an exact hash, or -1 if absent.
func (t *Table) find(hash uint64) int32 {
	nodeIdx := 0
	depth := uint(0)
	for {
		nib := (hash >> depth) & tabmask
		ref := t.nodes[nodeIdx][nib]
		switch {
		case ref == 0:
			return -1
		case ref > 0:
			nodeIdx = int(ref - 1)
			depth += radix
			if depth > maxbits {
				return -1
			}
		default:
			return ^ref
		}
	}
}

// HashIter iterates every slot inserted under one particular hash.
type HashIter struct {
	t    *Table
	next int32
}

// IterHash begins iteration over every slot whose stored hash equals
// hash, in unspecified order.
func (t *Table) IterHash(hash uint64) *HashIter {
	return &HashIter{t: t, next: t.find(hash)}
}

// Next returns the next slot in the chain, or (nil, false) when exhausted.
func (it *HashIter) Next() ([]byte, bool) {
	if it.next < 0 {
		return nil, false
	}
	rec := &it.t.slots[it.next]
	it.next = rec.next
	return rec.data, true
}

// AllIter iterates every slot in the table, in unspecified order.
type AllIter struct {
	t     *Table
	idx   int
	order []int32
}

// IterAll begins iteration over every slot ever inserted.
func (t *Table) IterAll() *AllIter {
	order := make([]int32, 0, len(t.slots))
	var walk func(nodeIdx int)
	walk = func(nodeIdx int) {
		for _, ref := range t.nodes[nodeIdx] {
			switch {
			case ref == 0:
				continue
			case ref > 0:
				walk(int(ref - 1))
			default:
				for i := ^ref; i >= 0; i = t.slots[i].next {
					order = append(order, i)
				}
			}
		}
	}
	walk(0)
	return &AllIter{t: t, order: order}
}

// Next returns the next slot in the table, or (nil, false) when exhausted.
func (it *AllIter) Next() ([]byte, bool) {
	if it.idx >= len(it.order) {
		return nil, false
	}
	i := it.order[it.idx]
	it.idx++
	return it.t.slots[i].data, true
}

// Len reports how many slots have been inserted.
func (t *Table) Len() int {
	return len(t.slots)
}

// Close releases any disk-backed value pages.
func (t *Table) Close() error {
	return t.vals.Close()
}
