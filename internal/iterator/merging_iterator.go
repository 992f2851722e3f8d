// Package iterator holds the Iterator contract shared across the storage
// engine and MergingIterator, which fans a set of sorted child iterators
// into one sorted view.
package iterator

import (
	"container/heap"

	"github.com/strandkv/strandkv/internal/block"
)

// Iterator is satisfied by every cursor type in the engine: memtable
// iterators, SST table iterators, and MergingIterator itself, which lets
// merging iterators nest.
type Iterator interface {
	// Valid reports whether the cursor sits on an entry.
	Valid() bool

	// Key returns the current entry's key. Valid only until the next
	// positioning call.
	Key() []byte

	// Value returns the current entry's value.
	Value() []byte

	SeekToFirst()
	SeekToLast()

	// Seek positions at the first entry with key >= target.
	Seek(target []byte)

	Next()
	Prev()

	// Error reports any error encountered while iterating.
	Error() error
}

// MergingIterator presents several sorted Iterators as one sorted stream,
// using a min-heap over their current keys to pick the next entry in O(log
// n) per step rather than scanning every child. It backs both compaction
// (merging the SST files an input level contributes) and read-path
// iteration (merging the active memtable, immutable memtables, and
// on-disk files into a single view).
type MergingIterator struct {
	children []Iterator
	less     func(a, b []byte) int

	heap    *keyHeap
	current int // children[current] holds the iterator's current entry; -1 if exhausted
	err     error
}

// NewMergingIterator merges children into one sorted Iterator, ordering
// entries with less (an internal-key comparator). A nil less falls back to
// plain internal-key ordering.
func NewMergingIterator(children []Iterator, less func(a, b []byte) int) *MergingIterator {
	if less == nil {
		less = block.CompareInternalKeys
	}
	return &MergingIterator{
		children: children,
		less:     less,
		current:  -1,
		heap:     &keyHeap{cmp: less, items: make([]heapEntry, 0, len(children))},
	}
}

func (mi *MergingIterator) Valid() bool {
	return mi.current >= 0 && mi.current < len(mi.children)
}

func (mi *MergingIterator) Key() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Key()
}

func (mi *MergingIterator) Value() []byte {
	if !mi.Valid() {
		return nil
	}
	return mi.children[mi.current].Value()
}

// SeekToFirst rebuilds the heap from every child's first entry and settles
// on the smallest.
func (mi *MergingIterator) SeekToFirst() {
	mi.err = nil
	mi.heap.items = mi.heap.items[:0]

	for i, child := range mi.children {
		child.SeekToFirst()
		if child.Valid() {
			mi.heap.items = append(mi.heap.items, heapEntry{child: i, key: child.Key()})
		}
		if err := child.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
	}

	heap.Init(mi.heap)
	mi.settleOnSmallest()
}

// SeekToLast positions on the overall largest key. The merge only
// maintains a min-heap, so this falls back to an O(children) scan rather
// than the heap-driven path SeekToFirst/Next use.
func (mi *MergingIterator) SeekToLast() {
	mi.err = nil
	mi.current = -1

	largest := -1
	var largestKey []byte

	for i, child := range mi.children {
		child.SeekToLast()
		if child.Valid() && (largest == -1 || mi.less(child.Key(), largestKey) > 0) {
			largest = i
			largestKey = child.Key()
		}
		if err := child.Error(); err != nil {
			mi.err = err
			return
		}
	}

	mi.current = largest
}

// Seek rebuilds the heap from each child's first entry >= target.
func (mi *MergingIterator) Seek(target []byte) {
	mi.err = nil
	mi.heap.items = mi.heap.items[:0]

	for i, child := range mi.children {
		child.Seek(target)
		if child.Valid() {
			mi.heap.items = append(mi.heap.items, heapEntry{child: i, key: child.Key()})
		}
		if err := child.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
	}

	heap.Init(mi.heap)
	mi.settleOnSmallest()
}

// Next advances the current child and restores the heap invariant.
func (mi *MergingIterator) Next() {
	if !mi.Valid() {
		return
	}

	child := mi.children[mi.current]
	child.Next()

	if child.Valid() {
		mi.heap.items[0].key = child.Key()
		heap.Fix(mi.heap, 0)
	} else {
		heap.Pop(mi.heap)
	}

	if err := child.Error(); err != nil {
		mi.err = err
		mi.current = -1
		return
	}

	mi.settleOnSmallest()
}

// Prev moves to the largest key smaller than the current one. The heap
// only tracks a forward ordering, so reverse iteration scans every child
// instead of popping from a second, max-oriented structure.
func (mi *MergingIterator) Prev() {
	if !mi.Valid() {
		return
	}

	currentKey := append([]byte(nil), mi.children[mi.current].Key()...)
	mi.children[mi.current].Prev()

	largest := -1
	var largestKey []byte

	for i, child := range mi.children {
		if child.Valid() {
			k := child.Key()
			if mi.less(k, currentKey) < 0 && (largest == -1 || mi.less(k, largestKey) > 0) {
				largest = i
				largestKey = k
			}
		}
		if err := child.Error(); err != nil {
			mi.err = err
			mi.current = -1
			return
		}
	}

	mi.current = largest
}

func (mi *MergingIterator) Error() error {
	return mi.err
}

// settleOnSmallest points current at the child owning the heap root, or
// marks the merge exhausted once the heap empties.
func (mi *MergingIterator) settleOnSmallest() {
	if mi.heap.Len() == 0 {
		mi.current = -1
		return
	}
	mi.current = mi.heap.items[0].child
}

// heapEntry tracks one child iterator's current key so the heap can order
// children without calling back into them on every comparison.
type heapEntry struct {
	child int
	key   []byte
}

// keyHeap is a container/heap.Interface over heapEntry, ordered by cmp.
type keyHeap struct {
	items []heapEntry
	cmp   func(a, b []byte) int
}

func (h *keyHeap) Len() int { return len(h.items) }

func (h *keyHeap) Less(i, j int) bool {
	return h.cmp(h.items[i].key, h.items[j].key) < 0
}

func (h *keyHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *keyHeap) Push(x any) {
	entry, ok := x.(heapEntry)
	if !ok {
		return
	}
	h.items = append(h.items, entry)
}

func (h *keyHeap) Pop() any {
	n := len(h.items)
	entry := h.items[n-1]
	h.items = h.items[:n-1]
	return entry
}
