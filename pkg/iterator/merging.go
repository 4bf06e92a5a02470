package iterator

import (
	"container/heap"
	"errors"

	"granite/pkg/keys"
)

// Merging combines several child iterators into one sorted stream. Children
// may overlap arbitrarily; ties on the full internal key are broken by child
// index, so callers should order newer sources first.
type Merging struct {
	cmp  keys.Comparator
	all  []Iterator
	heap mergeHeap
	err  error
}

// NewMerging builds a merging iterator over the given children. The merging
// iterator owns them and closes them on Close.
func NewMerging(cmp keys.Comparator, children ...Iterator) *Merging {
	return &Merging{
		cmp:  cmp,
		all:  children,
		heap: mergeHeap{cmp: cmp},
	}
}

func (m *Merging) First() {
	m.heap.items = m.heap.items[:0]
	for i, it := range m.all {
		it.First()
		if it.Valid() {
			m.heap.items = append(m.heap.items, mergeItem{it, i})
		} else if err := it.Error(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.heap)
}

func (m *Merging) SeekGE(key keys.InternalKey) {
	m.heap.items = m.heap.items[:0]
	for i, it := range m.all {
		it.SeekGE(key)
		if it.Valid() {
			m.heap.items = append(m.heap.items, mergeItem{it, i})
		} else if err := it.Error(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.heap)
}

func (m *Merging) Next() {
	if len(m.heap.items) == 0 {
		return
	}
	top := m.heap.items[0].iter
	top.Next()
	if top.Valid() {
		heap.Fix(&m.heap, 0)
		return
	}
	if err := top.Error(); err != nil {
		m.err = err
	}
	heap.Pop(&m.heap)
}

func (m *Merging) Valid() bool {
	return m.err == nil && len(m.heap.items) > 0
}

func (m *Merging) Key() keys.InternalKey {
	return m.heap.items[0].iter.Key()
}

func (m *Merging) Value() []byte {
	return m.heap.items[0].iter.Value()
}

func (m *Merging) Error() error {
	if m.err != nil {
		return m.err
	}
	for _, it := range m.all {
		if err := it.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Merging) Close() error {
	var errs []error
	for _, it := range m.all {
		if err := it.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.all = nil
	m.heap.items = nil
	return errors.Join(errs...)
}

type mergeItem struct {
	iter Iterator
	ord  int
}

type mergeHeap struct {
	cmp   keys.Comparator
	items []mergeItem
}

func (h *mergeHeap) Len() int { return len(h.items) }

func (h *mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if c := keys.Compare(h.cmp, a.iter.Key(), b.iter.Key()); c != 0 {
		return c < 0
	}
	return a.ord < b.ord
}

func (h *mergeHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *mergeHeap) Push(x any) {
	h.items = append(h.items, x.(mergeItem))
}

func (h *mergeHeap) Pop() any {
	last := h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	return last
}
