package store

import (
	"granite/pkg/dberrors"
	"granite/pkg/iterator"
	"granite/pkg/keys"
	"granite/pkg/snapshot"
	"granite/pkg/types"
	"granite/pkg/version"
)

// Iterator walks user keys in ascending order, exposing only the resolved
// visible state: newest versions win, tombstones hide, merge operands are
// combined. It observes a fixed horizon; writes after creation are invisible.
type Iterator struct {
	s       *Store
	v       *version.Version
	horizon types.SeqNum
	mi      *iterator.Merging
	rds     []keys.RangeTombstone

	key   []byte
	val   []byte
	valid bool
	err   error
}

// NewIterator returns an iterator over the store at the current visible
// horizon. The caller must Close it.
func (s *Store) NewIterator() (*Iterator, error) {
	return s.newIterator(types.SeqNum(s.visible.Load()))
}

// NewIteratorAt returns an iterator pinned to the snapshot's horizon.
func (s *Store) NewIteratorAt(snap *snapshot.Snapshot) (*Iterator, error) {
	return s.newIterator(snap.Seq())
}

func (s *Store) newIterator(horizon types.SeqNum) (*Iterator, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	it := &Iterator{s: s, horizon: horizon}

	s.mu.Lock()
	children := []iterator.Iterator{s.mem.Iter()}
	for i := len(s.imm) - 1; i >= 0; i-- {
		children = append(children, s.imm[i].Iter())
	}
	it.rds = append(it.rds, s.mem.RangeTombstones()...)
	for _, mt := range s.imm {
		it.rds = append(it.rds, mt.RangeTombstones()...)
	}
	// Pin the version inside the same critical section; flushes retire a
	// memtable and install its table atomically under s.mu.
	it.v = s.vset.Current()
	s.mu.Unlock()

	children = append(children, it.v.Iters(nil)...)
	it.rds = append(it.rds, it.v.RangeTombstones()...)

	// Drop tombstones beyond the horizon once instead of per key.
	kept := it.rds[:0]
	for _, rd := range it.rds {
		if rd.Seq <= horizon {
			kept = append(kept, rd)
		}
	}
	it.rds = kept

	it.mi = iterator.NewMerging(s.cmp, children...)
	return it, nil
}

// First positions the iterator at the smallest key.
func (it *Iterator) First() {
	it.mi.First()
	it.findEntry()
}

// Seek positions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) {
	it.mi.SeekGE(keys.Search(key, it.horizon))
	it.findEntry()
}

// Next advances to the next distinct user key.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.findEntry()
}

func (it *Iterator) Valid() bool { return it.valid && it.err == nil }

// Key returns the current user key. The slice is owned by the iterator and
// stable until the next positioning call.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current resolved value.
func (it *Iterator) Value() []byte { return it.val }

func (it *Iterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.mi.Error()
}

// Close releases the iterator's pins on memtables, tables and the version.
func (it *Iterator) Close() error {
	err := it.mi.Close()
	if it.v != nil {
		it.v.Unref()
		it.v = nil
	}
	it.valid = false
	return err
}

// findEntry resolves user keys starting at the merging iterator's position
// until one is visibly present, consuming all versions of each key.
func (it *Iterator) findEntry() {
	it.valid = false
	for it.mi.Valid() && it.err == nil {
		uk := append([]byte(nil), it.mi.Key().UserKey...)
		val, found := it.resolveKey(uk)
		if it.err != nil {
			return
		}
		if found {
			it.key = uk
			it.val = val
			it.valid = true
			return
		}
	}
	if err := it.mi.Error(); err != nil && it.err == nil {
		it.err = err
	}
}

// resolveKey consumes every entry of uk from the merged stream and reduces
// them to the key's visible value, if any.
func (it *Iterator) resolveKey(uk []byte) ([]byte, bool) {
	rdSeq := it.coveringSeq(uk)

	var operands [][]byte
	var value []byte
	decided, present := false, false

	for it.mi.Valid() && it.s.cmp.Compare(it.mi.Key().UserKey, uk) == 0 {
		ik := it.mi.Key()
		if !decided && ik.Visible(it.horizon) {
			switch {
			case ik.Seq() < rdSeq:
				decided = true
				value, present = it.mergeResult(uk, nil, false, operands)
			default:
				switch ik.Kind() {
				case keys.KindPut:
					decided = true
					value, present = it.mergeResult(uk, it.mi.Value(), true, operands)
				case keys.KindDelete, keys.KindSingleDelete:
					decided = true
					value, present = it.mergeResult(uk, nil, false, operands)
				case keys.KindMerge:
					operands = append(operands, append([]byte(nil), it.mi.Value()...))
				}
			}
		}
		it.mi.Next()
	}
	if !decided {
		value, present = it.mergeResult(uk, nil, false, operands)
	}
	return value, present
}

func (it *Iterator) mergeResult(key, base []byte, basePresent bool, operands [][]byte) ([]byte, bool) {
	val, err := it.s.finishMerge(key, base, basePresent, operands)
	if err != nil {
		if dberrors.IsNotFound(err) {
			return nil, false
		}
		it.err = err
		return nil, false
	}
	return append([]byte(nil), val...), true
}

// coveringSeq returns the newest visible range tombstone covering key.
func (it *Iterator) coveringSeq(key []byte) types.SeqNum {
	var max types.SeqNum
	for _, rd := range it.rds {
		if rd.Seq > max &&
			it.s.cmp.Compare(rd.Start, key) <= 0 &&
			it.s.cmp.Compare(key, rd.End) < 0 {
			max = rd.Seq
		}
	}
	return max
}
