package store

import (
	"fmt"

	"granite/pkg/dberrors"
	"granite/pkg/keys"
	"granite/pkg/memtable"
	"granite/pkg/perf"
	"granite/pkg/snapshot"
	"granite/pkg/types"
)

// Get returns the value of key at the current visible horizon.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.get(key, types.SeqNum(s.visible.Load()), nil)
}

// GetAt reads key as of the snapshot.
func (s *Store) GetAt(snap *snapshot.Snapshot, key []byte) ([]byte, error) {
	return s.get(key, snap.Seq(), nil)
}

// GetPerf is Get with performance counters accumulated into pc.
func (s *Store) GetPerf(key []byte, pc *perf.PerfContext) ([]byte, error) {
	return s.get(key, types.SeqNum(s.visible.Load()), pc)
}

// get walks the sources newest to oldest: active memtable, sealed memtables,
// then the tables of the pinned version. The first non-merge entry decides;
// merge operands accumulate until then.
func (s *Store) get(key []byte, horizon types.SeqNum, pc *perf.PerfContext) ([]byte, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}

	// Memtables and the version must come from one critical section: a flush
	// retires its memtable and installs the new table atomically under s.mu,
	// so splitting the snapshot could double-count merge operands.
	s.mu.Lock()
	memtables := make([]*memtable.Memtable, 0, 1+len(s.imm))
	memtables = append(memtables, s.mem)
	for i := len(s.imm) - 1; i >= 0; i-- {
		memtables = append(memtables, s.imm[i])
	}
	v := s.vset.Current()
	s.mu.Unlock()
	defer v.Unref()

	var rdSeq types.SeqNum // newest covering range tombstone so far
	var operands [][]byte  // merge operands, newest first

	// resolveChain consumes one source's visible chain. done means a
	// terminal entry (or covering tombstone) decided the result.
	resolveChain := func(entries []keys.Entry) (val []byte, done bool, err error) {
		for _, e := range entries {
			if e.Seq() < rdSeq {
				// Shadowed by a range deletion from a newer source.
				val, err := s.finishMerge(key, nil, false, operands)
				return val, true, err
			}
			switch e.Kind() {
			case keys.KindPut:
				val, err := s.finishMerge(key, e.Value, true, operands)
				return val, true, err
			case keys.KindDelete, keys.KindSingleDelete:
				val, err := s.finishMerge(key, nil, false, operands)
				return val, true, err
			case keys.KindMerge:
				operands = append(operands, e.Value)
				if pc != nil {
					pc.MergeOperands++
				}
			}
		}
		return nil, false, nil
	}

	for _, mt := range memtables {
		if rd := mt.RangeDelSeq(key, horizon); rd > rdSeq {
			rdSeq = rd
		}
		entries, found := mt.Get(key, horizon)
		if !found {
			continue
		}
		if pc != nil {
			pc.GetFromMemtable++
		}
		if val, done, err := resolveChain(entries); done {
			return val, err
		}
	}

	for _, f := range v.TablesForKey(key) {
		r := f.Reader()
		if rd := r.RangeDelSeq(key, horizon); rd > rdSeq {
			rdSeq = rd
		}
		entries, err := r.Get(key, horizon, pc)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		if pc != nil {
			pc.GetFromOutputFiles++
		}
		if val, done, err := resolveChain(entries); done {
			return val, err
		}
	}

	// Ran off the bottom: only merge operands (or nothing) remain.
	return s.finishMerge(key, nil, false, operands)
}

// finishMerge resolves accumulated merge operands against the base value.
// operands arrive newest first.
func (s *Store) finishMerge(key, base []byte, basePresent bool, operands [][]byte) ([]byte, error) {
	if len(operands) == 0 {
		if !basePresent {
			return nil, dberrors.ErrNotFound
		}
		return base, nil
	}
	if s.opts.Merger == nil {
		return nil, fmt.Errorf("%w: merge operands present but no merge operator configured", dberrors.ErrInvalidArgument)
	}

	oldestFirst := make([][]byte, len(operands))
	for i, op := range operands {
		oldestFirst[len(operands)-1-i] = op
	}
	var b []byte
	if basePresent {
		b = base
	}
	merged, ok := s.opts.Merger.FullMerge(key, b, oldestFirst)
	if !ok {
		return nil, dberrors.Corruption("merge operator %s failed for key %q", s.opts.Merger.Name(), key)
	}
	return merged, nil
}
