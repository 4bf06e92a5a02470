package sstable

import (
	"encoding/binary"
	"sort"

	"granite/pkg/cache"
	"granite/pkg/dberrors"
	"granite/pkg/iterator"
	"granite/pkg/keys"
	"granite/pkg/perf"
)

// tableIter walks one table in internal-key order. It pins at most one data
// block in the cache at a time.
type tableIter struct {
	r  *Reader
	pc *perf.PerfContext

	idx    int // index of the loaded block, -1 before positioning
	data   []byte
	off    int
	handle *cache.Handle

	ik    keys.InternalKey
	val   []byte
	valid bool
	err   error
}

// NewIter returns an iterator over the table. The optional perf context
// accumulates cache and read counters.
func (r *Reader) NewIter(pc *perf.PerfContext) iterator.Iterator {
	return &tableIter{r: r, pc: pc, idx: -1}
}

func (it *tableIter) loadBlock(i int) bool {
	it.releaseBlock()
	if i >= len(it.r.index) {
		it.valid = false
		return false
	}
	data, handle, err := it.r.dataBlock(it.r.index[i].handle, it.pc)
	if err != nil {
		it.err = err
		it.valid = false
		return false
	}
	it.idx = i
	it.data = data
	it.off = 0
	it.handle = handle
	return true
}

func (it *tableIter) releaseBlock() {
	if it.handle != nil {
		it.handle.Release()
		it.handle = nil
	}
	it.data = nil
}

// parseNext decodes the entry at the current block offset.
func (it *tableIter) parseNext() bool {
	for it.off >= len(it.data) {
		if !it.loadBlock(it.idx + 1) {
			return false
		}
	}

	data := it.data[it.off:]
	klen, w1 := binary.Uvarint(data)
	if w1 <= 0 {
		it.corrupt()
		return false
	}
	vlen, w2 := binary.Uvarint(data[w1:])
	if w2 <= 0 || uint64(len(data)-w1-w2) < klen+vlen {
		it.corrupt()
		return false
	}
	enc := data[w1+w2 : w1+w2+int(klen)]
	it.val = data[w1+w2+int(klen) : w1+w2+int(klen)+int(vlen)]

	ik, err := keys.Decode(enc)
	if err != nil {
		it.corrupt()
		return false
	}
	it.ik = ik
	it.off += w1 + w2 + int(klen) + int(vlen)
	it.valid = true
	return true
}

func (it *tableIter) corrupt() {
	it.err = dberrors.Corruption("table %s: malformed data block %d", it.r.path, it.idx)
	it.valid = false
}

func (it *tableIter) First() {
	if !it.loadBlock(0) {
		return
	}
	it.parseNext()
}

func (it *tableIter) SeekGE(key keys.InternalKey) {
	if it.pc != nil {
		it.pc.SeekInternal++
	}
	// Find the first block whose last key is >= key.
	i := sort.Search(len(it.r.index), func(i int) bool {
		sep, err := keys.Decode(it.r.index[i].sep)
		if err != nil {
			return true
		}
		return keys.Compare(it.r.opts.Cmp, sep, key) >= 0
	})
	if !it.loadBlock(i) {
		return
	}
	for it.parseNext() {
		if keys.Compare(it.r.opts.Cmp, it.ik, key) >= 0 {
			return
		}
	}
}

func (it *tableIter) Next() {
	if it.valid {
		it.parseNext()
	}
}

func (it *tableIter) Valid() bool { return it.valid && it.err == nil }

func (it *tableIter) Key() keys.InternalKey { return it.ik }

func (it *tableIter) Value() []byte { return it.val }

func (it *tableIter) Error() error { return it.err }

func (it *tableIter) Close() error {
	it.releaseBlock()
	it.valid = false
	return it.err
}
