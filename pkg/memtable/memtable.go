// Package memtable implements the mutable in-memory write buffer of the
// LSM-tree. Entries live in a concurrent skip-list map keyed by user key,
// each holding its chain of versions ordered newest first, so concurrent
// writers never block readers and insert order only matters through the
// sequence numbers carried by the entries.
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"granite/pkg/keys"
	"granite/pkg/types"
)

// Entry is one version of a user key.
type Entry = keys.Entry

// RangeTombstone deletes [Start, End) for every entry with a smaller
// sequence number.
type RangeTombstone = keys.RangeTombstone

type versionChain struct {
	mu sync.Mutex
	// entries sorted by trailer descending (newest first).
	entries []Entry
}

func (vc *versionChain) add(e Entry) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	i := 0
	for i < len(vc.entries) && vc.entries[i].Trailer > e.Trailer {
		i++
	}
	vc.entries = append(vc.entries, Entry{})
	copy(vc.entries[i+1:], vc.entries[i:])
	vc.entries[i] = e
}

func (vc *versionChain) snapshot() []Entry {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	out := make([]Entry, len(vc.entries))
	copy(out, vc.entries)
	return out
}

// Memtable holds recent writes until they are flushed into a level-0
// SSTable. All methods are safe for concurrent use.
type Memtable struct {
	cmp  keys.Comparator
	data *skipmap.FuncMap[[]byte, *versionChain]
	size atomic.Int64
	n    atomic.Int64

	rdMu      sync.Mutex
	rangeDels []RangeTombstone

	// logNum is the WAL file whose records this memtable holds; the log
	// is retired once the memtable is flushed.
	logNum types.FileNum
}

func New(cmp keys.Comparator, logNum types.FileNum) *Memtable {
	return &Memtable{
		cmp: cmp,
		data: skipmap.NewFunc[[]byte, *versionChain](func(a, b []byte) bool {
			return cmp.Compare(a, b) < 0
		}),
		logNum: logNum,
	}
}

// LogNum returns the WAL file number backing this memtable.
func (mt *Memtable) LogNum() types.FileNum { return mt.logNum }

// Insert applies one mutation. For KindRangeDelete key is the start key and
// value the exclusive end key.
func (mt *Memtable) Insert(seq types.SeqNum, kind keys.Kind, key, value []byte) {
	const entryOverhead = 16

	if kind == keys.KindRangeDelete {
		mt.rdMu.Lock()
		mt.rangeDels = append(mt.rangeDels, RangeTombstone{
			Start: append([]byte(nil), key...),
			End:   append([]byte(nil), value...),
			Seq:   seq,
		})
		mt.rdMu.Unlock()
		mt.size.Add(int64(len(key)+len(value)) + entryOverhead)
		mt.n.Add(1)
		return
	}

	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)
	chain, _ := mt.data.LoadOrStoreLazy(k, func() *versionChain {
		return &versionChain{}
	})
	chain.add(Entry{Trailer: keys.MakeTrailer(seq, kind), Value: v})

	mt.size.Add(int64(len(k)+len(v)) + entryOverhead)
	mt.n.Add(1)
}

// Get returns the visible version chain for key: every entry with sequence
// number <= horizon, newest first, stopping after the first non-Merge entry.
// The second result is false when no version is visible.
func (mt *Memtable) Get(key []byte, horizon types.SeqNum) ([]Entry, bool) {
	chain, ok := mt.data.Load(key)
	if !ok {
		return nil, false
	}

	var out []Entry
	for _, e := range chain.snapshot() {
		if e.Seq() > horizon {
			continue
		}
		out = append(out, e)
		if e.Kind() != keys.KindMerge {
			break
		}
	}
	return out, len(out) > 0
}

// RangeDelSeq returns the largest sequence number <= horizon of a range
// tombstone covering key, or zero when none does.
func (mt *Memtable) RangeDelSeq(key []byte, horizon types.SeqNum) types.SeqNum {
	mt.rdMu.Lock()
	defer mt.rdMu.Unlock()

	var max types.SeqNum
	for _, rd := range mt.rangeDels {
		if rd.Seq > horizon || rd.Seq <= max {
			continue
		}
		if mt.cmp.Compare(rd.Start, key) <= 0 && mt.cmp.Compare(key, rd.End) < 0 {
			max = rd.Seq
		}
	}
	return max
}

// RangeTombstones returns a snapshot of the recorded range deletions.
func (mt *Memtable) RangeTombstones() []RangeTombstone {
	mt.rdMu.Lock()
	defer mt.rdMu.Unlock()
	out := make([]RangeTombstone, len(mt.rangeDels))
	copy(out, mt.rangeDels)
	return out
}

// ApproximateSize returns the accounted in-memory footprint in bytes.
func (mt *Memtable) ApproximateSize() int64 { return mt.size.Load() }

// Empty reports whether no mutation was ever applied.
func (mt *Memtable) Empty() bool { return mt.n.Load() == 0 }
