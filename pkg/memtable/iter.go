package memtable

import (
	"sort"

	"granite/pkg/keys"
)

// flatEntry is one internal-key entry of a materialized iterator snapshot.
type flatEntry struct {
	userKey []byte
	entry   Entry
}

// Iter returns an iterator over a point-in-time snapshot of the memtable.
// The snapshot is materialized from the skip list at creation: iteration
// observes either the old or the new version of a concurrently written key,
// never a torn state, and is unaffected by later inserts.
type Iter struct {
	cmp     keys.Comparator
	entries []flatEntry
	pos     int
}

func (mt *Memtable) Iter() *Iter {
	entries := make([]flatEntry, 0, mt.n.Load())
	// Range yields user keys in ascending order; each chain snapshot is
	// ordered by descending trailer, which is exactly internal-key order.
	mt.data.Range(func(key []byte, chain *versionChain) bool {
		for _, e := range chain.snapshot() {
			entries = append(entries, flatEntry{userKey: key, entry: e})
		}
		return true
	})
	return &Iter{cmp: mt.cmp, entries: entries, pos: -1}
}

func (it *Iter) First() { it.pos = 0 }

func (it *Iter) SeekGE(key keys.InternalKey) {
	it.pos = sort.Search(len(it.entries), func(i int) bool {
		fe := it.entries[i]
		ik := keys.InternalKey{UserKey: fe.userKey, Trailer: fe.entry.Trailer}
		return keys.Compare(it.cmp, ik, key) >= 0
	})
}

func (it *Iter) Next() {
	if it.pos < len(it.entries) {
		it.pos++
	}
}

func (it *Iter) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

func (it *Iter) Key() keys.InternalKey {
	fe := it.entries[it.pos]
	return keys.InternalKey{UserKey: fe.userKey, Trailer: fe.entry.Trailer}
}

func (it *Iter) Value() []byte {
	return it.entries[it.pos].entry.Value
}

func (it *Iter) Error() error { return nil }

func (it *Iter) Close() error {
	it.entries = nil
	return nil
}
