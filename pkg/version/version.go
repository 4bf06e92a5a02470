package version

import (
	"sort"
	"sync/atomic"

	"granite/pkg/iterator"
	"granite/pkg/keys"
	"granite/pkg/perf"
)

// Version is an immutable snapshot of which SSTables constitute the database
// at a point in time. Readers, iterators and snapshots pin the Version they
// started against; its files stay on disk until every reference drops.
type Version struct {
	cmp    keys.Comparator
	levels [][]*FileMetadata
	refs   atomic.Int32
	vset   *VersionSet
}

// Ref pins the version.
func (v *Version) Ref() { v.refs.Add(1) }

// Unref releases one pin. When the last pin drops, every file only this
// version still referenced becomes obsolete and is deleted.
func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, level := range v.levels {
		for _, f := range level {
			if f.unref() {
				v.vset.removeObsoleteFile(f)
			}
		}
	}
}

// NumLevels returns the configured level count.
func (v *Version) NumLevels() int { return len(v.levels) }

// Files returns the level's files: level 0 ordered newest first, deeper
// levels ordered by smallest key with disjoint ranges.
func (v *Version) Files(level int) []*FileMetadata { return v.levels[level] }

// LevelBytes returns the total file size of a level.
func (v *Version) LevelBytes(level int) int64 {
	var total int64
	for _, f := range v.levels[level] {
		total += f.Size
	}
	return total
}

// L0Count returns the number of level-0 files.
func (v *Version) L0Count() int { return len(v.levels[0]) }

// TablesForKey returns the files that may hold userKey, in read order:
// level-0 newest to oldest, then one candidate per deeper level.
func (v *Version) TablesForKey(userKey []byte) []*FileMetadata {
	var out []*FileMetadata
	for _, f := range v.levels[0] {
		if f.containsKey(v.cmp, userKey) {
			out = append(out, f)
		}
	}
	for level := 1; level < len(v.levels); level++ {
		files := v.levels[level]
		i := sort.Search(len(files), func(i int) bool {
			return v.cmp.Compare(files[i].Largest.UserKey, userKey) >= 0
		})
		if i < len(files) && files[i].containsKey(v.cmp, userKey) {
			out = append(out, files[i])
		}
	}
	return out
}

// Overlaps returns the files of a level whose user-key ranges intersect
// [start, end]; nil bounds are unbounded. For level 0 the result is expanded
// transitively, since overlapping L0 files must compact together.
func (v *Version) Overlaps(level int, start, end []byte) []*FileMetadata {
	files := v.levels[level]
	var out []*FileMetadata

	if level == 0 {
		// Grow the range until it stops absorbing files.
		for {
			grew := false
			out = out[:0]
			for _, f := range files {
				if !f.overlaps(v.cmp, start, end) {
					continue
				}
				out = append(out, f)
				if start != nil && v.cmp.Compare(f.Smallest.UserKey, start) < 0 {
					start = f.Smallest.UserKey
					grew = true
				}
				if end != nil && v.cmp.Compare(f.Largest.UserKey, end) > 0 {
					end = f.Largest.UserKey
					grew = true
				}
			}
			if !grew {
				return out
			}
		}
	}

	for _, f := range files {
		if f.overlaps(v.cmp, start, end) {
			out = append(out, f)
		}
	}
	return out
}

// Iters returns iterators over every table, level 0 first (newest to
// oldest). The order matters: the merging heap breaks full internal-key ties
// by child index.
func (v *Version) Iters(pc *perf.PerfContext) []iterator.Iterator {
	var out []iterator.Iterator
	for _, level := range v.levels {
		for _, f := range level {
			out = append(out, f.reader.NewIter(pc))
		}
	}
	return out
}

// RangeTombstones collects the range deletions of every table.
func (v *Version) RangeTombstones() []keys.RangeTombstone {
	var out []keys.RangeTombstone
	for _, level := range v.levels {
		for _, f := range level {
			out = append(out, f.reader.RangeTombstones()...)
		}
	}
	return out
}
