package version

import (
	"sync/atomic"

	"granite/pkg/keys"
	"granite/pkg/sstable"
	"granite/pkg/types"
)

// FileMetadata describes one live SSTable. The same instance is shared by
// every Version referencing the file; the reference count tracks those
// Versions, and the file is physically deleted only when it drops to zero.
type FileMetadata struct {
	FileNum     types.FileNum
	Size        int64
	Smallest    keys.InternalKey
	Largest     keys.InternalKey
	SmallestSeq types.SeqNum
	LargestSeq  types.SeqNum
	CreatedAt   int64 // unix seconds

	// MarkedForCompaction is set by table-properties-driven marking
	// (e.g. deletion-heavy files) and prioritized by the picker.
	MarkedForCompaction atomic.Bool

	refs atomic.Int32

	// reader is the open table, owned by this metadata for the file's
	// lifetime.
	reader *sstable.Reader
}

// Reader returns the open table reader.
func (f *FileMetadata) Reader() *sstable.Reader { return f.reader }

func (f *FileMetadata) ref() { f.refs.Add(1) }

// unref drops one version reference and reports whether the file became
// unreferenced.
func (f *FileMetadata) unref() bool {
	return f.refs.Add(-1) == 0
}

// overlaps reports whether the file's user-key range intersects
// [start, end]; a nil bound is unbounded.
func (f *FileMetadata) overlaps(cmp keys.Comparator, start, end []byte) bool {
	if start != nil && cmp.Compare(f.Largest.UserKey, start) < 0 {
		return false
	}
	if end != nil && cmp.Compare(f.Smallest.UserKey, end) > 0 {
		return false
	}
	return true
}

// containsKey reports whether key falls inside the file's user-key range.
func (f *FileMetadata) containsKey(cmp keys.Comparator, key []byte) bool {
	return cmp.Compare(f.Smallest.UserKey, key) <= 0 && cmp.Compare(key, f.Largest.UserKey) <= 0
}
