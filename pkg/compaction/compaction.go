// Package compaction picks and executes background compactions: choosing
// which files to merge, rewriting them with obsolete entries elided, and
// producing the metadata edit that installs the result.
package compaction

import (
	"granite/pkg/listener"
	"granite/pkg/types"
	"granite/pkg/version"
)

// MergeOperator combines merge operands with a base value. FullMerge receives
// operands oldest first; existing is nil when the key has no base value. A
// false return marks the operands as unmergeable, and they are carried
// through unchanged.
type MergeOperator interface {
	Name() string
	FullMerge(key, existing []byte, operands [][]byte) ([]byte, bool)
	// PartialMerge combines two adjacent operands (left is older). It may
	// return false when the pair cannot be combined without the base value.
	PartialMerge(key, left, right []byte) ([]byte, bool)
}

// CompactionFilter inspects live values during compaction. Returning
// remove=true drops the key; a non-nil newValue replaces the value. Keys
// still visible to a snapshot are never offered to the filter.
type CompactionFilter interface {
	Name() string
	Filter(level int, key, value []byte) (remove bool, newValue []byte)
}

// Compaction describes one unit of compaction work: the input files of the
// start level and the overlapping files of the output level.
type Compaction struct {
	Level       int
	OutputLevel int
	Inputs      [2][]*version.FileMetadata
	Reason      listener.CompactionReason

	// Smallest and Largest bound the user keys of all inputs; nil means
	// unbounded on that side (never the case after picking, but kept for
	// manual whole-range compactions).
	Smallest []byte
	Largest  []byte

	// CanElide is true when no level below the output overlaps the key
	// range, so tombstones older than every snapshot can be dropped.
	CanElide bool
}

// AllInputs returns the inputs of both levels, start level first.
func (c *Compaction) AllInputs() []*version.FileMetadata {
	out := make([]*version.FileMetadata, 0, len(c.Inputs[0])+len(c.Inputs[1]))
	out = append(out, c.Inputs[0]...)
	out = append(out, c.Inputs[1]...)
	return out
}

// InputBytes sums the sizes of all input files.
func (c *Compaction) InputBytes() int64 {
	var total int64
	for _, f := range c.AllInputs() {
		total += f.Size
	}
	return total
}

// InputFileNums returns the numbers of all input files.
func (c *Compaction) InputFileNums() []types.FileNum {
	var out []types.FileNum
	for _, f := range c.AllInputs() {
		out = append(out, f.FileNum)
	}
	return out
}

// TrivialMove reports whether the compaction can be satisfied by moving the
// single input file down a level without rewriting it.
func (c *Compaction) TrivialMove() bool {
	return c.Level > 0 && len(c.Inputs[0]) == 1 && len(c.Inputs[1]) == 0
}
