// Package iterator defines the internal iterator contract shared by the
// memtable, SSTable readers and the compaction/read merge paths.
package iterator

import "granite/pkg/keys"

// Iterator walks entries in internal-key order (user key ascending, sequence
// number descending). Iterators are forward-only: lookups and merges always
// scan toward larger keys, meeting the newest version of each user key first.
type Iterator interface {
	// SeekGE positions the iterator at the first entry >= key.
	SeekGE(key keys.InternalKey)
	// First positions at the smallest entry.
	First()
	// Next advances to the next entry.
	Next()
	// Valid reports whether the iterator is positioned at an entry.
	Valid() bool
	// Key returns the current internal key. Valid only until Next.
	Key() keys.InternalKey
	// Value returns the current value. Valid only until Next.
	Value() []byte
	// Error returns the first failure encountered while iterating.
	Error() error
	// Close releases underlying resources (block handles, file pins).
	Close() error
}
