// Package perf provides caller-owned performance counters for the read and
// write hot paths. A PerfContext is passed explicitly through the options of
// an operation; there is no process-global mutable state.
package perf

import (
	"fmt"
	"strings"
)

// PerfContext accumulates counters for the operations it is attached to.
// It is owned by a single caller and is not safe for concurrent use.
type PerfContext struct {
	BlockCacheHit       uint64
	BlockCacheMiss      uint64
	BlockReadBytes      uint64
	GetFromMemtable     uint64
	GetFromOutputFiles  uint64
	BloomUseful         uint64
	SeekInternal        uint64
	MergeOperands       uint64
	WALWriteBytes       uint64
	WALSync             uint64
	WriteStallNanos     uint64
	InternalKeysSkipped uint64
}

// Reset zeroes every counter.
func (p *PerfContext) Reset() {
	*p = PerfContext{}
}

// Report renders the counters one per line as "name = value".
func (p *PerfContext) Report(excludeZero bool) string {
	var b strings.Builder
	emit := func(name string, v uint64) {
		if excludeZero && v == 0 {
			return
		}
		fmt.Fprintf(&b, "%s = %d\n", name, v)
	}
	emit("block_cache_hit", p.BlockCacheHit)
	emit("block_cache_miss", p.BlockCacheMiss)
	emit("block_read_bytes", p.BlockReadBytes)
	emit("get_from_memtable", p.GetFromMemtable)
	emit("get_from_output_files", p.GetFromOutputFiles)
	emit("bloom_useful", p.BloomUseful)
	emit("seek_internal", p.SeekInternal)
	emit("merge_operands", p.MergeOperands)
	emit("wal_write_bytes", p.WALWriteBytes)
	emit("wal_sync", p.WALSync)
	emit("write_stall_nanos", p.WriteStallNanos)
	emit("internal_keys_skipped", p.InternalKeysSkipped)
	return b.String()
}
