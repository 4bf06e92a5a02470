// Package listener defines the event sink through which the engine reports
// background activity: flushes, compactions, write-stall transitions, sealed
// memtables and background errors.
//
// Callbacks run on the engine's background goroutines. They must return
// quickly, must not block and must not re-enter the engine's write path.
package listener

import (
	"granite/pkg/types"
)

// StallCondition is the write-pressure state of the store.
type StallCondition int

const (
	StallNormal StallCondition = iota
	StallDelayed
	StallStopped
)

func (c StallCondition) String() string {
	switch c {
	case StallNormal:
		return "normal"
	case StallDelayed:
		return "delayed"
	case StallStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FlushReason explains why a memtable flush ran.
type FlushReason int

const (
	FlushReasonWriteBufferFull FlushReason = iota
	FlushReasonManual
	FlushReasonCheckpoint
	FlushReasonShutdown
	FlushReasonErrorRecovery
)

func (r FlushReason) String() string {
	switch r {
	case FlushReasonWriteBufferFull:
		return "write-buffer-full"
	case FlushReasonManual:
		return "manual"
	case FlushReasonCheckpoint:
		return "checkpoint"
	case FlushReasonShutdown:
		return "shutdown"
	case FlushReasonErrorRecovery:
		return "error-recovery"
	default:
		return "unknown"
	}
}

// CompactionReason explains what triggered a compaction pick.
type CompactionReason int

const (
	CompactionReasonLevelSize CompactionReason = iota
	CompactionReasonL0Files
	CompactionReasonManual
	CompactionReasonTTL
	CompactionReasonMarkedFile
)

func (r CompactionReason) String() string {
	switch r {
	case CompactionReasonLevelSize:
		return "level-size-exceeded"
	case CompactionReasonL0Files:
		return "l0-file-count"
	case CompactionReasonManual:
		return "manual"
	case CompactionReasonTTL:
		return "ttl"
	case CompactionReasonMarkedFile:
		return "marked-for-compaction"
	default:
		return "unknown"
	}
}

// FlushJobInfo describes one memtable flush.
type FlushJobInfo struct {
	JobID       string
	FilePath    string
	FileNum     types.FileNum
	SmallestSeq types.SeqNum
	LargestSeq  types.SeqNum
	Entries     int64
	Bytes       int64
	Reason      FlushReason
	// Properties carries the table properties of the new file, including
	// any collector-supplied user properties.
	Properties map[string]string
	Err        error
}

// CompactionJobInfo describes one compaction run.
type CompactionJobInfo struct {
	JobID       string
	Level       int
	OutputLevel int
	InputFiles  int
	OutputFiles int
	InputBytes  int64
	OutputBytes int64
	Records     int64
	Reason      CompactionReason
	Err         error
}

// WriteStallInfo describes a stall state transition.
type WriteStallInfo struct {
	Prev StallCondition
	Cur  StallCondition
}

// MemtableInfo describes a memtable sealed for flushing.
type MemtableInfo struct {
	LogNum  types.FileNum
	Bytes   int64
	Entries int64
}

// EventListener receives engine events. Embed Base to implement only a
// subset.
type EventListener interface {
	OnFlushBegin(info FlushJobInfo)
	OnFlushCompleted(info FlushJobInfo)
	OnCompactionBegin(info CompactionJobInfo)
	OnCompactionCompleted(info CompactionJobInfo)
	OnWriteStallConditionChanged(info WriteStallInfo)
	OnMemtableSealed(info MemtableInfo)
	// OnBackgroundError is invoked when a background job escalates a
	// failure. The listener may Reset the status to let the engine
	// accept writes again.
	OnBackgroundError(status *ErrorStatus)
}

// Base is a no-op EventListener for embedding.
type Base struct{}

func (Base) OnFlushBegin(FlushJobInfo)                   {}
func (Base) OnFlushCompleted(FlushJobInfo)               {}
func (Base) OnCompactionBegin(CompactionJobInfo)         {}
func (Base) OnCompactionCompleted(CompactionJobInfo)     {}
func (Base) OnWriteStallConditionChanged(WriteStallInfo) {}
func (Base) OnMemtableSealed(MemtableInfo)               {}
func (Base) OnBackgroundError(*ErrorStatus)              {}
