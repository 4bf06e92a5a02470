package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/fastrand"

	"granite/pkg/listener"
	"granite/pkg/memtable"
	"granite/pkg/sstable"
	"granite/pkg/version"
)

// flushLoop drains the immutable memtable queue into level-0 tables.
func (s *Store) flushLoop() {
	defer s.bg.Done()
	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-s.flushC:
			for s.flushOne() {
			}
		}
	}
}

// flushOne flushes the oldest sealed memtable and reports whether it did any
// work.
func (s *Store) flushOne() bool {
	if s.status.Err() != nil || s.closed.Load() {
		return false
	}

	s.mu.Lock()
	if len(s.imm) == 0 {
		s.mu.Unlock()
		return false
	}
	mt := s.imm[0]
	reason := s.flushReasons[0]
	s.mu.Unlock()

	var err error
	for attempt := 0; attempt <= s.cfg.Compaction.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 100 * time.Millisecond
			backoff += time.Duration(fastrand.Uint32n(50)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-s.bgCtx.Done():
				return false
			}
		}
		if err = s.flushMemtable(mt, reason); err == nil {
			break
		}
		s.logger.Warn("flush attempt failed", "attempt", attempt+1, "error", err)
	}
	if err != nil {
		s.backgroundError("flush", err)
		return false
	}

	// The log watermark moved; retired WALs can go now.
	if err := s.vset.DeleteOrphans(); err != nil {
		s.logger.Warn("post-flush cleanup failed", "error", err)
	}
	s.triggerCompaction()
	return true
}

// installFlush makes the edit durable and retires the flushed memtable in
// one critical section, so a reader snapshotting the memtable stack and the
// version under s.mu never sees the flushed entries in both.
func (s *Store) installFlush(edit *version.VersionEdit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.vset.LogAndApply(edit); err != nil {
		return err
	}
	s.imm = s.imm[1:]
	s.flushReasons = s.flushReasons[1:]
	s.updateStallLocked()
	s.flushDone.Broadcast()
	return nil
}

// flushMemtable writes one memtable as a level-0 table and installs it.
func (s *Store) flushMemtable(mt *memtable.Memtable, reason listener.FlushReason) error {
	// The oldest log still needed after this flush is the one backing the
	// next memtable in line.
	s.mu.Lock()
	nextLog := s.mem.LogNum()
	if len(s.imm) > 1 {
		nextLog = s.imm[1].LogNum()
	}
	s.mu.Unlock()

	if mt.Empty() && len(mt.RangeTombstones()) == 0 {
		edit := &version.VersionEdit{}
		edit.SetLogNum(nextLog)
		return s.installFlush(edit)
	}

	jobID := uuid.NewString()
	fn := s.vset.NewFileNum()
	path := version.TableFileName(s.dir, fn)

	s.events.FlushBegin(listener.FlushJobInfo{
		JobID:    jobID,
		FilePath: path,
		FileNum:  fn,
		Reason:   reason,
	})
	start := time.Now()

	s.vset.AddPendingOutput(fn)
	defer s.vset.RemovePendingOutput(fn)

	w, err := sstable.NewWriter(path, s.writerOptions(fn, 0, 0))
	if err != nil {
		return err
	}

	it := mt.Iter()
	for it.First(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			w.Abandon()
			return err
		}
	}
	for _, rd := range mt.RangeTombstones() {
		w.AddRangeTombstone(rd)
	}

	meta, err := w.Finish()
	if err != nil {
		return err
	}

	fm := &version.FileMetadata{
		FileNum:     meta.FileNum,
		Size:        meta.Size,
		Smallest:    meta.Smallest,
		Largest:     meta.Largest,
		SmallestSeq: meta.SmallestSeq,
		LargestSeq:  meta.LargestSeq,
		CreatedAt:   time.Now().Unix(),
	}
	if err := s.vset.OpenTable(fm); err != nil {
		return err
	}

	edit := &version.VersionEdit{
		NewFiles: []version.NewFileEntry{{Level: 0, Meta: fm}},
		LastSeq:  meta.LargestSeq,
	}
	edit.SetLogNum(nextLog)
	if err := s.installFlush(edit); err != nil {
		return err
	}

	s.counters.flushes.Add(1)
	s.counters.flushedBytes.Add(meta.Size)
	s.logger.Info("memtable flushed",
		"file", fn,
		"entries", meta.Entries,
		"bytes", meta.Size,
		"reason", reason.String(),
		"took", time.Since(start))

	s.events.FlushCompleted(listener.FlushJobInfo{
		JobID:       jobID,
		FilePath:    path,
		FileNum:     fn,
		SmallestSeq: meta.SmallestSeq,
		LargestSeq:  meta.LargestSeq,
		Entries:     meta.Entries,
		Bytes:       meta.Size,
		Reason:      reason,
		Properties:  meta.Properties,
	})
	return nil
}
