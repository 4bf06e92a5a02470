package store

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/fastrand"

	"granite/pkg/compaction"
	"granite/pkg/dberrors"
	"granite/pkg/listener"
	"granite/pkg/sstable"
	"granite/pkg/types"
	"granite/pkg/version"
)

// compactionTick bounds how long TTL- and mark-driven compactions can sit
// undetected when the write rate is too low to trigger picks.
const compactionTick = 15 * time.Second

func (s *Store) compactionLoop() {
	defer s.bg.Done()
	ticker := time.NewTicker(compactionTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-s.compactC:
		case <-ticker.C:
		}
		s.compactUntilQuiet()
	}
}

// compactUntilQuiet runs picked compactions until the tree is in shape.
func (s *Store) compactUntilQuiet() {
	for s.status.Err() == nil && !s.closed.Load() {
		s.compactMu.Lock()
		v := s.vset.Current()
		c := s.picker.Pick(v)
		if c == nil {
			v.Unref()
			s.compactMu.Unlock()
			return
		}
		err := s.runCompaction(c)
		v.Unref()
		s.compactMu.Unlock()

		if err != nil {
			s.backgroundError("compaction", err)
			return
		}
		s.mu.Lock()
		s.updateStallLocked()
		s.mu.Unlock()
	}
}

// CompactRange compacts every level's data overlapping [start, end] down the
// tree. Nil bounds compact everything. The memtable is flushed first so the
// pass covers all current data.
func (s *Store) CompactRange(ctx context.Context, start, end []byte) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := s.Flush(ctx); err != nil {
		return err
	}

	for level := 0; level < s.cfg.Compaction.MaxLevels-1; level++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.compactMu.Lock()
		v := s.vset.Current()
		c := s.picker.PickManual(v, level, start, end)
		var err error
		if c != nil {
			err = s.runCompaction(c)
		}
		v.Unref()
		s.compactMu.Unlock()
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.updateStallLocked()
	s.mu.Unlock()
	return nil
}

// runCompaction executes one compaction with retries. Callers hold
// s.compactMu and a reference on the version the pick came from.
func (s *Store) runCompaction(c *compaction.Compaction) error {
	var err error
	for attempt := 0; attempt <= s.cfg.Compaction.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 100 * time.Millisecond
			backoff += time.Duration(fastrand.Uint32n(50)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-s.bgCtx.Done():
				return dberrors.ErrShutdown
			}
		}
		if err = s.compactOnce(c); err == nil {
			return nil
		}
		s.logger.Warn("compaction attempt failed", "attempt", attempt+1, "error", err)
	}
	return err
}

func (s *Store) compactOnce(c *compaction.Compaction) error {
	jobID := uuid.NewString()
	info := listener.CompactionJobInfo{
		JobID:       jobID,
		Level:       c.Level,
		OutputLevel: c.OutputLevel,
		InputFiles:  len(c.Inputs[0]) + len(c.Inputs[1]),
		InputBytes:  c.InputBytes(),
		Reason:      c.Reason,
	}
	s.events.CompactionBegin(info)
	start := time.Now()

	if c.TrivialMove() {
		f := c.Inputs[0][0]
		edit := &version.VersionEdit{
			DeletedFiles: []version.DeletedFileEntry{{Level: c.Level, FileNum: f.FileNum}},
			NewFiles:     []version.NewFileEntry{{Level: c.OutputLevel, Meta: f}},
		}
		if err := s.vset.LogAndApply(edit); err != nil {
			info.Err = err
			s.events.CompactionCompleted(info)
			return err
		}
		f.MarkedForCompaction.Store(false)
		s.counters.compactions.Add(1)
		s.logger.Info("file moved down",
			"file", f.FileNum, "from", c.Level, "to", c.OutputLevel)
		info.OutputFiles = 1
		info.OutputBytes = f.Size
		s.events.CompactionCompleted(info)
		return nil
	}

	var outFns []types.FileNum
	env := compaction.Env{
		Dir: s.dir,
		Cmp: s.cmp,
		NewFileNum: func() types.FileNum {
			return s.vset.NewFileNum()
		},
		WriterOptions: func(fn types.FileNum) sstable.WriterOptions {
			return s.writerOptions(fn, c.OutputLevel, 0)
		},
		TargetFileBytes: s.cfg.Compaction.TargetFileBytes,
		Merger:          s.opts.Merger,
		Filter:          s.opts.Filter,
		Logger:          s.logger,
		RegisterOutput: func(fn types.FileNum) {
			outFns = append(outFns, fn)
			s.vset.AddPendingOutput(fn)
		},
	}

	cleanup := func() {
		for _, fn := range outFns {
			_ = os.Remove(version.TableFileName(s.dir, fn))
			s.vset.RemovePendingOutput(fn)
		}
	}

	res, err := compaction.Run(env, c, s.snapshots.Sorted())
	if err != nil {
		cleanup()
		info.Err = err
		s.events.CompactionCompleted(info)
		return err
	}

	edit := &version.VersionEdit{}
	for _, f := range c.Inputs[0] {
		edit.DeletedFiles = append(edit.DeletedFiles, version.DeletedFileEntry{Level: c.Level, FileNum: f.FileNum})
	}
	for _, f := range c.Inputs[1] {
		edit.DeletedFiles = append(edit.DeletedFiles, version.DeletedFileEntry{Level: c.OutputLevel, FileNum: f.FileNum})
	}
	var opened []*version.FileMetadata
	for _, f := range res.Outputs {
		if err := s.vset.OpenTable(f); err != nil {
			for _, o := range opened {
				_ = o.Reader().Close()
			}
			cleanup()
			info.Err = err
			s.events.CompactionCompleted(info)
			return err
		}
		opened = append(opened, f)
		edit.NewFiles = append(edit.NewFiles, version.NewFileEntry{Level: c.OutputLevel, Meta: f})
	}

	if err := s.vset.LogAndApply(edit); err != nil {
		cleanup()
		info.Err = err
		s.events.CompactionCompleted(info)
		return err
	}
	for _, fn := range outFns {
		s.vset.RemovePendingOutput(fn)
	}
	for _, f := range c.AllInputs() {
		f.MarkedForCompaction.Store(false)
	}

	s.counters.compactions.Add(1)
	s.counters.compactedBytes.Add(res.Bytes)
	s.logger.Info("compaction finished",
		"level", c.Level,
		"output_level", c.OutputLevel,
		"inputs", info.InputFiles,
		"outputs", len(res.Outputs),
		"in_bytes", info.InputBytes,
		"out_bytes", res.Bytes,
		"reason", c.Reason.String(),
		"took", time.Since(start))

	info.OutputFiles = len(res.Outputs)
	info.OutputBytes = res.Bytes
	info.Records = res.Records
	s.events.CompactionCompleted(info)
	return nil
}
