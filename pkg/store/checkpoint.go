package store

import (
	"context"
	"os"

	"granite/pkg/checkpoint"
	"granite/pkg/dberrors"
	"granite/pkg/types"
	"granite/pkg/version"
)

// Checkpoint writes an openable copy of the store to dest. With forceFlush
// the memtable is flushed first and the checkpoint consists purely of
// hard-linked tables; otherwise the current logs are copied and replayed
// when the checkpoint is opened.
func (s *Store) Checkpoint(ctx context.Context, dest string, forceFlush bool) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	if forceFlush {
		if err := s.Flush(ctx); err != nil {
			return err
		}
	}

	// Pin the version, the log watermark and the WAL list in one critical
	// section: a flush retires WALs atomically with its version install
	// under s.mu, so a split snapshot could list a log a concurrent flush
	// is about to delete. The listed logs are shielded from orphan cleanup
	// until they are copied.
	var wals []string
	var held []types.FileNum
	s.mu.Lock()
	if !forceFlush {
		// Sync the active log so the copy carries every acknowledged
		// write up to this moment.
		if err := s.log.Sync(); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	v := s.vset.Current()
	watermark := s.vset.LogNum()
	lastSeq := types.SeqNum(s.visible.Load())
	if !forceFlush {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			s.mu.Unlock()
			v.Unref()
			return err
		}
		for _, e := range entries {
			ft, fn, ok := version.ParseFileName(e.Name())
			if ok && ft == version.FileTypeLog && fn >= watermark {
				s.vset.AddPendingOutput(fn)
				held = append(held, fn)
				wals = append(wals, version.LogFileName(s.dir, fn))
			}
		}
	}
	s.mu.Unlock()

	defer v.Unref()
	defer func() {
		for _, fn := range held {
			s.vset.RemovePendingOutput(fn)
		}
	}()

	return checkpoint.Create(dest, checkpoint.Source{
		SrcDir:         s.dir,
		Version:        v,
		ComparatorName: s.cmp.Name(),
		LastSeq:        lastSeq,
		NextFileNum:    s.vset.NextFileNum(),
		LogNum:         watermark,
		WALs:           wals,
		Logger:         s.logger,
	})
}
