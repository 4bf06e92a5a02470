// Package store assembles the storage engine: a write-ahead logged memtable
// in front of leveled SSTables, with background flushing and compaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"granite/pkg/batch"
	"granite/pkg/cache"
	"granite/pkg/clock"
	"granite/pkg/compaction"
	"granite/pkg/compression"
	"granite/pkg/config"
	"granite/pkg/dberrors"
	"granite/pkg/keys"
	"granite/pkg/listener"
	"granite/pkg/memtable"
	"granite/pkg/snapshot"
	"granite/pkg/sstable"
	"granite/pkg/types"
	"granite/pkg/version"
	"granite/pkg/wal"
)

// Options configures an engine instance beyond the yaml-backed knobs.
type Options struct {
	Config config.DBConfig
	Logger *slog.Logger

	// Comparator orders user keys; nil means bytewise.
	Comparator keys.Comparator
	// Merger resolves merge operands; required to use Merge.
	Merger compaction.MergeOperator
	// Filter is consulted for live values during compaction.
	Filter compaction.CompactionFilter
	// Listeners receive background event callbacks.
	Listeners []listener.EventListener
	// Collectors contribute user properties to every table written.
	Collectors []sstable.CollectorFactory
}

// Store is the engine handle. All methods are safe for concurrent use.
type Store struct {
	cfg    config.DBConfig
	opts   Options
	dir    string
	logger *slog.Logger
	cmp    keys.Comparator

	blockCache cache.Cache
	vset       *version.VersionSet
	seq        *clock.AtomicClock // last allocated sequence number
	visible    atomic.Uint64      // published sequence horizon
	snapshots  *snapshot.List
	events     *listener.Dispatcher
	status     *listener.ErrorStatus
	picker     *compaction.Picker

	// mu guards the memtable stack, the WAL handle and the stall state.
	mu           sync.Mutex
	mem          *memtable.Memtable
	imm          []*memtable.Memtable
	flushReasons []listener.FlushReason // parallel to imm
	log          *wal.Writer
	stall        listener.StallCondition
	stallCond    *sync.Cond
	flushDone    *sync.Cond

	commits chan *commitRequest

	// compactMu serializes manual and background compactions.
	compactMu sync.Mutex

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
	flushC   chan struct{}
	compactC chan struct{}
	closed   atomic.Bool

	counters counters
}

type counters struct {
	flushes        atomic.Int64
	compactions    atomic.Int64
	flushedBytes   atomic.Int64
	compactedBytes atomic.Int64
	stalls         atomic.Int64
	writes         atomic.Int64
}

// Open opens or creates the database at cfg.Path.
func Open(opts Options) (*Store, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cmp := opts.Comparator
	if cmp == nil {
		cmp = keys.Bytewise{}
	}

	s := &Store{
		cfg:        cfg,
		opts:       opts,
		dir:        cfg.Path,
		logger:     logger.With("component", "store"),
		cmp:        cmp,
		blockCache: cache.New(cfg.Cache),
		snapshots:  snapshot.NewList(),
		events:     listener.NewDispatcher(opts.Listeners...),
		status:     &listener.ErrorStatus{},
		commits:    make(chan *commitRequest, 128),
		flushC:     make(chan struct{}, 1),
		compactC:   make(chan struct{}, 1),
	}
	s.stallCond = sync.NewCond(&s.mu)
	s.flushDone = sync.NewCond(&s.mu)
	s.picker = compaction.NewPicker(compaction.PickerConfig{
		L0CompactionTrigger: cfg.Compaction.L0CompactionTrigger,
		LevelBaseBytes:      cfg.Compaction.LevelBaseBytes,
		LevelMultiplier:     int(cfg.Compaction.LevelMultiplier),
		MaxLevels:           cfg.Compaction.MaxLevels,
		MaxCompactionBytes:  cfg.Compaction.MaxCompactionBytes,
		TTL:                 cfg.Compaction.TTL,
	}, cmp)

	vsOpts := version.Options{
		Dir:             cfg.Path,
		Cmp:             cmp,
		Cache:           s.blockCache,
		MaxLevels:       cfg.Compaction.MaxLevels,
		VerifyChecksums: cfg.SSTable.VerifyChecksums,
		RolloverBytes:   cfg.Compaction.ManifestRolloverBytes,
		Logger:          logger,
	}

	var err error
	if _, statErr := os.Stat(version.CurrentFileName(cfg.Path)); statErr == nil {
		s.vset, err = version.Recover(vsOpts)
	} else if errors.Is(statErr, os.ErrNotExist) {
		s.vset, err = version.Create(vsOpts)
	} else {
		err = fmt.Errorf("failed to stat db dir: %w", statErr)
	}
	if err != nil {
		return nil, err
	}

	s.seq = clock.NewAtomic(uint64(s.vset.LastSeq()))
	s.visible.Store(uint64(s.vset.LastSeq()))

	if err := s.replayWALs(); err != nil {
		s.vset.Close()
		return nil, err
	}
	if err := s.vset.DeleteOrphans(); err != nil {
		s.logger.Warn("startup cleanup failed", "error", err)
	}

	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	s.events.Start(s.bgCtx)
	s.bg.Add(3)
	go s.commitLoop()
	go s.flushLoop()
	go s.compactionLoop()

	s.logger.Info("store opened",
		"path", cfg.Path,
		"last_seq", uint64(s.vset.LastSeq()),
		"files", s.vset.NumFiles())
	return s, nil
}

// replayWALs rebuilds the memtable from every log at or above the recovery
// watermark, then starts a fresh log.
func (s *Store) replayWALs() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to scan db dir: %w", err)
	}

	var logs []types.FileNum
	for _, e := range entries {
		ft, fn, ok := version.ParseFileName(e.Name())
		if ok && ft == version.FileTypeLog && fn >= s.vset.LogNum() {
			logs = append(logs, fn)
		}
	}
	for i := 1; i < len(logs); i++ {
		for j := i; j > 0 && logs[j] < logs[j-1]; j-- {
			logs[j], logs[j-1] = logs[j-1], logs[j]
		}
	}

	logNum := s.vset.NewFileNum()
	s.mem = memtable.New(s.cmp, logNum)

	for _, fn := range logs {
		if err := s.replayLog(fn); err != nil {
			return err
		}
	}
	s.visible.Store(s.seq.Val())
	s.vset.SetLastSeq(types.SeqNum(s.seq.Val()))

	log, err := wal.Create(version.LogFileName(s.dir, logNum), s.cfg.WAL.BytesPerSync)
	if err != nil {
		return err
	}
	s.log = log

	// Recovered entries stay in the active memtable; the replayed logs are
	// retired once it flushes and the log watermark advances past them.
	if !s.mem.Empty() {
		s.logger.Info("wal replay recovered entries", "logs", len(logs))
	}
	return nil
}

func (s *Store) replayLog(fn types.FileNum) error {
	r, err := wal.Open(version.LogFileName(s.dir, fn))
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		b, err := batch.Decode(rec)
		if err != nil {
			return err
		}
		s.applyToMemtable(b)
		if last := uint64(b.Seq()) + uint64(b.Count()) - 1; last > s.seq.Val() {
			s.seq.Set(last)
		}
	}
}

// sealMemtable moves the active memtable to the immutable queue and starts a
// fresh WAL. Callers hold s.mu.
func (s *Store) sealMemtable(reason listener.FlushReason) error {
	logNum := s.vset.NewFileNum()
	log, err := wal.Create(version.LogFileName(s.dir, logNum), s.cfg.WAL.BytesPerSync)
	if err != nil {
		return fmt.Errorf("failed to rotate wal: %w", err)
	}
	if err := s.log.Close(); err != nil {
		s.logger.Warn("failed to close sealed wal", "error", err)
	}

	old := s.mem
	s.imm = append(s.imm, old)
	s.flushReasons = append(s.flushReasons, reason)
	s.mem = memtable.New(s.cmp, logNum)
	s.log = log

	s.events.MemtableSealed(listener.MemtableInfo{
		LogNum: old.LogNum(),
		Bytes:  old.ApproximateSize(),
	})
	s.triggerFlushLocked()
	s.updateStallLocked()
	return nil
}

func (s *Store) triggerFlushLocked() {
	select {
	case s.flushC <- struct{}{}:
	default:
	}
}

func (s *Store) triggerCompaction() {
	select {
	case s.compactC <- struct{}{}:
	default:
	}
}

// updateStallLocked recomputes the write-pressure state. Callers hold s.mu.
func (s *Store) updateStallLocked() {
	l0 := s.vset.NumFiles()[0]
	prev := s.stall

	var next listener.StallCondition
	switch {
	case len(s.imm) >= s.cfg.Memtable.MaxImmutable || l0 >= s.cfg.Compaction.L0StopTrigger:
		next = listener.StallStopped
	case l0 >= s.cfg.Compaction.L0SlowdownTrigger:
		next = listener.StallDelayed
	default:
		next = listener.StallNormal
	}
	if next == prev {
		return
	}
	s.stall = next
	if next != listener.StallStopped {
		s.stallCond.Broadcast()
	}
	if next != listener.StallNormal {
		s.counters.stalls.Add(1)
	}
	s.logger.Info("write stall condition changed", "from", prev.String(), "to", next.String())
	s.events.WriteStallConditionChanged(listener.WriteStallInfo{Prev: prev, Cur: next})
}

// NewSnapshot pins the current visible sequence number. Readers through the
// snapshot see the database as of this moment until Release.
func (s *Store) NewSnapshot() *snapshot.Snapshot {
	return s.snapshots.Acquire(types.SeqNum(s.visible.Load()))
}

// Err returns the sticky background error, if any.
func (s *Store) Err() error { return s.status.Err() }

// ResumeWrites clears the background error state after the operator resolved
// the underlying condition, re-enabling writes.
func (s *Store) ResumeWrites() {
	s.status.Reset()
	s.logger.Warn("background error state cleared, writes resumed")
}

// Flush seals the active memtable and blocks until every queued memtable has
// been written to level 0.
func (s *Store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	s.mu.Lock()
	if !s.mem.Empty() {
		if err := s.sealMemtable(listener.FlushReasonManual); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.mu.Lock()
		for len(s.imm) > 0 && s.status.Err() == nil && !s.closed.Load() {
			s.flushDone.Wait()
		}
		s.mu.Unlock()
	}()
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := s.status.Err(); err != nil {
		return err
	}
	return nil
}

// Close stops background work and releases every resource. Unflushed
// memtable contents stay recoverable through the WAL.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return dberrors.ErrClosed
	}

	s.bgCancel()
	s.mu.Lock()
	s.stallCond.Broadcast()
	s.flushDone.Broadcast()
	s.mu.Unlock()
	s.bg.Wait()
	s.events.Stop()

	var errs []error
	s.mu.Lock()
	if s.log != nil {
		errs = append(errs, s.log.Close())
	}
	s.mu.Unlock()
	errs = append(errs, s.vset.Close())

	s.logger.Info("store closed", "path", s.dir)
	return errors.Join(errs...)
}

// levelCompressor maps a level to its configured codec; the last entry of
// the list covers all deeper levels.
func (s *Store) levelCompressor(level int) compression.Compressor {
	names := s.cfg.SSTable.Compression
	if len(names) == 0 {
		c, _ := compression.ByType(compression.None)
		return c
	}
	if level >= len(names) {
		level = len(names) - 1
	}
	c, err := compression.ByName(names[level])
	if err != nil {
		s.logger.Warn("unknown compression, storing raw", "name", names[level])
		c, _ = compression.ByType(compression.None)
	}
	return c
}

func (s *Store) writerOptions(fn types.FileNum, level int, estimatedKeys int) sstable.WriterOptions {
	collectors := make([]sstable.PropertiesCollector, 0, len(s.opts.Collectors))
	for _, f := range s.opts.Collectors {
		collectors = append(collectors, f())
	}
	return sstable.WriterOptions{
		FileNum:       fn,
		Cmp:           s.cmp,
		BlockBytes:    s.cfg.SSTable.BlockBytes,
		Compressor:    s.levelCompressor(level),
		BloomFPRate:   s.cfg.SSTable.BloomFPRate,
		EstimatedKeys: estimatedKeys,
		Collectors:    collectors,
		CreatedAt:     time.Now(),
	}
}
