package version

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zhangyunhao116/skipset"

	"granite/pkg/cache"
	"granite/pkg/clock"
	"granite/pkg/dberrors"
	"granite/pkg/keys"
	"granite/pkg/sstable"
	"granite/pkg/types"
	"granite/pkg/wal"
)

// Options configures a VersionSet.
type Options struct {
	Dir             string
	Cmp             keys.Comparator
	Cache           cache.Cache
	MaxLevels       int
	VerifyChecksums bool
	RolloverBytes   int64
	Logger          *slog.Logger
}

// VersionSet owns the manifest log and the chain of Versions. All metadata
// mutations funnel through LogAndApply, which makes an edit durable before
// installing the Version it produces.
type VersionSet struct {
	opts Options

	mu          sync.Mutex
	current     *Version
	manifest    *wal.Writer
	manifestNum types.FileNum
	logNum      types.FileNum
	lastSeq     types.SeqNum
	closing     bool

	// fileNums hands out table, log and manifest numbers from one sequence.
	fileNums *clock.AtomicClock

	// pending holds file numbers shielded from orphan cleanup: tables being
	// written by in-flight flushes and compactions, and retired WALs a
	// checkpoint is still copying.
	pending *skipset.Uint64Set
}

// Create initializes a fresh database directory: an empty first manifest and
// a CURRENT pointing at it.
func Create(opts Options) (*VersionSet, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}
	vs := newSet(opts)
	vs.fileNums = clock.NewAtomic(1)
	vs.current = vs.makeVersion(make([][]*FileMetadata, opts.MaxLevels))
	vs.current.Ref()

	first := &VersionEdit{ComparatorName: opts.Cmp.Name()}
	first.SetLogNum(0)
	if err := vs.installManifest(types.FileNum(1), first); err != nil {
		return nil, err
	}
	return vs, nil
}

// Recover rebuilds the VersionSet from the manifest named by CURRENT, opens
// every live table, and starts a fresh manifest so the old one can be
// discarded. The caller replays WALs at or above LogNum afterwards.
func Recover(opts Options) (*VersionSet, error) {
	vs := newSet(opts)

	manifestNum, err := ReadCurrentFile(opts.Dir)
	if err != nil {
		return nil, err
	}
	r, err := wal.Open(ManifestFileName(opts.Dir, manifestNum))
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer r.Close()

	b := newBuilder(opts.MaxLevels)
	var nextFileNum types.FileNum
	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		ve, err := DecodeEdit(rec)
		if err != nil {
			return nil, err
		}
		if ve.ComparatorName != "" && ve.ComparatorName != opts.Cmp.Name() {
			return nil, fmt.Errorf("%w: comparator mismatch: db uses %q, open requested %q",
				dberrors.ErrInvalidArgument, ve.ComparatorName, opts.Cmp.Name())
		}
		if ve.hasLogNum {
			vs.logNum = ve.LogNum
		}
		if ve.NextFileNum > nextFileNum {
			nextFileNum = ve.NextFileNum
		}
		if ve.LastSeq > vs.lastSeq {
			vs.lastSeq = ve.LastSeq
		}
		b.apply(ve)
	}

	levels := b.finish()
	for _, level := range levels {
		for _, f := range level {
			if err := vs.openTable(f); err != nil {
				return nil, err
			}
		}
	}
	if manifestNum >= nextFileNum {
		nextFileNum = manifestNum + 1
	}
	vs.fileNums = clock.NewAtomic(uint64(nextFileNum) - 1)
	vs.current = vs.makeVersion(levels)
	vs.current.Ref()

	// Rewrite the state into a new manifest so recovery never depends on an
	// ever-growing log, and torn tails are shed at each open.
	snap := vs.snapshotEdit(vs.current)
	if err := vs.installManifest(vs.NewFileNum(), snap); err != nil {
		return nil, err
	}
	return vs, nil
}

func newSet(opts Options) *VersionSet {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &VersionSet{opts: opts, pending: skipset.NewUint64()}
}

// Current returns the live version with an extra reference; the caller must
// Unref it.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.current
	v.Ref()
	return v
}

// NewFileNum allocates the next file number.
func (vs *VersionSet) NewFileNum() types.FileNum {
	return types.FileNum(vs.fileNums.Next())
}

// NextFileNum peeks at the next number without allocating it.
func (vs *VersionSet) NextFileNum() types.FileNum {
	return types.FileNum(vs.fileNums.Val()) + 1
}

// LogNum returns the oldest WAL number still needed.
func (vs *VersionSet) LogNum() types.FileNum {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.logNum
}

// LastSeq returns the sequence watermark recovered from or stamped into the
// manifest.
func (vs *VersionSet) LastSeq() types.SeqNum {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.lastSeq
}

// AddPendingOutput shields a file number being written from orphan cleanup.
func (vs *VersionSet) AddPendingOutput(fn types.FileNum) {
	vs.pending.Add(uint64(fn))
}

// RemovePendingOutput lifts the shield once the file is installed or removed.
func (vs *VersionSet) RemovePendingOutput(fn types.FileNum) {
	vs.pending.Remove(uint64(fn))
}

// LogAndApply makes the edit durable in the manifest and installs the
// Version it produces. New files must arrive with open readers.
func (vs *VersionSet) LogAndApply(ve *VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.closing {
		return dberrors.ErrClosed
	}

	ve.NextFileNum = types.FileNum(vs.fileNums.Val()) + 1
	if ve.LastSeq < vs.lastSeq {
		ve.LastSeq = vs.lastSeq
	}

	b := newBuilder(vs.opts.MaxLevels)
	b.addVersion(vs.current)
	b.apply(ve)
	next := vs.makeVersion(b.finish())

	if vs.manifest.Size() > vs.opts.RolloverBytes {
		snap := vs.snapshotEdit(next)
		if ve.hasLogNum {
			snap.SetLogNum(ve.LogNum)
		}
		if err := vs.installManifest(vs.NewFileNum(), snap); err != nil {
			return err
		}
	} else if err := vs.manifest.Append(ve.Encode(), true); err != nil {
		return fmt.Errorf("failed to append manifest edit: %w", err)
	}

	if ve.hasLogNum {
		vs.logNum = ve.LogNum
	}
	if ve.LastSeq > vs.lastSeq {
		vs.lastSeq = ve.LastSeq
	}

	next.Ref()
	prev := vs.current
	vs.current = next
	prev.Unref()
	return nil
}

// SetLastSeq raises the sequence watermark stamped into future edits.
func (vs *VersionSet) SetLastSeq(seq types.SeqNum) {
	vs.mu.Lock()
	if seq > vs.lastSeq {
		vs.lastSeq = seq
	}
	vs.mu.Unlock()
}

// installManifest writes the edit as the first record of a brand new
// manifest, points CURRENT at it, and retires the previous manifest.
// Callers hold vs.mu (or are single-threaded during open).
func (vs *VersionSet) installManifest(num types.FileNum, first *VersionEdit) error {
	if first.ComparatorName == "" {
		first.ComparatorName = vs.opts.Cmp.Name()
	}
	first.NextFileNum = types.FileNum(vs.fileNums.Val()) + 1
	if first.LastSeq < vs.lastSeq {
		first.LastSeq = vs.lastSeq
	}

	w, err := wal.Create(ManifestFileName(vs.opts.Dir, num), 0)
	if err != nil {
		return fmt.Errorf("failed to create manifest: %w", err)
	}
	if err := w.Append(first.Encode(), true); err != nil {
		w.Close()
		return err
	}
	if err := SetCurrentFile(vs.opts.Dir, num); err != nil {
		w.Close()
		return err
	}

	if vs.manifest != nil {
		old := vs.manifest
		oldNum := vs.manifestNum
		if err := old.Close(); err != nil {
			vs.opts.Logger.Warn("failed to close old manifest", "error", err)
		}
		if err := os.Remove(ManifestFileName(vs.opts.Dir, oldNum)); err != nil {
			vs.opts.Logger.Warn("failed to remove old manifest", "error", err)
		}
	}
	vs.manifest = w
	vs.manifestNum = num
	vs.opts.Logger.Info("manifest installed", "manifest", num)
	return nil
}

// snapshotEdit flattens a whole version into a single edit.
func (vs *VersionSet) snapshotEdit(v *Version) *VersionEdit {
	ve := &VersionEdit{ComparatorName: vs.opts.Cmp.Name(), LastSeq: vs.lastSeq}
	if vs.logNum != 0 {
		ve.SetLogNum(vs.logNum)
	}
	for level, files := range v.levels {
		for _, f := range files {
			ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: f})
		}
	}
	return ve
}

// makeVersion sorts the levels into canonical order and wires the backref.
func (vs *VersionSet) makeVersion(levels [][]*FileMetadata) *Version {
	sort.Slice(levels[0], func(i, j int) bool {
		a, b := levels[0][i], levels[0][j]
		if a.LargestSeq != b.LargestSeq {
			return a.LargestSeq > b.LargestSeq
		}
		return a.FileNum > b.FileNum
	})
	for level := 1; level < len(levels); level++ {
		files := levels[level]
		sort.Slice(files, func(i, j int) bool {
			return keys.Compare(vs.opts.Cmp, files[i].Smallest, files[j].Smallest) < 0
		})
	}
	return &Version{cmp: vs.opts.Cmp, levels: levels, vset: vs}
}

// OpenTable attaches a reader to freshly written file metadata.
func (vs *VersionSet) OpenTable(f *FileMetadata) error { return vs.openTable(f) }

func (vs *VersionSet) openTable(f *FileMetadata) error {
	r, err := sstable.Open(TableFileName(vs.opts.Dir, f.FileNum), sstable.ReaderOptions{
		FileNum:         f.FileNum,
		Cmp:             vs.opts.Cmp,
		Cache:           vs.opts.Cache,
		VerifyChecksums: vs.opts.VerifyChecksums,
	})
	if err != nil {
		return err
	}
	f.reader = r
	return nil
}

// removeObsoleteFile closes and deletes a table no version references
// anymore. During shutdown the file stays on disk.
func (vs *VersionSet) removeObsoleteFile(f *FileMetadata) {
	if f.reader != nil {
		if err := f.reader.Close(); err != nil {
			vs.opts.Logger.Warn("failed to close table", "file", f.FileNum, "error", err)
		}
		f.reader = nil
	}
	vs.mu.Lock()
	closing := vs.closing
	vs.mu.Unlock()
	if closing {
		return
	}
	path := TableFileName(vs.opts.Dir, f.FileNum)
	if err := os.Remove(path); err != nil {
		vs.opts.Logger.Warn("failed to remove obsolete table", "file", f.FileNum, "error", err)
		return
	}
	vs.opts.Logger.Debug("obsolete table removed", "file", f.FileNum)
}

// DeleteOrphans removes directory entries that are neither live, pending, nor
// needed for recovery: crash-leftover tables, retired WALs and manifests,
// and temp files.
func (vs *VersionSet) DeleteOrphans() error {
	vs.mu.Lock()
	live := make(map[types.FileNum]bool)
	for _, level := range vs.current.levels {
		for _, f := range level {
			live[f.FileNum] = true
		}
	}
	logNum := vs.logNum
	manifestNum := vs.manifestNum
	vs.mu.Unlock()

	entries, err := os.ReadDir(vs.opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to scan db dir: %w", err)
	}
	for _, e := range entries {
		ft, fn, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		keep := true
		switch ft {
		case FileTypeTable:
			keep = live[fn] || vs.pending.Contains(uint64(fn))
		case FileTypeLog:
			keep = fn >= logNum || vs.pending.Contains(uint64(fn))
		case FileTypeManifest:
			keep = fn == manifestNum
		case FileTypeTemp:
			keep = false
		}
		if keep {
			continue
		}
		path := filepath.Join(vs.opts.Dir, e.Name())
		if err := os.Remove(path); err != nil {
			vs.opts.Logger.Warn("failed to remove orphan", "name", e.Name(), "error", err)
			continue
		}
		if ft == FileTypeTable && vs.opts.Cache != nil {
			vs.opts.Cache.EvictFile(fn)
		}
		vs.opts.Logger.Debug("orphan removed", "name", e.Name())
	}
	return nil
}

// NumFiles returns per-level file counts of the live version.
func (vs *VersionSet) NumFiles() []int {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	out := make([]int, len(vs.current.levels))
	for i, level := range vs.current.levels {
		out[i] = len(level)
	}
	return out
}

// Close retires the manifest and drops the final version reference without
// deleting any table files.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	vs.closing = true
	cur := vs.current
	m := vs.manifest
	vs.mu.Unlock()

	var firstErr error
	if m != nil {
		firstErr = m.Close()
	}
	if cur != nil {
		cur.Unref()
	}
	return firstErr
}

// builder accumulates edits on top of a base version.
type builder struct {
	levels []map[types.FileNum]*FileMetadata
}

func newBuilder(maxLevels int) *builder {
	b := &builder{levels: make([]map[types.FileNum]*FileMetadata, maxLevels)}
	for i := range b.levels {
		b.levels[i] = make(map[types.FileNum]*FileMetadata)
	}
	return b
}

func (b *builder) addVersion(v *Version) {
	for level, files := range v.levels {
		for _, f := range files {
			b.levels[level][f.FileNum] = f
		}
	}
}

func (b *builder) apply(ve *VersionEdit) {
	for _, df := range ve.DeletedFiles {
		delete(b.levels[df.Level], df.FileNum)
	}
	for _, nf := range ve.NewFiles {
		b.levels[nf.Level][nf.Meta.FileNum] = nf.Meta
	}
}

func (b *builder) finish() [][]*FileMetadata {
	out := make([][]*FileMetadata, len(b.levels))
	for level, m := range b.levels {
		files := make([]*FileMetadata, 0, len(m))
		for _, f := range m {
			f.ref()
			files = append(files, f)
		}
		out[level] = files
	}
	return out
}
