package compaction

import (
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"granite/pkg/keys"
	"granite/pkg/sstable"
	"granite/pkg/types"
	"granite/pkg/version"
)

// tentry is one point entry of a test table.
type tentry struct {
	key  string
	seq  types.SeqNum
	kind keys.Kind
	val  string
}

type harness struct {
	t   *testing.T
	dir string
	vs  *version.VersionSet
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	vs, err := version.Create(version.Options{
		Dir:           dir,
		Cmp:           keys.Bytewise{},
		MaxLevels:     7,
		RolloverBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("version.Create failed: %v", err)
	}
	t.Cleanup(func() { _ = vs.Close() })
	return &harness{t: t, dir: dir, vs: vs}
}

// table writes a real table holding the entries and tombstones and opens it.
func (h *harness) table(entries []tentry, rds ...keys.RangeTombstone) *version.FileMetadata {
	h.t.Helper()

	sorted := append([]tentry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		a := keys.Make([]byte(sorted[i].key), sorted[i].seq, sorted[i].kind)
		b := keys.Make([]byte(sorted[j].key), sorted[j].seq, sorted[j].kind)
		return keys.Compare(keys.Bytewise{}, a, b) < 0
	})

	fn := h.vs.NewFileNum()
	w, err := sstable.NewWriter(version.TableFileName(h.dir, fn), sstable.WriterOptions{
		FileNum: fn,
		Cmp:     keys.Bytewise{},
	})
	if err != nil {
		h.t.Fatalf("NewWriter failed: %v", err)
	}
	for _, e := range sorted {
		if err := w.Add(keys.Make([]byte(e.key), e.seq, e.kind), []byte(e.val)); err != nil {
			h.t.Fatalf("Add failed: %v", err)
		}
	}
	for _, rd := range rds {
		w.AddRangeTombstone(rd)
	}
	meta, err := w.Finish()
	if err != nil {
		h.t.Fatalf("Finish failed: %v", err)
	}

	f := &version.FileMetadata{
		FileNum:     fn,
		Size:        meta.Size,
		Smallest:    meta.Smallest,
		Largest:     meta.Largest,
		SmallestSeq: meta.SmallestSeq,
		LargestSeq:  meta.LargestSeq,
		CreatedAt:   time.Now().Unix(),
	}
	if err := h.vs.OpenTable(f); err != nil {
		h.t.Fatalf("OpenTable failed: %v", err)
	}
	return f
}

// install adds the files to a level and returns the resulting version,
// unreferenced at test cleanup.
func (h *harness) install(level int, files ...*version.FileMetadata) *version.Version {
	h.t.Helper()
	ve := &version.VersionEdit{}
	for _, f := range files {
		ve.NewFiles = append(ve.NewFiles, version.NewFileEntry{Level: level, Meta: f})
	}
	if err := h.vs.LogAndApply(ve); err != nil {
		h.t.Fatalf("LogAndApply failed: %v", err)
	}
	v := h.vs.Current()
	h.t.Cleanup(v.Unref)
	return v
}

func (h *harness) env(merger MergeOperator, filter CompactionFilter) Env {
	return Env{
		Dir:        h.dir,
		Cmp:        keys.Bytewise{},
		NewFileNum: h.vs.NewFileNum,
		WriterOptions: func(fn types.FileNum) sstable.WriterOptions {
			return sstable.WriterOptions{FileNum: fn, Cmp: keys.Bytewise{}}
		},
		TargetFileBytes: 1 << 20,
		Merger:          merger,
		Filter:          filter,
	}
}

// scan renders every point entry of an output table as key@seq:kind=val.
func (h *harness) scan(f *version.FileMetadata) []string {
	h.t.Helper()
	r, err := sstable.Open(version.TableFileName(h.dir, f.FileNum), sstable.ReaderOptions{
		FileNum: f.FileNum,
		Cmp:     keys.Bytewise{},
	})
	if err != nil {
		h.t.Fatalf("Open output failed: %v", err)
	}
	defer r.Close()

	var out []string
	it := r.NewIter(nil)
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		ik := it.Key()
		out = append(out, fmt.Sprintf("%s@%d:%d=%s", ik.UserKey, ik.Seq(), ik.Kind(), it.Value()))
	}
	if err := it.Error(); err != nil {
		h.t.Fatalf("scan failed: %v", err)
	}
	return out
}

func (h *harness) scanAll(outputs []*version.FileMetadata) []string {
	var out []string
	for _, f := range outputs {
		out = append(out, h.scan(f)...)
	}
	return out
}

func (h *harness) outputRangeDels(f *version.FileMetadata) []keys.RangeTombstone {
	h.t.Helper()
	r, err := sstable.Open(version.TableFileName(h.dir, f.FileNum), sstable.ReaderOptions{
		FileNum: f.FileNum,
		Cmp:     keys.Bytewise{},
	})
	if err != nil {
		h.t.Fatalf("Open output failed: %v", err)
	}
	defer r.Close()
	return r.RangeTombstones()
}

func wantEntries(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("entries = %v, want %v", got, want)
	}
}

// appendMerger joins operands with commas, in write order.
type appendMerger struct{}

func (appendMerger) Name() string { return "test.append" }

func (appendMerger) FullMerge(key, existing []byte, operands [][]byte) ([]byte, bool) {
	parts := make([]string, 0, len(operands)+1)
	if existing != nil {
		parts = append(parts, string(existing))
	}
	for _, op := range operands {
		parts = append(parts, string(op))
	}
	return []byte(strings.Join(parts, ",")), true
}

func (appendMerger) PartialMerge(key, left, right []byte) ([]byte, bool) {
	return []byte(string(left) + "," + string(right)), true
}

// prefixDropFilter removes every key carrying the prefix.
type prefixDropFilter struct {
	prefix string
}

func (f prefixDropFilter) Name() string { return "test.prefix-drop" }

func (f prefixDropFilter) Filter(level int, key, value []byte) (bool, []byte) {
	return strings.HasPrefix(string(key), f.prefix), nil
}
