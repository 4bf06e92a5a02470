package version

import (
	"errors"
	"os"
	"testing"
	"time"

	"granite/pkg/dberrors"
	"granite/pkg/keys"
	"granite/pkg/sstable"
	"granite/pkg/types"
)

func testOptions(dir string) Options {
	return Options{
		Dir:             dir,
		Cmp:             keys.Bytewise{},
		MaxLevels:       7,
		VerifyChecksums: true,
		RolloverBytes:   1 << 20,
	}
}

// writeTable builds a real single-entry table in the set's directory and
// returns its metadata with the reader open.
func writeTable(t *testing.T, vs *VersionSet, low, high string) *FileMetadata {
	t.Helper()
	fn := vs.NewFileNum()
	w, err := sstable.NewWriter(TableFileName(vs.opts.Dir, fn), sstable.WriterOptions{
		FileNum: fn,
		Cmp:     keys.Bytewise{},
	})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Add(keys.Make([]byte(low), 1, keys.KindPut), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if high != low {
		if err := w.Add(keys.Make([]byte(high), 2, keys.KindPut), []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	meta, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	f := &FileMetadata{
		FileNum:     fn,
		Size:        meta.Size,
		Smallest:    meta.Smallest,
		Largest:     meta.Largest,
		SmallestSeq: meta.SmallestSeq,
		LargestSeq:  meta.LargestSeq,
		CreatedAt:   time.Now().Unix(),
	}
	if err := vs.OpenTable(f); err != nil {
		t.Fatalf("OpenTable failed: %v", err)
	}
	return f
}

func TestEditRoundTrip(t *testing.T) {
	ve := &VersionEdit{
		ComparatorName: "bytewise",
		NextFileNum:    42,
		LastSeq:        1000,
		NewFiles: []NewFileEntry{{
			Level: 2,
			Meta: &FileMetadata{
				FileNum:     7,
				Size:        4096,
				Smallest:    keys.Make([]byte("a"), 5, keys.KindPut),
				Largest:     keys.Make([]byte("m"), 9, keys.KindDelete),
				SmallestSeq: 5,
				LargestSeq:  9,
				CreatedAt:   1700000000,
			},
		}},
		DeletedFiles: []DeletedFileEntry{{Level: 1, FileNum: 3}},
	}
	ve.SetLogNum(11)

	dec, err := DecodeEdit(ve.Encode())
	if err != nil {
		t.Fatalf("DecodeEdit failed: %v", err)
	}
	if dec.ComparatorName != "bytewise" || dec.LogNum != 11 || !dec.hasLogNum {
		t.Fatalf("watermarks = %q/%d", dec.ComparatorName, dec.LogNum)
	}
	if dec.NextFileNum != 42 || dec.LastSeq != 1000 {
		t.Fatalf("counters = %d/%d", dec.NextFileNum, dec.LastSeq)
	}
	if len(dec.DeletedFiles) != 1 || dec.DeletedFiles[0].FileNum != 3 {
		t.Fatalf("deleted files = %v", dec.DeletedFiles)
	}
	if len(dec.NewFiles) != 1 {
		t.Fatalf("new files = %v", dec.NewFiles)
	}
	m := dec.NewFiles[0].Meta
	if dec.NewFiles[0].Level != 2 || m.FileNum != 7 || m.Size != 4096 {
		t.Fatalf("new file = level %d, %+v", dec.NewFiles[0].Level, m)
	}
	if string(m.Smallest.UserKey) != "a" || m.Smallest.Seq() != 5 {
		t.Fatalf("smallest = %s", m.Smallest)
	}
	if string(m.Largest.UserKey) != "m" || m.Largest.Kind() != keys.KindDelete {
		t.Fatalf("largest = %s", m.Largest)
	}
}

func TestDecodeEditRejectsBadRecords(t *testing.T) {
	if _, err := DecodeEdit([]byte{99}); !dberrors.IsCorruption(err) {
		t.Fatalf("unknown tag: got %v", err)
	}
	// tagComparator with a length pointing past the record.
	if _, err := DecodeEdit([]byte{tagComparator, 200}); !dberrors.IsCorruption(err) {
		t.Fatalf("truncated record: got %v", err)
	}
}

func TestParseFileName(t *testing.T) {
	cases := []struct {
		name string
		ft   FileType
		fn   types.FileNum
		ok   bool
	}{
		{"000007.log", FileTypeLog, 7, true},
		{"000042.sst", FileTypeTable, 42, true},
		{"MANIFEST-000003", FileTypeManifest, 3, true},
		{"CURRENT", FileTypeCurrent, 0, true},
		{"random.txt", 0, 0, false},
		{"00000x.sst", 0, 0, false},
	}
	for _, tc := range cases {
		ft, fn, ok := ParseFileName(tc.name)
		if ok != tc.ok || (ok && (ft != tc.ft || fn != tc.fn)) {
			t.Fatalf("ParseFileName(%q) = %v/%d/%v", tc.name, ft, fn, ok)
		}
	}
}

func TestCurrentFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := SetCurrentFile(dir, 9); err != nil {
		t.Fatalf("SetCurrentFile failed: %v", err)
	}
	fn, err := ReadCurrentFile(dir)
	if err != nil {
		t.Fatalf("ReadCurrentFile failed: %v", err)
	}
	if fn != 9 {
		t.Fatalf("CURRENT points at %d, want 9", fn)
	}
}

func TestCreateRecoverCycle(t *testing.T) {
	dir := t.TempDir()

	vs, err := Create(testOptions(dir))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	f0 := writeTable(t, vs, "a", "f")
	f6 := writeTable(t, vs, "g", "z")

	ve := &VersionEdit{
		LastSeq: 500,
		NewFiles: []NewFileEntry{
			{Level: 0, Meta: f0},
			{Level: 6, Meta: f6},
		},
	}
	ve.SetLogNum(3)
	if err := vs.LogAndApply(ve); err != nil {
		t.Fatalf("LogAndApply failed: %v", err)
	}
	if err := vs.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	vs2, err := Recover(testOptions(dir))
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	defer vs2.Close()

	if vs2.LastSeq() != 500 {
		t.Fatalf("recovered last seq = %d, want 500", vs2.LastSeq())
	}
	if vs2.LogNum() != 3 {
		t.Fatalf("recovered log num = %d, want 3", vs2.LogNum())
	}

	v := vs2.Current()
	defer v.Unref()
	if v.L0Count() != 1 || len(v.Files(6)) != 1 {
		t.Fatalf("recovered files = %v", vs2.NumFiles())
	}
	got := v.Files(6)[0]
	if got.FileNum != f6.FileNum || got.Reader() == nil {
		t.Fatalf("level 6 file = %+v", got)
	}
	if string(got.Smallest.UserKey) != "g" || string(got.Largest.UserKey) != "z" {
		t.Fatalf("level 6 bounds = %q..%q", got.Smallest.UserKey, got.Largest.UserKey)
	}

	// File numbers keep advancing past everything recovered.
	if fn := vs2.NewFileNum(); fn <= f6.FileNum {
		t.Fatalf("allocated file number %d not past %d", fn, f6.FileNum)
	}
}

func TestRecoverComparatorMismatch(t *testing.T) {
	dir := t.TempDir()

	vs, err := Create(testOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := vs.Close(); err != nil {
		t.Fatal(err)
	}

	opts := testOptions(dir)
	opts.Cmp = keys.TimestampSuffix{Size: 8}
	if _, err := Recover(opts); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid-argument error, got %v", err)
	}
}

func TestDroppedFileDeletedAfterLastUnref(t *testing.T) {
	dir := t.TempDir()

	vs, err := Create(testOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer vs.Close()

	f := writeTable(t, vs, "a", "b")
	add := &VersionEdit{NewFiles: []NewFileEntry{{Level: 1, Meta: f}}}
	if err := vs.LogAndApply(add); err != nil {
		t.Fatal(err)
	}

	// A pinned version keeps the file alive across its deletion edit.
	pinned := vs.Current()

	drop := &VersionEdit{DeletedFiles: []DeletedFileEntry{{Level: 1, FileNum: f.FileNum}}}
	if err := vs.LogAndApply(drop); err != nil {
		t.Fatal(err)
	}

	path := TableFileName(dir, f.FileNum)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file must survive while a version pins it: %v", err)
	}

	pinned.Unref()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file must be deleted after last unref, stat: %v", err)
	}
}

func TestDeleteOrphans(t *testing.T) {
	dir := t.TempDir()

	vs, err := Create(testOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer vs.Close()

	live := writeTable(t, vs, "a", "b")
	if err := vs.LogAndApply(&VersionEdit{NewFiles: []NewFileEntry{{Level: 1, Meta: live}}}); err != nil {
		t.Fatal(err)
	}

	// An in-flight output and a leftover from a crashed job.
	pendingFn := vs.NewFileNum()
	pendingPath := TableFileName(dir, pendingFn)
	if err := os.WriteFile(pendingPath, []byte("partial"), 0o600); err != nil {
		t.Fatal(err)
	}
	vs.AddPendingOutput(pendingFn)

	orphanFn := vs.NewFileNum()
	orphanPath := TableFileName(dir, orphanFn)
	if err := os.WriteFile(orphanPath, []byte("abandoned"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := vs.DeleteOrphans(); err != nil {
		t.Fatalf("DeleteOrphans failed: %v", err)
	}

	if _, err := os.Stat(TableFileName(dir, live.FileNum)); err != nil {
		t.Fatalf("live table removed: %v", err)
	}
	if _, err := os.Stat(pendingPath); err != nil {
		t.Fatalf("pending output removed: %v", err)
	}
	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Fatalf("orphan survived cleanup, stat: %v", err)
	}
}

func TestOverlapsGrowsTransitivelyInL0(t *testing.T) {
	dir := t.TempDir()

	vs, err := Create(testOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer vs.Close()

	// Two overlapping L0 files plus one far away.
	fa := writeTable(t, vs, "a", "f")
	fb := writeTable(t, vs, "e", "k")
	fc := writeTable(t, vs, "x", "z")
	ve := &VersionEdit{NewFiles: []NewFileEntry{
		{Level: 0, Meta: fa},
		{Level: 0, Meta: fb},
		{Level: 0, Meta: fc},
	}}
	if err := vs.LogAndApply(ve); err != nil {
		t.Fatal(err)
	}

	v := vs.Current()
	defer v.Unref()

	// Probing [a, b] must pull in fb through its overlap with fa.
	got := v.Overlaps(0, []byte("a"), []byte("b"))
	if len(got) != 2 {
		var fns []types.FileNum
		for _, f := range got {
			fns = append(fns, f.FileNum)
		}
		t.Fatalf("L0 overlaps = %v, want the two chained files", fns)
	}
	for _, f := range got {
		if f.FileNum == fc.FileNum {
			t.Fatal("disjoint file pulled into the overlap set")
		}
	}
}

func TestManifestRollover(t *testing.T) {
	dir := t.TempDir()

	opts := testOptions(dir)
	opts.RolloverBytes = 1 // every edit triggers a fresh manifest
	vs, err := Create(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer vs.Close()

	f := writeTable(t, vs, "a", "b")
	if err := vs.LogAndApply(&VersionEdit{NewFiles: []NewFileEntry{{Level: 1, Meta: f}}}); err != nil {
		t.Fatal(err)
	}

	// Exactly one manifest file remains and CURRENT points at it.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var manifests []types.FileNum
	for _, e := range entries {
		if ft, fn, ok := ParseFileName(e.Name()); ok && ft == FileTypeManifest {
			manifests = append(manifests, fn)
		}
	}
	if len(manifests) != 1 {
		t.Fatalf("manifest files = %v, want exactly one", manifests)
	}
	cur, err := ReadCurrentFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cur != manifests[0] {
		t.Fatalf("CURRENT = %d, manifest on disk = %d", cur, manifests[0])
	}

	// The rolled manifest alone is enough to recover the full state.
	if err := vs.Close(); err != nil {
		t.Fatal(err)
	}
	vs2, err := Recover(testOptions(dir))
	if err != nil {
		t.Fatalf("Recover after rollover failed: %v", err)
	}
	defer vs2.Close()
	v := vs2.Current()
	defer v.Unref()
	if len(v.Files(1)) != 1 {
		t.Fatalf("recovered level 1 = %v", vs2.NumFiles())
	}
}

func TestDeleteOrphansKeepsHeldLog(t *testing.T) {
	dir := t.TempDir()

	vs, err := Create(testOptions(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer vs.Close()

	edit := &VersionEdit{}
	edit.SetLogNum(5)
	if err := vs.LogAndApply(edit); err != nil {
		t.Fatal(err)
	}

	// Two retired logs, one shielded while a checkpoint copies it, and one
	// still at the watermark.
	for _, fn := range []types.FileNum{3, 4, 6} {
		if err := os.WriteFile(LogFileName(dir, fn), []byte("records"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	vs.AddPendingOutput(4)

	if err := vs.DeleteOrphans(); err != nil {
		t.Fatalf("DeleteOrphans failed: %v", err)
	}
	if _, err := os.Stat(LogFileName(dir, 3)); !os.IsNotExist(err) {
		t.Fatalf("retired log survived, stat: %v", err)
	}
	if _, err := os.Stat(LogFileName(dir, 4)); err != nil {
		t.Fatalf("held log removed: %v", err)
	}
	if _, err := os.Stat(LogFileName(dir, 6)); err != nil {
		t.Fatalf("current log removed: %v", err)
	}

	vs.RemovePendingOutput(4)
	if err := vs.DeleteOrphans(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(LogFileName(dir, 4)); !os.IsNotExist(err) {
		t.Fatalf("released log survived, stat: %v", err)
	}
}
