package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"granite/pkg/cache"
	"granite/pkg/compression"
	"granite/pkg/config"
	"granite/pkg/dberrors"
	"granite/pkg/keys"
	"granite/pkg/perf"
	"granite/pkg/types"
)

func buildTable(t *testing.T, opts WriterOptions, entries func(w *Writer)) (string, Meta) {
	t.Helper()
	path := filepath.Join(t.TempDir(), fmt.Sprintf("%06d.sst", opts.FileNum))
	if opts.Cmp == nil {
		opts.Cmp = keys.Bytewise{}
	}
	w, err := NewWriter(path, opts)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	entries(w)
	meta, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	return path, meta
}

func TestWriteReadRoundTrip(t *testing.T) {
	path, meta := buildTable(t, WriterOptions{FileNum: 1, BloomFPRate: 0.01}, func(w *Writer) {
		for i := 0; i < 200; i++ {
			key := []byte(fmt.Sprintf("key-%04d", i))
			ik := keys.Make(key, types.SeqNum(i+1), keys.KindPut)
			if err := w.Add(ik, []byte("value-"+strconv.Itoa(i))); err != nil {
				t.Fatalf("Add %d: %v", i, err)
			}
		}
	})

	if meta.Entries != 200 {
		t.Fatalf("meta entries = %d, want 200", meta.Entries)
	}
	if string(meta.Smallest.UserKey) != "key-0000" || string(meta.Largest.UserKey) != "key-0199" {
		t.Fatalf("meta bounds = %q..%q", meta.Smallest.UserKey, meta.Largest.UserKey)
	}

	r, err := Open(path, ReaderOptions{FileNum: 1, Cmp: keys.Bytewise{}, VerifyChecksums: true})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	for _, i := range []int{0, 57, 199} {
		key := []byte(fmt.Sprintf("key-%04d", i))
		chain, err := r.Get(key, types.MaxSeqNum, nil)
		if err != nil {
			t.Fatalf("Get %q: %v", key, err)
		}
		if len(chain) != 1 || string(chain[0].Value) != "value-"+strconv.Itoa(i) {
			t.Fatalf("Get %q = %v", key, chain)
		}
	}

	chain, err := r.Get([]byte("key-0057"), 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if chain != nil {
		t.Fatalf("entry above horizon must be invisible, got %v", chain)
	}
}

func TestIterScansInOrder(t *testing.T) {
	path, _ := buildTable(t, WriterOptions{FileNum: 2, BlockBytes: 64}, func(w *Writer) {
		for i := 0; i < 50; i++ {
			ik := keys.Make([]byte(fmt.Sprintf("k%03d", i)), 1, keys.KindPut)
			if err := w.Add(ik, []byte{byte(i)}); err != nil {
				t.Fatal(err)
			}
		}
	})

	r, err := Open(path, ReaderOptions{FileNum: 2, Cmp: keys.Bytewise{}, VerifyChecksums: true})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	it := r.NewIter(nil)
	defer it.Close()

	var n int
	var prev []byte
	for it.First(); it.Valid(); it.Next() {
		if prev != nil && string(it.Key().UserKey) <= string(prev) {
			t.Fatalf("keys out of order: %q after %q", it.Key().UserKey, prev)
		}
		prev = append(prev[:0], it.Key().UserKey...)
		n++
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}
	if n != 50 {
		t.Fatalf("scanned %d entries, want 50", n)
	}

	// SeekGE lands on the first key at or after the probe, across blocks.
	it.SeekGE(keys.Search([]byte("k025"), types.MaxSeqNum))
	if !it.Valid() || string(it.Key().UserKey) != "k025" {
		t.Fatalf("SeekGE landed on %q", it.Key().UserKey)
	}
}

func TestBloomFilterSkipsAbsentKeys(t *testing.T) {
	path, _ := buildTable(t, WriterOptions{FileNum: 3, BloomFPRate: 0.01, EstimatedKeys: 100}, func(w *Writer) {
		for i := 0; i < 100; i++ {
			ik := keys.Make([]byte(fmt.Sprintf("present-%03d", i)), 1, keys.KindPut)
			if err := w.Add(ik, nil); err != nil {
				t.Fatal(err)
			}
		}
	})

	r, err := Open(path, ReaderOptions{FileNum: 3, Cmp: keys.Bytewise{}})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var pc perf.PerfContext
	var useful int
	for i := 0; i < 100; i++ {
		chain, err := r.Get([]byte(fmt.Sprintf("absent-%03d", i)), types.MaxSeqNum, &pc)
		if err != nil {
			t.Fatal(err)
		}
		if chain != nil {
			t.Fatalf("absent key returned %v", chain)
		}
	}
	useful = int(pc.BloomUseful)
	if useful < 90 {
		t.Fatalf("bloom useful on %d/100 absent probes, expected nearly all", useful)
	}
}

func TestCompressedBlocksRoundTrip(t *testing.T) {
	for _, name := range []string{"snappy", "zstd"} {
		t.Run(name, func(t *testing.T) {
			comp, err := compression.ByName(name)
			if err != nil {
				t.Fatal(err)
			}
			path, _ := buildTable(t, WriterOptions{FileNum: 4, Compressor: comp, BlockBytes: 256}, func(w *Writer) {
				for i := 0; i < 100; i++ {
					ik := keys.Make([]byte(fmt.Sprintf("k%03d", i)), 1, keys.KindPut)
					if err := w.Add(ik, []byte("repetitive repetitive repetitive payload")); err != nil {
						t.Fatal(err)
					}
				}
			})

			r, err := Open(path, ReaderOptions{FileNum: 4, Cmp: keys.Bytewise{}, VerifyChecksums: true})
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			chain, err := r.Get([]byte("k042"), types.MaxSeqNum, nil)
			if err != nil {
				t.Fatal(err)
			}
			if len(chain) != 1 || string(chain[0].Value) != "repetitive repetitive repetitive payload" {
				t.Fatalf("Get through %s block = %v", name, chain)
			}
		})
	}
}

func TestRangeTombstonesPersisted(t *testing.T) {
	path, _ := buildTable(t, WriterOptions{FileNum: 5}, func(w *Writer) {
		if err := w.Add(keys.Make([]byte("a"), 1, keys.KindPut), []byte("v")); err != nil {
			t.Fatal(err)
		}
		w.AddRangeTombstone(keys.RangeTombstone{Start: []byte("b"), End: []byte("d"), Seq: 9})
	})

	r, err := Open(path, ReaderOptions{FileNum: 5, Cmp: keys.Bytewise{}})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if n := len(r.RangeTombstones()); n != 1 {
		t.Fatalf("tombstone count = %d, want 1", n)
	}
	if got := r.RangeDelSeq([]byte("c"), types.MaxSeqNum); got != 9 {
		t.Fatalf("RangeDelSeq inside = %d, want 9", got)
	}
	if got := r.RangeDelSeq([]byte("d"), types.MaxSeqNum); got != 0 {
		t.Fatalf("end bound must be exclusive, got %d", got)
	}
	if got := r.RangeDelSeq([]byte("c"), 8); got != 0 {
		t.Fatalf("tombstone above horizon must be invisible, got %d", got)
	}
}

type keyCounter struct {
	n int
}

func (c *keyCounter) Name() string { return "test.key-counter" }

func (c *keyCounter) AddUserKey(key, value []byte, kind keys.Kind, seq types.SeqNum, fileSize uint64) error {
	c.n++
	return nil
}

func (c *keyCounter) Finish() (map[string]string, error) {
	return map[string]string{"test.key-count": strconv.Itoa(c.n)}, nil
}

func TestProperties(t *testing.T) {
	path, meta := buildTable(t, WriterOptions{
		FileNum:    6,
		Collectors: []PropertiesCollector{&keyCounter{}},
	}, func(w *Writer) {
		if err := w.Add(keys.Make([]byte("a"), 3, keys.KindPut), []byte("v")); err != nil {
			t.Fatal(err)
		}
		if err := w.Add(keys.Make([]byte("b"), 4, keys.KindDelete), nil); err != nil {
			t.Fatal(err)
		}
	})

	if meta.Properties[PropNumEntries] != "2" {
		t.Fatalf("num entries prop = %q", meta.Properties[PropNumEntries])
	}

	r, err := Open(path, ReaderOptions{FileNum: 6, Cmp: keys.Bytewise{}})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	props := r.Properties()
	if props[PropNumEntries] != "2" {
		t.Fatalf("persisted num entries = %q", props[PropNumEntries])
	}
	if props[PropNumDeletions] != "1" {
		t.Fatalf("persisted num deletions = %q", props[PropNumDeletions])
	}
	if props["test.key-count"] != "2" {
		t.Fatalf("collector prop = %q", props["test.key-count"])
	}
}

func TestReadsThroughBlockCache(t *testing.T) {
	c := cache.New(config.CacheConfig{Strategy: "lru", CapacityBytes: 1 << 20, Shards: 2})

	path, _ := buildTable(t, WriterOptions{FileNum: 7}, func(w *Writer) {
		if err := w.Add(keys.Make([]byte("k"), 1, keys.KindPut), []byte("v")); err != nil {
			t.Fatal(err)
		}
	})

	r, err := Open(path, ReaderOptions{FileNum: 7, Cmp: keys.Bytewise{}, Cache: c, VerifyChecksums: true})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var pc perf.PerfContext
	for i := 0; i < 3; i++ {
		if _, err := r.Get([]byte("k"), types.MaxSeqNum, &pc); err != nil {
			t.Fatal(err)
		}
	}
	if pc.BlockCacheMiss != 1 {
		t.Fatalf("cache misses = %d, want 1", pc.BlockCacheMiss)
	}
	if pc.BlockCacheHit != 2 {
		t.Fatalf("cache hits = %d, want 2", pc.BlockCacheHit)
	}
}

func TestCorruptFooterDetected(t *testing.T) {
	path, _ := buildTable(t, WriterOptions{FileNum: 8}, func(w *Writer) {
		if err := w.Add(keys.Make([]byte("k"), 1, keys.KindPut), []byte("v")); err != nil {
			t.Fatal(err)
		}
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff // magic number
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, ReaderOptions{FileNum: 8, Cmp: keys.Bytewise{}}); !dberrors.IsCorruption(err) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestCorruptBlockDetected(t *testing.T) {
	path, _ := buildTable(t, WriterOptions{FileNum: 9}, func(w *Writer) {
		if err := w.Add(keys.Make([]byte("k"), 1, keys.KindPut), []byte("value payload")); err != nil {
			t.Fatal(err)
		}
	})

	// Flip a byte inside the first data block.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[4] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path, ReaderOptions{FileNum: 9, Cmp: keys.Bytewise{}, VerifyChecksums: true})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if _, err := r.Get([]byte("k"), types.MaxSeqNum, nil); !dberrors.IsCorruption(err) {
		t.Fatalf("expected corruption, got %v", err)
	}
}

func TestAddRejectsOutOfOrderKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000010.sst")
	w, err := NewWriter(path, WriterOptions{FileNum: 10, Cmp: keys.Bytewise{}})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Abandon()

	if err := w.Add(keys.Make([]byte("b"), 1, keys.KindPut), nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(keys.Make([]byte("a"), 1, keys.KindPut), nil); err == nil {
		t.Fatal("expected error for descending user key")
	}
}
