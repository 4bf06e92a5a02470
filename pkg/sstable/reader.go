package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/bits-and-blooms/bloom/v3"

	"granite/pkg/cache"
	"granite/pkg/compression"
	"granite/pkg/dberrors"
	"granite/pkg/keys"
	"granite/pkg/perf"
	"granite/pkg/types"
)

// ReaderOptions configures how a table is opened.
type ReaderOptions struct {
	FileNum types.FileNum
	Cmp     keys.Comparator
	// Cache, when non-nil, holds decoded data blocks across reads.
	Cache cache.Cache
	// VerifyChecksums makes a block checksum mismatch a fatal read error.
	// Disabling it is meant for corruption-tolerant recovery tooling.
	VerifyChecksums bool
}

// Reader serves point lookups and scans against one immutable table. The
// index, filter and meta blocks are decoded once at open; data blocks go
// through the shared block cache.
type Reader struct {
	opts ReaderOptions
	file *os.File
	path string
	size int64

	index     []indexEntry
	filter    *bloom.BloomFilter
	rangeDels []keys.RangeTombstone
	props     map[string]string
}

// Open reads the footer and meta blocks of the table at path.
func Open(path string, opts ReaderOptions) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table %s: %w", path, err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat table %s: %w", path, err)
	}

	r := &Reader{opts: opts, file: file, path: path, size: st.Size()}
	if err := r.readMeta(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) readMeta() error {
	if r.size < footerLen {
		return dberrors.Corruption("table %s: too small (%d bytes)", r.path, r.size)
	}
	buf := make([]byte, footerLen)
	if _, err := r.file.ReadAt(buf, r.size-footerLen); err != nil {
		return fmt.Errorf("failed to read footer of %s: %w", r.path, err)
	}
	ftr, err := decodeFooter(buf, r.path)
	if err != nil {
		return err
	}

	indexData, err := r.readRawBlock(ftr.index)
	if err != nil {
		return err
	}
	if r.index, err = decodeIndex(indexData, r.path); err != nil {
		return err
	}

	if !ftr.filter.empty() {
		filterData, err := r.readRawBlock(ftr.filter)
		if err != nil {
			return err
		}
		r.filter = &bloom.BloomFilter{}
		if _, err := r.filter.ReadFrom(bytes.NewReader(filterData)); err != nil {
			return dberrors.Corruption("table %s: bad filter block: %v", r.path, err)
		}
	}

	if !ftr.rangeDel.empty() {
		rdData, err := r.readRawBlock(ftr.rangeDel)
		if err != nil {
			return err
		}
		if r.rangeDels, err = decodeRangeDels(rdData); err != nil {
			return dberrors.Corruption("table %s: %v", r.path, err)
		}
	}

	propsData, err := r.readRawBlock(ftr.props)
	if err != nil {
		return err
	}
	if r.props, err = decodeProps(propsData); err != nil {
		return dberrors.Corruption("table %s: %v", r.path, err)
	}
	return nil
}

func decodeIndex(data []byte, path string) ([]indexEntry, error) {
	var index []indexEntry
	for len(data) > 0 {
		l, w := binary.Uvarint(data)
		if w <= 0 || uint64(len(data)-w) < l {
			return nil, dberrors.Corruption("table %s: malformed index", path)
		}
		sep := data[w : w+int(l)]
		data = data[w+int(l):]

		off, w1 := binary.Uvarint(data)
		if w1 <= 0 {
			return nil, dberrors.Corruption("table %s: malformed index", path)
		}
		length, w2 := binary.Uvarint(data[w1:])
		if w2 <= 0 {
			return nil, dberrors.Corruption("table %s: malformed index", path)
		}
		data = data[w1+w2:]

		index = append(index, indexEntry{
			sep:    sep,
			handle: blockHandle{offset: off, length: uint32(length)},
		})
	}
	return index, nil
}

// readRawBlock reads, verifies and decompresses one block, bypassing the
// cache. Used for meta blocks and cache loaders.
func (r *Reader) readRawBlock(h blockHandle) ([]byte, error) {
	buf := make([]byte, int(h.length)+blockTrailerLen)
	if _, err := r.file.ReadAt(buf, int64(h.offset)); err != nil {
		return nil, fmt.Errorf("failed to read block of %s at %d: %w", r.path, h.offset, err)
	}
	payload := buf[:h.length]
	tag := compression.Type(buf[h.length])

	if r.opts.VerifyChecksums {
		want := binary.LittleEndian.Uint32(buf[h.length+1:])
		got := crc32.Update(crc32.Checksum(payload, castagnoli), castagnoli, buf[h.length:h.length+1])
		if got != want {
			return nil, dberrors.Corruption("table %s: block checksum mismatch at offset %d", r.path, h.offset)
		}
	}

	comp, err := compression.ByType(tag)
	if err != nil {
		return nil, dberrors.Corruption("table %s: %v", r.path, err)
	}
	out, err := comp.Decompress(payload)
	if err != nil {
		return nil, dberrors.Corruption("table %s: block decompress at offset %d: %v", r.path, h.offset, err)
	}
	return out, nil
}

// dataBlock returns the decoded block, through the cache when configured.
// The returned handle, if non-nil, must be released when the block is no
// longer referenced.
func (r *Reader) dataBlock(h blockHandle, pc *perf.PerfContext) ([]byte, *cache.Handle, error) {
	if r.opts.Cache == nil {
		data, err := r.readRawBlock(h)
		if err == nil && pc != nil {
			pc.BlockReadBytes += uint64(len(data))
		}
		return data, nil, err
	}

	missed := false
	ch, err := r.opts.Cache.GetOrLoad(cache.Key{FileNum: r.opts.FileNum, Offset: h.offset}, func() ([]byte, error) {
		missed = true
		return r.readRawBlock(h)
	})
	if err != nil {
		return nil, nil, err
	}
	if pc != nil {
		if missed {
			pc.BlockCacheMiss++
			pc.BlockReadBytes += uint64(len(ch.Get()))
		} else {
			pc.BlockCacheHit++
		}
	}
	return ch.Get(), ch, nil
}

// Get returns the visible version chain for userKey: entries with sequence
// number <= horizon, newest first, ending at the first non-Merge entry.
// A nil chain means the table holds no visible version.
func (r *Reader) Get(userKey []byte, horizon types.SeqNum, pc *perf.PerfContext) ([]keys.Entry, error) {
	if r.filter != nil && !r.filter.Test(userKey) {
		if pc != nil {
			pc.BloomUseful++
		}
		return nil, nil
	}

	it := r.NewIter(pc)
	defer func() { _ = it.Close() }()

	it.SeekGE(keys.Search(userKey, horizon))
	var out []keys.Entry
	for ; it.Valid(); it.Next() {
		ik := it.Key()
		if r.opts.Cmp.Compare(ik.UserKey, userKey) != 0 {
			break
		}
		if !ik.Visible(horizon) {
			if pc != nil {
				pc.InternalKeysSkipped++
			}
			continue
		}
		out = append(out, keys.Entry{
			Trailer: ik.Trailer,
			Value:   append([]byte(nil), it.Value()...),
		})
		if ik.Kind() != keys.KindMerge {
			break
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// RangeDelSeq returns the largest visible sequence number of a range
// tombstone in this table covering key, or zero.
func (r *Reader) RangeDelSeq(key []byte, horizon types.SeqNum) types.SeqNum {
	var max types.SeqNum
	for _, rd := range r.rangeDels {
		if rd.Seq > horizon || rd.Seq <= max {
			continue
		}
		if r.opts.Cmp.Compare(rd.Start, key) <= 0 && r.opts.Cmp.Compare(key, rd.End) < 0 {
			max = rd.Seq
		}
	}
	return max
}

// RangeTombstones returns the table's range deletions.
func (r *Reader) RangeTombstones() []keys.RangeTombstone { return r.rangeDels }

// Properties returns the decoded properties block.
func (r *Reader) Properties() map[string]string { return r.props }

func (r *Reader) FileNum() types.FileNum { return r.opts.FileNum }

func (r *Reader) Path() string { return r.path }

func (r *Reader) Size() int64 { return r.size }

// Close releases the file handle and drops the table's cached blocks.
func (r *Reader) Close() error {
	if r.opts.Cache != nil {
		r.opts.Cache.EvictFile(r.opts.FileNum)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close table %s: %w", r.path, err)
	}
	return nil
}
