package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"strconv"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"granite/pkg/compression"
	"granite/pkg/dberrors"
	"granite/pkg/keys"
	"granite/pkg/types"
)

// WriterOptions configures a table build.
type WriterOptions struct {
	FileNum    types.FileNum
	Cmp        keys.Comparator
	BlockBytes int
	Compressor compression.Compressor
	// BloomFPRate is the filter's target false-positive rate; <= 0
	// disables the filter.
	BloomFPRate float64
	// EstimatedKeys sizes the bloom filter up front.
	EstimatedKeys int
	Collectors    []PropertiesCollector
	CreatedAt     time.Time
}

// Meta describes a finished table.
type Meta struct {
	FileNum     types.FileNum
	Size        int64
	Smallest    keys.InternalKey
	Largest     keys.InternalKey
	SmallestSeq types.SeqNum
	LargestSeq  types.SeqNum
	Entries     int64
	Properties  map[string]string
}

type indexEntry struct {
	// sep is the encoded internal key of the block's last entry.
	sep    []byte
	handle blockHandle
}

// Writer builds one table from a stream of entries in ascending internal-key
// order, already deduplicated by the flush or compaction that feeds it.
type Writer struct {
	opts WriterOptions
	file *os.File
	path string

	offset  uint64
	block   []byte
	lastKey []byte // encoded internal key of the last Add
	index   []indexEntry

	filter    *bloom.BloomFilter
	rangeDels []keys.RangeTombstone

	smallest    keys.InternalKey
	largest     keys.InternalKey
	smallestSeq types.SeqNum
	largestSeq  types.SeqNum
	entries     int64
	deletions   int64
}

// NewWriter creates the table file at path.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockBytes <= 0 {
		opts.BlockBytes = 4096
	}
	if opts.Compressor == nil {
		opts.Compressor, _ = compression.ByType(compression.None)
	}
	if opts.EstimatedKeys <= 0 {
		opts.EstimatedKeys = 1024
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", path, err)
	}

	w := &Writer{
		opts:        opts,
		file:        file,
		path:        path,
		smallestSeq: types.MaxSeqNum,
	}
	if opts.BloomFPRate > 0 {
		w.filter = bloom.NewWithEstimates(uint(opts.EstimatedKeys), opts.BloomFPRate)
	}
	return w, nil
}

// Add appends one entry. Keys must arrive in strictly ascending internal-key
// order.
func (w *Writer) Add(ik keys.InternalKey, value []byte) error {
	enc := ik.Encode(nil)
	if w.lastKey != nil {
		prev := keys.InternalKey{UserKey: w.lastKey[:len(w.lastKey)-8], Trailer: binary.LittleEndian.Uint64(w.lastKey[len(w.lastKey)-8:])}
		if keys.Compare(w.opts.Cmp, prev, ik) >= 0 {
			return fmt.Errorf("%w: keys added out of order (%s after %s)", dberrors.ErrInvalidArgument, ik, prev)
		}
	}

	w.block = binary.AppendUvarint(w.block, uint64(len(enc)))
	w.block = binary.AppendUvarint(w.block, uint64(len(value)))
	w.block = append(w.block, enc...)
	w.block = append(w.block, value...)
	w.lastKey = enc

	if w.filter != nil {
		w.filter.Add(ik.UserKey)
	}
	for _, c := range w.opts.Collectors {
		if err := c.AddUserKey(ik.UserKey, value, ik.Kind(), ik.Seq(), w.offset+uint64(len(w.block))); err != nil {
			return fmt.Errorf("properties collector %s: %w", c.Name(), err)
		}
	}

	w.observeKey(ik)
	switch ik.Kind() {
	case keys.KindDelete, keys.KindSingleDelete:
		w.deletions++
	}
	w.entries++

	if len(w.block) >= w.opts.BlockBytes {
		return w.flushBlock()
	}
	return nil
}

// EstimatedSize returns the bytes flushed so far plus the pending block.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(len(w.block))
}

// Entries returns the number of point entries added so far.
func (w *Writer) Entries() int64 { return w.entries }

// Smallest returns the smallest internal key observed so far.
func (w *Writer) Smallest() keys.InternalKey { return w.smallest }

// AddRangeTombstone records a range deletion carried by this table.
func (w *Writer) AddRangeTombstone(rd keys.RangeTombstone) {
	w.rangeDels = append(w.rangeDels, rd)
	w.observeKey(keys.Make(rd.Start, rd.Seq, keys.KindRangeDelete))
	w.observeKey(keys.Make(rd.End, rd.Seq, keys.KindRangeDelete))
}

func (w *Writer) observeKey(ik keys.InternalKey) {
	own := keys.InternalKey{UserKey: append([]byte(nil), ik.UserKey...), Trailer: ik.Trailer}
	if w.smallest.UserKey == nil || keys.Compare(w.opts.Cmp, own, w.smallest) < 0 {
		w.smallest = own
	}
	if w.largest.UserKey == nil || keys.Compare(w.opts.Cmp, own, w.largest) > 0 {
		w.largest = own
	}
	if ik.Seq() < w.smallestSeq {
		w.smallestSeq = ik.Seq()
	}
	if ik.Seq() > w.largestSeq {
		w.largestSeq = ik.Seq()
	}
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}

	comp := w.opts.Compressor
	stored := comp.Compress(w.block)
	tag := comp.Type()
	if len(stored) >= len(w.block) {
		// Compression did not pay off; store raw.
		stored = w.block
		tag = compression.None
	}

	handle, err := w.writeBlock(stored, tag)
	if err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{
		sep:    append([]byte(nil), w.lastKey...),
		handle: handle,
	})
	w.block = w.block[:0]
	return nil
}

// writeBlock writes payload plus its trailer and returns the handle.
func (w *Writer) writeBlock(payload []byte, tag compression.Type) (blockHandle, error) {
	trailer := [blockTrailerLen]byte{byte(tag)}
	crc := crc32.Update(crc32.Checksum(payload, castagnoli), castagnoli, trailer[:1])
	binary.LittleEndian.PutUint32(trailer[1:], crc)

	if _, err := w.file.Write(payload); err != nil {
		return blockHandle{}, fmt.Errorf("failed to write block: %w", err)
	}
	if _, err := w.file.Write(trailer[:]); err != nil {
		return blockHandle{}, fmt.Errorf("failed to write block trailer: %w", err)
	}

	handle := blockHandle{offset: w.offset, length: uint32(len(payload))}
	w.offset += uint64(len(payload)) + blockTrailerLen
	return handle, nil
}

// Finish flushes all pending blocks, writes the meta blocks and the footer,
// syncs and closes the file.
func (w *Writer) Finish() (Meta, error) {
	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}

	var ftr footer
	var err error

	if w.filter != nil && w.entries > 0 {
		var buf bytes.Buffer
		if _, err := w.filter.WriteTo(&buf); err != nil {
			return Meta{}, fmt.Errorf("failed to serialize filter: %w", err)
		}
		if ftr.filter, err = w.writeBlock(buf.Bytes(), compression.None); err != nil {
			return Meta{}, err
		}
	}

	if len(w.rangeDels) > 0 {
		if ftr.rangeDel, err = w.writeBlock(encodeRangeDels(w.rangeDels), compression.None); err != nil {
			return Meta{}, err
		}
	}

	props, err := w.buildProps()
	if err != nil {
		return Meta{}, err
	}
	if ftr.props, err = w.writeBlock(encodeProps(props), compression.None); err != nil {
		return Meta{}, err
	}

	if ftr.index, err = w.writeBlock(w.encodeIndex(), compression.None); err != nil {
		return Meta{}, err
	}

	if _, err := w.file.Write(ftr.encode()); err != nil {
		return Meta{}, fmt.Errorf("failed to write footer: %w", err)
	}
	w.offset += footerLen

	if err := w.file.Sync(); err != nil {
		return Meta{}, fmt.Errorf("failed to sync table %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return Meta{}, fmt.Errorf("failed to close table %s: %w", w.path, err)
	}

	return Meta{
		FileNum:     w.opts.FileNum,
		Size:        int64(w.offset),
		Smallest:    w.smallest,
		Largest:     w.largest,
		SmallestSeq: w.smallestSeq,
		LargestSeq:  w.largestSeq,
		Entries:     w.entries,
		Properties:  props,
	}, nil
}

// Abandon closes and removes a partially written table after a failure.
func (w *Writer) Abandon() {
	_ = w.file.Close()
	_ = os.Remove(w.path)
}

func (w *Writer) encodeIndex() []byte {
	var buf []byte
	for _, e := range w.index {
		buf = binary.AppendUvarint(buf, uint64(len(e.sep)))
		buf = append(buf, e.sep...)
		buf = binary.AppendUvarint(buf, e.handle.offset)
		buf = binary.AppendUvarint(buf, uint64(e.handle.length))
	}
	return buf
}

func (w *Writer) buildProps() (map[string]string, error) {
	createdAt := w.opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	props := map[string]string{
		PropCompression:  strconv.Itoa(int(w.opts.Compressor.Type())),
		PropCreationTime: strconv.FormatInt(createdAt.Unix(), 10),
		PropNumEntries:   strconv.FormatInt(w.entries, 10),
		PropNumDeletions: strconv.FormatInt(w.deletions, 10),
		PropNumRangeDels: strconv.Itoa(len(w.rangeDels)),
		PropSmallestSeq:  strconv.FormatUint(uint64(w.smallestSeq), 10),
		PropLargestSeq:   strconv.FormatUint(uint64(w.largestSeq), 10),
	}
	if w.opts.Cmp != nil {
		props[PropComparator] = w.opts.Cmp.Name()
	}
	for _, c := range w.opts.Collectors {
		user, err := c.Finish()
		if err != nil {
			return nil, fmt.Errorf("properties collector %s: %w", c.Name(), err)
		}
		for k, v := range user {
			props[k] = v
		}
	}
	return props, nil
}
