// Package batch implements the atomic write batch and its wire encoding.
//
// A batch serializes as a 12-byte header (8-byte little-endian base sequence
// number, 4-byte record count) followed by the records:
//
//	kind byte | uvarint keylen | key [| uvarint valuelen | value]
//
// The value part is present for Put, Merge and RangeDelete (where the value
// holds the exclusive end key). The whole encoding is written to the WAL as
// a single record, which makes the batch atomic across crash recovery.
package batch

import (
	"encoding/binary"
	"fmt"

	"granite/pkg/keys"
	"granite/pkg/types"
)

const headerSize = 12

// Batch groups mutations that commit atomically under one contiguous
// sequence-number range.
type Batch struct {
	data  []byte
	count uint32
}

func New() *Batch {
	return &Batch{data: make([]byte, headerSize)}
}

func (b *Batch) Put(key, value []byte) {
	b.appendRecord(keys.KindPut, key, value)
}

func (b *Batch) Delete(key []byte) {
	b.appendRecord(keys.KindDelete, key, nil)
}

// SingleDelete removes exactly the most recent Put of key. It is cheaper to
// compact away than Delete but must only be used when the key was written
// once since the last deletion.
func (b *Batch) SingleDelete(key []byte) {
	b.appendRecord(keys.KindSingleDelete, key, nil)
}

func (b *Batch) Merge(key, operand []byte) {
	b.appendRecord(keys.KindMerge, key, operand)
}

// DeleteRange deletes every key in [start, end).
func (b *Batch) DeleteRange(start, end []byte) {
	b.appendRecord(keys.KindRangeDelete, start, end)
}

func (b *Batch) appendRecord(kind keys.Kind, key, value []byte) {
	b.data = append(b.data, byte(kind))
	b.data = binary.AppendUvarint(b.data, uint64(len(key)))
	b.data = append(b.data, key...)
	if recordHasValue(kind) {
		b.data = binary.AppendUvarint(b.data, uint64(len(value)))
		b.data = append(b.data, value...)
	}
	b.count++
}

func recordHasValue(kind keys.Kind) bool {
	switch kind {
	case keys.KindPut, keys.KindMerge, keys.KindRangeDelete:
		return true
	default:
		return false
	}
}

// Count returns the number of records.
func (b *Batch) Count() uint32 { return b.count }

// Empty reports whether the batch carries no records.
func (b *Batch) Empty() bool { return b.count == 0 }

// Size returns the encoded size in bytes.
func (b *Batch) Size() int { return len(b.data) }

func (b *Batch) Clear() {
	b.data = b.data[:headerSize]
	for i := 0; i < headerSize; i++ {
		b.data[i] = 0
	}
	b.count = 0
}

// SetSeq stamps the base sequence number assigned at commit.
func (b *Batch) SetSeq(seq types.SeqNum) {
	binary.LittleEndian.PutUint64(b.data[:8], uint64(seq))
}

// Seq returns the base sequence number.
func (b *Batch) Seq() types.SeqNum {
	return types.SeqNum(binary.LittleEndian.Uint64(b.data[:8]))
}

// Repr returns the wire encoding. The header count field is refreshed first.
func (b *Batch) Repr() []byte {
	binary.LittleEndian.PutUint32(b.data[8:12], b.count)
	return b.data
}

// Append concatenates other's records onto b. Used by the commit pipeline to
// merge a write group into one WAL record.
func (b *Batch) Append(other *Batch) {
	b.data = append(b.data, other.data[headerSize:]...)
	b.count += other.count
}

// Decode wraps an encoded batch, e.g. one replayed from the WAL.
func Decode(data []byte) (*Batch, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("batch too short: %d bytes", len(data))
	}
	return &Batch{
		data:  data,
		count: binary.LittleEndian.Uint32(data[8:12]),
	}, nil
}

// Iter walks the records of a batch in write order.
type Iter struct {
	rest []byte
	// Offset is the record index, added to the batch base sequence number
	// to obtain each record's own sequence number.
	Offset uint32
	err    error
}

func (b *Batch) Iter() Iter {
	return Iter{rest: b.data[headerSize:]}
}

// Next returns the next record. ok is false once the batch is exhausted or
// malformed; check Err to distinguish.
func (it *Iter) Next() (kind keys.Kind, key, value []byte, ok bool) {
	if len(it.rest) == 0 || it.err != nil {
		return 0, nil, nil, false
	}

	kind = keys.Kind(it.rest[0])
	it.rest = it.rest[1:]

	key, ok = it.readSlice()
	if !ok {
		return 0, nil, nil, false
	}
	if recordHasValue(kind) {
		value, ok = it.readSlice()
		if !ok {
			return 0, nil, nil, false
		}
	}
	it.Offset++
	return kind, key, value, true
}

func (it *Iter) readSlice() ([]byte, bool) {
	n, w := binary.Uvarint(it.rest)
	if w <= 0 || uint64(len(it.rest)-w) < n {
		it.err = fmt.Errorf("malformed batch record at offset %d", it.Offset)
		return nil, false
	}
	s := it.rest[w : w+int(n)]
	it.rest = it.rest[w+int(n):]
	return s, true
}

// Err returns the decoding error encountered, if any.
func (it *Iter) Err() error { return it.err }
