// Package sstable implements the immutable, sorted, block-structured on-disk
// table format.
//
// Layout, in file order:
//
//	data blocks | filter block | range-del block | properties block |
//	index block | footer
//
// Every block is followed by a 5-byte trailer: a 1-byte compression type tag
// and a crc32c over the stored payload plus the tag. Only data blocks are
// compressed; meta blocks are stored raw. The fixed-size footer holds the
// handles of the four meta/index blocks, a format version and the table
// magic.
package sstable

import (
	"encoding/binary"
	"hash/crc32"

	"granite/pkg/dberrors"
)

const (
	blockTrailerLen = 5
	handleLen       = 12 // uint64 offset + uint32 length
	footerLen       = 4*handleLen + 4 + 8
	footerVersion   = 1
	tableMagic      = uint64(0x8b8024759a47fb57)
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// blockHandle locates a block: the offset of its payload and the payload
// length excluding the trailer.
type blockHandle struct {
	offset uint64
	length uint32
}

func (h blockHandle) empty() bool { return h.length == 0 && h.offset == 0 }

type footer struct {
	filter   blockHandle
	rangeDel blockHandle
	props    blockHandle
	index    blockHandle
}

func (f footer) encode() []byte {
	buf := make([]byte, footerLen)
	o := 0
	for _, h := range []blockHandle{f.filter, f.rangeDel, f.props, f.index} {
		binary.LittleEndian.PutUint64(buf[o:], h.offset)
		binary.LittleEndian.PutUint32(buf[o+8:], h.length)
		o += handleLen
	}
	binary.LittleEndian.PutUint32(buf[o:], footerVersion)
	binary.LittleEndian.PutUint64(buf[o+4:], tableMagic)
	return buf
}

func decodeFooter(buf []byte, path string) (footer, error) {
	if len(buf) != footerLen {
		return footer{}, dberrors.Corruption("table %s: short footer", path)
	}
	if magic := binary.LittleEndian.Uint64(buf[footerLen-8:]); magic != tableMagic {
		return footer{}, dberrors.Corruption("table %s: bad magic %#x", path, magic)
	}
	if v := binary.LittleEndian.Uint32(buf[footerLen-12:]); v != footerVersion {
		return footer{}, dberrors.Corruption("table %s: unsupported format version %d", path, v)
	}

	var f footer
	for i, h := range []*blockHandle{&f.filter, &f.rangeDel, &f.props, &f.index} {
		o := i * handleLen
		h.offset = binary.LittleEndian.Uint64(buf[o:])
		h.length = binary.LittleEndian.Uint32(buf[o+8:])
	}
	return f, nil
}
