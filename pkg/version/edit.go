package version

import (
	"encoding/binary"
	"fmt"

	"granite/pkg/dberrors"
	"granite/pkg/keys"
	"granite/pkg/types"
)

// VersionEdit is one durably logged delta between two Versions: files added
// and removed per level, plus bookkeeping watermarks. Edits are appended to
// the manifest log before the resulting Version becomes visible.
type VersionEdit struct {
	ComparatorName string

	// LogNum is the oldest WAL still needed after this edit applies.
	LogNum    types.FileNum
	hasLogNum bool

	NextFileNum types.FileNum
	LastSeq     types.SeqNum

	NewFiles     []NewFileEntry
	DeletedFiles []DeletedFileEntry
}

type NewFileEntry struct {
	Level int
	Meta  *FileMetadata
}

type DeletedFileEntry struct {
	Level   int
	FileNum types.FileNum
}

// SetLogNum records the WAL watermark in the edit.
func (ve *VersionEdit) SetLogNum(fn types.FileNum) {
	ve.LogNum = fn
	ve.hasLogNum = true
}

const (
	tagComparator  = 1
	tagLogNum      = 2
	tagNextFileNum = 3
	tagLastSeq     = 4
	tagNewFile     = 5
	tagDeletedFile = 6
)

// Encode serializes the edit as a manifest record payload.
func (ve *VersionEdit) Encode() []byte {
	var buf []byte

	if ve.ComparatorName != "" {
		buf = append(buf, tagComparator)
		buf = appendBytes(buf, []byte(ve.ComparatorName))
	}
	if ve.hasLogNum {
		buf = append(buf, tagLogNum)
		buf = binary.AppendUvarint(buf, uint64(ve.LogNum))
	}
	if ve.NextFileNum != 0 {
		buf = append(buf, tagNextFileNum)
		buf = binary.AppendUvarint(buf, uint64(ve.NextFileNum))
	}
	if ve.LastSeq != 0 {
		buf = append(buf, tagLastSeq)
		buf = binary.AppendUvarint(buf, uint64(ve.LastSeq))
	}
	for _, df := range ve.DeletedFiles {
		buf = append(buf, tagDeletedFile)
		buf = binary.AppendUvarint(buf, uint64(df.Level))
		buf = binary.AppendUvarint(buf, uint64(df.FileNum))
	}
	for _, nf := range ve.NewFiles {
		m := nf.Meta
		buf = append(buf, tagNewFile)
		buf = binary.AppendUvarint(buf, uint64(nf.Level))
		buf = binary.AppendUvarint(buf, uint64(m.FileNum))
		buf = binary.AppendUvarint(buf, uint64(m.Size))
		buf = appendBytes(buf, m.Smallest.Encode(nil))
		buf = appendBytes(buf, m.Largest.Encode(nil))
		buf = binary.AppendUvarint(buf, uint64(m.SmallestSeq))
		buf = binary.AppendUvarint(buf, uint64(m.LargestSeq))
		buf = binary.AppendUvarint(buf, uint64(m.CreatedAt))
	}
	return buf
}

// DecodeEdit parses a manifest record. File metadata carries no open reader;
// recovery opens tables afterwards.
func DecodeEdit(data []byte) (*VersionEdit, error) {
	ve := &VersionEdit{}
	d := decoder{data: data}

	for !d.done() {
		tag := d.byte()
		switch tag {
		case tagComparator:
			ve.ComparatorName = string(d.bytes())
		case tagLogNum:
			ve.SetLogNum(types.FileNum(d.uvarint()))
		case tagNextFileNum:
			ve.NextFileNum = types.FileNum(d.uvarint())
		case tagLastSeq:
			ve.LastSeq = types.SeqNum(d.uvarint())
		case tagDeletedFile:
			ve.DeletedFiles = append(ve.DeletedFiles, DeletedFileEntry{
				Level:   int(d.uvarint()),
				FileNum: types.FileNum(d.uvarint()),
			})
		case tagNewFile:
			m := &FileMetadata{}
			level := int(d.uvarint())
			m.FileNum = types.FileNum(d.uvarint())
			m.Size = int64(d.uvarint())
			smallest, err := keys.Decode(append([]byte(nil), d.bytes()...))
			if err != nil {
				return nil, dberrors.Corruption("manifest: %v", err)
			}
			largest, err := keys.Decode(append([]byte(nil), d.bytes()...))
			if err != nil {
				return nil, dberrors.Corruption("manifest: %v", err)
			}
			m.Smallest, m.Largest = smallest, largest
			m.SmallestSeq = types.SeqNum(d.uvarint())
			m.LargestSeq = types.SeqNum(d.uvarint())
			m.CreatedAt = int64(d.uvarint())
			ve.NewFiles = append(ve.NewFiles, NewFileEntry{Level: level, Meta: m})
		default:
			return nil, dberrors.Corruption("manifest: unknown edit tag %d", tag)
		}
		if d.err != nil {
			return nil, dberrors.Corruption("manifest: truncated edit record")
		}
	}
	return ve, nil
}

func appendBytes(buf, s []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type decoder struct {
	data []byte
	err  error
}

func (d *decoder) done() bool { return d.err != nil || len(d.data) == 0 }

func (d *decoder) byte() byte {
	if len(d.data) == 0 {
		d.err = fmt.Errorf("short read")
		return 0
	}
	b := d.data[0]
	d.data = d.data[1:]
	return b
}

func (d *decoder) uvarint() uint64 {
	v, w := binary.Uvarint(d.data)
	if w <= 0 {
		d.err = fmt.Errorf("short read")
		return 0
	}
	d.data = d.data[w:]
	return v
}

func (d *decoder) bytes() []byte {
	n := d.uvarint()
	if d.err != nil || uint64(len(d.data)) < n {
		d.err = fmt.Errorf("short read")
		return nil
	}
	s := d.data[:n]
	d.data = d.data[n:]
	return s
}
