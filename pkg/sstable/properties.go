package sstable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"granite/pkg/keys"
	"granite/pkg/types"
)

// Standard property keys written by the table builder.
const (
	PropComparator   = "granite.comparator"
	PropCompression  = "granite.compression"
	PropCreationTime = "granite.creation-time"
	PropNumEntries   = "granite.num-entries"
	PropNumDeletions = "granite.num-deletions"
	PropNumRangeDels = "granite.num-range-deletions"
	PropSmallestSeq  = "granite.smallest-seq"
	PropLargestSeq   = "granite.largest-seq"
)

// PropertiesCollector observes every entry added to a table under
// construction and contributes name/value metadata to its properties block.
// Collectors may be invoked from multiple background threads, one collector
// instance per table being built; implementations must not block for long
// and must not call back into the engine.
type PropertiesCollector interface {
	Name() string
	// AddUserKey is invoked once per entry with the running file size.
	AddUserKey(key, value []byte, kind keys.Kind, seq types.SeqNum, fileSize uint64) error
	// Finish returns the collected user properties.
	Finish() (map[string]string, error)
}

// CollectorFactory builds one collector per table under construction.
type CollectorFactory func() PropertiesCollector

func encodeProps(props map[string]string) []byte {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := binary.AppendUvarint(nil, uint64(len(names)))
	for _, name := range names {
		buf = binary.AppendUvarint(buf, uint64(len(name)))
		buf = append(buf, name...)
		buf = binary.AppendUvarint(buf, uint64(len(props[name])))
		buf = append(buf, props[name]...)
	}
	return buf
}

func decodeProps(buf []byte) (map[string]string, error) {
	n, w := binary.Uvarint(buf)
	if w <= 0 {
		return nil, fmt.Errorf("malformed properties block")
	}
	buf = buf[w:]

	props := make(map[string]string, n)
	readStr := func() (string, error) {
		l, w := binary.Uvarint(buf)
		if w <= 0 || uint64(len(buf)-w) < l {
			return "", fmt.Errorf("malformed properties block")
		}
		s := string(buf[w : w+int(l)])
		buf = buf[w+int(l):]
		return s, nil
	}
	for i := uint64(0); i < n; i++ {
		name, err := readStr()
		if err != nil {
			return nil, err
		}
		value, err := readStr()
		if err != nil {
			return nil, err
		}
		props[name] = value
	}
	return props, nil
}

func encodeRangeDels(dels []keys.RangeTombstone) []byte {
	var buf []byte
	for _, rd := range dels {
		buf = binary.AppendUvarint(buf, uint64(len(rd.Start)))
		buf = append(buf, rd.Start...)
		buf = binary.AppendUvarint(buf, uint64(len(rd.End)))
		buf = append(buf, rd.End...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(rd.Seq))
	}
	return buf
}

func decodeRangeDels(buf []byte) ([]keys.RangeTombstone, error) {
	var out []keys.RangeTombstone
	readSlice := func() ([]byte, error) {
		l, w := binary.Uvarint(buf)
		if w <= 0 || uint64(len(buf)-w) < l {
			return nil, fmt.Errorf("malformed range-del block")
		}
		s := buf[w : w+int(l)]
		buf = buf[w+int(l):]
		return s, nil
	}
	for len(buf) > 0 {
		start, err := readSlice()
		if err != nil {
			return nil, err
		}
		end, err := readSlice()
		if err != nil {
			return nil, err
		}
		if len(buf) < 8 {
			return nil, fmt.Errorf("malformed range-del block")
		}
		seq := types.SeqNum(binary.LittleEndian.Uint64(buf))
		buf = buf[8:]
		out = append(out, keys.RangeTombstone{
			Start: append([]byte(nil), start...),
			End:   append([]byte(nil), end...),
			Seq:   seq,
		})
	}
	return out, nil
}
