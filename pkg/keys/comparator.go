package keys

import "bytes"

// Comparator defines a total order over user keys. Implementations must be
// safe for concurrent use from multiple background threads.
type Comparator interface {
	// Name identifies the order. A store refuses to reopen under a
	// comparator whose name differs from the one recorded in the
	// manifest.
	Name() string
	Compare(a, b []byte) int
}

// Bytewise is the default lexicographic byte order.
type Bytewise struct{}

func (Bytewise) Name() string { return "granite.bytewise" }

func (Bytewise) Compare(a, b []byte) int { return bytes.Compare(a, b) }

// TimestampSuffix orders keys whose last Size bytes are a big-endian
// timestamp: the prefix compares bytewise ascending, the timestamp descending
// so newer-stamped keys sort first. Keys shorter than the suffix fall back to
// plain bytewise order.
type TimestampSuffix struct {
	Size int
}

func (c TimestampSuffix) Name() string { return "granite.bytewise-ts" }

func (c TimestampSuffix) Compare(a, b []byte) int {
	if len(a) < c.Size || len(b) < c.Size {
		return bytes.Compare(a, b)
	}
	ap, ats := a[:len(a)-c.Size], a[len(a)-c.Size:]
	bp, bts := b[:len(b)-c.Size], b[len(b)-c.Size:]
	if r := bytes.Compare(ap, bp); r != 0 {
		return r
	}
	// Descending: the newer timestamp is the smaller key.
	return bytes.Compare(bts, ats)
}
