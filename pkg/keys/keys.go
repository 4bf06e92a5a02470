package keys

import (
	"encoding/binary"
	"fmt"

	"granite/pkg/types"
)

// Kind tags the operation carried by an internal key.
type Kind uint8

const (
	KindDelete Kind = iota
	KindPut
	KindMerge
	KindSingleDelete
	KindRangeDelete

	// KindMax sorts before every real kind at the same sequence number,
	// making (seq=MaxSeqNum, kind=KindMax) the smallest internal key for
	// a given user key. Seeks use it as their search key.
	KindMax Kind = 0xff
)

func (k Kind) String() string {
	switch k {
	case KindDelete:
		return "DEL"
	case KindPut:
		return "PUT"
	case KindMerge:
		return "MERGE"
	case KindSingleDelete:
		return "SINGLEDEL"
	case KindRangeDelete:
		return "RANGEDEL"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

const trailerSize = 8

// InternalKey pairs a user key with its sequence number and operation kind.
// Internal keys order by (user key ascending, sequence number descending,
// kind descending) so a forward scan meets the newest version first.
type InternalKey struct {
	UserKey []byte
	Trailer uint64
}

// MakeTrailer packs seq and kind into the 8-byte internal key trailer.
func MakeTrailer(seq types.SeqNum, kind Kind) uint64 {
	return uint64(seq)<<8 | uint64(kind)
}

// Make builds an internal key. UserKey is aliased, not copied.
func Make(userKey []byte, seq types.SeqNum, kind Kind) InternalKey {
	return InternalKey{UserKey: userKey, Trailer: MakeTrailer(seq, kind)}
}

// Search returns the internal key that sorts before every entry for userKey
// with sequence number <= seq.
func Search(userKey []byte, seq types.SeqNum) InternalKey {
	return Make(userKey, seq, KindMax)
}

func (ik InternalKey) Seq() types.SeqNum {
	return types.SeqNum(ik.Trailer >> 8)
}

func (ik InternalKey) Kind() Kind {
	return Kind(ik.Trailer & 0xff)
}

// Size returns the encoded length.
func (ik InternalKey) Size() int {
	return len(ik.UserKey) + trailerSize
}

// Encode appends the serialized form (user key followed by the little-endian
// trailer) to dst.
func (ik InternalKey) Encode(dst []byte) []byte {
	dst = append(dst, ik.UserKey...)
	var t [trailerSize]byte
	binary.LittleEndian.PutUint64(t[:], ik.Trailer)
	return append(dst, t[:]...)
}

// Decode parses an encoded internal key. The user key aliases data.
func Decode(data []byte) (InternalKey, error) {
	if len(data) < trailerSize {
		return InternalKey{}, fmt.Errorf("internal key too short: %d bytes", len(data))
	}
	n := len(data) - trailerSize
	return InternalKey{
		UserKey: data[:n],
		Trailer: binary.LittleEndian.Uint64(data[n:]),
	}, nil
}

func (ik InternalKey) String() string {
	return fmt.Sprintf("%q#%d,%s", ik.UserKey, ik.Seq(), ik.Kind())
}

// Visible reports whether the entry may be observed at the given horizon.
func (ik InternalKey) Visible(horizon types.SeqNum) bool {
	return ik.Seq() <= horizon
}

// Entry is one stored version of a user key: the packed trailer plus the
// value bytes. It is the unit returned by point lookups against a memtable
// or a table.
type Entry struct {
	Trailer uint64
	Value   []byte
}

func (e Entry) Seq() types.SeqNum { return types.SeqNum(e.Trailer >> 8) }

func (e Entry) Kind() Kind { return Kind(e.Trailer & 0xff) }

// RangeTombstone deletes every key in [Start, End) whose sequence number is
// smaller than Seq.
type RangeTombstone struct {
	Start []byte
	End   []byte
	Seq   types.SeqNum
}

// Covers reports whether the tombstone deletes key at the given entry
// sequence number, as seen from horizon.
func (rt RangeTombstone) Covers(cmp Comparator, key []byte, entrySeq, horizon types.SeqNum) bool {
	return rt.Seq <= horizon && rt.Seq > entrySeq &&
		cmp.Compare(rt.Start, key) <= 0 && cmp.Compare(key, rt.End) < 0
}

// Compare orders internal keys: user keys ascending by cmp, then trailers
// descending so that newer entries come first.
func Compare(cmp Comparator, a, b InternalKey) int {
	if c := cmp.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Trailer > b.Trailer:
		return -1
	case a.Trailer < b.Trailer:
		return 1
	default:
		return 0
	}
}
