package types

// Key is a user-supplied byte-string key.
type Key = []byte

// Value is a user-supplied byte-string value.
type Value = []byte

// SeqNum is a monotonically increasing sequence number assigned to every
// committed mutation. It orders WAL records and drives MVCC visibility.
type SeqNum uint64

// MaxSeqNum is the largest representable sequence number. Reads without a
// snapshot use it as their visibility horizon.
const MaxSeqNum = SeqNum((uint64(1) << 56) - 1)

// FileNum identifies a numbered file (WAL, SSTable or manifest) in the
// database directory.
type FileNum uint64
