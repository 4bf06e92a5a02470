// Package snapshot tracks live read snapshots: fixed sequence-number
// horizons that bound what a snapshot-bound read may observe and which
// obsolete versions compaction must preserve.
package snapshot

import (
	"sort"
	"sync"

	"granite/pkg/types"
)

// Snapshot is an immutable capture of the sequence number at acquisition
// time. Reads bound to it ignore every later write.
type Snapshot struct {
	seq  types.SeqNum
	list *List
}

// Seq returns the snapshot's visibility horizon.
func (s *Snapshot) Seq() types.SeqNum { return s.seq }

// Release drops the snapshot from the live list, letting compaction discard
// versions only it could observe. Release is idempotent.
func (s *Snapshot) Release() {
	if s.list != nil {
		s.list.remove(s)
		s.list = nil
	}
}

// List is the set of live snapshots of one store.
type List struct {
	mu   sync.Mutex
	live map[*Snapshot]struct{}
}

func NewList() *List {
	return &List{live: make(map[*Snapshot]struct{})}
}

// Acquire registers a new snapshot at seq.
func (l *List) Acquire(seq types.SeqNum) *Snapshot {
	s := &Snapshot{seq: seq, list: l}
	l.mu.Lock()
	l.live[s] = struct{}{}
	l.mu.Unlock()
	return s
}

func (l *List) remove(s *Snapshot) {
	l.mu.Lock()
	delete(l.live, s)
	l.mu.Unlock()
}

// Sorted returns the live horizons in ascending order. Compaction uses them
// as stripe boundaries when deciding which versions remain observable.
func (l *List) Sorted() []types.SeqNum {
	l.mu.Lock()
	out := make([]types.SeqNum, 0, len(l.live))
	for s := range l.live {
		out = append(out, s.seq)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Empty reports whether no snapshot is live.
func (l *List) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live) == 0
}
