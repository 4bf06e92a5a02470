package compaction

import (
	"log/slog"
	"sort"
	"time"

	"granite/pkg/iterator"
	"granite/pkg/keys"
	"granite/pkg/sstable"
	"granite/pkg/types"
	"granite/pkg/version"
)

// Env supplies the runner with everything it needs from the store: file
// allocation, writer configuration and the optional user hooks.
type Env struct {
	Dir             string
	Cmp             keys.Comparator
	NewFileNum      func() types.FileNum
	WriterOptions   func(fn types.FileNum) sstable.WriterOptions
	TargetFileBytes int64
	Merger          MergeOperator
	Filter          CompactionFilter
	Logger          *slog.Logger

	// RegisterOutput is called with each output file number before its
	// table is created, shielding it from orphan cleanup.
	RegisterOutput func(fn types.FileNum)
}

// Result is the outcome of a compaction run. Outputs carry no open readers.
type Result struct {
	Outputs []*version.FileMetadata
	Records int64
	Bytes   int64
}

type ent struct {
	ik  keys.InternalKey
	val []byte
}

type run struct {
	env       Env
	c         *Compaction
	snapshots []types.SeqNum
	rds       []keys.RangeTombstone
	keepRds   bool

	w       *sstable.Writer
	lower   []byte // clamp bound carried between outputs
	outputs []*version.FileMetadata
	records int64
	bytes   int64
}

// Run rewrites the compaction's inputs into fresh output tables, dropping
// entries no reader can observe anymore. snapshots must be sorted ascending.
func Run(env Env, c *Compaction, snapshots []types.SeqNum) (Result, error) {
	rs := &run{env: env, c: c, snapshots: snapshots}

	for _, f := range c.AllInputs() {
		rs.rds = append(rs.rds, f.Reader().RangeTombstones()...)
	}
	sort.Slice(rs.rds, func(i, j int) bool {
		return env.Cmp.Compare(rs.rds[i].Start, rs.rds[j].Start) < 0
	})
	// Range tombstones travel to the outputs unless nothing below can be
	// covered and no snapshot can still observe them.
	rs.keepRds = !(c.CanElide && len(snapshots) == 0)

	var iters []iterator.Iterator
	for _, f := range c.AllInputs() {
		iters = append(iters, f.Reader().NewIter(nil))
	}
	mi := iterator.NewMerging(env.Cmp, iters...)
	defer mi.Close()

	var cur []ent
	for mi.First(); mi.Valid(); mi.Next() {
		ik := mi.Key()
		if len(cur) > 0 && env.Cmp.Compare(cur[0].ik.UserKey, ik.UserKey) != 0 {
			if err := rs.emitKey(cur); err != nil {
				rs.abandon()
				return Result{}, err
			}
			cur = cur[:0]
		}
		cur = append(cur, ent{
			ik:  keys.InternalKey{UserKey: append([]byte(nil), ik.UserKey...), Trailer: ik.Trailer},
			val: append([]byte(nil), mi.Value()...),
		})
	}
	if err := mi.Error(); err != nil {
		rs.abandon()
		return Result{}, err
	}
	if len(cur) > 0 {
		if err := rs.emitKey(cur); err != nil {
			rs.abandon()
			return Result{}, err
		}
	}

	if err := rs.finalFlush(); err != nil {
		rs.abandon()
		return Result{}, err
	}
	return Result{Outputs: rs.outputs, Records: rs.records, Bytes: rs.bytes}, nil
}

// emitKey processes all entries of one user key and writes the survivors.
func (rs *run) emitKey(es []ent) error {
	out := rs.processKey(es)
	if len(out) == 0 {
		return nil
	}
	// Never split one user key across outputs.
	if rs.w != nil && rs.w.EstimatedSize() >= rs.env.TargetFileBytes {
		if err := rs.finishOutput(out[0].ik.UserKey); err != nil {
			return err
		}
	}
	for _, e := range out {
		if err := rs.add(e); err != nil {
			return err
		}
	}
	return nil
}

func (rs *run) add(e ent) error {
	if rs.w == nil {
		if err := rs.openOutput(); err != nil {
			return err
		}
	}
	if err := rs.w.Add(e.ik, e.val); err != nil {
		return err
	}
	rs.records++
	return nil
}

func (rs *run) openOutput() error {
	fn := rs.env.NewFileNum()
	if rs.env.RegisterOutput != nil {
		rs.env.RegisterOutput(fn)
	}
	w, err := sstable.NewWriter(version.TableFileName(rs.env.Dir, fn), rs.env.WriterOptions(fn))
	if err != nil {
		return err
	}
	rs.w = w
	return nil
}

// finishOutput closes the current output. Range tombstones overlapping
// [rs.lower, upper) are attached clamped to that window so consecutive
// outputs stay disjoint; a nil bound is unbounded.
func (rs *run) finishOutput(upper []byte) error {
	if rs.keepRds {
		for _, rd := range rs.rds {
			s, e, ok := clamp(rs.env.Cmp, rd, rs.lower, upper)
			if !ok {
				continue
			}
			rs.w.AddRangeTombstone(keys.RangeTombstone{Start: s, End: e, Seq: rd.Seq})
		}
	}

	meta, err := rs.w.Finish()
	rs.w = nil
	if err != nil {
		return err
	}
	rs.outputs = append(rs.outputs, &version.FileMetadata{
		FileNum:     meta.FileNum,
		Size:        meta.Size,
		Smallest:    meta.Smallest,
		Largest:     meta.Largest,
		SmallestSeq: meta.SmallestSeq,
		LargestSeq:  meta.LargestSeq,
		CreatedAt:   time.Now().Unix(),
	})
	rs.bytes += meta.Size
	if upper != nil {
		rs.lower = append(rs.lower[:0], upper...)
	}
	return nil
}

// finalFlush closes the last output, creating one if only range tombstones
// remain past the clamp bound.
func (rs *run) finalFlush() error {
	if rs.w == nil && rs.keepRds {
		for _, rd := range rs.rds {
			if _, _, ok := clamp(rs.env.Cmp, rd, rs.lower, nil); ok {
				if err := rs.openOutput(); err != nil {
					return err
				}
				break
			}
		}
	}
	if rs.w == nil {
		return nil
	}
	return rs.finishOutput(nil)
}

func (rs *run) abandon() {
	if rs.w != nil {
		rs.w.Abandon()
		rs.w = nil
	}
}

// clamp intersects a range tombstone with the window [lower, upper); nil
// bounds are unbounded. ok is false for an empty intersection.
func clamp(cmp keys.Comparator, rd keys.RangeTombstone, lower, upper []byte) (s, e []byte, ok bool) {
	s, e = rd.Start, rd.End
	if lower != nil && cmp.Compare(s, lower) < 0 {
		s = lower
	}
	if upper != nil && cmp.Compare(e, upper) > 0 {
		e = upper
	}
	if cmp.Compare(s, e) >= 0 {
		return nil, nil, false
	}
	return s, e, true
}

// stripe buckets a sequence number by the snapshots that can observe it.
// Entries in the same stripe are indistinguishable to every snapshot.
func stripe(seq types.SeqNum, snaps []types.SeqNum) int {
	return sort.Search(len(snaps), func(i int) bool { return snaps[i] >= seq })
}

// processKey reduces one user key's entries (newest first) to the entries
// that must survive, applying snapshot stripes, range tombstones, tombstone
// elision, merge folding and the compaction filter.
func (rs *run) processKey(es []ent) []ent {
	kept := make([]ent, 0, len(es))
	for _, e := range es {
		if rs.coveredByRangeDel(e) {
			continue
		}
		kept = append(kept, e)
	}
	es = kept

	var out []ent
	i := 0
	for i < len(es) {
		e := es[i]
		s := stripe(e.ik.Seq(), rs.snapshots)
		j := i + 1
		for j < len(es) && stripe(es[j].ik.Seq(), rs.snapshots) == s {
			j++
		}

		switch e.ik.Kind() {
		case keys.KindPut:
			out = append(out, rs.filterPut(e, s)...)

		case keys.KindDelete:
			if !(rs.c.CanElide && s == 0 && j == len(es)) {
				out = append(out, e)
			}

		case keys.KindSingleDelete:
			if i+1 < j && es[i+1].ik.Kind() == keys.KindPut {
				// The tombstone met its write in the same stripe;
				// both disappear.
			} else if !(rs.c.CanElide && s == 0 && j == len(es)) {
				out = append(out, e)
			}

		case keys.KindMerge:
			out = append(out, rs.foldMerges(es[i:j], es, j, s)...)
		}
		i = j
	}
	return out
}

// filterPut offers a live value to the compaction filter. Values a snapshot
// can still see are passed through untouched.
func (rs *run) filterPut(e ent, s int) []ent {
	if rs.env.Filter == nil || s != len(rs.snapshots) {
		return []ent{e}
	}
	remove, newVal := rs.env.Filter.Filter(rs.c.Level, e.ik.UserKey, e.val)
	if remove {
		if rs.c.CanElide && len(rs.snapshots) == 0 {
			return nil
		}
		return []ent{{ik: keys.Make(e.ik.UserKey, e.ik.Seq(), keys.KindDelete)}}
	}
	if newVal != nil {
		e.val = newVal
	}
	return []ent{e}
}

// foldMerges combines the merge operands of one stripe. ops are the stripe's
// entries starting with the merges; all/next describe what follows the
// stripe.
func (rs *run) foldMerges(ops []ent, all []ent, next int, s int) []ent {
	key := ops[0].ik.UserKey
	var operands [][]byte // newest first
	k := 0
	for k < len(ops) && ops[k].ik.Kind() == keys.KindMerge {
		operands = append(operands, ops[k].val)
		k++
	}

	fullMerge := func(base []byte) ([]byte, bool) {
		if rs.env.Merger == nil {
			return nil, false
		}
		oldestFirst := make([][]byte, len(operands))
		for i, op := range operands {
			oldestFirst[len(operands)-1-i] = op
		}
		return rs.env.Merger.FullMerge(key, base, oldestFirst)
	}

	newest := ops[0].ik

	if k < len(ops) {
		// A terminal value in the same stripe: fold to a plain write.
		var base []byte
		if ops[k].ik.Kind() == keys.KindPut {
			base = ops[k].val
		}
		if merged, ok := fullMerge(base); ok {
			return []ent{{ik: keys.Make(newest.UserKey, newest.Seq(), keys.KindPut), val: merged}}
		}
		// Unmergeable: keep operands and terminal as they are.
		return ops[:k+1]
	}

	if rs.c.CanElide && s == 0 && next == len(all) {
		// Bottom of the tree with nothing older: merge against nothing.
		if merged, ok := fullMerge(nil); ok {
			return []ent{{ik: keys.Make(newest.UserKey, newest.Seq(), keys.KindPut), val: merged}}
		}
	}

	// Older data may still exist; fold adjacent operands where possible and
	// carry the result forward as a merge.
	if rs.env.Merger != nil {
		combined := operands[len(operands)-1]
		ok := true
		for i := len(operands) - 2; i >= 0; i-- {
			var m []byte
			if m, ok = rs.env.Merger.PartialMerge(key, combined, operands[i]); !ok {
				break
			}
			combined = m
		}
		if ok {
			return []ent{{ik: keys.Make(newest.UserKey, newest.Seq(), keys.KindMerge), val: combined}}
		}
	}
	return ops[:k]
}

// coveredByRangeDel reports whether a newer range tombstone in the same
// stripe shadows the entry. The tombstone itself still travels to the
// outputs, so coverage below the output level is preserved.
func (rs *run) coveredByRangeDel(e ent) bool {
	seq := e.ik.Seq()
	for _, rd := range rs.rds {
		if rd.Seq > seq &&
			stripe(rd.Seq, rs.snapshots) == stripe(seq, rs.snapshots) &&
			rs.env.Cmp.Compare(rd.Start, e.ik.UserKey) <= 0 &&
			rs.env.Cmp.Compare(e.ik.UserKey, rd.End) < 0 {
			return true
		}
	}
	return false
}
