package store

import (
	"context"
	"fmt"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"granite/pkg/batch"
	"granite/pkg/dberrors"
	"granite/pkg/listener"
	"granite/pkg/types"
)

// maxCommitGroup bounds how many queued batches one leader commits under a
// single WAL sync.
const maxCommitGroup = 64

type commitRequest struct {
	b    *batch.Batch
	err  error
	done chan struct{}
}

// Put stores key => value.
func (s *Store) Put(ctx context.Context, key, value []byte) error {
	b := batch.New()
	b.Put(key, value)
	return s.Write(ctx, b)
}

// Delete removes key. Deleting an absent key succeeds and writes a
// tombstone.
func (s *Store) Delete(ctx context.Context, key []byte) error {
	b := batch.New()
	b.Delete(key)
	return s.Write(ctx, b)
}

// SingleDelete removes a key that was written at most once since its last
// deletion. It is cheaper to compact away than Delete, but its behavior is
// undefined if the key was overwritten.
func (s *Store) SingleDelete(ctx context.Context, key []byte) error {
	b := batch.New()
	b.SingleDelete(key)
	return s.Write(ctx, b)
}

// Merge appends an operand for key, combined lazily by the configured merge
// operator.
func (s *Store) Merge(ctx context.Context, key, operand []byte) error {
	if s.opts.Merger == nil {
		return fmt.Errorf("%w: merge requires a merge operator", dberrors.ErrInvalidArgument)
	}
	b := batch.New()
	b.Merge(key, operand)
	return s.Write(ctx, b)
}

// DeleteRange removes every key in [start, end).
func (s *Store) DeleteRange(ctx context.Context, start, end []byte) error {
	if s.cmp.Compare(start, end) >= 0 {
		return fmt.Errorf("%w: empty range", dberrors.ErrInvalidArgument)
	}
	b := batch.New()
	b.DeleteRange(start, end)
	return s.Write(ctx, b)
}

// Write commits the batch atomically: either every record becomes visible or
// none does. The batch must not be reused until Write returns.
func (s *Store) Write(ctx context.Context, b *batch.Batch) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := s.status.Err(); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrReadOnly, err)
	}
	if b.Empty() {
		return nil
	}

	if err := s.maybeStall(ctx); err != nil {
		return err
	}

	req := &commitRequest{b: b, done: make(chan struct{})}
	select {
	case s.commits <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.bgCtx.Done():
		return dberrors.ErrShutdown
	}

	// The enqueue can win its race against shutdown after the committer has
	// already drained and exited, so the wait must not rely on req.done alone.
	select {
	case <-req.done:
	case <-s.bgCtx.Done():
		select {
		case <-req.done:
			// The committer picked the request up; take its verdict.
		default:
			return dberrors.ErrShutdown
		}
	}
	return req.err
}

// maybeStall applies write backpressure: a short jittered delay while the
// store is Delayed, a hard wait while it is Stopped.
func (s *Store) maybeStall(ctx context.Context) error {
	s.mu.Lock()
	for s.stall == listener.StallStopped && !s.closed.Load() && s.status.Err() == nil {
		s.stallCond.Wait()
	}
	delayed := s.stall == listener.StallDelayed
	s.mu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := s.status.Err(); err != nil {
		return fmt.Errorf("%w: %v", dberrors.ErrReadOnly, err)
	}
	if delayed {
		delay := time.Millisecond + time.Duration(fastrand.Uint32n(1000))*time.Microsecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// commitLoop is the single committer: it drains queued batches into groups,
// makes each group durable with one WAL sync, applies it to the memtable and
// publishes the new visible sequence number.
func (s *Store) commitLoop() {
	defer s.bg.Done()
	for {
		select {
		case <-s.bgCtx.Done():
			s.drainCommits()
			return
		case req := <-s.commits:
			group := []*commitRequest{req}
		fill:
			for len(group) < maxCommitGroup {
				select {
				case r := <-s.commits:
					group = append(group, r)
				default:
					break fill
				}
			}
			s.commitGroup(group)
		}
	}
}

func (s *Store) drainCommits() {
	for {
		select {
		case req := <-s.commits:
			req.err = dberrors.ErrShutdown
			close(req.done)
		default:
			return
		}
	}
}

func (s *Store) commitGroup(group []*commitRequest) {
	finish := func(err error) {
		for _, r := range group {
			r.err = err
			close(r.done)
		}
	}

	if err := s.status.Err(); err != nil {
		finish(fmt.Errorf("%w: %v", dberrors.ErrReadOnly, err))
		return
	}

	var total uint64
	for _, r := range group {
		total += uint64(r.b.Count())
	}
	first := s.seq.Advance(total)
	seq := first
	for _, r := range group {
		r.b.SetSeq(types.SeqNum(seq))
		seq += uint64(r.b.Count())
	}

	s.mu.Lock()
	for _, r := range group {
		if err := s.log.Append(r.b.Repr(), false); err != nil {
			s.mu.Unlock()
			s.backgroundError("wal append", err)
			finish(err)
			return
		}
	}
	if s.cfg.WAL.Sync {
		if err := s.log.Sync(); err != nil {
			s.mu.Unlock()
			s.backgroundError("wal sync", err)
			finish(err)
			return
		}
	}

	// Still under s.mu: sealMemtable swaps s.mem under the same lock, so a
	// batch lands wholly in one memtable and never races the swap.
	for _, r := range group {
		s.applyToMemtable(r.b)
	}

	// Publish: the whole group becomes visible at once, in order.
	s.visible.Store(first + total - 1)

	var sealErr error
	if s.mem.ApproximateSize() >= s.cfg.Memtable.WriteBufferBytes &&
		len(s.imm) < s.cfg.Memtable.MaxImmutable {
		sealErr = s.sealMemtable(listener.FlushReasonWriteBufferFull)
	}
	s.mu.Unlock()

	if sealErr != nil {
		s.logger.Error("memtable rotation failed", "error", sealErr)
		s.backgroundError("memtable rotation", sealErr)
	}
	s.counters.writes.Add(int64(len(group)))
	finish(nil)
}

// applyToMemtable inserts the batch's records into the active memtable.
// Callers hold s.mu, except during single-threaded WAL replay at open.
func (s *Store) applyToMemtable(b *batch.Batch) {
	seq := b.Seq()
	it := b.Iter()
	for {
		kind, key, value, ok := it.Next()
		if !ok {
			break
		}
		s.mem.Insert(seq, kind, key, value)
		seq++
	}
}

// backgroundError latches the store into read-only mode and notifies
// listeners. A listener (or ResumeWrites) may clear the status.
func (s *Store) backgroundError(op string, err error) {
	s.logger.Error("background error", "op", op, "error", err)
	s.status.Set(fmt.Errorf("%s: %w", op, err))
	s.events.BackgroundError(s.status)
	s.mu.Lock()
	s.stallCond.Broadcast()
	s.flushDone.Broadcast()
	s.mu.Unlock()
}
