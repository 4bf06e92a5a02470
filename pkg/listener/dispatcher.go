package listener

import (
	"context"
	"sync"
)

// Dispatcher decouples event delivery from the background threads that
// produce events: callbacks run on the dispatcher goroutine, so a slow
// listener cannot stall a flush or compaction. When the queue is full the
// producing thread still blocks briefly rather than dropping the event;
// stall transitions in particular must not be lost.
type Dispatcher struct {
	sinks []EventListener

	in     chan func(EventListener)
	wg     sync.WaitGroup
	cancel func()
}

func NewDispatcher(sinks ...EventListener) *Dispatcher {
	return &Dispatcher{
		sinks:  sinks,
		in:     make(chan func(EventListener), 64),
		cancel: func() {},
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		for {
			select {
			case emit := <-d.in:
				for _, sink := range d.sinks {
					emit(sink)
				}
			case <-ctx.Done():
				// Drain whatever is already queued.
				for {
					select {
					case emit := <-d.in:
						for _, sink := range d.sinks {
							emit(sink)
						}
					default:
						return
					}
				}
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) post(emit func(EventListener)) {
	if len(d.sinks) == 0 {
		return
	}
	d.in <- emit
}

func (d *Dispatcher) FlushBegin(info FlushJobInfo) {
	d.post(func(l EventListener) { l.OnFlushBegin(info) })
}

func (d *Dispatcher) FlushCompleted(info FlushJobInfo) {
	d.post(func(l EventListener) { l.OnFlushCompleted(info) })
}

func (d *Dispatcher) CompactionBegin(info CompactionJobInfo) {
	d.post(func(l EventListener) { l.OnCompactionBegin(info) })
}

func (d *Dispatcher) CompactionCompleted(info CompactionJobInfo) {
	d.post(func(l EventListener) { l.OnCompactionCompleted(info) })
}

func (d *Dispatcher) WriteStallConditionChanged(info WriteStallInfo) {
	d.post(func(l EventListener) { l.OnWriteStallConditionChanged(info) })
}

func (d *Dispatcher) MemtableSealed(info MemtableInfo) {
	d.post(func(l EventListener) { l.OnMemtableSealed(info) })
}

// BackgroundError delivers synchronously: the caller needs the listener's
// possible Reset decision before deciding how to proceed.
func (d *Dispatcher) BackgroundError(status *ErrorStatus) {
	for _, sink := range d.sinks {
		sink.OnBackgroundError(status)
	}
}
