package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/huandu/skiplist"
	"github.com/zhangyunhao116/fastrand"

	"granite/pkg/dberrors"
)

// TestRandomizedAgainstModel drives the store with a random workload and
// checks every read against an in-memory ordered model, across flushes,
// compactions and a reopen.
func TestRandomizedAgainstModel(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	closed := false
	defer func() {
		if !closed {
			s.Close()
		}
	}()

	model := skiplist.New(skiplist.String)
	ctx := context.Background()

	key := func() string { return fmt.Sprintf("key-%03d", fastrand.Intn(150)) }

	const ops = 3000
	for i := 0; i < ops; i++ {
		switch r := fastrand.Intn(100); {
		case r < 55: // put
			k, v := key(), fmt.Sprintf("val-%d", i)
			if err := s.Put(ctx, []byte(k), []byte(v)); err != nil {
				t.Fatalf("op %d: Put: %v", i, err)
			}
			model.Set(k, v)

		case r < 75: // delete
			k := key()
			if err := s.Delete(ctx, []byte(k)); err != nil {
				t.Fatalf("op %d: Delete: %v", i, err)
			}
			model.Remove(k)

		case r < 90: // merge (append)
			k, op := key(), fmt.Sprintf("m%d", i)
			if err := s.Merge(ctx, []byte(k), []byte(op)); err != nil {
				t.Fatalf("op %d: Merge: %v", i, err)
			}
			if el := model.Get(k); el != nil {
				model.Set(k, el.Value.(string)+","+op)
			} else {
				model.Set(k, op)
			}

		case r < 96: // range delete over a small window
			lo := fastrand.Intn(150)
			hi := lo + 1 + fastrand.Intn(10)
			start := fmt.Sprintf("key-%03d", lo)
			end := fmt.Sprintf("key-%03d", hi)
			if err := s.DeleteRange(ctx, []byte(start), []byte(end)); err != nil {
				t.Fatalf("op %d: DeleteRange: %v", i, err)
			}
			for el := model.Find(start); el != nil; {
				k := el.Key().(string)
				if k >= end {
					break
				}
				next := el.Next()
				model.Remove(k)
				el = next
			}

		case r < 99: // point read
			k := key()
			got, err := s.Get([]byte(k))
			el := model.Get(k)
			switch {
			case el == nil && !dberrors.IsNotFound(err):
				t.Fatalf("op %d: Get(%q) = %q, %v; model has no entry", i, k, got, err)
			case el != nil && err != nil:
				t.Fatalf("op %d: Get(%q) failed: %v; model has %q", i, k, err, el.Value)
			case el != nil && string(got) != el.Value.(string):
				t.Fatalf("op %d: Get(%q) = %q, model has %q", i, k, got, el.Value)
			}

		default: // flush
			if err := s.Flush(ctx); err != nil {
				t.Fatalf("op %d: Flush: %v", i, err)
			}
		}
	}

	verify := func(stage string) {
		t.Helper()
		// Every model entry reads back, every model absence is absent.
		for n := 0; n < 150; n++ {
			k := fmt.Sprintf("key-%03d", n)
			got, err := s.Get([]byte(k))
			el := model.Get(k)
			if el == nil {
				if !dberrors.IsNotFound(err) {
					t.Fatalf("%s: Get(%q) = %q, %v; want not-found", stage, k, got, err)
				}
				continue
			}
			if err != nil || string(got) != el.Value.(string) {
				t.Fatalf("%s: Get(%q) = %q, %v; want %q", stage, k, got, err, el.Value)
			}
		}

		// A full scan matches the model in order and content.
		it, err := s.NewIterator()
		if err != nil {
			t.Fatalf("%s: NewIterator: %v", stage, err)
		}
		defer it.Close()
		el := model.Front()
		for it.First(); it.Valid(); it.Next() {
			if el == nil {
				t.Fatalf("%s: scan has extra key %q", stage, it.Key())
			}
			if string(it.Key()) != el.Key().(string) || string(it.Value()) != el.Value.(string) {
				t.Fatalf("%s: scan at %q=%q, model at %q=%q",
					stage, it.Key(), it.Value(), el.Key(), el.Value)
			}
			el = el.Next()
		}
		if err := it.Error(); err != nil {
			t.Fatalf("%s: scan error: %v", stage, err)
		}
		if el != nil {
			t.Fatalf("%s: scan missed key %q", stage, el.Key())
		}
	}

	verify("live")

	if err := s.CompactRange(ctx, nil, nil); err != nil {
		t.Fatalf("CompactRange: %v", err)
	}
	verify("compacted")

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	closed = true
	s = openStore(t, dir)
	defer s.Close()
	verify("reopened")
}
