package clock

import (
	"sync"
	"testing"
)

func TestNextIsMonotonic(t *testing.T) {
	ac := NewAtomic(10)
	if ac.Val() != 10 {
		t.Fatalf("initial = %d, want 10", ac.Val())
	}
	if ac.Next() != 11 || ac.Next() != 12 {
		t.Fatal("Next must count up from the initial value")
	}
}

func TestAdvanceReservesRange(t *testing.T) {
	ac := NewAtomic(0)
	first := ac.Advance(5)
	if first != 1 {
		t.Fatalf("first reserved = %d, want 1", first)
	}
	if ac.Val() != 5 {
		t.Fatalf("val = %d, want 5", ac.Val())
	}
	if next := ac.Advance(3); next != 6 {
		t.Fatalf("second reservation starts at %d, want 6", next)
	}
}

func TestConcurrentAdvanceNeverOverlaps(t *testing.T) {
	ac := NewAtomic(0)
	const workers, per = 8, 1000

	var wg sync.WaitGroup
	starts := make([][]uint64, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				starts[w] = append(starts[w], ac.Advance(3))
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers*per)
	for _, s := range starts {
		for _, v := range s {
			if seen[v] {
				t.Fatalf("range starting at %d handed out twice", v)
			}
			seen[v] = true
		}
	}
	if ac.Val() != workers*per*3 {
		t.Fatalf("final = %d, want %d", ac.Val(), workers*per*3)
	}
}
