package compaction

import (
	"testing"
	"time"

	"granite/pkg/keys"
	"granite/pkg/listener"
)

func testPicker(cfg PickerConfig) *Picker {
	if cfg.L0CompactionTrigger == 0 {
		cfg.L0CompactionTrigger = 4
	}
	if cfg.LevelBaseBytes == 0 {
		cfg.LevelBaseBytes = 1 << 30
	}
	if cfg.LevelMultiplier == 0 {
		cfg.LevelMultiplier = 10
	}
	if cfg.MaxLevels == 0 {
		cfg.MaxLevels = 7
	}
	return NewPicker(cfg, keys.Bytewise{})
}

func TestNoPickWhenHealthy(t *testing.T) {
	h := newHarness(t)
	v := h.install(0, h.table([]tentry{{"a", 1, keys.KindPut, "v"}}))

	if c := testPicker(PickerConfig{}).Pick(v); c != nil {
		t.Fatalf("unexpected pick: %+v", c)
	}
}

func TestPickL0ByFileCount(t *testing.T) {
	h := newHarness(t)
	f1 := h.table([]tentry{{"a", 1, keys.KindPut, "v"}})
	f2 := h.table([]tentry{{"b", 2, keys.KindPut, "v"}})
	f3 := h.table([]tentry{{"c", 3, keys.KindPut, "v"}})
	f4 := h.table([]tentry{{"d", 4, keys.KindPut, "v"}})
	v := h.install(0, f1, f2, f3, f4)

	c := testPicker(PickerConfig{L0CompactionTrigger: 4}).Pick(v)
	if c == nil {
		t.Fatal("expected an L0 pick")
	}
	if c.Level != 0 || c.OutputLevel != 1 {
		t.Fatalf("levels = %d -> %d", c.Level, c.OutputLevel)
	}
	if c.Reason != listener.CompactionReasonL0Files {
		t.Fatalf("reason = %v", c.Reason)
	}
	if len(c.Inputs[0]) != 4 {
		t.Fatalf("L0 inputs = %d, want all 4", len(c.Inputs[0]))
	}
	if !c.CanElide {
		t.Fatal("empty lower levels must allow elision")
	}
}

func TestPickLevelBySizeIncludesOutputOverlaps(t *testing.T) {
	h := newHarness(t)
	l1 := h.table([]tentry{{"c", 5, keys.KindPut, "v"}, {"h", 6, keys.KindPut, "v"}})
	h.install(1, l1)
	l2in := h.table([]tentry{{"d", 1, keys.KindPut, "v"}, {"e", 2, keys.KindPut, "v"}})
	l2out := h.table([]tentry{{"x", 3, keys.KindPut, "v"}, {"z", 4, keys.KindPut, "v"}})
	v := h.install(2, l2in, l2out)

	// A 1-byte level target makes L1 overdue.
	c := testPicker(PickerConfig{LevelBaseBytes: 1}).Pick(v)
	if c == nil {
		t.Fatal("expected a size-triggered pick")
	}
	if c.Level != 1 || c.Reason != listener.CompactionReasonLevelSize {
		t.Fatalf("pick = level %d, reason %v", c.Level, c.Reason)
	}
	if len(c.Inputs[0]) != 1 || c.Inputs[0][0].FileNum != l1.FileNum {
		t.Fatalf("start inputs = %v", c.InputFileNums())
	}
	if len(c.Inputs[1]) != 1 || c.Inputs[1][0].FileNum != l2in.FileNum {
		t.Fatalf("output inputs must hold only the overlapping file, got %v", c.InputFileNums())
	}
}

func TestPickMarkedFile(t *testing.T) {
	h := newHarness(t)
	f := h.table([]tentry{{"a", 1, keys.KindPut, "v"}})
	f.MarkedForCompaction.Store(true)
	v := h.install(3, f)

	c := testPicker(PickerConfig{}).Pick(v)
	if c == nil || c.Reason != listener.CompactionReasonMarkedFile {
		t.Fatalf("pick = %+v", c)
	}
	if c.Level != 3 {
		t.Fatalf("level = %d, want 3", c.Level)
	}
}

func TestPickTTL(t *testing.T) {
	h := newHarness(t)
	f := h.table([]tentry{{"a", 1, keys.KindPut, "v"}})
	f.CreatedAt = time.Now().Add(-2 * time.Hour).Unix()
	v := h.install(2, f)

	p := testPicker(PickerConfig{TTL: time.Hour})
	c := p.Pick(v)
	if c == nil || c.Reason != listener.CompactionReasonTTL {
		t.Fatalf("pick = %+v", c)
	}

	// A fresh file is left alone.
	f.CreatedAt = time.Now().Unix()
	if c := p.Pick(v); c != nil {
		t.Fatalf("fresh file picked: %+v", c)
	}
}

func TestPickManualTrivialMove(t *testing.T) {
	h := newHarness(t)
	f := h.table([]tentry{{"a", 1, keys.KindPut, "v"}, {"d", 2, keys.KindPut, "v"}})
	v := h.install(1, f)

	c := testPicker(PickerConfig{}).PickManual(v, 1, nil, nil)
	if c == nil {
		t.Fatal("expected a manual pick")
	}
	if c.Reason != listener.CompactionReasonManual {
		t.Fatalf("reason = %v", c.Reason)
	}
	if !c.TrivialMove() {
		t.Fatalf("single input with empty output level must be a trivial move: %+v", c)
	}

	if c := testPicker(PickerConfig{}).PickManual(v, 1, []byte("x"), []byte("z")); c != nil {
		t.Fatalf("manual pick outside any file: %+v", c)
	}
}

func TestMaxCompactionBytesTrimsInputs(t *testing.T) {
	h := newHarness(t)
	big := make([]byte, 4096)
	fa := h.table([]tentry{{"a", 1, keys.KindPut, string(big)}, {"b", 2, keys.KindPut, string(big)}})
	fc := h.table([]tentry{{"c", 3, keys.KindPut, string(big)}, {"d", 4, keys.KindPut, string(big)}})
	v := h.install(1, fa, fc)

	p := testPicker(PickerConfig{MaxCompactionBytes: fa.Size + 1})
	c := p.PickManual(v, 1, nil, nil)
	if c == nil {
		t.Fatal("expected a pick")
	}
	if len(c.Inputs[0]) != 1 {
		t.Fatalf("inputs = %v, want trimmed to one file", c.InputFileNums())
	}
}
