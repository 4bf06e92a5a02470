package keys

import (
	"testing"

	"granite/pkg/types"
)

func TestInternalKeyRoundTrip(t *testing.T) {
	ik := Make([]byte("user"), 42, KindPut)

	enc := ik.Encode(nil)
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if string(dec.UserKey) != "user" {
		t.Fatalf("user key = %q, want %q", dec.UserKey, "user")
	}
	if dec.Seq() != 42 {
		t.Fatalf("seq = %d, want 42", dec.Seq())
	}
	if dec.Kind() != KindPut {
		t.Fatalf("kind = %d, want put", dec.Kind())
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestCompareOrdersNewestFirst(t *testing.T) {
	cmp := Bytewise{}

	older := Make([]byte("k"), 1, KindPut)
	newer := Make([]byte("k"), 2, KindPut)
	if Compare(cmp, newer, older) >= 0 {
		t.Fatal("newer entry must sort before older for the same user key")
	}

	a := Make([]byte("a"), 1, KindPut)
	b := Make([]byte("b"), 100, KindPut)
	if Compare(cmp, a, b) >= 0 {
		t.Fatal("user key order must dominate sequence order")
	}
}

func TestSearchSortsBeforeVisibleEntries(t *testing.T) {
	cmp := Bytewise{}
	probe := Search([]byte("k"), 10)

	visible := Make([]byte("k"), 10, KindPut)
	if Compare(cmp, probe, visible) > 0 {
		t.Fatal("search key must not sort after an entry at the horizon")
	}
	invisible := Make([]byte("k"), 11, KindPut)
	if Compare(cmp, probe, invisible) <= 0 {
		t.Fatal("search key must sort after entries above the horizon")
	}
}

func TestVisible(t *testing.T) {
	ik := Make([]byte("k"), 5, KindPut)
	if !ik.Visible(5) {
		t.Fatal("entry at the horizon must be visible")
	}
	if ik.Visible(4) {
		t.Fatal("entry above the horizon must be invisible")
	}
}

func TestRangeTombstoneCovers(t *testing.T) {
	rt := RangeTombstone{Start: []byte("b"), End: []byte("d"), Seq: 10}
	cmp := Bytewise{}

	cases := []struct {
		name     string
		key      string
		entrySeq types.SeqNum
		horizon  types.SeqNum
		want     bool
	}{
		{"inside and older", "c", 5, 20, true},
		{"start is inclusive", "b", 5, 20, true},
		{"end is exclusive", "d", 5, 20, false},
		{"before range", "a", 5, 20, false},
		{"entry newer than tombstone", "c", 15, 20, false},
		{"tombstone above horizon", "c", 5, 9, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rt.Covers(cmp, []byte(tc.key), tc.entrySeq, tc.horizon); got != tc.want {
				t.Fatalf("Covers = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTimestampSuffixComparator(t *testing.T) {
	cmp := TimestampSuffix{Size: 2}

	// Same prefix: the newer (larger) timestamp sorts first.
	a := []byte("key\x00\x02")
	b := []byte("key\x00\x01")
	if cmp.Compare(a, b) >= 0 {
		t.Fatal("newer timestamp must sort before older")
	}

	// Different prefixes compare bytewise regardless of timestamps.
	if cmp.Compare([]byte("aa\x00\x09"), []byte("bb\x00\x01")) >= 0 {
		t.Fatal("prefix order must dominate")
	}
}
