package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"granite/pkg/dberrors"
)

func TestWriteAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")

	w, err := Create(path, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	records := [][]byte{
		[]byte("first"),
		[]byte(""),
		[]byte("a longer third record with more bytes"),
	}
	for _, rec := range records {
		if err := w.Append(rec, true); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	for i, want := range records {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if string(got) != string(want) {
			t.Fatalf("record %d = %q, want %q", i, got, want)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end, got %v", err)
	}
}

func TestTornTailIsCleanEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")

	w, err := Create(path, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.Append([]byte("complete"), true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Append([]byte("will be torn"), true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Chop into the middle of the second record's payload.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, info.Size()-5); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); err != nil {
		t.Fatalf("first record should survive: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("torn record must read as io.EOF, got %v", err)
	}
}

func TestCorruptPayloadIsDetected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")

	w, err := Create(path, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := w.Append([]byte("record payload"), true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Flip a payload byte past the 8-byte header.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[10] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if _, err := r.Next(); !dberrors.IsCorruption(err) {
		t.Fatalf("expected corruption error, got %v", err)
	}
}

func TestSizeTracksAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")

	w, err := Create(path, 0)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer w.Close()

	if w.Size() != 0 {
		t.Fatalf("new log size = %d, want 0", w.Size())
	}
	if err := w.Append([]byte("0123456789"), false); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if want := int64(8 + 10); w.Size() != want {
		t.Fatalf("size = %d, want %d", w.Size(), want)
	}
}
