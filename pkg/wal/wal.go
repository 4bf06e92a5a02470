// Package wal implements an append-only, checksummed record log. The same
// framing backs both the write-ahead log for data and the manifest log for
// version edits.
//
// Each record is framed as:
//
//	crc32c(payload) uint32 | len(payload) uint32 | payload
//
// both fixed fields little-endian. A torn record at the tail of the file is
// treated as a clean end of log (the tail was never acknowledged); a checksum
// mismatch before the tail is corruption.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"granite/pkg/dberrors"
)

const headerSize = 8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Writer appends framed records to a log file.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	bw      *bufio.Writer
	path    string
	size    int64
	pending int64 // bytes appended since the last sync

	// bytesPerSync, when non-zero, forces a sync once that many bytes
	// have been appended without one.
	bytesPerSync int64
}

// Create opens (or creates) a log file for appending.
func Create(path string, bytesPerSync int64) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat log %s: %w", path, err)
	}

	return &Writer{
		file:         file,
		bw:           bufio.NewWriter(file),
		path:         path,
		size:         st.Size(),
		bytesPerSync: bytesPerSync,
	}, nil
}

// Append frames and writes one record. With sync set the record is fsynced
// before Append returns; otherwise it is only flushed to the OS.
func (w *Writer) Append(payload []byte, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return dberrors.ErrClosed
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], crc32.Checksum(payload, castagnoli))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	if _, err := w.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write log header: %w", err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return fmt.Errorf("failed to write log payload: %w", err)
	}

	n := int64(headerSize + len(payload))
	w.size += n
	w.pending += n

	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}

	if sync || (w.bytesPerSync > 0 && w.pending >= w.bytesPerSync) {
		return w.syncLocked()
	}
	return nil
}

// Sync flushes buffered data and fsyncs the file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return dberrors.ErrClosed
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log %s: %w", w.path, err)
	}
	w.pending = 0
	return nil
}

// Size returns the current file size including buffered bytes.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush log on close: %w", err)
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("failed to close log %s: %w", w.path, err)
	}
	return nil
}

// Reader iterates over the records of a log file.
type Reader struct {
	file *os.File
	br   *bufio.Reader
	path string
}

func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log %s: %w", path, err)
	}
	return &Reader{file: file, br: bufio.NewReader(file), path: path}, nil
}

// Next returns the payload of the next record. It returns io.EOF at a clean
// end of log, which includes a torn final record.
func (r *Reader) Next() ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read log header: %w", err)
	}

	want := binary.LittleEndian.Uint32(hdr[0:4])
	length := binary.LittleEndian.Uint32(hdr[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Truncated tail: the record was never fully written.
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read log payload: %w", err)
	}

	if got := crc32.Checksum(payload, castagnoli); got != want {
		return nil, dberrors.Corruption("log %s: record checksum mismatch", r.path)
	}
	return payload, nil
}

func (r *Reader) Close() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close log %s: %w", r.path, err)
	}
	return nil
}
