// Package checkpoint writes an openable copy of a database to another
// directory. Table files are hard-linked where the filesystem allows it, so
// a checkpoint of a large store is cheap; logs and metadata are copied.
package checkpoint

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"granite/pkg/dberrors"
	"granite/pkg/types"
	"granite/pkg/version"
	"granite/pkg/wal"
)

// Source is the pinned state a checkpoint is taken from. The caller keeps
// the Version referenced until Create returns.
type Source struct {
	SrcDir         string
	Version        *version.Version
	ComparatorName string
	LastSeq        types.SeqNum
	NextFileNum    types.FileNum
	LogNum         types.FileNum
	// WALs are log files to copy verbatim; empty when the memtable was
	// flushed before checkpointing.
	WALs   []string
	Logger *slog.Logger
}

// Create materializes the checkpoint at dest. dest must not exist; the
// checkpoint appears there atomically via a staging directory rename.
func Create(dest string, src Source) error {
	logger := src.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: checkpoint target %s already exists", dberrors.ErrInvalidArgument, dest)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat checkpoint target: %w", err)
	}

	staging := fmt.Sprintf("%s.tmp.%s", dest, uuid.NewString()[:8])
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	v := src.Version
	edit := &version.VersionEdit{
		ComparatorName: src.ComparatorName,
		NextFileNum:    src.NextFileNum,
		LastSeq:        src.LastSeq,
	}
	edit.SetLogNum(src.LogNum)

	for level := 0; level < v.NumLevels(); level++ {
		for _, f := range v.Files(level) {
			if err := linkOrCopy(
				version.TableFileName(src.SrcDir, f.FileNum),
				version.TableFileName(staging, f.FileNum),
			); err != nil {
				return err
			}
			edit.NewFiles = append(edit.NewFiles, version.NewFileEntry{Level: level, Meta: f})
		}
	}

	for _, path := range src.WALs {
		if err := copyFile(path, filepath.Join(staging, filepath.Base(path))); err != nil {
			return err
		}
	}

	manifestNum := types.FileNum(1)
	w, err := wal.Create(version.ManifestFileName(staging, manifestNum), 0)
	if err != nil {
		return err
	}
	if err := w.Append(edit.Encode(), true); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if err := version.SetCurrentFile(staging, manifestNum); err != nil {
		return err
	}

	if err := syncDir(staging); err != nil {
		return err
	}
	if err := os.Rename(staging, dest); err != nil {
		return fmt.Errorf("failed to install checkpoint: %w", err)
	}
	if err := syncDir(filepath.Dir(dest)); err != nil {
		return err
	}

	logger.Info("checkpoint created", "dest", dest, "tables", len(edit.NewFiles), "wals", len(src.WALs))
	return nil
}

// linkOrCopy hard-links src to dst, copying when linking is not possible
// (e.g. across filesystems).
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	return out.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync dir %s: %w", dir, err)
	}
	return nil
}
