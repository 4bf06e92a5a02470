package version

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"granite/pkg/types"
)

// FileType classifies the files of a database directory.
type FileType int

const (
	FileTypeLog FileType = iota
	FileTypeTable
	FileTypeManifest
	FileTypeCurrent
	FileTypeTemp
)

// LogFileName returns the path of a numbered WAL file.
func LogFileName(dir string, fn types.FileNum) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", fn))
}

// TableFileName returns the path of a numbered SSTable file.
func TableFileName(dir string, fn types.FileNum) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", fn))
}

// ManifestFileName returns the path of a numbered manifest log.
func ManifestFileName(dir string, fn types.FileNum) string {
	return filepath.Join(dir, fmt.Sprintf("MANIFEST-%06d", fn))
}

// CurrentFileName returns the path of the CURRENT pointer file.
func CurrentFileName(dir string) string {
	return filepath.Join(dir, "CURRENT")
}

// ParseFileName classifies a directory entry. ok is false for foreign files.
func ParseFileName(name string) (ft FileType, fn types.FileNum, ok bool) {
	switch {
	case name == "CURRENT":
		return FileTypeCurrent, 0, true
	case strings.HasPrefix(name, "MANIFEST-"):
		n, err := strconv.ParseUint(name[len("MANIFEST-"):], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeManifest, types.FileNum(n), true
	case strings.HasSuffix(name, ".log"):
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeLog, types.FileNum(n), true
	case strings.HasSuffix(name, ".sst"):
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".sst"), 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return FileTypeTable, types.FileNum(n), true
	case strings.HasSuffix(name, ".tmp"):
		return FileTypeTemp, 0, true
	default:
		return 0, 0, false
	}
}

// SetCurrentFile atomically points CURRENT at the given manifest.
func SetCurrentFile(dir string, manifestNum types.FileNum) error {
	tmp := filepath.Join(dir, fmt.Sprintf("CURRENT.%06d.tmp", manifestNum))
	content := filepath.Base(ManifestFileName(dir, manifestNum)) + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, CurrentFileName(dir)); err != nil {
		return fmt.Errorf("failed to install CURRENT: %w", err)
	}
	return nil
}

// ReadCurrentFile returns the manifest number named by CURRENT.
func ReadCurrentFile(dir string) (types.FileNum, error) {
	data, err := os.ReadFile(CurrentFileName(dir))
	if err != nil {
		return 0, fmt.Errorf("failed to read CURRENT: %w", err)
	}
	name := strings.TrimSpace(string(data))
	ft, fn, ok := ParseFileName(name)
	if !ok || ft != FileTypeManifest {
		return 0, fmt.Errorf("CURRENT names no manifest: %q", name)
	}
	return fn, nil
}
