package dataset

import (
	"archive/zip"
	"bytes"
	"errors"
	"io/fs"
	"path"
	"strings"
)

// ManifestName is the class-name manifest every dataset must carry at its root
const ManifestName = "classes.txt"

// Limits bounds what an uploaded archive may contain
type Limits struct {
	MaxEntries    int
	MaxTotalSize  uint64 // bytes, uncompressed
	MaxNameLength int    // bytes, per path segment basename
}

// DefaultLimits returns the standard upload policy
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:    10000,
		MaxTotalSize:  500 * 1024 * 1024,
		MaxNameLength: 255,
	}
}

// Summary describes an archive that passed inspection
type Summary struct {
	Entries   int
	Files     int
	TotalSize uint64
	HasTrain  bool
	HasVal    bool
}

// Open parses raw archive bytes
func Open(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) && zr != nil {
		// names are checked by inspect and classified as policy violations
		return zr, nil
	}
	if err != nil {
		return nil, extractionError(RuleCorrupt, "invalid zip archive: %v", err)
	}
	return zr, nil
}

// Inspect runs every policy check against the archive without writing anything.
// Checks run in order and stop at the first violation: entry count, total
// uncompressed size, entry names, then manifest presence.
func Inspect(data []byte, limits Limits) (*Summary, error) {
	zr, err := Open(data)
	if err != nil {
		return nil, err
	}
	return inspect(zr, limits)
}

func inspect(zr *zip.Reader, limits Limits) (*Summary, error) {
	if len(zr.File) > limits.MaxEntries {
		return nil, validationError(RuleEntryCount,
			"archive contains %d entries, maximum is %d", len(zr.File), limits.MaxEntries)
	}

	var total uint64
	for _, f := range zr.File {
		// checked against what is left of the budget; total never exceeds MaxTotalSize
		if f.UncompressedSize64 > limits.MaxTotalSize-total {
			return nil, validationError(RuleTotalSize,
				"archive uncompresses to more than %d bytes", limits.MaxTotalSize)
		}
		total += f.UncompressedSize64
	}

	summary := &Summary{Entries: len(zr.File), TotalSize: total}
	hasManifest := false
	for _, f := range zr.File {
		name, err := cleanName(f.Name, limits.MaxNameLength)
		if err != nil {
			return nil, err
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return nil, validationError(RuleSymlink, "symlink entries are not allowed: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		summary.Files++
		switch {
		case name == ManifestName:
			hasManifest = true
		case strings.HasPrefix(name, "images/train/"):
			summary.HasTrain = true
		case strings.HasPrefix(name, "images/val/"):
			summary.HasVal = true
		}
	}

	if !hasManifest {
		return nil, validationError(RuleManifest, "%s not found in dataset", ManifestName)
	}
	return summary, nil
}

// cleanName normalizes an entry name to a relative slash path, rejecting
// absolute paths, parent segments and over-long basenames.
func cleanName(name string, maxLen int) (string, error) {
	n := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(n, "/") || hasDriveLetter(n) {
		return "", validationError(RuleAbsolute, "absolute path in archive: %s", name)
	}
	for _, seg := range strings.Split(n, "/") {
		if seg == ".." {
			return "", validationError(RuleTraversal, "path traversal in archive: %s", name)
		}
	}

	n = path.Clean(n)
	if n == "." || n == "" {
		return "", validationError(RuleEmptyName, "empty entry name in archive")
	}
	if base := path.Base(n); len(base) > maxLen {
		return "", validationError(RuleNameLength,
			"filename too long (%d bytes, maximum %d): %s", len(base), maxLen, name)
	}
	return n, nil
}

func hasDriveLetter(n string) bool {
	if len(n) < 2 || n[1] != ':' {
		return false
	}
	c := n[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
