package dataset

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DirName is the directory, relative to the job directory, holding an extracted dataset
const DirName = "dataset"

// Extract validates the archive and unpacks it into dest/dataset.
// Files are written to a staging directory first and renamed into place, so
// dest never holds a partially extracted dataset.
func Extract(data []byte, dest string, limits Limits) (string, error) {
	zr, err := Open(data)
	if err != nil {
		return "", err
	}
	if _, err := inspect(zr, limits); err != nil {
		return "", err
	}

	final := filepath.Join(dest, DirName)
	if _, err := os.Stat(final); err == nil {
		return "", extractionError(RuleWrite, "dataset already extracted at %s", final)
	}

	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", extractionError(RuleWrite, "create destination: %v", err)
	}
	staging, err := os.MkdirTemp(dest, ".staging-")
	if err != nil {
		return "", extractionError(RuleWrite, "create staging directory: %v", err)
	}

	if err := unpack(zr, staging, limits); err != nil {
		os.RemoveAll(staging)
		return "", err
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return "", extractionError(RuleWrite, "move dataset into place: %v", err)
	}
	return final, nil
}

func unpack(zr *zip.Reader, root string, limits Limits) error {
	var written uint64
	for _, f := range zr.File {
		name, err := cleanName(f.Name, limits.MaxNameLength)
		if err != nil {
			return err
		}
		target := filepath.Join(root, filepath.FromSlash(name))
		rel, err := filepath.Rel(root, target)
		if err != nil || !filepath.IsLocal(rel) {
			return validationError(RuleTraversal, "entry escapes dataset directory: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return extractionError(RuleWrite, "create directory %s: %v", name, err)
			}
			continue
		}

		n, err := writeEntry(f, target, limits.MaxTotalSize-written)
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

var errEntryTooLarge = errors.New("entry larger than declared")

// writeEntry copies one file, refusing to write more than the entry declared
// or more than the remaining size budget.
func writeEntry(f *zip.File, target string, budget uint64) (uint64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, extractionError(RuleWrite, "create directory for %s: %v", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, extractionError(RuleCorrupt, "open %s: %v", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, extractionError(RuleWrite, "create %s: %v", f.Name, err)
	}

	limit := f.UncompressedSize64
	if budget < limit {
		limit = budget
	}
	n, err := copyLimited(out, rc, limit)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	switch {
	case errors.Is(err, errEntryTooLarge):
		return n, extractionError(RuleCorrupt, "%s: %v", f.Name, err)
	case err != nil:
		return n, extractionError(RuleCorrupt, "read %s: %v", f.Name, err)
	}
	return n, nil
}

func copyLimited(dst io.Writer, src io.Reader, limit uint64) (uint64, error) {
	n, err := io.Copy(dst, io.LimitReader(src, int64(limit)+1))
	if err != nil {
		return uint64(n), err
	}
	if uint64(n) > limit {
		return uint64(n), fmt.Errorf("%w (%d bytes)", errEntryTooLarge, limit)
	}
	return uint64(n), nil
}
