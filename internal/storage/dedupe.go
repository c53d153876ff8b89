package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxDedupeSuffix bounds the number of `_N` suffixes Dedupe will probe.
const MaxDedupeSuffix = 10000

// ErrDedupeExhausted is returned when no free suffix exists below MaxDedupeSuffix.
var ErrDedupeExhausted = errors.New("storage: no unique path available")

// Dedupe returns desired unchanged if nothing exists there. Otherwise it
// probes stem_1.ext, stem_2.ext, ... and returns the first free path.
func Dedupe(desired string) (string, error) {
	free, err := isFree(desired)
	if err != nil {
		return "", err
	}
	if free {
		return desired, nil
	}

	dir := filepath.Dir(desired)
	name := filepath.Base(desired)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for counter := 1; counter <= MaxDedupeSuffix; counter++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, counter, ext))
		free, err := isFree(candidate)
		if err != nil {
			return "", err
		}
		if free {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrDedupeExhausted, desired)
}

// Reserve deduplicates desired and atomically creates an empty placeholder at the
// chosen path, so concurrent writers in the same directory never pick the same name.
func Reserve(desired string) (string, error) {
	for attempt := 0; attempt <= MaxDedupeSuffix; attempt++ {
		candidate, err := Dedupe(desired)
		if err != nil {
			return "", err
		}
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reserve %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s", ErrDedupeExhausted, desired)
}

func isFree(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

// CopyFile copies src to dst, creating or truncating dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// WriteFileAtomic writes data to a temporary sibling of path and renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename tmp file: %w", err)
	}
	return nil
}
