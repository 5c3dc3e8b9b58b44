// Package fileservice implements the narrow set of destructive filesystem
// primitives consumed by the mirror orchestrator: copy, delete, and the two
// creation calls. Every write and removal the mirror makes under the target
// tree goes through this package; the mirror package writes its own
// persisted library file directly.
package fileservice

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// ErrIntegrityMismatch is returned by Copy when the hash observed while
// reading the source differs from the hash observed while writing the
// destination, indicating the transfer was corrupted in flight. This guards a
// single copy call; it is not used to decide whether two files are the same
// (that remains size + modification time, see the snapshot package).
var ErrIntegrityMismatch = errors.New("fileservice: copy integrity mismatch between source and destination streams")

const minBufferKiB = 1

// FileService is the capability interface Mirror drives to apply a diff to
// the filesystem. The default implementation wraps an afero.Fs so tests can
// substitute afero.NewMemMapFs() without touching a real disk.
type FileService interface {
	// Copy copies file bytes from source to target, creating any missing
	// parent directories of target. An existing target is overwritten.
	// bufferKiB sets the transfer block size in kilobytes (minimum 1).
	Copy(source, target string, bufferKiB int) error

	// Delete recursively removes the file or directory tree rooted at path,
	// deleting children before parents. It succeeds silently if path does
	// not exist.
	Delete(path string) error

	// CreateDirectory creates path and any missing parents. Idempotent.
	CreateDirectory(path string) error

	// CreateFile creates an empty file at path, creating parents as needed.
	// Idempotent if the file already exists.
	CreateFile(path string) error
}

// OSFileService is the default FileService, backed by an afero.Fs.
type OSFileService struct {
	fs afero.Fs
}

// New returns a FileService backed by the given afero.Fs.
func New(fs afero.Fs) *OSFileService {
	return &OSFileService{fs: fs}
}

func (s *OSFileService) Copy(source, target string, bufferKiB int) (retErr error) {
	if bufferKiB < minBufferKiB {
		bufferKiB = minBufferKiB
	}

	if err := s.fs.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return fmt.Errorf("fileservice: failed to create parent of %q: %w", target, err)
	}

	srcInfo, err := s.fs.Stat(source)
	if err != nil {
		return fmt.Errorf("fileservice: failed to stat %q: %w", source, err)
	}

	in, err := s.fs.Open(source)
	if err != nil {
		return fmt.Errorf("fileservice: failed to open %q: %w", source, err)
	}
	defer in.Close()

	workingFile := target + ".tmp-sync"

	out, err := s.fs.Create(workingFile)
	if err != nil {
		return fmt.Errorf("fileservice: failed to create %q: %w", workingFile, err)
	}
	defer func() {
		out.Close()
		if retErr != nil {
			_ = s.fs.Remove(workingFile)
		}
	}()

	srcHasher := blake3.New()
	dstHasher := blake3.New()

	buf := make([]byte, bufferKiB*1024)

	if _, err := io.CopyBuffer(io.MultiWriter(out, dstHasher), io.TeeReader(in, srcHasher), buf); err != nil {
		return fmt.Errorf("fileservice: failed during copy of %q: %w", source, err)
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("fileservice: failed to sync %q: %w", workingFile, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("fileservice: failed to close %q: %w", workingFile, err)
	}

	if !blake3HashesEqual(srcHasher, dstHasher) {
		return fmt.Errorf("%w: %q -> %q", ErrIntegrityMismatch, source, target)
	}

	if err := s.fs.Rename(workingFile, target); err != nil {
		return fmt.Errorf("fileservice: failed to rename %q -> %q: %w", workingFile, target, err)
	}

	// Stamp the target with the source's modification time: snapshot identity
	// is size + mtime, so a copy that leaves the target with Create's
	// current-time stamp would never read back as unchanged.
	if err := s.fs.Chtimes(target, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("fileservice: failed to set mtime of %q: %w", target, err)
	}

	return nil
}

func blake3HashesEqual(a, b *blake3.Hasher) bool {
	var bufA, bufB [32]byte
	a.Sum(bufA[:0])
	b.Sum(bufB[:0])

	return bufA == bufB
}

func (s *OSFileService) Delete(path string) error {
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return fmt.Errorf("fileservice: failed to stat %q: %w", path, err)
	}
	if !exists {
		return nil
	}

	isDir, err := afero.IsDir(s.fs, path)
	if err != nil {
		return fmt.Errorf("fileservice: failed to stat %q: %w", path, err)
	}
	if !isDir {
		if err := s.fs.Remove(path); err != nil {
			return fmt.Errorf("fileservice: failed to remove %q: %w", path, err)
		}

		return nil
	}

	return s.deleteChildrenFirst(path)
}

// deleteChildrenFirst walks a directory tree and removes entries in
// children-before-parent order, as required by the mirror's deletion
// contract (a directory delete must never orphan files a concurrent
// observer could otherwise see appear under an already-removed parent).
func (s *OSFileService) deleteChildrenFirst(path string) error {
	entries, err := afero.ReadDir(s.fs, path)
	if err != nil {
		return fmt.Errorf("fileservice: failed to list %q: %w", path, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		child := filepath.Join(path, e.Name())
		if e.IsDir() {
			if err := s.deleteChildrenFirst(child); err != nil {
				return err
			}

			continue
		}

		if err := s.fs.Remove(child); err != nil {
			return fmt.Errorf("fileservice: failed to remove %q: %w", child, err)
		}
	}

	if err := s.fs.Remove(path); err != nil {
		return fmt.Errorf("fileservice: failed to remove %q: %w", path, err)
	}

	return nil
}

func (s *OSFileService) CreateDirectory(path string) error {
	if err := s.fs.MkdirAll(path, 0o777); err != nil {
		return fmt.Errorf("fileservice: failed to create %q: %w", path, err)
	}

	return nil
}

func (s *OSFileService) CreateFile(path string) error {
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return fmt.Errorf("fileservice: failed to stat %q: %w", path, err)
	}
	if exists {
		return nil
	}

	if err := s.fs.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return fmt.Errorf("fileservice: failed to create parent of %q: %w", path, err)
	}

	f, err := s.fs.Create(path)
	if err != nil {
		return fmt.Errorf("fileservice: failed to create %q: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("fileservice: failed to close %q: %w", path, err)
	}

	return nil
}

// Exists reports whether path exists, treating any error other than
// os.ErrNotExist as a failure.
func Exists(fs afero.Fs, path string) (bool, error) {
	_, err := fs.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("fileservice: failed to stat %q: %w", path, err)
}
