// Package mirror implements the reconciliation orchestrator: it owns the
// origin and target Snapshot trees and a FileService, and on every tick
// drives the minimum set of copy/delete operations required to make the
// target equal the origin.
package mirror

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"

	"github.com/arkforge/dirmirror/internal/fileservice"
	"github.com/arkforge/dirmirror/internal/snapshot"
)

// ErrRootUnreachable is returned (and causes the caller to treat the process
// as needing to terminate) when either the origin or target root fails an
// existence check immediately before a destructive operation. A disappearing
// origin must never cause the target to be wiped; a disappearing target must
// not cause repeated failed writes.
var ErrRootUnreachable = errors.New("mirror: root is unreachable; security gate aborted")

// ErrNotADirectory is a configuration error: both origin and target must be
// directories at construction time.
var ErrNotADirectory = errors.New("mirror: origin and target must both be existing directories")

const libraryDir = "mirrors"

// Config holds the tunables an operator passes on the command line.
type Config struct {
	OriginPath  string
	TargetPath  string
	BufferKiB   int
	MaxFileSize int64
}

// Mirror owns the two Snapshot trees and the FileService used to reconcile
// them. A single instance is never invoked concurrently with itself; Check
// is guarded by mu and busy provides a cheap non-blocking query.
type Mirror struct {
	origin  *snapshot.Snapshot
	target  *snapshot.Snapshot
	fs      afero.Fs
	service fileservice.FileService
	cfg     Config
	log     *slog.Logger

	name string // stable hash-derived identifier, see deriveName

	mu   sync.Mutex
	busy atomic.Bool
}

// New constructs a Mirror, validating that both roots exist and are
// directories, eagerly indexing the target tree, and attempting to load a
// previously persisted origin library if one exists for this (origin,
// target) pair.
func New(fs afero.Fs, service fileservice.FileService, cfg Config, log *slog.Logger) (*Mirror, error) {
	if log == nil {
		log = slog.Default()
	}

	for _, p := range []string{cfg.OriginPath, cfg.TargetPath} {
		info, err := fs.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrNotADirectory, p, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("%w: %q", ErrNotADirectory, p)
		}
	}

	origin, err := snapshot.New(fs, cfg.OriginPath)
	if err != nil {
		return nil, fmt.Errorf("mirror: failed to construct origin snapshot: %w", err)
	}
	// Origin is left unrefreshed here (see below): if no persisted library
	// exists, the first Check reports the whole tree as added, mirroring a
	// from-scratch sync, as the spec requires.

	target, err := snapshot.New(fs, cfg.TargetPath)
	if err != nil {
		return nil, fmt.Errorf("mirror: failed to construct target snapshot: %w", err)
	}
	if _, err := target.Update(); err != nil {
		return nil, fmt.Errorf("mirror: failed initial target index: %w", err)
	}

	m := &Mirror{
		origin:  origin,
		target:  target,
		fs:      fs,
		service: service,
		cfg:     cfg,
		log:     log,
		name:    deriveName(cfg.OriginPath, cfg.TargetPath),
	}

	hasLibrary, err := fileservice.Exists(fs, m.libraryPath())
	if err != nil {
		return nil, fmt.Errorf("mirror: failed to check for persisted library: %w", err)
	}

	if hasLibrary {
		if _, err := origin.Update(); err != nil {
			return nil, fmt.Errorf("mirror: failed initial origin index: %w", err)
		}

		if err := m.loadLibrary(); err != nil {
			return nil, fmt.Errorf("mirror: failed to load persisted library: %w", err)
		}
	}

	return m, nil
}

// Name returns the Mirror's stable identifier, derived from the (origin,
// target) path pair and used to name its persisted library file.
func (m *Mirror) Name() string { return m.name }

// deriveName computes a stable filename-safe identifier: the base64 (URL,
// unpadded) encoding of the SHA-256 of "origin-target". Using the
// URL-safe alphabet already avoids '/' and '+', and omitting padding avoids
// '=', so no further character substitution is required.
func deriveName(originPath, targetPath string) string {
	sum := sha256.Sum256([]byte(originPath + "-" + targetPath))

	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (m *Mirror) libraryPath() string {
	return filepath.Join(libraryDir, m.name+".snap")
}

// Busy reports whether a tick is currently running.
func (m *Mirror) Busy() bool { return m.busy.Load() }

// Check runs one reconciliation tick. It is a no-op (returning nil
// immediately) if a previous tick is still in progress, providing
// at-most-one serialization rather than queuing. A snapshot-wide refresh
// failure abandons the tick (logged, no persistence) but returns nil so the
// process stays alive for the next tick to retry; Check returns a non-nil
// error only for a security-gate abort (ErrRootUnreachable), which the
// caller is expected to treat as fatal.
func (m *Mirror) Check() error {
	if !m.busy.CompareAndSwap(false, true) {
		m.log.Debug("tick skipped; previous tick still running", "phase", "check")

		return nil
	}
	defer m.busy.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()

	originDiff, err := m.origin.Update()
	if err != nil {
		// A snapshot-wide refresh failure (e.g. permission denied or a
		// directory-enumeration failure mid-recursion) abandons this tick
		// with no persistence, but the process stays up: the next tick
		// re-diffs from scratch and retries. This is distinct from a
		// security-gate failure, which is the only case Check returns a
		// non-nil error for.
		m.log.Error("origin refresh failed, tick abandoned", "phase", "refresh", "error", err, "error-type", "transient")

		return nil
	}

	for _, node := range originDiff.Added {
		if err := m.applyCopy(node); err != nil {
			return err
		}
	}
	for _, node := range originDiff.Updated {
		if err := m.applyCopy(node); err != nil {
			return err
		}
	}
	for _, node := range originDiff.Deleted {
		if err := m.applyDelete(node); err != nil {
			return err
		}
	}

	if _, err := m.target.Update(); err != nil {
		m.log.Error("target refresh failed, tick abandoned", "phase", "refresh", "error", err, "error-type", "transient")

		return nil
	}

	compareDiff := m.target.CompareTo(m.origin)

	for _, node := range compareDiff.Missing {
		if err := m.applyCopy(node); err != nil {
			return err
		}
	}
	for _, node := range compareDiff.Extra {
		if err := m.applyDelete(node); err != nil {
			return err
		}
	}

	if !originDiff.Empty() {
		if err := m.persistLibrary(); err != nil {
			// Persistence failure does not abort the tick: the next
			// restart re-copies more than necessary but the mirror
			// itself stays correct.
			m.log.Error("failed to persist library", "phase", "persist", "error", err, "error-type", "transient")
		}
	}

	return nil
}

// applyCopy reconciles one origin-side node (new, changed, or missing on
// the target) onto the target filesystem. Per-item failures are logged and
// do not abort the tick; a security-gate failure is fatal and is returned
// to the caller, which propagates it up to the Scheduler for a single clean
// shutdown (the gate itself never calls os.Exit).
func (m *Mirror) applyCopy(node *snapshot.Snapshot) error {
	if err := m.securityGate(); err != nil {
		m.log.Error("security gate failed; aborting tick", "phase", "gate", "error", err, "error-type", "fatal")

		return err
	}

	exists, err := fileservice.Exists(m.fs, node.Path())
	if err != nil {
		m.log.Error("failed to stat origin node", "phase", "copy", "path", node.Path(), "error", err, "error-type", "transient")

		return nil
	}
	if !exists {
		// Raced with a subsequent deletion; nothing to copy.
		return nil
	}

	if !node.IsDirectory() && node.Size() > m.cfg.MaxFileSize {
		m.log.Debug("skipped; exceeds max file size", "phase", "copy", "path", node.Path(), "size", node.Size())

		return nil
	}

	targetPath, err := m.targetPathFor(node)
	if err != nil {
		m.log.Error("failed to compute target path", "phase", "copy", "path", node.Path(), "error", err, "error-type", "transient")

		return nil
	}

	if exists, err := fileservice.Exists(m.fs, targetPath); err == nil && exists {
		_ = m.service.Delete(targetPath)
	}

	if node.IsDirectory() {
		if err := m.service.CreateDirectory(targetPath); err != nil {
			m.log.Error("failed to create directory", "phase", "copy", "path", targetPath, "error", err, "error-type", "transient")

			return nil
		}

		for _, child := range node.Children() {
			if err := m.applyCopy(child); err != nil {
				return err
			}
		}

		return nil
	}

	if err := m.service.Copy(node.Path(), targetPath, m.cfg.BufferKiB); err != nil {
		m.log.Error("failed to copy file", "phase", "copy", "src", node.Path(), "dst", targetPath, "error", err, "error-type", "transient")

		return nil
	}

	m.log.Info("file copied", "phase", "copy", "src", node.Path(), "dst", targetPath)

	return nil
}

// applyDelete reconciles a node known to be absent from origin (or extra
// on target) by removing the corresponding target-side path. Same fatal
// vs. transient error convention as applyCopy.
func (m *Mirror) applyDelete(node *snapshot.Snapshot) error {
	if err := m.securityGate(); err != nil {
		m.log.Error("security gate failed; aborting tick", "phase", "gate", "error", err, "error-type", "fatal")

		return err
	}

	targetPath, err := m.targetPathFor(node)
	if err != nil {
		m.log.Error("failed to compute target path", "phase", "delete", "path", node.Path(), "error", err, "error-type", "transient")

		return nil
	}

	if err := m.service.Delete(targetPath); err != nil {
		m.log.Error("failed to delete", "phase", "delete", "path", targetPath, "error", err, "error-type", "transient")

		return nil
	}

	m.log.Info("removed from target", "phase", "delete", "path", targetPath)

	return nil
}

// targetPathFor maps a node, which may belong to either the origin or the
// target tree, onto the corresponding path under the target root.
func (m *Mirror) targetPathFor(node *snapshot.Snapshot) (string, error) {
	root := m.origin
	targetRoot := m.target.Path()
	sep := string(filepath.Separator)
	if p := node.Path(); p == targetRoot || strings.HasPrefix(p, strings.TrimSuffix(targetRoot, sep)+sep) {
		root = m.target
	}

	rel, err := snapshot.RelativePath(root, node)
	if err != nil {
		return "", err
	}

	return filepath.Join(m.cfg.TargetPath, rel), nil
}

// securityGate verifies both roots are reachable immediately before a
// destructive operation. Its failure propagates as ErrRootUnreachable up
// through Check to the caller (ultimately the Scheduler), which is
// responsible for the single clean process shutdown this is meant to
// trigger: a disappearing origin must never cause the target to be wiped,
// and a disappearing target must not be repeatedly written to.
func (m *Mirror) securityGate() error {
	for _, p := range []string{m.cfg.OriginPath, m.cfg.TargetPath} {
		exists, err := fileservice.Exists(m.fs, p)
		if err != nil || !exists {
			return fmt.Errorf("%w: %q", ErrRootUnreachable, p)
		}
	}

	return nil
}

// loadLibrary reads the persisted origin library (if any), compares it
// against the current in-memory origin tree, and enqueues any node whose
// persisted attributes are missing or diverged for copy to the target. Stale
// entries (paths in the library no longer present under origin) are used to
// drive deletions of the corresponding still-existing target-side paths,
// resolving the spec's open question in favor of cleanup over silent
// ignoring.
func (m *Mirror) loadLibrary() error {
	f, err := m.fs.Open(m.libraryPath())
	if err != nil {
		return fmt.Errorf("mirror: failed to open library %q: %w", m.libraryPath(), err)
	}
	defer f.Close()

	entries, err := snapshot.Load(f)
	if err != nil {
		return fmt.Errorf("mirror: failed to parse library: %w", err)
	}

	var toCopy []*snapshot.Snapshot

	m.origin.Walk(func(node *snapshot.Snapshot) {
		entry, ok := entries[node.Path()]
		if ok && entry.ModifiedTimeMillis == node.ModifiedTimeMillis() && entry.Size == node.Size() {
			delete(entries, node.Path())

			return
		}

		toCopy = append(toCopy, node)
		delete(entries, node.Path())
	})

	for _, node := range toCopy {
		if err := m.applyCopy(node); err != nil {
			return err
		}
	}

	for stalePath := range entries {
		rel, err := filepath.Rel(m.cfg.OriginPath, stalePath)
		if err != nil {
			continue
		}

		targetPath := filepath.Join(m.cfg.TargetPath, rel)

		exists, err := fileservice.Exists(m.fs, targetPath)
		if err != nil || !exists {
			continue
		}

		if err := m.securityGate(); err != nil {
			m.log.Error("security gate failed; aborting load_library", "phase", "gate", "error", err, "error-type", "fatal")

			return err
		}

		if err := m.service.Delete(targetPath); err != nil {
			m.log.Error("failed to delete stale target path", "phase", "load_library", "path", targetPath, "error", err, "error-type", "transient", "reason", "stale_library_entry")

			continue
		}

		m.log.Warn("removed target path absent from current origin", "phase", "load_library", "path", targetPath, "reason", "stale_library_entry")
	}

	return m.persistLibrary()
}

// persistLibrary writes the origin tree's library via a temp-file-and-rename
// sequence, so a crash mid-write never leaves a half-written library file
// behind under the real name.
func (m *Mirror) persistLibrary() error {
	if err := m.fs.MkdirAll(libraryDir, 0o777); err != nil {
		return fmt.Errorf("mirror: failed to create library directory: %w", err)
	}

	tmpPath := m.libraryPath() + ".tmp"

	f, err := m.fs.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("mirror: failed to create %q: %w", tmpPath, err)
	}

	if err := m.origin.Store(f); err != nil {
		f.Close()

		return fmt.Errorf("mirror: failed to write library: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("mirror: failed to close %q: %w", tmpPath, err)
	}

	if exists, err := fileservice.Exists(m.fs, m.libraryPath()); err == nil && exists {
		if err := m.fs.Remove(m.libraryPath()); err != nil {
			return fmt.Errorf("mirror: failed to remove old library %q: %w", m.libraryPath(), err)
		}
	}

	if err := m.fs.Rename(tmpPath, m.libraryPath()); err != nil {
		return fmt.Errorf("mirror: failed to rename %q -> %q: %w", tmpPath, m.libraryPath(), err)
	}

	return nil
}
