// Package snapshot implements the in-memory directory tree that the mirror
// orchestrator diffs on every tick: a persistent tree of nodes, one per
// filesystem entry, that knows how to refresh itself against disk (Update),
// compare itself against a peer tree (CompareTo), and serialize itself to and
// from a small text format (Store / Load).
package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// ErrMalformedLibrary is returned by Load when a persisted line does not
// match the expected "path||mtime||size" grammar. A corrupted library is
// treated as worse than no library at all: the caller falls back to a full
// resync rather than silently skipping bad lines.
var ErrMalformedLibrary = errors.New("snapshot: malformed library line")

const fieldDelimiter = "||"

// Snapshot is one node of the observed directory tree. The root is
// constructed explicitly by the orchestrator; every other node is created
// the first time its parent's Update observes a new on-disk entry by that
// name.
type Snapshot struct {
	path         string
	name         string
	isDirectory  bool
	size         int64
	modifiedTime int64 // whole milliseconds since Unix epoch
	children     map[string]*Snapshot

	fs afero.Fs
}

// lstat stats path without following a trailing symlink when the underlying
// afero.Fs supports it (afero.Lstater), falling back to a plain Stat
// otherwise. A symlink is thus observed as an opaque leaf entry: its own
// kind/size/mtime are tracked like any file, but it is never dereferenced
// into a directory and never followed, which also sidesteps symlink cycles
// without any cycle-detection bookkeeping.
func lstat(fs afero.Fs, path string) (os.FileInfo, error) {
	if lf, ok := fs.(afero.Lstater); ok {
		info, _, err := lf.LstatIfPossible(path)

		return info, err
	}

	return fs.Stat(path)
}

// New constructs a root Snapshot for path and eagerly reads its current
// attributes, so a subsequent Update may legitimately report no change if
// attributes already match persisted state.
func New(fs afero.Fs, path string) (*Snapshot, error) {
	path = filepath.Clean(path)

	s := &Snapshot{
		path: path,
		name: filepath.Base(path),
		fs:   fs,
	}

	if err := s.readAttributes(); err != nil {
		return nil, fmt.Errorf("snapshot: failed to construct root %q: %w", path, err)
	}

	return s, nil
}

// Path returns the node's absolute filesystem path.
func (s *Snapshot) Path() string { return s.path }

// Name returns the node's final path component.
func (s *Snapshot) Name() string { return s.name }

// IsDirectory reports the node's last observed kind.
func (s *Snapshot) IsDirectory() bool { return s.isDirectory }

// Size returns the node's last observed byte length (0 for directories).
func (s *Snapshot) Size() int64 { return s.size }

// ModifiedTimeMillis returns the node's last observed modification time, in
// whole milliseconds since the Unix epoch.
func (s *Snapshot) ModifiedTimeMillis() int64 { return s.modifiedTime }

// Diff accumulates Snapshot references produced by Update, as ordinary Go
// slices collected into a returned struct instead of mutable out
// parameters. Update always fills all three fields; a consumer that does not
// need one class of event simply ignores that field.
type Diff struct {
	Added   []*Snapshot
	Updated []*Snapshot
	Deleted []*Snapshot
}

func (d *Diff) Empty() bool {
	return d == nil || (len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0)
}

// Update refreshes this node and its subtree from disk, returning the set of
// added/updated/deleted nodes observed: a vanished node is reported as
// deleted without descending into it, a changed existing node
// (kind/size/mtime) is reported as updated, a newly observed entry is
// reported as added (as is every entry of a new directory's subtree), and
// directory recursion reconciles the children map against the current
// on-disk listing.
func (s *Snapshot) Update() (*Diff, error) {
	diff := &Diff{}
	if err := s.update(diff); err != nil {
		return nil, err
	}

	return diff, nil
}

func (s *Snapshot) update(diff *Diff) error {
	info, err := lstat(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			diff.Deleted = append(diff.Deleted, s)

			return nil
		}

		return fmt.Errorf("snapshot: failed to stat %q: %w", s.path, err)
	}

	wasDirectory := s.isDirectory
	newSize := int64(0)
	if !info.IsDir() {
		newSize = info.Size()
	}
	newModified := info.ModTime().UnixMilli()

	changed := wasDirectory != info.IsDir() || s.size != newSize || s.modifiedTime != newModified
	if changed {
		diff.Updated = append(diff.Updated, s)
	}

	s.isDirectory = info.IsDir()
	s.size = newSize
	s.modifiedTime = newModified

	if s.isDirectory {
		if err := s.reconcileChildren(diff); err != nil {
			return err
		}

		return nil
	}

	// Directory -> file transition: drop the whole former subtree.
	if len(s.children) > 0 {
		for _, child := range s.children {
			diff.Deleted = append(diff.Deleted, child)
		}
		s.children = nil
	}

	return nil
}

func (s *Snapshot) reconcileChildren(diff *Diff) error {
	entries, err := afero.ReadDir(s.fs, s.path)
	if err != nil {
		return fmt.Errorf("snapshot: failed to list %q: %w", s.path, err)
	}

	if s.children == nil {
		s.children = make(map[string]*Snapshot)
	}

	remaining := make(map[string]struct{}, len(s.children))
	for name := range s.children {
		remaining[name] = struct{}{}
	}

	for _, e := range entries {
		name := e.Name()
		delete(remaining, name)

		child, exists := s.children[name]
		if !exists {
			child = &Snapshot{
				path: filepath.Join(s.path, name),
				name: name,
				fs:   s.fs,
			}
			s.children[name] = child

			// Read the new entry's attributes first so its own update below
			// does not also report it as changed: a new entry is only added.
			if err := child.readAttributes(); err != nil {
				return fmt.Errorf("snapshot: %w", err)
			}

			if err := child.update(diff); err != nil {
				return err
			}

			diff.Added = append(diff.Added, child)

			continue
		}

		if err := child.update(diff); err != nil {
			return err
		}
	}

	for name := range remaining {
		diff.Deleted = append(diff.Deleted, s.children[name])
		delete(s.children, name)
	}

	return nil
}

func (s *Snapshot) readAttributes() error {
	info, err := lstat(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to stat %q: %w", s.path, err)
	}

	s.isDirectory = info.IsDir()
	if !s.isDirectory {
		s.size = info.Size()
	}
	s.modifiedTime = info.ModTime().UnixMilli()

	return nil
}

// Children returns a snapshot of this node's children map. The returned map
// must be treated as read-only by callers.
func (s *Snapshot) Children() map[string]*Snapshot {
	return s.children
}

// CompareDiff accumulates the result of CompareTo.
type CompareDiff struct {
	// Missing holds nodes present on the authoritative (other) side but
	// absent or diverged on this side. These are "other"'s nodes.
	Missing []*Snapshot
	// Extra holds nodes present on this side but absent on the
	// authoritative side. These are "self"'s nodes.
	Extra []*Snapshot
}

func (d *CompareDiff) Empty() bool {
	return d == nil || (len(d.Missing) == 0 && len(d.Extra) == 0)
}

// CompareTo treats self as the target side and other as the authoritative
// side, without mutating either tree. Divergence (same name, different kind
// or size) is reported entirely on the Missing side, because the consumer
// repairs divergence by copying from the authoritative side.
func (s *Snapshot) CompareTo(other *Snapshot) *CompareDiff {
	diff := &CompareDiff{}
	s.compareTo(other, diff)

	return diff
}

func (s *Snapshot) compareTo(other *Snapshot, diff *CompareDiff) {
	for name, otherChild := range other.children {
		selfChild, exists := s.children[name]
		if !exists {
			diff.Missing = append(diff.Missing, otherChild)

			continue
		}

		if selfChild.isDirectory != otherChild.isDirectory || selfChild.size != otherChild.size {
			diff.Missing = append(diff.Missing, otherChild)
		}

		selfChild.compareTo(otherChild, diff)
	}

	for name, selfChild := range s.children {
		if _, exists := other.children[name]; !exists {
			diff.Extra = append(diff.Extra, selfChild)
		}
	}
}

// RelativePath returns node's path relative to root's path, using
// forward-slash-normalized separators so the result is stable across
// platforms when stored or compared. root must be an ancestor of node (or
// node itself).
func RelativePath(root *Snapshot, node *Snapshot) (string, error) {
	rel, err := filepath.Rel(root.path, node.path)
	if err != nil {
		return "", fmt.Errorf("snapshot: failed to compute relative path of %q under %q: %w", node.path, root.path, err)
	}

	return filepath.ToSlash(rel), nil
}

// Store writes one line per node of the tree rooted at s, in pre-order
// (parent before children), to w. See Load for the read-side counterpart and
// the escaping rule applied to the path field.
func (s *Snapshot) Store(w io.Writer) error {
	bw := bufio.NewWriter(w)

	if err := s.store(bw); err != nil {
		return err
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("snapshot: failed to flush library: %w", err)
	}

	return nil
}

func (s *Snapshot) store(w *bufio.Writer) error {
	line := fmt.Sprintf("%s%s%d%s%d\n", escapePath(s.path), fieldDelimiter, s.modifiedTime, fieldDelimiter, s.size)
	if _, err := w.WriteString(line); err != nil {
		return fmt.Errorf("snapshot: failed to write library line for %q: %w", s.path, err)
	}

	for _, child := range s.children {
		if err := child.store(w); err != nil {
			return err
		}
	}

	return nil
}

// LibraryEntry is one record of a persisted library: the last-observed
// modification time and size for an absolute path.
type LibraryEntry struct {
	ModifiedTimeMillis int64
	Size               int64
}

// Load reads a persisted library written by Store into a map from absolute
// path to its last-observed attributes. A malformed line is a hard error;
// see ErrMalformedLibrary.
func Load(r io.Reader) (map[string]LibraryEntry, error) {
	entries := make(map[string]LibraryEntry)

	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++

		line := scanner.Text()
		if line == "" {
			continue
		}

		// The mtime and size fields never contain '|', so they are split off
		// from the right: an escaped path ending in `\|` would otherwise run
		// into the delimiter that follows it. An escaped path never contains
		// the delimiter itself, so one that does marks a malformed line.
		sizeAt := strings.LastIndex(line, fieldDelimiter)
		mtimeAt := -1
		if sizeAt >= 0 {
			mtimeAt = strings.LastIndex(line[:sizeAt], fieldDelimiter)
		}
		if mtimeAt < 0 || strings.Contains(line[:mtimeAt], fieldDelimiter) {
			return nil, fmt.Errorf("%w: line %d: expected 3 fields", ErrMalformedLibrary, lineNo)
		}

		fields := []string{line[:mtimeAt], line[mtimeAt+len(fieldDelimiter) : sizeAt], line[sizeAt+len(fieldDelimiter):]}

		path := unescapePath(fields[0])

		mtime, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: invalid modified_time: %w", ErrMalformedLibrary, lineNo, err)
		}

		size, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: invalid size: %w", ErrMalformedLibrary, lineNo, err)
		}

		entries[path] = LibraryEntry{ModifiedTimeMillis: mtime, Size: size}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("snapshot: failed to read library: %w", err)
	}

	return entries, nil
}

// escapePath guards the "||" line delimiter against appearing inside a path
// by escaping a literal "|" as "\|" (resolves the persisted-format open
// question in favor of keeping the human-readable line grammar).
func escapePath(path string) string {
	return strings.ReplaceAll(path, "|", `\|`)
}

func unescapePath(escaped string) string {
	return strings.ReplaceAll(escaped, `\|`, "|")
}

// Walk invokes fn for s and every descendant, pre-order.
func (s *Snapshot) Walk(fn func(*Snapshot)) {
	fn(s)
	for _, child := range s.children {
		child.Walk(fn)
	}
}
