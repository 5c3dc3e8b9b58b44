package fileservice_test

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/arkforge/dirmirror/internal/fileservice"
)

// Copy stamps the target with the source's modification time, not the time
// of the copy itself, so snapshot identity (size + mtime) agrees on both
// sides immediately after a copy.
func Test_Unit_Copy_PreservesSourceModTime(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	srcTime := time.Now().Add(-24 * time.Hour)
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("hello world"), 0o666))
	require.NoError(t, fs.Chtimes("/src/a.txt", srcTime, srcTime))

	svc := fileservice.New(fs)
	require.NoError(t, svc.Copy("/src/a.txt", "/dst/a.txt", 4))

	info, err := fs.Stat("/dst/a.txt")
	require.NoError(t, err)
	require.Equal(t, srcTime.UnixMilli(), info.ModTime().UnixMilli())
}

// Copy creates missing parent directories and writes the full content.
func Test_Unit_Copy_CreatesParentsAndContent(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("hello world"), 0o666))

	svc := fileservice.New(fs)
	require.NoError(t, svc.Copy("/src/a.txt", "/dst/deep/a.txt", 4))

	content, err := afero.ReadFile(fs, "/dst/deep/a.txt")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))
}

// Copy overwrites an existing target.
func Test_Unit_Copy_OverwritesExistingTarget(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("new"), 0o666))
	require.NoError(t, afero.WriteFile(fs, "/dst/a.txt", []byte("stale-content"), 0o666))

	svc := fileservice.New(fs)
	require.NoError(t, svc.Copy("/src/a.txt", "/dst/a.txt", 4))

	content, err := afero.ReadFile(fs, "/dst/a.txt")
	require.NoError(t, err)
	require.Equal(t, "new", string(content))
}

// Copy leaves no temp file behind after a successful transfer.
func Test_Unit_Copy_NoLeftoverTempFile(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("x"), 0o666))

	svc := fileservice.New(fs)
	require.NoError(t, svc.Copy("/src/a.txt", "/dst/a.txt", 1))

	exists, err := afero.Exists(fs, "/dst/a.txt.tmp-sync")
	require.NoError(t, err)
	require.False(t, exists)
}

// A buffer size below the minimum is clamped rather than rejected.
func Test_Unit_Copy_SubMinimumBuffer_Clamped(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/a.txt", []byte("x"), 0o666))

	svc := fileservice.New(fs)
	require.NoError(t, svc.Copy("/src/a.txt", "/dst/a.txt", 0))

	content, err := afero.ReadFile(fs, "/dst/a.txt")
	require.NoError(t, err)
	require.Equal(t, "x", string(content))
}

// Delete on a missing path succeeds silently.
func Test_Unit_Delete_MissingPath_Succeeds(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	svc := fileservice.New(fs)
	require.NoError(t, svc.Delete("/does/not/exist"))
}

// Delete removes a directory tree children-before-parent.
func Test_Unit_Delete_DirectoryTree_RemovesEverything(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/d/sub/a.txt", []byte("x"), 0o666))
	require.NoError(t, afero.WriteFile(fs, "/d/b.txt", []byte("y"), 0o666))

	svc := fileservice.New(fs)
	require.NoError(t, svc.Delete("/d"))

	exists, err := afero.Exists(fs, "/d")
	require.NoError(t, err)
	require.False(t, exists)
}

// CreateDirectory is idempotent.
func Test_Unit_CreateDirectory_Idempotent(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	svc := fileservice.New(fs)

	require.NoError(t, svc.CreateDirectory("/a/b/c"))
	require.NoError(t, svc.CreateDirectory("/a/b/c"))

	isDir, err := afero.IsDir(fs, "/a/b/c")
	require.NoError(t, err)
	require.True(t, isDir)
}

// CreateFile is idempotent and does not truncate an existing file.
func Test_Unit_CreateFile_ExistingFile_NotTruncated(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a/b.txt", []byte("keep-me"), 0o666))

	svc := fileservice.New(fs)
	require.NoError(t, svc.CreateFile("/a/b.txt"))

	content, err := afero.ReadFile(fs, "/a/b.txt")
	require.NoError(t, err)
	require.Equal(t, "keep-me", string(content))
}

// flakyWriteFs simulates a transient I/O failure on a specific path,
// modeling transient per-file copy/delete failures the mirror must
// tolerate without aborting the whole tick.
type flakyWriteFs struct {
	afero.Fs
	failOnPath string
}

func (f flakyWriteFs) Create(name string) (afero.File, error) {
	if name == f.failOnPath {
		return nil, errors.New("simulated create failure")
	}

	return f.Fs.Create(name)
}

// A failing write leaves no partially-written file under the real target
// name; only (at most) the temp file could exist, and that is cleaned up.
func Test_Unit_Copy_WriteFailure_NoPartialTarget(t *testing.T) {
	t.Parallel()

	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/src/a.txt", []byte("x"), 0o666))

	fs := flakyWriteFs{Fs: base, failOnPath: "/dst/a.txt.tmp-sync"}
	svc := fileservice.New(fs)

	err := svc.Copy("/src/a.txt", "/dst/a.txt", 4)
	require.Error(t, err)

	exists, err := afero.Exists(base, "/dst/a.txt")
	require.NoError(t, err)
	require.False(t, exists)
}
